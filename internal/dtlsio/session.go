// Package dtlsio defines the boundary between this module and the DTLS
// record layer, which spec.md Section 1 treats as an external collaborator:
// the core only ever hands a Session decrypted SCTP packets and gets back
// ciphertext to put on the wire. No handshake state machine, cipher suite
// negotiation, or certificate validation lives here — that is the external
// library's job, the way the teacher's peer_connection.go drove
// `dtls.Client`/`dtls.Server` from `internal/dtls` without reimplementing
// the record layer itself.
package dtlsio

import (
	"context"
	"fmt"
)

// Role mirrors the ICE-derived controlling/controlled assignment: the DTLS
// client offers first and uses odd SCTP stream IDs (spec.md Section 4.5).
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// Session is the record-layer contract an external DTLS implementation
// must satisfy. Handshake must be safe to call once; Encrypt/Decrypt operate
// on already-demultiplexed DTLS datagrams (spec.md Section 4.1's C1 routes
// non-STUN traffic here once an Association exists).
type Session interface {
	Role() Role
	Handshake(ctx context.Context) error
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
	Close() error
}

// ErrNotHandshaked is returned by Encrypt/Decrypt when called before
// Handshake has completed.
var ErrNotHandshaked = fmt.Errorf("dtlsio: session not handshaked")
