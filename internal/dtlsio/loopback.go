package dtlsio

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// LoopbackPair produces two Sessions that encrypt/decrypt against each
// other using a key both sides derive from a shared master secret via
// HKDF-SHA256, standing in for a real DTLS handshake's exported keying
// material. It backs the scenario tests of spec.md Section 8, and
// Association.BeginTransport also uses it in place of a real DTLS library,
// so two Associations exchange SCTP packets without one.
func LoopbackPair(masterSecret []byte) (client, server Session) {
	clientKey := deriveKey(masterSecret, "client")
	serverKey := deriveKey(masterSecret, "server")

	c := &loopbackSession{role: RoleClient, sendKey: clientKey, recvKey: serverKey}
	s := &loopbackSession{role: RoleServer, sendKey: serverKey, recvKey: clientKey}
	return c, s
}

func deriveKey(secret []byte, label string) []byte {
	h := hkdf.New(sha256.New, secret, nil, []byte("rtcendpoint dtlsio loopback "+label))
	key := make([]byte, 32)
	if _, err := io.ReadFull(h, key); err != nil {
		panic("dtlsio: hkdf expand failed: " + err.Error())
	}
	return key
}

// loopbackSession implements Session with AES-GCM over a pre-shared key.
// It never performs a real handshake: Handshake only flips a ready flag,
// since there is no peer connection to negotiate over in-process.
type loopbackSession struct {
	role    Role
	sendKey []byte
	recvKey []byte

	mu    sync.Mutex
	ready bool
}

func (s *loopbackSession) Role() Role { return s.role }

func (s *loopbackSession) Handshake(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	return nil
}

func (s *loopbackSession) gcm(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (s *loopbackSession) Encrypt(plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()
	if !ready {
		return nil, ErrNotHandshaked
	}

	aead, err := s.gcm(s.sendKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *loopbackSession) Decrypt(ciphertext []byte) ([]byte, error) {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()
	if !ready {
		return nil, ErrNotHandshaked
	}

	aead, err := s.gcm(s.recvKey)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("dtlsio: ciphertext shorter than nonce")
	}
	nonce, ct := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	return aead.Open(nil, nonce, ct, nil)
}

func (s *loopbackSession) Close() error { return nil }
