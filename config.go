package rtcendpoint

import (
	"net"
	"time"

	"github.com/lanikai/rtcendpoint/internal/turn"
)

// Config configures a new Endpoint. The zero value is not usable; use
// DefaultConfig and override fields, or build one from pflag-bound values in
// cmd/rtcendpointd.
type Config struct {
	// LocalUDPAddr is where the demuxer listens for STUN/DTLS/SCTP traffic.
	LocalUDPAddr *net.UDPAddr

	// SharedPort binds with SO_REUSEPORT, letting multiple local endpoint
	// processes share one UDP port -- used by the sample driver to run
	// both sides of a loopback scenario test without coordinating ports.
	SharedPort bool

	// Secret is the single 32-byte value from which every offer's
	// short-term ICE credentials are derived (see offer.go's
	// deriveCredential). It never appears on the wire.
	Secret [32]byte

	// MaxOffers bounds the offer table; MaxAssociations bounds the
	// association table. Both default to 94, the size of the printable
	// ASCII charset offer.go's slotToChar draws from -- a value above that
	// would make two different slots encode to the same ICE username byte.
	MaxOffers       int
	MaxAssociations int

	// OfferMaxAge is how long an unclaimed offer slot may sit idle before
	// it becomes eligible for eviction.
	OfferMaxAge time.Duration

	// StunServerAddr, if set, is a public STUN server NewEndpoint probes
	// once at startup to classify the local NAT's mapping/filtering
	// behavior (RFC 5780, spec.md Section 4.2.3) before the endpoint
	// begins serving peer traffic. Left empty, no discovery runs.
	StunServerAddr string

	// TURN server connection, if relaying is in use at all.
	TurnServerAddr string
	TurnUser       string
	TurnPass       string
	TurnPolicy     turn.Policy

	// Callbacks fire on the endpoint's internal goroutines (read loop, tick
	// loop, or a per-association socket reader); handlers must not block.
	OnOpen   func(assocID int, label, protocol string)
	OnData   func(assocID int, ppid uint32, data []byte)
	OnSendOK func(assocID int)
	OnClosed func(assocID int)
}

// DefaultConfig returns a Config with every non-connection-specific field
// set to its spec-mandated default.
func DefaultConfig() Config {
	return Config{
		MaxOffers:       94,
		MaxAssociations: 94,
		OfferMaxAge:     60 * time.Second,
		TurnPolicy:      turn.PolicyDisabled,
	}
}
