package rtcendpoint

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/lanikai/rtcendpoint/internal/datachannel"
	"github.com/lanikai/rtcendpoint/internal/dtlsio"
	"github.com/lanikai/rtcendpoint/internal/ice"
	"github.com/lanikai/rtcendpoint/internal/logging"
	"github.com/lanikai/rtcendpoint/internal/sctp"
)

var assocLog = logging.DefaultLogger.WithTag("assoc")

// assocState is the root package's lifecycle, a superset of sctp.Assoc's own
// handshake state because it also tracks DTLS and consent freshness
// (spec.md Section 3).
type assocState int

const (
	assocFree assocState = iota
	assocHandshake
	assocConnecting // DTLS + SCTP handshake in flight
	assocEstablished
	assocShuttingDown
)

// Association binds one offer's slot to a live peer: the SCTP association
// state machine, a DTLS session standing in for the record layer, the
// negotiated remote address, and the data channel control-protocol table.
// Its methods take mu, which serializes the endpoint's read loop, its tick
// loop, and application calls such as Send and OpenChannel against one
// another.
type Association struct {
	mu sync.Mutex

	Slot int

	OfferSlot int
	RemoteAddr *net.UDPAddr

	state assocState

	sctp *sctp.Assoc
	dtls dtlsio.Session

	channels *datachannel.Table

	lastConsent    time.Time
	lastProbeSent  time.Time

	controlling bool
	tiebreaker  uint64

	// transport is non-nil once promote() has dialed this association's
	// own connected socket (see mux_transport.go); nil means all traffic
	// for it still flows through the endpoint's shared listening socket.
	transport *assocTransport
}

// NewAssociation constructs an association bound to offerSlot, in the free
// state, ready to begin the DTLS+SCTP handshake once the controlling side
// is settled (spec.md Section 4.2.5).
func NewAssociation(slot, offerSlot int, controlling bool, tiebreaker uint64) *Association {
	return &Association{
		Slot:        slot,
		OfferSlot:   offerSlot,
		state:       assocFree,
		controlling: controlling,
		tiebreaker:  tiebreaker,
		channels:    datachannel.NewTable(sideFor(controlling)),
	}
}

func sideFor(controlling bool) datachannel.Side {
	// The DTLS client is always the controlling ICE side (spec.md Section
	// 4.4.1), and stream-ID parity follows the DTLS client/server split.
	if controlling {
		return datachannel.SideClient
	}
	return datachannel.SideServer
}

// BeginTransport starts the DTLS handshake and, once it completes,
// initializes the SCTP association. masterSecret stands in for the keying
// material a real DTLS implementation would export after its handshake;
// here it is supplied directly because DTLS's record layer is an external
// collaborator this module does not implement (see internal/dtlsio).
func (a *Association) BeginTransport(masterSecret []byte, localPort, remotePort uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()

	client, server := dtlsio.LoopbackPair(masterSecret)
	if a.controlling {
		a.dtls = client
	} else {
		a.dtls = server
	}
	// The loopback Session has no real handshake to wait on -- it's ready
	// as soon as both sides have derived the same HKDF key -- but it still
	// requires Handshake to be called once before Encrypt/Decrypt will
	// work, exactly as a real dtlsio.Session would (see internal/dtlsio's
	// package doc on the external-collaborator seam).
	if err := a.dtls.Handshake(context.Background()); err != nil {
		assocLog.Debug("assoc: slot %d: dtls handshake stand-in failed: %v", a.Slot, err)
	}
	a.sctp = sctp.NewAssoc(sctp.Config{
		LocalPort:  localPort,
		RemotePort: remotePort,
		Initiator:  a.controlling,
	})
	a.state = assocConnecting
}

// StartSCTPHandshake returns the first INIT chunk's ciphertext, for the
// controlling side only.
func (a *Association) StartSCTPHandshake() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	plain := a.sctp.InitiateHandshake()
	return a.dtls.Encrypt(plain)
}

// HandleInboundTransport decrypts one datagram and feeds it to the SCTP
// association, surfacing any application deliveries, packets to send back,
// and data-channel-layer side effects (OPEN/ACK) in one pass.
func (a *Association) HandleInboundTransport(ciphertext []byte) (toSend [][]byte, deliveries []sctp.Delivery, opened []datachannel.Channel, established bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	plain, err := a.dtls.Decrypt(ciphertext)
	if err != nil {
		assocLog.Debug("assoc: dropping undecryptable datagram for slot %d: %v", a.Slot, err)
		return nil, nil, nil, false, nil
	}

	send, delivs, event, err := a.sctp.HandleInbound(plain)
	if err != nil {
		return nil, nil, nil, false, err
	}

	for _, c := range send {
		ct, encErr := a.dtls.Encrypt(c)
		if encErr != nil {
			continue
		}
		toSend = append(toSend, ct)
	}

	for _, d := range delivs {
		if d.PPID == datachannel.PPIDControl && len(d.Data) > 0 && d.Data[0] == 0x03 {
			ch, ack, openErr := datachannel.HandleOpen(d.StreamID, d.Data)
			if openErr != nil {
				continue
			}
			ackWire := a.sctp.Send(d.StreamID, datachannel.PPIDControl, ack, false)
			for _, c := range ackWire {
				ct, encErr := a.dtls.Encrypt(c)
				if encErr == nil {
					toSend = append(toSend, ct)
				}
			}
			opened = append(opened, ch)
			continue
		}
		if d.PPID == datachannel.PPIDControl && len(d.Data) > 0 && d.Data[0] == 0x02 {
			a.channels.HandleAck(d.StreamID)
			continue
		}
		deliveries = append(deliveries, d)
	}

	if event == sctp.EventEstablished {
		a.state = assocEstablished
	}
	established = a.state == assocEstablished
	return toSend, deliveries, opened, established, nil
}

// Send enqueues an application message on streamID and returns ciphertext
// packets ready for the wire.
func (a *Association) Send(streamID uint16, text bool, data []byte) ([][]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != assocEstablished {
		return nil, errAssocNotOpen
	}
	ppid := datachannel.PPIDFor(text)
	plain := a.sctp.Send(streamID, ppid, data, false)
	var out [][]byte
	for _, p := range plain {
		ct, err := a.dtls.Encrypt(p)
		if err != nil {
			return nil, err
		}
		out = append(out, ct)
	}
	return out, nil
}

// OpenChannel begins a new data channel and returns the first wire packet
// carrying DATA_CHANNEL_OPEN.
func (a *Association) OpenChannel(label, protocol string) ([][]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != assocEstablished {
		return nil, errAssocNotOpen
	}
	streamID, msg, err := a.channels.OpenRequest(label, protocol)
	if err != nil {
		return nil, err
	}
	plain := a.sctp.Send(streamID, datachannel.PPIDControl, msg, false)
	var out [][]byte
	for _, p := range plain {
		ct, encErr := a.dtls.Encrypt(p)
		if encErr != nil {
			return nil, encErr
		}
		out = append(out, ct)
	}
	return out, nil
}

// Tick advances timers (SCTP heartbeat/T3-RTX and, at the root level,
// consent freshness) and returns any resulting wire traffic plus whether
// the association should be torn down.
func (a *Association) Tick(now time.Time) (toSend [][]byte, expired bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != assocEstablished && a.state != assocConnecting {
		return nil, false
	}

	plain, event := a.sctp.Tick()
	for _, p := range plain {
		ct, err := a.dtls.Encrypt(p)
		if err == nil {
			toSend = append(toSend, ct)
		}
	}
	if event == sctp.EventHeartbeatTimeout {
		return toSend, true
	}

	if !a.lastConsent.IsZero() && now.Sub(a.lastConsent) > ice.ConsentFailureWindow {
		return toSend, true
	}
	return toSend, false
}

// NoteConsent records a fresh consent-freshness response (spec.md Section
// 4.2.7).
func (a *Association) NoteConsent(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastConsent = now
}

// NoteProbeSent records that the endpoint just sent an active
// consent-freshness probe (spec.md Section 4.2.7), for DueForConsentProbe's
// retry pacing.
func (a *Association) NoteProbeSent(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastProbeSent = now
}

// DueForConsentProbe reports whether the endpoint should send another
// active consent-freshness probe now (spec.md Section 4.2.7): the first one
// fires as soon as the association is up; afterward, a fresh response
// schedules the next probe ice.ConsentFreshnessInterval out, while a probe
// still awaiting a response is retried every ice.ConsentProbeInterval.
func (a *Association) DueForConsentProbe(now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != assocEstablished && a.state != assocConnecting {
		return false
	}
	if a.lastProbeSent.IsZero() {
		return true
	}
	awaitingResponse := a.lastConsent.IsZero() || a.lastProbeSent.After(a.lastConsent)
	if awaitingResponse {
		return now.Sub(a.lastProbeSent) >= ice.ConsentProbeInterval
	}
	return now.Sub(a.lastProbeSent) >= ice.ConsentFreshnessInterval
}

// Established reports whether the association has completed its handshake.
func (a *Association) Established() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == assocEstablished
}

// closeTransport releases the per-association connected socket, if one was
// ever dialed for it.
func (a *Association) closeTransport() {
	a.mu.Lock()
	t := a.transport
	a.mu.Unlock()
	if t != nil {
		t.Close()
	}
}
