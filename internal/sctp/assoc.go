package sctp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/lanikai/rtcendpoint/internal/logging"
)

var log = logging.DefaultLogger.WithTag("sctp")

// Constants from spec.md Section 6.
const (
	MTU           = 1400
	MaxARwnd      = 100000
	MaxCwnd       = 100000
	MaxStreams    = 16
	FragmentSize  = 1232
	MinRTO        = 1000 * time.Millisecond
	MaxRTO        = 6000 * time.Millisecond
	TickInterval  = 100 * time.Millisecond
	HeartbeatTick = 40
	TeardownTick  = 80
	FastRetryGap  = 3
)

func initialSSThresh() uint32 { return 4 * MTU }
func initialCwnd() uint32     { return 4 * MTU }

// state tracks association-setup progress, independent of the root
// package's {free, handshake, connecting, established, shutting-down}
// lifecycle (spec.md Section 3), which also accounts for DTLS and consent.
type state int

const (
	stateClosed state = iota
	stateInitSent
	stateInitAckReceived // cookie echoed, awaiting COOKIE-ACK
	stateEstablished
	stateShuttingDown
)

// Event is returned by the packet-processing entry points to tell the
// caller what happened, without the caller needing to inspect Assoc's
// internals.
type Event int

const (
	EventNone Event = iota
	EventEstablished
	EventSendOK // holding queue just drained to empty (spec.md Section 4.4.3)
	EventHeartbeatTimeout
	EventAbort
)

// Delivery is one complete application message ready for the data channel
// layer above.
type Delivery struct {
	StreamID uint16
	PPID     uint32
	Data     []byte
}

// Config configures a new Assoc.
type Config struct {
	LocalPort, RemotePort uint16
	// Initiator is true for the side that created the offer (spec.md
	// Section 4.4.2): it sends the first INIT.
	Initiator bool
}

// Assoc is a single SCTP association's user-space state machine. It is not
// safe for concurrent use; the caller (the root package's Association)
// serializes access with its own mutex, matching spec.md Section 5.
type Assoc struct {
	cfg Config

	state state

	localVerificationTag uint32
	peerVerificationTag  uint32

	localInitiateTag uint32

	outboundTSN          uint32 // next TSN to assign
	cumulativeInboundTSN uint32 // seeded by the peer's INIT/INIT-ACK initialTSN

	outboundSeq [MaxStreams]uint16
	reassembly  [MaxStreams][]byte // per-stream fragment accumulator

	holding    holdingQueue
	pendingAck pendingAckQueue
	receiveHold receiveHoldQueue

	// Congestion control (spec.md Section 4.4.2, 4.4.7).
	cwnd            uint32
	ssthresh        uint32
	senderCredits   uint32
	receiverCredits uint32
	partialBytesAcked uint32
	cwndLimited     bool

	// RTO estimation (spec.md Section 4.4.2, Karn's algorithm).
	srtt, rttvar time.Duration
	rto          time.Duration
	t3Armed      bool
	t3Deadline   time.Time
	anyRetransmitSince time.Time // zero means "none since association start"

	inFastRecovery          bool
	fastRetransmitExitPoint uint32

	tick int

	peerARwnd uint32
}

// NewAssoc creates an association in the closed state; call InitiateHandshake
// (initiator) or wait for an inbound INIT (responder).
func NewAssoc(cfg Config) *Assoc {
	a := &Assoc{
		cfg:             cfg,
		cwnd:            initialCwnd(),
		ssthresh:        initialSSThresh(),
		senderCredits:   initialCwnd(),
		receiverCredits: MaxARwnd,
		rto:             clampRTO(0),
	}
	a.localVerificationTag = randUint32()
	a.localInitiateTag = randUint32()
	a.outboundTSN = randUint32()
	return a
}

func randUint32() uint32 {
	var b [4]byte
	rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

func clampRTO(d time.Duration) time.Duration {
	if d < MinRTO {
		return MinRTO
	}
	if d > MaxRTO {
		return MaxRTO
	}
	return d
}

// InitiateHandshake returns the wire bytes of the first INIT chunk. Only
// valid for the initiator (spec.md Section 4.4.2: "the side that created
// the offer initiates").
func (a *Assoc) InitiateHandshake() []byte {
	a.state = stateInitSent
	return a.encode(encodeInit(chunkInit, initChunk{
		initiateTag:     a.localInitiateTag,
		aRwnd:           MaxARwnd,
		outboundStreams: MaxStreams,
		inboundStreams:  MaxStreams,
		initialTSN:      a.outboundTSN,
	}))
}

func (a *Assoc) encode(chunks ...rawChunk) []byte {
	return encodePacket(packetHeader{
		srcPort:         a.cfg.LocalPort,
		dstPort:         a.cfg.RemotePort,
		verificationTag: a.peerVerificationTag,
	}, chunks)
}

// HandleInbound parses a decrypted SCTP packet and processes every chunk in
// order, returning packets to send and application deliveries, along with an
// Event summarizing anything the caller (root Association) needs to act on.
func (a *Assoc) HandleInbound(data []byte) (toSend [][]byte, deliveries []Delivery, event Event, err error) {
	_, chunks, err := decodePacket(data)
	if err != nil {
		log.Debug("sctp: dropping malformed packet: %v", err)
		return nil, nil, EventNone, nil // malformed wire: drop, never propagate (spec.md Section 7a)
	}

	for _, c := range chunks {
		send, delivs, ev, abort := a.handleChunk(c)
		toSend = append(toSend, send...)
		deliveries = append(deliveries, delivs...)
		if ev != EventNone {
			event = ev
		}
		if abort {
			event = EventAbort
			break
		}
	}
	return toSend, deliveries, event, nil
}

func (a *Assoc) handleChunk(c rawChunk) (toSend [][]byte, deliveries []Delivery, event Event, abort bool) {
	switch c.typ {
	case chunkInit:
		return a.handleInit(c)
	case chunkInitAck:
		return a.handleInitAck(c)
	case chunkCookieEcho:
		return a.handleCookieEcho(c)
	case chunkCookieAck:
		a.state = stateEstablished
		return nil, nil, EventEstablished, false
	case chunkData:
		return a.handleData(c)
	case chunkSack:
		return a.handleSack(c)
	case chunkHeartbeat:
		return a.handleHeartbeat(c)
	case chunkHeartbeatAck:
		a.tick = 0
		return nil, nil, EventNone, false
	case chunkAbort:
		return nil, nil, EventAbort, true
	case chunkShutdown, chunkShutdownAck:
		a.state = stateShuttingDown
		return nil, nil, EventNone, false
	case chunkError:
		log.Debug("sctp: peer sent ERROR chunk")
		return nil, nil, EventNone, false
	default:
		return nil, nil, EventNone, false
	}
}

func (a *Assoc) handleInit(c rawChunk) (toSend [][]byte, deliveries []Delivery, event Event, abort bool) {
	init, err := decodeInit(c.value)
	if err != nil {
		log.Debug("sctp: malformed INIT: %v", err)
		return nil, nil, EventNone, false
	}
	a.peerVerificationTag = init.initiateTag
	a.peerARwnd = init.aRwnd

	cookie := make([]byte, 8)
	binary.BigEndian.PutUint64(cookie, uint64(time.Now().UnixNano()/int64(time.Millisecond)))

	ack := a.encode(encodeInit(chunkInitAck, initChunk{
		initiateTag:     a.localInitiateTag,
		aRwnd:           MaxARwnd,
		outboundStreams: MaxStreams,
		inboundStreams:  MaxStreams,
		initialTSN:      a.outboundTSN,
		cookie:          cookie,
	}))
	// The responder remembers the peer's initial TSN so that, once
	// COOKIE-ECHO confirms the handshake, cumulativeInboundTSN starts one
	// below it.
	a.cumulativeInboundTSN = init.initialTSN - 1
	return [][]byte{ack}, nil, EventNone, false
}

func (a *Assoc) handleInitAck(c rawChunk) (toSend [][]byte, deliveries []Delivery, event Event, abort bool) {
	init, err := decodeInit(c.value)
	if err != nil {
		log.Debug("sctp: malformed INIT-ACK: %v", err)
		return nil, nil, EventNone, false
	}
	a.peerVerificationTag = init.initiateTag
	a.peerARwnd = init.aRwnd
	a.cumulativeInboundTSN = init.initialTSN - 1

	if len(init.cookie) == 8 {
		sendTimeMs := int64(binary.BigEndian.Uint64(init.cookie))
		// Seed SRTT from the responder's send time, per spec.md Section
		// 4.4.2.
		elapsed := time.Duration(time.Now().UnixNano()/int64(time.Millisecond)-sendTimeMs) * time.Millisecond
		if elapsed > 0 && elapsed < 10*time.Second {
			a.srtt = elapsed
			a.rttvar = elapsed / 2
			a.rto = clampRTO(a.srtt + 4*a.rttvar)
		}
	}
	if a.rto == 0 {
		a.rto = MinRTO
	}

	echo := a.encode(opaqueChunk(chunkCookieEcho, init.cookie))
	a.state = stateInitAckReceived
	return [][]byte{echo}, nil, EventNone, false
}

func (a *Assoc) handleCookieEcho(c rawChunk) (toSend [][]byte, deliveries []Delivery, event Event, abort bool) {
	if len(c.value) != 8 {
		// RFC 4960 mandates an ABORT on an invalid cookie; spec.md Section
		// 6's SPEC_FULL supplement keeps this one wire-visible failure
		// instead of silently dropping it.
		return [][]byte{a.encode(simpleChunk(chunkAbort))}, nil, EventAbort, true
	}
	ack := a.encode(simpleChunk(chunkCookieAck))
	a.state = stateEstablished
	return [][]byte{ack}, nil, EventEstablished, false
}

// Established reports whether the handshake has completed.
func (a *Assoc) Established() bool { return a.state == stateEstablished }

func (a *Assoc) String() string {
	return fmt.Sprintf("sctp.Assoc{state=%d cwnd=%d ssthresh=%d outboundTSN=%d}", a.state, a.cwnd, a.ssthresh, a.outboundTSN)
}
