// Package rtcendpoint implements a browser-compatible WebRTC data-channel
// engine: STUN/ICE connectivity establishment, an optional TCP-framed TURN
// relay client, a user-space SCTP association, and the Data Channel
// control protocol on top of it. SDP encode/decode, signaling transport,
// X.509 certificate generation, and the DTLS record layer itself are all
// treated as external collaborators the application wires in; see
// internal/dtlsio for the seam where a real DTLS implementation's exported
// keying material and Encrypt/Decrypt would be plugged in.
package rtcendpoint

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/lanikai/rtcendpoint/internal/ice"
	"github.com/lanikai/rtcendpoint/internal/logging"
	"github.com/lanikai/rtcendpoint/internal/stunmsg"
	"github.com/lanikai/rtcendpoint/internal/turn"
)

var log = logging.DefaultLogger.WithTag("rtcendpoint")

// nowOrZero is overridable in tests exactly like internal/sctp's package
// variable of the same purpose; production code always reads the wall
// clock.
var nowOrZero = func() time.Time { return time.Now() }

// Endpoint owns one UDP socket, the offer and association slot tables, and
// the optional TURN client, and drives the read loop and the tick loop,
// each on its own goroutine, that process every inbound datagram and timer
// tick.
type Endpoint struct {
	cfg  Config
	conn *net.UDPConn

	offers *OfferTable

	mu     sync.Mutex
	assocs []*Association // slot-indexed, same convention as offers
	byAddr map[string]int // remote UDP address -> association slot

	turnClient *turn.Client

	closeOnce sync.Once
	closed    chan struct{}
}

// NewEndpoint opens a UDP socket bound to cfg.LocalUDPAddr and starts the
// read and tick loops. It opens no TURN connection: a caller that relays
// dials the TURN server itself and attaches the resulting turn.Client with
// AttachTURN.
func NewEndpoint(cfg Config) (*Endpoint, error) {
	if cfg.MaxOffers == 0 {
		cfg = mergeDefaults(cfg)
	}

	conn, err := listenUDP(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "rtcendpoint: listen")
	}
	if err := tuneSocket(conn); err != nil {
		log.Debug("rtcendpoint: socket tuning incomplete: %v", err)
	}

	e := &Endpoint{
		cfg:    cfg,
		conn:   conn,
		offers: NewOfferTable(cfg.MaxOffers, cfg.OfferMaxAge),
		assocs: make([]*Association, cfg.MaxAssociations),
		byAddr: make(map[string]int),
		closed: make(chan struct{}),
	}

	if cfg.StunServerAddr != "" {
		if addr, rerr := net.ResolveUDPAddr("udp", cfg.StunServerAddr); rerr != nil {
			log.Debug("rtcendpoint: invalid stun server address %q: %v", cfg.StunServerAddr, rerr)
		} else {
			class := e.discoverNAT(addr)
			log.Info("rtcendpoint: nat discovery against %s: %s", cfg.StunServerAddr, class)
		}
	}

	go e.readLoop()
	go e.tickLoop()
	return e, nil
}

// discoverNAT runs the RFC 5780 NAT-classification probe sequence against
// serverAddr once, synchronously, before the read/tick loops start (spec.md
// Section 2 lists NAT discovery as a C2 responsibility; Section 4.2.3 is
// the decision tree internal/ice.Discovery implements). It owns e.conn
// exclusively for the duration of the call, which is safe only because it
// runs before readLoop's own goroutine is started.
func (e *Endpoint) discoverNAT(serverAddr *net.UDPAddr) ice.NATClass {
	defer e.conn.SetReadDeadline(time.Time{})

	var d ice.Discovery
	d.Start()

	var changeIP, changePort bool
	var firstMapped string
	buf := make([]byte, maxDatagramSize)

	for {
		req := stunmsg.New(stunmsg.ClassRequest, stunmsg.MethodBinding)
		if changeIP || changePort {
			req.AddChangeRequest(changeIP, changePort)
		}
		req.AddFingerprint()

		e.conn.SetReadDeadline(nowOrZero().Add(ice.StepTimeout))
		if _, err := e.conn.WriteToUDP(req.Bytes(), serverAddr); err != nil {
			return ice.ServerUnreachable
		}

		var action ice.Action
		n, _, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			action = d.TimedOut()
		} else {
			msg, perr := stunmsg.Parse(buf[:n])
			mappedStr := ""
			if perr == nil && msg != nil {
				if mapped, ok := msg.XorMappedAddress(); ok {
					mappedStr = mapped.String()
				}
			}
			if firstMapped == "" {
				firstMapped = mappedStr
			}
			action = d.Responded(mappedStr, mappedStr == firstMapped)
		}

		if result, done := d.Done(); done {
			return result
		}
		if cr, ok := action.(ice.ActionSendChangeRequest); ok {
			changeIP, changePort = cr.ChangeIP, cr.ChangePort
		}
	}
}

// SetRemoteOffer decodes a signaled offer block (spec.md Section 6) into
// the offer occupying slot and, once its candidate list is known, arms the
// controlling side's active connectivity checks.
func (e *Endpoint) SetRemoteOffer(slot int, block []byte) error {
	offer, ok := e.offers.Get(slot)
	if !ok {
		return errOfferExpired
	}
	if err := offer.SetRemoteOffer(block); err != nil {
		return err
	}
	e.maybeStartConnectivityChecks(offer)
	return nil
}

func mergeDefaults(cfg Config) Config {
	d := DefaultConfig()
	if cfg.MaxOffers == 0 {
		cfg.MaxOffers = d.MaxOffers
	}
	if cfg.MaxAssociations == 0 {
		cfg.MaxAssociations = d.MaxAssociations
	}
	if cfg.OfferMaxAge == 0 {
		cfg.OfferMaxAge = d.OfferMaxAge
	}
	return cfg
}

// AttachTURN wires an already-connected TURN client into the endpoint, used
// when cfg.TurnPolicy is not PolicyDisabled (spec.md Section 4.3).
func (e *Endpoint) AttachTURN(c *turn.Client) { e.turnClient = c }

// TURNDataHandler builds the turn.DataHandler callback the caller must pass
// to turn.NewClient before constructing the Client that AttachTURN later
// stores -- it feeds relayed datagrams back through the same
// classify-and-route path as directly received ones. Channel-data frames
// identify their peer only by channel number, which this module assigns as
// turnChannelBase + association slot when it calls CreateChannelBinding, so
// the reverse mapping here is a simple subtraction.
func (e *Endpoint) TURNDataHandler() turn.DataHandler {
	return func(peer *net.UDPAddr, channel uint16, data []byte) {
		if peer != nil {
			e.handleDatagram(peer, data)
			return
		}
		slot := int(channel) - turnChannelBase
		e.mu.Lock()
		var assoc *Association
		if slot >= 0 && slot < len(e.assocs) {
			assoc = e.assocs[slot]
		}
		e.mu.Unlock()
		if assoc == nil || assoc.RemoteAddr == nil {
			log.Debug("rtcendpoint: channel-data on unbound channel %#x", channel)
			return
		}
		e.handleDatagram(assoc.RemoteAddr, data)
	}
}

const turnChannelBase = 0x4000

// CreateOffer allocates a new offer slot and returns it for the application
// to serialize into whatever out-of-band signaling channel it owns (spec.md
// Section 1: signaling/SDP is an external collaborator).
func (e *Endpoint) CreateOffer() (*Offer, error) {
	return e.offers.Create(e.cfg.Secret, nowOrZero())
}

func (e *Endpoint) associationForOffer(offerSlot int) (*Association, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, a := range e.assocs {
		if a != nil && a.OfferSlot == offerSlot {
			return a, true
		}
	}
	return nil, false
}

func (e *Endpoint) associationAt(slot int) (*Association, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if slot < 0 || slot >= len(e.assocs) || e.assocs[slot] == nil {
		return nil, false
	}
	return e.assocs[slot], true
}

// promote turns a nominated offer into a live association bound to src,
// allocating the next free association slot, starting the (stand-in) DTLS
// session, and initiating the SCTP handshake -- the offer holder is always
// the SCTP initiator, since it is the side that proposed the connection
// (spec.md Section 4.4.2).
func (e *Endpoint) promote(offerSlot int, src *net.UDPAddr) (*Association, [][]byte, error) {
	offer, ok := e.offers.Get(offerSlot)
	if !ok {
		return nil, nil, errOfferExpired
	}

	e.mu.Lock()
	slot := -1
	for i, a := range e.assocs {
		if a == nil {
			slot = i
			break
		}
	}
	e.mu.Unlock()
	if slot < 0 {
		return nil, nil, errNoFreeSlot
	}

	assoc := NewAssociation(slot, offerSlot, true, randUint64())
	assoc.RemoteAddr = src

	masterSecret := deriveTransportSecret(offer)
	assoc.BeginTransport(masterSecret, uint16(e.cfg.LocalUDPAddr.Port), uint16(src.Port))

	e.mu.Lock()
	e.assocs[slot] = assoc
	e.byAddr[src.String()] = slot
	e.mu.Unlock()

	offer.AssocSlot = slot

	if e.turnClient != nil && e.cfg.TurnPolicy != turn.PolicyDisabled {
		channel := uint16(turnChannelBase + slot)
		if perr := e.turnClient.CreatePermission([]*net.UDPAddr{src}); perr != nil {
			log.Debug("rtcendpoint: association %d: turn create-permission failed: %v", slot, perr)
		} else if berr := e.turnClient.CreateChannelBinding(channel, src); berr != nil {
			log.Debug("rtcendpoint: association %d: turn channel-bind failed: %v", slot, berr)
		}
	}

	if t, terr := newAssocTransport(e.cfg.LocalUDPAddr.Port, src); terr != nil {
		log.Debug("rtcendpoint: association %d: per-association socket unavailable, staying on shared socket: %v", slot, terr)
	} else {
		assoc.mu.Lock()
		assoc.transport = t
		assoc.mu.Unlock()
		t.run(
			func(data []byte) {
				toSend, _ := e.handleInboundSTUN(src, data)
				for _, b := range toSend {
					e.sendVia(assoc, b)
				}
			},
			func(data []byte) { e.handleTransport(slot, src, data) },
		)
	}

	init, err := assoc.StartSCTPHandshake()
	if err != nil {
		return assoc, nil, errors.Wrap(err, "rtcendpoint: sctp handshake start")
	}
	return assoc, [][]byte{init}, nil
}

// sendVia writes b to assoc's peer: over the TURN channel binding promote()
// established for it when policy mandates relay (spec.md Section 4.3), else
// preferring its own per-association socket (see mux_transport.go) over the
// shared listening socket.
func (e *Endpoint) sendVia(assoc *Association, b []byte) {
	if e.turnClient != nil && e.cfg.TurnPolicy == turn.PolicyAlwaysRelay {
		channel := uint16(turnChannelBase + assoc.Slot)
		if _, err := e.turnClient.SendChannelData(channel, b); err == nil {
			return
		}
	}
	assoc.mu.Lock()
	t := assoc.transport
	assoc.mu.Unlock()
	if t != nil {
		if err := t.write(b); err == nil {
			return
		}
	}
	e.writeTo(assoc.RemoteAddr, b)
}

// sendConsentProbe sends one authenticated binding request over assoc's
// elected pair to refresh consent freshness (spec.md Section 4.2.7). The
// response, once it arrives, is routed back to assoc.NoteConsent by
// handleBindingResponse's high-bit transaction-ID branch.
func (e *Endpoint) sendConsentProbe(a *Association) {
	offer, ok := e.offers.Get(a.OfferSlot)
	if !ok || a.RemoteAddr == nil {
		return
	}
	req := stunmsg.NewWithTransactionID(stunmsg.ClassRequest, stunmsg.MethodBinding, txnForAssocSlot(a.Slot))
	req.AddUsername(offer.RemoteUsername + ":" + offer.LocalUsername)
	if a.controlling {
		req.AddIceControlling(a.tiebreaker)
	} else {
		req.AddIceControlled(a.tiebreaker)
	}
	req.AddMessageIntegrity([]byte(offer.RemotePassword))
	req.AddFingerprint()
	a.NoteProbeSent(nowOrZero())
	e.sendVia(a, req.Bytes())
}

// switchToReachableCandidate finds an association whose offer lists src as
// a reachable remote candidate but whose current RemoteAddr differs, and
// re-points it at src: the mobility case of spec.md Section 4.2.8 ("DTLS
// traffic from a different reachable-candidate address triggers a
// remote-address switch").
func (e *Endpoint) switchToReachableCandidate(src *net.UDPAddr) (int, bool) {
	e.mu.Lock()
	assocs := make([]*Association, len(e.assocs))
	copy(assocs, e.assocs)
	e.mu.Unlock()

	for _, a := range assocs {
		if a == nil {
			continue
		}
		offer, ok := e.offers.Get(a.OfferSlot)
		if !ok || !offer.IsReachableSource(src) {
			continue
		}
		e.mu.Lock()
		if a.RemoteAddr != nil {
			delete(e.byAddr, a.RemoteAddr.String())
		}
		a.RemoteAddr = src
		e.byAddr[src.String()] = a.Slot
		e.mu.Unlock()
		return a.Slot, true
	}
	return 0, false
}

// deriveTransportSecret stands in for the keying material a real DTLS
// handshake would export; see internal/dtlsio's package doc for why this
// module terminates at that boundary instead of implementing DTLS itself.
func deriveTransportSecret(o *Offer) []byte {
	return []byte(o.LocalPassword + o.RemotePassword)
}

func randUint64() uint64 {
	var b [8]byte
	rand.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}

// readLoop is the demultiplexing entry point (spec.md Section 4.1): every
// datagram is classified, then either handed to the ICE engine or routed by
// source address to its association's DTLS+SCTP pipeline. It runs on its
// own goroutine; timer ticks run separately on tickLoop's goroutine, and a
// per-association socket (see mux_transport.go) feeds its datagrams from
// goroutines of its own.
func (e *Endpoint) readLoop() {
	for {
		buf := getBuffer()
		n, src, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-e.closed:
				return
			default:
				log.Debug("rtcendpoint: read error: %v", err)
				return
			}
		}
		e.handleDatagram(src, buf[:n])
		putBuffer(buf)
	}
}

func (e *Endpoint) handleDatagram(src *net.UDPAddr, data []byte) {
	switch classify(data) {
	case kindSTUN:
		toSend, promotedOffer := e.handleInboundSTUN(src, data)
		for _, b := range toSend {
			e.writeTo(src, b)
		}
		if promotedOffer >= 0 {
			if _, exists := e.associationForOffer(promotedOffer); !exists {
				_, initPackets, err := e.promote(promotedOffer, src)
				if err != nil {
					log.Debug("rtcendpoint: could not promote offer %d: %v", promotedOffer, err)
				}
				for _, b := range initPackets {
					e.writeTo(src, b)
				}
			}
		}
	case kindDTLS:
		e.mu.Lock()
		slot, ok := e.byAddr[src.String()]
		e.mu.Unlock()
		if !ok {
			// src doesn't match any association's current remote address --
			// spec.md Section 4.2.8 still permits routing it if src is a
			// candidate already flagged reachable on some offer (a mobility
			// switch), otherwise it's dropped.
			slot, ok = e.switchToReachableCandidate(src)
		}
		if !ok {
			log.Debug("rtcendpoint: dropping DTLS/SCTP datagram from unrecognized peer %v: %v", src, errCandidateBlocked)
			return
		}
		e.handleTransport(slot, src, data)
	default:
		log.Debug("rtcendpoint: dropping unclassifiable datagram from %v", src)
	}
}

func (e *Endpoint) handleTransport(slot int, src *net.UDPAddr, data []byte) {
	assoc, ok := e.associationAt(slot)
	if !ok {
		return
	}
	toSend, deliveries, opened, _, err := assoc.HandleInboundTransport(data)
	if err != nil {
		log.Debug("rtcendpoint: association %d transport error: %v", slot, err)
		return
	}
	for _, b := range toSend {
		e.sendVia(assoc, b)
	}
	for _, ch := range opened {
		if e.cfg.OnOpen != nil {
			e.cfg.OnOpen(slot, ch.Label, ch.Protocol)
		}
	}
	for _, d := range deliveries {
		if e.cfg.OnData != nil {
			e.cfg.OnData(slot, d.PPID, d.Data)
		}
	}
}

// writeTo sends b to dst, relaying through the TURN client instead of the
// local UDP socket when policy mandates it (spec.md Section 4.3). A direct
// write that fails when policy is merely PolicyEnabled falls back to the
// relay; PolicyAlwaysRelay always uses it.
func (e *Endpoint) writeTo(dst *net.UDPAddr, b []byte) {
	if e.turnClient != nil && e.cfg.TurnPolicy == turn.PolicyAlwaysRelay {
		if _, err := e.turnClient.SendIndication(dst, b); err != nil {
			log.Debug("rtcendpoint: turn relay write to %v failed: %v", dst, err)
		}
		return
	}
	if _, err := e.conn.WriteToUDP(b, dst); err != nil {
		if e.turnClient != nil && e.cfg.TurnPolicy == turn.PolicyEnabled {
			if _, relayErr := e.turnClient.SendIndication(dst, b); relayErr == nil {
				return
			}
		}
		log.Debug("rtcendpoint: write to %v failed: %v", dst, err)
	}
}

// tickLoop drives every association's timers once per sctp.TickInterval,
// and sweeps the offer table for expiry (spec.md Section 4.4.9, Section 3).
func (e *Endpoint) tickLoop() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.closed:
			return
		case now := <-ticker.C:
			e.offers.Sweep(now)

			e.mu.Lock()
			assocs := make([]*Association, len(e.assocs))
			copy(assocs, e.assocs)
			e.mu.Unlock()

			for slot, a := range assocs {
				if a == nil {
					continue
				}
				toSend, expired := a.Tick(now)
				for _, b := range toSend {
					if a.RemoteAddr != nil {
						e.sendVia(a, b)
					}
				}
				if expired {
					e.teardown(slot)
					continue
				}
				if a.DueForConsentProbe(now) {
					e.sendConsentProbe(a)
				}
			}
		}
	}
}

func (e *Endpoint) teardown(slot int) {
	e.mu.Lock()
	a := e.assocs[slot]
	if a == nil {
		e.mu.Unlock()
		return
	}
	e.assocs[slot] = nil
	if a.RemoteAddr != nil {
		delete(e.byAddr, a.RemoteAddr.String())
	}
	e.mu.Unlock()

	a.closeTransport()
	e.offers.Release(a.OfferSlot)
	if e.cfg.OnClosed != nil {
		e.cfg.OnClosed(slot)
	}
}

// Send writes data on an open data channel's stream, tagging it as text or
// binary per PPID (spec.md Section 4.5).
func (e *Endpoint) Send(assocSlot int, streamID uint16, text bool, data []byte) error {
	assoc, ok := e.associationAt(assocSlot)
	if !ok {
		return errAssocNotFound
	}
	packets, err := assoc.Send(streamID, text, data)
	if err != nil {
		return err
	}
	for _, b := range packets {
		e.sendVia(assoc, b)
	}
	return nil
}

// OpenChannel begins a new data channel on an established association.
func (e *Endpoint) OpenChannel(assocSlot int, label, protocol string) error {
	assoc, ok := e.associationAt(assocSlot)
	if !ok {
		return errAssocNotFound
	}
	packets, err := assoc.OpenChannel(label, protocol)
	if err != nil {
		return err
	}
	for _, b := range packets {
		e.sendVia(assoc, b)
	}
	return nil
}

// Close tears down the socket and every association.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() { close(e.closed) })
	for slot := range e.assocs {
		e.teardown(slot)
	}
	return e.conn.Close()
}

const tickInterval = 100 * time.Millisecond
