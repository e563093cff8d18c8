package rtcendpoint

import (
	"net"
	"time"

	"github.com/lanikai/rtcendpoint/internal/dtlsio"
	"github.com/lanikai/rtcendpoint/internal/ice"
	"github.com/lanikai/rtcendpoint/internal/stunmsg"
)

// maybeStartConnectivityChecks arms the controlling side's active
// connectivity-check procedure once an offer's remote candidate list is
// known (spec.md Section 4.2.4): two randomized-delay (ice.RandomizedCheckDelay)
// STUN bindings per remote candidate, each carrying PRIORITY and
// ICE-CONTROLLING, followed after ice.ConnectivityCheckWindow by nomination
// of the highest-priority responder. The controlled side never runs this --
// it only ever answers, in handleBindingRequest.
func (e *Endpoint) maybeStartConnectivityChecks(offer *Offer) {
	if offer.RemoteCandidateCount == 0 || offer.DTLSRole != dtlsio.RoleClient {
		return
	}
	if !offer.startChecksOnce() {
		return
	}

	for i := 0; i < offer.RemoteCandidateCount; i++ {
		idx := i
		addr := offer.RemoteCandidates[idx].Addr()
		for probe := 0; probe < 2; probe++ {
			time.AfterFunc(ice.RandomizedCheckDelay(), func() {
				e.sendConnectivityProbe(offer, idx, addr)
			})
		}
	}
	time.AfterFunc(ice.ConnectivityCheckWindow, func() {
		e.finishConnectivityChecks(offer)
	})
}

// sendConnectivityProbe sends one outbound binding request toward a single
// remote candidate, used both for the initial connectivity checks and the
// pre-DTLS keep-alive loop.
func (e *Endpoint) sendConnectivityProbe(offer *Offer, idx int, addr *net.UDPAddr) {
	req := stunmsg.NewWithTransactionID(stunmsg.ClassRequest, stunmsg.MethodBinding, txnForOfferSlot(offer.Slot))
	req.AddUsername(offer.RemoteUsername + ":" + offer.LocalUsername)
	req.AddIceControlling(offer.Tiebreaker)
	req.AddPriority(priorityForCandidateIndex(idx))
	req.AddMessageIntegrity([]byte(offer.RemotePassword))
	req.AddFingerprint()
	e.writeTo(addr, req.Bytes())
}

// finishConnectivityChecks runs at the end of ice.ConnectivityCheckWindow:
// it picks the highest-priority candidate that answered, nominates it, and
// promotes the offer directly -- the controlling side does not wait for the
// controlled side's own nomination-triggered promotion path in
// handleBindingRequest. If nothing answered yet, it falls back to the
// pre-DTLS NAT keep-alive loop (spec.md Section 4.2.6) instead of giving up.
func (e *Endpoint) finishConnectivityChecks(offer *Offer) {
	if _, exists := e.associationForOffer(offer.Slot); exists {
		return
	}
	idx, ok := offer.bestRespondedCandidate()
	if !ok {
		iceLog.Debug("ice: connectivity checks for offer %d found no reachable remote candidate yet, falling back to keep-alive", offer.Slot)
		e.scheduleKeepAlive(offer)
		return
	}
	e.nominateAndPromote(offer, idx)
}

// nominateAndPromote sends a USE-CANDIDATE binding request to the remote
// candidate at idx and, on success, promotes the offer to a live
// association, used by both the end of the connectivity-check window and a
// late responder caught by the keep-alive loop.
func (e *Endpoint) nominateAndPromote(offer *Offer, idx int) {
	offer.MarkReachable(idx)
	addr := offer.RemoteCandidates[idx].Addr()

	nominate := stunmsg.NewWithTransactionID(stunmsg.ClassRequest, stunmsg.MethodBinding, txnForOfferSlot(offer.Slot))
	nominate.AddUsername(offer.RemoteUsername + ":" + offer.LocalUsername)
	nominate.AddIceControlling(offer.Tiebreaker)
	nominate.AddUseCandidate()
	nominate.AddMessageIntegrity([]byte(offer.RemotePassword))
	nominate.AddFingerprint()
	e.writeTo(addr, nominate.Bytes())

	_, initPackets, err := e.promote(offer.Slot, addr)
	if err != nil {
		iceLog.Debug("ice: could not promote offer %d after nomination: %v", offer.Slot, err)
		return
	}
	for _, b := range initPackets {
		e.writeTo(addr, b)
	}
}

// scheduleKeepAlive sends one binding request to every remote candidate on
// offer, then reschedules itself after ice.KeepAliveInterval as long as the
// offer remains unpromoted (spec.md Section 4.2.6: "while no DTLS is bound,
// every random(1..15) seconds a binding request is sent to each remote
// candidate"). It stops on its own once the offer is promoted or released,
// so no separate cancellation bookkeeping is needed.
func (e *Endpoint) scheduleKeepAlive(offer *Offer) {
	if _, exists := e.associationForOffer(offer.Slot); exists {
		return
	}
	for i := 0; i < offer.RemoteCandidateCount; i++ {
		e.sendConnectivityProbe(offer, i, offer.RemoteCandidates[i].Addr())
	}
	time.AfterFunc(ice.KeepAliveInterval(), func() {
		if _, ok := e.offers.Get(offer.Slot); !ok {
			return
		}
		if idx, ok := offer.bestRespondedCandidate(); ok {
			e.nominateAndPromote(offer, idx)
			return
		}
		e.scheduleKeepAlive(offer)
	})
}
