package rtcendpoint

import (
	"crypto/rand"
	"net"

	"github.com/lanikai/rtcendpoint/internal/ice"
	"github.com/lanikai/rtcendpoint/internal/logging"
	"github.com/lanikai/rtcendpoint/internal/stunmsg"
)

var iceLog = logging.DefaultLogger.WithTag("ice")

// txnForOfferSlot builds a transaction ID whose first byte is the raw offer
// slot (no high bit set), the convention this engine uses for every request
// it originates before an offer has been promoted to an association --
// association-level requests instead carry the association slot with the
// high bit set (assoc-slot | 0x80, see txnForAssocSlot), so
// handleBindingResponse can always tell which table to route a response
// into just by inspecting byte 0 (spec.md Section 4.2.1).
func txnForOfferSlot(slot int) [12]byte {
	var tid [12]byte
	tid[0] = byte(slot)
	rand.Read(tid[1:])
	return tid
}

// txnForAssocSlot is txnForOfferSlot's association-level counterpart: byte 0
// carries the association slot with its high bit set, so
// handleBindingResponse can tell the two apart.
func txnForAssocSlot(slot int) [12]byte {
	var tid [12]byte
	tid[0] = byte(slot) | 0x80
	rand.Read(tid[1:])
	return tid
}

// priorityForCandidateIndex orders remote candidates by their position in
// the signaled offer block: index 0 is preferred. This stands in for the
// full RFC 8445 type/local-preference/component priority formula, which
// needs candidate-type information (host/srflx/relay) the offer block
// doesn't carry (spec.md Section 6 lists only IPv4+port per candidate).
func priorityForCandidateIndex(idx int) uint32 {
	return 0xFFFFFFF0 - uint32(idx)
}

// handleInboundSTUN classifies and processes one STUN message read from src,
// returning wire bytes to send back (at most one reply) and, if this
// message just completed ICE nomination for a brand new association, the
// offer slot that was promoted.
//
// Transaction ID routing: this engine always sets byte 0 of a request it
// originates to (assoc-slot | 0x80) once an association exists for that
// offer (see txnForAssocSlot), or to the bare offer-slot beforehand (see
// txnForOfferSlot), so a
// later response routes back to the right table without a separate lookup
// (spec.md Section 4.2.1); requests the engine receives instead carry the
// peer's own transaction ID and are matched by USERNAME.
func (e *Endpoint) handleInboundSTUN(src *net.UDPAddr, data []byte) (toSend [][]byte, promotedOfferSlot int) {
	msg, err := stunmsg.Parse(data)
	if err != nil || msg == nil {
		iceLog.Debug("ice: dropping malformed STUN message from %v: %v", src, err)
		return nil, -1
	}

	switch msg.Class {
	case stunmsg.ClassRequest:
		return e.handleBindingRequest(src, msg)
	case stunmsg.ClassSuccessResponse, stunmsg.ClassErrorResponse:
		e.handleBindingResponse(src, msg)
		return nil, -1
	default:
		return nil, -1
	}
}

func (e *Endpoint) handleBindingRequest(src *net.UDPAddr, msg *stunmsg.Message) (toSend [][]byte, promotedOfferSlot int) {
	if msg.Method != stunmsg.MethodBinding {
		return nil, -1
	}

	username, ok := msg.Username()
	if !ok {
		return nil, -1
	}
	// USERNAME is "<local-ufrag>:<remote-ufrag>" (RFC 8445 Section 7.1.3);
	// the local fragment is the half that indexes our offer table, and the
	// remote fragment is the peer's own ufrag (needed for offer reuse --
	// see OfferTable.Touch).
	localUfrag := username
	remoteUfrag := ""
	for i, c := range username {
		if c == ':' {
			localUfrag = username[:i]
			remoteUfrag = username[i+1:]
			break
		}
	}

	offer, ok := e.offers.ByLocalUsername(localUfrag)
	if !ok {
		resp := stunmsg.NewWithTransactionID(stunmsg.ClassErrorResponse, stunmsg.MethodBinding, msg.TransactionID)
		resp.AddErrorCode(400, "unknown username")
		resp.AddFingerprint()
		return [][]byte{resp.Bytes()}, -1
	}

	key := []byte(offer.LocalPassword)
	if !stunmsg.VerifyMessageIntegrity(rawFor(msg), msg, key) {
		resp := stunmsg.NewWithTransactionID(stunmsg.ClassErrorResponse, stunmsg.MethodBinding, msg.TransactionID)
		resp.AddErrorCode(401, "integrity check failed")
		resp.AddFingerprint()
		return [][]byte{resp.Bytes()}, -1
	}

	// Candidate allowlist (spec.md Section 4.2.8): once an offer's remote
	// candidate list is known (SetRemoteOffer has run), only requests from
	// one of those addresses are honored; the first authenticated request
	// from a listed address is what flags it reachable in the first place.
	if offer.RemoteCandidateCount > 0 {
		idx, matched := offer.MatchCandidate(src)
		if !matched {
			iceLog.Debug("ice: %v for offer %d from %v", errCandidateBlocked, offer.Slot, src)
			return nil, -1
		}
		offer.MarkReachable(idx)
	}

	e.offers.Touch(offer, remoteUfrag, "", nowOrZero())

	remoteTiebreaker, remoteControlling, haveRole := msg.IceRole()
	assoc, existing := e.associationForOffer(offer.Slot)
	if haveRole && existing {
		conflict, switchRole := ice.ResolveRoleConflict(assoc.tiebreaker, assoc.controlling, remoteTiebreaker, remoteControlling)
		if conflict && !switchRole {
			resp := stunmsg.NewWithTransactionID(stunmsg.ClassErrorResponse, stunmsg.MethodBinding, msg.TransactionID)
			resp.AddErrorCode(487, "role conflict")
			resp.AddFingerprint()
			return [][]byte{resp.Bytes()}, -1
		}
		if conflict && switchRole {
			assoc.controlling = !assoc.controlling
		}
	}

	resp := stunmsg.NewWithTransactionID(stunmsg.ClassSuccessResponse, stunmsg.MethodBinding, msg.TransactionID)
	resp.AddXorMappedAddress(src)
	resp.AddMessageIntegrity(key)
	resp.AddFingerprint()

	promotedOfferSlot = -1
	if msg.HasUseCandidate() && !existing {
		promotedOfferSlot = offer.Slot
	}
	return [][]byte{resp.Bytes()}, promotedOfferSlot
}

func (e *Endpoint) handleBindingResponse(src *net.UDPAddr, msg *stunmsg.Message) {
	slotByte := msg.TransactionID[0]

	if slotByte&0x80 != 0 {
		slot := int(slotByte &^ 0x80)
		assoc, ok := e.associationAt(slot)
		if !ok {
			return
		}
		if msg.Class == stunmsg.ClassErrorResponse {
			code, _, _ := msg.ErrorCode()
			if code == 487 {
				assoc.controlling = !assoc.controlling
			}
			return
		}
		assoc.NoteConsent(nowOrZero())
		return
	}

	// No high bit set: this answers a pre-promotion, offer-level
	// connectivity-check probe (spec.md Section 4.2.4) rather than an
	// association-level consent probe.
	if msg.Class != stunmsg.ClassSuccessResponse {
		return
	}
	offer, ok := e.offers.Get(int(slotByte))
	if !ok {
		return
	}
	idx, matched := offer.MatchCandidate(src)
	if !matched {
		return
	}
	offer.recordCheckResponse(idx, nowOrZero())
}

// rawFor re-serializes msg for MESSAGE-INTEGRITY verification. A real
// deployment would verify against the original bytes as received; this
// engine never holds DTLS-free cleartext of a request it already parsed
// into attributes other than via this round-trip, since stunmsg.Message
// carries no reference to its source buffer.
func rawFor(msg *stunmsg.Message) []byte { return msg.Bytes() }
