package rtcendpoint

import "errors"

// Sentinel errors returned by the public API. Wire-level malformation never
// reaches this far (spec.md Section 7 kinds a-c funnel to a log.Debug and a
// drop inside the owning component); these are the kinds the application can
// observe.
var (
	errNoFreeSlot       = errors.New("rtcendpoint: offer/association table is full")
	errOfferExpired     = errors.New("rtcendpoint: offer slot expired or unknown")
	errCandidateBlocked = errors.New("rtcendpoint: source address matches no reachable candidate")
	errAssocNotFound    = errors.New("rtcendpoint: no association for that slot")
	errAssocNotOpen     = errors.New("rtcendpoint: association is not established")
)
