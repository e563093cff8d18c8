package sctp

import "time"

// outboundPacket is one queued DATA chunk, matching the fields of
// spec.md Section 3's Queues element: wire length, retry count, gap count,
// and last-send time, plus the already-framed SCTP packet bytes (common
// header + one DATA chunk) ready to hand to the DTLS encrypter.
type outboundPacket struct {
	tsn        uint32
	streamID   uint16
	bytes      []byte // common header + DATA chunk, wire-ready
	payloadLen int     // length of the DATA chunk's user-data, for credit accounting

	retryCount int
	gapCount   int // 0xFE sentinel means "gap-acked"
	lastSend   time.Time
}

const gapAckedSentinel = 0xFE

// holdingQueue preserves send order (FIFO); pendingAckQueue and
// receiveHoldQueue are kept sorted by ascending TSN, per spec.md Section 3's
// invariants.
type holdingQueue struct {
	items []*outboundPacket
}

func (q *holdingQueue) push(p *outboundPacket)   { q.items = append(q.items, p) }
func (q *holdingQueue) empty() bool               { return len(q.items) == 0 }
func (q *holdingQueue) peek() *outboundPacket {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}
func (q *holdingQueue) pop() *outboundPacket {
	p := q.items[0]
	q.items = q.items[1:]
	return p
}

func (q *holdingQueue) bytesQueued() int {
	total := 0
	for _, p := range q.items {
		total += p.payloadLen
	}
	return total
}

type pendingAckQueue struct {
	items []*outboundPacket // sorted by ascending TSN
}

func (q *pendingAckQueue) insert(p *outboundPacket) {
	// Packets are always appended with monotonically increasing TSN on the
	// send path, so append preserves order; retransmits reuse the existing
	// entry rather than re-inserting.
	q.items = append(q.items, p)
}

func (q *pendingAckQueue) find(tsn uint32) *outboundPacket {
	for _, p := range q.items {
		if p.tsn == tsn {
			return p
		}
	}
	return nil
}

func (q *pendingAckQueue) bytesQueued() int {
	total := 0
	for _, p := range q.items {
		total += p.payloadLen
	}
	return total
}

// removeAcked drops every packet with TSN <= cumulativeTSN, returning them
// for RTT sampling / credit accounting.
func (q *pendingAckQueue) removeAcked(cumulativeTSN uint32) []*outboundPacket {
	var acked []*outboundPacket
	var remaining []*outboundPacket
	for _, p := range q.items {
		if tsnLTE(p.tsn, cumulativeTSN) {
			acked = append(acked, p)
		} else {
			remaining = append(remaining, p)
		}
	}
	q.items = remaining
	return acked
}

// tsnLTE compares TSNs with wraparound, per RFC 4960 Section 1.6 serial
// number arithmetic (mod 2^32).
func tsnLTE(a, b uint32) bool {
	return int32(a-b) <= 0
}

func tsnLT(a, b uint32) bool {
	return int32(a-b) < 0
}

// inboundChunk is a single out-of-order DATA chunk held until the cumulative
// TSN catches up to it.
type inboundChunk struct {
	tsn      uint32
	streamID uint16
	ppid     uint32
	data     []byte
	begin, end bool
}

type receiveHoldQueue struct {
	items []*inboundChunk // sorted by ascending TSN, deduplicated
}

// insert inserts c in TSN order, dropping it if its TSN is already present.
func (q *receiveHoldQueue) insert(c *inboundChunk) {
	for i, existing := range q.items {
		if existing.tsn == c.tsn {
			return // duplicate
		}
		if tsnLT(c.tsn, existing.tsn) {
			q.items = append(q.items, nil)
			copy(q.items[i+1:], q.items[i:])
			q.items[i] = c
			return
		}
	}
	q.items = append(q.items, c)
}

func (q *receiveHoldQueue) peek() *inboundChunk {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

func (q *receiveHoldQueue) pop() *inboundChunk {
	c := q.items[0]
	q.items = q.items[1:]
	return c
}
