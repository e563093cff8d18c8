package sctp

import "time"

// Send fragments data into one or more DATA chunks (spec.md Section 4.4.3),
// queues them on the holding queue, and returns whatever the congestion
// window currently permits flushing onto the wire. unordered selects the
// U flag; streamID must be < MaxStreams.
func (a *Assoc) Send(streamID uint16, ppid uint32, data []byte, unordered bool) [][]byte {
	if len(data) == 0 {
		data = []byte{}
	}

	seq := a.outboundSeq[streamID]
	a.outboundSeq[streamID]++

	offset := 0
	for offset == 0 || offset < len(data) {
		end := offset + FragmentSize
		if end > len(data) {
			end = len(data)
		}
		frag := data[offset:end]

		c := dataChunk{
			tsn:       a.outboundTSN,
			streamID:  streamID,
			streamSeq: seq,
			ppid:      ppid,
			userData:  frag,
			begin:     offset == 0,
			end:       end == len(data),
			unordered: unordered,
		}
		a.outboundTSN++

		raw := encodeData(c)
		wire := a.encode(raw)

		p := &outboundPacket{
			tsn:        c.tsn,
			streamID:   streamID,
			bytes:      wire,
			payloadLen: len(frag),
		}
		a.holding.push(p)

		offset = end
		if len(data) == 0 {
			break
		}
	}

	return a.flush()
}

// flush moves as many holding-queue packets onto the wire as the congestion
// window and receiver's advertised window allow, per spec.md Section 4.4.7.
func (a *Assoc) flush() [][]byte {
	var out [][]byte
	for !a.holding.empty() {
		p := a.holding.peek()
		inFlight := a.pendingAck.bytesQueued()
		if uint32(inFlight+p.payloadLen) > a.cwnd {
			a.cwndLimited = true
			break
		}
		if uint32(p.payloadLen) > a.peerARwnd {
			break
		}
		a.holding.pop()
		p.lastSend = nowOrZero()
		a.pendingAck.insert(p)
		a.peerARwnd -= uint32(p.payloadLen)
		if !a.t3Armed {
			a.armT3()
		}
		out = append(out, p.bytes)
	}
	return out
}

// nowOrZero exists so tests can stub timing deterministically; production
// code always gets the wall clock.
var nowOrZero = func() time.Time { return time.Now() }

func (a *Assoc) armT3() {
	a.t3Armed = true
	a.t3Deadline = nowOrZero().Add(a.rto)
}

// SendOK reports whether the holding queue has fully drained onto the wire
// (spec.md Section 4.4.3's on-send-ok signal to the data channel layer).
func (a *Assoc) SendOK() bool { return a.holding.empty() }

// Tick advances the heartbeat/teardown counters and the T3-RTX timer,
// returning any packets that must be retransmitted or sent as a result
// (spec.md Section 4.4.6, 4.4.9). Callers invoke this roughly every
// TickInterval.
func (a *Assoc) Tick() (toSend [][]byte, event Event) {
	a.tick++

	if a.t3Armed && !nowOrZero().Before(a.t3Deadline) {
		toSend = append(toSend, a.retransmitTimeout()...)
	}

	if a.tick == HeartbeatTick {
		toSend = append(toSend, a.encode(opaqueChunk(chunkHeartbeat, nil)))
	}
	if a.tick >= TeardownTick {
		event = EventHeartbeatTimeout
	}
	return toSend, event
}

// retransmitTimeout implements spec.md Section 4.4.6: on T3-RTX expiry,
// ssthresh = max(cwnd/2, 4*MTU), cwnd resets to 1*MTU, RTO doubles, and
// every pending packet not already gap-acked is retransmitted, as many as
// fit in the shrunk window, with gap-count reset to 0.
func (a *Assoc) retransmitTimeout() [][]byte {
	if len(a.pendingAck.items) == 0 {
		a.t3Armed = false
		return nil
	}

	a.ssthresh = a.cwnd / 2
	if a.ssthresh < 4*MTU {
		a.ssthresh = 4 * MTU
	}
	a.cwnd = MTU
	a.rto = clampRTO(a.rto * 2)
	a.anyRetransmitSince = nowOrZero()

	var out [][]byte
	var used uint32
	for _, p := range a.pendingAck.items {
		if p.gapCount == gapAckedSentinel {
			continue
		}
		if used+uint32(p.payloadLen) > a.cwnd {
			break
		}
		used += uint32(p.payloadLen)
		p.retryCount++
		p.gapCount = 0
		p.lastSend = nowOrZero()
		out = append(out, p.bytes)
	}
	a.armT3()
	return out
}
