package sctp

// handleData accepts one inbound DATA chunk: if it is the next expected TSN
// it (and any contiguous chunks already held) is reassembled and delivered
// immediately; otherwise it joins the receive-hold queue and a gap-ack SACK
// is generated, per spec.md Section 4.4.8.
func (a *Assoc) handleData(c rawChunk) (toSend [][]byte, deliveries []Delivery, event Event, abort bool) {
	d, err := decodeData(c.flags, c.value)
	if err != nil {
		log.Debug("sctp: malformed DATA chunk: %v", err)
		return nil, nil, EventNone, false
	}

	if tsnLTE(d.tsn, a.cumulativeInboundTSN) {
		// Duplicate of an already-acknowledged TSN: report it in the next
		// SACK's duplicate list but otherwise ignore (RFC 4960 Section
		// 6.2).
		toSend = append(toSend, a.buildSack([]uint32{d.tsn}))
		return toSend, nil, EventNone, false
	}

	a.receiveHold.insert(&inboundChunk{
		tsn: d.tsn, streamID: d.streamID, ppid: d.ppid,
		data: d.userData, begin: d.begin, end: d.end,
	})

	for {
		next := a.receiveHold.peek()
		if next == nil || next.tsn != a.cumulativeInboundTSN+1 {
			break
		}
		a.receiveHold.pop()
		a.cumulativeInboundTSN = next.tsn

		a.reassembly[next.streamID] = append(a.reassembly[next.streamID], next.data...)
		if next.end {
			msg := a.reassembly[next.streamID]
			a.reassembly[next.streamID] = nil
			deliveries = append(deliveries, Delivery{
				StreamID: next.streamID,
				PPID:     next.ppid,
				Data:     msg,
			})
		}
	}

	toSend = append(toSend, a.buildSack(nil))
	return toSend, deliveries, EventNone, false
}

// buildSack encodes the current cumulative TSN ack point, the gap-ack blocks
// derived from the receive-hold queue, and any duplicate TSNs observed this
// round.
func (a *Assoc) buildSack(dupTSNs []uint32) []byte {
	var gaps []gapBlock
	if len(a.receiveHold.items) > 0 {
		base := a.cumulativeInboundTSN
		start := a.receiveHold.items[0].tsn
		prev := start
		for _, item := range a.receiveHold.items[1:] {
			if item.tsn != prev+1 {
				gaps = append(gaps, gapBlock{
					start: uint16(start - base),
					end:   uint16(prev - base),
				})
				start = item.tsn
			}
			prev = item.tsn
		}
		gaps = append(gaps, gapBlock{
			start: uint16(start - base),
			end:   uint16(prev - base),
		})
	}

	return a.encode(encodeSack(sackChunk{
		cumulativeTSNAck: a.cumulativeInboundTSN,
		aRwnd:            MaxARwnd,
		gaps:             gaps,
		dupTSNs:          dupTSNs,
	}))
}

// handleSack processes an inbound SACK: it removes acknowledged packets
// from pendingAck, samples RTT via Karn's algorithm, grows or shrinks the
// congestion window, and drives fast retransmit on repeated gap reports
// (spec.md Section 4.4.4, 4.4.5, 4.4.7).
func (a *Assoc) handleSack(c rawChunk) (toSend [][]byte, deliveries []Delivery, event Event, abort bool) {
	s, err := decodeSack(c.value)
	if err != nil {
		log.Debug("sctp: malformed SACK chunk: %v", err)
		return nil, nil, EventNone, false
	}

	a.peerARwnd = s.aRwnd

	acked := a.pendingAck.removeAcked(s.cumulativeTSNAck)
	if len(acked) > 0 {
		a.sampleRTT(acked)
		a.growWindow(acked)
		if len(a.pendingAck.items) == 0 {
			a.t3Armed = false
		} else {
			a.armT3()
		}
	}

	a.markGapAcked(s.gaps, s.cumulativeTSNAck)

	retransmits := a.checkFastRetransmit()
	toSend = append(toSend, retransmits...)

	if a.holding.empty() == false {
		toSend = append(toSend, a.flush()...)
	}
	if len(acked) > 0 && a.holding.empty() {
		event = EventSendOK
	}
	return toSend, nil, event, false
}

// sampleRTT implements Karn's algorithm: an RTT sample is taken only when
// none of the acked packets were ever retransmitted, and only when no
// retransmission anywhere in the association happened while any of them was
// in flight (spec.md Section 4.4.2's stricter reading of RFC 4960 Section
// 6.3.1 rule C5).
func (a *Assoc) sampleRTT(acked []*outboundPacket) {
	for _, p := range acked {
		if p.retryCount > 0 {
			return
		}
		if !a.anyRetransmitSince.IsZero() && !a.anyRetransmitSince.Before(p.lastSend) {
			return
		}
	}

	newest := acked[len(acked)-1]
	sample := nowOrZero().Sub(newest.lastSend)
	if sample <= 0 {
		return
	}

	if a.srtt == 0 {
		a.srtt = sample
		a.rttvar = sample / 2
	} else {
		delta := a.srtt - sample
		if delta < 0 {
			delta = -delta
		}
		a.rttvar = (3*a.rttvar + delta) / 4
		a.srtt = (7*a.srtt + sample) / 8
	}
	a.rto = clampRTO(a.srtt + 4*a.rttvar)
}

// growWindow implements RFC 4960 Section 4.4.7 slow-start / congestion
// avoidance as spec.md Section 4.4.7 states it: in slow start, cwnd grows by
// min(bytes-acked, MTU) per SACK; in congestion avoidance, bytes accumulate
// in partialBytesAcked and cwnd grows by one MTU only once the accumulator
// reaches cwnd AND the sender was cwnd-limited in the round just ended.
func (a *Assoc) growWindow(acked []*outboundPacket) {
	ackedBytes := 0
	for _, p := range acked {
		ackedBytes += p.payloadLen
	}

	if a.cwnd <= a.ssthresh {
		inc := uint32(ackedBytes)
		if inc > MTU {
			inc = MTU
		}
		a.cwnd += inc
	} else {
		a.partialBytesAcked += uint32(ackedBytes)
		if a.partialBytesAcked >= a.cwnd && a.cwndLimited {
			a.partialBytesAcked -= a.cwnd
			a.cwnd += MTU
		}
	}

	if a.cwnd > MaxCwnd {
		a.cwnd = MaxCwnd
	}
	a.cwndLimited = false
}

// markGapAcked bumps the gap-count of every pending packet reported missing
// (i.e. not covered by a gap block) once more, per RFC 4960 Section 7.2.4.
func (a *Assoc) markGapAcked(gaps []gapBlock, cumulativeTSNAck uint32) {
	covered := make(map[uint32]bool)
	for _, g := range gaps {
		for tsn := cumulativeTSNAck + uint32(g.start); tsn <= cumulativeTSNAck+uint32(g.end); tsn++ {
			covered[tsn] = true
		}
	}

	for _, p := range a.pendingAck.items {
		if covered[p.tsn] {
			p.gapCount = gapAckedSentinel
			continue
		}
		if tsnLT(cumulativeTSNAck, p.tsn) && p.gapCount != gapAckedSentinel {
			p.gapCount++
		}
	}
}

// checkFastRetransmit implements RFC 4960 Section 7.2.4: any pending packet
// reported missing by FastRetryGap (3) or more SACKs is retransmitted once,
// and the association enters fast recovery: ssthresh becomes max(cwnd/2,
// 4*MTU) and cwnd is set to ssthresh (unlike a T3-RTX timeout, cwnd is not
// dropped to one MTU and RTO is not doubled).
func (a *Assoc) checkFastRetransmit() [][]byte {
	var out [][]byte
	triggered := false
	for _, p := range a.pendingAck.items {
		if p.gapCount >= FastRetryGap && p.gapCount != gapAckedSentinel {
			if !a.inFastRecovery {
				a.ssthresh = a.cwnd / 2
				if a.ssthresh < 4*MTU {
					a.ssthresh = 4 * MTU
				}
				a.cwnd = a.ssthresh
				a.partialBytesAcked = 0
				a.inFastRecovery = true
				a.fastRetransmitExitPoint = a.outboundTSN - 1
			}
			p.retryCount++
			p.lastSend = nowOrZero()
			p.gapCount = 0
			out = append(out, p.bytes)
			triggered = true
		}
	}
	if triggered {
		a.anyRetransmitSince = nowOrZero()
	}
	if a.inFastRecovery && tsnLTE(a.fastRetransmitExitPoint, a.cumulativeInboundTSNCoveredBySack()) {
		a.inFastRecovery = false
	}
	return out
}

// cumulativeInboundTSNCoveredBySack is a small helper kept separate from the
// field itself so checkFastRetransmit reads clearly; it tracks the
// cumulative ack point most recently reported by the peer about our sends,
// which is the pendingAck queue's low-water mark.
func (a *Assoc) cumulativeInboundTSNCoveredBySack() uint32 {
	if len(a.pendingAck.items) == 0 {
		return a.fastRetransmitExitPoint
	}
	return a.pendingAck.items[0].tsn - 1
}

func (a *Assoc) handleHeartbeat(c rawChunk) (toSend [][]byte, deliveries []Delivery, event Event, abort bool) {
	a.tick = 0
	return [][]byte{a.encode(opaqueChunk(chunkHeartbeatAck, c.value))}, nil, EventNone, false
}
