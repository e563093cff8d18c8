// Package sctp implements the user-space SCTP transport of spec.md Section
// 4.4: association setup over INIT/INIT-ACK/COOKIE-ECHO/COOKIE-ACK, TSN
// ordering and gap-ACK reassembly, RFC 4960 congestion control, fast
// retransmit, and the T3-RTX timer. DTLS, ICE, and TURN are out of scope for
// this package; an Assoc only ever sees decrypted SCTP packets and returns
// SCTP packets to be encrypted and sent by the caller.
//
// Wire codec style follows the teacher's internal/packet Reader/Writer and
// internal/rtcp chunk-header idiom, generalized from RTCP's single fixed
// header to SCTP's common-header-plus-chunk-list framing.
package sctp

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/lanikai/rtcendpoint/internal/packet"
)

// Chunk types (RFC 4960 Section 3.2).
const (
	chunkData          = 0
	chunkInit          = 1
	chunkInitAck       = 2
	chunkSack          = 3
	chunkHeartbeat     = 4
	chunkHeartbeatAck  = 5
	chunkAbort         = 6
	chunkShutdown      = 7
	chunkShutdownAck   = 8
	chunkError         = 9
	chunkCookieEcho    = 10
	chunkCookieAck     = 11
)

// DATA chunk flags (RFC 4960 Section 3.3.1): five reserved bits, then U/B/E.
const (
	flagUnordered = 0x04
	flagBegin     = 0x02
	flagEnd       = 0x01
)

const commonHeaderLength = 12
const crc32cPolynomial = crc32.Castagnoli // 0x1EDC6F41 in reversed (LSB-first) form

var crc32cTable = crc32.MakeTable(crc32cPolynomial)

// packetHeader is the 12-byte SCTP common header.
type packetHeader struct {
	srcPort, dstPort uint16
	verificationTag  uint32
	checksum         uint32
}

// rawChunk is a single type+flags+length+value chunk, unpadded value as
// stored (padding is added/stripped at the wire boundary).
type rawChunk struct {
	typ   byte
	flags byte
	value []byte
}

func (c rawChunk) paddedLen() int { return 4 + len(c.value) + pad4(len(c.value)) }

func pad4(n int) int { return -n & 3 }

// encodePacket serializes the common header and chunks, computing CRC32C
// over the whole packet with the checksum field zeroed, per spec.md Section
// 4.4.1.
func encodePacket(h packetHeader, chunks []rawChunk) []byte {
	total := commonHeaderLength
	for _, c := range chunks {
		total += c.paddedLen()
	}

	w := packet.NewWriterSize(total)
	w.WriteUint16(h.srcPort)
	w.WriteUint16(h.dstPort)
	w.WriteUint32(h.verificationTag)
	w.WriteUint32(0) // checksum placeholder

	for _, c := range chunks {
		w.WriteByte(c.typ)
		w.WriteByte(c.flags)
		w.WriteUint16(uint16(4 + len(c.value)))
		w.WriteSlice(c.value)
		w.Align(4)
	}

	buf := w.Bytes()
	crc := crc32.Checksum(buf, crc32cTable)
	binary.BigEndian.PutUint32(buf[8:12], crc)
	return buf
}

// decodePacket parses the common header and chunk list, verifying CRC32C.
func decodePacket(data []byte) (packetHeader, []rawChunk, error) {
	if len(data) < commonHeaderLength {
		return packetHeader{}, nil, fmt.Errorf("sctp: packet shorter than common header")
	}

	checkbuf := make([]byte, len(data))
	copy(checkbuf, data)
	wantCRC := binary.BigEndian.Uint32(checkbuf[8:12])
	binary.BigEndian.PutUint32(checkbuf[8:12], 0)
	gotCRC := crc32.Checksum(checkbuf, crc32cTable)
	if gotCRC != wantCRC {
		return packetHeader{}, nil, fmt.Errorf("sctp: CRC32C mismatch")
	}

	r := packet.NewReader(data)
	h := packetHeader{
		srcPort:         r.ReadUint16(),
		dstPort:         r.ReadUint16(),
		verificationTag: r.ReadUint32(),
	}
	r.Skip(4) // checksum, already verified

	var chunks []rawChunk
	for r.Remaining() >= 4 {
		typ := r.ReadByte()
		flags := r.ReadByte()
		length := int(r.ReadUint16())
		if length < 4 {
			return h, chunks, fmt.Errorf("sctp: chunk length %d too short", length)
		}
		valueLen := length - 4
		if err := r.CheckRemaining(valueLen); err != nil {
			return h, chunks, fmt.Errorf("sctp: truncated chunk: %w", err)
		}
		value := make([]byte, valueLen)
		copy(value, r.ReadSlice(valueLen))
		r.Skip(pad4(valueLen))
		chunks = append(chunks, rawChunk{typ, flags, value})
	}
	return h, chunks, nil
}

// --- INIT / INIT-ACK ---

type initChunk struct {
	initiateTag     uint32
	aRwnd           uint32
	outboundStreams uint16
	inboundStreams  uint16
	initialTSN      uint32
	// cookie is only present on INIT-ACK; empty on INIT.
	cookie []byte
}

func encodeInit(typ byte, c initChunk) rawChunk {
	size := 16
	if len(c.cookie) > 0 {
		size += 4 + len(c.cookie) + pad4(len(c.cookie))
	}
	w := packet.NewWriterSize(size)
	w.WriteUint32(c.initiateTag)
	w.WriteUint32(c.aRwnd)
	w.WriteUint16(c.outboundStreams)
	w.WriteUint16(c.inboundStreams)
	w.WriteUint32(c.initialTSN)
	if len(c.cookie) > 0 {
		// State Cookie parameter (RFC 4960 Section 3.3.3), type 0x0007.
		w.WriteUint16(0x0007)
		w.WriteUint16(uint16(4 + len(c.cookie)))
		w.WriteSlice(c.cookie)
		w.Align(4)
	}
	return rawChunk{typ: typ, value: w.Bytes()}
}

func decodeInit(value []byte) (initChunk, error) {
	if len(value) < 16 {
		return initChunk{}, fmt.Errorf("sctp: INIT chunk too short")
	}
	r := packet.NewReader(value)
	c := initChunk{
		initiateTag:     r.ReadUint32(),
		aRwnd:           r.ReadUint32(),
		outboundStreams: r.ReadUint16(),
		inboundStreams:  r.ReadUint16(),
		initialTSN:      r.ReadUint32(),
	}
	for r.Remaining() >= 4 {
		typ := r.ReadUint16()
		length := int(r.ReadUint16())
		if length < 4 || r.Remaining() < length-4 {
			break
		}
		value := r.ReadSlice(length - 4)
		r.Skip(pad4(length - 4))
		if typ == 0x0007 {
			c.cookie = append([]byte(nil), value...)
		}
	}
	return c, nil
}

// --- SACK ---

type gapBlock struct{ start, end uint16 }

type sackChunk struct {
	cumulativeTSNAck uint32
	aRwnd            uint32
	gaps             []gapBlock
	dupTSNs          []uint32
}

func encodeSack(c sackChunk) rawChunk {
	size := 12 + 4*len(c.gaps) + 4*len(c.dupTSNs)
	w := packet.NewWriterSize(size)
	w.WriteUint32(c.cumulativeTSNAck)
	w.WriteUint32(c.aRwnd)
	w.WriteUint16(uint16(len(c.gaps)))
	w.WriteUint16(uint16(len(c.dupTSNs)))
	for _, g := range c.gaps {
		w.WriteUint16(g.start)
		w.WriteUint16(g.end)
	}
	for _, d := range c.dupTSNs {
		w.WriteUint32(d)
	}
	return rawChunk{typ: chunkSack, value: w.Bytes()}
}

func decodeSack(value []byte) (sackChunk, error) {
	if len(value) < 12 {
		return sackChunk{}, fmt.Errorf("sctp: SACK chunk too short")
	}
	r := packet.NewReader(value)
	c := sackChunk{
		cumulativeTSNAck: r.ReadUint32(),
		aRwnd:            r.ReadUint32(),
	}
	numGaps := int(r.ReadUint16())
	numDups := int(r.ReadUint16())
	for i := 0; i < numGaps; i++ {
		if r.Remaining() < 4 {
			break
		}
		c.gaps = append(c.gaps, gapBlock{r.ReadUint16(), r.ReadUint16()})
	}
	for i := 0; i < numDups; i++ {
		if r.Remaining() < 4 {
			break
		}
		c.dupTSNs = append(c.dupTSNs, r.ReadUint32())
	}
	return c, nil
}

// --- DATA ---

type dataChunk struct {
	tsn        uint32
	streamID   uint16
	streamSeq  uint16
	ppid       uint32
	userData   []byte
	begin, end bool
	unordered  bool
}

func encodeData(c dataChunk) rawChunk {
	w := packet.NewWriterSize(12 + len(c.userData))
	w.WriteUint32(c.tsn)
	w.WriteUint16(c.streamID)
	w.WriteUint16(c.streamSeq)
	w.WriteUint32(c.ppid)
	w.WriteSlice(c.userData)

	var flags byte
	if c.unordered {
		flags |= flagUnordered
	}
	if c.begin {
		flags |= flagBegin
	}
	if c.end {
		flags |= flagEnd
	}
	return rawChunk{typ: chunkData, flags: flags, value: w.Bytes()}
}

func decodeData(flags byte, value []byte) (dataChunk, error) {
	if len(value) < 12 {
		return dataChunk{}, fmt.Errorf("sctp: DATA chunk too short")
	}
	r := packet.NewReader(value)
	c := dataChunk{
		tsn:       r.ReadUint32(),
		streamID:  r.ReadUint16(),
		streamSeq: r.ReadUint16(),
		ppid:      r.ReadUint32(),
		userData:  r.ReadRemaining(),
		begin:     flags&flagBegin != 0,
		end:       flags&flagEnd != 0,
		unordered: flags&flagUnordered != 0,
	}
	return c, nil
}

// --- SHUTDOWN ---

func encodeShutdown(cumulativeTSNAck uint32) rawChunk {
	w := packet.NewWriterSize(4)
	w.WriteUint32(cumulativeTSNAck)
	return rawChunk{typ: chunkShutdown, value: w.Bytes()}
}

func decodeShutdown(value []byte) (uint32, error) {
	if len(value) < 4 {
		return 0, fmt.Errorf("sctp: SHUTDOWN chunk too short")
	}
	return binary.BigEndian.Uint32(value), nil
}

// --- simple value-less / opaque-value chunks ---

func simpleChunk(typ byte) rawChunk { return rawChunk{typ: typ} }

func opaqueChunk(typ byte, value []byte) rawChunk {
	return rawChunk{typ: typ, value: append([]byte(nil), value...)}
}
