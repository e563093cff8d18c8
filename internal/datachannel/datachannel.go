// Package datachannel implements the WebRTC Data Channel control protocol
// of spec.md Section 4.5: the DATA_CHANNEL_OPEN/ACK handshake carried on
// PPID 50, stream-ID parity assignment, and the PPID tags distinguishing
// string from binary application payloads. It knows nothing about SCTP
// framing or fragmentation; callers hand it one already-reassembled
// message per HandleOpen/HandleAck call and get back one
// already-fragmented-sized message per Open/Ack.
package datachannel

import (
	"fmt"

	"github.com/lanikai/rtcendpoint/internal/logging"
	"github.com/lanikai/rtcendpoint/internal/packet"
)

var log = logging.DefaultLogger.WithTag("datachannel")

// PPID values (spec.md Section 6).
const (
	PPIDControl = 50
	PPIDString  = 51
	PPIDBinary  = 53
)

const (
	msgOpen = 0x03
	msgAck  = 0x02
)

// ChannelType mirrors the one value spec.md defines; other RFC 8832 types
// (partial reliability) are out of scope.
const ChannelTypeReliable = 0x00

// Side distinguishes which DTLS role owns a parity of stream IDs (spec.md
// Section 4.5: "the DTLS client uses odd stream IDs, the DTLS server uses
// even ones").
type Side int

const (
	SideClient Side = iota
	SideServer
)

// Channel is one negotiated data channel: a stream ID plus its label.
type Channel struct {
	StreamID uint16
	Label    string
	Protocol string
	open     bool // true once the ACK (or the OPEN, for the receiving side) is processed
}

// Table assigns stream IDs from the caller's parity and tracks open
// channels, mirroring the slot-indexed style used for Offer/Association
// elsewhere in this module instead of a map keyed by arbitrary IDs.
type Table struct {
	side     Side
	channels [64]Channel
	used     [64]bool
}

func NewTable(side Side) *Table {
	return &Table{side: side}
}

// firstUnusedStreamID returns the lowest stream ID of the table's parity
// that is not already assigned.
func (t *Table) firstUnusedStreamID() (uint16, int, bool) {
	start := uint16(0)
	if t.side == SideClient {
		start = 1
	}
	for i, id := 0, start; i < len(t.channels); i, id = i+1, id+2 {
		if !t.used[i] {
			return id, i, true
		}
	}
	return 0, 0, false
}

// OpenRequest builds the DATA_CHANNEL_OPEN control message for a new
// channel labeled label (protocol is the WebRTC subprotocol string, often
// empty), returning the stream ID it was assigned and the message bytes to
// send with PPID 50.
func (t *Table) OpenRequest(label, proto string) (streamID uint16, msg []byte, err error) {
	streamID, slot, ok := t.firstUnusedStreamID()
	if !ok {
		return 0, nil, fmt.Errorf("datachannel: no free stream ID for side %d", t.side)
	}

	w := packet.NewWriterSize(12 + len(label) + len(proto))
	w.WriteByte(msgOpen)
	w.WriteByte(ChannelTypeReliable)
	w.WriteUint16(0) // priority: unused, spec.md carries no priority scheme
	w.WriteUint32(0) // reliability parameter: ignored for reliable channels
	w.WriteUint16(uint16(len(label)))
	w.WriteUint16(uint16(len(proto)))
	w.WriteString(label)
	w.WriteString(proto)

	t.channels[slot] = Channel{StreamID: streamID, Label: label, Protocol: proto}
	t.used[slot] = true
	return streamID, w.Bytes(), nil
}

// HandleOpen decodes an inbound DATA_CHANNEL_OPEN on streamID (the peer's
// parity, from our point of view) and returns the ACK to send back plus the
// opened Channel. It records nothing in any Table; the caller keeps the
// returned Channel.
//
// Per spec.md's bounds-checking supplement (Section 6), a label-length or
// protocol-length that would overrun the chunk is rejected instead of
// trusting the wire value; the caller sees an error and sends no ACK.
func HandleOpen(streamID uint16, data []byte) (ch Channel, ack []byte, err error) {
	if len(data) < 12 || data[0] != msgOpen {
		return Channel{}, nil, fmt.Errorf("datachannel: malformed DATA_CHANNEL_OPEN")
	}
	r := packet.NewReader(data)
	r.Skip(2) // type, channel-type
	r.Skip(2) // priority
	r.Skip(4) // reliability parameter
	labelLen := int(r.ReadUint16())
	protoLen := int(r.ReadUint16())

	if labelLen < 0 || protoLen < 0 || 12+labelLen+protoLen > len(data) {
		log.Debug("datachannel: OPEN on stream %d overruns chunk (label=%d proto=%d total=%d)", streamID, labelLen, protoLen, len(data))
		return Channel{}, nil, fmt.Errorf("datachannel: label/protocol length overruns message")
	}

	label := string(r.ReadSlice(labelLen))
	proto := string(r.ReadSlice(protoLen))

	ch = Channel{StreamID: streamID, Label: label, Protocol: proto, open: true}
	return ch, []byte{msgAck}, nil
}

// HandleAck marks the channel previously opened with OpenRequest as
// established once the peer's ACK arrives.
func (t *Table) HandleAck(streamID uint16) (Channel, bool) {
	for i := range t.channels {
		if t.used[i] && t.channels[i].StreamID == streamID {
			t.channels[i].open = true
			return t.channels[i], true
		}
	}
	return Channel{}, false
}

// IsOpen reports whether streamID has completed its OPEN/ACK handshake.
func (t *Table) IsOpen(streamID uint16) bool {
	for i := range t.channels {
		if t.used[i] && t.channels[i].StreamID == streamID {
			return t.channels[i].open
		}
	}
	return false
}

// PPIDFor returns the PPID to tag an application payload with: string
// payloads (valid UTF-8 the caller intends as text) use PPIDString,
// anything else uses PPIDBinary, matching spec.md Section 4.5.
func PPIDFor(text bool) uint32 {
	if text {
		return PPIDString
	}
	return PPIDBinary
}
