// Package stunmsg implements the STUN (RFC 5389) wire format shared by the
// ICE engine and the TURN client: header/attribute framing, FINGERPRINT and
// MESSAGE-INTEGRITY, and the attributes needed for binding requests, ICE role
// attributes, error responses, and the TURN attributes from RFC 5766/5780.
package stunmsg

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"net"
	"strings"
)

// Message classes (the two bits that, combined with Method, make up the
// 16-bit STUN message type).
const (
	ClassRequest         = 0
	ClassIndication      = 1
	ClassSuccessResponse = 2
	ClassErrorResponse   = 3
)

// Methods used by this implementation.
const (
	MethodBinding           = 0x001
	MethodAllocate          = 0x003
	MethodRefresh           = 0x004
	MethodSend              = 0x006
	MethodData               = 0x007
	MethodCreatePermission   = 0x008
	MethodChannelBind        = 0x009
)

const (
	HeaderLength = 20
	magicCookie  = 0x2112A442
)

var magicCookieBytes = [4]byte{0x21, 0x12, 0xa4, 0x42}

const fingerprintXor = 0x5354554e

// Attribute type codes used by this implementation.
const (
	AttrMappedAddress     = 0x0001
	AttrUsername          = 0x0006
	AttrMessageIntegrity  = 0x0008
	AttrErrorCode         = 0x0009
	AttrUnknownAttributes = 0x000A
	AttrChannelNumber     = 0x000C
	AttrLifetime          = 0x000D
	AttrXorPeerAddress    = 0x0012
	AttrData              = 0x0013
	AttrRealm             = 0x0014
	AttrNonce             = 0x0015
	AttrXorRelayedAddress = 0x0016
	AttrRequestedTransport = 0x0019
	AttrXorMappedAddress  = 0x0020
	AttrPriority          = 0x0024
	AttrUseCandidate      = 0x0025
	AttrSoftware          = 0x8022
	AttrChangeRequest     = 0x8003
	AttrFingerprint       = 0x8028
	AttrIceControlled     = 0x8029
	AttrIceControlling    = 0x802A

	// ErrorCode carries the numeric STUN class in the high byte pattern of
	// RFC 5389 Section 15.6; helpers below do that packing/unpacking.
)

// Message is a parsed (or to-be-serialized) STUN message.
type Message struct {
	// Length in bytes, not including the 20-byte header. Recomputed as
	// attributes are added.
	Length uint16

	Class  uint16
	Method uint16

	// 12-byte transaction ID. First byte carries the offer/association
	// slot per the endpoint's slot-indexed routing scheme (see
	// txnForOfferSlot and txnForAssocSlot in ice_engine.go).
	TransactionID [12]byte

	Attributes []Attribute
}

// Attribute is a single TLV attribute.
type Attribute struct {
	Type   uint16
	Value  []byte
}

func (a Attribute) paddedLen() int {
	return 4 + len(a.Value) + pad4(len(a.Value))
}

func pad4(n int) int {
	return -n & 3
}

var zeroPad [4]byte

// Parse decodes a STUN message from data. It returns (nil, nil) if data does
// not look like a STUN message (wrong magic cookie, bad length, etc.) so
// callers can fall through to other demultiplexing rules without treating
// the mismatch as an error.
func Parse(data []byte) (*Message, error) {
	if len(data) < HeaderLength {
		return nil, nil
	}

	messageType := binary.BigEndian.Uint16(data[0:2])
	if messageType>>14 != 0 {
		return nil, nil
	}

	length := binary.BigEndian.Uint16(data[2:4])
	if int(length)%4 != 0 {
		return nil, nil
	}
	if binary.BigEndian.Uint32(data[4:8]) != magicCookie {
		return nil, nil
	}
	if len(data) < HeaderLength+int(length) {
		return nil, fmt.Errorf("stun: truncated message, want %d have %d", HeaderLength+int(length), len(data))
	}

	class, method := decomposeMessageType(messageType)
	msg := &Message{
		Length: length,
		Class:  class,
		Method: method,
	}
	copy(msg.TransactionID[:], data[8:20])

	b := bytes.NewBuffer(data[HeaderLength : HeaderLength+int(length)])
	for b.Len() > 0 {
		attr, err := parseAttribute(b)
		if err != nil {
			return msg, err
		}
		msg.Attributes = append(msg.Attributes, attr)
	}
	return msg, nil
}

func parseAttribute(b *bytes.Buffer) (Attribute, error) {
	if b.Len() < 4 {
		return Attribute{}, fmt.Errorf("stun: short attribute header")
	}
	typ := binary.BigEndian.Uint16(b.Next(2))
	length := binary.BigEndian.Uint16(b.Next(2))
	if int(length) > b.Len() {
		return Attribute{}, fmt.Errorf("stun: attribute %#x length %d exceeds remaining %d", typ, length, b.Len())
	}
	value := make([]byte, length)
	copy(value, b.Next(int(length)))
	b.Next(pad4(int(length)))
	return Attribute{typ, value}, nil
}

// Bytes serializes the message, recomputing Length.
func (msg *Message) Bytes() []byte {
	var total int
	for _, a := range msg.Attributes {
		total += a.paddedLen()
	}
	msg.Length = uint16(total)

	buf := make([]byte, HeaderLength+total)
	messageType := composeMessageType(msg.Class, msg.Method)
	binary.BigEndian.PutUint16(buf[0:2], messageType)
	binary.BigEndian.PutUint16(buf[2:4], msg.Length)
	binary.BigEndian.PutUint32(buf[4:8], magicCookie)
	copy(buf[8:20], msg.TransactionID[:])

	off := HeaderLength
	for _, a := range msg.Attributes {
		binary.BigEndian.PutUint16(buf[off:off+2], a.Type)
		binary.BigEndian.PutUint16(buf[off+2:off+4], uint16(len(a.Value)))
		off += 4
		off += copy(buf[off:], a.Value)
		p := pad4(len(a.Value))
		copy(buf[off:off+p], zeroPad[:])
		off += p
	}
	return buf
}

func composeMessageType(class, method uint16) uint16 {
	const classMask1, classMask2 = 0x0100, 0x0010
	const methodMask1, methodMask2, methodMask3 = 0x3e00, 0x00e0, 0x000f
	t := (class<<7)&classMask1 | (class<<4)&classMask2
	t |= (method<<2)&methodMask1 | (method<<1)&methodMask2 | (method & methodMask3)
	return t
}

func decomposeMessageType(t uint16) (uint16, uint16) {
	const classMask1, classMask2 = 0x0100, 0x0010
	const methodMask1, methodMask2, methodMask3 = 0x3e00, 0x00e0, 0x000f
	class := (t&classMask1)>>7 | (t&classMask2)>>4
	method := (t&methodMask1)>>2 | (t&methodMask2)>>1 | (t & methodMask3)
	return class, method
}

// New creates a message with a random transaction ID.
func New(class, method uint16) *Message {
	msg := &Message{Class: class, Method: method}
	rand.Read(msg.TransactionID[:])
	return msg
}

// NewWithTransactionID creates a message using a caller-supplied transaction
// ID, used by the ICE engine so the first byte can carry the target slot.
func NewWithTransactionID(class, method uint16, tid [12]byte) *Message {
	return &Message{Class: class, Method: method, TransactionID: tid}
}

func (msg *Message) addAttribute(t uint16, v []byte) *Attribute {
	vcopy := make([]byte, len(v))
	copy(vcopy, v)
	msg.Attributes = append(msg.Attributes, Attribute{t, vcopy})
	return &msg.Attributes[len(msg.Attributes)-1]
}

// Get returns the first attribute of the given type, or ok=false.
func (msg *Message) Get(t uint16) (Attribute, bool) {
	for _, a := range msg.Attributes {
		if a.Type == t {
			return a, true
		}
	}
	return Attribute{}, false
}

func (msg *Message) AddUsername(u string) { msg.addAttribute(AttrUsername, []byte(u)) }

func (msg *Message) Username() (string, bool) {
	a, ok := msg.Get(AttrUsername)
	if !ok {
		return "", false
	}
	return string(a.Value), true
}

func (msg *Message) AddSoftware(s string) { msg.addAttribute(AttrSoftware, []byte(s)) }

func (msg *Message) AddRealm(r string) { msg.addAttribute(AttrRealm, []byte(r)) }
func (msg *Message) Realm() (string, bool) {
	a, ok := msg.Get(AttrRealm)
	if !ok {
		return "", false
	}
	return string(a.Value), true
}

func (msg *Message) AddNonce(n string) { msg.addAttribute(AttrNonce, []byte(n)) }
func (msg *Message) Nonce() (string, bool) {
	a, ok := msg.Get(AttrNonce)
	if !ok {
		return "", false
	}
	return string(a.Value), true
}

// AddErrorCode encodes the class/number per RFC 5389 Section 15.6.
func (msg *Message) AddErrorCode(code int, reason string) {
	v := make([]byte, 4+len(reason))
	v[2] = byte(code / 100)
	v[3] = byte(code % 100)
	copy(v[4:], reason)
	msg.addAttribute(AttrErrorCode, v)
}

// ErrorCode returns the numeric error code, if present.
func (msg *Message) ErrorCode() (int, string, bool) {
	a, ok := msg.Get(AttrErrorCode)
	if !ok || len(a.Value) < 4 {
		return 0, "", false
	}
	code := int(a.Value[2])*100 + int(a.Value[3])
	return code, string(a.Value[4:]), true
}

// AddIceControlling/AddIceControlled carry the 8-byte tie-breaker compared as
// an unsigned big-endian 64-bit integer during role conflict resolution
// (spec.md Section 4.2.5).
func (msg *Message) AddIceControlling(tiebreaker uint64) {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, tiebreaker)
	msg.addAttribute(AttrIceControlling, v)
}

func (msg *Message) AddIceControlled(tiebreaker uint64) {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, tiebreaker)
	msg.addAttribute(AttrIceControlled, v)
}

// IceRole returns (tiebreaker, controlling=true) or (tiebreaker, false) for
// ICE-CONTROLLING / ICE-CONTROLLED respectively, and ok=false if neither is
// present.
func (msg *Message) IceRole() (tiebreaker uint64, controlling bool, ok bool) {
	if a, found := msg.Get(AttrIceControlling); found && len(a.Value) == 8 {
		return binary.BigEndian.Uint64(a.Value), true, true
	}
	if a, found := msg.Get(AttrIceControlled); found && len(a.Value) == 8 {
		return binary.BigEndian.Uint64(a.Value), false, true
	}
	return 0, false, false
}

func (msg *Message) AddUseCandidate() { msg.addAttribute(AttrUseCandidate, nil) }

func (msg *Message) HasUseCandidate() bool {
	_, ok := msg.Get(AttrUseCandidate)
	return ok
}

func (msg *Message) AddPriority(p uint32) {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, p)
	msg.addAttribute(AttrPriority, v)
}

func (msg *Message) Priority() uint32 {
	a, ok := msg.Get(AttrPriority)
	if !ok || len(a.Value) != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(a.Value)
}

// AddChangeRequest encodes the CHANGE-IP/CHANGE-PORT flags used by the RFC
// 5780 NAT-classification dance (spec.md Section 4.2.3).
func (msg *Message) AddChangeRequest(changeIP, changePort bool) {
	v := make([]byte, 4)
	if changeIP {
		v[3] |= 0x4
	}
	if changePort {
		v[3] |= 0x2
	}
	msg.addAttribute(AttrChangeRequest, v)
}

// AddXorMappedAddress (and the TURN-flavored XorPeerAddress / XorRelayedAddress,
// which share the identical value encoding per RFC 5766) XOR the address
// against the magic cookie and transaction ID, per RFC 5389 Section 15.2.
func (msg *Message) AddXorMappedAddress(addr *net.UDPAddr) {
	msg.addAttribute(AttrXorMappedAddress, msg.encodeXorAddress(addr))
}

func (msg *Message) AddXorPeerAddress(addr *net.UDPAddr) {
	msg.addAttribute(AttrXorPeerAddress, msg.encodeXorAddress(addr))
}

func (msg *Message) AddXorRelayedAddress(addr *net.UDPAddr) {
	msg.addAttribute(AttrXorRelayedAddress, msg.encodeXorAddress(addr))
}

func (msg *Message) encodeXorAddress(addr *net.UDPAddr) []byte {
	ip4 := addr.IP.To4()
	var v []byte
	if ip4 != nil {
		v = make([]byte, 8)
		v[1] = 0x01
		copy(v[4:8], ip4)
	} else {
		ip16 := addr.IP.To16()
		v = make([]byte, 20)
		v[1] = 0x02
		copy(v[4:20], ip16)
	}
	binary.BigEndian.PutUint16(v[2:4], uint16(addr.Port))
	xorBytes(v[2:4], magicCookieBytes[0:2])
	xorBytes(v[4:8], magicCookieBytes[:])
	if len(v) > 8 {
		xorBytes(v[8:], msg.TransactionID[:])
	}
	return v
}

// XorMappedAddress / XorPeerAddress / XorRelayedAddress decode the
// corresponding attribute, if present.
func (msg *Message) XorMappedAddress() (*net.UDPAddr, bool) {
	return msg.decodeXorAddress(AttrXorMappedAddress)
}

func (msg *Message) XorPeerAddress() (*net.UDPAddr, bool) {
	return msg.decodeXorAddress(AttrXorPeerAddress)
}

func (msg *Message) XorRelayedAddress() (*net.UDPAddr, bool) {
	return msg.decodeXorAddress(AttrXorRelayedAddress)
}

func (msg *Message) decodeXorAddress(typ uint16) (*net.UDPAddr, bool) {
	a, ok := msg.Get(typ)
	if !ok || len(a.Value) < 8 {
		return nil, false
	}
	v := make([]byte, len(a.Value))
	copy(v, a.Value)
	xorBytes(v[2:4], magicCookieBytes[0:2])
	xorBytes(v[4:8], magicCookieBytes[:])
	if len(v) > 8 {
		xorBytes(v[8:], msg.TransactionID[:])
	}
	addr := &net.UDPAddr{Port: int(binary.BigEndian.Uint16(v[2:4]))}
	switch v[1] {
	case 0x01:
		addr.IP = net.IP(v[4:8])
	case 0x02:
		addr.IP = net.IP(v[4:20])
	default:
		return nil, false
	}
	return addr, true
}

func xorBytes(dst []byte, xor []byte) {
	for i := range dst {
		dst[i] ^= xor[i]
	}
}

func (msg *Message) AddChannelNumber(n uint16) {
	v := make([]byte, 4)
	binary.BigEndian.PutUint16(v[0:2], n)
	msg.addAttribute(AttrChannelNumber, v)
}

func (msg *Message) ChannelNumber() (uint16, bool) {
	a, ok := msg.Get(AttrChannelNumber)
	if !ok || len(a.Value) < 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(a.Value[0:2]), true
}

func (msg *Message) AddLifetime(seconds uint32) {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, seconds)
	msg.addAttribute(AttrLifetime, v)
}

func (msg *Message) Lifetime() (uint32, bool) {
	a, ok := msg.Get(AttrLifetime)
	if !ok || len(a.Value) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(a.Value), true
}

// AddRequestedTransport encodes the protocol-number octet (17 = UDP) used by
// TURN Allocate requests.
func (msg *Message) AddRequestedTransport(protocol byte) {
	msg.addAttribute(AttrRequestedTransport, []byte{protocol, 0, 0, 0})
}

func (msg *Message) AddData(data []byte) { msg.addAttribute(AttrData, data) }

func (msg *Message) Data() ([]byte, bool) {
	a, ok := msg.Get(AttrData)
	return a.Value, ok
}

// AddMessageIntegrity computes and appends MESSAGE-INTEGRITY (RFC 5389
// Section 15.4) as an HMAC-SHA1 over everything written so far, keyed by
// key. Must be the last attribute added before AddFingerprint.
func (msg *Message) AddMessageIntegrity(key []byte) {
	attr := msg.addAttribute(AttrMessageIntegrity, make([]byte, 20))
	b := msg.Bytes()
	coveredLen := len(b) - attr.paddedLen()

	sig := hmac.New(sha1.New, key)
	sig.Write(b[0:coveredLen])
	copy(attr.Value, sig.Sum(nil))
}

// VerifyMessageIntegrity recomputes MESSAGE-INTEGRITY over the raw wire
// bytes (as received, including any trailing FINGERPRINT) and compares.
func VerifyMessageIntegrity(raw []byte, msg *Message, key []byte) bool {
	a, ok := msg.Get(AttrMessageIntegrity)
	if !ok || len(a.Value) != 20 {
		return false
	}
	// Integrity covers everything up to (not including) the
	// MESSAGE-INTEGRITY attribute itself, with the length field set as if
	// the message ended right after that attribute (RFC 5389 Section 15.4).
	idx := attributeOffset(raw, AttrMessageIntegrity)
	if idx < 0 {
		return false
	}
	patched := make([]byte, idx)
	copy(patched, raw[0:idx])
	binary.BigEndian.PutUint16(patched[2:4], uint16(idx-HeaderLength+4+len(a.Value)))

	sig := hmac.New(sha1.New, key)
	sig.Write(patched)
	return hmac.Equal(sig.Sum(nil), a.Value)
}

// AddFingerprint computes and appends FINGERPRINT (RFC 5389 Section 15.5),
// the CRC32 of everything written so far XORed with 0x5354554e. Must be the
// last attribute added.
func (msg *Message) AddFingerprint() {
	attr := msg.addAttribute(AttrFingerprint, make([]byte, 4))
	b := msg.Bytes()
	coveredLen := len(b) - attr.paddedLen()
	crc := crc32.ChecksumIEEE(b[0:coveredLen])
	binary.BigEndian.PutUint32(attr.Value, crc^fingerprintXor)
}

// VerifyFingerprint recomputes FINGERPRINT over the raw wire bytes and
// compares.
func VerifyFingerprint(raw []byte, msg *Message) bool {
	a, ok := msg.Get(AttrFingerprint)
	if !ok || len(a.Value) != 4 {
		return false
	}
	idx := attributeOffset(raw, AttrFingerprint)
	if idx < 0 {
		return false
	}
	patched := make([]byte, idx)
	copy(patched, raw[0:idx])
	binary.BigEndian.PutUint16(patched[2:4], uint16(idx-HeaderLength+4+len(a.Value)))
	crc := crc32.ChecksumIEEE(patched)
	return binary.BigEndian.Uint32(a.Value) == crc^fingerprintXor
}

// attributeOffset returns the byte offset (within raw) of the start of the
// attribute header whose type is t, or -1. Used by the integrity/fingerprint
// verifiers to recover the message-prefix they were computed over.
func attributeOffset(raw []byte, t uint16) int {
	if len(raw) < HeaderLength {
		return -1
	}
	off := HeaderLength
	for off+4 <= len(raw) {
		typ := binary.BigEndian.Uint16(raw[off : off+2])
		length := int(binary.BigEndian.Uint16(raw[off+2 : off+4]))
		if typ == t {
			return off
		}
		off += 4 + length + pad4(length)
	}
	return -1
}

func (msg *Message) String() string {
	b := new(strings.Builder)
	switch msg.Class {
	case ClassRequest:
		b.WriteString("STUN request")
	case ClassIndication:
		b.WriteString("STUN indication")
	case ClassSuccessResponse:
		b.WriteString("STUN success response")
	case ClassErrorResponse:
		b.WriteString("STUN error response")
	}
	fmt.Fprintf(b, " method=%#x tid=%s", msg.Method, hex.EncodeToString(msg.TransactionID[:]))
	return b.String()
}
