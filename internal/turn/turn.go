// Package turn implements the TCP-framed TURN client of spec.md Section 4.3:
// allocate/create-permission/channel-bind/send-indication over a
// length-prefixed STUN stream, plus the compact channel-data framing used
// once a channel binding exists. Framing follows the "give a penny, take a
// penny" read-loop style of the teacher's internal/mux package; attribute
// encoding is shared with the ICE engine via internal/stunmsg.
package turn

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/lanikai/rtcendpoint/internal/logging"
	"github.com/lanikai/rtcendpoint/internal/stunmsg"
)

var log = logging.DefaultLogger.WithTag("turn")

// SendResult is the outcome of a channel-data or send-indication write,
// mirroring spec.md Section 4.3's {ok, pending, disconnected}.
type SendResult int

const (
	SendOK SendResult = iota
	SendPending
	SendDisconnected
)

// Policy is the TURN usage policy (spec.md Section 4.3).
type Policy int

const (
	PolicyDisabled Policy = iota
	PolicyEnabled         // use only if a direct (host) candidate fails
	PolicyAlwaysRelay
)

const requestTimeout = 5 * time.Second

// DataHandler receives decoded inbound payloads: either a data-indication
// (peer known) or channel-data (peer identified only by channel number, so
// peer is nil and channel is set).
type DataHandler func(peer *net.UDPAddr, channel uint16, data []byte)

// Client is a single TCP connection to one TURN server.
type Client struct {
	conn net.Conn

	user, pass string
	realm      string
	nonce      string

	mu       sync.Mutex
	pending  map[[12]byte]chan *stunmsg.Message
	channels map[uint16]bool

	onData DataHandler

	closed bool
}

// NewClient wraps an already-connected TCP stream. Callers are responsible
// for dialing (the core treats the TCP socket as an external collaborator,
// per spec.md Section 1).
func NewClient(conn net.Conn, onData DataHandler) *Client {
	c := &Client{
		conn:     conn,
		pending:  make(map[[12]byte]chan *stunmsg.Message),
		channels: make(map[uint16]bool),
		onData:   onData,
	}
	go c.readLoop()
	return c
}

func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

// readLoop classifies every inbound TCP-framed message and either completes
// a pending request or delivers data to onData. It terminates silently on
// read error, exactly like internal/mux.Mux.readLoop in the teacher repo.
func (c *Client) readLoop() {
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, err := c.conn.Read(tmp)
		if err != nil {
			return
		}
		buf = append(buf, tmp[:n]...)

		for {
			consumed := c.tryConsumeOne(buf)
			if consumed == 0 {
				break
			}
			buf = buf[consumed:]
		}
	}
}

// tryConsumeOne parses a single framed message from the front of buf and
// dispatches it, returning the number of bytes consumed, or 0 if buf does
// not yet hold a complete frame.
func (c *Client) tryConsumeOne(buf []byte) int {
	if len(buf) < 4 {
		return 0
	}
	// RFC 5766 Section 11.1 ("Framing of TURN over TCP"): the top two bits
	// of the first byte distinguish channel-data (0b01) from STUN-formatted
	// messages (0b00).
	if buf[0]>>6 == 0b01 {
		channel := binary.BigEndian.Uint16(buf[0:2])
		length := int(binary.BigEndian.Uint16(buf[2:4]))
		padded := length + pad4(length)
		if len(buf) < 4+padded {
			return 0
		}
		if c.onData != nil {
			c.onData(nil, channel, buf[4:4+length])
		}
		return 4 + padded
	}

	if len(buf) < stunmsg.HeaderLength {
		return 0
	}
	length := int(binary.BigEndian.Uint16(buf[2:4]))
	total := stunmsg.HeaderLength + length
	if len(buf) < total {
		return 0
	}
	msg, err := stunmsg.Parse(buf[:total])
	if err != nil || msg == nil {
		log.Debug("turn: dropping malformed TCP frame: %v", err)
		return total
	}
	c.dispatch(msg)
	return total
}

func (c *Client) dispatch(msg *stunmsg.Message) {
	c.mu.Lock()
	ch, ok := c.pending[msg.TransactionID]
	if ok {
		delete(c.pending, msg.TransactionID)
	}
	c.mu.Unlock()

	if ok {
		ch <- msg
		return
	}

	if msg.Class == stunmsg.ClassIndication && msg.Method == stunmsg.MethodData {
		peer, _ := msg.XorPeerAddress()
		data, _ := msg.Data()
		if c.onData != nil {
			c.onData(peer, 0, data)
		}
		return
	}
	log.Debug("turn: unsolicited message %s", msg)
}

func pad4(n int) int { return -n & 3 }

// roundTrip sends msg and blocks for a matching response or requestTimeout.
func (c *Client) roundTrip(msg *stunmsg.Message) (*stunmsg.Message, error) {
	ch := make(chan *stunmsg.Message, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("turn: connection closed")
	}
	c.pending[msg.TransactionID] = ch
	c.mu.Unlock()

	if _, err := c.conn.Write(msg.Bytes()); err != nil {
		c.mu.Lock()
		delete(c.pending, msg.TransactionID)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(requestTimeout):
		c.mu.Lock()
		delete(c.pending, msg.TransactionID)
		c.mu.Unlock()
		return nil, fmt.Errorf("turn: request timed out")
	}
}

// longTermKey derives the MESSAGE-INTEGRITY key per RFC 5389 Section 15.4 /
// RFC 5766 Section 10: MD5(username ":" realm ":" password).
func longTermKey(user, realm, pass string) []byte {
	h := md5.New()
	h.Write([]byte(user + ":" + realm + ":" + pass))
	return h.Sum(nil)
}

// Allocate performs the TURN Allocate handshake: an unauthenticated
// request, followed by one authenticated retry using the REALM/NONCE
// returned in a 401/438 error response. A second failure is final
// (spec.md Section 4.3).
func (c *Client) Allocate(user, pass string) (relayed *net.UDPAddr, err error) {
	c.user, c.pass = user, pass

	req := stunmsg.New(stunmsg.ClassRequest, stunmsg.MethodAllocate)
	req.AddRequestedTransport(17) // UDP
	req.AddFingerprint()

	resp, err := c.roundTrip(req)
	if err != nil {
		return nil, err
	}

	if resp.Class == stunmsg.ClassErrorResponse {
		code, _, _ := resp.ErrorCode()
		if code != 401 && code != 438 {
			return nil, fmt.Errorf("turn: allocate failed with error %d", code)
		}
		realm, _ := resp.Realm()
		nonce, _ := resp.Nonce()
		c.realm, c.nonce = realm, nonce

		req2 := stunmsg.New(stunmsg.ClassRequest, stunmsg.MethodAllocate)
		req2.AddRequestedTransport(17)
		req2.AddUsername(user)
		req2.AddRealm(realm)
		req2.AddNonce(nonce)
		req2.AddMessageIntegrity(longTermKey(user, realm, pass))
		req2.AddFingerprint()

		resp, err = c.roundTrip(req2)
		if err != nil {
			return nil, err
		}
		if resp.Class == stunmsg.ClassErrorResponse {
			code, _, _ := resp.ErrorCode()
			return nil, fmt.Errorf("turn: authentication exhausted, error %d", code)
		}
	}

	addr, ok := resp.XorRelayedAddress()
	if !ok {
		return nil, fmt.Errorf("turn: allocate response missing relayed address")
	}
	return addr, nil
}

func (c *Client) authenticatedRequest(method uint16, build func(*stunmsg.Message)) (*stunmsg.Message, error) {
	req := stunmsg.New(stunmsg.ClassRequest, method)
	build(req)
	if c.realm != "" {
		req.AddUsername(c.user)
		req.AddRealm(c.realm)
		req.AddNonce(c.nonce)
		req.AddMessageIntegrity(longTermKey(c.user, c.realm, c.pass))
	}
	req.AddFingerprint()
	return c.roundTrip(req)
}

// CreatePermission installs permissions for each peer address so the relay
// will forward data from them.
func (c *Client) CreatePermission(peers []*net.UDPAddr) error {
	resp, err := c.authenticatedRequest(stunmsg.MethodCreatePermission, func(m *stunmsg.Message) {
		for _, p := range peers {
			m.AddXorPeerAddress(p)
		}
	})
	if err != nil {
		return err
	}
	if resp.Class == stunmsg.ClassErrorResponse {
		code, _, _ := resp.ErrorCode()
		return fmt.Errorf("turn: create-permission failed with error %d", code)
	}
	return nil
}

// CreateChannelBinding binds a compact channel number to peer. channel MUST
// be within the TURN-reserved range [0x4000, 0x7FFF] (spec.md Section 4.3);
// the core uses 0x4000 plus the association slot as the channel number.
func (c *Client) CreateChannelBinding(channel uint16, peer *net.UDPAddr) error {
	if channel < 0x4000 || channel > 0x7FFF {
		return fmt.Errorf("turn: channel number %#x out of TURN-reserved range", channel)
	}
	resp, err := c.authenticatedRequest(stunmsg.MethodChannelBind, func(m *stunmsg.Message) {
		m.AddChannelNumber(channel)
		m.AddXorPeerAddress(peer)
	})
	if err != nil {
		return err
	}
	if resp.Class == stunmsg.ClassErrorResponse {
		code, _, _ := resp.ErrorCode()
		return fmt.Errorf("turn: channel-bind failed with error %d", code)
	}
	c.mu.Lock()
	c.channels[channel] = true
	c.mu.Unlock()
	return nil
}

// SendIndication relays bytes to peer without a channel binding: an
// unauthenticated, fingerprinted Send indication.
func (c *Client) SendIndication(peer *net.UDPAddr, data []byte) (SendResult, error) {
	msg := stunmsg.New(stunmsg.ClassIndication, stunmsg.MethodSend)
	msg.AddXorPeerAddress(peer)
	msg.AddData(data)
	msg.AddFingerprint()
	return c.write(msg.Bytes())
}

// SendChannelData writes a compact channel-data frame. channel must already
// be bound via CreateChannelBinding.
func (c *Client) SendChannelData(channel uint16, data []byte) (SendResult, error) {
	padded := len(data) + pad4(len(data))
	frame := make([]byte, 4+padded)
	binary.BigEndian.PutUint16(frame[0:2], channel)
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(data)))
	copy(frame[4:], data)
	return c.write(frame)
}

func (c *Client) write(b []byte) (SendResult, error) {
	n, err := c.conn.Write(b)
	if err != nil {
		return SendDisconnected, err
	}
	if n < len(b) {
		// Non-blocking TCP socket did not accept all bytes yet: treat the
		// payload as lost and rely on SCTP retransmit (spec.md Section 7d).
		return SendPending, nil
	}
	return SendOK, nil
}
