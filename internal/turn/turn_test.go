package turn

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/lanikai/rtcendpoint/internal/stunmsg"
)

// fakeServer answers the first Allocate with a 401 challenge, then succeeds
// on the authenticated retry, mirroring spec.md Section 4.3.
func fakeServer(t *testing.T, conn net.Conn) {
	buf := make([]byte, 4096)
	for i := 0; i < 2; i++ {
		_, err := conn.Read(buf)
		if err != nil {
			return
		}
		length := int(binary.BigEndian.Uint16(buf[2:4]))
		msg, err := stunmsg.Parse(buf[:stunmsg.HeaderLength+length])
		assert.NoError(t, err)

		if i == 0 {
			resp := stunmsg.NewWithTransactionID(stunmsg.ClassErrorResponse, stunmsg.MethodAllocate, msg.TransactionID)
			resp.AddErrorCode(401, "Unauthorized")
			resp.AddRealm("example.org")
			resp.AddNonce("abc123")
			conn.Write(resp.Bytes())
		} else {
			resp := stunmsg.NewWithTransactionID(stunmsg.ClassSuccessResponse, stunmsg.MethodAllocate, msg.TransactionID)
			resp.AddXorRelayedAddress(&net.UDPAddr{IP: net.ParseIP("198.51.100.1").To4(), Port: 3478})
			conn.Write(resp.Bytes())
		}
	}
}

func TestAllocateWithChallenge(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	go fakeServer(t, serverConn)

	client := NewClient(clientConn, nil)
	defer client.Close()

	relayed, err := client.Allocate("user", "pass")
	assert.NoError(t, err)
	assert.Equal(t, "198.51.100.1", relayed.IP.String())
	assert.Equal(t, 3478, relayed.Port)
}

func TestSendChannelDataFraming(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	received := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 4096)
		_, err := serverConn.Read(buf)
		if err != nil {
			return
		}
		length := int(binary.BigEndian.Uint16(buf[2:4]))
		received <- buf[4 : 4+length]
	}()

	client := NewClient(clientConn, nil)
	defer client.Close()

	result, err := client.SendChannelData(0x4001, []byte("hello"))
	assert.NoError(t, err)
	assert.Equal(t, SendOK, result)

	select {
	case got := <-received:
		assert.Equal(t, []byte("hello"), got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel-data frame")
	}
}
