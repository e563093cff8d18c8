package sctp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func handshake(t *testing.T) (client, server *Assoc) {
	t.Helper()
	client = NewAssoc(Config{LocalPort: 5000, RemotePort: 5000, Initiator: true})
	server = NewAssoc(Config{LocalPort: 5000, RemotePort: 5000})

	init := client.InitiateHandshake()

	toServer, _, _, err := server.HandleInbound(init)
	require.NoError(t, err)
	require.Len(t, toServer, 1) // INIT-ACK

	toClient, _, _, err := client.HandleInbound(toServer[0])
	require.NoError(t, err)
	require.Len(t, toClient, 1) // COOKIE-ECHO

	toServer2, _, ev, err := server.HandleInbound(toClient[0])
	require.NoError(t, err)
	require.Len(t, toServer2, 1) // COOKIE-ACK
	assert.Equal(t, EventEstablished, ev)
	assert.True(t, server.Established())

	_, _, ev2, err := client.HandleInbound(toServer2[0])
	require.NoError(t, err)
	assert.Equal(t, EventEstablished, ev2)
	assert.True(t, client.Established())
	return client, server
}

func TestHandshakeEstablishesBothSides(t *testing.T) {
	client, server := handshake(t)
	assert.NotZero(t, client.peerVerificationTag)
	assert.NotZero(t, server.peerVerificationTag)
}

func TestSendAndReceiveSingleFragmentMessage(t *testing.T) {
	client, server := handshake(t)

	packets := client.Send(0, 53, []byte("hello world"), false)
	require.Len(t, packets, 1)

	_, deliveries, _, err := server.HandleInbound(packets[0])
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, []byte("hello world"), deliveries[0].Data)
	assert.Equal(t, uint32(53), deliveries[0].PPID)
}

func TestSendFragmentsLargeMessage(t *testing.T) {
	client, server := handshake(t)

	big := make([]byte, FragmentSize*2+100)
	for i := range big {
		big[i] = byte(i)
	}

	packets := client.Send(1, 53, big, false)
	require.Len(t, packets, 3)

	var deliveries []Delivery
	for _, p := range packets {
		_, d, _, err := server.HandleInbound(p)
		require.NoError(t, err)
		deliveries = append(deliveries, d...)
	}
	require.Len(t, deliveries, 1)
	assert.Equal(t, big, deliveries[0].Data)
}

func TestOutOfOrderDeliveryHoldsUntilGapFills(t *testing.T) {
	client, server := handshake(t)

	p1 := client.Send(0, 53, []byte("first"), false)
	p2 := client.Send(0, 53, []byte("second"), false)
	require.Len(t, p1, 1)
	require.Len(t, p2, 1)

	_, deliveries, _, err := server.HandleInbound(p2[0])
	require.NoError(t, err)
	assert.Empty(t, deliveries, "second message must wait for the first")

	_, deliveries, _, err = server.HandleInbound(p1[0])
	require.NoError(t, err)
	require.Len(t, deliveries, 2)
	assert.Equal(t, []byte("first"), deliveries[0].Data)
	assert.Equal(t, []byte("second"), deliveries[1].Data)
}

func TestSackAdvancesCumulativeAckAndClearsPendingQueue(t *testing.T) {
	client, server := handshake(t)

	packets := client.Send(0, 53, []byte("ack me"), false)
	require.Len(t, packets, 1)
	assert.Len(t, client.pendingAck.items, 1)

	sacks, _, _, err := server.HandleInbound(packets[0])
	require.NoError(t, err)
	require.Len(t, sacks, 1)

	_, _, event, err := client.HandleInbound(sacks[0])
	require.NoError(t, err)
	assert.Equal(t, EventSendOK, event)
	assert.Empty(t, client.pendingAck.items)
}

func TestRTOStaysWithinSpecifiedRange(t *testing.T) {
	a := NewAssoc(Config{})
	assert.GreaterOrEqual(t, a.rto, MinRTO)
	assert.LessOrEqual(t, a.rto, MaxRTO)

	a.srtt = 50 * MinRTO
	a.rttvar = 0
	clamped := clampRTO(a.srtt + 4*a.rttvar)
	assert.Equal(t, MaxRTO, clamped)
}

func TestCookieEchoWithBadCookieAborts(t *testing.T) {
	server := NewAssoc(Config{})
	bad := opaqueChunk(chunkCookieEcho, []byte("short"))
	out, _, event, abort := server.handleCookieEcho(bad)
	assert.True(t, abort)
	assert.Equal(t, EventAbort, event)
	require.Len(t, out, 1)
}
