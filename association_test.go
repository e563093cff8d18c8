package rtcendpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/rtcendpoint/internal/datachannel"
	"github.com/lanikai/rtcendpoint/internal/ice"
)

// feedUntilQuiet repeatedly hands packets back and forth between two
// associations until neither side produces more traffic, mirroring how
// internal/sctp's own tests drive a handshake to completion.
func feedUntilQuiet(t *testing.T, a, b *Association, first [][]byte) {
	t.Helper()
	pending := first
	from, to := a, b
	for i := 0; i < 20 && len(pending) > 0; i++ {
		var next [][]byte
		for _, pkt := range pending {
			toSend, _, _, _, err := to.HandleInboundTransport(pkt)
			require.NoError(t, err)
			next = append(next, toSend...)
		}
		pending = next
		from, to = to, from
		_ = from
	}
}

func newLoopbackAssociationPair(t *testing.T) (client, server *Association) {
	t.Helper()
	client = NewAssociation(0, 0, true, 1)
	server = NewAssociation(1, 0, false, 2)

	secret := []byte("shared offer-derived master secret")
	client.BeginTransport(secret, 5000, 5001)
	server.BeginTransport(secret, 5001, 5000)
	return client, server
}

func TestAssociationHandshakeEstablishesBothSides(t *testing.T) {
	client, server := newLoopbackAssociationPair(t)

	init, err := client.StartSCTPHandshake()
	require.NoError(t, err)

	feedUntilQuiet(t, client, server, [][]byte{init})

	assert.True(t, client.Established())
	assert.True(t, server.Established())
}

func TestAssociationOpenChannelAndSendRoundTrips(t *testing.T) {
	client, server := newLoopbackAssociationPair(t)

	init, err := client.StartSCTPHandshake()
	require.NoError(t, err)
	feedUntilQuiet(t, client, server, [][]byte{init})
	require.True(t, client.Established())
	require.True(t, server.Established())

	openPkts, err := client.OpenChannel("chat", "")
	require.NoError(t, err)
	require.NotEmpty(t, openPkts)

	var opened []datachannel.Channel
	var ackPkts [][]byte
	for _, p := range openPkts {
		toSend, _, o, _, err := server.HandleInboundTransport(p)
		require.NoError(t, err)
		ackPkts = append(ackPkts, toSend...)
		opened = append(opened, o...)
	}
	require.Len(t, opened, 1)
	assert.Equal(t, "chat", opened[0].Label)

	for _, p := range ackPkts {
		_, _, _, _, err := client.HandleInboundTransport(p)
		require.NoError(t, err)
	}

	sendPkts, err := client.Send(1, true, []byte("hello"))
	require.NoError(t, err)
	require.NotEmpty(t, sendPkts)

	var delivered []byte
	for _, p := range sendPkts {
		_, deliveries, _, _, err := server.HandleInboundTransport(p)
		require.NoError(t, err)
		for _, d := range deliveries {
			delivered = append(delivered, d.Data...)
			assert.Equal(t, uint32(datachannel.PPIDString), d.PPID)
		}
	}
	assert.Equal(t, []byte("hello"), delivered)
}

func TestAssociationSendBeforeEstablishedFails(t *testing.T) {
	client, _ := newLoopbackAssociationPair(t)
	_, err := client.Send(1, false, []byte("too early"))
	assert.ErrorIs(t, err, errAssocNotOpen)
}

func TestAssociationTickReportsConsentFailure(t *testing.T) {
	client, server := newLoopbackAssociationPair(t)
	init, err := client.StartSCTPHandshake()
	require.NoError(t, err)
	feedUntilQuiet(t, client, server, [][]byte{init})
	require.True(t, client.Established())

	now := time.Now()
	client.NoteConsent(now)

	_, expired := client.Tick(now.Add(ice.ConsentFailureWindow + time.Second))
	assert.True(t, expired)
}

func TestAssociationDueForConsentProbePaces(t *testing.T) {
	client, server := newLoopbackAssociationPair(t)
	init, err := client.StartSCTPHandshake()
	require.NoError(t, err)
	feedUntilQuiet(t, client, server, [][]byte{init})
	require.True(t, client.Established())

	now := time.Now()
	assert.True(t, client.DueForConsentProbe(now), "first probe should fire immediately once established")

	client.NoteProbeSent(now)
	assert.False(t, client.DueForConsentProbe(now.Add(ice.ConsentProbeInterval/2)),
		"no probe due before the fast retry interval elapses while awaiting a response")
	assert.True(t, client.DueForConsentProbe(now.Add(ice.ConsentProbeInterval+time.Millisecond)),
		"retry at ConsentProbeInterval while no response has arrived yet")

	client.NoteConsent(now.Add(ice.ConsentProbeInterval))
	assert.False(t, client.DueForConsentProbe(now.Add(ice.ConsentProbeInterval+time.Second)),
		"once a response lands, the next probe waits the full freshness interval")
	assert.True(t, client.DueForConsentProbe(now.Add(ice.ConsentProbeInterval+ice.ConsentFreshnessInterval+time.Second)))
}
