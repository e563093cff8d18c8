package rtcendpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/rtcendpoint/internal/dtlsio"
)

func TestOfferCreateDerivesDeterministicCredential(t *testing.T) {
	var secret [32]byte
	copy(secret[:], []byte("a fixed 32 byte endpoint secret!"))

	table := NewOfferTable(4, time.Minute)
	o, err := table.Create(secret, time.Now())
	require.NoError(t, err)

	assert.Len(t, o.LocalUsername, 8) // 1 slot-encoding byte + 7 random
	assert.Equal(t, byte(o.LocalUsername[0]), slotToChar(o.Slot))
	assert.Equal(t, deriveCredential(secret, o.LocalUsername), o.LocalPassword)
	assert.Equal(t, -1, o.AssocSlot)
}

func TestSlotCharRoundTrips(t *testing.T) {
	for s := 0; s < len(localUsernameCharset); s++ {
		c := slotToChar(s)
		got, ok := charToSlot(c)
		require.True(t, ok)
		assert.Equal(t, s, got)
	}
}

func TestOfferSetRemoteOfferDecodesBlock(t *testing.T) {
	var secret [32]byte
	table := NewOfferTable(4, time.Minute)
	o, err := table.Create(secret, time.Now())
	require.NoError(t, err)

	var cert [32]byte
	copy(cert[:], []byte("peer certificate sha256 digest!"))
	candidates := []Candidate{{IP: [4]byte{192, 168, 1, 5}, Port: 50000}}
	block := o.EncodeBlock(cert, true, candidates)

	peer := &Offer{}
	require.NoError(t, peer.SetRemoteOffer(block))

	assert.Equal(t, o.LocalUsername, peer.RemoteUsername)
	assert.Equal(t, o.LocalPassword, peer.RemotePassword)
	assert.Equal(t, cert, peer.RemoteCertSHA256)
	require.Equal(t, 1, peer.RemoteCandidateCount)
	assert.Equal(t, candidates[0], peer.RemoteCandidates[0])

	// localIsServer=true in the encoded block means the peer decoding it
	// (us, here) is the DTLS client and therefore ICE-controlling.
	assert.Equal(t, dtlsio.RoleClient, peer.DTLSRole)
	assert.True(t, peer.PeerControlling == false)
}

func TestOfferCreateExhaustsCapacityThenEvictsExpired(t *testing.T) {
	var secret [32]byte
	table := NewOfferTable(2, time.Millisecond)

	start := time.Now()
	_, err := table.Create(secret, start)
	require.NoError(t, err)
	_, err = table.Create(secret, start)
	require.NoError(t, err)

	_, err = table.Create(secret, start)
	assert.ErrorIs(t, err, errNoFreeSlot)

	later := start.Add(time.Hour)
	o3, err := table.Create(secret, later)
	require.NoError(t, err, "expired offers must free a slot for reuse")
	assert.NotNil(t, o3)
}

func TestOfferTableByLocalUsernameRoundTrips(t *testing.T) {
	var secret [32]byte
	table := NewOfferTable(4, time.Minute)
	o, err := table.Create(secret, time.Now())
	require.NoError(t, err)

	got, ok := table.ByLocalUsername(o.LocalUsername)
	require.True(t, ok)
	assert.Same(t, o, got)

	_, ok = table.ByLocalUsername("no-such-username")
	assert.False(t, ok)
}

func TestOfferTouchSetsRemoteCredentialsOnlyOnce(t *testing.T) {
	var secret [32]byte
	table := NewOfferTable(4, time.Minute)
	o, err := table.Create(secret, time.Now())
	require.NoError(t, err)

	now := time.Now()
	table.Touch(o, "remote-ufrag", "remote-pass", now)
	assert.Equal(t, "remote-ufrag", o.RemoteUsername)

	later := now.Add(time.Second)
	table.Touch(o, "different-ufrag", "different-pass", later)
	assert.Equal(t, "remote-ufrag", o.RemoteUsername, "retransmitted binding requests must not overwrite established remote credentials")
	assert.Equal(t, later, o.LastActivity)
}

func TestOfferMarkCandidateUsedIsIdempotent(t *testing.T) {
	o := &Offer{}
	assert.True(t, o.MarkCandidateUsed(0))
	assert.False(t, o.MarkCandidateUsed(0))
	assert.False(t, o.MarkCandidateUsed(99), "out-of-range index must not panic")
}

func TestOfferTableReleaseAndGet(t *testing.T) {
	var secret [32]byte
	table := NewOfferTable(2, time.Minute)
	o, err := table.Create(secret, time.Now())
	require.NoError(t, err)

	got, ok := table.Get(o.Slot)
	require.True(t, ok)
	assert.Same(t, o, got)

	table.Release(o.Slot)
	_, ok = table.Get(o.Slot)
	assert.False(t, ok)
	_, ok = table.ByLocalUsername(o.LocalUsername)
	assert.False(t, ok)
}

func TestOfferSweepOnlyEvictsUnpromotedExpiredOffers(t *testing.T) {
	var secret [32]byte
	table := NewOfferTable(2, time.Minute)

	start := time.Now()
	unpromoted, err := table.Create(secret, start)
	require.NoError(t, err)
	promoted, err := table.Create(secret, start)
	require.NoError(t, err)
	promoted.AssocSlot = 0

	table.Sweep(start.Add(time.Hour))

	_, ok := table.Get(unpromoted.Slot)
	assert.False(t, ok, "unclaimed offer past max age must be evicted")

	_, ok = table.Get(promoted.Slot)
	assert.True(t, ok, "a promoted offer's slot must survive sweeps regardless of age")
}
