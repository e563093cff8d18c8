package datachannel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenRequestAssignsOddStreamIDForClient(t *testing.T) {
	table := NewTable(SideClient)
	id1, msg1, err := table.OpenRequest("ch", "")
	require.NoError(t, err)
	assert.Equal(t, uint16(1), id1)
	assert.Equal(t, byte(msgOpen), msg1[0])

	id2, _, err := table.OpenRequest("ch2", "")
	require.NoError(t, err)
	assert.Equal(t, uint16(3), id2)
}

func TestOpenRequestAssignsEvenStreamIDForServer(t *testing.T) {
	table := NewTable(SideServer)
	id, _, err := table.OpenRequest("ch", "")
	require.NoError(t, err)
	assert.Equal(t, uint16(0), id)
}

func TestHandleOpenRoundTrip(t *testing.T) {
	table := NewTable(SideClient)
	_, msg, err := table.OpenRequest("labelA", "protoB")
	require.NoError(t, err)

	ch, ack, err := HandleOpen(1, msg)
	require.NoError(t, err)
	assert.Equal(t, "labelA", ch.Label)
	assert.Equal(t, "protoB", ch.Protocol)
	assert.Equal(t, []byte{msgAck}, ack)
}

func TestHandleOpenRejectsOverrunLength(t *testing.T) {
	msg := []byte{msgOpen, ChannelTypeReliable, 0, 0, 0, 0, 0, 0, 0xFF, 0xFF, 0, 0}
	_, _, err := HandleOpen(1, msg)
	assert.Error(t, err)
}

func TestHandleAckMarksChannelOpen(t *testing.T) {
	table := NewTable(SideClient)
	id, _, err := table.OpenRequest("ch", "")
	require.NoError(t, err)
	assert.False(t, table.IsOpen(id))

	ch, ok := table.HandleAck(id)
	assert.True(t, ok)
	assert.True(t, ch.open)
	assert.True(t, table.IsOpen(id))
}

func TestPPIDForSelectsStringOrBinary(t *testing.T) {
	assert.Equal(t, uint32(PPIDString), PPIDFor(true))
	assert.Equal(t, uint32(PPIDBinary), PPIDFor(false))
}
