package stunmsg

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoundTrip(t *testing.T) {
	msg := New(ClassRequest, MethodBinding)
	msg.AddUsername("abc:xyz")
	msg.AddPriority(12345)
	msg.AddIceControlling(0xdeadbeefcafebabe)
	msg.AddMessageIntegrity([]byte("secret"))
	msg.AddFingerprint()

	raw := msg.Bytes()
	parsed, err := Parse(raw)
	assert.NoError(t, err)
	assert.Equal(t, msg.TransactionID, parsed.TransactionID)

	u, ok := parsed.Username()
	assert.True(t, ok)
	assert.Equal(t, "abc:xyz", u)
	assert.Equal(t, uint32(12345), parsed.Priority())

	tiebreaker, controlling, ok := parsed.IceRole()
	assert.True(t, ok)
	assert.True(t, controlling)
	assert.Equal(t, uint64(0xdeadbeefcafebabe), tiebreaker)

	assert.True(t, VerifyFingerprint(raw, parsed))
	assert.True(t, VerifyMessageIntegrity(raw, parsed, []byte("secret")))
	assert.False(t, VerifyMessageIntegrity(raw, parsed, []byte("wrong")))
}

func TestXorMappedAddress(t *testing.T) {
	msg := New(ClassSuccessResponse, MethodBinding)
	addr := &net.UDPAddr{IP: net.ParseIP("203.0.113.5").To4(), Port: 54321}
	msg.AddXorMappedAddress(addr)

	raw := msg.Bytes()
	parsed, err := Parse(raw)
	assert.NoError(t, err)

	got, ok := parsed.XorMappedAddress()
	assert.True(t, ok)
	assert.Equal(t, addr.IP.String(), got.IP.String())
	assert.Equal(t, addr.Port, got.Port)
}

func TestNotStun(t *testing.T) {
	msg, err := Parse([]byte{0xff, 0xff, 0xff, 0xff})
	assert.NoError(t, err)
	assert.Nil(t, msg)
}

func TestErrorCode(t *testing.T) {
	msg := New(ClassErrorResponse, MethodBinding)
	msg.AddErrorCode(487, "Role Conflict")

	raw := msg.Bytes()
	parsed, _ := Parse(raw)
	code, reason, ok := parsed.ErrorCode()
	assert.True(t, ok)
	assert.Equal(t, 487, code)
	assert.Equal(t, "Role Conflict", reason)
}
