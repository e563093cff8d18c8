package dtlsio

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopbackPairEncryptDecryptRoundTrip(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	client, server := LoopbackPair(secret)

	require.NoError(t, client.Handshake(context.Background()))
	require.NoError(t, server.Handshake(context.Background()))

	ct, err := client.Encrypt([]byte("sctp packet bytes"))
	require.NoError(t, err)

	pt, err := server.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("sctp packet bytes"), pt)
}

func TestLoopbackSessionRejectsBeforeHandshake(t *testing.T) {
	client, _ := LoopbackPair([]byte("secret"))
	_, err := client.Encrypt([]byte("x"))
	assert.Equal(t, ErrNotHandshaked, err)
}

func TestLoopbackPairRolesDiffer(t *testing.T) {
	client, server := LoopbackPair([]byte("secret"))
	assert.Equal(t, RoleClient, client.Role())
	assert.Equal(t, RoleServer, server.Role())
}
