package cryptox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignOpen_RoundTrip(t *testing.T) {
	sk, vk, err := GenerateSigningKey()
	require.NoError(t, err)

	msg := []byte("the payload")
	signed := sk.Sign(msg)

	got, err := vk.Open(signed)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestOpen_WrongKey(t *testing.T) {
	sk, _, err := GenerateSigningKey()
	require.NoError(t, err)
	_, otherVk, err := GenerateSigningKey()
	require.NoError(t, err)

	signed := sk.Sign([]byte("data"))
	_, err = otherVk.Open(signed)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestOpen_TamperedMessage(t *testing.T) {
	sk, vk, err := GenerateSigningKey()
	require.NoError(t, err)

	signed := sk.Sign([]byte("data"))
	signed[len(signed)-1] ^= 0xff
	_, err = vk.Open(signed)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestOpen_TruncatedBlob(t *testing.T) {
	_, vk, err := GenerateSigningKey()
	require.NoError(t, err)

	_, err = vk.Open([]byte("short"))
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestSigningKey_VerifyKeyMatches(t *testing.T) {
	sk, vk, err := GenerateSigningKey()
	require.NoError(t, err)
	assert.Equal(t, vk, sk.VerifyKey())
}
