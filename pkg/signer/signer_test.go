package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignSHA256(t *testing.T) {
	mac := hmac.New(sha256.New, []byte("shh"))
	mac.Write([]byte("hello"))
	want := hex.EncodeToString(mac.Sum(nil))

	got, err := Sign("sha256", []byte("shh"), []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestHeader(t *testing.T) {
	h, err := Header("sha256", []byte("shh"), []byte("hello"))
	require.NoError(t, err)
	require.Regexp(t, `^sha256=[0-9a-f]{64}$`, h)
}

func TestSignUnsupportedAlgorithm(t *testing.T) {
	_, err := Sign("md5", []byte("x"), []byte("y"))
	require.Error(t, err)
}

func TestHashDeterministic(t *testing.T) {
	a, err := Hash("sha512", []byte("hello"))
	require.NoError(t, err)
	b, err := Hash("sha512", []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := Hash("sha512", []byte("goodbye"))
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}
