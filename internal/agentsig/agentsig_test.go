package agentsig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonical(t *testing.T) {
	// Empty body hashes the empty string.
	got := Canonical("2026-01-02T15:04:05Z", "get", "/v1/jobs", nil)
	want := "2026-01-02T15:04:05Z\nGET\n/v1/jobs\ne3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	assert.Equal(t, want, got)

	withBody := Canonical("2026-01-02T15:04:05Z", "POST", "/v1/jobs", []byte(`{"a":1}`))
	assert.NotEqual(t, got, withBody)
}

func TestSignAndVerify(t *testing.T) {
	pubHex, priv, err := GenerateKeypair()
	require.NoError(t, err)

	canonical := Canonical("2026-01-02T15:04:05Z", "POST", "/v1/jobs", []byte(`{"listing_id":"lst_1"}`))
	sig := Sign(priv, canonical)

	ok, err := Verify(pubHex, canonical, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	// Tampered canonical string fails.
	ok, err = Verify(pubHex, canonical+"x", sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerify_BadInputs(t *testing.T) {
	pubHex, priv, err := GenerateKeypair()
	require.NoError(t, err)
	sig := Sign(priv, "msg")

	_, err = Verify("nothex", "msg", sig)
	assert.ErrorIs(t, err, ErrBadPublicKey)

	_, err = Verify(pubHex, "msg", "zz")
	assert.ErrorIs(t, err, ErrBadSignature)

	// Wrong key does not verify.
	otherPub, _, err := GenerateKeypair()
	require.NoError(t, err)
	ok, err := Verify(otherPub, "msg", sig)
	require.NoError(t, err)
	assert.False(t, ok)
}
