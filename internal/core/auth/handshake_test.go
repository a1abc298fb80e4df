package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pentavision/pentavisiond/internal/core/pverr"
)

func TestDigestDeterministic(t *testing.T) {
	d1, err := Digest("secret-key", "challenge-123")
	require.NoError(t, err)
	d2, err := Digest("secret-key", "challenge-123")
	require.NoError(t, err)

	assert.Equal(t, d1, d2)
	assert.Len(t, d1, 64) // hex SHA-256
}

func TestDigestKeySensitive(t *testing.T) {
	d1, err := Digest("key-a", "challenge-123")
	require.NoError(t, err)
	d2, err := Digest("key-b", "challenge-123")
	require.NoError(t, err)

	assert.NotEqual(t, d1, d2)
}

func TestDigestChallengeSensitive(t *testing.T) {
	d1, err := Digest("key", "challenge-1")
	require.NoError(t, err)
	d2, err := Digest("key", "challenge-2")
	require.NoError(t, err)

	assert.NotEqual(t, d1, d2)
}

func TestDigestEmptyInputs(t *testing.T) {
	_, err := Digest("", "challenge")
	require.Error(t, err)
	assert.True(t, pverr.IsKind(err, pverr.KindConfig))

	_, err = Digest("key", "")
	require.Error(t, err)
	assert.True(t, pverr.IsKind(err, pverr.KindConfig))
}

func TestKeyHash(t *testing.T) {
	h := KeyHash("my-api-key")
	assert.Len(t, h, 64)
	assert.Equal(t, h, KeyHash("my-api-key"))
	assert.NotEqual(t, h, KeyHash("other-key"))
}
