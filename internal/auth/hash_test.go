package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndVerifyAPIKey(t *testing.T) {
	encoded, err := HashAPIKey("sk-shirabe-test")
	require.NoError(t, err)
	assert.Contains(t, encoded, "$")

	ok, err := VerifyAPIKey("sk-shirabe-test", encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyAPIKey("sk-shirabe-wrong", encoded)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyAPIKey_MalformedHash(t *testing.T) {
	_, err := VerifyAPIKey("key", "not-a-hash")
	assert.Error(t, err)

	_, err = VerifyAPIKey("key", "!!$!!")
	assert.Error(t, err)
}

func TestHashAPIKey_SaltsDiffer(t *testing.T) {
	a, err := HashAPIKey("same-key")
	require.NoError(t, err)
	b, err := HashAPIKey("same-key")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
