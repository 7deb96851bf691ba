package integrity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigestFields_Deterministic(t *testing.T) {
	a := DigestFields("wave1", "pass", "3")
	b := DigestFields("wave1", "pass", "3")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestDigestFields_NoDelimiterCollision(t *testing.T) {
	// Length-prefixed encoding must distinguish ("ab","c") from ("a","bc").
	assert.NotEqual(t, DigestFields("ab", "c"), DigestFields("a", "bc"))
	assert.NotEqual(t, DigestFields("x"), DigestFields("x", ""))
}

func TestDigestJSON_OrderIndependent(t *testing.T) {
	d1, err := DigestJSON(map[string]int{"alpha": 1, "beta": 2})
	require.NoError(t, err)
	d2, err := DigestJSON(map[string]int{"beta": 2, "alpha": 1})
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
}

func TestCitationID(t *testing.T) {
	a := CitationID("https://example.com/paper")
	b := CitationID("https://example.com/paper")
	c := CitationID("https://example.com/other")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasPrefix(a, "cite:"))
	assert.Equal(t, strings.ToLower(a), a)
	assert.Len(t, strings.TrimPrefix(a, "cite:"), 64)
}
