package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPairKeyCanonicalOrder(t *testing.T) {
	assert.Equal(t, NewPairKey("alice", "bob"), NewPairKey("bob", "alice"))
	k := NewPairKey("zed", "amy")
	assert.Equal(t, "amy", k.A)
	assert.Equal(t, "zed", k.B)
}

func TestPairKeyRoundTrip(t *testing.T) {
	k := NewPairKey("alice", "bob")
	parsed, ok := ParsePairKey(k.String())
	require.True(t, ok)
	assert.Equal(t, k, parsed)
}

func TestPairKeyUnderscoreNamesSurviveRoundTrip(t *testing.T) {
	k := NewPairKey("mary_jane", "peter_parker")
	parsed, ok := ParsePairKey(k.String())
	require.True(t, ok)
	assert.Equal(t, k, parsed)
}

func TestParseLegacyKey(t *testing.T) {
	k, ok := ParsePairKey("alice_bob")
	require.True(t, ok)
	assert.Equal(t, NewPairKey("alice", "bob"), k)

	// Legacy keys split on the first underscore only.
	k, ok = ParsePairKey("alice_bob_smith")
	require.True(t, ok)
	assert.Equal(t, NewPairKey("alice", "bob_smith"), k)
}

func TestParseRejectsMalformedKeys(t *testing.T) {
	for _, s := range []string{"", "noseparator", "_leading", "trailing_", "[broken", `["only_one"]`, `["",""]`} {
		_, ok := ParsePairKey(s)
		assert.False(t, ok, "key %q", s)
	}
}

func TestOtherAndContains(t *testing.T) {
	k := NewPairKey("alice", "bob")
	assert.Equal(t, "bob", k.Other("alice"))
	assert.Equal(t, "alice", k.Other("bob"))
	assert.Equal(t, "", k.Other("carol"))
	assert.True(t, k.Contains("alice"))
	assert.False(t, k.Contains("carol"))
}
