package seal

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealRoundTrip(t *testing.T) {
	s, err := New("a-long-enough-test-secret")
	require.NoError(t, err)

	sealed, err := s.Seal("I never said it out loud.")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, prefix))
	assert.NotContains(t, sealed, "never")

	again, err := s.Seal("I never said it out loud.")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonce must differ per seal")

	plain, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "I never said it out loud.", plain)
}

func TestNilSealerPassesThrough(t *testing.T) {
	s, err := New("")
	require.NoError(t, err)
	assert.Nil(t, s)

	out, err := s.Seal("plain text")
	require.NoError(t, err)
	assert.Equal(t, "plain text", out)

	out, err = s.Open("plain text")
	require.NoError(t, err)
	assert.Equal(t, "plain text", out)

	_, err = s.Open(prefix + "AAAA")
	assert.Error(t, err)
}

func TestWrongKeyFails(t *testing.T) {
	a, err := New("first-secret-value-123")
	require.NoError(t, err)
	b, err := New("second-secret-value-456")
	require.NoError(t, err)

	sealed, err := a.Seal("hello there")
	require.NoError(t, err)
	_, err = b.Open(sealed)
	assert.Error(t, err)
}

func TestShortSecretRejected(t *testing.T) {
	_, err := New("short")
	assert.Error(t, err)
}
