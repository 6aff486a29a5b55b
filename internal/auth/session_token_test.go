package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionTokensRoundTrip(t *testing.T) {
	tokens := NewSessionTokens("secret", time.Hour)

	signed, err := tokens.Generate("session-1")
	require.NoError(t, err)

	key, err := tokens.Validate(signed)
	require.NoError(t, err)
	assert.Equal(t, "session-1", key)
}

func TestSessionTokensRejectsOtherSecret(t *testing.T) {
	signed, err := NewSessionTokens("secret", time.Hour).Generate("session-1")
	require.NoError(t, err)

	_, err = NewSessionTokens("other", time.Hour).Validate(signed)
	assert.Error(t, err)
}

func TestSessionTokensRejectsExpired(t *testing.T) {
	tokens := NewSessionTokens("secret", -time.Minute)
	signed, err := tokens.Generate("session-1")
	require.NoError(t, err)

	_, err = tokens.Validate(signed)
	assert.Error(t, err)
}

func TestSessionTokensRejectsGarbage(t *testing.T) {
	_, err := NewSessionTokens("secret", time.Hour).Validate("not-a-token")
	assert.Error(t, err)
}
