package utils

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomCodeAlphabet(t *testing.T) {
	code := RandomCode(10)
	require.Len(t, code, 10)
	for _, r := range code {
		assert.True(t, strings.ContainsRune(codeAlphabet, r), "unexpected rune %q", r)
	}
}

func TestRandomIntBounds(t *testing.T) {
	for i := 0; i < 200; i++ {
		n := RandomInt(3, 7)
		assert.GreaterOrEqual(t, n, 3)
		assert.Less(t, n, 7)
	}
	assert.Equal(t, 5, RandomInt(5, 5))
}

func TestRandomParticipantID(t *testing.T) {
	id, err := strconv.Atoi(RandomParticipantID(10))
	require.NoError(t, err)
	assert.Less(t, id, 10)
}

func TestPick(t *testing.T) {
	assert.Equal(t, "", Pick(nil))
	assert.Equal(t, "a", Pick([]string{"a"}))
}
