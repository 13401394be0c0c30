package ident

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionID(t *testing.T) {
	for i := 0; i < 50; i++ {
		id := NewSessionID(SessionIDLen)
		assert.Len(t, string(id), SessionIDLen)

		parsed, err := ParseSessionID(string(id))
		require.NoError(t, err)
		assert.Equal(t, id, parsed)
	}
}

func TestParseSessionID(t *testing.T) {
	id, err := ParseSessionID("  abcDEfgh \n")
	require.NoError(t, err)
	assert.Equal(t, SessionID("ABCDEFGH"), id)

	id, err = ParseSessionID("QWERT")
	require.NoError(t, err)
	assert.Equal(t, SessionID("QWERT"), id)

	for _, bad := range []string{"", "ABCD", "ABCDEFGHI", "ABC1EFGH", "ÄBCDEFGH"} {
		_, err := ParseSessionID(bad)
		assert.True(t, errors.Is(err, ErrInvalidSessionID), "input %q", bad)
	}
}

func TestNormaliseName(t *testing.T) {
	name, err := NormaliseName("  Alice ")
	require.NoError(t, err)
	assert.Equal(t, "Alice", name)

	_, err = NormaliseName("   ")
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = NormaliseName("bad\x00name")
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = NormaliseName(string([]byte{0xff, 0xfe}))
	assert.ErrorIs(t, err, ErrInvalidName)

	assert.True(t, SameName("alice", "ALICE"))
	assert.False(t, SameName("alice", "bob"))
}
