package bin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReader(t *testing.T) {
	b := []byte{0xAB}
	b = AppendUint16(b, 0x1234)
	b = AppendUint32(b, 0xDEADBEEF)
	b = append(b, "tail"...)

	r := NewReader(b)
	assert.Equal(t, uint8(0xAB), r.Uint8())
	assert.Equal(t, uint16(0x1234), r.Uint16())
	assert.Equal(t, uint32(0xDEADBEEF), r.Uint32())
	assert.Equal(t, 4, r.Len())
	assert.Equal(t, []byte("tail"), r.Rest())
	require.NoError(t, r.Err())
}

func TestReaderShortBufferSticks(t *testing.T) {
	r := NewReader([]byte{1, 2, 3})

	assert.Equal(t, uint16(0x0102), r.Uint16())
	assert.Zero(t, r.Uint32())
	assert.ErrorIs(t, r.Err(), ErrShortBuffer)

	// the remaining byte is not handed out after a failure
	assert.Zero(t, r.Uint8())
	assert.Nil(t, r.Rest())
}
