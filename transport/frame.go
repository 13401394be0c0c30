package transport

import (
	"errors"
	"fmt"

	"github.com/sharedflight/common/types/bin"
	"github.com/sharedflight/common/types/msgwire"
)

// Frame layout:
//   Codec (1) + Uncompressed size (4) + Body

const (
	frameHeaderLen = 1 + 4

	// MaxFrameSize bounds the decoded size of one message.
	MaxFrameSize = 1 << 20
)

var (
	ErrShortFrame    = errors.New("frame shorter than its header")
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// EncodeFrame serializes m and compresses it with codec, if that shrinks it.
func EncodeFrame(m msgwire.Message, codec Codec) ([]byte, error) {
	raw, err := msgwire.Marshal(m)
	if err != nil {
		return nil, err
	}

	if len(raw) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrFrameTooLarge, m.MsgType(), len(raw))
	}

	body, used, err := compress(raw, codec)
	if err != nil {
		return nil, fmt.Errorf("could not compress %s: %w", m.MsgType(), err)
	}

	b := make([]byte, 0, frameHeaderLen+len(body))
	b = append(b, byte(used))
	b = bin.AppendUint32(b, uint32(len(raw)))

	return append(b, body...), nil
}

// DecodeFrame reverses EncodeFrame.
func DecodeFrame(b []byte) (msgwire.Message, error) {
	r := bin.NewReader(b)

	codec := Codec(r.Uint8())
	size := r.Uint32()

	if r.Err() != nil {
		return nil, ErrShortFrame
	}

	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: header claims %d bytes", ErrFrameTooLarge, size)
	}

	raw, err := decompress(r.Rest(), codec, int(size))
	if err != nil {
		return nil, err
	}

	return msgwire.Parse(raw)
}
