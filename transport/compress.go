package transport

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/sharedflight/common/types/msgwire"
)

// Codec identifies how a frame body is compressed. The values are carried in
// every frame header, and must not change.
type Codec uint8

const (
	CodecNone Codec = 0
	CodecLZ4  Codec = 1
	CodecZstd Codec = 2
)

var (
	ErrUnknownCodec = errors.New("unknown frame codec")
	ErrBodySize     = errors.New("frame body does not match its declared size")
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// Policy picks the codec for a message.
type Policy func(m msgwire.Message) Codec

// DefaultPolicy compresses aircraft definitions hard, roster and delegation
// broadcasts cheaply, and leaves everything else alone.
func DefaultPolicy(m msgwire.Message) Codec {
	switch m.(type) {
	case *msgwire.AircraftDefinition:
		return CodecZstd
	case *msgwire.ClientAdded, *msgwire.ControlDelegations:
		return CodecLZ4
	default:
		return CodecNone
	}
}

// NoCompression sends every frame as-is.
func NoCompression(msgwire.Message) Codec {
	return CodecNone
}

// bodyCodec packs and unpacks frame bodies for one Codec.
type bodyCodec interface {
	// pack returns the packed body, or false if packing does not make raw smaller.
	pack(raw []byte) ([]byte, bool, error)
	// unpack restores exactly size bytes.
	unpack(body []byte, size int) ([]byte, error)
}

var bodyCodecs = map[Codec]bodyCodec{
	CodecLZ4:  lz4Blocks{},
	CodecZstd: newZstdFrames(),
}

// lz4Blocks packs a body as one raw LZ4 block; the frame header carries its size.
type lz4Blocks struct{}

func (lz4Blocks) pack(raw []byte) ([]byte, bool, error) {
	out := make([]byte, lz4.CompressBlockBound(len(raw)))

	n, err := lz4.CompressBlock(raw, out, nil)
	if err != nil {
		return nil, false, err
	}

	// zero means lz4 found nothing to gain
	if n == 0 || n >= len(raw) {
		return nil, false, nil
	}
	return out[:n], true, nil
}

func (lz4Blocks) unpack(body []byte, size int) ([]byte, error) {
	out := make([]byte, size)

	n, err := lz4.UncompressBlock(body, out)
	if err != nil {
		return nil, err
	}
	if n != size {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrBodySize, n, size)
	}
	return out, nil
}

// zstdFrames shares one encoder and one decoder between all transports; both are safe for concurrent use.
type zstdFrames struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdFrames() zstdFrames {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if err != nil {
		panic(fmt.Sprintf("transport: zstd encoder: %v", err))
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxFrameSize))
	if err != nil {
		panic(fmt.Sprintf("transport: zstd decoder: %v", err))
	}

	return zstdFrames{enc: enc, dec: dec}
}

func (z zstdFrames) pack(raw []byte) ([]byte, bool, error) {
	out := z.enc.EncodeAll(raw, nil)
	if len(out) >= len(raw) {
		return nil, false, nil
	}
	return out, true, nil
}

func (z zstdFrames) unpack(body []byte, size int) ([]byte, error) {
	out, err := z.dec.DecodeAll(body, make([]byte, 0, size))
	if err != nil {
		return nil, err
	}
	if len(out) != size {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrBodySize, len(out), size)
	}
	return out, nil
}

// compress returns the body to send and the codec that actually applies to it.
func compress(raw []byte, codec Codec) ([]byte, Codec, error) {
	if codec == CodecNone {
		return raw, CodecNone, nil
	}

	bc, ok := bodyCodecs[codec]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnknownCodec, codec)
	}

	body, smaller, err := bc.pack(raw)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", codec, err)
	}
	if !smaller {
		return raw, CodecNone, nil
	}

	return body, codec, nil
}

func decompress(body []byte, codec Codec, size int) ([]byte, error) {
	if codec == CodecNone {
		if len(body) != size {
			return nil, fmt.Errorf("%w: got %d, want %d", ErrBodySize, len(body), size)
		}
		return body, nil
	}

	bc, ok := bodyCodecs[codec]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCodec, codec)
	}

	raw, err := bc.unpack(body, size)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", codec, err)
	}
	return raw, nil
}
