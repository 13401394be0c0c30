package rudp

import (
	"errors"
	"fmt"

	"github.com/sharedflight/common/types/bin"
)

// Datagram layout:
//   ProtocolID (4) + Kind (1) + kind specific header + payload
//
// Sequenced:  Stream (1) + Seq (2)
// Reliable:   RelSeq (4) + Guarantee (1) + Stream (1) + Order (4) + MsgID (4) + FragIndex (1) + FragCount (1)
// Ack:        RelSeq (4) * n
// Unreliable and Heartbeat carry no extra header.

const (
	// FragmentSize is the largest payload chunk carried by one datagram.
	FragmentSize = 1150
	// MaxFragments bounds how many datagrams a reliable payload may be split into.
	MaxFragments = 255
	// ReceiveBufferSize is the read buffer of the socket.
	ReceiveBufferSize = 1 << 16

	DefaultProtocolID uint32 = 0x53464c31

	baseHeaderLen     = 4 + 1
	sequencedLen      = 1 + 2
	reliableHeaderLen = 4 + 1 + 1 + 4 + 4 + 1 + 1

	maxAcksPerDatagram = FragmentSize / 4
)

var (
	ErrTooManyFragments = errors.New("payload needs too many fragments")
	ErrPayloadTooLarge  = errors.New("payload too large for an unreliable datagram")
	ErrUnknownGuarantee = errors.New("unknown delivery guarantee")

	errProtocolMismatch = errors.New("protocol id mismatch")
	errMalformed        = errors.New("malformed datagram")
)

type kind uint8

const (
	kindUnreliable kind = iota + 1
	kindSequenced
	kindReliable
	kindAck
	kindHeartbeat
)

func (k kind) String() string {
	switch k {
	case kindUnreliable:
		return "unreliable"
	case kindSequenced:
		return "sequenced"
	case kindReliable:
		return "reliable"
	case kindAck:
		return "ack"
	case kindHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

type header struct {
	kind kind

	stream uint8
	seq    uint16

	relSeq    uint32
	guarantee Guarantee
	order     uint32
	msgID     uint32
	fragIndex uint8
	fragCount uint8
}

func appendHeader(b []byte, protocolID uint32, h *header) []byte {
	b = bin.AppendUint32(b, protocolID)
	b = append(b, byte(h.kind))

	switch h.kind {
	case kindSequenced:
		b = append(b, h.stream)
		b = bin.AppendUint16(b, h.seq)
	case kindReliable:
		b = bin.AppendUint32(b, h.relSeq)
		b = append(b, byte(h.guarantee), h.stream)
		b = bin.AppendUint32(b, h.order)
		b = bin.AppendUint32(b, h.msgID)
		b = append(b, h.fragIndex, h.fragCount)
	}

	return b
}

func parseDatagram(b []byte, protocolID uint32) (header, []byte, error) {
	var h header

	r := bin.NewReader(b)

	if proto := r.Uint32(); r.Err() == nil && proto != protocolID {
		return h, nil, errProtocolMismatch
	}
	h.kind = kind(r.Uint8())

	switch h.kind {
	case kindUnreliable, kindHeartbeat, kindAck:
	case kindSequenced:
		h.stream = r.Uint8()
		h.seq = r.Uint16()
	case kindReliable:
		h.relSeq = r.Uint32()
		h.guarantee = Guarantee(r.Uint8())
		h.stream = r.Uint8()
		h.order = r.Uint32()
		h.msgID = r.Uint32()
		h.fragIndex = r.Uint8()
		h.fragCount = r.Uint8()
	default:
		if r.Err() == nil {
			return h, nil, fmt.Errorf("%w: %s", errMalformed, h.kind)
		}
	}

	if err := r.Err(); err != nil {
		return h, nil, fmt.Errorf("%w: %w", errMalformed, err)
	}

	if h.kind == kindReliable {
		if !h.guarantee.Reliable() || h.fragCount == 0 || h.fragIndex >= h.fragCount {
			return h, nil, fmt.Errorf("%w: bad reliable header", errMalformed)
		}
	}

	payload := r.Rest()
	if h.kind == kindAck && len(payload)%4 != 0 {
		return h, nil, fmt.Errorf("%w: ragged ack list", errMalformed)
	}

	return h, payload, nil
}

// seqNewer reports whether a comes after b, allowing for wraparound.
func seqNewer(a, b uint16) bool {
	return int16(a-b) > 0
}

// orderAfter is seqNewer for 32-bit counters.
func orderAfter(a, b uint32) bool {
	return int32(a-b) > 0
}
