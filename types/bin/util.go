// Package bin has bounds-checked helpers for the fixed binary headers used on the wire.
package bin

import (
	"encoding/binary"
	"errors"
)

var ErrShortBuffer = errors.New("buffer too short")

// AppendUint16 appends an uint16 in big-endian order
func AppendUint16(b []byte, v uint16) []byte {
	return binary.BigEndian.AppendUint16(b, v)
}

// AppendUint32 appends an uint32 in big-endian order
func AppendUint32(b []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(b, v)
}

// AppendUint64 appends an uint64 in big-endian order
func AppendUint64(b []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(b, v)
}

// Reader consumes a byte slice front to back.
//
// Every read is bounds-checked; the first failure sticks, so callers can
// read a whole header and check Err once.
type Reader struct {
	b   []byte
	err error
}

func NewReader(b []byte) *Reader {
	return &Reader{b: b}
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.b) < n {
		r.err = ErrShortBuffer
		return nil
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out
}

func (r *Reader) Uint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) Uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *Reader) Uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

// Rest returns the remaining bytes without copying.
func (r *Reader) Rest() []byte {
	if r.err != nil {
		return nil
	}
	out := r.b
	r.b = nil
	return out
}

func (r *Reader) Len() int {
	return len(r.b)
}

func (r *Reader) Err() error {
	return r.err
}
