// Package ident holds the identifiers that name clients and sessions.
package ident

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strconv"
	"unicode"

	"go4.org/mem"
)

// ClientID is assigned by the session host when a peer completes its name handshake.
//
// Zero is never assigned.
type ClientID uint32

const NoClient ClientID = 0

func (c ClientID) String() string {
	return "client#" + strconv.FormatUint(uint64(c), 10)
}

// SessionID is the short human-typeable code minted by the rendezvous.
type SessionID string

const (
	SessionIDLen    = 8
	MinSessionIDLen = 5

	sessionAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

var (
	ErrInvalidSessionID = errors.New("invalid session id")
	ErrInvalidName      = errors.New("invalid display name")
)

// NewSessionID returns a random code of n uppercase letters.
func NewSessionID(n int) SessionID {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}

	for i := range b {
		b[i] = sessionAlphabet[int(b[i])%len(sessionAlphabet)]
	}

	return SessionID(b)
}

// ParseSessionID accepts user or wire input, trims surrounding space and folds it to uppercase.
func ParseSessionID(s string) (SessionID, error) {
	return parseSessionID(mem.S(s))
}

func parseSessionID(m mem.RO) (SessionID, error) {
	m = mem.TrimSpace(m)

	if m.Len() < MinSessionIDLen || m.Len() > SessionIDLen {
		return "", fmt.Errorf("%w: length %d", ErrInvalidSessionID, m.Len())
	}

	out := make([]byte, m.Len())
	for i := 0; i < m.Len(); i++ {
		c := m.At(i)
		switch {
		case 'A' <= c && c <= 'Z':
			out[i] = c
		case 'a' <= c && c <= 'z':
			out[i] = c - 'a' + 'A'
		default:
			return "", fmt.Errorf("%w: unexpected character %q", ErrInvalidSessionID, c)
		}
	}

	return SessionID(out), nil
}

const MaxNameRunes = 32

// NormaliseName validates a display name and returns it without surrounding space.
func NormaliseName(name string) (string, error) {
	m := mem.TrimSpace(mem.S(name))

	if !mem.ValidUTF8(m) {
		return "", fmt.Errorf("%w: not utf-8", ErrInvalidName)
	}

	n := mem.RuneCount(m)
	if n == 0 || n > MaxNameRunes {
		return "", fmt.Errorf("%w: length %d", ErrInvalidName, n)
	}

	for rest := m; rest.Len() > 0; {
		r, size := mem.DecodeRune(rest)
		if unicode.IsControl(r) {
			return "", fmt.Errorf("%w: control character", ErrInvalidName)
		}
		rest = rest.SliceFrom(size)
	}

	return m.StringCopy(), nil
}

// SameName compares display names the way collisions are judged: case-insensitively.
func SameName(a, b string) bool {
	return mem.EqualFold(mem.S(a), mem.S(b))
}
