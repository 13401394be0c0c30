package msgwire

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/sharedflight/common/types/bin"
	"golang.org/x/crypto/nacl/secretbox"
)

const nonceLen = 24

var (
	ErrBadSeal     = errors.New("announce seal does not verify")
	ErrStaleSeal   = errors.New("announce timestamp out of range")
	ErrBadKey      = errors.New("invalid announce key")
	announceDomain = []byte("hoster-announce/v1")
)

// AnnounceKey is the pre-shared key between a rendezvous and its hosters.
type AnnounceKey [32]byte

// NewAnnounceKey generates a random key.
func NewAnnounceKey() AnnounceKey {
	var k AnnounceKey
	if _, err := rand.Read(k[:]); err != nil {
		panic(err)
	}
	return k
}

// ParseAnnounceKey reads a key in the hex form String writes.
func ParseAnnounceKey(s string) (*AnnounceKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadKey, err)
	}

	var k AnnounceKey
	if len(b) != len(k) {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrBadKey, len(k), len(b))
	}
	copy(k[:], b)

	return &k, nil
}

func (k AnnounceKey) String() string {
	return hex.EncodeToString(k[:])
}

// AnnounceDigest returns the bytes a HosterAnnounce seal covers.
func AnnounceDigest(m *HosterAnnounce) []byte {
	b := make([]byte, 0, len(announceDomain)+16+2+2+8)
	b = append(b, announceDomain...)
	b = append(b, m.HosterID[:]...)
	b = bin.AppendUint16(b, m.Capacity)
	b = bin.AppendUint16(b, m.Load)
	return bin.AppendUint64(b, uint64(m.Timestamp))
}

// SealAnnounce sets the timestamp and seal on m.
func SealAnnounce(m *HosterAnnounce, key *AnnounceKey, now time.Time) {
	m.Timestamp = now.Unix()

	var nonce [nonceLen]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		panic(err)
	}

	k := [32]byte(*key)
	m.Seal = secretbox.Seal(nonce[:], AnnounceDigest(m), &nonce, &k)
}

// VerifyAnnounce checks the seal on m, and that it was made within maxSkew of now.
func VerifyAnnounce(m *HosterAnnounce, key *AnnounceKey, now time.Time, maxSkew time.Duration) error {
	if len(m.Seal) < nonceLen+secretbox.Overhead {
		return ErrBadSeal
	}

	nonce := [nonceLen]byte(m.Seal[:nonceLen])
	k := [32]byte(*key)

	opened, ok := secretbox.Open(nil, m.Seal[nonceLen:], &nonce, &k)
	if !ok || !bytes.Equal(opened, AnnounceDigest(m)) {
		return ErrBadSeal
	}

	skew := now.Sub(time.Unix(m.Timestamp, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSkew {
		return ErrStaleSeal
	}

	return nil
}
