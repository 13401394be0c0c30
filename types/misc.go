package types

// Contains miscellaneous functions and types

import (
	"context"
	"log/slog"
	"net/netip"
	"slices"

	"golang.org/x/exp/maps"
)

// SortedKeys returns the keys of m in ascending order.
func SortedKeys[K interface {
	comparable
	~uint8 | ~uint16 | ~uint32 | ~uint64 | ~int | ~string
}, V any](m map[K]V) []K {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}

// SortedAddrPorts returns the keys of m, ordered by address and then port.
func SortedAddrPorts[V any](m map[netip.AddrPort]V) []netip.AddrPort {
	keys := maps.Keys(m)
	slices.SortFunc(keys, func(a, b netip.AddrPort) int {
		return a.Compare(b)
	})
	return keys
}

// IsContextDone does a quick check on a context to see if its dead.
func IsContextDone(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

const LevelTrace slog.Level = -8

func NormaliseAddrPort(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(NormaliseAddr(ap.Addr()), ap.Port())
}

func NormaliseAddr(addr netip.Addr) netip.Addr {
	if addr.Is4In6() {
		addr = netip.AddrFrom4(addr.As4())
	}

	return addr
}

// SameFamily reports whether both addresses are IPv4, or both are IPv6, after normalisation.
func SameFamily(a, b netip.AddrPort) bool {
	return NormaliseAddr(a.Addr()).Is4() == NormaliseAddr(b.Addr()).Is4()
}

// DedupAddrPorts drops invalid and repeated entries, keeping the first occurrence.
func DedupAddrPorts(s []netip.AddrPort) []netip.AddrPort {
	seen := make(map[netip.AddrPort]struct{}, len(s))
	out := make([]netip.AddrPort, 0, len(s))

	for _, ap := range s {
		if !ap.IsValid() {
			continue
		}
		ap = NormaliseAddrPort(ap)
		if _, ok := seen[ap]; ok {
			continue
		}
		seen[ap] = struct{}{}
		out = append(out, ap)
	}

	return out
}
