package types

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSortedKeys(t *testing.T) {
	assert.Equal(t, []uint16{1, 2, 7}, SortedKeys(map[uint16]string{7: "c", 1: "a", 2: "b"}))

	a := netip.MustParseAddrPort("10.0.0.1:9")
	b := netip.MustParseAddrPort("10.0.0.1:10")
	c := netip.MustParseAddrPort("10.0.0.2:1")
	assert.Equal(t, []netip.AddrPort{a, b, c}, SortedAddrPorts(map[netip.AddrPort]int{c: 0, b: 0, a: 0}))
}

func TestNormalise(t *testing.T) {
	mapped := netip.MustParseAddrPort("[::ffff:192.0.2.1]:80")
	assert.Equal(t, netip.MustParseAddrPort("192.0.2.1:80"), NormaliseAddrPort(mapped))

	assert.True(t, SameFamily(mapped, netip.MustParseAddrPort("198.51.100.1:1")))
	assert.False(t, SameFamily(mapped, netip.MustParseAddrPort("[2001:db8::1]:1")))
}

func TestDedupAddrPorts(t *testing.T) {
	a := netip.MustParseAddrPort("192.0.2.1:80")
	b := netip.MustParseAddrPort("192.0.2.2:80")

	got := DedupAddrPorts([]netip.AddrPort{
		a,
		{},
		netip.MustParseAddrPort("[::ffff:192.0.2.1]:80"),
		b,
		a,
	})
	assert.Equal(t, []netip.AddrPort{a, b}, got)
}
