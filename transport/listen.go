package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/sharedflight/common/types"
)

var (
	ErrMismatchingIPVersion = errors.New("no address of the requested ip version")
	ErrNoLocalAddr          = errors.New("could not determine local address")
)

type BindConfig struct {
	Port uint16

	// IPv6 binds [::] and accepts IPv4 on the same socket where the platform allows it.
	IPv6 bool
}

// Listen binds a UDP socket for a Transport.
func Listen(ctx context.Context, cfg BindConfig) (types.UDPConn, error) {
	lc := net.ListenConfig{}

	network := "udp4"
	addr := netip.AddrPortFrom(netip.IPv4Unspecified(), cfg.Port)

	if cfg.IPv6 {
		network = "udp6"
		addr = netip.AddrPortFrom(netip.IPv6Unspecified(), cfg.Port)
		lc.Control = dualStackControl
	}

	pc, err := lc.ListenPacket(ctx, network, addr.String())
	if err != nil {
		return nil, fmt.Errorf("could not bind %s: %w", addr, err)
	}

	udp, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, fmt.Errorf("could not bind %s: unexpected socket type %T", addr, pc)
	}

	return types.WrapUDPConn(udp), nil
}

var (
	probeV4 = netip.MustParseAddrPort("1.1.1.1:80")
	probeV6 = netip.MustParseAddrPort("[2606:4700:4700::1111]:80")
)

// DetectLocalAddr finds the address this host uses towards the internet.
//
// No packets are sent; connecting a UDP socket only selects a route.
func DetectLocalAddr(ipv6 bool) (netip.Addr, error) {
	probe := probeV4
	if ipv6 {
		probe = probeV6
	}

	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(probe))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %w", ErrNoLocalAddr, err)
	}
	defer conn.Close()

	ua, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return netip.Addr{}, ErrNoLocalAddr
	}

	return types.NormaliseAddr(ua.AddrPort().Addr()), nil
}

// Resolver is satisfied by *net.Resolver.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// ResolveRendezvous looks up host, and returns the first address of the wanted ip version.
func ResolveRendezvous(ctx context.Context, r Resolver, host string, port uint16, ipv6 bool) (netip.AddrPort, error) {
	if r == nil {
		r = net.DefaultResolver
	}

	addrs, err := r.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("could not resolve %s: %w", host, err)
	}

	for _, addr := range addrs {
		addr = types.NormaliseAddr(addr)
		if addr.Is6() == ipv6 {
			return netip.AddrPortFrom(addr, port), nil
		}
	}

	return netip.AddrPort{}, fmt.Errorf("%w: %s", ErrMismatchingIPVersion, host)
}
