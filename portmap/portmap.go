// Package portmap asks the local internet gateway to forward a UDP port, so
// peers can reach a self-hosted session without hole punching.
package portmap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway2"
	"github.com/sharedflight/common/types"
)

const (
	protocolUDP = "UDP"

	DefaultLease = 2 * time.Hour
)

var (
	ErrNoGateway  = errors.New("no UPnP gateway found")
	ErrNotMapped  = errors.New("no port is mapped")
	ErrBadAddress = errors.New("gateway returned an invalid external address")
)

// Mapping is a forwarded port.
type Mapping struct {
	Internal netip.AddrPort
	External netip.AddrPort
}

type Mapper interface {
	Map(ctx context.Context, internal netip.AddrPort, description string) (Mapping, error)
	Unmap(ctx context.Context) error
}

// gateway is the part of a WAN connection service used here; the IP and PPP
// service clients of every version implement it.
type gateway interface {
	AddPortMappingCtx(
		ctx context.Context,
		NewRemoteHost string,
		NewExternalPort uint16,
		NewProtocol string,
		NewInternalPort uint16,
		NewInternalClient string,
		NewEnabled bool,
		NewPortMappingDescription string,
		NewLeaseDuration uint32,
	) error
	DeletePortMappingCtx(ctx context.Context, NewRemoteHost string, NewExternalPort uint16, NewProtocol string) error
	GetExternalIPAddressCtx(ctx context.Context) (string, error)
}

// UPnP maps one port at a time through the first gateway that answers discovery.
type UPnP struct {
	Lease time.Duration

	discover func(ctx context.Context) ([]gateway, error)

	mu      sync.Mutex
	gw      gateway
	current *Mapping
}

func NewUPnP() *UPnP {
	return &UPnP{
		Lease:    DefaultLease,
		discover: discoverGateways,
	}
}

func L() *slog.Logger {
	return slog.With("portmap", "upnp")
}

func discoverGateways(ctx context.Context) ([]gateway, error) {
	var found []gateway

	ip2, _, err := internetgateway2.NewWANIPConnection2ClientsCtx(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover WANIPConnection2: %w", err)
	}
	for _, c := range ip2 {
		found = append(found, c)
	}

	ip1, _, err := internetgateway2.NewWANIPConnection1ClientsCtx(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover WANIPConnection1: %w", err)
	}
	for _, c := range ip1 {
		found = append(found, c)
	}

	ppp, _, err := internetgateway2.NewWANPPPConnection1ClientsCtx(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover WANPPPConnection1: %w", err)
	}
	for _, c := range ppp {
		found = append(found, c)
	}

	return found, nil
}

// Map forwards the same external port to internal, replacing any earlier mapping.
func (u *UPnP) Map(ctx context.Context, internal netip.AddrPort, description string) (Mapping, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if !internal.Addr().Is4() && !internal.Addr().Is4In6() {
		return Mapping{}, fmt.Errorf("cannot map %s: UPnP forwarding is IPv4 only", internal)
	}
	internal = types.NormaliseAddrPort(internal)

	if u.gw == nil {
		gws, err := u.discover(ctx)
		if err != nil {
			return Mapping{}, err
		}
		if len(gws) == 0 {
			return Mapping{}, ErrNoGateway
		}
		u.gw = gws[0]
	}

	if u.current != nil {
		u.unmapLocked(ctx)
	}

	if err := u.gw.AddPortMappingCtx(ctx,
		"",
		internal.Port(),
		protocolUDP,
		internal.Port(),
		internal.Addr().String(),
		true,
		description,
		uint32(u.Lease/time.Second),
	); err != nil {
		return Mapping{}, fmt.Errorf("could not add port mapping for %s: %w", internal, err)
	}

	ext, err := u.gw.GetExternalIPAddressCtx(ctx)
	if err != nil {
		u.unmapPort(ctx, internal.Port())
		return Mapping{}, fmt.Errorf("could not get external address: %w", err)
	}

	extAddr, err := netip.ParseAddr(ext)
	if err != nil {
		u.unmapPort(ctx, internal.Port())
		return Mapping{}, fmt.Errorf("%w: %q", ErrBadAddress, ext)
	}

	m := Mapping{
		Internal: internal,
		External: netip.AddrPortFrom(types.NormaliseAddr(extAddr), internal.Port()),
	}
	u.current = &m

	L().Info("port mapped", "internal", m.Internal, "external", m.External)

	return m, nil
}

func (u *UPnP) Unmap(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.current == nil {
		return ErrNotMapped
	}

	return u.unmapLocked(ctx)
}

func (u *UPnP) unmapLocked(ctx context.Context) error {
	port := u.current.Internal.Port()
	u.current = nil

	return u.unmapPort(ctx, port)
}

func (u *UPnP) unmapPort(ctx context.Context, port uint16) error {
	if err := u.gw.DeletePortMappingCtx(ctx, "", port, protocolUDP); err != nil {
		L().Warn("could not remove port mapping", "port", port, "err", err)
		return fmt.Errorf("could not remove port mapping for %d: %w", port, err)
	}

	L().Info("port unmapped", "port", port)
	return nil
}
