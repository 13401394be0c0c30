package types

import (
	"net"
	"net/netip"
	"time"
)

// UDPConn is the packet socket the datagram layer reads from and writes to.
type UDPConn interface {
	SetReadDeadline(t time.Time) error

	ReadFromUDPAddrPort(b []byte) (n int, addr netip.AddrPort, err error)

	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)

	LocalAddrPort() netip.AddrPort

	Close() error
}

// WrapUDPConn adapts a *net.UDPConn to UDPConn.
func WrapUDPConn(c *net.UDPConn) UDPConn {
	return &netUDPConn{c}
}

type netUDPConn struct {
	*net.UDPConn
}

func (c *netUDPConn) LocalAddrPort() netip.AddrPort {
	if ua, ok := c.UDPConn.LocalAddr().(*net.UDPAddr); ok {
		return NormaliseAddrPort(ua.AddrPort())
	}
	return netip.AddrPort{}
}

type UDPConnCloseCatcher struct {
	UDPConn

	Closed bool
}

func (c *UDPConnCloseCatcher) Close() error {
	c.Closed = true

	return c.UDPConn.Close()
}
