// Package memconn is an in-process packet network, for tests and local loops.
//
// Every Conn on a Network behaves like an unconnected UDP socket: writes are
// fire-and-forget, reads honour deadlines, and datagrams to an address nobody
// listens on vanish.
package memconn

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/sharedflight/common/types"
)

const inboxSize = 1024

var ErrAddrInUse = errors.New("address already in use")

// DropFunc decides whether a datagram is lost in flight.
type DropFunc func(from, to netip.AddrPort, b []byte) bool

type link struct {
	from, to netip.AddrPort
}

type Network struct {
	mu sync.Mutex

	conns    map[netip.AddrPort]*Conn
	blocked  map[link]bool
	drop     DropFunc
	sent     map[netip.AddrPort]int
	nextPort uint16
}

func NewNetwork() *Network {
	return &Network{
		conns:    make(map[netip.AddrPort]*Conn),
		blocked:  make(map[link]bool),
		sent:     make(map[netip.AddrPort]int),
		nextPort: 40000,
	}
}

// Listen binds addr on the network. A zero port picks a free one.
func (n *Network) Listen(addr netip.AddrPort) (*Conn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	addr = types.NormaliseAddrPort(addr)

	if addr.Port() == 0 {
		for {
			n.nextPort++
			candidate := netip.AddrPortFrom(addr.Addr(), n.nextPort)
			if _, ok := n.conns[candidate]; !ok {
				addr = candidate
				break
			}
		}
	}

	if _, ok := n.conns[addr]; ok {
		return nil, fmt.Errorf("listen %s: %w", addr, ErrAddrInUse)
	}

	c := &Conn{
		net:    n,
		addr:   addr,
		inbox:  make(chan datagram, inboxSize),
		closed: make(chan struct{}),
	}
	n.conns[addr] = c

	return c, nil
}

// MustListen is Listen for tests and fixed setups.
func (n *Network) MustListen(addr string) *Conn {
	c, err := n.Listen(netip.MustParseAddrPort(addr))
	if err != nil {
		panic(err)
	}
	return c
}

// Block drops everything sent from one address to the other, in that direction only.
func (n *Network) Block(from, to netip.AddrPort) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.blocked[link{from, to}] = true
}

func (n *Network) Unblock(from, to netip.AddrPort) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.blocked, link{from, to})
}

// SetDrop installs a loss function; nil restores a lossless network.
func (n *Network) SetDrop(f DropFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.drop = f
}

// SentTo returns how many datagrams were written towards addr, delivered or not.
func (n *Network) SentTo(addr netip.AddrPort) int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.sent[addr]
}

func (n *Network) route(from, to netip.AddrPort, b []byte) {
	n.mu.Lock()
	n.sent[to]++
	dst, ok := n.conns[to]
	lost := n.blocked[link{from, to}] || (n.drop != nil && n.drop(from, to, b))
	n.mu.Unlock()

	if !ok || lost {
		return
	}

	dst.deliver(datagram{src: from, b: slices.Clone(b)})
}

func (n *Network) unbind(c *Conn) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conns[c.addr] == c {
		delete(n.conns, c.addr)
	}
}

type datagram struct {
	src netip.AddrPort
	b   []byte
}

// Conn implements types.UDPConn.
type Conn struct {
	net  *Network
	addr netip.AddrPort

	inbox chan datagram

	closeOnce sync.Once
	closed    chan struct{}

	mu       sync.Mutex
	deadline time.Time
}

func (c *Conn) deliver(d datagram) {
	select {
	case <-c.closed:
	case c.inbox <- d:
	default:
		// full socket buffer, the datagram is lost
	}
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.deadline = t
	return nil
}

func (c *Conn) ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error) {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return 0, netip.AddrPort{}, os.ErrDeadlineExceeded
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-c.closed:
		return 0, netip.AddrPort{}, net.ErrClosed
	case <-timeout:
		return 0, netip.AddrPort{}, os.ErrDeadlineExceeded
	case d := <-c.inbox:
		return copy(b, d.b), d.src, nil
	}
}

func (c *Conn) WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}

	c.net.route(c.addr, types.NormaliseAddrPort(addr), b)

	return len(b), nil
}

func (c *Conn) LocalAddrPort() netip.AddrPort {
	return c.addr
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.net.unbind(c)
	})
	return nil
}
