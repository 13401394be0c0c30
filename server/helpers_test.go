package server

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/sharedflight/common/rendezvous"
	"github.com/sharedflight/common/transport"
	"github.com/sharedflight/common/types/memconn"
	"github.com/sharedflight/common/types/msgwire"
	"github.com/stretchr/testify/require"
)

const (
	assertEventuallyTick    = 1 * time.Millisecond
	assertEventuallyTimeout = 3 * time.Second
)

var (
	rendezvousAddr = netip.MustParseAddrPort("198.51.100.1:5555")
	hostAddr       = netip.MustParseAddrPort("203.0.113.20:25071")
	hosterAddr     = netip.MustParseAddrPort("198.51.100.50:7000")
	clientAddr     = netip.MustParseAddrPort("203.0.113.10:40000")
	otherAddr      = netip.MustParseAddrPort("203.0.113.11:40000")

	testKey = msgwire.AnnounceKey{7, 7, 7}
)

// peer is a scripted participant that keeps every message it received until a test consumes it.
type peer struct {
	tr    *transport.Transport
	inbox []transport.Inbound
}

func newPeer(t *testing.T, n *memconn.Network, addr netip.AddrPort) *peer {
	conn, err := n.Listen(addr)
	require.NoError(t, err)

	tr := transport.New(context.Background(), conn, transport.Config{})
	t.Cleanup(func() { _ = tr.Close() })

	return &peer{tr: tr}
}

func (p *peer) send(t *testing.T, to netip.AddrPort, m msgwire.Message) {
	require.NoError(t, p.tr.Send(to, m))
}

func (p *peer) pump() {
	p.tr.Poll()
	for {
		in, ok := p.tr.Next()
		if !ok {
			return
		}
		if in.Kind == transport.Payload {
			p.inbox = append(p.inbox, in)
		}
	}
}

func take[M msgwire.Message](p *peer) (M, netip.AddrPort, bool) {
	for i, in := range p.inbox {
		if m, ok := in.Msg.(M); ok {
			p.inbox = append(p.inbox[:i], p.inbox[i+1:]...)
			return m, in.Addr, true
		}
	}

	var zero M
	return zero, netip.AddrPort{}, false
}

func expect[M msgwire.Message](t *testing.T, p *peer) (M, netip.AddrPort) {
	t.Helper()

	var (
		got  M
		from netip.AddrPort
	)
	require.Eventually(t, func() bool {
		p.pump()

		var ok bool
		got, from, ok = take[M](p)
		return ok
	}, assertEventuallyTimeout, assertEventuallyTick)

	return got, from
}

// quiet pumps p for a while and reports whether a message of type M showed up.
func quiet[M msgwire.Message](p *peer, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		p.pump()
		if _, _, ok := take[M](p); ok {
			return false
		}
		time.Sleep(assertEventuallyTick)
	}
	return true
}

func startRendezvous(t *testing.T, n *memconn.Network, cfg rendezvous.Config) *rendezvous.Server {
	conn, err := n.Listen(rendezvousAddr)
	require.NoError(t, err)

	srv := rendezvous.NewServer(transport.New(context.Background(), conn, transport.Config{}), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	return srv
}

func nextEvent(t *testing.T, s *Server, kind EventKind) Event {
	t.Helper()

	var got Event
	require.Eventually(t, func() bool {
		for {
			ev, ok := s.NextEvent()
			if !ok {
				return false
			}
			if ev.Kind == kind {
				got = ev
				return true
			}
		}
	}, assertEventuallyTimeout, assertEventuallyTick)

	return got
}
