package client

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/sharedflight/common/handshake"
	"github.com/sharedflight/common/rendezvous"
	"github.com/sharedflight/common/server"
	"github.com/sharedflight/common/transport"
	"github.com/sharedflight/common/types/ident"
	"github.com/sharedflight/common/types/memconn"
	"github.com/sharedflight/common/types/msgwire"
	"github.com/sharedflight/common/types/surface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	assertEventuallyTick    = 1 * time.Millisecond
	assertEventuallyTimeout = 3 * time.Second

	testVersion = "1.4.0"
)

var (
	rendezvousAddr = netip.MustParseAddrPort("198.51.100.1:5555")
	hostAddr       = netip.MustParseAddrPort("203.0.113.20:25071")
	hosterAddr     = netip.MustParseAddrPort("198.51.100.50:7000")
	aliceAddr      = netip.MustParseAddrPort("203.0.113.10:40000")
	bobAddr        = netip.MustParseAddrPort("203.0.113.11:40000")

	testKey = msgwire.AnnounceKey{9, 9, 9}

	fastHandshake = handshake.Config{RetryInterval: 20 * time.Millisecond}
)

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

func startServer(t *testing.T, n *memconn.Network, cfg server.Config) *server.Server {
	conn, err := n.Listen(hostAddr)
	require.NoError(t, err)

	cfg.Conn = conn
	cfg.Session.Version = testVersion
	cfg.Session.AllowDirect = true

	s := server.New(cfg)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)

	return s
}

func startHoster(t *testing.T, n *memconn.Network) *server.Hoster {
	conn, err := n.Listen(hosterAddr)
	require.NoError(t, err)

	h := server.NewHoster(transport.New(context.Background(), conn, transport.Config{}), server.HosterConfig{
		Session:          server.Options{Version: testVersion},
		Rendezvous:       rendezvousAddr,
		AnnounceKey:      &testKey,
		AnnounceInterval: 20 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	return h
}

func newClient(t *testing.T, n *memconn.Network, addr netip.AddrPort, name string) *Client {
	conn, err := n.Listen(addr)
	require.NoError(t, err)

	c := New(Config{
		Name:       name,
		Version:    testVersion,
		Conn:       conn,
		Rendezvous: rendezvousAddr,
		Handshake:  fastHandshake,
	})
	t.Cleanup(func() { c.Disconnect("test over") })

	return c
}

// waitFor skips events until one of kind shows up.
func waitFor(t *testing.T, c *Client, kind EventKind) Event {
	t.Helper()

	var got Event
	require.Eventually(t, func() bool {
		for {
			ev, ok := c.NextEvent()
			if !ok {
				return false
			}
			if ev.Kind == kind {
				got = ev
				return true
			}
		}
	}, assertEventuallyTimeout, assertEventuallyTick, "waiting for %s", kind)

	return got
}

func drain(c *Client) {
	for {
		if _, ok := c.NextEvent(); !ok {
			return
		}
	}
}

func TestConnectValidation(t *testing.T) {
	n := memconn.NewNetwork()

	c := New(Config{Name: "Alice", Version: testVersion, Conn: n.MustListen(aliceAddr.String())})

	assert.ErrorIs(t, c.Connect(context.Background(), Target{Mode: ModeDirect}), ErrNoAddress)
	assert.ErrorIs(t, c.Connect(context.Background(), Target{Mode: ModePunchthrough, SessionID: "ABCDEFGH"}), ErrNoRendezvous)
	assert.ErrorIs(t, c.Connect(context.Background(), Target{Mode: ModeCloudHost}), ErrNoRendezvous)

	assert.ErrorIs(t, c.SendUpdate([]byte("x"), false), ErrNotConnected)

	unnamed := New(Config{Version: testVersion, Conn: n.MustListen(bobAddr.String())})
	assert.Error(t, unnamed.Connect(context.Background(), Target{Mode: ModeDirect, Addr: hostAddr}))
}

func TestDirectJoin(t *testing.T) {
	n := memconn.NewNetwork()
	s := startServer(t, n, server.Config{})
	alice := newClient(t, n, aliceAddr, "Alice")

	require.NoError(t, alice.Connect(context.Background(), Target{Mode: ModeDirect, Addr: hostAddr}))

	est := waitFor(t, alice, ConnectionEstablished)
	assert.Equal(t, ident.ClientID(1), est.ClientID)
	assert.Equal(t, hostAddr, est.Peer)

	host := waitFor(t, alice, HostChanged)
	assert.True(t, host.IsHost)

	control := waitFor(t, alice, ControlChanged)
	assert.True(t, control.Delegations.Complete())
	assert.ElementsMatch(t, surface.All(), control.Delegations.HeldBy(1))

	assert.Eventually(t, func() bool {
		snap := alice.Snapshot()
		return snap.Connected && snap.HostID == 1 && len(snap.Roster) == 1 && snap.Roster[0].IsHost
	}, assertEventuallyTimeout, assertEventuallyTick)

	alice.Disconnect("bye")

	assert.Eventually(t, func() bool {
		return len(s.Snapshot().Clients) == 0
	}, assertEventuallyTimeout, assertEventuallyTick)
	assert.False(t, alice.Snapshot().Connected)
}

func TestPunchthroughJoin(t *testing.T) {
	n := memconn.NewNetwork()
	startRendezvous(t, n, rendezvous.Config{})
	s := startServer(t, n, server.Config{
		Rendezvous:    rendezvousAddr,
		Registration:  fastHandshake,
		PunchInterval: 20 * time.Millisecond,
	})

	id := s.Snapshot().SessionID
	require.NotEmpty(t, id)

	alice := newClient(t, n, aliceAddr, "Alice")
	require.NoError(t, alice.Connect(context.Background(), Target{Mode: ModePunchthrough, SessionID: id}))

	est := waitFor(t, alice, ConnectionEstablished)
	assert.Equal(t, hostAddr, est.Peer)
	assert.Equal(t, id, est.SessionID)
}

func TestCloudHostJoin(t *testing.T) {
	n := memconn.NewNetwork()
	rv := startRendezvous(t, n, rendezvous.Config{AnnounceKey: &testKey})
	startHoster(t, n)

	require.Eventually(t, func() bool {
		return rv.Stats().Hosters == 1
	}, assertEventuallyTimeout, assertEventuallyTick)

	alice := newClient(t, n, aliceAddr, "Alice")
	require.NoError(t, alice.Connect(context.Background(), Target{Mode: ModeCloudHost}))

	assigned := waitFor(t, alice, SessionAssigned)
	require.Len(t, string(assigned.SessionID), ident.SessionIDLen)

	est := waitFor(t, alice, ConnectionEstablished)
	assert.Equal(t, hosterAddr, est.Peer)

	// a second client joins the relayed session by its code
	bob := newClient(t, n, bobAddr, "Bob")
	require.NoError(t, bob.Connect(context.Background(), Target{Mode: ModeDirect, Addr: hosterAddr, SessionID: assigned.SessionID}))
	waitFor(t, bob, ConnectionEstablished)

	joined := waitFor(t, alice, PeerJoined)
	assert.Equal(t, "Bob", joined.Name)
}

func TestSharedSession(t *testing.T) {
	n := memconn.NewNetwork()
	startServer(t, n, server.Config{})

	alice := newClient(t, n, aliceAddr, "Alice")
	require.NoError(t, alice.Connect(context.Background(), Target{Mode: ModeDirect, Addr: hostAddr}))
	waitFor(t, alice, ConnectionEstablished)

	bob := newClient(t, n, bobAddr, "Bob")
	require.NoError(t, bob.Connect(context.Background(), Target{Mode: ModeDirect, Addr: hostAddr}))
	est := waitFor(t, bob, ConnectionEstablished)
	require.Equal(t, ident.ClientID(2), est.ClientID)

	// existing members are announced before the welcome
	require.Eventually(t, func() bool {
		return len(bob.Snapshot().Roster) == 2
	}, assertEventuallyTimeout, assertEventuallyTick)

	snap := bob.Snapshot()
	assert.Equal(t, "Alice", snap.Roster[0].Name)
	assert.True(t, snap.Roster[0].IsHost)
	assert.Equal(t, ident.ClientID(1), snap.HostID)

	joined := waitFor(t, alice, PeerJoined)
	assert.Equal(t, ident.ClientID(2), joined.ClientID)

	t.Run("transfer", func(t *testing.T) {
		require.NoError(t, alice.TransferControl(surface.Flaps, 2))

		for _, c := range []*Client{alice, bob} {
			assert.Eventually(t, func() bool {
				owner, _ := c.Snapshot().Delegations.Owner(surface.Flaps)
				return owner == 2
			}, assertEventuallyTimeout, assertEventuallyTick)
		}

		// only the holder may hand a surface on
		require.NoError(t, bob.TransferControl(surface.Yoke, 2))
		time.Sleep(50 * time.Millisecond)
		owner, _ := bob.Snapshot().Delegations.Owner(surface.Yoke)
		assert.Equal(t, ident.ClientID(1), owner)
	})

	t.Run("observer", func(t *testing.T) {
		require.NoError(t, bob.SetObserver(2, true))

		ev := waitFor(t, alice, ObserverChanged)
		assert.Equal(t, ident.ClientID(2), ev.ClientID)
		assert.True(t, ev.IsObserver)

		assert.Eventually(t, func() bool {
			for _, p := range alice.Snapshot().Roster {
				if p.ID == 2 {
					return p.IsObserver
				}
			}
			return false
		}, assertEventuallyTimeout, assertEventuallyTick)
	})

	t.Run("updates", func(t *testing.T) {
		require.NoError(t, alice.SendUpdate([]byte("hdg=270"), true))

		ev := waitFor(t, bob, UpdateReceived)
		assert.Equal(t, ident.ClientID(1), ev.ClientID)
		assert.Equal(t, []byte("hdg=270"), ev.Data)
		assert.True(t, ev.Reliable)
		assert.GreaterOrEqual(t, ev.Time, 0.0)
	})

	t.Run("definition and sync", func(t *testing.T) {
		require.NoError(t, alice.SendDefinition([]byte("c172.acf")))
		def := waitFor(t, bob, DefinitionReceived)
		assert.Equal(t, []byte("c172.acf"), def.Data)

		require.NoError(t, bob.RequestSync())
		sync := waitFor(t, alice, SyncRequested)
		assert.Equal(t, ident.ClientID(2), sync.ClientID)
	})

	t.Run("host leaves", func(t *testing.T) {
		drain(bob)
		alice.Disconnect("done flying")

		left := waitFor(t, bob, PeerLeft)
		assert.Equal(t, ident.ClientID(1), left.ClientID)

		host := waitFor(t, bob, HostChanged)
		assert.Equal(t, ident.ClientID(2), host.ClientID)
		assert.True(t, host.IsHost)

		assert.Eventually(t, func() bool {
			d := bob.Snapshot().Delegations
			return d.Complete() && len(d.HeldBy(2)) == len(surface.All())
		}, assertEventuallyTimeout, assertEventuallyTick)
	})
}

func TestConnectFailed(t *testing.T) {
	n := memconn.NewNetwork()
	startRendezvous(t, n, rendezvous.Config{})

	alice := newClient(t, n, aliceAddr, "Alice")
	require.NoError(t, alice.Connect(context.Background(), Target{Mode: ModePunchthrough, SessionID: "ABCDEFGH"}))

	ev := waitFor(t, alice, ConnectFailed)
	assert.Contains(t, ev.Reason, handshake.FailureInvalidSession.String())

	select {
	case <-alice.Done():
	case <-time.After(assertEventuallyTimeout):
		t.Fatal("client loop still running after a failed connect")
	}

	// nobody listens at the host address
	bob := newClient(t, n, bobAddr, "Bob")
	bob.cfg.Handshake = handshake.Config{RetryBudget: 3, RetryInterval: 10 * time.Millisecond}
	require.NoError(t, bob.Connect(context.Background(), Target{Mode: ModeDirect, Addr: hostAddr}))

	ev = waitFor(t, bob, ConnectFailed)
	assert.Contains(t, ev.Reason, handshake.FailureExhausted.String())
}

func TestConnectionLostOnServerStop(t *testing.T) {
	n := memconn.NewNetwork()
	s := startServer(t, n, server.Config{})

	alice := newClient(t, n, aliceAddr, "Alice")
	require.NoError(t, alice.Connect(context.Background(), Target{Mode: ModeDirect, Addr: hostAddr}))
	waitFor(t, alice, ConnectionEstablished)

	s.Stop()

	lost := waitFor(t, alice, ConnectionLost)
	assert.NotEmpty(t, lost.Reason)

	<-alice.Done()
	assert.ErrorIs(t, alice.SendUpdate([]byte("x"), false), ErrNotConnected)
}

func TestVersionMismatch(t *testing.T) {
	n := memconn.NewNetwork()
	startServer(t, n, server.Config{})

	conn, err := n.Listen(aliceAddr)
	require.NoError(t, err)

	c := New(Config{Name: "Alice", Version: "0.9.0", Conn: conn, Handshake: fastHandshake})
	t.Cleanup(func() { c.Disconnect("") })

	require.NoError(t, c.Connect(context.Background(), Target{Mode: ModeDirect, Addr: hostAddr}))

	// the probe may be answered before the version is checked, so the refusal can come either way
	var ended Event
	require.Eventually(t, func() bool {
		for {
			ev, ok := c.NextEvent()
			if !ok {
				return false
			}
			if ev.Kind == ConnectFailed || ev.Kind == ConnectionLost {
				ended = ev
				return true
			}
		}
	}, assertEventuallyTimeout, assertEventuallyTick)

	assert.Contains(t, ended.Reason, testVersion)
}
