package handshake

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/sharedflight/common/transport"
	"github.com/sharedflight/common/types/ident"
	"github.com/sharedflight/common/types/memconn"
	"github.com/sharedflight/common/types/msgwire"
	"github.com/sharedflight/common/types/rudp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	assertEventuallyTick    = 1 * time.Millisecond
	assertEventuallyTimeout = 2 * time.Second

	session = ident.SessionID("ABCDEFGH")
	version = "1.4.0"
)

var (
	rendezvousAddr = netip.MustParseAddrPort("198.51.100.1:5555")
	clientAddr     = netip.MustParseAddrPort("203.0.113.10:40000")
	hostAddr       = netip.MustParseAddrPort("203.0.113.20:25071")
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type env struct {
	net   *memconn.Network
	clock *fakeClock

	client *transport.Transport
}

func newEnv(t *testing.T) *env {
	e := &env{
		net:   memconn.NewNetwork(),
		clock: &fakeClock{t: time.Unix(1_700_000_000, 0)},
	}
	e.client = e.transport(t, clientAddr)
	return e
}

func (e *env) transport(t *testing.T, addr netip.AddrPort) *transport.Transport {
	conn, err := e.net.Listen(addr)
	require.NoError(t, err)

	tr := transport.New(context.Background(), conn, transport.Config{
		Socket: rudp.Config{Now: e.clock.Now, IdleTimeout: time.Hour},
	})
	t.Cleanup(func() { _ = tr.Close() })

	return tr
}

func (e *env) config() Config {
	return Config{
		Rendezvous: rendezvousAddr,
		Version:    version,
		SessionID:  session,
	}
}

// expect polls peer until a message of the given type arrives.
func expect[M msgwire.Message](t *testing.T, peer *transport.Transport) (M, netip.AddrPort) {
	t.Helper()

	var (
		got  M
		from netip.AddrPort
	)
	require.Eventually(t, func() bool {
		peer.Poll()
		for {
			in, ok := peer.Next()
			if !ok {
				return false
			}
			if m, ok := in.Msg.(M); ok {
				got, from = m, in.Addr
				return true
			}
		}
	}, assertEventuallyTimeout, assertEventuallyTick)

	return got, from
}

// advanceUntil advances s until it leaves kind, or concludes.
func advanceUntil(t *testing.T, s State, kind Kind) Transition {
	t.Helper()

	var last Transition
	require.Eventually(t, func() bool {
		last = Advance(s)
		if last.Outcome != InProgress {
			return true
		}
		s = last.Next
		return s.Kind() != kind
	}, assertEventuallyTimeout, assertEventuallyTick)

	return last
}

func TestPunchthroughExhausts(t *testing.T) {
	e := newEnv(t)

	// nothing listens on the rendezvous address
	s := NewPunchthrough(e.client, e.config())

	var last Transition
	for i := 0; i < 20; i++ {
		last = Advance(s)
		if last.Outcome != InProgress {
			break
		}
		s = last.Next
		e.clock.Advance(2 * time.Second)
	}

	assert.Equal(t, Failed, last.Outcome)
	assert.Equal(t, FailureExhausted, last.Failure)
	assert.Same(t, e.client, last.Transport)
	assert.Equal(t, 5, e.net.SentTo(rendezvousAddr))
}

func TestDirectExhaustsAfterBudget(t *testing.T) {
	e := newEnv(t)

	unreachable := []netip.AddrPort{
		netip.MustParseAddrPort("203.0.113.30:1000"),
		netip.MustParseAddrPort("203.0.113.31:1000"),
	}
	s := NewDirect(e.client, e.config(), unreachable)

	rounds := 0
	var last Transition
	for i := 0; i < 20; i++ {
		last = Advance(s)
		if last.Outcome != InProgress {
			break
		}
		s = last.Next
		rounds = s.Attempts()
		e.clock.Advance(2 * time.Second)
	}

	assert.Equal(t, Failed, last.Outcome)
	assert.Equal(t, FailureExhausted, last.Failure)
	assert.Equal(t, 5, rounds)

	// a Handshake and a Hello per round
	for _, addr := range unreachable {
		assert.Equal(t, 10, e.net.SentTo(addr))
	}
}

func TestNoRoundBeforeInterval(t *testing.T) {
	e := newEnv(t)
	s := NewPunchthrough(e.client, e.config())

	for i := 0; i < 10; i++ {
		tr := Advance(s)
		require.Equal(t, InProgress, tr.Outcome)
		s = tr.Next
	}

	assert.Equal(t, 1, e.net.SentTo(rendezvousAddr))
	assert.Equal(t, 1, s.Attempts())
}

func TestPunchthroughToDirect(t *testing.T) {
	e := newEnv(t)
	rdv := e.transport(t, rendezvousAddr)
	host := e.transport(t, hostAddr)

	s := NewPunchthrough(e.client, e.config())
	s = Advance(s).Next

	hello, from := expect[*msgwire.Hello](t, rdv)
	assert.Equal(t, session, hello.SessionID)
	assert.Equal(t, version, hello.Version)
	assert.Equal(t, clientAddr, from)

	// strangers cannot steer the handshake
	stranger := e.transport(t, netip.MustParseAddrPort("192.0.2.66:1"))
	require.NoError(t, stranger.Send(clientAddr, &msgwire.AttemptConnection{Candidates: []netip.AddrPort{stranger.LocalAddr()}}))

	require.NoError(t, rdv.Send(clientAddr, &msgwire.AttemptConnection{Candidates: []netip.AddrPort{hostAddr}}))

	tr := advanceUntil(t, s, KindPunchthrough)
	require.Equal(t, InProgress, tr.Outcome)
	require.Equal(t, KindDirect, tr.Next.Kind())
	assert.Equal(t, []netip.AddrPort{hostAddr}, tr.Next.candidates)

	s = Advance(tr.Next).Next

	hs, _ := expect[*msgwire.Handshake](t, host)
	assert.Equal(t, session, hs.SessionID)

	require.NoError(t, host.Send(clientAddr, &msgwire.Handshake{SessionID: session}))

	tr = advanceUntil(t, s, KindDirect)
	assert.Equal(t, Succeeded, tr.Outcome)
	assert.Equal(t, hostAddr, tr.Peer)
	assert.Equal(t, session, tr.SessionID)
	assert.Same(t, e.client, tr.Transport)
}

func TestDirectHelloEcho(t *testing.T) {
	e := newEnv(t)
	host := e.transport(t, hostAddr)

	s := Advance(NewDirect(e.client, e.config(), []netip.AddrPort{hostAddr, hostAddr})).Next

	hello, _ := expect[*msgwire.Hello](t, host)
	assert.Equal(t, version, hello.Version)

	// a reply for another session does not count
	require.NoError(t, host.Send(clientAddr, &msgwire.Hello{SessionID: "ZZZZZZZZ", Version: version}))
	require.NoError(t, host.Send(clientAddr, hello))

	tr := advanceUntil(t, s, KindDirect)
	assert.Equal(t, Succeeded, tr.Outcome)
	assert.Equal(t, hostAddr, tr.Peer)

	// duplicate candidates are sent to once per round
	assert.Equal(t, 2, e.net.SentTo(hostAddr))
}

func TestDirectRejections(t *testing.T) {
	cases := []struct {
		reply   msgwire.Message
		failure Failure
		reason  string
	}{
		{&msgwire.InvalidVersion{ServerVersion: "2.0.0"}, FailureInvalidVersion, "2.0.0"},
		{&msgwire.InvalidSession{}, FailureInvalidSession, ""},
	}

	for _, c := range cases {
		t.Run(c.failure.String(), func(t *testing.T) {
			e := newEnv(t)
			host := e.transport(t, hostAddr)

			s := Advance(NewDirect(e.client, e.config(), []netip.AddrPort{hostAddr})).Next
			expect[*msgwire.Hello](t, host)

			require.NoError(t, host.Send(clientAddr, c.reply))

			tr := advanceUntil(t, s, KindDirect)
			assert.Equal(t, Failed, tr.Outcome)
			assert.Equal(t, c.failure, tr.Failure)
			assert.Equal(t, c.reason, tr.Reason)
			assert.Same(t, e.client, tr.Transport)
		})
	}
}

func TestPunchthroughRejections(t *testing.T) {
	cases := []struct {
		reply   msgwire.Message
		failure Failure
	}{
		{&msgwire.InvalidSession{}, FailureInvalidSession},
		{&msgwire.ConnectionDenied{Reason: "version mismatch"}, FailureDenied},
	}

	for _, c := range cases {
		t.Run(c.failure.String(), func(t *testing.T) {
			e := newEnv(t)
			rdv := e.transport(t, rendezvousAddr)

			s := Advance(NewPunchthrough(e.client, e.config())).Next
			expect[*msgwire.Hello](t, rdv)

			require.NoError(t, rdv.Send(clientAddr, c.reply))

			tr := advanceUntil(t, s, KindPunchthrough)
			assert.Equal(t, Failed, tr.Outcome)
			assert.Equal(t, c.failure, tr.Failure)
		})
	}
}

func TestSessionHostSelfHosted(t *testing.T) {
	e := newEnv(t)
	rdv := e.transport(t, rendezvousAddr)

	cfg := e.config()
	cfg.SessionID = ""
	cfg.SelfHosted = true
	cfg.LocalEndpoint = netip.MustParseAddrPort("192.168.1.10:25071")

	s := Advance(NewSessionHost(e.client, cfg)).Next

	req, _ := expect[*msgwire.RequestSession](t, rdv)
	assert.True(t, req.SelfHosted)
	assert.Equal(t, cfg.LocalEndpoint, req.LocalEndpoint)

	require.NoError(t, rdv.Send(clientAddr, &msgwire.SessionDetails{SessionID: "QWERTYUI"}))

	tr := advanceUntil(t, s, KindSessionHost)
	assert.Equal(t, Succeeded, tr.Outcome)
	assert.Equal(t, ident.SessionID("QWERTYUI"), tr.SessionID)
	assert.Equal(t, rendezvousAddr, tr.Peer)
}

func TestSessionHostRelayed(t *testing.T) {
	e := newEnv(t)
	rdv := e.transport(t, rendezvousAddr)
	hoster := e.transport(t, hostAddr)

	cfg := e.config()
	cfg.SessionID = ""

	s := Advance(NewSessionHost(e.client, cfg)).Next

	req, _ := expect[*msgwire.RequestSession](t, rdv)
	assert.False(t, req.SelfHosted)

	require.NoError(t, rdv.Send(clientAddr, &msgwire.AttemptConnection{Candidates: []netip.AddrPort{hostAddr}}))
	require.NoError(t, rdv.Send(clientAddr, &msgwire.SessionDetails{SessionID: "QWERTYUI"}))

	tr := advanceUntil(t, s, KindSessionHost)
	require.Equal(t, InProgress, tr.Outcome)
	require.Equal(t, KindDirect, tr.Next.Kind())

	Advance(tr.Next)

	hs, _ := expect[*msgwire.Handshake](t, hoster)
	assert.Equal(t, ident.SessionID("QWERTYUI"), hs.SessionID)
}

func TestSessionHostDenied(t *testing.T) {
	e := newEnv(t)
	rdv := e.transport(t, rendezvousAddr)

	s := Advance(NewSessionHost(e.client, e.config())).Next
	expect[*msgwire.RequestSession](t, rdv)

	require.NoError(t, rdv.Send(clientAddr, &msgwire.ConnectionDenied{Reason: "no hoster capacity"}))

	tr := advanceUntil(t, s, KindSessionHost)
	assert.Equal(t, Failed, tr.Outcome)
	assert.Equal(t, FailureDenied, tr.Failure)
	assert.Equal(t, "no hoster capacity", tr.Reason)
}

func TestRunCancelled(t *testing.T) {
	e := newEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	tr, err := Run(ctx, NewPunchthrough(e.client, e.config()), time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, FailureCancelled, tr.Failure)
	assert.Same(t, e.client, tr.Transport)
}

func TestRunConcludes(t *testing.T) {
	e := newEnv(t)
	rdv := e.transport(t, rendezvousAddr)

	cfg := e.config()
	cfg.SelfHosted = true

	go func() {
		for {
			rdv.Poll()
			if in, ok := rdv.Next(); ok {
				if _, ok := in.Msg.(*msgwire.RequestSession); ok {
					_ = rdv.Send(in.Addr, &msgwire.SessionDetails{SessionID: "MNBVCXZL"})
					return
				}
			}
			time.Sleep(assertEventuallyTick)
		}
	}()

	tr, err := Run(context.Background(), NewSessionHost(e.client, cfg), time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, Succeeded, tr.Outcome)
	assert.Equal(t, ident.SessionID("MNBVCXZL"), tr.SessionID)
}

func TestDirectWithoutCodeAdoptsSession(t *testing.T) {
	e := newEnv(t)
	host := e.transport(t, hostAddr)

	cfg := e.config()
	cfg.SessionID = ""

	s := Advance(NewDirect(e.client, cfg, []netip.AddrPort{hostAddr})).Next
	expect[*msgwire.Handshake](t, host)

	require.NoError(t, host.Send(clientAddr, &msgwire.Handshake{SessionID: session}))

	tr := advanceUntil(t, s, KindDirect)
	assert.Equal(t, Succeeded, tr.Outcome)
	assert.Equal(t, session, tr.SessionID)
}
