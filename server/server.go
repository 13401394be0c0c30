// Package server runs the host side of shared sessions: the self-hosted
// Server, which a participant runs next to their own client, and the Hoster,
// a cloud relay that carries many sessions for peers who cannot host.
//
// Both drive Session, the state machine that decides membership, hosting and
// control delegation, and do the I/O around it.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/sharedflight/common/handshake"
	"github.com/sharedflight/common/portmap"
	"github.com/sharedflight/common/transport"
	"github.com/sharedflight/common/types"
	"github.com/sharedflight/common/types/ident"
	"github.com/sharedflight/common/types/msgwire"
	"github.com/sharedflight/common/types/retry"
	"github.com/sharedflight/common/types/rudp"
	"github.com/sharedflight/common/types/surface"
)

const (
	DefaultTick              = 5 * time.Millisecond
	DefaultHeartbeatInterval = 500 * time.Millisecond
	DefaultPunchInterval     = time.Second
	DefaultPunchRounds       = 5

	eventBuffer = 256

	portmapDescription = "flightshare session"
	shutdownReason     = "server shutting down"
)

var (
	ErrRegistration   = errors.New("could not register session with rendezvous")
	ErrAlreadyStarted = errors.New("server already started")
)

type Config struct {
	Session Options

	Port uint16
	IPv6 bool

	// Conn replaces binding a socket, when set.
	Conn      types.UDPConn
	Transport transport.Config

	// Rendezvous registers the session for joining by code. Without it, peers connect by address.
	Rendezvous netip.AddrPort
	// Registration tunes the session request to the rendezvous.
	Registration handshake.Config

	// LocalEndpoint is advertised to peers on the same network. It is detected when unset.
	LocalEndpoint netip.AddrPort

	PortMapper portmap.Mapper

	HeartbeatInterval time.Duration
	PunchInterval     time.Duration
	PunchRounds       int
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.PunchInterval <= 0 {
		c.PunchInterval = DefaultPunchInterval
	}
	if c.PunchRounds <= 0 {
		c.PunchRounds = DefaultPunchRounds
	}
	return c
}

type EventKind uint8

const (
	EventClientJoined EventKind = iota
	EventClientLeft
	EventHostChanged
	EventControlChanged
	// EventPunchthroughFailed means a peer the rendezvous announced never answered.
	EventPunchthroughFailed
	// EventRendezvousLost means the session can no longer be joined by code.
	EventRendezvousLost
)

func (k EventKind) String() string {
	switch k {
	case EventClientJoined:
		return "client-joined"
	case EventClientLeft:
		return "client-left"
	case EventHostChanged:
		return "host-changed"
	case EventControlChanged:
		return "control-changed"
	case EventPunchthroughFailed:
		return "punchthrough-failed"
	case EventRendezvousLost:
		return "rendezvous-lost"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind   EventKind
	Client ClientInfo
	Addr   netip.AddrPort
}

type Snapshot struct {
	SessionID   ident.SessionID
	Addr        netip.AddrPort
	Mapping     *portmap.Mapping
	Host        ident.ClientID
	Clients     []ClientInfo
	Delegations surface.Delegations
	Punching    []netip.AddrPort
	Metrics     map[netip.AddrPort]rudp.Metrics
}

type punch struct {
	candidates []netip.AddrPort
	retry      *retry.Helper
}

// Server hosts a single session on this machine.
type Server struct {
	cfg Config

	tr      *transport.Transport
	sess    *Session
	mapping *portmap.Mapping

	punches map[netip.AddrPort]*punch
	metrics map[netip.AddrPort]rudp.Metrics

	lastHeartbeat time.Time

	events chan Event
	cancel context.CancelFunc
	done   chan struct{}

	snapMu sync.Mutex
	snap   Snapshot
}

func New(cfg Config) *Server {
	return &Server{
		cfg:     cfg.withDefaults(),
		punches: make(map[netip.AddrPort]*punch),
		metrics: make(map[netip.AddrPort]rudp.Metrics),
		events:  make(chan Event, eventBuffer),
		done:    make(chan struct{}),
	}
}

func L(s *Server) *slog.Logger {
	if s.tr == nil {
		return slog.With("server", "unbound")
	}
	return slog.With("server", s.tr.LocalAddr(), "session", s.sess.ID())
}

// Start binds, maps and registers, then serves in the background until ctx is done or Stop is called.
//
// Failures to set up are returned; nothing keeps running after an error.
func (s *Server) Start(ctx context.Context) error {
	if s.tr != nil {
		return ErrAlreadyStarted
	}

	conn := s.cfg.Conn
	if conn == nil {
		var err error
		if conn, err = transport.Listen(ctx, transport.BindConfig{Port: s.cfg.Port, IPv6: s.cfg.IPv6}); err != nil {
			return err
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)

	tr := transport.New(loopCtx, conn, s.cfg.Transport)
	s.sess = NewSession("", s.cfg.Session, tr.Now())

	local := s.localEndpoint(tr.LocalAddr())

	if s.cfg.PortMapper != nil {
		m, err := s.cfg.PortMapper.Map(ctx, local, portmapDescription)
		if err != nil {
			cancel()
			_ = tr.Close()
			return fmt.Errorf("could not map port: %w", err)
		}
		s.mapping = &m
	}

	if s.cfg.Rendezvous.IsValid() {
		id, err := s.register(ctx, tr, local)
		if err != nil {
			cancel()
			s.unmap()
			_ = tr.Close()
			return err
		}
		s.sess.SetID(id)
	}

	s.tr = tr
	s.cancel = cancel
	s.lastHeartbeat = tr.Now()
	s.publish()

	L(s).Info("server started", "rendezvous", s.cfg.Rendezvous, "local", local)

	go s.run(loopCtx)

	return nil
}

func (s *Server) localEndpoint(bound netip.AddrPort) netip.AddrPort {
	if s.cfg.LocalEndpoint.IsValid() {
		return s.cfg.LocalEndpoint
	}

	if !bound.Addr().IsUnspecified() {
		return bound
	}

	addr, err := transport.DetectLocalAddr(s.cfg.IPv6)
	if err != nil {
		slog.Debug("could not detect local address", "err", err)
		return netip.AddrPort{}
	}

	return netip.AddrPortFrom(addr, bound.Port())
}

func (s *Server) register(ctx context.Context, tr *transport.Transport, local netip.AddrPort) (ident.SessionID, error) {
	hcfg := s.cfg.Registration
	hcfg.Rendezvous = s.cfg.Rendezvous
	hcfg.SelfHosted = true
	hcfg.LocalEndpoint = local
	hcfg.Version = s.cfg.Session.Version

	t, err := handshake.Run(ctx, handshake.NewSessionHost(tr, hcfg), DefaultTick)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRegistration, err)
	}
	if t.Outcome != handshake.Succeeded {
		return "", fmt.Errorf("%w: %s", ErrRegistration, t)
	}

	return t.SessionID, nil
}

// Stop ends the server and waits for it to say goodbye to its clients.
func (s *Server) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// Done is closed once the server loop has exited.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// NextEvent returns the next event without blocking.
func (s *Server) NextEvent() (Event, bool) {
	select {
	case ev := <-s.events:
		return ev, true
	default:
		return Event{}, false
	}
}

func (s *Server) Snapshot() Snapshot {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()

	return s.snap
}

func (s *Server) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		L(s).Warn("event buffer full, dropping event", "kind", ev.Kind)
	}
}

func (s *Server) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(DefaultTick)
	defer ticker.Stop()

	for {
		s.step()

		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) shutdown() {
	L(s).Info("server stopping")

	s.sess.Goodbye(shutdownReason)
	s.flush()
	s.tr.Poll()

	s.unmap()

	if err := s.tr.Close(); err != nil {
		L(s).Debug("closing transport", "err", err)
	}
}

func (s *Server) unmap() {
	if s.mapping == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.cfg.PortMapper.Unmap(ctx); err != nil {
		slog.Warn("could not remove port mapping", "err", err)
	}
	s.mapping = nil
}

func (s *Server) step() {
	s.tr.Poll()

	for {
		in, ok := s.tr.Next()
		if !ok {
			break
		}

		switch in.Kind {
		case transport.Payload:
			s.onMessage(in.Addr, in.Msg)
		case transport.Timeout:
			s.onTimeout(in.Addr)
		case transport.Metrics:
			s.metrics[in.Addr] = in.Metrics
		}
	}

	now := s.tr.Now()

	s.punchRound(now)

	if now.Sub(s.lastHeartbeat) >= s.cfg.HeartbeatInterval {
		s.lastHeartbeat = now
		s.sess.Heartbeat()
	}

	s.flush()
	s.publish()
}

func (s *Server) fromRendezvous(addr netip.AddrPort) bool {
	return s.cfg.Rendezvous.IsValid() && addr == s.cfg.Rendezvous
}

func (s *Server) onMessage(from netip.AddrPort, m msgwire.Message) {
	if !msgwire.Accepts(msgwire.RoleServer, m) {
		L(s).Log(context.Background(), types.LevelTrace, "dropping unexpected message", "from", from, "type", m.MsgType())
		return
	}

	if s.fromRendezvous(from) {
		switch m := m.(type) {
		case *msgwire.AttemptConnection:
			s.startPunch(m.Candidates)
		case *msgwire.SessionDetails:
		default:
			L(s).Debug("ignoring rendezvous message", "type", m.MsgType())
		}
		return
	}

	switch m.(type) {
	case *msgwire.SessionDetails, *msgwire.AttemptConnection, *msgwire.InvalidSession, *msgwire.ConnectionDenied:
		return
	case *msgwire.Handshake, *msgwire.Hello:
		s.punchSucceeded(from)
	}

	s.sess.Handle(from, m, s.tr.Now())
}

func (s *Server) onTimeout(addr netip.AddrPort) {
	delete(s.metrics, addr)

	if s.fromRendezvous(addr) {
		L(s).Warn("lost rendezvous")
		s.emit(Event{Kind: EventRendezvousLost, Addr: addr})
		return
	}

	s.sess.Disconnect(addr, s.tr.Now())
}

func (s *Server) startPunch(candidates []netip.AddrPort) {
	candidates = types.DedupAddrPorts(candidates)
	if len(candidates) == 0 {
		return
	}

	key := candidates[0]
	if _, ok := s.punches[key]; ok {
		return
	}

	L(s).Debug("punching towards peer", "candidates", candidates)

	s.punches[key] = &punch{
		candidates: candidates,
		retry:      retry.New(s.cfg.PunchRounds, s.cfg.PunchInterval),
	}
}

func (s *Server) punchSucceeded(from netip.AddrPort) {
	from = types.NormaliseAddrPort(from)

	for _, key := range types.SortedAddrPorts(s.punches) {
		for _, c := range s.punches[key].candidates {
			if c != from {
				continue
			}

			delete(s.punches, key)
			L(s).Debug("punched through to peer", "peer", from)

			if s.cfg.Rendezvous.IsValid() {
				if err := s.tr.Send(s.cfg.Rendezvous, &msgwire.PeerEstablished{Peer: key}); err != nil {
					L(s).Warn("could not report established peer", "err", err)
				}
			}
			return
		}
	}
}

func (s *Server) punchRound(now time.Time) {
	for _, key := range types.SortedAddrPorts(s.punches) {
		p := s.punches[key]

		switch p.retry.Step(now) {
		case retry.Send:
			if err := s.tr.SendMany(p.candidates, &msgwire.Handshake{SessionID: s.sess.ID()}); err != nil {
				L(s).Warn("could not send punch round", "err", err)
			}
		case retry.Exhausted:
			delete(s.punches, key)
			L(s).Info("punchthrough failed", "peer", key, "rounds", p.retry.Attempts())
			s.emit(Event{Kind: EventPunchthroughFailed, Addr: key})
		}
	}
}

func (s *Server) flush() {
	for _, o := range s.sess.Drain() {
		if err := s.tr.SendMany(o.To, o.Msg); err != nil {
			L(s).Warn("could not send", "type", o.Msg.MsgType(), "err", err)
		}
	}

	for _, c := range s.sess.Changes() {
		switch c.Kind {
		case ClientJoined:
			s.emit(Event{Kind: EventClientJoined, Client: c.Client, Addr: c.Client.Addr})
		case ClientLeft:
			s.emit(Event{Kind: EventClientLeft, Client: c.Client, Addr: c.Client.Addr})
			delete(s.metrics, c.Client.Addr)
		case HostChanged:
			s.emit(Event{Kind: EventHostChanged, Client: c.Client, Addr: c.Client.Addr})
		case ControlChanged:
			s.emit(Event{Kind: EventControlChanged})
		}
	}
}

func (s *Server) publish() {
	snap := Snapshot{
		SessionID:   s.sess.ID(),
		Addr:        s.tr.LocalAddr(),
		Mapping:     s.mapping,
		Host:        s.sess.Host(),
		Clients:     s.sess.Clients(),
		Delegations: s.sess.Delegations(),
		Punching:    types.SortedAddrPorts(s.punches),
		Metrics:     make(map[netip.AddrPort]rudp.Metrics, len(s.metrics)),
	}
	for addr, m := range s.metrics {
		snap.Metrics[addr] = m
	}

	s.snapMu.Lock()
	s.snap = snap
	s.snapMu.Unlock()
}
