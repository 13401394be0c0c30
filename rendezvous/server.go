// Package rendezvous implements the session directory: it mints session codes,
// tells joining peers where a session's host can be reached, and places
// relayed sessions on registered cloud hosters.
package rendezvous

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/sharedflight/common/transport"
	"github.com/sharedflight/common/types"
	"github.com/sharedflight/common/types/ident"
	"github.com/sharedflight/common/types/msgwire"
	"go4.org/netipx"
)

const (
	DefaultTick          = 5 * time.Millisecond
	DefaultAnnounceSkew  = 60 * time.Second
	DefaultHosterTimeout = 30 * time.Second
)

const (
	reasonFamilyV4   = "Server is using IPv4"
	reasonFamilyV6   = "Server is using IPv6"
	reasonNoCapacity = "Server at capacity."
	reasonNoHosting  = "Hosting is not available."
)

type Config struct {
	RateLimit     int
	RateWindow    time.Duration
	SweepInterval time.Duration

	// Exempt addresses are never rate limited.
	Exempt *netipx.IPSet

	// AnnounceKey authenticates hosters. Without one, announces are ignored and relaying is unavailable.
	AnnounceKey  *msgwire.AnnounceKey
	AnnounceSkew time.Duration

	// HosterTimeout drops hosters that stop announcing, even while their link stays up.
	HosterTimeout time.Duration

	Policy   HostingPolicy
	Selector HosterSelector
}

func (c Config) withDefaults() Config {
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.AnnounceSkew <= 0 {
		c.AnnounceSkew = DefaultAnnounceSkew
	}
	if c.HosterTimeout <= 0 {
		c.HosterTimeout = DefaultHosterTimeout
	}
	if c.Policy == nil {
		c.Policy = DefaultPolicy
	}
	if c.Selector == nil {
		c.Selector = LeastLoaded
	}
	return c
}

type Stats struct {
	DirectoryStats

	Hosters int
	Tracked int
	Limited uint64
}

// Server owns a Transport and the directory state. Only Stats may be called from other goroutines.
type Server struct {
	tr  *transport.Transport
	cfg Config

	dir     *Directory
	limiter *RateLimiter
	pool    *HosterPool

	lastSweep time.Time
	limited   uint64

	statsMu sync.Mutex
	stats   Stats
}

func NewServer(tr *transport.Transport, cfg Config) *Server {
	cfg = cfg.withDefaults()

	return &Server{
		tr:        tr,
		cfg:       cfg,
		dir:       NewDirectory(),
		limiter:   NewRateLimiter(cfg.RateLimit, cfg.RateWindow, cfg.Exempt),
		pool:      NewHosterPool(),
		lastSweep: tr.Now(),
	}
}

func L(s *Server) *slog.Logger {
	return slog.With("rendezvous", s.tr.LocalAddr())
}

func (s *Server) LocalAddr() netip.AddrPort {
	return s.tr.LocalAddr()
}

// Run serves until ctx is done, then closes the Transport.
func (s *Server) Run(ctx context.Context) error {
	ticker := time.NewTicker(DefaultTick)
	defer ticker.Stop()
	defer s.tr.Close()

	L(s).Info("rendezvous serving")

	for {
		s.Tick()

		select {
		case <-ctx.Done():
			L(s).Info("rendezvous stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one loop iteration.
func (s *Server) Tick() {
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
		}
	}

	now := s.tr.Now()

	for _, h := range s.pool.Expire(now.Add(-s.cfg.HosterTimeout)) {
		s.dropHoster(h, "stopped announcing")
	}

	if now.Sub(s.lastSweep) >= s.cfg.SweepInterval {
		s.lastSweep = now
		removed := s.limiter.Sweep(now)

		st := s.dir.Stats()
		L(s).Info("directory status",
			"sessions", st.Sessions,
			"self-hosted", st.SelfHosted,
			"relayed", st.Relayed,
			"connecting", st.Connected,
			"hosters", s.pool.Len(),
			"swept", removed,
		)
	}

	s.publishStats()
}

func (s *Server) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	return s.stats
}

func (s *Server) publishStats() {
	st := Stats{
		DirectoryStats: s.dir.Stats(),
		Hosters:        s.pool.Len(),
		Tracked:        s.limiter.Tracked(),
		Limited:        s.limited,
	}

	s.statsMu.Lock()
	s.stats = st
	s.statsMu.Unlock()
}

func (s *Server) send(to netip.AddrPort, m msgwire.Message) {
	if err := s.tr.Send(to, m); err != nil {
		L(s).Warn("could not send", "to", to, "type", m.MsgType(), "err", err)
	}
}

func (s *Server) onMessage(from netip.AddrPort, m msgwire.Message) {
	from = types.NormaliseAddrPort(from)

	if !s.pool.Has(from) && !s.limiter.Allow(from.Addr(), s.tr.Now()) {
		s.limited++
		L(s).Debug("rate limited", "peer", s.limiter.Pseudonym(from.Addr()), "type", m.MsgType())
		return
	}

	if !msgwire.Accepts(msgwire.RoleRendezvous, m) {
		L(s).Log(context.Background(), types.LevelTrace, "dropping unexpected message", "from", from, "type", m.MsgType())
		return
	}

	switch m := m.(type) {
	case *msgwire.RequestSession:
		s.onRequestSession(from, m)
	case *msgwire.Hello:
		s.onHello(from, m)
	case *msgwire.PeerEstablished:
		if s.dir.Established(m.Peer) {
			L(s).Debug("peer established", "host", s.limiter.Pseudonym(from.Addr()))
		}
	case *msgwire.HosterAnnounce:
		s.onAnnounce(from, m)
	case *msgwire.SessionClosed:
		s.onSessionClosed(from, m)
	case *msgwire.Heartbeat:
	}
}

func (s *Server) onRequestSession(from netip.AddrPort, m *msgwire.RequestSession) {
	now := s.tr.Now()
	route := s.cfg.Policy.Route(m, from)

	switch route {
	case RouteSelfHosted:
		sess, created := s.dir.Register(from, m.LocalEndpoint, now)
		if created {
			L(s).Info("session registered", "session", sess.ID, "host", s.limiter.Pseudonym(from.Addr()))
		}
		s.send(from, &msgwire.SessionDetails{SessionID: sess.ID})

	case RouteRelay:
		sess, ok := s.dir.RelayedFor(from)
		if !ok {
			h, found := s.pool.Select(s.cfg.Selector, from)
			if !found {
				L(s).Info("no hoster capacity", "requester", s.limiter.Pseudonym(from.Addr()))
				s.send(from, &msgwire.ConnectionDenied{Reason: reasonNoCapacity})
				return
			}

			sess, _ = s.dir.RegisterRelay(from, h.Addr, h.ID, now)
			s.pool.Reserve(h.ID)

			L(s).Info("session relayed", "session", sess.ID, "hoster", h.ID, "requester", s.limiter.Pseudonym(from.Addr()))
		}

		s.send(sess.Host, &msgwire.OpenSession{SessionID: sess.ID})
		s.send(from, &msgwire.SessionDetails{SessionID: sess.ID})
		s.send(from, &msgwire.AttemptConnection{Candidates: sess.Candidates})

	default:
		s.send(from, &msgwire.ConnectionDenied{Reason: reasonNoHosting})
	}
}

func (s *Server) onHello(from netip.AddrPort, m *msgwire.Hello) {
	id, err := ident.ParseSessionID(string(m.SessionID))
	if err != nil {
		s.send(from, &msgwire.InvalidSession{})
		return
	}

	sess, ok := s.dir.Lookup(id)
	if !ok {
		s.send(from, &msgwire.InvalidSession{})
		return
	}

	if !types.SameFamily(from, sess.Host) {
		reason := reasonFamilyV6
		if types.NormaliseAddr(sess.Host.Addr()).Is4() {
			reason = reasonFamilyV4
		}
		s.send(from, &msgwire.ConnectionDenied{Reason: reason})
		return
	}

	s.send(from, &msgwire.AttemptConnection{Candidates: sess.Candidates})

	if sess.SelfHosted {
		s.send(sess.Host, &msgwire.AttemptConnection{
			Candidates: types.DedupAddrPorts([]netip.AddrPort{from, m.LocalEndpoint}),
		})
	}

	s.dir.Join(id, from)

	L(s).Debug("peer joining", "session", id, "peer", s.limiter.Pseudonym(from.Addr()))
}

func (s *Server) onAnnounce(from netip.AddrPort, m *msgwire.HosterAnnounce) {
	if s.cfg.AnnounceKey == nil {
		L(s).Log(context.Background(), types.LevelTrace, "ignoring announce, no key configured", "from", from)
		return
	}

	if err := msgwire.VerifyAnnounce(m, s.cfg.AnnounceKey, s.tr.Now(), s.cfg.AnnounceSkew); err != nil {
		L(s).Warn("rejected hoster announce", "from", from, "err", err)
		return
	}

	if s.pool.Announce(m.HosterID, from, int(m.Capacity), int(m.Load), s.tr.Now()) {
		L(s).Info("hoster registered", "hoster", m.HosterID, "addr", from, "capacity", m.Capacity)
	}
}

func (s *Server) onSessionClosed(from netip.AddrPort, m *msgwire.SessionClosed) {
	h, ok := s.pool.ByAddr(from)
	if !ok {
		return
	}

	sess, ok := s.dir.Lookup(m.SessionID)
	if !ok || sess.SelfHosted || sess.Hoster != h.ID {
		return
	}

	s.dir.Close(m.SessionID)
	s.pool.Release(h.ID)

	L(s).Info("session closed by hoster", "session", m.SessionID, "hoster", h.ID)
}

func (s *Server) onTimeout(addr netip.AddrPort) {
	addr = types.NormaliseAddrPort(addr)

	if h, ok := s.pool.ByAddr(addr); ok {
		s.pool.Remove(h.ID)
		s.dropHoster(h, "timed out")
		return
	}

	if id, ok := s.dir.CloseByHost(addr); ok {
		L(s).Info("session host timed out", "session", id)
		return
	}

	if id, ok := s.dir.Leave(addr); ok {
		L(s).Debug("joining peer timed out", "session", id)
	}
}

func (s *Server) dropHoster(h Hoster, why string) {
	closed := s.dir.CloseByHoster(h.ID)
	L(s).Info("hoster removed", "hoster", h.ID, "reason", why, "sessions-closed", len(closed))
}
