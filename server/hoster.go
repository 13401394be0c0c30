package server

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sharedflight/common/transport"
	"github.com/sharedflight/common/types"
	"github.com/sharedflight/common/types/ident"
	"github.com/sharedflight/common/types/msgwire"
)

const (
	DefaultAnnounceInterval = 5 * time.Second
	DefaultCleanupInterval  = 30 * time.Second
	DefaultInactiveTimeout  = 30 * time.Second
	DefaultCapacity         = 64
)

type HosterConfig struct {
	Session Options

	ID       uuid.UUID
	Capacity int

	Rendezvous  netip.AddrPort
	AnnounceKey *msgwire.AnnounceKey

	AnnounceInterval  time.Duration
	CleanupInterval   time.Duration
	InactiveTimeout   time.Duration
	HeartbeatInterval time.Duration
}

func (c HosterConfig) withDefaults() HosterConfig {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.AnnounceInterval <= 0 {
		c.AnnounceInterval = DefaultAnnounceInterval
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.InactiveTimeout <= 0 {
		c.InactiveTimeout = DefaultInactiveTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return c
}

type HosterStats struct {
	Sessions int
	Clients  int
	Capacity int
}

// Hoster carries many relayed sessions, opened on request of the rendezvous.
type Hoster struct {
	tr  *transport.Transport
	cfg HosterConfig

	sessions map[ident.SessionID]*Session
	routes   map[netip.AddrPort]ident.SessionID

	lastAnnounce  time.Time
	lastCleanup   time.Time
	lastHeartbeat time.Time

	statsMu sync.Mutex
	stats   HosterStats
}

func NewHoster(tr *transport.Transport, cfg HosterConfig) *Hoster {
	cfg = cfg.withDefaults()
	now := tr.Now()

	return &Hoster{
		tr:            tr,
		cfg:           cfg,
		sessions:      make(map[ident.SessionID]*Session),
		routes:        make(map[netip.AddrPort]ident.SessionID),
		lastCleanup:   now,
		lastHeartbeat: now,
	}
}

func LH(h *Hoster) *slog.Logger {
	return slog.With("hoster", h.cfg.ID, "addr", h.tr.LocalAddr())
}

func (h *Hoster) ID() uuid.UUID {
	return h.cfg.ID
}

func (h *Hoster) LocalAddr() netip.AddrPort {
	return h.tr.LocalAddr()
}

// Run serves until ctx is done, then says goodbye to every client and closes the Transport.
func (h *Hoster) Run(ctx context.Context) error {
	ticker := time.NewTicker(DefaultTick)
	defer ticker.Stop()

	if h.cfg.AnnounceKey == nil {
		LH(h).Warn("no announce key configured, the rendezvous will not place sessions here")
	}

	LH(h).Info("hoster serving", "rendezvous", h.cfg.Rendezvous, "capacity", h.cfg.Capacity)

	for {
		h.Tick()

		select {
		case <-ctx.Done():
			h.shutdown()
			return nil
		case <-ticker.C:
		}
	}
}

func (h *Hoster) shutdown() {
	LH(h).Info("hoster stopping")

	for _, id := range types.SortedKeys(h.sessions) {
		h.sessions[id].Goodbye(shutdownReason)
		h.flush(h.sessions[id])
	}
	h.tr.Poll()

	if err := h.tr.Close(); err != nil {
		LH(h).Debug("closing transport", "err", err)
	}
}

func (h *Hoster) Stats() HosterStats {
	h.statsMu.Lock()
	defer h.statsMu.Unlock()

	return h.stats
}

// Tick runs one loop iteration.
func (h *Hoster) Tick() {
	h.tr.Poll()

	for {
		in, ok := h.tr.Next()
		if !ok {
			break
		}

		switch in.Kind {
		case transport.Payload:
			h.onMessage(types.NormaliseAddrPort(in.Addr), in.Msg)
		case transport.Timeout:
			h.onTimeout(types.NormaliseAddrPort(in.Addr))
		}
	}

	now := h.tr.Now()

	if now.Sub(h.lastHeartbeat) >= h.cfg.HeartbeatInterval {
		h.lastHeartbeat = now
		for _, s := range h.sessions {
			s.Heartbeat()
		}
	}

	if now.Sub(h.lastCleanup) >= h.cfg.CleanupInterval {
		h.lastCleanup = now
		h.cleanup(now)
	}

	if h.lastAnnounce.IsZero() || now.Sub(h.lastAnnounce) >= h.cfg.AnnounceInterval {
		h.lastAnnounce = now
		h.announce(now)
	}

	for _, id := range types.SortedKeys(h.sessions) {
		h.flush(h.sessions[id])
	}

	h.publish()
}

func (h *Hoster) onMessage(from netip.AddrPort, m msgwire.Message) {
	if !msgwire.Accepts(msgwire.RoleHoster, m) {
		LH(h).Log(context.Background(), types.LevelTrace, "dropping unexpected message", "from", from, "type", m.MsgType())
		return
	}

	if from == h.cfg.Rendezvous {
		if m, ok := m.(*msgwire.OpenSession); ok {
			h.open(m.SessionID)
		}
		return
	}

	if id, ok := h.routes[from]; ok {
		if s, ok := h.sessions[id]; ok {
			s.Handle(from, m, h.tr.Now())
			return
		}
		delete(h.routes, from)
	}

	// Unknown addresses prove which session they are for before anything else is routed.
	hs, ok := m.(*msgwire.Handshake)
	if !ok {
		LH(h).Log(context.Background(), types.LevelTrace, "dropping message from unverified peer", "from", from, "type", m.MsgType())
		return
	}

	s, ok := h.sessions[hs.SessionID]
	if !ok {
		h.send(from, &msgwire.InvalidSession{})
		return
	}

	h.routes[from] = hs.SessionID
	s.Handle(from, m, h.tr.Now())
}

func (h *Hoster) send(to netip.AddrPort, m msgwire.Message) {
	if err := h.tr.Send(to, m); err != nil {
		LH(h).Warn("could not send", "to", to, "type", m.MsgType(), "err", err)
	}
}

func (h *Hoster) open(id ident.SessionID) {
	if _, ok := h.sessions[id]; ok {
		return
	}

	if len(h.sessions) >= h.cfg.Capacity {
		LH(h).Warn("at capacity, refusing session", "session", id)
		h.send(h.cfg.Rendezvous, &msgwire.SessionClosed{SessionID: id})
		return
	}

	h.sessions[id] = NewSession(id, h.cfg.Session, h.tr.Now())
	LH(h).Info("session opened", "session", id, "sessions", len(h.sessions))
}

func (h *Hoster) onTimeout(addr netip.AddrPort) {
	if addr == h.cfg.Rendezvous {
		LH(h).Warn("lost rendezvous")
		return
	}

	id, ok := h.routes[addr]
	if !ok {
		return
	}
	delete(h.routes, addr)

	if s, ok := h.sessions[id]; ok {
		s.Disconnect(addr, h.tr.Now())
	}
}

func (h *Hoster) cleanup(now time.Time) {
	for _, id := range types.SortedKeys(h.sessions) {
		s := h.sessions[id]
		if !s.Empty() || now.Sub(s.EmptiedAt()) <= h.cfg.InactiveTimeout {
			continue
		}

		delete(h.sessions, id)
		for addr, sid := range h.routes {
			if sid == id {
				delete(h.routes, addr)
			}
		}

		LH(h).Info("session closed, inactive", "session", id)
		h.send(h.cfg.Rendezvous, &msgwire.SessionClosed{SessionID: id})
	}
}

func (h *Hoster) announce(now time.Time) {
	if h.cfg.AnnounceKey == nil || !h.cfg.Rendezvous.IsValid() {
		return
	}

	m := &msgwire.HosterAnnounce{
		HosterID: h.cfg.ID,
		Capacity: uint16(min(h.cfg.Capacity, 0xFFFF)),
		Load:     uint16(min(len(h.sessions), 0xFFFF)),
	}
	msgwire.SealAnnounce(m, h.cfg.AnnounceKey, now)

	h.send(h.cfg.Rendezvous, m)
}

func (h *Hoster) flush(s *Session) {
	for _, o := range s.Drain() {
		if err := h.tr.SendMany(o.To, o.Msg); err != nil {
			LH(h).Warn("could not send", "session", s.ID(), "type", o.Msg.MsgType(), "err", err)
		}
	}

	for _, c := range s.Changes() {
		LH(h).Debug("session changed", "session", s.ID(), "change", c.Kind, "client", c.Client.ID)

		if c.Kind == ClientLeft {
			delete(h.routes, c.Client.Addr)
		}
	}
}

func (h *Hoster) publish() {
	st := HosterStats{Sessions: len(h.sessions), Capacity: h.cfg.Capacity}
	for _, s := range h.sessions {
		st.Clients += s.Len()
	}

	h.statsMu.Lock()
	h.stats = st
	h.statsMu.Unlock()
}
