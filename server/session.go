package server

import (
	"bytes"
	"context"
	"log/slog"
	"net/netip"
	"time"

	"github.com/sharedflight/common/types"
	"github.com/sharedflight/common/types/ident"
	"github.com/sharedflight/common/types/msgwire"
	"github.com/sharedflight/common/types/surface"
)

type Options struct {
	// Version is what joining peers must run. Empty accepts any version.
	Version string

	// RejectFeedback answers refused transfers with TransferRejected.
	RejectFeedback bool

	// AllowDirect admits peers that present no session code, as when connecting by address.
	AllowDirect bool
}

type ClientInfo struct {
	ID         ident.ClientID
	Addr       netip.AddrPort
	Name       string
	IsObserver bool
	IsHost     bool
}

// Outgoing is a message the owner of a Session must send.
type Outgoing struct {
	To  []netip.AddrPort
	Msg msgwire.Message
}

type ChangeKind uint8

const (
	ClientJoined ChangeKind = iota
	ClientLeft
	HostChanged
	ControlChanged
)

func (k ChangeKind) String() string {
	switch k {
	case ClientJoined:
		return "client-joined"
	case ClientLeft:
		return "client-left"
	case HostChanged:
		return "host-changed"
	case ControlChanged:
		return "control-changed"
	default:
		return "unknown"
	}
}

// Change reports a roster or delegation change to the owner of a Session.
type Change struct {
	Kind   ChangeKind
	Client ClientInfo
}

// Session is the authoritative state of one shared aircraft: who is in it,
// who hosts it, and who holds which control surface.
//
// It does no I/O. Every handled message queues its replies, which the owner
// collects with Drain. It is not safe for concurrent use.
type Session struct {
	id   ident.SessionID
	opts Options

	clients map[ident.ClientID]*ClientInfo
	byAddr  map[netip.AddrPort]ident.ClientID
	lastID  ident.ClientID
	host    ident.ClientID

	delegations surface.Delegations
	definition  []byte

	createdAt time.Time
	emptiedAt time.Time

	out     []Outgoing
	changes []Change
}

// NewSession starts an empty session. id may be empty until the rendezvous assigns one.
func NewSession(id ident.SessionID, opts Options, now time.Time) *Session {
	return &Session{
		id:          id,
		opts:        opts,
		clients:     make(map[ident.ClientID]*ClientInfo),
		byAddr:      make(map[netip.AddrPort]ident.ClientID),
		delegations: make(surface.Delegations),
		createdAt:   now,
		emptiedAt:   now,
	}
}

func (s *Session) L() *slog.Logger {
	return slog.With("session", s.id)
}

func (s *Session) ID() ident.SessionID {
	return s.id
}

// SetID records the code the rendezvous assigned, and tells the host about it.
func (s *Session) SetID(id ident.SessionID) {
	s.id = id

	if h, ok := s.clients[s.host]; ok {
		s.send(&msgwire.SessionDetails{SessionID: id}, h.Addr)
	}
}

func (s *Session) send(m msgwire.Message, to ...netip.AddrPort) {
	if len(to) == 0 {
		return
	}
	s.out = append(s.out, Outgoing{To: to, Msg: m})
}

func (s *Session) change(k ChangeKind, c ClientInfo) {
	s.changes = append(s.changes, Change{Kind: k, Client: c})
}

// Drain returns and clears everything queued for sending.
func (s *Session) Drain() []Outgoing {
	out := s.out
	s.out = nil
	return out
}

// Changes returns and clears the roster changes since the last call.
func (s *Session) Changes() []Change {
	c := s.changes
	s.changes = nil
	return c
}

func (s *Session) ids() []ident.ClientID {
	return types.SortedKeys(s.clients)
}

// addrs returns the addresses of all clients except the given ids, in id order.
func (s *Session) addrs(except ...ident.ClientID) []netip.AddrPort {
	var out []netip.AddrPort

outer:
	for _, id := range s.ids() {
		for _, e := range except {
			if e == id {
				continue outer
			}
		}
		out = append(out, s.clients[id].Addr)
	}

	return out
}

func (s *Session) client(addr netip.AddrPort) (*ClientInfo, bool) {
	id, ok := s.byAddr[types.NormaliseAddrPort(addr)]
	if !ok {
		return nil, false
	}
	return s.clients[id], true
}

// Member reports whether addr has joined.
func (s *Session) Member(addr netip.AddrPort) bool {
	_, ok := s.client(addr)
	return ok
}

func (s *Session) Len() int {
	return len(s.clients)
}

func (s *Session) Empty() bool {
	return len(s.clients) == 0
}

// EmptiedAt is when the last client left, or when the session was created if nobody joined yet.
func (s *Session) EmptiedAt() time.Time {
	return s.emptiedAt
}

func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

func (s *Session) Host() ident.ClientID {
	return s.host
}

func (s *Session) Delegations() surface.Delegations {
	return s.delegations.Clone()
}

// Clients returns copies of all joined clients, in id order.
func (s *Session) Clients() []ClientInfo {
	out := make([]ClientInfo, 0, len(s.clients))
	for _, id := range s.ids() {
		out = append(out, *s.clients[id])
	}
	return out
}

// Addrs returns the addresses of all joined clients, in id order.
func (s *Session) Addrs() []netip.AddrPort {
	return s.addrs()
}

func (s *Session) validSession(id ident.SessionID) bool {
	switch {
	case s.id == "":
		return true
	case id == "":
		return s.opts.AllowDirect
	default:
		return id == s.id
	}
}

func (s *Session) validVersion(v string) bool {
	return s.opts.Version == "" || v == s.opts.Version
}

// Handle applies one message from addr.
func (s *Session) Handle(addr netip.AddrPort, m msgwire.Message, now time.Time) {
	addr = types.NormaliseAddrPort(addr)

	switch m := m.(type) {
	case *msgwire.Hello:
		s.onHello(addr, m)
		return
	case *msgwire.Handshake:
		if s.validSession(m.SessionID) {
			s.send(&msgwire.Handshake{SessionID: s.id}, addr)
		} else {
			s.send(&msgwire.InvalidSession{}, addr)
		}
		return
	case *msgwire.Name:
		s.onName(addr, m, now)
		return
	}

	c, ok := s.client(addr)
	if !ok {
		s.L().Log(context.Background(), types.LevelTrace, "dropping message from non-member", "from", addr, "type", m.MsgType())
		return
	}

	switch m := m.(type) {
	case *msgwire.TransferControl:
		s.onTransfer(c, m)
	case *msgwire.SetObserver:
		s.onSetObserver(c, m)
	case *msgwire.Update:
		relayed := *m
		relayed.From = c.ID
		s.send(&relayed, s.addrs(c.ID)...)
	case *msgwire.AircraftDefinition:
		if c.ID != s.host {
			s.L().Debug("ignoring definition from non-host", "client", c.ID)
			return
		}
		s.definition = bytes.Clone(m.Bytes)
		s.send(&msgwire.AircraftDefinition{Bytes: s.definition}, s.addrs(c.ID)...)
	case *msgwire.Ready:
		if h, ok := s.clients[s.host]; ok && c.ID != s.host {
			s.send(&msgwire.Ready{From: c.ID}, h.Addr)
		}
	case *msgwire.Goodbye:
		s.L().Debug("client said goodbye", "client", c.ID, "reason", m.Reason)
		s.Disconnect(addr, now)
	case *msgwire.Heartbeat:
	default:
		s.L().Log(context.Background(), types.LevelTrace, "dropping unexpected message", "from", addr, "type", m.MsgType())
	}
}

func (s *Session) onHello(addr netip.AddrPort, m *msgwire.Hello) {
	if !s.validSession(m.SessionID) {
		s.send(&msgwire.InvalidSession{}, addr)
		return
	}

	if !s.validVersion(m.Version) {
		s.send(&msgwire.InvalidVersion{ServerVersion: s.opts.Version}, addr)
		return
	}

	s.send(&msgwire.Hello{SessionID: s.id, Version: s.opts.Version}, addr)
}

func (s *Session) onName(addr netip.AddrPort, m *msgwire.Name, now time.Time) {
	if s.Member(addr) {
		return
	}

	if !s.validVersion(m.Version) {
		s.send(&msgwire.InvalidVersion{ServerVersion: s.opts.Version}, addr)
		return
	}

	name, err := ident.NormaliseName(m.Name)
	if err != nil {
		s.L().Debug("rejecting name", "from", addr, "err", err)
		s.send(&msgwire.InvalidName{}, addr)
		return
	}

	for _, c := range s.clients {
		if ident.SameName(c.Name, name) {
			s.send(&msgwire.InvalidName{}, addr)
			return
		}
	}

	s.lastID++
	joiner := &ClientInfo{ID: s.lastID, Addr: addr, Name: name}

	for _, id := range s.ids() {
		s.send(added(s.clients[id]), addr)
	}
	s.send(&msgwire.Welcome{ClientID: joiner.ID, Name: name}, addr)

	s.clients[joiner.ID] = joiner
	s.byAddr[addr] = joiner.ID
	s.emptiedAt = time.Time{}

	s.L().Info("client joined", "client", joiner.ID, "name", name, "addr", addr)
	s.change(ClientJoined, *joiner)

	if s.host == ident.NoClient {
		s.promote(joiner)
		s.delegations.FillEmpty(joiner.ID)
	}

	s.send(&msgwire.ControlDelegations{Delegations: s.delegations.Clone()}, addr)

	if s.definition != nil {
		s.send(&msgwire.AircraftDefinition{Bytes: s.definition}, addr)
	}

	s.send(added(joiner), s.addrs(joiner.ID)...)
}

func added(c *ClientInfo) *msgwire.ClientAdded {
	return &msgwire.ClientAdded{
		ID:         c.ID,
		Name:       c.Name,
		IsObserver: c.IsObserver,
		IsHost:     c.IsHost,
	}
}

func (s *Session) promote(c *ClientInfo) {
	s.host = c.ID
	c.IsHost = true

	s.L().Info("host changed", "client", c.ID)
	s.change(HostChanged, *c)

	s.send(&msgwire.MakeHost{ClientID: c.ID}, s.addrs()...)

	if s.id != "" {
		s.send(&msgwire.SessionDetails{SessionID: s.id}, c.Addr)
	}
}

func (s *Session) broadcastDelegations() {
	s.send(&msgwire.ControlDelegations{Delegations: s.delegations.Clone()}, s.addrs()...)
	s.change(ControlChanged, ClientInfo{})
}

func (s *Session) onTransfer(c *ClientInfo, m *msgwire.TransferControl) {
	holder, held := s.delegations.Owner(m.Surface)
	_, target := s.clients[m.To]

	if !m.Surface.Valid() || !held || holder != c.ID || !target {
		s.L().Debug("refusing transfer", "client", c.ID, "surface", m.Surface, "to", m.To, "holder", holder)

		if s.opts.RejectFeedback {
			s.send(&msgwire.TransferRejected{Surface: m.Surface, Holder: holder}, c.Addr)
		}
		return
	}

	if holder == m.To {
		return
	}

	s.delegations.Delegate(m.Surface, m.To)
	s.broadcastDelegations()
}

func (s *Session) onSetObserver(c *ClientInfo, m *msgwire.SetObserver) {
	if m.Target != c.ID && c.ID != s.host {
		return
	}

	target, ok := s.clients[m.Target]
	if !ok {
		return
	}

	target.IsObserver = m.IsObserver
	s.send(&msgwire.SetObserver{Target: m.Target, IsObserver: m.IsObserver}, s.addrs()...)
}

// Disconnect removes the client at addr, and reports it if it was a member.
func (s *Session) Disconnect(addr netip.AddrPort, now time.Time) (ClientInfo, bool) {
	c, ok := s.client(addr)
	if !ok {
		return ClientInfo{}, false
	}

	gone := *c
	delete(s.clients, c.ID)
	delete(s.byAddr, c.Addr)

	s.L().Info("client left", "client", gone.ID, "name", gone.Name)
	s.change(ClientLeft, gone)

	s.send(&msgwire.ClientRemoved{ID: gone.ID}, s.addrs()...)

	changed := len(s.delegations.RemoveOwner(gone.ID)) > 0

	if gone.ID == s.host {
		s.host = ident.NoClient

		if ids := s.ids(); len(ids) > 0 {
			s.promote(s.clients[ids[0]])
		}
	}

	if s.Empty() {
		s.emptiedAt = now
		return gone, true
	}

	if s.delegations.FillEmpty(s.host) {
		changed = true
	}
	if changed {
		s.broadcastDelegations()
	}

	return gone, true
}

// Heartbeat queues a heartbeat to every client.
func (s *Session) Heartbeat() {
	s.send(&msgwire.Heartbeat{}, s.addrs()...)
}

// Goodbye queues a farewell to every client.
func (s *Session) Goodbye(reason string) {
	s.send(&msgwire.Goodbye{Reason: reason}, s.addrs()...)
}
