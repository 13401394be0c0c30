package rendezvous

import (
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/sharedflight/common/types"
	"github.com/sharedflight/common/types/ident"
)

// Session is one entry of the directory.
type Session struct {
	ID ident.SessionID

	// Host is where the session lives: the registering peer when self-hosted, else its hoster.
	Host       netip.AddrPort
	Candidates []netip.AddrPort
	SelfHosted bool

	// Requester and Hoster are set on relayed sessions.
	Requester netip.AddrPort
	Hoster    uuid.UUID

	CreatedAt time.Time
}

// Directory maps session codes to where their host can be reached.
//
// It is not safe for concurrent use; the Server loop owns it.
type Directory struct {
	sessions  map[ident.SessionID]*Session
	hosts     map[netip.AddrPort]ident.SessionID
	relayed   map[netip.AddrPort]ident.SessionID
	connected map[netip.AddrPort]ident.SessionID

	newID func() ident.SessionID
}

func NewDirectory() *Directory {
	return &Directory{
		sessions:  make(map[ident.SessionID]*Session),
		hosts:     make(map[netip.AddrPort]ident.SessionID),
		relayed:   make(map[netip.AddrPort]ident.SessionID),
		connected: make(map[netip.AddrPort]ident.SessionID),

		newID: func() ident.SessionID {
			return ident.NewSessionID(ident.SessionIDLen)
		},
	}
}

func (d *Directory) mint() ident.SessionID {
	for {
		id := d.newID()
		if _, taken := d.sessions[id]; !taken {
			return id
		}
	}
}

// Register creates a self-hosted session for host, or returns the one it already has.
func (d *Directory) Register(host, local netip.AddrPort, now time.Time) (*Session, bool) {
	host = types.NormaliseAddrPort(host)

	if id, ok := d.hosts[host]; ok {
		return d.sessions[id], false
	}

	s := &Session{
		ID:         d.mint(),
		Host:       host,
		Candidates: types.DedupAddrPorts([]netip.AddrPort{host, local}),
		SelfHosted: true,
		CreatedAt:  now,
	}

	d.sessions[s.ID] = s
	d.hosts[host] = s.ID
	d.connected[host] = s.ID

	return s, true
}

// RegisterRelay creates a session placed on a hoster for requester, or returns the one it already has.
func (d *Directory) RegisterRelay(requester, hosterAddr netip.AddrPort, hoster uuid.UUID, now time.Time) (*Session, bool) {
	requester = types.NormaliseAddrPort(requester)

	if id, ok := d.relayed[requester]; ok {
		return d.sessions[id], false
	}

	s := &Session{
		ID:         d.mint(),
		Host:       hosterAddr,
		Candidates: []netip.AddrPort{hosterAddr},
		Requester:  requester,
		Hoster:     hoster,
		CreatedAt:  now,
	}

	d.sessions[s.ID] = s
	d.relayed[requester] = s.ID

	return s, true
}

// RelayedFor returns the relayed session requester asked for, if any.
func (d *Directory) RelayedFor(requester netip.AddrPort) (*Session, bool) {
	id, ok := d.relayed[types.NormaliseAddrPort(requester)]
	if !ok {
		return nil, false
	}
	return d.sessions[id], true
}

func (d *Directory) Lookup(id ident.SessionID) (*Session, bool) {
	s, ok := d.sessions[id]
	return s, ok
}

// Join records addr as connecting to a session.
func (d *Directory) Join(id ident.SessionID, addr netip.AddrPort) {
	d.connected[types.NormaliseAddrPort(addr)] = id
}

// Established clears a joining peer once its host reports a direct link.
func (d *Directory) Established(peer netip.AddrPort) bool {
	peer = types.NormaliseAddrPort(peer)

	if _, ok := d.connected[peer]; !ok {
		return false
	}
	if _, hosting := d.hosts[peer]; hosting {
		return false
	}

	delete(d.connected, peer)
	return true
}

// Leave forgets a joining peer.
func (d *Directory) Leave(addr netip.AddrPort) (ident.SessionID, bool) {
	addr = types.NormaliseAddrPort(addr)

	id, ok := d.connected[addr]
	delete(d.connected, addr)
	return id, ok
}

// Close removes a session, and everything pointing at it.
func (d *Directory) Close(id ident.SessionID) (*Session, bool) {
	s, ok := d.sessions[id]
	if !ok {
		return nil, false
	}

	delete(d.sessions, id)

	if s.SelfHosted {
		delete(d.hosts, s.Host)
	} else {
		delete(d.relayed, s.Requester)
	}

	for addr, sid := range d.connected {
		if sid == id {
			delete(d.connected, addr)
		}
	}

	return s, true
}

// CloseByHost removes the self-hosted session registered from addr.
func (d *Directory) CloseByHost(addr netip.AddrPort) (ident.SessionID, bool) {
	id, ok := d.hosts[types.NormaliseAddrPort(addr)]
	if !ok {
		return "", false
	}

	d.Close(id)
	return id, true
}

// CloseByHoster removes every session placed on the given hoster.
func (d *Directory) CloseByHoster(hoster uuid.UUID) []ident.SessionID {
	var closed []ident.SessionID

	for _, id := range types.SortedKeys(d.sessions) {
		if s := d.sessions[id]; !s.SelfHosted && s.Hoster == hoster {
			d.Close(id)
			closed = append(closed, id)
		}
	}

	return closed
}

type DirectoryStats struct {
	Sessions   int
	SelfHosted int
	Relayed    int
	Connected  int
}

func (d *Directory) Stats() DirectoryStats {
	return DirectoryStats{
		Sessions:   len(d.sessions),
		SelfHosted: len(d.hosts),
		Relayed:    len(d.relayed),
		Connected:  len(d.connected),
	}
}
