package rendezvous

import (
	"net/netip"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/sharedflight/common/types"
	"github.com/sharedflight/common/types/msgwire"
	"golang.org/x/exp/maps"
)

// Route is what a HostingPolicy decides for a RequestSession.
type Route uint8

const (
	RouteSelfHosted Route = iota
	RouteRelay
	RouteDeny
)

func (r Route) String() string {
	switch r {
	case RouteSelfHosted:
		return "self-hosted"
	case RouteRelay:
		return "relay"
	case RouteDeny:
		return "deny"
	default:
		return "unknown"
	}
}

type HostingPolicy interface {
	Route(req *msgwire.RequestSession, from netip.AddrPort) Route
}

type HostingPolicyFunc func(req *msgwire.RequestSession, from netip.AddrPort) Route

func (f HostingPolicyFunc) Route(req *msgwire.RequestSession, from netip.AddrPort) Route {
	return f(req, from)
}

var (
	// DefaultPolicy honours the requester's choice.
	DefaultPolicy = HostingPolicyFunc(func(req *msgwire.RequestSession, _ netip.AddrPort) Route {
		if req.SelfHosted {
			return RouteSelfHosted
		}
		return RouteRelay
	})

	// ForceRelay places every session on a hoster.
	ForceRelay = HostingPolicyFunc(func(*msgwire.RequestSession, netip.AddrPort) Route {
		return RouteRelay
	})

	// DirectOnly never relays.
	DirectOnly = HostingPolicyFunc(func(req *msgwire.RequestSession, _ netip.AddrPort) Route {
		if req.SelfHosted {
			return RouteSelfHosted
		}
		return RouteDeny
	})
)

// Hoster is a registered cloud relay.
type Hoster struct {
	ID       uuid.UUID
	Addr     netip.AddrPort
	Capacity int
	Load     int
	LastSeen time.Time
}

func (h Hoster) Free() int {
	return h.Capacity - h.Load
}

type HosterSelector interface {
	// Select picks from hosters that all have free capacity.
	Select(hosters []Hoster) (Hoster, bool)
}

type HosterSelectorFunc func(hosters []Hoster) (Hoster, bool)

func (f HosterSelectorFunc) Select(hosters []Hoster) (Hoster, bool) {
	return f(hosters)
}

// LeastLoaded picks the hoster with the most free slots, ties broken by address.
var LeastLoaded = HosterSelectorFunc(func(hosters []Hoster) (Hoster, bool) {
	if len(hosters) == 0 {
		return Hoster{}, false
	}

	return slices.MinFunc(hosters, func(a, b Hoster) int {
		if a.Free() != b.Free() {
			return b.Free() - a.Free()
		}
		return a.Addr.Compare(b.Addr)
	}), true
})

// HosterPool tracks announced hosters, and the slots handed out since their last announce.
type HosterPool struct {
	hosters map[uuid.UUID]*Hoster
	byAddr  map[netip.AddrPort]uuid.UUID
}

func NewHosterPool() *HosterPool {
	return &HosterPool{
		hosters: make(map[uuid.UUID]*Hoster),
		byAddr:  make(map[netip.AddrPort]uuid.UUID),
	}
}

// Announce records an announce, and reports whether the hoster is new.
func (p *HosterPool) Announce(id uuid.UUID, addr netip.AddrPort, capacity, load int, now time.Time) bool {
	addr = types.NormaliseAddrPort(addr)

	h, ok := p.hosters[id]
	if !ok {
		h = &Hoster{ID: id}
		p.hosters[id] = h
	}

	if h.Addr != addr {
		delete(p.byAddr, h.Addr)
		h.Addr = addr
	}
	p.byAddr[addr] = id

	h.Capacity = capacity
	h.Load = load
	h.LastSeen = now

	return !ok
}

func (p *HosterPool) ByAddr(addr netip.AddrPort) (Hoster, bool) {
	id, ok := p.byAddr[types.NormaliseAddrPort(addr)]
	if !ok {
		return Hoster{}, false
	}
	return *p.hosters[id], true
}

func (p *HosterPool) Has(addr netip.AddrPort) bool {
	_, ok := p.byAddr[types.NormaliseAddrPort(addr)]
	return ok
}

// Select picks a hoster with free capacity, reachable from the given family.
func (p *HosterPool) Select(sel HosterSelector, from netip.AddrPort) (Hoster, bool) {
	var free []Hoster

	for _, id := range p.sortedIDs() {
		h := p.hosters[id]
		if h.Free() > 0 && types.SameFamily(h.Addr, from) {
			free = append(free, *h)
		}
	}

	return sel.Select(free)
}

// Reserve counts one more session on a hoster, until its next announce says otherwise.
func (p *HosterPool) Reserve(id uuid.UUID) {
	if h, ok := p.hosters[id]; ok {
		h.Load++
	}
}

func (p *HosterPool) Release(id uuid.UUID) {
	if h, ok := p.hosters[id]; ok && h.Load > 0 {
		h.Load--
	}
}

func (p *HosterPool) Remove(id uuid.UUID) (Hoster, bool) {
	h, ok := p.hosters[id]
	if !ok {
		return Hoster{}, false
	}

	delete(p.hosters, id)
	delete(p.byAddr, h.Addr)

	return *h, true
}

// Expire removes hosters that have not announced since before cutoff.
func (p *HosterPool) Expire(cutoff time.Time) []Hoster {
	var gone []Hoster

	for _, id := range p.sortedIDs() {
		if p.hosters[id].LastSeen.Before(cutoff) {
			h, _ := p.Remove(id)
			gone = append(gone, h)
		}
	}

	return gone
}

func (p *HosterPool) Len() int {
	return len(p.hosters)
}

func (p *HosterPool) sortedIDs() []uuid.UUID {
	ids := maps.Keys(p.hosters)
	slices.SortFunc(ids, func(a, b uuid.UUID) int {
		return slices.Compare(a[:], b[:])
	})
	return ids
}
