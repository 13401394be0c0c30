package rendezvous

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/sharedflight/common/types"
	"github.com/sharedflight/common/types/ident"
	"go4.org/netipx"
)

const (
	DefaultRateLimit     = 300
	DefaultRateWindow    = time.Hour
	DefaultSweepInterval = 600 * time.Second

	pseudonymLen = 5
)

type counter struct {
	count       int
	windowStart time.Time
	last        time.Time
}

// RateLimiter counts requests per source IP in fixed windows.
type RateLimiter struct {
	limit  int
	window time.Duration
	exempt *netipx.IPSet

	counters   map[netip.Addr]*counter
	pseudonyms map[netip.Addr]string
}

func NewRateLimiter(limit int, window time.Duration, exempt *netipx.IPSet) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}

	return &RateLimiter{
		limit:      limit,
		window:     window,
		exempt:     exempt,
		counters:   make(map[netip.Addr]*counter),
		pseudonyms: make(map[netip.Addr]string),
	}
}

func (r *RateLimiter) Exempt(ip netip.Addr) bool {
	return r.exempt != nil && r.exempt.Contains(types.NormaliseAddr(ip))
}

// Allow counts one request from ip, and reports whether it is within the limit.
func (r *RateLimiter) Allow(ip netip.Addr, now time.Time) bool {
	ip = types.NormaliseAddr(ip)

	if r.Exempt(ip) {
		return true
	}

	c, ok := r.counters[ip]
	if !ok {
		c = &counter{windowStart: now}
		r.counters[ip] = c
	}

	if now.Sub(c.windowStart) >= r.window {
		c.count = 0
		c.windowStart = now
	}

	c.last = now

	if c.count >= r.limit {
		return false
	}
	c.count++

	return true
}

// Sweep forgets counters that have been idle for a whole window, and returns how many went.
func (r *RateLimiter) Sweep(now time.Time) int {
	removed := 0

	for ip, c := range r.counters {
		if now.Sub(c.last) >= r.window {
			delete(r.counters, ip)
			delete(r.pseudonyms, ip)
			removed++
		}
	}

	return removed
}

func (r *RateLimiter) Tracked() int {
	return len(r.counters)
}

// Pseudonym returns a stable random tag for ip, so logs need not carry addresses.
func (r *RateLimiter) Pseudonym(ip netip.Addr) string {
	ip = types.NormaliseAddr(ip)

	p, ok := r.pseudonyms[ip]
	if !ok {
		p = string(ident.NewSessionID(pseudonymLen))
		r.pseudonyms[ip] = p
	}
	return p
}

// ExemptSet builds the set of never-limited addresses from prefixes or single addresses.
func ExemptSet(entries []string) (*netipx.IPSet, error) {
	var b netipx.IPSetBuilder

	for _, e := range entries {
		if p, err := netip.ParsePrefix(e); err == nil {
			b.AddPrefix(p.Masked())
			continue
		}

		ip, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("invalid exempt entry %q: %w", e, err)
		}
		b.Add(types.NormaliseAddr(ip))
	}

	return b.IPSet()
}
