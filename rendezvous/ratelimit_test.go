package rendezvous

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterWindow(t *testing.T) {
	r := NewRateLimiter(3, time.Hour, nil)
	ip := netip.MustParseAddr("203.0.113.5")

	for i := 0; i < 3; i++ {
		assert.True(t, r.Allow(ip, now))
	}
	assert.False(t, r.Allow(ip, now))
	assert.False(t, r.Allow(ip, now.Add(59*time.Minute)))

	assert.True(t, r.Allow(netip.MustParseAddr("203.0.113.6"), now), "limits are per address")

	assert.True(t, r.Allow(ip, now.Add(time.Hour)), "a new window starts fresh")
}

func TestRateLimiterNormalises(t *testing.T) {
	r := NewRateLimiter(1, time.Hour, nil)

	assert.True(t, r.Allow(netip.MustParseAddr("::ffff:203.0.113.5"), now))
	assert.False(t, r.Allow(netip.MustParseAddr("203.0.113.5"), now))
	assert.Equal(t, 1, r.Tracked())
}

func TestRateLimiterExempt(t *testing.T) {
	set, err := ExemptSet([]string{"10.0.0.0/8", "2001:db8::1"})
	require.NoError(t, err)

	r := NewRateLimiter(1, time.Hour, set)

	for i := 0; i < 10; i++ {
		assert.True(t, r.Allow(netip.MustParseAddr("10.1.2.3"), now))
		assert.True(t, r.Allow(netip.MustParseAddr("2001:db8::1"), now))
	}
	assert.Zero(t, r.Tracked())

	_, err = ExemptSet([]string{"not-an-ip"})
	assert.Error(t, err)
}

func TestRateLimiterSweep(t *testing.T) {
	r := NewRateLimiter(5, time.Hour, nil)

	old := netip.MustParseAddr("203.0.113.1")
	recent := netip.MustParseAddr("203.0.113.2")

	r.Allow(old, now)
	r.Allow(recent, now.Add(50*time.Minute))

	oldName := r.Pseudonym(old)
	assert.Len(t, oldName, pseudonymLen)
	assert.Equal(t, oldName, r.Pseudonym(old))

	assert.Equal(t, 1, r.Sweep(now.Add(time.Hour)))
	assert.Equal(t, 1, r.Tracked())
}
