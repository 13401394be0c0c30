// Package retry implements the fixed-interval, bounded attempt counter used by
// handshake probes, session requests and hole-punch rounds.
package retry

import "time"

const (
	DefaultMax      = 5
	DefaultInterval = 2 * time.Second
)

type Decision uint8

const (
	// Wait means no round is due yet.
	Wait Decision = iota
	// Send means a round is due, and has been counted.
	Send
	// Exhausted means a round is due, but the budget is spent.
	Exhausted
)

func (d Decision) String() string {
	switch d {
	case Wait:
		return "wait"
	case Send:
		return "send"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Helper counts attempts. The zero value is not usable, use New.
//
// The first Step always sends. Every following round is due one Interval
// after the previous one. A round that is due once Max rounds have been sent
// reports Exhausted instead, so no more than Max rounds are ever sent and the
// last one still gets a full Interval to be answered.
type Helper struct {
	max      int
	interval time.Duration

	attempts int
	last     time.Time
}

func New(max int, interval time.Duration) *Helper {
	if max <= 0 {
		max = DefaultMax
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Helper{max: max, interval: interval}
}

func (h *Helper) due(now time.Time) bool {
	return h.attempts == 0 || now.Sub(h.last) >= h.interval
}

func (h *Helper) Step(now time.Time) Decision {
	if !h.due(now) {
		return Wait
	}

	if h.attempts >= h.max {
		return Exhausted
	}

	h.attempts++
	h.last = now

	return Send
}

// Attempts returns how many rounds have been sent.
func (h *Helper) Attempts() int {
	return h.attempts
}

func (h *Helper) Max() int {
	return h.max
}

func (h *Helper) Reset() {
	h.attempts = 0
	h.last = time.Time{}
}
