package handshake

import (
	"context"
	"time"
)

// DefaultTick is how often Run advances a state.
const DefaultTick = 5 * time.Millisecond

// Run advances s until it concludes or ctx is done.
//
// On cancellation the Transport is still handed back in the returned Transition.
func Run(ctx context.Context, s State, tick time.Duration) (Transition, error) {
	if tick <= 0 {
		tick = DefaultTick
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		t := Advance(s)
		if t.Outcome != InProgress {
			return t, nil
		}
		s = t.Next

		select {
		case <-ctx.Done():
			return s.fail(FailureCancelled, ""), ctx.Err()
		case <-ticker.C:
		}
	}
}
