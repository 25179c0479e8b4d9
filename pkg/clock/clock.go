// Package clock provides the time source used by the expiry schedulers.
//
// Production code receives Real(). Tests receive Fake(t0) and move time
// forward explicitly with Advance, using BlockUntil to wait for goroutines to
// arm their timers first:
//
//	c := clock.Fake(t0)
//	go scheduler.run(ctx)
//	c.BlockUntil(1)
//	c.Advance(10 * time.Second)
package clock

import "time"

// Clock is the subset of the time package the daemon depends on.
type Clock interface {
	Now() time.Time

	// NewTimer returns a timer that delivers on C once d has elapsed.
	// If d <= 0 the timer is already expired when returned.
	NewTimer(d time.Duration) *Timer

	// After is NewTimer(d).C without a way to stop the timer.
	After(d time.Duration) <-chan time.Time
}

// Timer is a single-shot timer. C has capacity 1.
type Timer struct {
	C <-chan time.Time

	stop func() bool
}

// Stop prevents the timer from firing. It reports whether the call stopped
// the timer (false if it already fired or was stopped).
func (t *Timer) Stop() bool {
	if t == nil || t.stop == nil {
		return false
	}
	return t.stop()
}

// Until returns the duration from c.Now() to at (negative if at passed).
func Until(c Clock, at time.Time) time.Duration { return at.Sub(c.Now()) }
