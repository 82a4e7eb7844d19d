// Package clock abstracts time for testability. Production code injects
// Real(); tests inject a Fake with deterministic time control.
package clock

import "time"

// Clock is the tick source consumed by the cache, the delivery agent, and
// the garbage collector. Any code that would call time.Now or
// time.NewTicker takes a Clock instead.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// NewTicker returns a Ticker that delivers ticks on its C channel at
	// the given interval. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Ticker wraps a periodic timer. Read ticks from C; call Stop to release
// resources. The C channel has capacity 1, matching time.Ticker: if the
// consumer falls behind, ticks are dropped rather than queued.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop turns off the ticker. No more ticks are sent on C after Stop
// returns. Stop does not close C.
func (t *Ticker) Stop() { t.stopFunc() }

type realClock struct{}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTicker(d time.Duration) *Ticker {
	tk := time.NewTicker(d)
	return &Ticker{C: tk.C, stopFunc: tk.Stop}
}
