package clock

import (
	"sync"
	"time"
)

// FakeClock is a Clock whose time only moves when the test advances it.
// Tickers created from a FakeClock fire during Advance when their interval
// elapses.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

type fakeTicker struct {
	ch       chan time.Time
	interval time.Duration
	next     time.Time
	stopped  bool
}

// NewFake returns a FakeClock starting at a fixed, arbitrary instant.
func NewFake() *FakeClock {
	return &FakeClock{now: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// Now returns the fake current time.
func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// NewTicker returns a ticker driven by Advance.
func (f *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	ft := &fakeTicker{
		ch:       make(chan time.Time, 1),
		interval: d,
		next:     f.now.Add(d),
	}
	f.tickers = append(f.tickers, ft)

	return &Ticker{
		C: ft.ch,
		stopFunc: func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			ft.stopped = true
		},
	}
}

// Advance moves the clock forward by d, firing any tickers whose interval
// elapses. Each ticker fires at most once per Advance call, matching the
// drop-on-backlog behavior of time.Ticker's capacity-1 channel.
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.now = f.now.Add(d)
	for _, ft := range f.tickers {
		if ft.stopped || f.now.Before(ft.next) {
			continue
		}
		for !f.now.Before(ft.next) {
			ft.next = ft.next.Add(ft.interval)
		}
		select {
		case ft.ch <- f.now:
		default:
		}
	}
}
