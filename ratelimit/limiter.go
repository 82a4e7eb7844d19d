// Package ratelimit implements a per-endpoint upload quota.
package ratelimit

import (
	"sync"

	"github.com/perimetric/reporting/clock"
)

// Limiter is a token-bucket rate limiter keyed by endpoint URL. The
// delivery agent consults it before committing a batch; an over-quota
// endpoint is skipped for the tick and its batch stays queued.
type Limiter struct {
	mu      sync.Mutex
	clk     clock.Clock
	buckets map[string]*bucket
}

type bucket struct {
	tokens   float64
	lastFill int64   // unix nanos
	rate     float64 // tokens per second
}

// New creates a rate limiter driven by the given clock.
func New(clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.Real()
	}
	return &Limiter{
		clk:     clk,
		buckets: make(map[string]*bucket),
	}
}

// Allow checks whether an upload to the endpoint may proceed under the
// given per-second rate and, if so, consumes a token. A rate of 0 means
// unlimited.
func (l *Limiter) Allow(endpointURL string, rate int) bool {
	if rate <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.getOrCreateBucket(endpointURL, float64(rate))
	b.refill(l.clk.Now().UnixNano())

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Reset clears the quota state for an endpoint, e.g. after it is removed.
func (l *Limiter) Reset(endpointURL string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, endpointURL)
}

func (l *Limiter) getOrCreateBucket(endpointURL string, rate float64) *bucket {
	b, ok := l.buckets[endpointURL]
	if !ok {
		b = &bucket{
			tokens:   rate, // start full
			lastFill: l.clk.Now().UnixNano(),
			rate:     rate,
		}
		l.buckets[endpointURL] = b
	}
	return b
}

func (b *bucket) refill(nowNanos int64) {
	elapsed := float64(nowNanos-b.lastFill) / 1e9
	b.tokens += elapsed * b.rate
	if b.tokens > b.rate {
		b.tokens = b.rate // cap at burst size = rate
	}
	b.lastFill = nowNanos
}
