// Package ratelimit provides token-bucket limiters keyed by caller identity.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Pool hands out one token bucket per key. Buckets idle for longer than
// idleTTL are dropped on the next sweep.
type Pool struct {
	rps     rate.Limit
	burst   int
	idleTTL time.Duration

	mu        sync.Mutex
	m         map[string]*entry
	lastSweep time.Time
}

type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewPool constructs a Pool. rps <= 0 defaults to 5 and burst <= 0 to 10.
func NewPool(rps float64, burst int) *Pool {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &Pool{
		rps:     rate.Limit(rps),
		burst:   burst,
		idleTTL: 10 * time.Minute,
		m:       make(map[string]*entry),
	}
}

// Allow reports whether an event for key may happen now.
func (p *Pool) Allow(key string) bool {
	return p.AllowAt(key, time.Now())
}

// AllowAt is Allow at an explicit instant.
func (p *Pool) AllowAt(key string, now time.Time) bool {
	return p.get(key, now).AllowN(now, 1)
}

// RetryAfter estimates how long key must wait for the next token.
func (p *Pool) RetryAfter(key string, now time.Time) time.Duration {
	r := p.get(key, now).ReserveN(now, 1)
	if !r.OK() {
		return time.Second
	}
	d := r.DelayFrom(now)
	r.CancelAt(now)
	return d
}

// Len returns the number of tracked keys.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

func (p *Pool) get(key string, now time.Time) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if now.Sub(p.lastSweep) > p.idleTTL {
		for k, e := range p.m {
			if now.Sub(e.lastSeen) > p.idleTTL {
				delete(p.m, k)
			}
		}
		p.lastSweep = now
	}

	e, ok := p.m[key]
	if !ok {
		e = &entry{lim: rate.NewLimiter(p.rps, p.burst)}
		p.m[key] = e
	}
	e.lastSeen = now
	return e.lim
}
