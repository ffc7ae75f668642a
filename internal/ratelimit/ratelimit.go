package ratelimit

import (
	"sync"

	ratelib "golang.org/x/time/rate"

	"github.com/fabian4/edge-homebrew-go/internal/model"
)

// Key identifies one route's bucket within one routing generation. A reload
// starts every route with a full bucket, like the balancer cursors.
type Key struct {
	Generation uint64
	Host       string // server_name, empty for the default host
	Bind       string
	Location   string
}

// Limiter manages token bucket limiters for rate-limited routes.
type Limiter struct {
	mu       sync.RWMutex
	limiters map[Key]*ratelib.Limiter
}

func NewLimiter() *Limiter {
	return &Limiter{limiters: make(map[Key]*ratelib.Limiter)}
}

// Allow reports whether one request may pass the bucket for key.
func (l *Limiter) Allow(key Key, rl model.RateLimit) bool {
	l.mu.RLock()
	lim, ok := l.limiters[key]
	l.mu.RUnlock()

	if !ok {
		l.mu.Lock()
		lim, ok = l.limiters[key]
		if !ok {
			lim = ratelib.NewLimiter(ratelib.Limit(rl.RequestsPerSecond), rl.Burst)
			l.limiters[key] = lim
		}
		l.mu.Unlock()
	}
	return lim.Allow()
}

// DropBefore removes buckets belonging to generations older than gen.
func (l *Limiter) DropBefore(gen uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.limiters {
		if k.Generation < gen {
			delete(l.limiters, k)
		}
	}
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limiters)
}
