// Package ratelimit implements a per-client token bucket rate limiter.
// Thread-safe. No background goroutines; tokens are refilled lazily on each
// Allow call and idle buckets are pruned opportunistically.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a client has exhausted their token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Buckets idle longer than this are dropped during pruning.
const idleExpiry = 10 * time.Minute

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

// Limiter is a per-client token bucket rate limiter.
// Each client gets an independent bucket; one client cannot exhaust
// another's quota.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*bucket
	rate    float64 // tokens per second
	burst   float64 // max bucket capacity
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
// If RequestsPerMinute is 0, Allow always succeeds (unlimited).
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1 // safety floor
	}
	return &Limiter{
		clients: make(map[string]*bucket),
		rate:    float64(cfg.RequestsPerMinute) / 60.0,
		burst:   float64(burst),
	}
}

// Allow checks whether the client has tokens remaining.
// Consumes one token on success. Returns ErrRateLimited when the bucket is empty.
func (l *Limiter) Allow(clientID string) error {
	if l.rate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.clients[clientID]
	if !ok {
		// First request: start with a full bucket.
		if len(l.clients) > 1024 {
			l.prune(now)
		}
		b = &bucket{tokens: l.burst, lastSeen: now}
		l.clients[clientID] = b
	}

	elapsed := now.Sub(b.lastSeen).Seconds()
	b.tokens += elapsed * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastSeen = now

	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--
	return nil
}

// prune drops buckets that have been idle long enough to be full again.
// Caller must hold the mutex.
func (l *Limiter) prune(now time.Time) {
	for id, b := range l.clients {
		if now.Sub(b.lastSeen) > idleExpiry {
			delete(l.clients, id)
		}
	}
}
