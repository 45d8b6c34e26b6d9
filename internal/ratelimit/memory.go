package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Eviction tuning. A bucket untouched for idleEvictAfter belongs to a
// project that stopped ingesting or a client IP that went away; training
// jobs that are still alive heartbeat far more often than that.
const (
	evictInterval  = time.Minute
	idleEvictAfter = 10 * time.Minute
)

// MemoryLimiter is a per-key token bucket held in process memory. The
// server keys it by project id for authenticated traffic and by client IP
// for token exchange, so one runaway training job cannot starve other
// projects of ingest budget. The budget itself comes from
// KIROKU_RATE_LIMIT_PER_MINUTE: refill runs at perMinute/60 tokens per
// second, and the default capacity equals the full minute budget so an SDK
// flushing an offline spool can spend it in one burst.
type MemoryLimiter struct {
	perSecond float64
	capacity  float64

	mu      sync.Mutex
	clients map[string]*clientBucket

	closeOnce sync.Once
	done      chan struct{}
}

// clientBucket is the remaining budget for one key. Refill is lazy:
// tokens accrue on the next Allow call from the time since the previous
// one, so idle keys cost nothing between requests.
type clientBucket struct {
	tokens float64
	seen   time.Time
}

// NewMemoryLimiter creates a limiter sustaining perMinute requests per key
// with bursts of up to burst requests. It starts an eviction goroutine;
// call Close to stop it.
func NewMemoryLimiter(perMinute, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		perSecond: float64(perMinute) / 60,
		capacity:  float64(burst),
		clients:   make(map[string]*clientBucket),
		done:      make(chan struct{}),
	}
	go m.evictLoop()
	return m
}

// Allow takes one token from key's bucket. False means the key is over
// budget right now. The error return exists for the Limiter contract;
// the in-memory implementation never fails.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.clients[key]
	if !ok {
		// A fresh key starts with a full bucket; this request spends the
		// first token.
		m.clients[key] = &clientBucket{tokens: m.capacity - 1, seen: now}
		return true, nil
	}

	b.tokens += now.Sub(b.seen).Seconds() * m.perSecond
	if b.tokens > m.capacity {
		b.tokens = m.capacity
	}
	b.seen = now

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Close stops the eviction goroutine. Idempotent.
func (m *MemoryLimiter) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) evictLoop() {
	ticker := time.NewTicker(evictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictIdle(time.Now())
		}
	}
}

// evictIdle drops buckets whose last request is older than idleEvictAfter,
// bounding the map to keys with live traffic.
func (m *MemoryLimiter) evictIdle(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, b := range m.clients {
		if now.Sub(b.seen) > idleEvictAfter {
			delete(m.clients, key)
		}
	}
}
