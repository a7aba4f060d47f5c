package rate

import (
	"sync"
	"time"
)

// Limiter is a fixed-window counter keyed by caller. Allow returns whether
// the call fits and how long until the window resets.
type Limiter interface {
	Allow(key string, limit int, window time.Duration) (bool, time.Duration)
}

const pruneEvery = 1024

type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	calls   int
	now     func() time.Time
}

type bucket struct {
	count   int
	resetAt time.Time
	window  time.Duration
}

func NewMemory() *MemoryLimiter {
	return &MemoryLimiter{buckets: make(map[string]*bucket), now: time.Now}
}

// Key scopes a client to one action so limits do not share a budget.
func Key(action, client string) string {
	return action + ":" + client
}

func (m *MemoryLimiter) Allow(key string, limit int, window time.Duration) (bool, time.Duration) {
	if limit <= 0 {
		return true, 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.calls++
	if m.calls%pruneEvery == 0 {
		m.pruneLocked(now)
	}

	b, ok := m.buckets[key]
	if !ok || !now.Before(b.resetAt) || b.window != window {
		b = &bucket{resetAt: now.Add(window), window: window}
		m.buckets[key] = b
	}

	if b.count >= limit {
		return false, b.resetAt.Sub(now)
	}
	b.count++
	return true, b.resetAt.Sub(now)
}

func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

func (m *MemoryLimiter) pruneLocked(now time.Time) {
	for k, b := range m.buckets {
		if !now.Before(b.resetAt) {
			delete(m.buckets, k)
		}
	}
}
