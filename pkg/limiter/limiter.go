// Package limiter enforces per-key request budgets for the HTTP surface.
// The in-memory backend suits the usual single-box deployment; the Redis
// backend keeps budgets shared when several instances front one store.
package limiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter answers whether one more request under key fits its budget.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

const (
	sweepEvery = time.Minute
	staleAfter = 3 * time.Minute
)

// Memory is a per-key token bucket backed by x/time/rate. Idle keys are
// swept so a churn of one-shot clients cannot grow the map forever.
type Memory struct {
	rps   rate.Limit
	burst int
	now   func() time.Time

	mu   sync.Mutex
	keys map[string]*visitor

	stopOnce sync.Once
	stop     chan struct{}
}

type visitor struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewMemory builds an in-memory limiter allowing rps sustained requests
// per key with the given burst. Call Close to stop the sweeper.
func NewMemory(rps float64, burst int) *Memory {
	m := &Memory{
		rps:   rate.Limit(rps),
		burst: burst,
		now:   time.Now,
		keys:  make(map[string]*visitor),
		stop:  make(chan struct{}),
	}
	go m.sweeper()
	return m
}

func (m *Memory) Allow(_ context.Context, key string) (bool, error) {
	now := m.now()
	m.mu.Lock()
	v, ok := m.keys[key]
	if !ok {
		v = &visitor{lim: rate.NewLimiter(m.rps, m.burst)}
		m.keys[key] = v
	}
	v.lastSeen = now
	m.mu.Unlock()
	return v.lim.AllowN(now, 1), nil
}

// Close stops the background sweeper. Safe to call more than once.
func (m *Memory) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Memory) sweeper() {
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Memory) sweep() {
	cutoff := m.now().Add(-staleAfter)
	m.mu.Lock()
	for key, v := range m.keys {
		if v.lastSeen.Before(cutoff) {
			delete(m.keys, key)
		}
	}
	m.mu.Unlock()
}
