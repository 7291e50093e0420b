package pipeline

import (
	"sync"
	"time"
)

// defaultRateRetention bounds how long execution timestamps are kept.
// Policy rate windows longer than this would undercount.
const defaultRateRetention = 10 * time.Minute

// RateRecorder tracks approved execution times per condition and tool
// so the policy engine can enforce rolling-window budgets. Dry runs
// and denied actions are never recorded.
type RateRecorder struct {
	retention time.Duration

	mu      sync.Mutex
	history map[string][]time.Time
}

// NewRateRecorder returns a recorder that keeps timestamps for at most
// retention. Zero or negative retention selects the default.
func NewRateRecorder(retention time.Duration) *RateRecorder {
	if retention <= 0 {
		retention = defaultRateRetention
	}
	return &RateRecorder{
		retention: retention,
		history:   make(map[string][]time.Time),
	}
}

// Record notes one approved execution of tool under condition.
func (r *RateRecorder) Record(condition, tool string, now time.Time) {
	key := condition + ":" + tool
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history[key] = append(prune(r.history[key], now, r.retention), now)
}

// Snapshot returns a copy of the retained history for tool under
// condition. The copy is safe for the caller to hold across the
// policy evaluation.
func (r *RateRecorder) Snapshot(condition, tool string, now time.Time) []time.Time {
	key := condition + ":" + tool
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := prune(r.history[key], now, r.retention)
	if len(kept) == 0 {
		delete(r.history, key)
		return nil
	}
	r.history[key] = kept
	out := make([]time.Time, len(kept))
	copy(out, kept)
	return out
}

func prune(ts []time.Time, now time.Time, retention time.Duration) []time.Time {
	cutoff := now.Add(-retention)
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}
