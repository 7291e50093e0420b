package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var rateNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestRateRecorder_RecordsPerConditionAndTool(t *testing.T) {
	r := NewRateRecorder(time.Minute)

	r.Record("GAME", "media.next", rateNow.Add(-3*time.Second))
	r.Record("GAME", "media.next", rateNow.Add(-2*time.Second))
	r.Record("GAME", "input.keypress", rateNow.Add(-2*time.Second))
	r.Record("WORK", "media.next", rateNow.Add(-1*time.Second))

	assert.Len(t, r.Snapshot("GAME", "media.next", rateNow), 2)
	assert.Len(t, r.Snapshot("GAME", "input.keypress", rateNow), 1)
	assert.Len(t, r.Snapshot("WORK", "media.next", rateNow), 1)
	assert.Empty(t, r.Snapshot("STANDBY", "media.next", rateNow))
}

func TestRateRecorder_PrunesOldEntries(t *testing.T) {
	r := NewRateRecorder(time.Minute)

	r.Record("GAME", "media.next", rateNow.Add(-90*time.Second))
	r.Record("GAME", "media.next", rateNow.Add(-30*time.Second))

	got := r.Snapshot("GAME", "media.next", rateNow)
	assert.Len(t, got, 1)
	assert.Equal(t, rateNow.Add(-30*time.Second), got[0])

	// Once everything ages out the key reads empty.
	assert.Empty(t, r.Snapshot("GAME", "media.next", rateNow.Add(2*time.Minute)))
}

func TestRateRecorder_SnapshotIsACopy(t *testing.T) {
	r := NewRateRecorder(time.Minute)
	r.Record("GAME", "media.next", rateNow)

	snap := r.Snapshot("GAME", "media.next", rateNow)
	snap[0] = snap[0].Add(time.Hour)

	again := r.Snapshot("GAME", "media.next", rateNow)
	assert.Equal(t, rateNow, again[0])
}

func TestRateRecorder_DefaultRetention(t *testing.T) {
	r := NewRateRecorder(0)
	r.Record("GAME", "media.next", rateNow.Add(-9*time.Minute))
	assert.Len(t, r.Snapshot("GAME", "media.next", rateNow), 1)
	assert.Empty(t, r.Snapshot("GAME", "media.next", rateNow.Add(5*time.Minute)))
}
