package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateStateKey(t *testing.T) {
	valid := []string{
		"ed.running",
		"music.now_playing",
		"hw.cpu.logical_cores",
		"policy.watch_condition",
		"ai.router.health",
		"app.sammi.running",
	}
	for _, key := range valid {
		t.Run(key, func(t *testing.T) {
			assert.NoError(t, ValidateStateKey(key))
		})
	}

	invalid := []string{
		"System.CPU",
		"ED.running",
		"ed",
		"ed..running",
		"music-now_playing",
		"",
		".ed.running",
		"ed.running.",
		"ed running",
	}
	for _, key := range invalid {
		t.Run("reject_"+key, func(t *testing.T) {
			assert.ErrorIs(t, ValidateStateKey(key), ErrInvalidStateKey)
		})
	}
}

func TestValidateIngestKey(t *testing.T) {
	assert.NoError(t, ValidateIngestKey("ed.telemetry.fuel", false))
	assert.NoError(t, ValidateIngestKey("music.now_playing", false))
	assert.NoError(t, ValidateIngestKey("hw.cpu.load_pct", false))
	assert.NoError(t, ValidateIngestKey("policy.watch_condition", false))
	assert.NoError(t, ValidateIngestKey("ai.router.health", false))

	// Runtime namespaces stay closed to external writers.
	assert.ErrorIs(t, ValidateIngestKey("app.sammi.running", false), ErrInvalidStateKey)
	assert.ErrorIs(t, ValidateIngestKey("twitch.last_event", false), ErrInvalidStateKey)
	assert.ErrorIs(t, ValidateIngestKey("jinx.scene", false), ErrInvalidStateKey)
	assert.ErrorIs(t, ValidateIngestKey("random.key", false), ErrInvalidStateKey)

	// Dev ingest opens the runtime namespaces but nothing else.
	assert.NoError(t, ValidateIngestKey("app.sammi.running", true))
	assert.ErrorIs(t, ValidateIngestKey("random.key", true), ErrInvalidStateKey)

	// Shape still applies everywhere.
	assert.ErrorIs(t, ValidateIngestKey("ed..running", true), ErrInvalidStateKey)
}
