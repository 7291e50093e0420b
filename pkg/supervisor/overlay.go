package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Bridge variable naming for mirrored state keys.
const (
	overlayVarPrefix = "wk_"
	overlayPulseVar  = "wk_pulse"
)

// overlayPrefixes are the state namespaces mirrored to the deck.
var overlayPrefixes = []string{"ed.telemetry.", "music.", "hw.", "system."}

// overlayTask mirrors changed state keys to bridge variables while the
// game is up. Writes are diffed against the last values actually sent,
// capped per cycle, and followed by one pulse write so the deck can
// wake on a single trigger. Noisy keys are mirrored without pulsing.
type overlayTask struct {
	s        *Supervisor
	noisy    map[string]bool
	lastSent map[string]string
}

func newOverlayTask(s *Supervisor) *overlayTask {
	noisy := make(map[string]bool, len(s.cfg.OverlayNoisyKeys))
	for _, k := range s.cfg.OverlayNoisyKeys {
		noisy[k] = true
	}
	return &overlayTask{s: s, noisy: noisy, lastSent: make(map[string]string)}
}

func (t *overlayTask) run(ctx context.Context) error {
	if !t.s.st.GetBool("ed.running") {
		return nil
	}

	current := make(map[string]string)
	for _, prefix := range overlayPrefixes {
		entries, err := t.s.st.ListState(prefix)
		if err != nil {
			return err
		}
		for _, e := range entries {
			current[e.Key] = string(e.Value)
		}
	}

	var changed []string
	for key, raw := range current {
		if t.lastSent[key] != raw {
			changed = append(changed, key)
		}
	}
	sort.Strings(changed)
	if len(changed) > t.s.cfg.OverlayMaxUpdates {
		changed = changed[:t.s.cfg.OverlayMaxUpdates]
	}

	pulse := false
	for _, key := range changed {
		raw := current[key]
		if err := t.s.bridge.SetVariable(ctx, overlayVar(key), json.RawMessage(raw)); err != nil {
			return fmt.Errorf("overlay: set %s: %w", key, err)
		}
		t.lastSent[key] = raw
		if !t.noisy[key] {
			pulse = true
		}
	}

	if pulse {
		if err := t.s.bridge.SetVariable(ctx, overlayPulseVar, t.s.now().UnixMilli()); err != nil {
			return fmt.Errorf("overlay: pulse: %w", err)
		}
	}
	return nil
}

// overlayVar maps a state key to its deck variable name.
func overlayVar(key string) string {
	return overlayVarPrefix + strings.ReplaceAll(key, ".", "_")
}
