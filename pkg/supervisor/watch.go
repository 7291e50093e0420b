package supervisor

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/store"
)

// Watch conditions derived by the supervisor. An operator can pin any
// condition through the policy.force_condition state key.
const (
	ConditionStandby    = "STANDBY"
	ConditionGame       = "GAME"
	ConditionRestricted = "RESTRICTED"
	ConditionDegraded   = "DEGRADED"
)

const forceConditionKey = "policy.force_condition"

// watchTask derives the watch condition from the observed world and
// journals exactly one WATCH_CONDITION_CHANGED plus one HANDOVER_NOTE
// per transition.
type watchTask struct {
	s *Supervisor
}

func newWatchTask(s *Supervisor) *watchTask {
	return &watchTask{s: s}
}

func (t *watchTask) run(ctx context.Context) error {
	forced := strings.ToUpper(strings.TrimSpace(t.s.st.GetString(forceConditionKey)))
	degraded, err := t.s.st.DegradedCount()
	if err != nil {
		return err
	}
	gameUp := t.s.st.GetBool("ed.running")
	streaming := t.s.st.GetBool(t.s.cfg.StreamKey)

	next := deriveCondition(forced, degraded >= t.s.cfg.DegradedLimit, streaming, gameUp)

	prev := t.s.st.GetString("system.watch_condition")
	if !t.s.setState("system.watch_condition", next) {
		return nil
	}

	inputs := map[string]interface{}{
		"forced":         forced,
		"game_running":   gameUp,
		"streaming":      streaming,
		"degraded_count": degraded,
	}
	t.s.emit(store.EventWatchCondition, store.SeverityInfo, map[string]interface{}{
		"from":   prev,
		"to":     next,
		"inputs": inputs,
	}, "watch")

	t.s.emit(store.EventHandoverNote, store.SeverityInfo, map[string]interface{}{
		"from":   prev,
		"to":     next,
		"note":   fmt.Sprintf("watch condition %s -> %s (game=%v streaming=%v degraded=%d)", orUnset(prev), next, gameUp, streaming, degraded),
		"inputs": inputs,
		"apps":   t.runningApps(),
	}, "watch")
	return nil
}

// deriveCondition folds the observed inputs down to one condition.
// Precedence: operator force, then degraded plant, then a live stream,
// then the game, then standby.
func deriveCondition(forced string, degraded, streaming, gameUp bool) string {
	switch {
	case forced != "":
		return forced
	case degraded:
		return ConditionDegraded
	case streaming:
		return ConditionRestricted
	case gameUp:
		return ConditionGame
	default:
		return ConditionStandby
	}
}

func (t *watchTask) runningApps() []string {
	var apps []string
	for alias := range t.s.cfg.WatchProcesses {
		if t.s.st.GetBool("app." + alias + ".running") {
			apps = append(apps, alias)
		}
	}
	sort.Strings(apps)
	return apps
}

func orUnset(s string) string {
	if s == "" {
		return "(unset)"
	}
	return s
}
