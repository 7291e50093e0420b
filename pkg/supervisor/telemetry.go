package supervisor

import (
	"context"
	"encoding/json"
	"os"
	"time"
)

// telemetryFields is the curated subset of the external telemetry file
// that gets published. Everything else in the file is ignored.
var telemetryFields = []string{
	"commander", "ship", "system", "station", "body",
	"docked", "landed", "supercruise",
	"fuel_level", "fuel_capacity",
	"shields_up", "hardpoints_deployed", "in_danger",
}

// telemetryTask mirrors the external telemetry file into ed.telemetry.*
// state keys. The file is re-read only when its mtime moves.
type telemetryTask struct {
	s       *Supervisor
	lastMod time.Time
}

func newTelemetryTask(s *Supervisor) *telemetryTask {
	return &telemetryTask{s: s}
}

func (t *telemetryTask) run(ctx context.Context) error {
	fi, err := os.Stat(t.s.cfg.TelemetryPath)
	if err != nil {
		// Missing file is the normal idle condition; the capability
		// probe reports it.
		return nil
	}
	if !fi.ModTime().After(t.lastMod) {
		return nil
	}

	data, err := os.ReadFile(t.s.cfg.TelemetryPath)
	if err != nil {
		return err
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	for _, field := range telemetryFields {
		if v, ok := doc[field]; ok {
			t.s.setState("ed.telemetry."+field, v)
		}
	}
	t.lastMod = fi.ModTime()
	return nil
}
