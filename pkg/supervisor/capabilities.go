package supervisor

import (
	"context"
	"os"
	"time"

	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/store"
)

// telemetryStaleAfter is how old the telemetry file may get before the
// capability degrades.
const telemetryStaleAfter = time.Minute

// capabilityTask probes the configured subsystems and records their
// health. Only wired subsystems get a row; an unconfigured bridge is
// not an outage.
type capabilityTask struct {
	s *Supervisor
}

func newCapabilityTask(s *Supervisor) *capabilityTask {
	return &capabilityTask{s: s}
}

func (t *capabilityTask) run(ctx context.Context) error {
	if t.s.bridge != nil {
		if err := t.s.bridge.Ping(ctx); err != nil {
			t.s.setCapability("bridge", store.CapUnavailable, err.Error())
		} else {
			t.s.setCapability("bridge", store.CapAvailable, "")
		}
	}

	if t.s.cfg.LightsConfigured {
		t.s.setCapability("lights", store.CapAvailable, "webhook configured")
	}

	if t.s.parser != nil {
		detail := "stopped"
		if t.s.parser.Running() {
			detail = "running"
		}
		t.s.setCapability("parser", store.CapAvailable, detail)
	}

	if t.s.cfg.TelemetryPath != "" {
		t.probeTelemetry()
	}
	return nil
}

func (t *capabilityTask) probeTelemetry() {
	fi, err := os.Stat(t.s.cfg.TelemetryPath)
	switch {
	case err != nil:
		t.s.setCapability("telemetry", store.CapUnavailable, "file missing")
	case t.s.now().Sub(fi.ModTime()) > telemetryStaleAfter && t.s.st.GetBool("ed.running"):
		t.s.setCapability("telemetry", store.CapDegraded, "stale")
	default:
		t.s.setCapability("telemetry", store.CapAvailable, "")
	}
}
