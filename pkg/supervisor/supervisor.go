// Package supervisor runs the cadenced observation loops that keep the
// state store current: process presence, telemetry, hardware health,
// music now-playing, watch-condition derivation, the overlay bridge and
// capability probes. Tasks are cooperative: a failing probe logs and
// retries on its next tick, and a panic in one task never takes the
// others down. All mutation flows through the store so every change is
// journaled.
package supervisor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/actuator"
	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/sammi"
	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/store"
)

const sourceName = "supervisor"

// Config holds the tunables for the observation loops.
type Config struct {
	// EDProcessName is the executable whose presence drives ed.running.
	EDProcessName string

	// WatchProcesses maps alias -> executable; presence is published as
	// app.<alias>.running.
	WatchProcesses map[string]string

	// ActiveCadence paces a task whose subject is live, IdleCadence one
	// whose subject is quiet.
	ActiveCadence time.Duration
	IdleCadence   time.Duration

	// TelemetryPath points at the external telemetry JSON file. Empty
	// disables the telemetry task.
	TelemetryPath string

	// HardwareProbePath points at a hardware snapshot file. Empty means
	// sample the host directly.
	HardwareProbePath string

	CPUThresholdPct float64
	MemThresholdPct float64
	HysteresisPct   float64

	// MusicSource is "bridge", "file" or empty (task disabled).
	MusicSource   string
	MusicFilePath string

	// ParserAutorun couples the external parser to game presence.
	ParserAutorun bool

	// LightsConfigured marks the lights webhook as wired, for the
	// capability probe.
	LightsConfigured bool

	// OverlayMaxUpdates caps bridge variable writes per overlay cycle.
	OverlayMaxUpdates int
	// OverlayNoisyKeys are mirrored without waking the deck.
	OverlayNoisyKeys []string

	// DegradedLimit is how many degraded capabilities force the DEGRADED
	// watch condition.
	DegradedLimit int

	// StreamKey is the state key treated as "streaming live".
	StreamKey string
}

func (c *Config) applyDefaults() {
	if c.ActiveCadence <= 0 {
		c.ActiveCadence = 2 * time.Second
	}
	if c.IdleCadence <= 0 {
		c.IdleCadence = 10 * time.Second
	}
	if c.CPUThresholdPct <= 0 {
		c.CPUThresholdPct = 90
	}
	if c.MemThresholdPct <= 0 {
		c.MemThresholdPct = 90
	}
	if c.HysteresisPct <= 0 {
		c.HysteresisPct = 5
	}
	if c.OverlayMaxUpdates <= 0 {
		c.OverlayMaxUpdates = 12
	}
	if c.DegradedLimit <= 0 {
		c.DegradedLimit = 2
	}
	if c.StreamKey == "" {
		c.StreamKey = "app.obs.running"
	}
}

// Supervisor owns the loops. Construct with New, start with Run.
type Supervisor struct {
	st  *store.Store
	cfg Config
	log *slog.Logger

	bridge *sammi.Client
	parser *actuator.Parser
	now    func() time.Time

	listProcs  func(ctx context.Context) (map[string]bool, error)
	foreground func() string
	sampleHW   func(ctx context.Context) (HardwareSample, error)

	tasks []*task
}

// Option adjusts a Supervisor at construction time.
type Option func(*Supervisor)

// WithBridge wires the SAMMI client used by the overlay, music and
// capability tasks.
func WithBridge(c *sammi.Client) Option {
	return func(s *Supervisor) { s.bridge = c }
}

// WithParser wires the external parser handle for lifecycle coupling.
func WithParser(p *actuator.Parser) Option {
	return func(s *Supervisor) { s.parser = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// WithProcessLister overrides the host process probe.
func WithProcessLister(fn func(ctx context.Context) (map[string]bool, error)) Option {
	return func(s *Supervisor) { s.listProcs = fn }
}

// WithForeground overrides the foreground window probe.
func WithForeground(fn func() string) Option {
	return func(s *Supervisor) { s.foreground = fn }
}

// WithHardwareSampler overrides the hardware probe.
func WithHardwareSampler(fn func(ctx context.Context) (HardwareSample, error)) Option {
	return func(s *Supervisor) { s.sampleHW = fn }
}

// New builds a supervisor and its task set. Tasks whose inputs are not
// configured are left out entirely.
func New(st *store.Store, cfg Config, log *slog.Logger, opts ...Option) *Supervisor {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	s := &Supervisor{
		st:         st,
		cfg:        cfg,
		log:        log.With("component", "supervisor"),
		now:        func() time.Time { return time.Now().UTC() },
		listProcs:  listProcesses,
		foreground: foregroundProcess,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sampleHW == nil {
		if cfg.HardwareProbePath != "" {
			s.sampleHW = fileHardwareSampler(cfg.HardwareProbePath)
		} else {
			s.sampleHW = hostHardwareSampler()
		}
	}

	pres := newPresenceTask(s)
	s.tasks = append(s.tasks, &task{
		name:  "presence",
		every: func() time.Duration { return s.cadence(pres.edUp()) },
		run:   pres.run,
	})

	if cfg.TelemetryPath != "" {
		tel := newTelemetryTask(s)
		s.tasks = append(s.tasks, &task{
			name:  "telemetry",
			every: func() time.Duration { return s.cadence(s.st.GetBool("ed.running")) },
			run:   tel.run,
		})
	}

	hw := newHardwareTask(s)
	s.tasks = append(s.tasks, &task{
		name:  "hardware",
		every: func() time.Duration { return s.cfg.IdleCadence },
		run:   hw.run,
	})

	if cfg.MusicSource != "" {
		mus := newMusicTask(s)
		s.tasks = append(s.tasks, &task{
			name:  "music",
			every: func() time.Duration { return s.cadence(mus.playing()) },
			run:   mus.run,
		})
	}

	watch := newWatchTask(s)
	s.tasks = append(s.tasks, &task{
		name:  "watch",
		every: func() time.Duration { return s.cfg.ActiveCadence },
		run:   watch.run,
	})

	if s.bridge != nil {
		ov := newOverlayTask(s)
		s.tasks = append(s.tasks, &task{
			name:  "overlay",
			every: func() time.Duration { return s.cadence(s.st.GetBool("ed.running")) },
			run:   ov.run,
		})
	}

	caps := newCapabilityTask(s)
	s.tasks = append(s.tasks, &task{
		name:  "capabilities",
		every: func() time.Duration { return s.cfg.IdleCadence },
		run:   caps.run,
	})

	return s
}

type task struct {
	name  string
	every func() time.Duration
	run   func(ctx context.Context) error
}

// Run starts every task loop and blocks until ctx is canceled.
func (s *Supervisor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, t := range s.tasks {
		wg.Add(1)
		go func(t *task) {
			defer wg.Done()
			s.loop(ctx, t)
		}(t)
	}
	wg.Wait()
}

// Tick runs every task once, synchronously. Tests and the boot sequence
// use it to seed state before the loops take over.
func (s *Supervisor) Tick(ctx context.Context) {
	for _, t := range s.tasks {
		s.step(ctx, t)
	}
}

func (s *Supervisor) loop(ctx context.Context, t *task) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		s.step(ctx, t)
		timer.Reset(t.every())
	}
}

func (s *Supervisor) step(ctx context.Context, t *task) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task panicked", "task", t.name, "panic", r)
		}
	}()
	if err := t.run(ctx); err != nil {
		s.log.Warn("task tick failed", "task", t.name, "error", err)
	}
}

func (s *Supervisor) cadence(active bool) time.Duration {
	if active {
		return s.cfg.ActiveCadence
	}
	return s.cfg.IdleCadence
}

// setState journals one observation. Returns whether the stored value
// actually moved.
func (s *Supervisor) setState(key string, v interface{}) bool {
	raw, err := json.Marshal(v)
	if err != nil {
		s.log.Error("encode state value", "key", key, "error", err)
		return false
	}
	changed, err := s.st.SetState(store.StateItem{Key: key, Value: raw, Source: sourceName, Confidence: 1})
	if err != nil {
		s.log.Warn("state write failed", "key", key, "error", err)
		return false
	}
	return changed
}

func (s *Supervisor) emit(eventType, severity string, payload map[string]interface{}, tags ...string) {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("encode event payload", "event", eventType, "error", err)
		return
	}
	if _, err := s.st.AppendEvent(store.Event{
		Type:     eventType,
		Source:   sourceName,
		Severity: severity,
		Payload:  raw,
		Tags:     tags,
	}); err != nil {
		s.log.Warn("event append failed", "event", eventType, "error", err)
	}
}

// setCapability updates one probe result and emits CAPABILITY_CHANGED
// when the status moves.
func (s *Supervisor) setCapability(name, status, detail string) {
	changed, err := s.st.SetCapability(name, status, detail)
	if err != nil {
		s.log.Warn("capability write failed", "capability", name, "error", err)
		return
	}
	if changed {
		sev := store.SeverityInfo
		if status != store.CapAvailable {
			sev = store.SeverityWarn
		}
		s.emit(store.EventCapabilityChanged, sev, map[string]interface{}{
			"capability": name,
			"status":     status,
			"detail":     detail,
		}, "capability")
	}
}
