package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/actuator"
	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/api"
	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/config"
	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/ingest"
	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/limiter"
	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/observability"
	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/pipeline"
	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/policy"
	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/router"
	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/sammi"
	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/store"
	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/supervisor"
)

// runServer boots the control plane and blocks until SIGINT or SIGTERM.
// Boot order: store, policy, tool table, supervisor, doorbell gate,
// HTTP surface. Shutdown walks the same order in reverse so the event
// log stays writable until the last component is down.
func runServer() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}

	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DBPath, store.WithQuietSources(cfg.QuietSources))
	if err != nil {
		log.Error("store open failed", "db_path", cfg.DBPath, "error", err)
		return 1
	}
	defer st.Close()

	seed, err := policy.LoadOrCreateSeed(cfg.SeedPath)
	if err != nil {
		log.Error("confirm seed unavailable", "seed_path", cfg.SeedPath, "error", err)
		return 1
	}
	minter, err := policy.NewTokenMinter(seed)
	if err != nil {
		log.Error("token minter init failed", "error", err)
		return 1
	}

	// The watcher tolerates a missing or invalid document at boot: the
	// engine answers DENY_POLICY_INVALID until a good file lands.
	watcher, err := policy.NewWatcher(cfg.StandingOrdersPath, log)
	if err != nil {
		log.Error("standing orders watcher failed", "path", cfg.StandingOrdersPath, "error", err)
		return 1
	}
	engine, err := policy.NewEngine(watcher, minter, cfg.ConfirmWindow, log)
	if err != nil {
		log.Error("policy engine init failed", "error", err)
		return 1
	}

	bridge := sammi.New(sammi.Config{
		BaseURL:  cfg.SAMMIBaseURL,
		Password: cfg.SAMMIPassword,
		Timeout:  cfg.BridgeTimeout,
	})

	// Config artifacts are optional: a missing file degrades the feature
	// it feeds. A file that is present but fails to parse or gate is a
	// bad deploy, and booting past it would run with mappings the
	// operator believes are live.
	vindex, err := loadVariableIndex(cfg.VariableIndexPath, log)
	if err != nil {
		log.Error("variable index rejected", "path", cfg.VariableIndexPath, "error", err)
		return 1
	}
	envmap, err := loadEnvironmentMap(cfg.EnvironmentMapPath, log)
	if err != nil {
		log.Error("environment map rejected", "path", cfg.EnvironmentMapPath, "error", err)
		return 1
	}
	appReg, err := loadAppRegistry(cfg.AppRegistryPath, log)
	if err != nil {
		log.Error("app registry rejected", "path", cfg.AppRegistryPath, "error", err)
		return 1
	}

	var parser *actuator.Parser
	if cfg.EDParserCmd != "" {
		parser = actuator.NewParser(actuator.ParserConfig{
			Command:     cfg.EDParserCmd,
			Args:        cfg.EDParserArgs,
			StopTimeout: cfg.ParserStopTimeout,
		}, log)
	}

	rt := router.New(log)
	rt.SetActuatorsEnabled(cfg.ActuatorsEnabled)
	rt.SetKeypressEnabled(cfg.KeypressEnabled)
	if err := registerTools(rt, cfg, st, bridge, appReg, envmap, parser); err != nil {
		log.Error("tool registration failed", "error", err)
		return 1
	}

	pipe, err := pipeline.New(st, engine, minter, rt, pipeline.Config{
		StrictConfirm: cfg.StrictConfirm,
	}, log)
	if err != nil {
		log.Error("pipeline init failed", "error", err)
		return 1
	}

	supOpts := []supervisor.Option{supervisor.WithBridge(bridge)}
	if parser != nil {
		supOpts = append(supOpts, supervisor.WithParser(parser))
	}
	sup := supervisor.New(st, supervisor.Config{
		EDProcessName:     cfg.EDProcessName,
		WatchProcesses:    cfg.WatchProcesses,
		ActiveCadence:     cfg.ActiveCadence,
		IdleCadence:       cfg.IdleCadence,
		TelemetryPath:     cfg.TelemetryPath,
		HardwareProbePath: cfg.HardwareProbePath,
		CPUThresholdPct:   cfg.CPUThresholdPct,
		MemThresholdPct:   cfg.MemThresholdPct,
		HysteresisPct:     cfg.HysteresisPct,
		MusicSource:       cfg.MusicSource,
		MusicFilePath:     cfg.MusicFilePath,
		ParserAutorun:     cfg.EDParserAutorun && parser != nil,
		LightsConfigured:  cfg.LightsWebhookURL != "",
		OverlayMaxUpdates: cfg.OverlayMaxUpdates,
		OverlayNoisyKeys:  cfg.OverlayNoisyKeys,
	}, log, supOpts...)

	sessionID := uuid.NewString()
	svc := ingest.NewService(st, bridge, vindex, ingest.Config{
		Debounce:  cfg.DoorbellDebounce,
		SessionID: sessionID,
	}, log)

	var gate *ingest.Gate
	if cfg.TwitchUDPEnabled {
		gate = ingest.NewGate(svc, st, ingest.GateConfig{Addr: cfg.UDPAddr}, log)
	}

	var lim limiter.Limiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		lim = limiter.NewRedis(rdb, cfg.RateRPS, cfg.RateBurst)
		log.Info("rate limiter: redis", "addr", cfg.RedisAddr)
	} else {
		mem := limiter.NewMemory(cfg.RateRPS, cfg.RateBurst)
		defer mem.Close()
		lim = mem
	}

	var metrics *observability.Provider
	if cfg.OTLPEndpoint != "" {
		ocfg := observability.DefaultConfig()
		ocfg.ServiceVersion = version
		ocfg.OTLPEndpoint = cfg.OTLPEndpoint
		ocfg.Enabled = true
		ocfg.Insecure = true
		metrics, err = observability.New(ctx, ocfg)
		if err != nil {
			log.Warn("telemetry disabled: exporter init failed", "error", err)
			metrics = nil
		}
	}

	srv, err := api.New(api.Deps{
		Store:    st,
		Pipeline: pipe,
		Router:   rt,
		Policy:   watcher,
		Parser:   parser,
		Ingest:   svc,
		Gate:     gate,
		Limiter:  lim,
		Metrics:  metrics,
	}, api.Config{Version: version, DevIngest: cfg.DevIngest}, log)
	if err != nil {
		log.Error("api init failed", "error", err)
		return 1
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Seed presence, capabilities and the watch condition before any
	// request or doorbell packet can observe them.
	sup.Tick(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		watcher.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		sup.Run(ctx)
	}()
	if gate != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			gate.Run(ctx)
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	appendLifecycle(st, store.EventServiceStarted, sessionID, map[string]interface{}{
		"version": version,
		"addr":    cfg.HTTPAddr,
	}, log)
	log.Info("watchkeeper core ready",
		"addr", cfg.HTTPAddr,
		"session_id", sessionID,
		"actuators_enabled", cfg.ActuatorsEnabled,
		"strict_confirm", cfg.StrictConfirm)

	exit := 0
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		log.Error("http server failed", "error", err)
		exit = 1
	}
	stop()

	appendLifecycle(st, store.EventServiceStopping, sessionID, nil, log)

	shCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := httpSrv.Shutdown(shCtx); err != nil {
		log.Warn("http shutdown incomplete", "error", err)
	}
	wg.Wait()

	if parser != nil {
		if _, err := parser.Stop("core", "service stopping", true); err != nil {
			log.Warn("parser stop failed", "error", err)
		}
	}
	if metrics != nil {
		if err := metrics.Shutdown(shCtx); err != nil {
			log.Warn("telemetry shutdown failed", "error", err)
		}
	}

	log.Info("watchkeeper core stopped")
	return exit
}

// registerTools builds the tool table. A tool whose prerequisites are
// missing (no app registry, no lights webhook, no parser command) is
// simply not registered; the router answers TOOL_NOT_IMPLEMENTED for it.
func registerTools(rt *router.Router, cfg *config.Config, st *store.Store, bridge *sammi.Client, appReg *config.AppRegistry, envmap *config.EnvironmentMap, parser *actuator.Parser) error {
	for _, tool := range []string{"media.next", "media.pause", "media.resume"} {
		mk, err := actuator.NewMediaKey(tool)
		if err != nil {
			return err
		}
		if err := rt.Register(router.Binding{Tool: tool, Class: policy.SafetyReadOnly, Adapter: mk}); err != nil {
			return err
		}
	}

	chat := actuator.NewChatSend(actuator.ChatConfig{
		Variable: cfg.ChatVariable,
		Button:   cfg.ChatButton,
	}, bridge)
	if err := rt.Register(router.Binding{Tool: "twitch.send_chat", Class: policy.SafetyLowRisk, Adapter: chat}); err != nil {
		return err
	}

	if appReg != nil {
		launcher := actuator.NewAppLauncher(appReg, nil)
		if err := rt.Register(router.Binding{Tool: "app.open", Class: policy.SafetyLowRisk, Adapter: launcher}); err != nil {
			return err
		}
	}

	if cfg.LightsWebhookURL != "" {
		lights := actuator.NewLights(actuator.LightsConfig{
			URLTemplate:  cfg.LightsWebhookURL,
			Timeout:      cfg.LightsTimeout,
			ResolveScene: sceneResolver(envmap),
		})
		if err := rt.Register(router.Binding{Tool: "lights.set_scene", Class: policy.SafetyLowRisk, Adapter: lights}); err != nil {
			return err
		}
	}

	keypress := actuator.NewKeypress([]string{cfg.EDProcessName}, func() string {
		return st.GetString("app.foreground")
	})
	if err := rt.Register(router.Binding{
		Tool:     "input.keypress",
		Class:    policy.SafetyHighRisk,
		Keypress: true,
		Adapter:  keypress,
	}); err != nil {
		return err
	}

	if parser != nil {
		adapter := actuator.NewParserAdapter(parser, "core")
		for tool, class := range map[string]string{
			"edparser.start":  policy.SafetyLowRisk,
			"edparser.stop":   policy.SafetyLowRisk,
			"edparser.status": policy.SafetyReadOnly,
		} {
			if err := rt.Register(router.Binding{Tool: tool, Class: class, Adapter: adapter}); err != nil {
				return err
			}
		}
	}

	return nil
}

func sceneResolver(envmap *config.EnvironmentMap) func(string) (string, bool) {
	if envmap == nil {
		return nil
	}
	return envmap.Scene
}

func loadVariableIndex(path string, log *slog.Logger) (*config.VariableIndex, error) {
	idx, err := config.LoadVariableIndex(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Warn("variable index missing; doorbell snapshots use canonical defaults", "path", path)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return idx, nil
}

func loadEnvironmentMap(path string, log *slog.Logger) (*config.EnvironmentMap, error) {
	em, err := config.LoadEnvironmentMap(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Warn("environment map missing; lights use raw scene names", "path", path)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return em, nil
}

func loadAppRegistry(path string, log *slog.Logger) (*config.AppRegistry, error) {
	reg, err := config.LoadAppRegistry(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Warn("app registry missing; app.open is not registered", "path", path)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return reg, nil
}

func appendLifecycle(st *store.Store, eventType, sessionID string, payload map[string]interface{}, log *slog.Logger) {
	evt := store.Event{
		Type:      eventType,
		Source:    "core",
		SessionID: sessionID,
	}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			evt.Payload = raw
		}
	}
	if _, err := st.AppendEvent(evt); err != nil {
		log.Warn("lifecycle event not recorded", "event_type", eventType, "error", err)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN", "WARNING":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
