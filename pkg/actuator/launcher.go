package actuator

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/config"
)

// AppLauncher starts registered applications detached: the child is
// released immediately and its exit is never observed.
type AppLauncher struct {
	registry *config.AppRegistry
	log      *slog.Logger
}

func NewAppLauncher(registry *config.AppRegistry, log *slog.Logger) *AppLauncher {
	if log == nil {
		log = slog.Default()
	}
	return &AppLauncher{registry: registry, log: log}
}

func (a *AppLauncher) Name() string { return "app.open" }

func (a *AppLauncher) Invoke(ctx context.Context, inv Invocation) Outcome {
	started := time.Now().UTC()
	if err := ctx.Err(); err != nil {
		return timedOut(started, err.Error())
	}

	appID := stringParam(inv.Params, "app")
	if appID == "" {
		return fail(started, CodeAdapterError, "app parameter is required")
	}
	if a.registry == nil {
		return fail(started, CodeAdapterError, "app registry is not configured")
	}
	entry, ok := a.registry.Apps[appID]
	if !ok {
		return fail(started, CodeAdapterError, fmt.Sprintf("unknown app: %s", appID))
	}

	cmd := exec.Command(entry.Command, entry.Args...)
	cmd.Dir = entry.WorkDir
	if err := cmd.Start(); err != nil {
		return fail(started, CodeAdapterError, fmt.Sprintf("start %s: %v", appID, err))
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		a.log.Debug("app launcher release failed", "app", appID, "error", err)
	}

	a.log.Info("app launched", "app", appID, "pid", pid)
	return succeed(started, map[string]interface{}{
		"app":     appID,
		"command": entry.Command,
		"pid":     pid,
	})
}
