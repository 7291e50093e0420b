package actuator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// ErrNotOwner is returned when a component tries to stop a parser
// process that a different component started.
var ErrNotOwner = errors.New("parser is managed by another owner")

const defaultStopTimeout = 4 * time.Second

// ParserConfig configures the managed telemetry parser process.
type ParserConfig struct {
	Command string
	Args    []string
	Dir     string
	// Env entries are appended to the inherited environment.
	Env []string
	// StopTimeout is how long a graceful stop waits before force-kill.
	// Default: 4s.
	StopTimeout time.Duration
}

// Parser manages the external telemetry parser as a child process.
// Ownership is recorded at start; only the same owner (or force) may
// stop the child.
type Parser struct {
	cfg ParserConfig
	log *slog.Logger

	mu             sync.Mutex
	cmd            *exec.Cmd
	owner          string
	waitDone       chan struct{}
	lastStartedAt  time.Time
	lastExitReason string
}

// NewParser builds the parser manager. log may be nil.
func NewParser(cfg ParserConfig, log *slog.Logger) *Parser {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Parser{cfg: cfg, log: log}
}

// Status reports the child process state.
func (p *Parser) Status() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statusLocked()
}

func (p *Parser) statusLocked() map[string]interface{} {
	st := map[string]interface{}{
		"running":          p.cmd != nil,
		"pid":              0,
		"last_started_at":  "",
		"last_exit_reason": p.lastExitReason,
	}
	if p.cmd != nil && p.cmd.Process != nil {
		st["pid"] = p.cmd.Process.Pid
	}
	if !p.lastStartedAt.IsZero() {
		st["last_started_at"] = p.lastStartedAt.Format(time.RFC3339Nano)
	}
	return st
}

// Running reports whether the child is alive.
func (p *Parser) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cmd != nil
}

// Start launches the parser unless it is already running. forceRestart
// stops a running child first.
func (p *Parser) Start(owner, reason string, forceRestart bool) (map[string]interface{}, error) {
	p.mu.Lock()
	running := p.cmd != nil
	p.mu.Unlock()

	if running {
		if !forceRestart {
			st := p.Status()
			st["already_running"] = true
			return st, nil
		}
		if _, err := p.Stop(owner, reason+":force_restart", true); err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		st := p.statusLocked()
		st["already_running"] = true
		return st, nil
	}
	if p.cfg.Command == "" {
		return nil, fmt.Errorf("parser command is not configured")
	}

	cmd := exec.Command(p.cfg.Command, p.cfg.Args...)
	cmd.Dir = p.cfg.Dir
	if len(p.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), p.cfg.Env...)
	}
	if err := cmd.Start(); err != nil {
		p.lastExitReason = "start failed: " + err.Error()
		return nil, fmt.Errorf("start parser: %w", err)
	}

	done := make(chan struct{})
	p.cmd = cmd
	p.owner = owner
	p.waitDone = done
	p.lastStartedAt = time.Now().UTC()
	p.lastExitReason = ""

	go p.reap(cmd, done)

	p.log.Info("parser started",
		"pid", cmd.Process.Pid,
		"owner", owner,
		"reason", reason)
	return p.statusLocked(), nil
}

// reap waits for the child and records how it exited.
func (p *Parser) reap(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	p.mu.Lock()
	if p.cmd == cmd {
		p.cmd = nil
		p.owner = ""
		p.waitDone = nil
		if err != nil {
			p.lastExitReason = err.Error()
		} else {
			p.lastExitReason = "exit status 0"
		}
	}
	p.mu.Unlock()
	close(done)
}

// Stop terminates the child: interrupt first, force-kill after the
// stop timeout. Stopping an already-stopped parser is a no-op.
func (p *Parser) Stop(owner, reason string, force bool) (map[string]interface{}, error) {
	p.mu.Lock()
	if p.cmd == nil {
		st := p.statusLocked()
		st["stopped"] = false
		p.mu.Unlock()
		return st, nil
	}
	if p.owner != owner && !force {
		startedBy := p.owner
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: started by %s", ErrNotOwner, startedBy)
	}
	proc := p.cmd.Process
	done := p.waitDone
	p.mu.Unlock()

	if err := proc.Signal(os.Interrupt); err != nil {
		// Interrupt is not deliverable on every platform; fall through
		// to the kill path below.
		p.log.Debug("parser interrupt failed", "error", err)
	}

	select {
	case <-done:
	case <-time.After(p.cfg.StopTimeout):
		_ = proc.Kill()
		<-done
	}

	p.mu.Lock()
	p.lastExitReason = "stopped: " + reason
	st := p.statusLocked()
	st["stopped"] = true
	p.mu.Unlock()

	p.log.Info("parser stopped", "owner", owner, "reason", reason, "force", force)
	return st, nil
}

// ParserAdapter exposes the parser lifecycle as the edparser.* tools.
// The same instance is registered for start, stop and status.
type ParserAdapter struct {
	parser *Parser
	owner  string
}

// NewParserAdapter wraps a Parser for tool dispatch. owner names the
// calling component in the managed-children registry.
func NewParserAdapter(parser *Parser, owner string) *ParserAdapter {
	return &ParserAdapter{parser: parser, owner: owner}
}

func (a *ParserAdapter) Name() string { return "edparser" }

func (a *ParserAdapter) Invoke(ctx context.Context, inv Invocation) Outcome {
	started := time.Now().UTC()
	if err := ctx.Err(); err != nil {
		return timedOut(started, err.Error())
	}

	reason := stringParam(inv.Params, "reason")
	if reason == "" {
		reason = "execute_tool"
	}

	switch inv.Tool {
	case "edparser.start":
		st, err := a.parser.Start(a.owner, reason, boolParam(inv.Params, "force_restart"))
		if err != nil {
			return fail(started, CodeAdapterError, err.Error())
		}
		return succeed(started, st)
	case "edparser.stop":
		st, err := a.parser.Stop(a.owner, reason, boolParam(inv.Params, "force"))
		if err != nil {
			return fail(started, CodeAdapterError, err.Error())
		}
		return succeed(started, st)
	case "edparser.status":
		return succeed(started, a.parser.Status())
	default:
		return fail(started, CodeAdapterError, fmt.Sprintf("unsupported parser tool: %s", inv.Tool))
	}
}
