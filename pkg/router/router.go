// Package router maps canonical tool names to actuator bindings and
// enforces the dispatch kill-switches. Router checks run before policy
// evaluation; a refused dispatch never reaches an adapter.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/actuator"
	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/policy"
)

var (
	ErrToolNotImplemented = errors.New("tool is not implemented")
	ErrActuatorsDisabled  = errors.New("actuators are disabled")
	ErrKeypressDisabled   = errors.New("keypress synthesis is disabled")
	ErrHighRiskNotArmed   = errors.New("high risk tool requires allow_high_risk")
)

// CodeFor translates a router refusal into its wire reason code.
func CodeFor(err error) string {
	switch {
	case errors.Is(err, ErrToolNotImplemented):
		return "TOOL_NOT_IMPLEMENTED"
	case errors.Is(err, ErrActuatorsDisabled):
		return "ACTUATORS_DISABLED"
	case errors.Is(err, ErrKeypressDisabled):
		return "KEYPRESS_DISABLED"
	case errors.Is(err, ErrHighRiskNotArmed):
		return "DENY_HIGH_RISK_NOT_ARMED"
	default:
		return "ADAPTER_ERROR"
	}
}

// Binding ties one canonical tool to an adapter.
type Binding struct {
	// Tool is the canonical dotted tool name.
	Tool string
	// Class is the tool's safety class. The router's class is
	// authoritative for high-risk arming.
	Class string
	// Keypress marks tools that synthesize OS key events; they are
	// additionally gated by the keypress kill-switch.
	Keypress bool
	Adapter  actuator.Adapter
}

// Router holds the tool table and the two kill-switches.
type Router struct {
	log *slog.Logger

	mu               sync.RWMutex
	bindings         map[string]Binding
	actuatorsEnabled bool
	keypressEnabled  bool
}

// New builds an empty router. Both switches start disabled; the caller
// enables them from configuration.
func New(log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		log:      log,
		bindings: make(map[string]Binding),
	}
}

// Register adds one tool binding. Re-registering a tool is an error.
func (r *Router) Register(b Binding) error {
	if b.Tool == "" {
		return fmt.Errorf("router: binding has no tool name")
	}
	if b.Adapter == nil {
		return fmt.Errorf("router: %s has no adapter", b.Tool)
	}
	switch b.Class {
	case policy.SafetyReadOnly, policy.SafetyLowRisk, policy.SafetyHighRisk:
	default:
		return fmt.Errorf("router: %s has unknown safety class %q", b.Tool, b.Class)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.bindings[b.Tool]; exists {
		return fmt.Errorf("router: %s is already registered", b.Tool)
	}
	r.bindings[b.Tool] = b
	return nil
}

func (r *Router) SetActuatorsEnabled(on bool) {
	r.mu.Lock()
	r.actuatorsEnabled = on
	r.mu.Unlock()
	r.log.Info("actuators switch", "enabled", on)
}

func (r *Router) SetKeypressEnabled(on bool) {
	r.mu.Lock()
	r.keypressEnabled = on
	r.mu.Unlock()
	r.log.Info("keypress switch", "enabled", on)
}

func (r *Router) ActuatorsEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.actuatorsEnabled
}

func (r *Router) KeypressEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.keypressEnabled
}

// Lookup returns the binding for a canonical tool.
func (r *Router) Lookup(tool string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[tool]
	return b, ok
}

// Check runs the pre-policy dispatch gates for one tool: existence,
// the actuator and keypress kill-switches, and high-risk arming.
func (r *Router) Check(tool string, armed bool) (Binding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bindings[tool]
	if !ok {
		return Binding{}, fmt.Errorf("%w: %s", ErrToolNotImplemented, tool)
	}
	if !r.actuatorsEnabled {
		return b, fmt.Errorf("%w: refusing %s", ErrActuatorsDisabled, tool)
	}
	if b.Keypress && !r.keypressEnabled {
		return b, fmt.Errorf("%w: refusing %s", ErrKeypressDisabled, tool)
	}
	if b.Class == policy.SafetyHighRisk && !armed {
		return b, fmt.Errorf("%w: %s", ErrHighRiskNotArmed, tool)
	}
	return b, nil
}

// Dispatch invokes the bound adapter. Callers run Check first; Dispatch
// itself only guards against unknown tools.
func (r *Router) Dispatch(ctx context.Context, inv actuator.Invocation) actuator.Outcome {
	b, ok := r.Lookup(inv.Tool)
	if !ok {
		return actuator.Outcome{
			Status:       actuator.StatusError,
			ErrorCode:    "TOOL_NOT_IMPLEMENTED",
			ErrorMessage: fmt.Sprintf("no adapter for %s", inv.Tool),
		}
	}
	r.log.Debug("dispatching tool",
		"tool", inv.Tool,
		"adapter", b.Adapter.Name(),
		"request_id", inv.RequestID,
		"action_id", inv.ActionID)
	return b.Adapter.Invoke(ctx, inv)
}

// Tools lists registered bindings sorted by tool name.
func (r *Router) Tools() []Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Binding, 0, len(r.bindings))
	for _, b := range r.bindings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tool < out[j].Tool })
	return out
}
