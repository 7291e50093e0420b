// Package actuator contains the adapters that touch the outside world:
// the lights webhook, OS key synthesis, the external telemetry parser,
// the bridge chat sender and the app launcher. Adapters never retry and
// never write to the store; the pipeline journals their outcomes.
package actuator

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Outcome statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// Outcome error codes.
const (
	CodeAdapterTimeout     = "ADAPTER_TIMEOUT"
	CodeAdapterError       = "ADAPTER_ERROR"
	CodeBridgeUnreachable  = "BRIDGE_UNREACHABLE"
	CodeForegroundMismatch = "DENY_FOREGROUND_MISMATCH"
)

// Outcome is the result of one adapter invocation.
type Outcome struct {
	Status       string                 `json:"status"`
	Output       map[string]interface{} `json:"output,omitempty"`
	ErrorCode    string                 `json:"error_code,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	StartedAt    time.Time              `json:"started_at"`
	EndedAt      time.Time              `json:"ended_at"`
}

// Invocation carries one action into an adapter. RequestID and ActionID
// identify the action for journaling and webhook payloads.
type Invocation struct {
	Tool      string
	RequestID string
	ActionID  string
	Params    map[string]interface{}
}

// Adapter is the common actuator contract. Invoke must respect ctx's
// deadline and return rather than retry.
type Adapter interface {
	Name() string
	Invoke(ctx context.Context, inv Invocation) Outcome
}

func succeed(started time.Time, output map[string]interface{}) Outcome {
	return Outcome{
		Status:    StatusSuccess,
		Output:    output,
		StartedAt: started,
		EndedAt:   time.Now().UTC(),
	}
}

func fail(started time.Time, code, message string) Outcome {
	return Outcome{
		Status:       StatusError,
		ErrorCode:    code,
		ErrorMessage: message,
		StartedAt:    started,
		EndedAt:      time.Now().UTC(),
	}
}

func timedOut(started time.Time, message string) Outcome {
	return Outcome{
		Status:       StatusTimeout,
		ErrorCode:    CodeAdapterTimeout,
		ErrorMessage: message,
		StartedAt:    started,
		EndedAt:      time.Now().UTC(),
	}
}

// isDeadline reports whether err is a context or transport deadline.
func isDeadline(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// stringParam reads a trimmed string parameter.
func stringParam(params map[string]interface{}, key string) string {
	v, ok := params[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

func boolParam(params map[string]interface{}, key string) bool {
	v, ok := params[key]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}
