package actuator

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHelperProcess is not a real test. It is re-executed as the parser
// child process by the lifecycle tests below.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("WK_WANT_HELPER_PROCESS") != "1" {
		return
	}
	if os.Getenv("WK_HELPER_EXIT_FAST") == "1" {
		os.Exit(0)
	}
	time.Sleep(time.Minute)
	os.Exit(0)
}

func helperParser(t *testing.T, extraEnv ...string) *Parser {
	t.Helper()
	cfg := ParserConfig{
		Command:     os.Args[0],
		Args:        []string{"-test.run=TestHelperProcess"},
		Env:         append([]string{"WK_WANT_HELPER_PROCESS=1"}, extraEnv...),
		StopTimeout: 200 * time.Millisecond,
	}
	return NewParser(cfg, nil)
}

func TestParser_StartStopLifecycle(t *testing.T) {
	p := helperParser(t)

	st, err := p.Start("pipeline", "test", false)
	require.NoError(t, err)
	assert.Equal(t, true, st["running"])
	assert.Greater(t, st["pid"].(int), 0)
	assert.NotEmpty(t, st["last_started_at"])

	// Second start reports the running child instead of spawning.
	again, err := p.Start("pipeline", "test", false)
	require.NoError(t, err)
	assert.Equal(t, true, again["already_running"])
	assert.Equal(t, st["pid"], again["pid"])

	st, err = p.Stop("pipeline", "test done", false)
	require.NoError(t, err)
	assert.Equal(t, true, st["stopped"])
	assert.Equal(t, false, st["running"])
	assert.Equal(t, "stopped: test done", st["last_exit_reason"])
	assert.False(t, p.Running())
}

func TestParser_StopRequiresOwner(t *testing.T) {
	p := helperParser(t)

	_, err := p.Start("supervisor", "coupling", false)
	require.NoError(t, err)
	defer func() { _, _ = p.Stop("supervisor", "cleanup", true) }()

	_, err = p.Stop("pipeline", "test", false)
	require.ErrorIs(t, err, ErrNotOwner)
	assert.True(t, p.Running())

	// Force overrides the ownership check.
	st, err := p.Stop("pipeline", "forced", true)
	require.NoError(t, err)
	assert.Equal(t, false, st["running"])
}

func TestParser_ForceRestartReplacesChild(t *testing.T) {
	p := helperParser(t)

	first, err := p.Start("pipeline", "test", false)
	require.NoError(t, err)

	second, err := p.Start("pipeline", "restart", true)
	require.NoError(t, err)
	defer func() { _, _ = p.Stop("pipeline", "cleanup", true) }()

	assert.NotEqual(t, first["pid"], second["pid"])
	assert.True(t, p.Running())
}

func TestParser_ReapRecordsNaturalExit(t *testing.T) {
	p := helperParser(t, "WK_HELPER_EXIT_FAST=1")

	_, err := p.Start("pipeline", "test", false)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return !p.Running() },
		3*time.Second, 20*time.Millisecond)

	st := p.Status()
	assert.Equal(t, false, st["running"])
	assert.Equal(t, 0, st["pid"])
	assert.Equal(t, "exit status 0", st["last_exit_reason"])
}

func TestParser_StopWhenNotRunningIsNoop(t *testing.T) {
	p := NewParser(ParserConfig{Command: "whatever"}, nil)

	st, err := p.Stop("pipeline", "test", false)
	require.NoError(t, err)
	assert.Equal(t, false, st["stopped"])
	assert.Equal(t, false, st["running"])
}

func TestParser_StartWithoutCommand(t *testing.T) {
	p := NewParser(ParserConfig{}, nil)

	_, err := p.Start("pipeline", "test", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}

func TestParser_OwnershipCheckedBeforeSignalling(t *testing.T) {
	p := NewParser(ParserConfig{Command: "whatever"}, nil)
	p.mu.Lock()
	p.cmd = &exec.Cmd{}
	p.owner = "supervisor"
	p.mu.Unlock()

	_, err := p.Stop("pipeline", "test", false)
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestParserAdapter_Dispatch(t *testing.T) {
	p := helperParser(t)
	a := NewParserAdapter(p, "pipeline")
	ctx := context.Background()

	out := a.Invoke(ctx, Invocation{Tool: "edparser.status"})
	require.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, false, out.Output["running"])

	out = a.Invoke(ctx, Invocation{
		Tool:   "edparser.start",
		Params: map[string]interface{}{"reason": "ops"},
	})
	require.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, true, out.Output["running"])

	out = a.Invoke(ctx, Invocation{
		Tool:   "edparser.stop",
		Params: map[string]interface{}{"reason": "ops", "force": true},
	})
	require.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, false, out.Output["running"])

	out = a.Invoke(ctx, Invocation{Tool: "edparser.reboot"})
	require.Equal(t, StatusError, out.Status)
	assert.Equal(t, CodeAdapterError, out.ErrorCode)
}

func TestParserAdapter_StartFailureIsAdapterError(t *testing.T) {
	p := NewParser(ParserConfig{}, nil)
	a := NewParserAdapter(p, "pipeline")

	out := a.Invoke(context.Background(), Invocation{Tool: "edparser.start"})
	require.Equal(t, StatusError, out.Status)
	assert.Equal(t, CodeAdapterError, out.ErrorCode)
}
