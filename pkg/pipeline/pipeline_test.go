package pipeline

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/actuator"
	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/policy"
	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/router"
	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/store"
)

var pipeNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const pipelineOrders = `{
  "version": "1.0.0",
  "defaults": {"confirm_window_seconds": 12},
  "conditions": {
    "STANDBY": {
      "allow": ["media.*", "app.*"],
      "deny": ["twitch.*", "input.*"]
    },
    "GAME": {
      "allow": ["media.*", "lights.*", "input.keypress", "twitch.send_chat", "edparser.*"],
      "deny": []
    },
    "WORK": {
      "allow": ["media.*", "app.*"],
      "deny": []
    }
  },
  "tools": {
    "media.*": {"safety_class": "read_only"},
    "lights.set_scene": {
      "safety_class": "low_risk",
      "rate_limit": {"window_sec": 60, "max_count": 2}
    },
    "twitch.send_chat": {
      "safety_class": "low_risk",
      "requires_confirmation": true
    },
    "input.keypress": {
      "safety_class": "high_risk",
      "foreground_process_required": ["EliteDangerous64.exe"],
      "min_stt_confidence": 0.82,
      "requires_confirmation": true
    }
  }
}`

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeAdapter struct {
	name string

	mu      sync.Mutex
	calls   []actuator.Invocation
	respond func(ctx context.Context, inv actuator.Invocation) actuator.Outcome
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Invoke(ctx context.Context, inv actuator.Invocation) actuator.Outcome {
	f.mu.Lock()
	f.calls = append(f.calls, inv)
	respond := f.respond
	f.mu.Unlock()
	if respond != nil {
		return respond(ctx, inv)
	}
	return actuator.Outcome{
		Status: actuator.StatusSuccess,
		Output: map[string]interface{}{"done": true},
	}
}

func (f *fakeAdapter) setRespond(fn func(ctx context.Context, inv actuator.Invocation) actuator.Outcome) {
	f.mu.Lock()
	f.respond = fn
	f.mu.Unlock()
}

func (f *fakeAdapter) invocations() []actuator.Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]actuator.Invocation, len(f.calls))
	copy(out, f.calls)
	return out
}

type pipelineFixture struct {
	pipe     *Pipeline
	store    *store.Store
	router   *router.Router
	clock    *testClock
	adapters map[string]*fakeAdapter
}

func newFixture(t *testing.T, cfg Config) *pipelineFixture {
	t.Helper()

	clock := &testClock{now: pipeNow}
	st, err := store.Open(filepath.Join(t.TempDir(), "watchkeeper.db"), store.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	doc, err := policy.LoadDocument([]byte(pipelineOrders))
	require.NoError(t, err)

	seed := make([]byte, 32)
	_, err = rand.Read(seed)
	require.NoError(t, err)
	minter, err := policy.NewTokenMinter(seed)
	require.NoError(t, err)
	minter = minter.WithTokenClock(clock.Now)

	engine, err := policy.NewEngine(policy.Static{Doc: doc}, minter, 0, nil)
	require.NoError(t, err)

	rt := router.New(nil)
	adapters := make(map[string]*fakeAdapter)
	for _, b := range []struct {
		tool     string
		class    string
		keypress bool
	}{
		{"media.next", policy.SafetyReadOnly, false},
		{"lights.set_scene", policy.SafetyLowRisk, false},
		{"twitch.send_chat", policy.SafetyLowRisk, false},
		{"input.keypress", policy.SafetyHighRisk, true},
	} {
		fa := &fakeAdapter{name: b.tool}
		adapters[b.tool] = fa
		require.NoError(t, rt.Register(router.Binding{
			Tool: b.tool, Class: b.class, Keypress: b.keypress, Adapter: fa,
		}))
	}
	rt.SetActuatorsEnabled(true)
	rt.SetKeypressEnabled(true)

	pipe, err := New(st, engine, minter, rt, cfg, nil)
	require.NoError(t, err)
	pipe.WithClock(clock.Now)

	return &pipelineFixture{pipe: pipe, store: st, router: rt, clock: clock, adapters: adapters}
}

// eventsFor returns events for a correlation id oldest first.
func (f *pipelineFixture) eventsFor(t *testing.T, correlation string) []store.Event {
	t.Helper()
	evts, err := f.store.ReadEvents(store.EventFilter{CorrelationID: correlation, Limit: 200})
	require.NoError(t, err)
	for i, j := 0, len(evts)-1; i < j; i, j = i+1, j-1 {
		evts[i], evts[j] = evts[j], evts[i]
	}
	return evts
}

func typesOf(evts []store.Event) []string {
	types := make([]string, 0, len(evts))
	for _, e := range evts {
		types = append(types, e.Type)
	}
	return types
}

func proposed(id, tool string, params map[string]interface{}) map[string]interface{} {
	if params == nil {
		params = map[string]interface{}{}
	}
	return map[string]interface{}{
		"action_id":    id,
		"tool_name":    tool,
		"parameters":   params,
		"safety_level": "low_risk",
		"timeout_ms":   5000,
		"confidence":   0.9,
	}
}

func intentBody(t *testing.T, requestID, mode string, actions ...map[string]interface{}) []byte {
	t.Helper()
	m := validEnvelopeMap()
	m["request_id"] = requestID
	m["mode"] = mode
	list := make([]interface{}, 0, len(actions))
	for _, a := range actions {
		list = append(list, a)
	}
	m["proposed_actions"] = list
	return marshalEnvelope(t, m)
}

func (f *pipelineFixture) ingest(t *testing.T, requestID, mode string, actions ...map[string]interface{}) {
	t.Helper()
	res, err := f.pipe.Intent(intentBody(t, requestID, mode, actions...))
	require.NoError(t, err)
	require.False(t, res.Duplicate)
}

func floatPtr(v float64) *float64 { return &v }

func TestIntent_PersistsQueuesAndEmits(t *testing.T) {
	f := newFixture(t, Config{})

	res, err := f.pipe.Intent(intentBody(t, "req-1", "game",
		proposed("a1", "media.next", nil),
		proposed("a2", "lights.set_scene", map[string]interface{}{"scene": "red_alert"}),
	))
	require.NoError(t, err)
	assert.Equal(t, "req-1", res.RequestID)
	assert.Equal(t, 2, res.QueuedActions)
	assert.False(t, res.Duplicate)

	intent, err := f.store.GetIntent("req-1")
	require.NoError(t, err)
	assert.Equal(t, "game", intent.Mode)

	actions, err := f.store.ListActions("req-1")
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, "a1", actions[0].ActionID)
	assert.Equal(t, store.ActionQueued, actions[0].Status)
	assert.Equal(t, store.ActionQueued, actions[1].Status)

	evts := f.eventsFor(t, "req-1")
	require.Len(t, evts, 1)
	assert.Equal(t, store.EventIntentProposed, evts[0].Type)

	var payload struct {
		Actions []string `json:"actions"`
		Domain  string   `json:"domain"`
	}
	require.NoError(t, json.Unmarshal(evts[0].Payload, &payload))
	assert.Equal(t, []string{"a1", "a2"}, payload.Actions)
	assert.Equal(t, "music", payload.Domain)
}

func TestIntent_ReplayIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{})
	body := intentBody(t, "req-1", "game", proposed("a1", "media.next", nil))

	first, err := f.pipe.Intent(body)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := f.pipe.Intent(body)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, 1, second.QueuedActions)

	evts := f.eventsFor(t, "req-1")
	assert.Len(t, evts, 1, "replay emits nothing")
}

func TestIntent_DuplicateActionIDRejected(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.pipe.Intent(intentBody(t, "req-1", "game",
		proposed("a1", "media.next", nil),
		proposed("a1", "lights.set_scene", nil),
	))
	assert.ErrorIs(t, err, ErrEnvelopeInvalid)
}

func TestExecute_RequestValidation(t *testing.T) {
	f := newFixture(t, Config{})
	f.ingest(t, "req-1", "game", proposed("a1", "media.next", nil))
	ctx := context.Background()

	_, err := f.pipe.Execute(ctx, ExecuteRequest{RequestID: "req-1"})
	assert.ErrorIs(t, err, ErrMissingIncidentID)

	_, err = f.pipe.Execute(ctx, ExecuteRequest{IncidentID: "inc-1"})
	assert.ErrorIs(t, err, ErrExecuteInvalid)

	_, err = f.pipe.Execute(ctx, ExecuteRequest{RequestID: "req-missing", IncidentID: "inc-1"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = f.pipe.Execute(ctx, ExecuteRequest{
		RequestID: "req-1", IncidentID: "inc-1", STTConfidence: floatPtr(1.5),
	})
	assert.ErrorIs(t, err, ErrExecuteInvalid)

	_, err = f.pipe.Execute(ctx, ExecuteRequest{
		RequestID: "req-1", IncidentID: "inc-1", UserConfirmed: true, ConfirmedAtUTC: "half past nine",
	})
	assert.ErrorIs(t, err, ErrExecuteInvalid)
}

func TestExecute_AllowedActionJournalsLifecycle(t *testing.T) {
	f := newFixture(t, Config{})
	f.ingest(t, "req-1", "game", proposed("a1", "media.next", nil))

	res, err := f.pipe.Execute(context.Background(), ExecuteRequest{
		RequestID: "req-1", IncidentID: "inc-1", WatchCondition: "GAME",
	})
	require.NoError(t, err)
	assert.Equal(t, "GAME", res.WatchCondition)
	require.Len(t, res.Results, 1)

	r := res.Results[0]
	assert.Equal(t, "success", r.Status)
	assert.Equal(t, policy.ReasonAllow, r.ReasonCode)
	require.NotNil(t, r.Outcome)
	assert.Equal(t, actuator.StatusSuccess, r.Outcome.Status)

	rec, err := f.store.GetAction("req-1", "a1")
	require.NoError(t, err)
	assert.Equal(t, store.ActionSuccess, rec.Status)
	assert.Equal(t, policy.ReasonAllow, rec.ReasonCode)
	assert.Equal(t, "inc-1", rec.IncidentID)
	assert.False(t, rec.ExecutedAt.IsZero())

	evts := f.eventsFor(t, "inc-1")
	assert.Equal(t, []string{store.EventPolicyDecision, store.EventActionExecuted}, typesOf(evts))
	assert.Equal(t, "inc-1", evts[1].IncidentID)
	assert.Equal(t, store.SeverityInfo, evts[1].Severity)

	calls := f.adapters["media.next"].invocations()
	require.Len(t, calls, 1)
	assert.Equal(t, "media.next", calls[0].Tool)
	assert.Equal(t, "req-1", calls[0].RequestID)
	assert.Equal(t, "a1", calls[0].ActionID)
}

func TestExecute_DeniedInCondition(t *testing.T) {
	f := newFixture(t, Config{})
	f.ingest(t, "req-1", "standby", proposed("a1", "twitch.send_chat", map[string]interface{}{"message": "o7"}))

	res, err := f.pipe.Execute(context.Background(), ExecuteRequest{
		RequestID: "req-1", IncidentID: "inc-1", WatchCondition: "STANDBY",
	})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, ResultDenied, res.Results[0].Status)
	assert.Equal(t, policy.ReasonExplicitlyDenied, res.Results[0].ReasonCode)

	rec, err := f.store.GetAction("req-1", "a1")
	require.NoError(t, err)
	assert.Equal(t, store.ActionDenied, rec.Status)
	assert.Equal(t, policy.ReasonExplicitlyDenied, rec.ReasonCode)

	evts := f.eventsFor(t, "inc-1")
	assert.Equal(t, []string{store.EventPolicyDecision, store.EventActionDenied}, typesOf(evts))
	assert.Equal(t, store.SeverityWarn, evts[1].Severity)
	assert.Empty(t, f.adapters["twitch.send_chat"].invocations())
}

func TestExecute_NeedsConfirmationKeepsActionQueued(t *testing.T) {
	f := newFixture(t, Config{})
	f.ingest(t, "req-1", "game", proposed("a1", "twitch.send_chat", map[string]interface{}{"message": "o7"}))

	res, err := f.pipe.Execute(context.Background(), ExecuteRequest{
		RequestID: "req-1", IncidentID: "inc-1", WatchCondition: "GAME",
	})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)

	r := res.Results[0]
	assert.Equal(t, ResultDenied, r.Status)
	assert.Equal(t, policy.ReasonNeedsConfirmation, r.ReasonCode)
	assert.NotEmpty(t, r.ConfirmToken)
	require.NotNil(t, r.ConfirmBy)
	assert.Equal(t, pipeNow.Add(12*time.Second), *r.ConfirmBy)

	rec, err := f.store.GetAction("req-1", "a1")
	require.NoError(t, err)
	assert.Equal(t, store.ActionQueued, rec.Status, "confirmable actions are not terminal")
	assert.Equal(t, policy.ReasonNeedsConfirmation, rec.ReasonCode)

	evts := f.eventsFor(t, "inc-1")
	assert.Equal(t, []string{store.EventPolicyDecision}, typesOf(evts))
	assert.Empty(t, f.adapters["twitch.send_chat"].invocations())
}

func TestConfirm_RunsThePendingAction(t *testing.T) {
	f := newFixture(t, Config{})
	f.ingest(t, "req-1", "game", proposed("a1", "twitch.send_chat", map[string]interface{}{"message": "o7"}))
	ctx := context.Background()

	res, err := f.pipe.Execute(ctx, ExecuteRequest{
		RequestID: "req-1", IncidentID: "inc-1", WatchCondition: "GAME",
	})
	require.NoError(t, err)
	token := res.Results[0].ConfirmToken
	require.NotEmpty(t, token)

	out, err := f.pipe.Confirm(ctx, "inc-1", token)
	require.NoError(t, err)
	require.Len(t, out.Results, 1)
	assert.Equal(t, "success", out.Results[0].Status)

	rec, err := f.store.GetAction("req-1", "a1")
	require.NoError(t, err)
	assert.Equal(t, store.ActionSuccess, rec.Status)

	evts := f.eventsFor(t, "inc-1")
	assert.Equal(t, []string{
		store.EventPolicyDecision,
		store.EventConfirmationRecord,
		store.EventPolicyDecision,
		store.EventActionExecuted,
	}, typesOf(evts))
	assert.Len(t, f.adapters["twitch.send_chat"].invocations(), 1)

	// The token is single use.
	_, err = f.pipe.Confirm(ctx, "inc-1", token)
	assert.ErrorIs(t, err, store.ErrTokenUnknown)
}

func TestConfirm_ExpiredToken(t *testing.T) {
	f := newFixture(t, Config{})
	f.ingest(t, "req-1", "game", proposed("a1", "twitch.send_chat", map[string]interface{}{"message": "o7"}))
	ctx := context.Background()

	res, err := f.pipe.Execute(ctx, ExecuteRequest{
		RequestID: "req-1", IncidentID: "inc-1", WatchCondition: "GAME",
	})
	require.NoError(t, err)
	token := res.Results[0].ConfirmToken

	f.clock.Advance(13 * time.Second)
	_, err = f.pipe.Confirm(ctx, "inc-1", token)
	assert.ErrorIs(t, err, policy.ErrTokenExpired)

	rec, err := f.store.GetAction("req-1", "a1")
	require.NoError(t, err)
	assert.Equal(t, store.ActionQueued, rec.Status, "expired confirm runs nothing")
}

func TestConfirm_RejectsForeignAndGarbageTokens(t *testing.T) {
	f := newFixture(t, Config{})
	f.ingest(t, "req-1", "game", proposed("a1", "twitch.send_chat", map[string]interface{}{"message": "o7"}))
	ctx := context.Background()

	res, err := f.pipe.Execute(ctx, ExecuteRequest{
		RequestID: "req-1", IncidentID: "inc-1", WatchCondition: "GAME",
	})
	require.NoError(t, err)
	token := res.Results[0].ConfirmToken

	_, err = f.pipe.Confirm(ctx, "inc-other", token)
	assert.ErrorIs(t, err, policy.ErrTokenInvalid)

	_, err = f.pipe.Confirm(ctx, "inc-1", "not-a-token")
	assert.ErrorIs(t, err, policy.ErrTokenInvalid)

	_, err = f.pipe.Confirm(ctx, "", token)
	assert.ErrorIs(t, err, ErrMissingIncidentID)
}

func TestExecute_DryRunPreviewsWithoutDispatch(t *testing.T) {
	f := newFixture(t, Config{})
	f.ingest(t, "req-1", "game",
		proposed("a1", "media.next", nil),
		proposed("a2", "twitch.send_chat", map[string]interface{}{"message": "o7"}),
	)
	ctx := context.Background()

	res, err := f.pipe.Execute(ctx, ExecuteRequest{
		RequestID: "req-1", IncidentID: "inc-1", WatchCondition: "GAME", DryRun: true,
	})
	require.NoError(t, err)
	require.Len(t, res.Results, 2)
	assert.True(t, res.DryRun)

	assert.Equal(t, ResultDryRun, res.Results[0].Status)
	assert.Equal(t, policy.ReasonAllow, res.Results[0].ReasonCode)
	assert.Equal(t, ResultDryRun, res.Results[1].Status)
	assert.Equal(t, policy.ReasonNeedsConfirmation, res.Results[1].ReasonCode)
	assert.NotEmpty(t, res.Results[1].ConfirmToken)

	for _, id := range []string{"a1", "a2"} {
		rec, err := f.store.GetAction("req-1", id)
		require.NoError(t, err)
		assert.Equal(t, store.ActionQueued, rec.Status, "previews never transition")
	}
	assert.Empty(t, f.adapters["media.next"].invocations())
	assert.Empty(t, f.adapters["twitch.send_chat"].invocations())

	evts := f.eventsFor(t, "inc-1")
	assert.Equal(t, []string{store.EventPolicyDecision, store.EventPolicyDecision}, typesOf(evts))

	// A token minted during a preview is still honored.
	out, err := f.pipe.Confirm(ctx, "inc-1", res.Results[1].ConfirmToken)
	require.NoError(t, err)
	require.Len(t, out.Results, 1)
	assert.Equal(t, "success", out.Results[0].Status)
	assert.Len(t, f.adapters["twitch.send_chat"].invocations(), 1)
}

func TestExecute_UnknownToolDenied(t *testing.T) {
	f := newFixture(t, Config{})
	f.ingest(t, "req-1", "game", proposed("a1", "jinx.trigger", nil))

	res, err := f.pipe.Execute(context.Background(), ExecuteRequest{
		RequestID: "req-1", IncidentID: "inc-1", WatchCondition: "GAME",
	})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, ResultDenied, res.Results[0].Status)
	assert.Equal(t, "TOOL_NOT_IMPLEMENTED", res.Results[0].ReasonCode)

	rec, err := f.store.GetAction("req-1", "a1")
	require.NoError(t, err)
	assert.Equal(t, store.ActionDenied, rec.Status)

	// Router refusals never reach the policy engine.
	evts := f.eventsFor(t, "inc-1")
	assert.Equal(t, []string{store.EventActionDenied}, typesOf(evts))
}

func TestExecute_KillSwitchesDeny(t *testing.T) {
	f := newFixture(t, Config{})
	f.ingest(t, "req-1", "game",
		proposed("a1", "media.next", nil),
		proposed("a2", "input.keypress", map[string]interface{}{"key": "l"}),
	)
	ctx := context.Background()

	f.router.SetActuatorsEnabled(false)
	res, err := f.pipe.Execute(ctx, ExecuteRequest{
		RequestID: "req-1", IncidentID: "inc-1", WatchCondition: "GAME", ActionIDs: []string{"a1"},
	})
	require.NoError(t, err)
	assert.Equal(t, ResultDenied, res.Results[0].Status)
	assert.Equal(t, "ACTUATORS_DISABLED", res.Results[0].ReasonCode)

	f.router.SetActuatorsEnabled(true)
	f.router.SetKeypressEnabled(false)
	res, err = f.pipe.Execute(ctx, ExecuteRequest{
		RequestID: "req-1", IncidentID: "inc-1", WatchCondition: "GAME",
		ActionIDs: []string{"a2"}, AllowHighRisk: true,
	})
	require.NoError(t, err)
	assert.Equal(t, ResultDenied, res.Results[0].Status)
	assert.Equal(t, "KEYPRESS_DISABLED", res.Results[0].ReasonCode)
}

func TestExecute_HighRiskRequiresArming(t *testing.T) {
	f := newFixture(t, Config{})
	f.ingest(t, "req-1", "game", proposed("a1", "input.keypress", map[string]interface{}{"key": "l"}))

	res, err := f.pipe.Execute(context.Background(), ExecuteRequest{
		RequestID: "req-1", IncidentID: "inc-1", WatchCondition: "GAME",
	})
	require.NoError(t, err)
	assert.Equal(t, ResultDenied, res.Results[0].Status)
	assert.Equal(t, "DENY_HIGH_RISK_NOT_ARMED", res.Results[0].ReasonCode)
	assert.Empty(t, f.adapters["input.keypress"].invocations())
}

func TestExecute_KeypressGauntlet(t *testing.T) {
	f := newFixture(t, Config{})
	f.ingest(t, "req-1", "game", proposed("a1", "input.keypress", map[string]interface{}{"key": "l"}))
	ctx := context.Background()

	_, err := f.store.SetState(store.StateItem{
		Key: "app.foreground", Value: json.RawMessage(`"EliteDangerous64.exe"`), Source: "test",
	})
	require.NoError(t, err)

	// Confidence below the guard floor.
	res, err := f.pipe.Execute(ctx, ExecuteRequest{
		RequestID: "req-1", IncidentID: "inc-1", WatchCondition: "GAME",
		AllowHighRisk: true, STTConfidence: floatPtr(0.5),
	})
	require.NoError(t, err)
	assert.Equal(t, ResultDenied, res.Results[0].Status)
	assert.Equal(t, policy.ReasonLowSTTConfidence, res.Results[0].ReasonCode)

	// Armed, confident, confirmed via the dev shortcut: runs.
	res, err = f.pipe.Execute(ctx, ExecuteRequest{
		RequestID: "req-1", IncidentID: "inc-1", WatchCondition: "GAME",
		AllowHighRisk: true, STTConfidence: floatPtr(0.93), UserConfirmed: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "success", res.Results[0].Status)
	assert.Len(t, f.adapters["input.keypress"].invocations(), 1)
}

func TestExecute_ForegroundMismatchDenied(t *testing.T) {
	f := newFixture(t, Config{})
	f.ingest(t, "req-1", "game", proposed("a1", "input.keypress", map[string]interface{}{"key": "l"}))

	_, err := f.store.SetState(store.StateItem{
		Key: "app.foreground", Value: json.RawMessage(`"notepad.exe"`), Source: "test",
	})
	require.NoError(t, err)

	res, err := f.pipe.Execute(context.Background(), ExecuteRequest{
		RequestID: "req-1", IncidentID: "inc-1", WatchCondition: "GAME",
		AllowHighRisk: true, STTConfidence: floatPtr(0.93), UserConfirmed: true,
	})
	require.NoError(t, err)
	assert.Equal(t, ResultDenied, res.Results[0].Status)
	assert.Equal(t, policy.ReasonForegroundMismatch, res.Results[0].ReasonCode)
}

func TestExecute_RateLimitBudget(t *testing.T) {
	f := newFixture(t, Config{})
	f.ingest(t, "req-1", "game",
		proposed("a1", "lights.set_scene", map[string]interface{}{"scene": "calm"}),
		proposed("a2", "lights.set_scene", map[string]interface{}{"scene": "red_alert"}),
		proposed("a3", "lights.set_scene", map[string]interface{}{"scene": "calm"}),
	)

	res, err := f.pipe.Execute(context.Background(), ExecuteRequest{
		RequestID: "req-1", IncidentID: "inc-1", WatchCondition: "GAME",
	})
	require.NoError(t, err)
	require.Len(t, res.Results, 3)
	assert.Equal(t, "success", res.Results[0].Status)
	assert.Equal(t, "success", res.Results[1].Status)
	assert.Equal(t, ResultDenied, res.Results[2].Status)
	assert.Equal(t, policy.ReasonRateLimit, res.Results[2].ReasonCode)
	assert.Len(t, f.adapters["lights.set_scene"].invocations(), 2)
}

func TestExecute_SuccessIsNoopOnRerun(t *testing.T) {
	f := newFixture(t, Config{})
	f.ingest(t, "req-1", "game", proposed("a1", "media.next", nil))
	ctx := context.Background()

	res, err := f.pipe.Execute(ctx, ExecuteRequest{
		RequestID: "req-1", IncidentID: "inc-1", WatchCondition: "GAME",
	})
	require.NoError(t, err)
	assert.Equal(t, "success", res.Results[0].Status)

	res, err = f.pipe.Execute(ctx, ExecuteRequest{
		RequestID: "req-1", IncidentID: "inc-1", WatchCondition: "GAME",
	})
	require.NoError(t, err)
	assert.Equal(t, ResultAlreadyCompleted, res.Results[0].Status)

	assert.Len(t, f.adapters["media.next"].invocations(), 1)
	evts := f.eventsFor(t, "inc-1")
	assert.Equal(t, []string{store.EventPolicyDecision, store.EventActionExecuted}, typesOf(evts))
}

func TestExecute_FailedActionMayRerun(t *testing.T) {
	f := newFixture(t, Config{})
	f.ingest(t, "req-1", "game", proposed("a1", "media.next", nil))
	ctx := context.Background()
	fa := f.adapters["media.next"]

	fa.setRespond(func(ctx context.Context, inv actuator.Invocation) actuator.Outcome {
		return actuator.Outcome{
			Status:       actuator.StatusError,
			ErrorCode:    actuator.CodeAdapterError,
			ErrorMessage: "bridge hiccup",
		}
	})
	res, err := f.pipe.Execute(ctx, ExecuteRequest{
		RequestID: "req-1", IncidentID: "inc-1", WatchCondition: "GAME",
	})
	require.NoError(t, err)
	assert.Equal(t, "error", res.Results[0].Status)

	rec, err := f.store.GetAction("req-1", "a1")
	require.NoError(t, err)
	assert.Equal(t, store.ActionError, rec.Status)
	assert.Equal(t, actuator.CodeAdapterError, rec.ErrorCode)

	fa.setRespond(nil)
	res, err = f.pipe.Execute(ctx, ExecuteRequest{
		RequestID: "req-1", IncidentID: "inc-1", WatchCondition: "GAME",
	})
	require.NoError(t, err)
	assert.Equal(t, "success", res.Results[0].Status)

	evts := f.eventsFor(t, "inc-1")
	assert.Equal(t, []string{
		store.EventPolicyDecision, store.EventActionExecuted,
		store.EventPolicyDecision, store.EventActionExecuted,
	}, typesOf(evts))
}

func TestExecute_AdapterTimeoutRecorded(t *testing.T) {
	f := newFixture(t, Config{})
	body := validEnvelopeMap()
	body["request_id"] = "req-1"
	action := proposed("a1", "media.next", nil)
	action["timeout_ms"] = 100
	body["proposed_actions"] = []interface{}{action}
	_, err := f.pipe.Intent(marshalEnvelope(t, body))
	require.NoError(t, err)

	f.adapters["media.next"].setRespond(func(ctx context.Context, inv actuator.Invocation) actuator.Outcome {
		<-ctx.Done()
		return actuator.Outcome{
			Status:       actuator.StatusTimeout,
			ErrorCode:    actuator.CodeAdapterTimeout,
			ErrorMessage: "adapter timed out",
		}
	})

	res, err := f.pipe.Execute(context.Background(), ExecuteRequest{
		RequestID: "req-1", IncidentID: "inc-1", WatchCondition: "GAME",
	})
	require.NoError(t, err)
	assert.Equal(t, "timeout", res.Results[0].Status)

	rec, err := f.store.GetAction("req-1", "a1")
	require.NoError(t, err)
	assert.Equal(t, store.ActionTimeout, rec.Status)

	evts := f.eventsFor(t, "inc-1")
	require.Len(t, evts, 2)
	assert.Equal(t, store.EventActionExecuted, evts[1].Type)
	assert.Equal(t, store.SeverityError, evts[1].Severity)
}

func TestExecute_StrictConfirmIgnoresDevShortcut(t *testing.T) {
	f := newFixture(t, Config{StrictConfirm: true})
	f.ingest(t, "req-1", "game", proposed("a1", "twitch.send_chat", map[string]interface{}{"message": "o7"}))

	res, err := f.pipe.Execute(context.Background(), ExecuteRequest{
		RequestID: "req-1", IncidentID: "inc-1", WatchCondition: "GAME", UserConfirmed: true,
	})
	require.NoError(t, err)
	assert.Equal(t, ResultDenied, res.Results[0].Status)
	assert.Equal(t, policy.ReasonNeedsConfirmation, res.Results[0].ReasonCode)
	assert.NotEmpty(t, res.Results[0].ConfirmToken)
}

func TestExecute_DevConfirmWindowIsBounded(t *testing.T) {
	f := newFixture(t, Config{})
	f.ingest(t, "req-1", "game", proposed("a1", "twitch.send_chat", map[string]interface{}{"message": "o7"}))
	ctx := context.Background()

	// Stale confirmations do not satisfy the guard.
	res, err := f.pipe.Execute(ctx, ExecuteRequest{
		RequestID: "req-1", IncidentID: "inc-1", WatchCondition: "GAME",
		UserConfirmed:  true,
		ConfirmedAtUTC: pipeNow.Add(-13 * time.Second).Format(time.RFC3339),
	})
	require.NoError(t, err)
	assert.Equal(t, ResultDenied, res.Results[0].Status)
	assert.Equal(t, policy.ReasonNeedsConfirmation, res.Results[0].ReasonCode)

	// A fresh one does.
	res, err = f.pipe.Execute(ctx, ExecuteRequest{
		RequestID: "req-1", IncidentID: "inc-1", WatchCondition: "GAME",
		UserConfirmed:  true,
		ConfirmedAtUTC: pipeNow.Add(-2 * time.Second).Format(time.RFC3339),
	})
	require.NoError(t, err)
	assert.Equal(t, "success", res.Results[0].Status)
}

func TestExecute_WatchConditionResolution(t *testing.T) {
	t.Run("explicit request wins", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.ingest(t, "req-1", "standby", proposed("a1", "media.next", nil))
		res, err := f.pipe.Execute(context.Background(), ExecuteRequest{
			RequestID: "req-1", IncidentID: "inc-1", WatchCondition: "game",
		})
		require.NoError(t, err)
		assert.Equal(t, "GAME", res.WatchCondition)
	})

	t.Run("state key overrides mode", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.ingest(t, "req-1", "game", proposed("a1", "media.next", nil))
		_, err := f.store.SetState(store.StateItem{
			Key: "system.watch_condition", Value: json.RawMessage(`"WORK"`), Source: "test",
		})
		require.NoError(t, err)

		res, err := f.pipe.Execute(context.Background(), ExecuteRequest{
			RequestID: "req-1", IncidentID: "inc-1",
		})
		require.NoError(t, err)
		assert.Equal(t, "WORK", res.WatchCondition)
	})

	t.Run("operator override beats supervisor", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.ingest(t, "req-1", "game", proposed("a1", "media.next", nil))
		for key, val := range map[string]string{
			"system.watch_condition": `"WORK"`,
			"policy.watch_condition": `"STANDBY"`,
		} {
			_, err := f.store.SetState(store.StateItem{
				Key: key, Value: json.RawMessage(val), Source: "test",
			})
			require.NoError(t, err)
		}

		res, err := f.pipe.Execute(context.Background(), ExecuteRequest{
			RequestID: "req-1", IncidentID: "inc-1",
		})
		require.NoError(t, err)
		assert.Equal(t, "STANDBY", res.WatchCondition)
	})

	t.Run("mode fallback", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.ingest(t, "req-1", "work", proposed("a1", "media.next", nil))
		res, err := f.pipe.Execute(context.Background(), ExecuteRequest{
			RequestID: "req-1", IncidentID: "inc-1",
		})
		require.NoError(t, err)
		assert.Equal(t, "WORK", res.WatchCondition)
	})
}

func TestExecute_ActionFilter(t *testing.T) {
	f := newFixture(t, Config{})
	f.ingest(t, "req-1", "game",
		proposed("a1", "media.next", nil),
		proposed("a2", "media.next", nil),
	)

	res, err := f.pipe.Execute(context.Background(), ExecuteRequest{
		RequestID: "req-1", IncidentID: "inc-1", WatchCondition: "GAME", ActionIDs: []string{"a2"},
	})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, "a2", res.Results[0].ActionID)

	rec, err := f.store.GetAction("req-1", "a1")
	require.NoError(t, err)
	assert.Equal(t, store.ActionQueued, rec.Status)
}

func TestFeedback_RecordsAndEmits(t *testing.T) {
	f := newFixture(t, Config{})
	f.ingest(t, "req-1", "game", proposed("a1", "media.next", nil))

	require.NoError(t, f.pipe.Feedback("req-1", 1, "good call"))

	evts := f.eventsFor(t, "req-1")
	assert.Equal(t, []string{store.EventIntentProposed, store.EventUserFeedback}, typesOf(evts))

	var payload struct {
		Rating     int    `json:"rating"`
		Correction string `json:"correction_text"`
	}
	require.NoError(t, json.Unmarshal(evts[1].Payload, &payload))
	assert.Equal(t, 1, payload.Rating)
	assert.Equal(t, "good call", payload.Correction)

	assert.ErrorIs(t, f.pipe.Feedback("req-1", 0, ""), store.ErrInvalidRating)
	assert.ErrorIs(t, f.pipe.Feedback("req-missing", 1, ""), store.ErrNotFound)
}
