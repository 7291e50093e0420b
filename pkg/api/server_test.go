package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/actuator"
	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/ingest"
	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/pipeline"
	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/policy"
	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/router"
	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/store"
)

var apiNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const apiOrders = `{
  "version": "1.2.0",
  "defaults": {"confirm_window_seconds": 12},
  "conditions": {
    "STANDBY": {"allow": ["media.*", "app.*"], "deny": ["twitch.*", "input.*"]},
    "GAME": {"allow": ["media.*", "twitch.send_chat", "app.*"], "deny": []}
  },
  "tools": {
    "media.*": {"safety_class": "read_only"},
    "app.open": {"safety_class": "low_risk"},
    "twitch.send_chat": {"safety_class": "low_risk", "requires_confirmation": true}
  }
}`

type apiClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *apiClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *apiClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeAdapter struct {
	name string

	mu    sync.Mutex
	calls []actuator.Invocation
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Invoke(_ context.Context, inv actuator.Invocation) actuator.Outcome {
	f.mu.Lock()
	f.calls = append(f.calls, inv)
	f.mu.Unlock()
	return actuator.Outcome{
		Status: actuator.StatusSuccess,
		Output: map[string]interface{}{"done": true},
	}
}

func (f *fakeAdapter) invocations() []actuator.Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]actuator.Invocation, len(f.calls))
	copy(out, f.calls)
	return out
}

type apiFixture struct {
	st       *store.Store
	rt       *router.Router
	srv      *Server
	ts       *httptest.Server
	clock    *apiClock
	adapters map[string]*fakeAdapter
}

func newAPIFixture(t *testing.T, cfg Config, mutate ...func(*Deps)) *apiFixture {
	t.Helper()

	clock := &apiClock{now: apiNow}
	st, err := store.Open(filepath.Join(t.TempDir(), "watchkeeper.db"), store.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	doc, err := policy.LoadDocument([]byte(apiOrders))
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
		tool  string
		class string
	}{
		{"media.next", policy.SafetyReadOnly},
		{"twitch.send_chat", policy.SafetyLowRisk},
		{"app.open", policy.SafetyLowRisk},
	} {
		fa := &fakeAdapter{name: b.tool}
		adapters[b.tool] = fa
		require.NoError(t, rt.Register(router.Binding{Tool: b.tool, Class: b.class, Adapter: fa}))
	}
	rt.SetActuatorsEnabled(true)

	pipe, err := pipeline.New(st, engine, minter, rt, pipeline.Config{StrictConfirm: true}, nil)
	require.NoError(t, err)
	pipe.WithClock(clock.Now)

	deps := Deps{
		Store:    st,
		Pipeline: pipe,
		Router:   rt,
		Policy:   policy.Static{Doc: doc},
		Ingest:   ingest.NewService(st, nil, nil, ingest.Config{}, nil).WithClock(clock.Now),
	}
	for _, fn := range mutate {
		fn(&deps)
	}

	if cfg.Version == "" {
		cfg.Version = "0.3.0"
	}
	srv, err := New(deps, cfg, nil)
	require.NoError(t, err)
	srv.WithClock(clock.Now)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &apiFixture{st: st, rt: rt, srv: srv, ts: ts, clock: clock, adapters: adapters}
}

// request sends one call and decodes the JSON envelope. Non-JSON bodies
// (the mux's own 404/405 text) decode to a nil map.
func (f *apiFixture) request(t *testing.T, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()

	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		rdr = bytes.NewReader(b)
	case string:
		rdr = strings.NewReader(b)
	default:
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, f.ts.URL+path, rdr)
	require.NoError(t, err)
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]interface{}
	if json.Unmarshal(raw, &decoded) != nil {
		decoded = nil
	}
	return resp.StatusCode, decoded
}

func envelopeWith(requestID string, actions ...map[string]interface{}) map[string]interface{} {
	list := make([]interface{}, 0, len(actions))
	for _, a := range actions {
		list = append(list, a)
	}
	return map[string]interface{}{
		"schema_version":      "1.0",
		"request_id":          requestID,
		"timestamp_utc":       apiNow.Format(time.RFC3339),
		"mode":                "game",
		"domain":              "general",
		"urgency":             "normal",
		"user_text":           "next track please",
		"needs_tools":         true,
		"needs_clarification": false,
		"response_text":       "On it.",
		"proposed_actions":    list,
	}
}

func proposedAction(id, tool string, params map[string]interface{}) map[string]interface{} {
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

func firstResult(t *testing.T, payload map[string]interface{}) map[string]interface{} {
	t.Helper()
	results, ok := payload["results"].([]interface{})
	require.True(t, ok, "results missing: %v", payload)
	require.NotEmpty(t, results)
	res, ok := results[0].(map[string]interface{})
	require.True(t, ok)
	return res
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t, Config{})

	_, err := f.st.SetCapability("lights", store.CapUnavailable, "webhook refused")
	require.NoError(t, err)
	_, err = f.st.SetCapability("bridge", store.CapAvailable, "")
	require.NoError(t, err)
	f.clock.Advance(90 * time.Second)

	status, body := f.request(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "0.3.0", body["version"])
	assert.Equal(t, float64(90), body["uptime_sec"])
	assert.Equal(t, []interface{}{"lights"}, body["degraded"])
}

func TestRootBannerWithoutUI(t *testing.T) {
	f := newAPIFixture(t, Config{})

	status, body := f.request(t, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "watchkeeper-core", body["service"])

	status, _ = f.request(t, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestStateIngestAndRead(t *testing.T) {
	f := newAPIFixture(t, Config{})

	status, body := f.request(t, http.MethodPost, "/state", map[string]interface{}{
		"items": []map[string]interface{}{
			{"state_key": "ed.telemetry.docked", "state_value": true, "source": "edparser"},
			{"state_key": "music.playing", "state_value": false, "source": "player"},
		},
		"correlation_id": "boot-1",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["ok"])
	results, ok := body["results"].([]interface{})
	require.True(t, ok)
	require.Len(t, results, 2)
	first := results[0].(map[string]interface{})
	assert.Equal(t, "ed.telemetry.docked", first["state_key"])
	assert.Equal(t, true, first["changed"])

	status, body = f.request(t, http.MethodGet, "/state?prefix=ed.", nil)
	require.Equal(t, http.StatusOK, status)
	state, ok := body["state"].(map[string]interface{})
	require.True(t, ok)
	require.Contains(t, state, "ed.telemetry.docked")
	entry := state["ed.telemetry.docked"].(map[string]interface{})
	assert.Equal(t, true, entry["state_value"])
	assert.Equal(t, "edparser", entry["source"])
	assert.NotContains(t, state, "music.playing")
}

func TestStateIngestValidation(t *testing.T) {
	f := newAPIFixture(t, Config{})

	cases := []struct {
		name string
		body interface{}
		code string
	}{
		{
			name: "runtime prefix rejected",
			body: map[string]interface{}{"items": []map[string]interface{}{
				{"state_key": "app.sammi.running", "state_value": true, "source": "probe"},
			}},
			code: CodeInvalidStateKey,
		},
		{
			name: "malformed key",
			body: map[string]interface{}{"items": []map[string]interface{}{
				{"state_key": "ed..docked", "state_value": true, "source": "probe"},
			}},
			code: CodeInvalidStateKey,
		},
		{
			name: "empty items",
			body: map[string]interface{}{"items": []map[string]interface{}{}},
			code: CodeSchemaViolation,
		},
		{
			name: "unknown field",
			body: map[string]interface{}{"items": []map[string]interface{}{}, "surprise": 1},
			code: CodeSchemaViolation,
		},
		{
			name: "not json",
			body: "{nope",
			code: CodeSchemaViolation,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := f.request(t, http.MethodPost, "/state", tc.body)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Equal(t, false, body["ok"])
			assert.Equal(t, tc.code, body["code"])
		})
	}

	// Nothing was written along the way.
	status, body := f.request(t, http.MethodGet, "/state", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["state"])
}

func TestStateDevIngestAllowsRuntimeKeys(t *testing.T) {
	f := newAPIFixture(t, Config{DevIngest: true})

	status, body := f.request(t, http.MethodPost, "/state", map[string]interface{}{
		"items": []map[string]interface{}{
			{"state_key": "app.sammi.running", "state_value": true, "source": "dev"},
		},
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["ok"])
	assert.True(t, f.st.GetBool("app.sammi.running"))
}

func TestEventsQuery(t *testing.T) {
	f := newAPIFixture(t, Config{})

	_, err := f.st.SetState(store.StateItem{Key: "ed.telemetry.docked", Value: json.RawMessage(`true`), Source: "edparser"})
	require.NoError(t, err)
	_, err = f.st.SetState(store.StateItem{Key: "music.playing", Value: json.RawMessage(`true`), Source: "player"})
	require.NoError(t, err)

	status, body := f.request(t, http.MethodGet, "/events?event_type=STATE_CHANGED&limit=10", nil)
	require.Equal(t, http.StatusOK, status)
	events, ok := body["events"].([]interface{})
	require.True(t, ok)
	assert.Len(t, events, 2)

	status, body = f.request(t, http.MethodGet, "/events?source=player", nil)
	require.Equal(t, http.StatusOK, status)
	events = body["events"].([]interface{})
	require.Len(t, events, 1)
	evt := events[0].(map[string]interface{})
	assert.Equal(t, "player", evt["source"])

	status, body = f.request(t, http.MethodGet, "/events?limit=chatty", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, CodeSchemaViolation, body["code"])

	status, body = f.request(t, http.MethodGet, "/events?since_seq=one", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, CodeSchemaViolation, body["code"])
}
