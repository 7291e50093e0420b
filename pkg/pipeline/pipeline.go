// Package pipeline is the write path of the control plane: intents in,
// policy-checked dispatch out, every step journaled. The assist router
// proposes; the pipeline decides, executes, and records.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/actuator"
	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/policy"
	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/router"
	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/store"
)

var (
	// ErrMissingIncidentID rejects execute and confirm calls that carry
	// no incident id; the API surfaces it as MISSING_INCIDENT_ID.
	ErrMissingIncidentID = errors.New("incident_id is required")

	// ErrExecuteInvalid marks a malformed execute request.
	ErrExecuteInvalid = errors.New("execute request invalid")
)

// Per-action result statuses reported to callers. Executed actions
// report the outcome status verbatim (success, error, timeout).
const (
	ResultDenied           = "denied"
	ResultDryRun           = "dry_run"
	ResultAlreadyCompleted = "already_completed"
	ResultError            = "error"
)

const foregroundKey = "app.foreground"

// conditionKeys are consulted in order when an execute request names no
// watch condition. The first is an operator override, the second is
// maintained by the supervisor.
var conditionKeys = [2]string{"policy.watch_condition", "system.watch_condition"}

// modeConditions maps intent modes to the fallback watch condition.
var modeConditions = map[string]string{
	"game":    "GAME",
	"work":    "WORK",
	"standby": "STANDBY",
	"tutor":   "TUTOR",
}

// Config tunes the pipeline.
type Config struct {
	// Source labels events emitted by this pipeline.
	Source string

	// StrictConfirm requires a minted token for every confirmation.
	// When false, user_confirmed with a confirmed_at inside the window
	// satisfies the guard.
	StrictConfirm bool

	// DefaultCondition applies when neither the request, the state
	// store, nor the intent mode yields a watch condition.
	DefaultCondition string

	// RateRetention bounds the rate recorder history.
	RateRetention time.Duration
}

// Pipeline owns intent ingestion, execution, confirmation, and feedback.
type Pipeline struct {
	store  *store.Store
	engine *policy.Engine
	minter *policy.TokenMinter
	router *router.Router
	rates  *RateRecorder
	cfg    Config
	log    *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	incidents map[string]*sync.Mutex
}

// New wires a pipeline. All four collaborators are required.
func New(st *store.Store, engine *policy.Engine, minter *policy.TokenMinter, rt *router.Router, cfg Config, log *slog.Logger) (*Pipeline, error) {
	if st == nil || engine == nil || minter == nil || rt == nil {
		return nil, fmt.Errorf("pipeline: store, engine, minter, and router are required")
	}
	if cfg.Source == "" {
		cfg.Source = "pipeline"
	}
	if cfg.DefaultCondition == "" {
		cfg.DefaultCondition = "STANDBY"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		store:     st,
		engine:    engine,
		minter:    minter,
		router:    rt,
		rates:     NewRateRecorder(cfg.RateRetention),
		cfg:       cfg,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
		incidents: make(map[string]*sync.Mutex),
	}, nil
}

// WithClock overrides the time source.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// IntentResult reports what an intent ingestion did.
type IntentResult struct {
	RequestID     string `json:"request_id"`
	QueuedActions int    `json:"queued_actions"`
	Duplicate     bool   `json:"duplicate"`
}

// Intent validates and persists one envelope. Replays by request id are
// idempotent: nothing is written and Duplicate is set.
func (p *Pipeline) Intent(raw []byte) (*IntentResult, error) {
	env, err := ParseEnvelope(raw)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(env.ProposedActions))
	for _, a := range env.ProposedActions {
		if _, dup := seen[a.ActionID]; dup {
			return nil, fmt.Errorf("%w: duplicate action_id %q", ErrEnvelopeInvalid, a.ActionID)
		}
		seen[a.ActionID] = struct{}{}
	}

	actions := make([]store.ActionRecord, 0, len(env.ProposedActions))
	actionIDs := make([]string, 0, len(env.ProposedActions))
	for _, a := range env.ProposedActions {
		actions = append(actions, store.ActionRecord{
			RequestID:   env.RequestID,
			ActionID:    a.ActionID,
			ToolName:    a.ToolName,
			Parameters:  encodePayload(a.Parameters),
			SafetyLevel: a.SafetyLevel,
			TimeoutMS:   a.TimeoutMS,
			Confidence:  a.Confidence,
		})
		actionIDs = append(actionIDs, a.ActionID)
	}

	created, err := p.store.PutIntent(store.IntentRecord{
		RequestID:          env.RequestID,
		SessionID:          env.SessionID,
		Mode:               env.Mode,
		Domain:             env.Domain,
		Urgency:            env.Urgency,
		UserText:           env.UserText,
		ResponseText:       env.ResponseText,
		NeedsTools:         env.NeedsTools,
		NeedsClarification: env.NeedsClarification,
		Raw:                raw,
	}, actions)
	if err != nil {
		return nil, err
	}

	res := &IntentResult{
		RequestID:     env.RequestID,
		QueuedActions: len(actions),
		Duplicate:     !created,
	}
	if !created {
		return res, nil
	}

	p.emit(store.Event{
		Type:          store.EventIntentProposed,
		Source:        p.cfg.Source,
		SessionID:     env.SessionID,
		CorrelationID: env.RequestID,
		Mode:          env.Mode,
		Severity:      store.SeverityInfo,
		Payload: encodePayload(map[string]interface{}{
			"request_id": env.RequestID,
			"actions":    actionIDs,
			"domain":     env.Domain,
			"urgency":    env.Urgency,
		}),
		Tags: []string{"assist"},
	})
	return res, nil
}

// ExecuteRequest is the body of an execute call.
type ExecuteRequest struct {
	RequestID      string   `json:"request_id"`
	IncidentID     string   `json:"incident_id"`
	ActionIDs      []string `json:"action_ids,omitempty"`
	DryRun         bool     `json:"dry_run,omitempty"`
	AllowHighRisk  bool     `json:"allow_high_risk,omitempty"`
	UserConfirmed  bool     `json:"user_confirmed,omitempty"`
	ConfirmedAtUTC string   `json:"confirmed_at_utc,omitempty"`
	WatchCondition string   `json:"watch_condition,omitempty"`
	STTConfidence  *float64 `json:"stt_confidence,omitempty"`
	SessionID      string   `json:"session_id,omitempty"`
}

// ActionResult is the verdict and outcome for one action.
type ActionResult struct {
	ActionID     string            `json:"action_id"`
	ToolName     string            `json:"tool_name"`
	Status       string            `json:"status"`
	ReasonCode   string            `json:"reason_code,omitempty"`
	Detail       string            `json:"detail,omitempty"`
	ConfirmToken string            `json:"confirm_token,omitempty"`
	ConfirmBy    *time.Time        `json:"confirm_by_ts,omitempty"`
	Outcome      *actuator.Outcome `json:"outcome,omitempty"`
}

// ExecuteResult is the per-action report for one execute call.
type ExecuteResult struct {
	RequestID      string         `json:"request_id"`
	IncidentID     string         `json:"incident_id"`
	WatchCondition string         `json:"watch_condition"`
	DryRun         bool           `json:"dry_run,omitempty"`
	Results        []ActionResult `json:"results"`
}

// Execute runs the intent's actions in declared order. Calls are
// serialized per incident id. Policy denials are reported per action,
// never as a call failure.
func (p *Pipeline) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	return p.execute(ctx, req, false)
}

func (p *Pipeline) execute(ctx context.Context, req ExecuteRequest, confirmedOverride bool) (*ExecuteResult, error) {
	if strings.TrimSpace(req.IncidentID) == "" {
		return nil, ErrMissingIncidentID
	}
	if strings.TrimSpace(req.RequestID) == "" {
		return nil, fmt.Errorf("%w: request_id is required", ErrExecuteInvalid)
	}
	if req.STTConfidence != nil && (*req.STTConfidence < 0 || *req.STTConfidence > 1) {
		return nil, fmt.Errorf("%w: stt_confidence must be within [0, 1]", ErrExecuteInvalid)
	}
	var confirmedAt time.Time
	if req.ConfirmedAtUTC != "" {
		ts, err := time.Parse(time.RFC3339, req.ConfirmedAtUTC)
		if err != nil {
			return nil, fmt.Errorf("%w: confirmed_at_utc must be ISO-8601", ErrExecuteInvalid)
		}
		confirmedAt = ts
	}

	lock := p.incidentLock(req.IncidentID)
	lock.Lock()
	defer lock.Unlock()

	intent, err := p.store.GetIntent(req.RequestID)
	if err != nil {
		return nil, err
	}
	actions, err := p.store.ListActions(req.RequestID)
	if err != nil {
		return nil, err
	}
	selected := selectActions(actions, req.ActionIDs)

	condition := p.resolveCondition(req.WatchCondition, intent.Mode)
	confirmed := confirmedOverride || p.devConfirmed(req, confirmedAt)

	res := &ExecuteResult{
		RequestID:      req.RequestID,
		IncidentID:     req.IncidentID,
		WatchCondition: condition,
		DryRun:         req.DryRun,
		Results:        make([]ActionResult, 0, len(selected)),
	}
	for i := range selected {
		res.Results = append(res.Results, p.executeOne(ctx, intent, &selected[i], req, condition, confirmed))
	}
	return res, nil
}

func (p *Pipeline) executeOne(ctx context.Context, intent *store.IntentRecord, action *store.ActionRecord, req ExecuteRequest, condition string, confirmed bool) ActionResult {
	result := ActionResult{ActionID: action.ActionID, ToolName: action.ToolName}

	// A successful action never runs twice under the same request id.
	// Denied, errored, and timed-out actions may be re-executed.
	if action.Status == store.ActionSuccess {
		result.Status = ResultAlreadyCompleted
		return result
	}

	now := p.now()
	canonical := policy.CanonicalTool(action.ToolName)

	if _, err := p.router.Check(canonical, req.AllowHighRisk); err != nil {
		result.ReasonCode = router.CodeFor(err)
		result.Detail = err.Error()
		if req.DryRun {
			result.Status = ResultDryRun
			return result
		}
		p.markDenied(intent, action, req.IncidentID, condition, result.ReasonCode, result.Detail)
		result.Status = ResultDenied
		return result
	}

	var params map[string]interface{}
	if len(action.Parameters) > 0 {
		if err := json.Unmarshal(action.Parameters, &params); err != nil {
			p.log.Warn("action parameters undecodable",
				"request_id", action.RequestID, "action_id", action.ActionID, "err", err)
		}
	}

	decision, minted, err := p.engine.Decide(policy.Request{
		Condition:     condition,
		Tool:          canonical,
		STTConfidence: req.STTConfidence,
		Confirmed:     confirmed,
		Params:        params,
		Context: map[string]interface{}{
			"request_id":   action.RequestID,
			"action_id":    action.ActionID,
			"session_id":   intent.SessionID,
			"mode":         intent.Mode,
			"urgency":      intent.Urgency,
			"safety_level": action.SafetyLevel,
		},
	}, policy.Snapshot{
		Foreground: p.store.GetString(foregroundKey),
		History:    p.rates.Snapshot(condition, canonical, now),
		Now:        now,
	}, req.IncidentID, action.RequestID, action.ActionID)
	if err != nil {
		p.log.Error("policy decide failed", "tool_name", canonical, "err", err)
		result.Status = ResultError
		result.Detail = err.Error()
		return result
	}

	p.emitPolicyDecision(intent, action, req, condition, canonical, decision)

	if minted != nil {
		if err := p.persistConfirmation(minted, action, req.IncidentID, canonical, now); err != nil {
			p.log.Error("persist confirmation failed",
				"request_id", action.RequestID, "action_id", action.ActionID, "err", err)
			result.Status = ResultError
			result.Detail = err.Error()
			return result
		}
		result.ConfirmToken = decision.ConfirmToken
		confirmBy := decision.ConfirmBy
		result.ConfirmBy = &confirmBy
	}

	result.ReasonCode = decision.ReasonCode
	result.Detail = decision.Detail

	if req.DryRun {
		result.Status = ResultDryRun
		return result
	}

	if !decision.Allowed {
		if decision.ReasonCode == policy.ReasonNeedsConfirmation {
			// Stays queued so a confirm call can still run it.
			p.updateAction(action, store.ActionUpdate{
				Status:       store.ActionQueued,
				ReasonCode:   decision.ReasonCode,
				ErrorMessage: decision.Detail,
				IncidentID:   req.IncidentID,
			})
			result.Status = ResultDenied
			return result
		}
		p.markDenied(intent, action, req.IncidentID, condition, decision.ReasonCode, decision.Detail)
		result.Status = ResultDenied
		return result
	}

	p.updateAction(action, store.ActionUpdate{
		Status: store.ActionApproved, ReasonCode: policy.ReasonAllow, IncidentID: req.IncidentID,
	})
	p.updateAction(action, store.ActionUpdate{
		Status: store.ActionExecuting, ReasonCode: policy.ReasonAllow, IncidentID: req.IncidentID,
	})

	dispatchCtx := ctx
	if action.TimeoutMS > 0 {
		var cancel context.CancelFunc
		dispatchCtx, cancel = context.WithTimeout(ctx, time.Duration(action.TimeoutMS)*time.Millisecond)
		defer cancel()
	}
	outcome := p.router.Dispatch(dispatchCtx, actuator.Invocation{
		Tool:      canonical,
		RequestID: action.RequestID,
		ActionID:  action.ActionID,
		Params:    params,
	})
	p.rates.Record(condition, canonical, p.now())

	var output json.RawMessage
	if outcome.Output != nil {
		output = encodePayload(outcome.Output)
	}
	p.updateAction(action, store.ActionUpdate{
		Status:       statusFromOutcome(outcome.Status),
		ReasonCode:   policy.ReasonAllow,
		Output:       output,
		ErrorCode:    outcome.ErrorCode,
		ErrorMessage: outcome.ErrorMessage,
		IncidentID:   req.IncidentID,
		Executed:     true,
	})
	p.emitActionExecuted(intent, action, req.IncidentID, condition, canonical, outcome)

	result.Status = outcome.Status
	result.Outcome = &outcome
	return result
}

// Confirm consumes a token minted by a previous execute or preview and
// runs the bound action with the confirmation guard satisfied.
func (p *Pipeline) Confirm(ctx context.Context, incidentID, token string) (*ExecuteResult, error) {
	if strings.TrimSpace(incidentID) == "" {
		return nil, ErrMissingIncidentID
	}

	claims, err := p.minter.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.IncidentID != incidentID {
		return nil, fmt.Errorf("%w: token bound to another incident", policy.ErrTokenInvalid)
	}

	rec, err := p.store.ConsumeConfirmation(claims.ID, p.now())
	if err != nil {
		return nil, err
	}

	p.emit(store.Event{
		Type:          store.EventConfirmationRecord,
		Source:        p.cfg.Source,
		CorrelationID: incidentID,
		IncidentID:    incidentID,
		Severity:      store.SeverityInfo,
		Payload: encodePayload(map[string]interface{}{
			"incident_id": incidentID,
			"request_id":  rec.RequestID,
			"action_id":   rec.ActionID,
			"tool_name":   rec.ToolName,
		}),
		Tags: []string{"assist", "confirm"},
	})

	res, err := p.execute(ctx, ExecuteRequest{
		RequestID:  rec.RequestID,
		IncidentID: incidentID,
		ActionIDs:  []string{rec.ActionID},
	}, true)
	if err != nil {
		return nil, err
	}
	if len(res.Results) == 0 {
		return nil, store.ErrNotFound
	}
	return res, nil
}

// Feedback records an operator rating for an intent.
func (p *Pipeline) Feedback(requestID string, rating int, correction string) error {
	if err := p.store.PutFeedback(requestID, rating, correction); err != nil {
		return err
	}

	evt := store.Event{
		Type:          store.EventUserFeedback,
		Source:        p.cfg.Source,
		CorrelationID: requestID,
		Severity:      store.SeverityInfo,
		Payload: encodePayload(map[string]interface{}{
			"request_id":      requestID,
			"rating":          rating,
			"correction_text": correction,
		}),
		Tags: []string{"assist"},
	}
	if intent, err := p.store.GetIntent(requestID); err == nil {
		evt.SessionID = intent.SessionID
		evt.Mode = intent.Mode
	}
	p.emit(evt)
	return nil
}

func (p *Pipeline) resolveCondition(requested, mode string) string {
	if c := strings.ToUpper(strings.TrimSpace(requested)); c != "" {
		return c
	}
	for _, key := range conditionKeys {
		if c := strings.ToUpper(strings.TrimSpace(p.store.GetString(key))); c != "" {
			return c
		}
	}
	if c, ok := modeConditions[strings.ToLower(mode)]; ok {
		return c
	}
	return p.cfg.DefaultCondition
}

func (p *Pipeline) devConfirmed(req ExecuteRequest, confirmedAt time.Time) bool {
	if p.cfg.StrictConfirm || !req.UserConfirmed {
		return false
	}
	if confirmedAt.IsZero() {
		return true
	}
	return p.now().Sub(confirmedAt) <= p.engine.Window()
}

func (p *Pipeline) incidentLock(id string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.incidents[id]
	if !ok {
		m = &sync.Mutex{}
		p.incidents[id] = m
	}
	return m
}

func (p *Pipeline) persistConfirmation(minted *policy.MintedToken, action *store.ActionRecord, incidentID, tool string, now time.Time) error {
	return p.store.PutConfirmation(store.ConfirmationRecord{
		Token:      minted.JTI,
		IncidentID: incidentID,
		ToolName:   tool,
		RequestID:  action.RequestID,
		ActionID:   action.ActionID,
		IssuedAt:   now,
		ConfirmBy:  minted.ConfirmBy,
	})
}

// markDenied finalizes an action as denied and journals it.
func (p *Pipeline) markDenied(intent *store.IntentRecord, action *store.ActionRecord, incidentID, condition, code, detail string) {
	p.updateAction(action, store.ActionUpdate{
		Status:       store.ActionDenied,
		ReasonCode:   code,
		ErrorMessage: detail,
		IncidentID:   incidentID,
	})
	p.emit(store.Event{
		Type:          store.EventActionDenied,
		Source:        p.cfg.Source,
		SessionID:     intent.SessionID,
		CorrelationID: incidentID,
		IncidentID:    incidentID,
		Mode:          intent.Mode,
		Severity:      store.SeverityWarn,
		Payload: encodePayload(map[string]interface{}{
			"request_id":      action.RequestID,
			"action_id":       action.ActionID,
			"tool_name":       action.ToolName,
			"reason_code":     code,
			"reason":          detail,
			"watch_condition": condition,
			"incident_id":     incidentID,
		}),
		Tags: []string{"assist", "policy"},
	})
}

func (p *Pipeline) emitPolicyDecision(intent *store.IntentRecord, action *store.ActionRecord, req ExecuteRequest, condition, canonical string, d policy.Decision) {
	severity := store.SeverityInfo
	if !d.Allowed {
		severity = store.SeverityWarn
	}
	p.emit(store.Event{
		Type:          store.EventPolicyDecision,
		Source:        p.cfg.Source,
		SessionID:     intent.SessionID,
		CorrelationID: req.IncidentID,
		IncidentID:    req.IncidentID,
		Mode:          intent.Mode,
		Severity:      severity,
		Payload: encodePayload(map[string]interface{}{
			"request_id":      action.RequestID,
			"action_id":       action.ActionID,
			"tool_name":       canonical,
			"incident_id":     req.IncidentID,
			"watch_condition": condition,
			"decision":        d,
			"dry_run":         req.DryRun,
		}),
		Tags: []string{"assist", "policy"},
	})
}

func (p *Pipeline) emitActionExecuted(intent *store.IntentRecord, action *store.ActionRecord, incidentID, condition, canonical string, out actuator.Outcome) {
	severity := store.SeverityInfo
	if out.Status != actuator.StatusSuccess {
		severity = store.SeverityError
	}
	p.emit(store.Event{
		Type:          store.EventActionExecuted,
		Source:        p.cfg.Source,
		SessionID:     intent.SessionID,
		CorrelationID: incidentID,
		IncidentID:    incidentID,
		Mode:          intent.Mode,
		Severity:      severity,
		Payload: encodePayload(map[string]interface{}{
			"request_id":      action.RequestID,
			"action_id":       action.ActionID,
			"tool_name":       canonical,
			"status":          out.Status,
			"outcome":         out,
			"watch_condition": condition,
			"incident_id":     incidentID,
		}),
		Tags: []string{"assist", "actuator"},
	})
}

func (p *Pipeline) updateAction(action *store.ActionRecord, upd store.ActionUpdate) {
	if err := p.store.UpdateAction(action.RequestID, action.ActionID, upd); err != nil {
		p.log.Error("update action failed",
			"request_id", action.RequestID, "action_id", action.ActionID, "err", err)
	}
}

func (p *Pipeline) emit(evt store.Event) {
	if _, err := p.store.AppendEvent(evt); err != nil {
		p.log.Error("append event failed", "event_type", evt.Type, "err", err)
	}
}

func selectActions(actions []store.ActionRecord, ids []string) []store.ActionRecord {
	if len(ids) == 0 {
		return actions
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	out := make([]store.ActionRecord, 0, len(ids))
	for _, a := range actions {
		if _, ok := want[a.ActionID]; ok {
			out = append(out, a)
		}
	}
	return out
}

func statusFromOutcome(s string) string {
	switch s {
	case actuator.StatusSuccess:
		return store.ActionSuccess
	case actuator.StatusTimeout:
		return store.ActionTimeout
	default:
		return store.ActionError
	}
}

func encodePayload(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
