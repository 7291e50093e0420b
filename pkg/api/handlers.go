package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/actuator"
	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/pipeline"
	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/router"
	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/store"
)

// fail maps an error onto the response envelope. Server-side faults are
// logged with detail but answered with a generic message.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "code", code, "error", err)
		msg = "temporarily unavailable"
	}
	writeError(w, status, code, msg)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]interface{}{
		"version":    s.cfg.Version,
		"uptime_sec": s.uptime(),
	}
	if caps, err := s.st.ListCapabilities(); err == nil {
		degraded := []string{}
		for _, c := range caps {
			if c.Status != store.CapAvailable {
				degraded = append(degraded, c.Name)
			}
		}
		payload["degraded"] = degraded
	}
	writeOK(w, payload)
}

func (s *Server) handleStateGet(w http.ResponseWriter, r *http.Request) {
	entries, err := s.st.ListState(r.URL.Query().Get("prefix"))
	if err != nil {
		s.fail(w, err)
		return
	}
	state := make(map[string]store.StateEntry, len(entries))
	for _, e := range entries {
		state[e.Key] = e
	}
	writeOK(w, map[string]interface{}{"state": state})
}

func (s *Server) handleStatePost(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Items         []store.StateItem `json:"items"`
		CorrelationID string            `json:"correlation_id"`
	}
	if err := decodeStrict(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeSchemaViolation, err.Error())
		return
	}
	if len(body.Items) == 0 {
		writeError(w, http.StatusBadRequest, CodeSchemaViolation, "items must not be empty")
		return
	}
	for _, item := range body.Items {
		if err := store.ValidateIngestKey(item.Key, s.cfg.DevIngest); err != nil {
			s.fail(w, err)
			return
		}
	}

	results, err := s.st.BatchSetState(body.Items, body.CorrelationID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeOK(w, map[string]interface{}{"results": results})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := eventFilterFrom(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeSchemaViolation, err.Error())
		return
	}
	events, err := s.st.ReadEvents(filter)
	if err != nil {
		s.fail(w, err)
		return
	}
	if events == nil {
		events = []store.Event{}
	}
	writeOK(w, map[string]interface{}{"events": events})
}

func (s *Server) handleIntent(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeSchemaViolation, "read body: "+err.Error())
		return
	}
	res, err := s.pipe.Intent(raw)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeOK(w, map[string]interface{}{
		"request_id":     res.RequestID,
		"queued_actions": res.QueuedActions,
		"duplicate":      res.Duplicate,
	})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req pipeline.ExecuteRequest
	if err := decodeStrict(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeSchemaViolation, err.Error())
		return
	}
	res, err := s.pipe.Execute(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.recordActions(r.Context(), res)
	writeOK(w, executePayload(res))
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IncidentID   string `json:"incident_id"`
		ConfirmToken string `json:"confirm_token"`
	}
	if err := decodeStrict(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeSchemaViolation, err.Error())
		return
	}
	res, err := s.pipe.Confirm(r.Context(), body.IncidentID, body.ConfirmToken)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.recordActions(r.Context(), res)
	writeOK(w, executePayload(res))
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RequestID  string `json:"request_id"`
		Rating     int    `json:"rating"`
		Correction string `json:"correction_text"`
	}
	if err := decodeStrict(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeSchemaViolation, err.Error())
		return
	}
	if err := s.pipe.Feedback(body.RequestID, body.Rating, body.Correction); err != nil {
		s.fail(w, err)
		return
	}
	writeOK(w, map[string]interface{}{"request_id": body.RequestID})
}

func (s *Server) handleSitrep(w http.ResponseWriter, r *http.Request) {
	payload := map[string]interface{}{
		"ts_utc":          s.now().Format(time.RFC3339),
		"version":         s.cfg.Version,
		"uptime_sec":      s.uptime(),
		"watch_condition": s.watchCondition(),
	}

	if caps, err := s.st.ListCapabilities(); err == nil {
		degraded := 0
		for _, c := range caps {
			if c.Status != store.CapAvailable {
				degraded++
			}
		}
		payload["capabilities"] = caps
		payload["degraded"] = degraded
	}

	if s.rt != nil {
		payload["actuators_enabled"] = s.rt.ActuatorsEnabled()
		payload["keypress_enabled"] = s.rt.KeypressEnabled()
		payload["tools"] = toolSummaries(s.rt.Tools())
	}

	if s.pol != nil {
		payload["policy"] = s.policySummary()
	}

	if s.parser != nil {
		payload["edparser"] = s.parser.Status()
	}

	if s.gate != nil {
		payload["doorbell"] = map[string]interface{}{
			"bound": s.gate.Bound(),
			"addr":  s.gate.Addr(),
		}
	}

	if cursors, err := s.st.Cursors(); err == nil {
		payload["twitch_cursors"] = cursors
	}

	if notes, err := s.st.ReadEvents(store.EventFilter{EventType: store.EventHandoverNote, Limit: 1}); err == nil && len(notes) == 1 {
		payload["last_handover"] = notes[0]
	}

	writeOK(w, payload)
}

// watchCondition reports the condition execute would resolve: the
// operator override first, then the supervisor's view, then standby.
func (s *Server) watchCondition() string {
	if cond := s.st.GetString("policy.watch_condition"); cond != "" {
		return cond
	}
	if cond := s.st.GetString("system.watch_condition"); cond != "" {
		return cond
	}
	return "STANDBY"
}

func (s *Server) policySummary() map[string]interface{} {
	doc := s.pol.Current()
	if doc == nil {
		return map[string]interface{}{"loaded": false}
	}
	summary := map[string]interface{}{
		"loaded":     true,
		"version":    doc.Version,
		"conditions": doc.ConditionNames(),
	}
	if aged, ok := s.pol.(interface{ LoadedAt() time.Time }); ok {
		if at := aged.LoadedAt(); !at.IsZero() {
			summary["loaded_at_utc"] = at.Format(time.RFC3339)
		}
	}
	return summary
}

func toolSummaries(bindings []router.Binding) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(bindings))
	for _, b := range bindings {
		out = append(out, map[string]interface{}{
			"tool":     b.Tool,
			"class":    b.Class,
			"keypress": b.Keypress,
		})
	}
	return out
}

// handleAppOpen launches a configured app. Best effort: no policy
// evaluation, no incident, kill switches still honored.
func (s *Server) handleAppOpen(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AppID string `json:"app_id"`
	}
	if err := decodeStrict(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeSchemaViolation, err.Error())
		return
	}
	if body.AppID == "" {
		writeError(w, http.StatusBadRequest, CodeSchemaViolation, "app_id is required")
		return
	}

	if s.rt == nil {
		writeOK(w, map[string]interface{}{
			"status":      "denied",
			"reason_code": router.CodeFor(router.ErrActuatorsDisabled),
		})
		return
	}
	if _, err := s.rt.Check("app.open", false); err != nil {
		writeOK(w, map[string]interface{}{
			"status":      "denied",
			"reason_code": router.CodeFor(err),
		})
		return
	}

	out := s.rt.Dispatch(r.Context(), actuator.Invocation{
		Tool:      "app.open",
		RequestID: requestIDFrom(r.Context()),
		ActionID:  "app-open",
		Params:    map[string]interface{}{"app": body.AppID},
	})
	writeOK(w, map[string]interface{}{
		"status":      out.Status,
		"reason_code": out.ErrorCode,
		"detail":      out.ErrorMessage,
		"output":      out.Output,
	})
}

func (s *Server) handleBiasGet(w http.ResponseWriter, r *http.Request) {
	entries, err := s.st.ListBias(r.URL.Query().Get("mode"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if entries == nil {
		entries = []store.BiasEntry{}
	}
	writeOK(w, map[string]interface{}{"entries": entries})
}

func (s *Server) handleBiasPost(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Phrase string   `json:"phrase"`
		Mode   string   `json:"mode"`
		Weight *float64 `json:"weight"`
		Active *bool    `json:"active"`
	}
	if err := decodeStrict(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeSchemaViolation, err.Error())
		return
	}
	weight := 1.0
	if body.Weight != nil {
		weight = *body.Weight
	}
	active := true
	if body.Active != nil {
		active = *body.Active
	}

	entry, err := s.st.UpsertBias(body.Phrase, body.Mode, weight, active)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeOK(w, map[string]interface{}{"entry": entry})
}

// handleDevDoorbell feeds a packet through the ingest service without
// the UDP socket. Registered only under the dev-ingest flag.
func (s *Server) handleDevDoorbell(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Packet string `json:"packet"`
	}
	if err := decodeStrict(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeSchemaViolation, err.Error())
		return
	}
	res, err := s.ingest.Handle(r.Context(), body.Packet)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeOK(w, map[string]interface{}{"result": res})
}

func (s *Server) recordActions(ctx context.Context, res *pipeline.ExecuteResult) {
	if s.obs == nil {
		return
	}
	for _, ar := range res.Results {
		s.obs.RecordAction(ctx, ar.ToolName, ar.Status)
	}
}

func executePayload(res *pipeline.ExecuteResult) map[string]interface{} {
	return map[string]interface{}{
		"request_id":      res.RequestID,
		"incident_id":     res.IncidentID,
		"watch_condition": res.WatchCondition,
		"dry_run":         res.DryRun,
		"results":         res.Results,
	}
}

// eventFilterFrom builds a store filter from query parameters. Numeric
// and timestamp parameters must parse; everything else passes through.
func eventFilterFrom(q url.Values) (store.EventFilter, error) {
	f := store.EventFilter{
		EventType:     q.Get("event_type"),
		Source:        q.Get("source"),
		CorrelationID: q.Get("correlation_id"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, invalidParam("limit", v)
		}
		f.Limit = n
	}
	if v := q.Get("since_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return f, invalidParam("since_seq", v)
		}
		f.SinceSeq = n
	}
	if v := q.Get("from"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, invalidParam("from", v)
		}
		f.From = ts
	}
	if v := q.Get("to"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, invalidParam("to", v)
		}
		f.To = ts
	}
	return f, nil
}

func invalidParam(name, value string) error {
	return fmt.Errorf("invalid %s parameter %q", name, value)
}
