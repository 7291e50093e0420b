package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/pipeline"
	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/store"
)

func (s *Server) handleTwitchRecent(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeSchemaViolation, err.Error())
		return
	}
	events, err := s.st.RecentTwitchEvents(limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	if events == nil {
		events = []store.TwitchRecent{}
	}
	writeOK(w, map[string]interface{}{"events": events})
}

func (s *Server) handleTwitchUser(w http.ResponseWriter, r *http.Request) {
	uc, err := s.st.TwitchUserContext(r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeOK(w, map[string]interface{}{
		"user":          uc.User,
		"last_messages": uc.LastMessages,
		"stats":         uc.Stats,
	})
}

// handleTwitchRedeems reports a user's redeem standing: their own total
// and rank against the global leaderboard. The store keeps one aggregate
// per user, not per-reward rows, so "top redeems" reads as a ranking.
func (s *Server) handleTwitchRedeems(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeSchemaViolation, err.Error())
		return
	}
	userID := r.PathValue("id")
	uc, err := s.st.TwitchUserContext(userID)
	if err != nil {
		s.fail(w, err)
		return
	}
	top, err := s.st.TopRedeemers(limit)
	if err != nil {
		s.fail(w, err)
		return
	}

	rank := 0
	for i, u := range top {
		if u.UserID == userID {
			rank = i + 1
			break
		}
	}
	if top == nil {
		top = []store.TwitchUser{}
	}
	writeOK(w, map[string]interface{}{
		"user_id":      userID,
		"redeem_total": uc.Stats.RedeemTotal,
		"rank":         rank,
		"top":          top,
	})
}

// handleSendChat wraps one chat line in a synthetic intent and runs it
// through the full pipeline, so standing orders and the confirmation
// flow apply exactly as they do to assist-proposed chat.
func (s *Server) handleSendChat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text           string `json:"text"`
		RequestID      string `json:"request_id"`
		IncidentID     string `json:"incident_id"`
		SessionID      string `json:"session_id"`
		DryRun         bool   `json:"dry_run"`
		UserConfirmed  bool   `json:"user_confirmed"`
		ConfirmedAtUTC string `json:"confirmed_at_utc"`
	}
	if err := decodeStrict(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeSchemaViolation, err.Error())
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		writeError(w, http.StatusBadRequest, CodeSchemaViolation, "text is required")
		return
	}
	if body.RequestID == "" {
		body.RequestID = uuid.New().String()
	}
	if body.IncidentID == "" {
		body.IncidentID = uuid.New().String()
	}

	if _, err := s.pipe.Intent(s.chatEnvelope(body.RequestID, body.SessionID, body.Text)); err != nil {
		s.fail(w, err)
		return
	}
	res, err := s.pipe.Execute(r.Context(), pipeline.ExecuteRequest{
		RequestID:      body.RequestID,
		IncidentID:     body.IncidentID,
		DryRun:         body.DryRun,
		UserConfirmed:  body.UserConfirmed,
		ConfirmedAtUTC: body.ConfirmedAtUTC,
		SessionID:      body.SessionID,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	s.recordActions(r.Context(), res)
	writeOK(w, executePayload(res))
}

// chatEnvelope builds the synthetic intent for one outgoing chat line.
func (s *Server) chatEnvelope(requestID, sessionID, text string) []byte {
	env := map[string]interface{}{
		"schema_version":      "1.0",
		"request_id":          requestID,
		"timestamp_utc":       s.now().Format(time.RFC3339),
		"mode":                s.envelopeMode(),
		"domain":              "general",
		"urgency":             "normal",
		"user_text":           text,
		"needs_tools":         true,
		"needs_clarification": false,
		"response_text":       "",
		"proposed_actions": []map[string]interface{}{{
			"action_id":    "chat-1",
			"tool_name":    "twitch.send_chat",
			"parameters":   map[string]interface{}{"text": text},
			"safety_level": "low_risk",
			"timeout_ms":   5000,
			"confidence":   1.0,
		}},
	}
	if sessionID != "" {
		env["session_id"] = sessionID
	}
	raw, _ := json.Marshal(env)
	return raw
}

// envelopeMode maps the live watch condition onto an intent mode.
func (s *Server) envelopeMode() string {
	switch mode := strings.ToLower(s.watchCondition()); mode {
	case "game", "work", "standby", "tutor":
		return mode
	default:
		return "standby"
	}
}

func limitParam(r *http.Request, fallback int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, invalidParam("limit", v)
	}
	return n, nil
}
