package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Action lifecycle states.
const (
	ActionQueued    = "queued"
	ActionApproved  = "approved"
	ActionDenied    = "denied"
	ActionExecuting = "executing"
	ActionSuccess   = "success"
	ActionError     = "error"
	ActionTimeout   = "timeout"
)

// TerminalActionState reports whether an action state can no longer
// change. Denied and non-success terminals may be retried by a later
// execute; success never reruns.
func TerminalActionState(status string) bool {
	switch status {
	case ActionDenied, ActionSuccess, ActionError, ActionTimeout:
		return true
	}
	return false
}

// IntentRecord is one proposed intent envelope, keyed by request id.
type IntentRecord struct {
	RequestID          string          `json:"request_id"`
	SessionID          string          `json:"session_id"`
	ReceivedAt         time.Time       `json:"received_at_utc"`
	Mode               string          `json:"mode"`
	Domain             string          `json:"domain"`
	Urgency            string          `json:"urgency"`
	UserText           string          `json:"user_text"`
	ResponseText       string          `json:"response_text"`
	NeedsTools         bool            `json:"needs_tools"`
	NeedsClarification bool            `json:"needs_clarification"`
	Raw                json.RawMessage `json:"-"`
}

// ActionRecord is one proposed action, keyed (request id, action id).
type ActionRecord struct {
	RequestID    string          `json:"request_id"`
	ActionID     string          `json:"action_id"`
	ToolName     string          `json:"tool_name"`
	Parameters   json.RawMessage `json:"parameters"`
	SafetyLevel  string          `json:"safety_level"`
	TimeoutMS    int             `json:"timeout_ms"`
	Confidence   float64         `json:"confidence"`
	Status       string          `json:"status"`
	ReasonCode   string          `json:"reason_code,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	IncidentID   string          `json:"incident_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at_utc"`
	UpdatedAt    time.Time       `json:"updated_at_utc"`
	ExecutedAt   time.Time       `json:"executed_at_utc,omitempty"`
}

// ActionUpdate carries a state transition for one action.
type ActionUpdate struct {
	Status       string
	ReasonCode   string
	Output       json.RawMessage
	ErrorCode    string
	ErrorMessage string
	IncidentID   string
	Executed     bool
}

// PutIntent persists an intent and queues its actions. Replays by request
// id are no-ops returning created=false; nothing is overwritten.
func (s *Store) PutIntent(rec IntentRecord, actions []ActionRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("store: begin intent: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.utcNow()
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = now
	}
	if len(rec.Raw) == 0 {
		rec.Raw = json.RawMessage(`{}`)
	}

	res, err := tx.Exec(`INSERT OR IGNORE INTO intent_log
        (request_id, session_id, received_at_utc, mode, domain, urgency, user_text, response_text, needs_tools, needs_clarification, raw_json)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.SessionID, formatTime(rec.ReceivedAt), rec.Mode,
		rec.Domain, rec.Urgency, rec.UserText, rec.ResponseText,
		boolToInt(rec.NeedsTools), boolToInt(rec.NeedsClarification), string(rec.Raw))
	if err != nil {
		return false, fmt.Errorf("store: insert intent: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if inserted == 0 {
		return false, tx.Commit()
	}

	for _, a := range actions {
		params := a.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		if _, err := tx.Exec(`INSERT INTO action_log
            (request_id, action_id, tool_name, parameters_json, safety_level, timeout_ms, confidence, status, created_at_utc, updated_at_utc)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.RequestID, a.ActionID, a.ToolName, string(params), a.SafetyLevel,
			a.TimeoutMS, a.Confidence, ActionQueued, formatTime(now), formatTime(now)); err != nil {
			return false, fmt.Errorf("store: insert action %s: %w", a.ActionID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("store: commit intent: %w", err)
	}
	return true, nil
}

// GetIntent returns the intent for request id, or ErrNotFound.
func (s *Store) GetIntent(requestID string) (*IntentRecord, error) {
	var rec IntentRecord
	var received, raw string
	var needsTools, needsClar int
	err := s.db.QueryRow(`SELECT request_id, session_id, received_at_utc, mode, domain, urgency, user_text, response_text, needs_tools, needs_clarification, raw_json
        FROM intent_log WHERE request_id = ?`, requestID).
		Scan(&rec.RequestID, &rec.SessionID, &received, &rec.Mode, &rec.Domain,
			&rec.Urgency, &rec.UserText, &rec.ResponseText, &needsTools, &needsClar, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get intent: %w", err)
	}
	rec.ReceivedAt = parseTime(received)
	rec.NeedsTools = needsTools != 0
	rec.NeedsClarification = needsClar != 0
	rec.Raw = json.RawMessage(raw)
	return &rec, nil
}

// ListActions returns the actions of an intent in declared (insert) order.
func (s *Store) ListActions(requestID string) ([]ActionRecord, error) {
	rows, err := s.db.Query(`SELECT request_id, action_id, tool_name, parameters_json, safety_level, timeout_ms, confidence, status, reason_code, output_json, error_code, error_message, incident_id, created_at_utc, updated_at_utc, executed_at_utc
        FROM action_log WHERE request_id = ? ORDER BY rowid`, requestID)
	if err != nil {
		return nil, fmt.Errorf("store: list actions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ActionRecord
	for rows.Next() {
		a, err := scanActionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetAction returns one action, or ErrNotFound.
func (s *Store) GetAction(requestID, actionID string) (*ActionRecord, error) {
	rows, err := s.db.Query(`SELECT request_id, action_id, tool_name, parameters_json, safety_level, timeout_ms, confidence, status, reason_code, output_json, error_code, error_message, incident_id, created_at_utc, updated_at_utc, executed_at_utc
        FROM action_log WHERE request_id = ? AND action_id = ?`, requestID, actionID)
	if err != nil {
		return nil, fmt.Errorf("store: get action: %w", err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	a, err := scanActionRow(rows)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// UpdateAction applies a transition to one action row.
func (s *Store) UpdateAction(requestID, actionID string, upd ActionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.utcNow()
	output := "null"
	if len(upd.Output) > 0 {
		output = string(upd.Output)
	}
	executedAt := ""
	if upd.Executed {
		executedAt = formatTime(now)
	}

	res, err := s.db.Exec(`UPDATE action_log SET
            status = ?, reason_code = ?, output_json = ?, error_code = ?, error_message = ?,
            incident_id = CASE WHEN ? != '' THEN ? ELSE incident_id END,
            updated_at_utc = ?,
            executed_at_utc = CASE WHEN ? != '' THEN ? ELSE executed_at_utc END
        WHERE request_id = ? AND action_id = ?`,
		upd.Status, upd.ReasonCode, output, upd.ErrorCode, upd.ErrorMessage,
		upd.IncidentID, upd.IncidentID, formatTime(now), executedAt, executedAt,
		requestID, actionID)
	if err != nil {
		return fmt.Errorf("store: update action: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// PutFeedback records an operator rating for an intent.
func (s *Store) PutFeedback(requestID string, rating int, correction string) error {
	if rating != -1 && rating != 1 {
		return ErrInvalidRating
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.GetIntent(requestID); err != nil {
		return err
	}
	_, err := s.db.Exec(`INSERT INTO feedback_log (request_id, rating, correction_text, created_at_utc)
        VALUES (?, ?, ?, ?)`, requestID, rating, correction, formatTime(s.utcNow()))
	if err != nil {
		return fmt.Errorf("store: insert feedback: %w", err)
	}
	return nil
}

// ConfirmationRecord is one minted confirm token.
type ConfirmationRecord struct {
	Token      string
	IncidentID string
	ToolName   string
	RequestID  string
	ActionID   string
	IssuedAt   time.Time
	ConfirmBy  time.Time
	ConsumedAt time.Time
}

// PutConfirmation stores a freshly minted token.
func (s *Store) PutConfirmation(rec ConfirmationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT OR REPLACE INTO confirmations
        (token, incident_id, tool_name, request_id, action_id, issued_at_utc, confirm_by_utc, consumed_at_utc)
        VALUES (?, ?, ?, ?, ?, ?, ?, NULL)`,
		rec.Token, rec.IncidentID, rec.ToolName, rec.RequestID, rec.ActionID,
		formatTime(rec.IssuedAt), formatTime(rec.ConfirmBy))
	if err != nil {
		return fmt.Errorf("store: insert confirmation: %w", err)
	}
	return nil
}

// ConsumeConfirmation retires a token atomically. Unknown or already-used
// tokens fail with ErrTokenUnknown; tokens past their deadline fail with
// ErrTokenExpired and stay unconsumed.
func (s *Store) ConsumeConfirmation(token string, now time.Time) (*ConfirmationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec ConfirmationRecord
	var issued, confirmBy string
	var consumed sql.NullString
	err := s.db.QueryRow(`SELECT token, incident_id, tool_name, request_id, action_id, issued_at_utc, confirm_by_utc, consumed_at_utc
        FROM confirmations WHERE token = ?`, token).
		Scan(&rec.Token, &rec.IncidentID, &rec.ToolName, &rec.RequestID, &rec.ActionID,
			&issued, &confirmBy, &consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenUnknown
	}
	if err != nil {
		return nil, fmt.Errorf("store: read confirmation: %w", err)
	}
	if consumed.Valid {
		return nil, ErrTokenUnknown
	}

	rec.IssuedAt = parseTime(issued)
	rec.ConfirmBy = parseTime(confirmBy)
	if now.After(rec.ConfirmBy) {
		return nil, ErrTokenExpired
	}

	res, err := s.db.Exec(`UPDATE confirmations SET consumed_at_utc = ? WHERE token = ? AND consumed_at_utc IS NULL`,
		formatTime(now), token)
	if err != nil {
		return nil, fmt.Errorf("store: consume confirmation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrTokenUnknown
	}
	rec.ConsumedAt = now
	return &rec, nil
}

func scanActionRow(rows *sql.Rows) (ActionRecord, error) {
	var a ActionRecord
	var params, output, created, updated, executed string
	if err := rows.Scan(&a.RequestID, &a.ActionID, &a.ToolName, &params,
		&a.SafetyLevel, &a.TimeoutMS, &a.Confidence, &a.Status, &a.ReasonCode,
		&output, &a.ErrorCode, &a.ErrorMessage, &a.IncidentID,
		&created, &updated, &executed); err != nil {
		return ActionRecord{}, err
	}
	a.Parameters = json.RawMessage(params)
	if output != "" && output != "null" {
		a.Output = json.RawMessage(output)
	}
	a.CreatedAt = parseTime(created)
	a.UpdatedAt = parseTime(updated)
	a.ExecutedAt = parseTime(executed)
	return a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
