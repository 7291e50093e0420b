package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event types written by the control plane. The set is closed; consumers
// switch on these names.
const (
	EventStateChanged        = "STATE_CHANGED"
	EventIntentProposed      = "INTENT_PROPOSED"
	EventPolicyDecision      = "POLICY_DECISION"
	EventActionExecuted      = "ACTION_EXECUTED"
	EventActionDenied        = "ACTION_DENIED"
	EventConfirmationRecord  = "USER_CONFIRMATION_RECORDED"
	EventUserFeedback        = "USER_FEEDBACK"
	EventWatchCondition      = "WATCH_CONDITION_CHANGED"
	EventHandoverNote        = "HANDOVER_NOTE"
	EventEDStarted           = "ED_STARTED"
	EventEDStopped           = "ED_STOPPED"
	EventEDParserStarted     = "EDPARSER_STARTED"
	EventEDParserStopped     = "EDPARSER_STOPPED"
	EventMusicStarted        = "MUSIC_STARTED"
	EventMusicStopped        = "MUSIC_STOPPED"
	EventTrackChanged        = "TRACK_CHANGED"
	EventHardwareThreshold   = "HARDWARE_THRESHOLD"
	EventTwitchEvent         = "TWITCH_EVENT"
	EventTwitchPacketReceipt = "TWITCH_PACKET_RECEIVED"
	EventAuxAppStarted       = "AUX_APP_STARTED"
	EventCapabilityChanged   = "CAPABILITY_CHANGED"
	EventServiceStarted      = "SERVICE_STARTED"
	EventServiceStopping     = "SERVICE_STOPPING"
)

// Severity levels for events.
const (
	SeverityDebug = "debug"
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// Event is one append-only log record. Seq is assigned by the store and
// is the total order of the log.
type Event struct {
	Seq           int64           `json:"seq"`
	EventID       string          `json:"event_id"`
	TS            time.Time       `json:"ts_utc"`
	Type          string          `json:"event_type"`
	Source        string          `json:"source"`
	SessionID     string          `json:"session_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	IncidentID    string          `json:"incident_id,omitempty"`
	Mode          string          `json:"mode,omitempty"`
	Severity      string          `json:"severity"`
	Payload       json.RawMessage `json:"payload"`
	Tags          []string        `json:"tags,omitempty"`
}

// EventFilter selects events for ReadEvents.
type EventFilter struct {
	Limit         int
	SinceSeq      int64
	EventType     string
	Source        string
	CorrelationID string
	From          time.Time
	To            time.Time

	// Ascending forces oldest-first order even when SinceSeq is zero,
	// so exports can walk the log from the start.
	Ascending bool
}

// AppendEvent writes one event. Missing id, timestamp and severity get
// defaults. Returns the assigned sequence number; a reused event id fails
// with ErrDuplicateEventID and leaves the original row untouched.
func (s *Store) AppendEvent(evt Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("store: begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	seq, err := s.appendEventTx(tx, &evt)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit append: %w", err)
	}
	evt.Seq = seq
	s.notify(evt)
	return seq, nil
}

// appendEventTx inserts inside an open transaction. Callers hold s.mu.
func (s *Store) appendEventTx(tx *sql.Tx, evt *Event) (int64, error) {
	if evt.EventID == "" {
		evt.EventID = uuid.New().String()
	}
	if evt.TS.IsZero() {
		evt.TS = s.utcNow()
	}
	if evt.Severity == "" {
		evt.Severity = SeverityInfo
	}
	if len(evt.Payload) == 0 {
		evt.Payload = json.RawMessage(`{}`)
	}

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(1) FROM event_log WHERE event_id = ?`, evt.EventID).Scan(&exists); err != nil {
		return 0, fmt.Errorf("store: check event id: %w", err)
	}
	if exists > 0 {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateEventID, evt.EventID)
	}

	tags, err := json.Marshal(evt.Tags)
	if err != nil {
		return 0, fmt.Errorf("store: encode tags: %w", err)
	}
	if evt.Tags == nil {
		tags = []byte(`[]`)
	}

	res, err := tx.Exec(`INSERT INTO event_log
        (event_id, ts_utc, event_type, source, session_id, correlation_id, incident_id, mode, severity, payload_json, tags_json)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.EventID, formatTime(evt.TS), evt.Type, evt.Source, evt.SessionID,
		evt.CorrelationID, evt.IncidentID, evt.Mode, evt.Severity,
		string(evt.Payload), string(tags))
	if err != nil {
		return 0, fmt.Errorf("store: insert event: %w", err)
	}
	return res.LastInsertId()
}

// ReadEvents returns events matching the filter. With SinceSeq or
// Ascending set the result ascends from that sequence (streaming
// catch-up, exports); otherwise the most recent events come back
// newest-first.
func (s *Store) ReadEvents(f EventFilter) ([]Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	var where []string
	var args []interface{}
	if f.SinceSeq > 0 || f.Ascending {
		where = append(where, "seq > ?")
		args = append(args, f.SinceSeq)
	}
	if f.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, f.EventType)
	}
	if f.Source != "" {
		where = append(where, "source = ?")
		args = append(args, f.Source)
	}
	if f.CorrelationID != "" {
		where = append(where, "correlation_id = ?")
		args = append(args, f.CorrelationID)
	}
	if !f.From.IsZero() {
		where = append(where, "ts_utc >= ?")
		args = append(args, formatTime(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "ts_utc <= ?")
		args = append(args, formatTime(f.To))
	}

	query := `SELECT seq, event_id, ts_utc, event_type, source, session_id, correlation_id, incident_id, mode, severity, payload_json, tags_json FROM event_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if f.SinceSeq > 0 || f.Ascending {
		query += " ORDER BY seq ASC"
	} else {
		query += " ORDER BY seq DESC"
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: read events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		evt, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// LastSeq returns the highest assigned sequence number, 0 when empty.
func (s *Store) LastSeq() (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(seq) FROM event_log`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("store: last seq: %w", err)
	}
	return seq.Int64, nil
}

func scanEventRow(rows *sql.Rows) (Event, error) {
	var evt Event
	var ts, payload, tags string
	if err := rows.Scan(&evt.Seq, &evt.EventID, &ts, &evt.Type, &evt.Source,
		&evt.SessionID, &evt.CorrelationID, &evt.IncidentID, &evt.Mode,
		&evt.Severity, &payload, &tags); err != nil {
		return Event{}, err
	}
	evt.TS = parseTime(ts)
	evt.Payload = json.RawMessage(payload)
	if tags != "" && tags != "[]" {
		if err := json.Unmarshal([]byte(tags), &evt.Tags); err != nil {
			evt.Tags = nil
		}
	}
	return evt, nil
}

func scanStateRow(row *sql.Row) (*StateEntry, error) {
	var e StateEntry
	var value, observed, updated string
	err := row.Scan(&e.Key, &value, &e.Source, &e.Confidence, &observed, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: read state: %w", err)
	}
	e.Value = json.RawMessage(value)
	e.ObservedAt = parseTime(observed)
	e.UpdatedAt = parseTime(updated)
	return &e, nil
}
