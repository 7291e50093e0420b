package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/canonicalize"
	"github.com/google/uuid"
)

// StateEntry is one row of current state. Value is opaque JSON; consumers
// decode at their own edges.
type StateEntry struct {
	Key        string          `json:"state_key"`
	Value      json.RawMessage `json:"state_value"`
	Source     string          `json:"source"`
	Confidence float64         `json:"confidence"`
	ObservedAt time.Time       `json:"observed_at_utc"`
	UpdatedAt  time.Time       `json:"updated_at_utc"`
}

// StateItem is one write in a batch.
type StateItem struct {
	Key        string          `json:"state_key"`
	Value      json.RawMessage `json:"state_value"`
	Source     string          `json:"source"`
	Confidence float64         `json:"confidence,omitempty"`
	ObservedAt time.Time       `json:"observed_at_utc,omitempty"`
}

// StateResult reports the outcome of one batch item.
type StateResult struct {
	Key     string `json:"state_key"`
	Changed bool   `json:"changed"`
}

// GetState returns the current entry for key, or ErrNotFound.
func (s *Store) GetState(key string) (*StateEntry, error) {
	row := s.db.QueryRow(`SELECT state_key, state_value, source, confidence, observed_at_utc, updated_at_utc
        FROM state_current WHERE state_key = ?`, key)
	return scanStateRow(row)
}

// GetBool reads a state value as a bare boolean. Missing keys and
// non-boolean values read as false.
func (s *Store) GetBool(key string) bool {
	entry, err := s.GetState(key)
	if err != nil {
		return false
	}
	var v bool
	if err := json.Unmarshal(entry.Value, &v); err != nil {
		return false
	}
	return v
}

// GetString reads a state value as a bare string. Missing keys and
// non-string values read as "".
func (s *Store) GetString(key string) string {
	entry, err := s.GetState(key)
	if err != nil {
		return ""
	}
	var v string
	if err := json.Unmarshal(entry.Value, &v); err != nil {
		return ""
	}
	return v
}

// ListState returns entries whose key starts with prefix, ordered by key.
// An empty prefix lists everything.
func (s *Store) ListState(prefix string) ([]StateEntry, error) {
	rows, err := s.db.Query(`SELECT state_key, state_value, source, confidence, observed_at_utc, updated_at_utc
        FROM state_current WHERE state_key LIKE ? || '%' ORDER BY state_key`, prefix)
	if err != nil {
		return nil, fmt.Errorf("store: list state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []StateEntry
	for rows.Next() {
		var e StateEntry
		var observed, updated string
		if err := rows.Scan(&e.Key, &e.Value, &e.Source, &e.Confidence, &observed, &updated); err != nil {
			return nil, err
		}
		e.ObservedAt = parseTime(observed)
		e.UpdatedAt = parseTime(updated)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SetState upserts one state entry. The write is skipped when a newer
// observation is already stored. A STATE_CHANGED event is appended in the
// same transaction when the canonical value actually changed and the
// source has not opted out.
func (s *Store) SetState(item StateItem) (bool, error) {
	results, err := s.BatchSetState([]StateItem{item}, "")
	if err != nil {
		return false, err
	}
	return results[0].Changed, nil
}

// BatchSetState applies a group of writes in one transaction. All keys are
// validated before anything is written. STATE_CHANGED events for changed
// entries carry correlationID.
func (s *Store) BatchSetState(items []StateItem, correlationID string) ([]StateResult, error) {
	for _, item := range items {
		if err := ValidateStateKey(item.Key); err != nil {
			return nil, err
		}
		if len(item.Value) == 0 || !json.Valid(item.Value) {
			return nil, fmt.Errorf("%w: value for %q is not valid JSON", ErrSchemaViolation, item.Key)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("store: begin state batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.utcNow()
	results := make([]StateResult, 0, len(items))
	var emitted []Event

	for _, item := range items {
		changed, evt, err := s.applyStateTx(tx, item, correlationID, now)
		if err != nil {
			return nil, err
		}
		results = append(results, StateResult{Key: item.Key, Changed: changed})
		if evt != nil {
			emitted = append(emitted, *evt)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit state batch: %w", err)
	}
	for _, evt := range emitted {
		s.notify(evt)
	}
	return results, nil
}

func (s *Store) applyStateTx(tx *sql.Tx, item StateItem, correlationID string, now time.Time) (bool, *Event, error) {
	hash, err := canonicalize.HashRaw(item.Value)
	if err != nil {
		return false, nil, fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}

	observed := item.ObservedAt
	if observed.IsZero() {
		observed = now
	}
	confidence := item.Confidence
	if confidence == 0 {
		confidence = 1.0
	}

	var prevHash, prevObserved string
	err = tx.QueryRow(`SELECT value_hash, observed_at_utc FROM state_current WHERE state_key = ?`, item.Key).
		Scan(&prevHash, &prevObserved)
	exists := true
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return false, nil, fmt.Errorf("store: read state %s: %w", item.Key, err)
	}

	// Keep the latest observation; ties go to the incoming write.
	if exists && observed.Before(parseTime(prevObserved)) {
		return false, nil, nil
	}

	_, err = tx.Exec(`INSERT INTO state_current (state_key, state_value, source, confidence, observed_at_utc, updated_at_utc, value_hash)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(state_key) DO UPDATE SET
            state_value = excluded.state_value,
            source = excluded.source,
            confidence = excluded.confidence,
            observed_at_utc = excluded.observed_at_utc,
            updated_at_utc = excluded.updated_at_utc,
            value_hash = excluded.value_hash`,
		item.Key, string(item.Value), item.Source, confidence,
		formatTime(observed), formatTime(now), hash)
	if err != nil {
		return false, nil, fmt.Errorf("store: write state %s: %w", item.Key, err)
	}

	changed := !exists || hash != prevHash
	if !changed {
		return false, nil, nil
	}
	if _, optedOut := s.quiet[item.Source]; optedOut {
		return true, nil, nil
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"state_key":       item.Key,
		"state_value":     item.Value,
		"source":          item.Source,
		"confidence":      confidence,
		"observed_at_utc": formatTime(observed),
	})
	evt := Event{
		EventID:       uuid.New().String(),
		TS:            now,
		Type:          EventStateChanged,
		Source:        item.Source,
		CorrelationID: correlationID,
		Severity:      SeverityInfo,
		Payload:       payload,
	}
	seq, err := s.appendEventTx(tx, &evt)
	if err != nil {
		return false, nil, err
	}
	evt.Seq = seq
	return true, &evt, nil
}
