package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Capability statuses.
const (
	CapAvailable   = "available"
	CapDegraded    = "degraded"
	CapUnavailable = "unavailable"
)

// Capability is one probed subsystem's health entry.
type Capability struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	UpdatedAt time.Time `json:"updated_at_utc"`
}

// SetCapability upserts a capability entry and reports whether the status
// moved, so callers can emit edge events.
func (s *Store) SetCapability(name, status, detail string) (bool, error) {
	switch status {
	case CapAvailable, CapDegraded, CapUnavailable:
	default:
		return false, fmt.Errorf("%w: capability status %q", ErrSchemaViolation, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var prev string
	err := s.db.QueryRow(`SELECT status FROM capabilities WHERE name = ?`, name).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("store: read capability: %w", err)
	}

	_, err = s.db.Exec(`INSERT INTO capabilities (name, status, detail, updated_at_utc)
        VALUES (?, ?, ?, ?)
        ON CONFLICT(name) DO UPDATE SET
            status = excluded.status,
            detail = excluded.detail,
            updated_at_utc = excluded.updated_at_utc`,
		name, status, detail, formatTime(s.utcNow()))
	if err != nil {
		return false, fmt.Errorf("store: write capability: %w", err)
	}
	return prev != status, nil
}

// ListCapabilities returns all entries ordered by name.
func (s *Store) ListCapabilities() ([]Capability, error) {
	rows, err := s.db.Query(`SELECT name, status, detail, updated_at_utc FROM capabilities ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: list capabilities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Capability
	for rows.Next() {
		var c Capability
		var updated string
		if err := rows.Scan(&c.Name, &c.Status, &c.Detail, &updated); err != nil {
			return nil, err
		}
		c.UpdatedAt = parseTime(updated)
		out = append(out, c)
	}
	return out, rows.Err()
}

// DegradedCount counts capabilities that are not fully available.
func (s *Store) DegradedCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM capabilities WHERE status != ?`, CapAvailable).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: degraded count: %w", err)
	}
	return n, nil
}
