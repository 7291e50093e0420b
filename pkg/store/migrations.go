package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// schemaVersion is the version the binary requires. A store file written
// by an incompatible binary refuses to open.
const schemaVersion = "2"

type migration struct {
	version string
	name    string
	sql     string
}

var migrations = []migration{
	{
		version: "001",
		name:    "core tables",
		sql: `
CREATE TABLE IF NOT EXISTS config (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS state_current (
    state_key       TEXT PRIMARY KEY,
    state_value     TEXT NOT NULL,
    source          TEXT NOT NULL DEFAULT '',
    confidence      REAL NOT NULL DEFAULT 1.0,
    observed_at_utc TEXT NOT NULL,
    updated_at_utc  TEXT NOT NULL,
    value_hash      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS event_log (
    seq            INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id       TEXT NOT NULL UNIQUE,
    ts_utc         TEXT NOT NULL,
    event_type     TEXT NOT NULL,
    source         TEXT NOT NULL DEFAULT '',
    session_id     TEXT NOT NULL DEFAULT '',
    correlation_id TEXT NOT NULL DEFAULT '',
    incident_id    TEXT NOT NULL DEFAULT '',
    mode           TEXT NOT NULL DEFAULT '',
    severity       TEXT NOT NULL DEFAULT 'info',
    payload_json   TEXT NOT NULL DEFAULT '{}',
    tags_json      TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_event_log_type ON event_log(event_type);
CREATE INDEX IF NOT EXISTS idx_event_log_correlation ON event_log(correlation_id);

CREATE TABLE IF NOT EXISTS intent_log (
    request_id          TEXT PRIMARY KEY,
    session_id          TEXT NOT NULL DEFAULT '',
    received_at_utc     TEXT NOT NULL,
    mode                TEXT NOT NULL DEFAULT '',
    domain              TEXT NOT NULL DEFAULT '',
    urgency             TEXT NOT NULL DEFAULT '',
    user_text           TEXT NOT NULL DEFAULT '',
    response_text       TEXT NOT NULL DEFAULT '',
    needs_tools         INTEGER NOT NULL DEFAULT 0,
    needs_clarification INTEGER NOT NULL DEFAULT 0,
    raw_json            TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS action_log (
    request_id      TEXT NOT NULL,
    action_id       TEXT NOT NULL,
    tool_name       TEXT NOT NULL,
    parameters_json TEXT NOT NULL DEFAULT '{}',
    safety_level    TEXT NOT NULL DEFAULT '',
    timeout_ms      INTEGER NOT NULL DEFAULT 0,
    confidence      REAL NOT NULL DEFAULT 1.0,
    status          TEXT NOT NULL DEFAULT 'queued',
    reason_code     TEXT NOT NULL DEFAULT '',
    output_json     TEXT NOT NULL DEFAULT 'null',
    error_code      TEXT NOT NULL DEFAULT '',
    error_message   TEXT NOT NULL DEFAULT '',
    incident_id     TEXT NOT NULL DEFAULT '',
    created_at_utc  TEXT NOT NULL,
    updated_at_utc  TEXT NOT NULL,
    executed_at_utc TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (request_id, action_id),
    FOREIGN KEY (request_id) REFERENCES intent_log(request_id)
);

CREATE TABLE IF NOT EXISTS feedback_log (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id      TEXT NOT NULL,
    rating          INTEGER NOT NULL CHECK (rating IN (-1, 1)),
    correction_text TEXT NOT NULL DEFAULT '',
    created_at_utc  TEXT NOT NULL,
    FOREIGN KEY (request_id) REFERENCES intent_log(request_id)
);

CREATE TABLE IF NOT EXISTS confirmations (
    token           TEXT PRIMARY KEY,
    incident_id     TEXT NOT NULL,
    tool_name       TEXT NOT NULL,
    request_id      TEXT NOT NULL DEFAULT '',
    action_id       TEXT NOT NULL DEFAULT '',
    issued_at_utc   TEXT NOT NULL,
    confirm_by_utc  TEXT NOT NULL,
    consumed_at_utc TEXT
);
`,
	},
	{
		version: "002",
		name:    "twitch read model, bias lexicon, capabilities",
		sql: `
CREATE TABLE IF NOT EXISTS twitch_cursor (
    category       TEXT PRIMARY KEY,
    last_commit_ts INTEGER NOT NULL DEFAULT 0,
    updated_at_utc TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS twitch_user (
    user_id        TEXT PRIMARY KEY,
    login_name     TEXT NOT NULL DEFAULT '',
    display_name   TEXT NOT NULL DEFAULT '',
    flags_json     TEXT NOT NULL DEFAULT '{}',
    first_seen_utc TEXT NOT NULL,
    last_seen_utc  TEXT NOT NULL,
    chat_count     INTEGER NOT NULL DEFAULT 0,
    redeem_total   INTEGER NOT NULL DEFAULT 0,
    bits_total     INTEGER NOT NULL DEFAULT 0,
    hype_total     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS twitch_message (
    id      INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT NOT NULL,
    text    TEXT NOT NULL,
    ts_utc  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_twitch_message_user ON twitch_message(user_id);

CREATE TABLE IF NOT EXISTS twitch_recent (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    category     TEXT NOT NULL,
    commit_ts    INTEGER NOT NULL,
    user_id      TEXT NOT NULL DEFAULT '',
    payload_json TEXT NOT NULL DEFAULT '{}',
    ts_utc       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS stt_bias (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    phrase         TEXT NOT NULL,
    normalized     TEXT NOT NULL,
    mode           TEXT NOT NULL DEFAULT '',
    weight         REAL NOT NULL DEFAULT 1.0 CHECK (weight >= 0),
    active         INTEGER NOT NULL DEFAULT 1,
    updated_at_utc TEXT NOT NULL,
    UNIQUE (normalized, mode)
);

CREATE TABLE IF NOT EXISTS capabilities (
    name           TEXT PRIMARY KEY,
    status         TEXT NOT NULL CHECK (status IN ('available', 'degraded', 'unavailable')),
    detail         TEXT NOT NULL DEFAULT '',
    updated_at_utc TEXT NOT NULL
);
`,
	},
}

// migrate applies pending migrations in order and pins the schema version.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version    TEXT PRIMARY KEY,
        name       TEXT NOT NULL,
        applied_at TEXT NOT NULL
    )`); err != nil {
		return fmt.Errorf("store: init migrations table: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT COUNT(1) FROM schema_migrations WHERE version = ?`, m.version).Scan(&exists)
		if err != nil {
			return fmt.Errorf("store: check migration %s: %w", m.version, err)
		}
		if exists > 0 {
			continue
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("store: begin migration %s: %w", m.version, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("store: apply migration %s (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
			m.version, m.name, formatTime(s.utcNow()),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("store: record migration %s: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: commit migration %s: %w", m.version, err)
		}
	}

	return s.checkSchemaVersion()
}

func (s *Store) checkSchemaVersion() error {
	var current string
	err := s.db.QueryRow(`SELECT value FROM config WHERE key = 'schema_version'`).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.Exec(`INSERT INTO config (key, value) VALUES ('schema_version', ?)`, schemaVersion)
		if err != nil {
			return fmt.Errorf("store: set schema version: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("store: read schema version: %w", err)
	case current != schemaVersion:
		return fmt.Errorf("%w: store has %s, binary wants %s", ErrSchemaMismatch, current, schemaVersion)
	default:
		return nil
	}
}

// MigrationVersions returns the applied migration versions in order.
func (s *Store) MigrationVersions() ([]string, error) {
	rows, err := s.db.Query(`SELECT version FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("store: list migrations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}
