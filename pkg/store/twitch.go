package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const recentEventsKept = 200
const messagesKeptPerUser = 5

// TwitchIngest is one deduplicated doorbell snapshot ready to persist.
type TwitchIngest struct {
	Category    string
	CommitTS    int64
	UserID      string
	Login       string
	DisplayName string
	Flags       map[string]bool
	Text        string
	Amount      int64
	Payload     map[string]interface{}
	SessionID   string
	Mode        string
}

// TwitchIngestResult reports what one ingest wrote.
type TwitchIngestResult struct {
	Advanced      bool   `json:"advanced"`
	Seq           int64  `json:"seq,omitempty"`
	EventID       string `json:"event_id,omitempty"`
	FirstChat     bool   `json:"is_first_chat,omitempty"`
	ChatSeenCount int64  `json:"chat_seen_count,omitempty"`
}

// TwitchRecent is one row of the recent-events window.
type TwitchRecent struct {
	Category string          `json:"category"`
	CommitTS int64           `json:"commit_ts"`
	UserID   string          `json:"user_id,omitempty"`
	Payload  json.RawMessage `json:"payload"`
	TS       time.Time       `json:"ts_utc"`
}

// TwitchUser is the per-user aggregate row.
type TwitchUser struct {
	UserID      string          `json:"user_id"`
	Login       string          `json:"login_name"`
	DisplayName string          `json:"display_name"`
	Flags       map[string]bool `json:"flags"`
	FirstSeen   time.Time       `json:"first_seen_utc"`
	LastSeen    time.Time       `json:"last_seen_utc"`
	ChatCount   int64           `json:"chat_count"`
	RedeemTotal int64           `json:"redeem_total"`
	BitsTotal   int64           `json:"bits_total"`
	HypeTotal   int64           `json:"hype_total"`
}

// TwitchUserContext is the aggregate view served for one user.
type TwitchUserContext struct {
	User         TwitchUser      `json:"user"`
	LastMessages []TwitchMessage `json:"last_messages"`
	Stats        TwitchStats     `json:"stats"`
}

// TwitchMessage is one retained chat line.
type TwitchMessage struct {
	Text string    `json:"text"`
	TS   time.Time `json:"ts_utc"`
}

// TwitchStats summarizes one user's totals.
type TwitchStats struct {
	ChatCount   int64 `json:"chat_count"`
	RedeemTotal int64 `json:"redeem_total"`
	BitsTotal   int64 `json:"bits_total"`
	HypeTotal   int64 `json:"hype_total"`
}

// Cursor returns the per-category high-water commit timestamp, 0 when the
// category has never committed.
func (s *Store) Cursor(category string) (int64, error) {
	var ts int64
	err := s.db.QueryRow(`SELECT last_commit_ts FROM twitch_cursor WHERE category = ?`, category).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: read cursor: %w", err)
	}
	return ts, nil
}

// Cursors returns every category cursor.
func (s *Store) Cursors() (map[string]int64, error) {
	rows, err := s.db.Query(`SELECT category, last_commit_ts FROM twitch_cursor`)
	if err != nil {
		return nil, fmt.Errorf("store: list cursors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int64)
	for rows.Next() {
		var cat string
		var ts int64
		if err := rows.Scan(&cat, &ts); err != nil {
			return nil, err
		}
		out[cat] = ts
	}
	return out, rows.Err()
}

// AdvanceCursor moves one category cursor forward without writing a
// read-model row. Returns false when the marker does not beat the cursor.
func (s *Store) AdvanceCursor(category string, commitTS int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.Cursor(category)
	if err != nil {
		return false, err
	}
	if commitTS <= cur {
		return false, nil
	}
	if _, err := s.db.Exec(`INSERT INTO twitch_cursor (category, last_commit_ts, updated_at_utc)
        VALUES (?, ?, ?)
        ON CONFLICT(category) DO UPDATE SET
            last_commit_ts = excluded.last_commit_ts,
            updated_at_utc = excluded.updated_at_utc
        WHERE excluded.last_commit_ts > twitch_cursor.last_commit_ts`,
		category, commitTS, formatTime(s.utcNow())); err != nil {
		return false, fmt.Errorf("store: advance cursor: %w", err)
	}
	return true, nil
}

// IngestTwitchEvent persists one snapshot: the TWITCH_EVENT record, the
// user/message/aggregate read model and the cursor advance happen in a
// single transaction. A commit timestamp at or below the cursor is a
// duplicate and writes nothing.
func (s *Store) IngestTwitchEvent(in TwitchIngest) (*TwitchIngestResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("store: begin ingest: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var cursor int64
	err = tx.QueryRow(`SELECT last_commit_ts FROM twitch_cursor WHERE category = ?`, in.Category).Scan(&cursor)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: read cursor: %w", err)
	}
	if in.CommitTS <= cursor {
		return &TwitchIngestResult{Advanced: false}, nil
	}

	now := s.utcNow()
	result := &TwitchIngestResult{Advanced: true}

	if in.UserID != "" {
		if err := s.upsertTwitchUserTx(tx, in, now, result); err != nil {
			return nil, err
		}
	}

	payload := in.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["category"] = in.Category
	payload["commit_ts"] = in.CommitTS
	if in.Category == "CHAT" && in.UserID != "" {
		payload["is_first_chat"] = result.FirstChat
		payload["chat_seen_count"] = result.ChatSeenCount
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("store: encode ingest payload: %w", err)
	}

	evt := Event{
		EventID:       uuid.New().String(),
		TS:            now,
		Type:          EventTwitchEvent,
		Source:        "twitch_ingest",
		SessionID:     in.SessionID,
		CorrelationID: fmt.Sprintf("twitch-%s-%d", in.Category, in.CommitTS),
		Mode:          in.Mode,
		Severity:      SeverityInfo,
		Payload:       payloadJSON,
		Tags:          []string{"twitch", in.Category},
	}
	seq, err := s.appendEventTx(tx, &evt)
	if err != nil {
		return nil, err
	}
	result.Seq = seq
	result.EventID = evt.EventID
	evt.Seq = seq

	if _, err := tx.Exec(`INSERT INTO twitch_recent (category, commit_ts, user_id, payload_json, ts_utc)
        VALUES (?, ?, ?, ?, ?)`,
		in.Category, in.CommitTS, in.UserID, string(payloadJSON), formatTime(now)); err != nil {
		return nil, fmt.Errorf("store: insert recent: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM twitch_recent WHERE id NOT IN
        (SELECT id FROM twitch_recent ORDER BY id DESC LIMIT ?)`, recentEventsKept); err != nil {
		return nil, fmt.Errorf("store: prune recent: %w", err)
	}

	if _, err := tx.Exec(`INSERT INTO twitch_cursor (category, last_commit_ts, updated_at_utc)
        VALUES (?, ?, ?)
        ON CONFLICT(category) DO UPDATE SET
            last_commit_ts = excluded.last_commit_ts,
            updated_at_utc = excluded.updated_at_utc
        WHERE excluded.last_commit_ts > twitch_cursor.last_commit_ts`,
		in.Category, in.CommitTS, formatTime(now)); err != nil {
		return nil, fmt.Errorf("store: advance cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit ingest: %w", err)
	}
	s.notify(evt)
	return result, nil
}

func (s *Store) upsertTwitchUserTx(tx *sql.Tx, in TwitchIngest, now time.Time, result *TwitchIngestResult) error {
	var chatCount int64
	err := tx.QueryRow(`SELECT chat_count FROM twitch_user WHERE user_id = ?`, in.UserID).Scan(&chatCount)
	known := true
	if errors.Is(err, sql.ErrNoRows) {
		known = false
	} else if err != nil {
		return fmt.Errorf("store: read twitch user: %w", err)
	}

	flags := in.Flags
	if flags == nil {
		flags = map[string]bool{}
	}
	flagsJSON, err := json.Marshal(flags)
	if err != nil {
		return fmt.Errorf("store: encode flags: %w", err)
	}

	if !known {
		if _, err := tx.Exec(`INSERT INTO twitch_user
            (user_id, login_name, display_name, flags_json, first_seen_utc, last_seen_utc)
            VALUES (?, ?, ?, ?, ?, ?)`,
			in.UserID, in.Login, in.DisplayName, string(flagsJSON),
			formatTime(now), formatTime(now)); err != nil {
			return fmt.Errorf("store: insert twitch user: %w", err)
		}
	} else {
		if _, err := tx.Exec(`UPDATE twitch_user SET
            login_name = CASE WHEN ? != '' THEN ? ELSE login_name END,
            display_name = CASE WHEN ? != '' THEN ? ELSE display_name END,
            flags_json = ?,
            last_seen_utc = ?
            WHERE user_id = ?`,
			in.Login, in.Login, in.DisplayName, in.DisplayName,
			string(flagsJSON), formatTime(now), in.UserID); err != nil {
			return fmt.Errorf("store: update twitch user: %w", err)
		}
	}

	switch in.Category {
	case "CHAT":
		result.FirstChat = !known || chatCount == 0
		result.ChatSeenCount = chatCount + 1
		if _, err := tx.Exec(`UPDATE twitch_user SET chat_count = chat_count + 1 WHERE user_id = ?`, in.UserID); err != nil {
			return fmt.Errorf("store: bump chat count: %w", err)
		}
		if in.Text != "" {
			if _, err := tx.Exec(`INSERT INTO twitch_message (user_id, text, ts_utc) VALUES (?, ?, ?)`,
				in.UserID, in.Text, formatTime(now)); err != nil {
				return fmt.Errorf("store: insert message: %w", err)
			}
			if _, err := tx.Exec(`DELETE FROM twitch_message WHERE user_id = ? AND id NOT IN
                (SELECT id FROM twitch_message WHERE user_id = ? ORDER BY id DESC LIMIT ?)`,
				in.UserID, in.UserID, messagesKeptPerUser); err != nil {
				return fmt.Errorf("store: prune messages: %w", err)
			}
		}
	case "REDEEM":
		if _, err := tx.Exec(`UPDATE twitch_user SET redeem_total = redeem_total + 1 WHERE user_id = ?`, in.UserID); err != nil {
			return fmt.Errorf("store: bump redeems: %w", err)
		}
	case "BITS":
		if _, err := tx.Exec(`UPDATE twitch_user SET bits_total = bits_total + ? WHERE user_id = ?`, in.Amount, in.UserID); err != nil {
			return fmt.Errorf("store: bump bits: %w", err)
		}
	case "HYPE", "HYPE_TRAIN":
		if _, err := tx.Exec(`UPDATE twitch_user SET hype_total = hype_total + 1 WHERE user_id = ?`, in.UserID); err != nil {
			return fmt.Errorf("store: bump hype: %w", err)
		}
	}
	return nil
}

// RecentTwitchEvents returns the newest ingested events, newest first.
func (s *Store) RecentTwitchEvents(limit int) ([]TwitchRecent, error) {
	if limit <= 0 || limit > recentEventsKept {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT category, commit_ts, user_id, payload_json, ts_utc
        FROM twitch_recent ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TwitchRecent
	for rows.Next() {
		var r TwitchRecent
		var payload, ts string
		if err := rows.Scan(&r.Category, &r.CommitTS, &r.UserID, &payload, &ts); err != nil {
			return nil, err
		}
		r.Payload = json.RawMessage(payload)
		r.TS = parseTime(ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

// TwitchUserContext returns the user row, retained messages and totals.
func (s *Store) TwitchUserContext(userID string) (*TwitchUserContext, error) {
	var u TwitchUser
	var flags, firstSeen, lastSeen string
	err := s.db.QueryRow(`SELECT user_id, login_name, display_name, flags_json, first_seen_utc, last_seen_utc, chat_count, redeem_total, bits_total, hype_total
        FROM twitch_user WHERE user_id = ?`, userID).
		Scan(&u.UserID, &u.Login, &u.DisplayName, &flags, &firstSeen, &lastSeen,
			&u.ChatCount, &u.RedeemTotal, &u.BitsTotal, &u.HypeTotal)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get twitch user: %w", err)
	}
	u.FirstSeen = parseTime(firstSeen)
	u.LastSeen = parseTime(lastSeen)
	if err := json.Unmarshal([]byte(flags), &u.Flags); err != nil {
		u.Flags = map[string]bool{}
	}

	rows, err := s.db.Query(`SELECT text, ts_utc FROM twitch_message WHERE user_id = ? ORDER BY id DESC LIMIT ?`,
		userID, messagesKeptPerUser)
	if err != nil {
		return nil, fmt.Errorf("store: get messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []TwitchMessage
	for rows.Next() {
		var m TwitchMessage
		var ts string
		if err := rows.Scan(&m.Text, &ts); err != nil {
			return nil, err
		}
		m.TS = parseTime(ts)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &TwitchUserContext{
		User:         u,
		LastMessages: messages,
		Stats: TwitchStats{
			ChatCount:   u.ChatCount,
			RedeemTotal: u.RedeemTotal,
			BitsTotal:   u.BitsTotal,
			HypeTotal:   u.HypeTotal,
		},
	}, nil
}

// TopRedeemers returns users ranked by redeem totals.
func (s *Store) TopRedeemers(limit int) ([]TwitchUser, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	rows, err := s.db.Query(`SELECT user_id, login_name, display_name, flags_json, first_seen_utc, last_seen_utc, chat_count, redeem_total, bits_total, hype_total
        FROM twitch_user WHERE redeem_total > 0 ORDER BY redeem_total DESC, user_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: top redeemers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TwitchUser
	for rows.Next() {
		var u TwitchUser
		var flags, firstSeen, lastSeen string
		if err := rows.Scan(&u.UserID, &u.Login, &u.DisplayName, &flags, &firstSeen, &lastSeen,
			&u.ChatCount, &u.RedeemTotal, &u.BitsTotal, &u.HypeTotal); err != nil {
			return nil, err
		}
		u.FirstSeen = parseTime(firstSeen)
		u.LastSeen = parseTime(lastSeen)
		if err := json.Unmarshal([]byte(flags), &u.Flags); err != nil {
			u.Flags = map[string]bool{}
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
