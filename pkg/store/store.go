// Package store is the single durable authority for the control plane:
// current state, the append-only event log, intents, actions, feedback,
// confirmation tokens and the twitch read model all live in one SQLite
// file. Every mutation from other components flows through this package.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrInvalidStateKey  = errors.New("invalid state key")
	ErrSchemaViolation  = errors.New("schema violation")
	ErrDuplicateEventID = errors.New("duplicate event id")
	ErrNotFound         = errors.New("record not found")
	ErrTokenUnknown     = errors.New("confirm token unknown")
	ErrTokenExpired     = errors.New("confirm token expired")
	ErrSchemaMismatch   = errors.New("schema version mismatch")
	ErrInvalidRating    = errors.New("feedback rating must be -1 or +1")
)

// Store wraps the SQLite database. Writes are serialized by an internal
// mutex; the connection pool is pinned to one connection so readers never
// trip SQLITE_BUSY against the writer.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time

	quiet map[string]struct{}

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// Option configures a Store at open time.
type Option func(*Store)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithQuietSources suppresses STATE_CHANGED emission for writes from the
// named sources.
func WithQuietSources(sources []string) Option {
	return func(s *Store) {
		for _, src := range sources {
			s.quiet[src] = struct{}{}
		}
	}
}

// Open opens (creating if needed) the store file, applies pending
// migrations and verifies the schema version.
func Open(path string, opts ...Option) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("store: create data dir: %w", err)
		}
	}

	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s := newStore(db)
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing database handle. Migrations are not applied;
// the caller owns the schema. Used by tests that inject a mock driver.
func NewWithDB(db *sql.DB, opts ...Option) *Store {
	s := newStore(db)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newStore(db *sql.DB) *Store {
	return &Store{
		db:    db,
		now:   time.Now,
		quiet: make(map[string]struct{}),
		subs:  make(map[int]chan Event),
	}
}

// Close closes all subscriptions and the underlying database.
func (s *Store) Close() error {
	s.subMu.Lock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.subMu.Unlock()
	return s.db.Close()
}

// Subscribe registers a post-commit event channel. Slow subscribers drop
// events; consumers that care re-sync through ReadEvents with since_seq.
func (s *Store) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
		s.subMu.Unlock()
	}
	return ch, cancel
}

func (s *Store) notify(evt Event) {
	s.subMu.Lock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
		}
	}
	s.subMu.Unlock()
}

func (s *Store) utcNow() time.Time {
	return s.now().UTC()
}

// parseTime handles the RFC3339Nano timestamps we write plus the plain
// RFC3339 form older rows may carry.
func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t
	}
	return time.Time{}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
