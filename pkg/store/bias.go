package store

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// BiasEntry is one speech-bias lexicon row. The speech subsystem reads
// the lexicon; the control plane only stores it.
type BiasEntry struct {
	Phrase     string    `json:"phrase"`
	Normalized string    `json:"normalized"`
	Mode       string    `json:"mode,omitempty"`
	Weight     float64   `json:"weight"`
	Active     bool      `json:"active"`
	UpdatedAt  time.Time `json:"updated_at_utc"`
}

var biasFolder = cases.Lower(language.Und)

// NormalizeBiasPhrase reduces a phrase to its dedupe form: NFKC, case
// folded, whitespace collapsed.
func NormalizeBiasPhrase(phrase string) string {
	folded := biasFolder.String(norm.NFKC.String(phrase))
	return strings.Join(strings.Fields(folded), " ")
}

// UpsertBias inserts or updates a lexicon entry keyed by its normalized
// form and mode scope.
func (s *Store) UpsertBias(phrase, mode string, weight float64, active bool) (*BiasEntry, error) {
	if weight < 0 {
		return nil, fmt.Errorf("%w: bias weight must be >= 0", ErrSchemaViolation)
	}
	normalized := NormalizeBiasPhrase(phrase)
	if normalized == "" {
		return nil, fmt.Errorf("%w: empty bias phrase", ErrSchemaViolation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.utcNow()
	_, err := s.db.Exec(`INSERT INTO stt_bias (phrase, normalized, mode, weight, active, updated_at_utc)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(normalized, mode) DO UPDATE SET
            phrase = excluded.phrase,
            weight = excluded.weight,
            active = excluded.active,
            updated_at_utc = excluded.updated_at_utc`,
		phrase, normalized, mode, weight, boolToInt(active), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("store: upsert bias: %w", err)
	}

	return &BiasEntry{
		Phrase:     phrase,
		Normalized: normalized,
		Mode:       mode,
		Weight:     weight,
		Active:     active,
		UpdatedAt:  now,
	}, nil
}

// ListBias returns active entries visible in the given mode: mode-scoped
// rows plus global (empty-mode) rows. An empty mode lists global only.
func (s *Store) ListBias(mode string) ([]BiasEntry, error) {
	rows, err := s.db.Query(`SELECT phrase, normalized, mode, weight, active, updated_at_utc
        FROM stt_bias WHERE active = 1 AND (mode = '' OR mode = ?) ORDER BY normalized`, mode)
	if err != nil {
		return nil, fmt.Errorf("store: list bias: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []BiasEntry
	for rows.Next() {
		var e BiasEntry
		var active int
		var updated string
		if err := rows.Scan(&e.Phrase, &e.Normalized, &e.Mode, &e.Weight, &active, &updated); err != nil {
			return nil, err
		}
		e.Active = active != 0
		e.UpdatedAt = parseTime(updated)
		out = append(out, e)
	}
	return out, rows.Err()
}
