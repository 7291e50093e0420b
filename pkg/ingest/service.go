package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/config"
	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/sammi"
	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/store"
)

var ErrUnknownCategory = errors.New("doorbell category unknown")

// Dispositions a handled packet can land in.
const (
	DispositionIngested  = "ingested"
	DispositionDuplicate = "duplicate"
	DispositionDebounced = "debounced"
	DispositionAckOnly   = "ack_only"
	DispositionDropped   = "dropped"
)

// Result reports what one doorbell packet did.
type Result struct {
	Category    string `json:"category"`
	CommitTS    int64  `json:"commit_ts"`
	Disposition string `json:"disposition"`
	Detail      string `json:"detail,omitempty"`
	Seq         int64  `json:"seq,omitempty"`
	EventID     string `json:"event_id,omitempty"`
	FirstChat   bool   `json:"is_first_chat,omitempty"`
}

// Config tunes the ingest service.
type Config struct {
	// Debounce coalesces doorbell bursts per category. Zero disables.
	Debounce time.Duration
	// SessionID stamps ingested events.
	SessionID string
}

// Service owns the doorbell pipeline: parse, debounce, dedupe against
// the cursor, snapshot bridge variables and persist. The bridge is
// consulted exactly once per accepted packet; a failed read drops the
// packet and leaves the cursor untouched so a later doorbell retries.
type Service struct {
	st     *store.Store
	bridge *sammi.Client
	index  *config.VariableIndex
	cfg    Config
	log    *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewService wires the ingest pipeline. bridge and index may be nil;
// packets then ingest with packet-timestamp commits and bare payloads.
func NewService(st *store.Store, bridge *sammi.Client, index *config.VariableIndex, cfg Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		st:       st,
		bridge:   bridge,
		index:    index,
		cfg:      cfg,
		log:      log.With("component", "ingest"),
		now:      func() time.Time { return time.Now().UTC() },
		lastSeen: make(map[string]time.Time),
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Handle runs one raw doorbell through the pipeline. Malformed packets
// and unknown categories error; every accepted packet returns a Result
// naming its disposition.
func (s *Service) Handle(ctx context.Context, raw string) (*Result, error) {
	pkt, err := ParsePacket(raw)
	if err != nil {
		return nil, err
	}

	category, binding, ok := s.resolve(pkt.Category)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, pkt.Category)
	}

	if s.debounced(category) {
		return &Result{Category: category, CommitTS: pkt.CommitTS, Disposition: DispositionDebounced}, nil
	}

	if binding != nil && binding.AckOnly {
		return s.ackOnly(category, pkt)
	}

	commit := pkt.CommitTS
	if binding != nil && binding.CommitMarker != "" && s.bridge != nil {
		marker, err := s.readMarker(ctx, binding.CommitMarker)
		if err != nil {
			s.log.Warn("commit marker unreadable", "category", category, "marker", binding.CommitMarker, "error", err)
			return &Result{
				Category:    category,
				CommitTS:    pkt.CommitTS,
				Disposition: DispositionDropped,
				Detail:      "BRIDGE_UNREACHABLE: " + err.Error(),
			}, nil
		}
		commit = marker
	}

	cursor, err := s.st.Cursor(category)
	if err != nil {
		return nil, err
	}
	if commit <= cursor {
		return &Result{Category: category, CommitTS: commit, Disposition: DispositionDuplicate}, nil
	}

	payload, err := s.snapshot(ctx, binding)
	if err != nil {
		s.log.Warn("snapshot fetch failed", "category", category, "error", err)
		return &Result{
			Category:    category,
			CommitTS:    commit,
			Disposition: DispositionDropped,
			Detail:      "BRIDGE_UNREACHABLE: " + err.Error(),
		}, nil
	}

	res, err := s.st.IngestTwitchEvent(store.TwitchIngest{
		Category:    category,
		CommitTS:    commit,
		UserID:      asString(payload["user_id"]),
		Login:       asString(payload["login"]),
		DisplayName: asString(payload["display_name"]),
		Flags:       asFlags(payload["flags"]),
		Text:        asString(payload["text"]),
		Amount:      asInt(payload["amount"]),
		Payload:     payload,
		SessionID:   s.cfg.SessionID,
	})
	if err != nil {
		return nil, err
	}
	if !res.Advanced {
		return &Result{Category: category, CommitTS: commit, Disposition: DispositionDuplicate}, nil
	}
	return &Result{
		Category:    category,
		CommitTS:    commit,
		Disposition: DispositionIngested,
		Seq:         res.Seq,
		EventID:     res.EventID,
		FirstChat:   res.FirstChat,
	}, nil
}

// resolve maps a doorbell token to its canonical category and binding.
// The variable index may extend the built-in set; the built-ins work
// without one.
func (s *Service) resolve(token string) (string, *config.CategoryBinding, bool) {
	if s.index != nil {
		if name, b, ok := s.index.Binding(token); ok {
			return name, b, true
		}
	}
	upper := strings.ToUpper(token)
	if canonicalCategories[upper] {
		return upper, nil, true
	}
	return "", nil, false
}

// debounced records arrival and reports whether this packet falls inside
// a burst already being handled.
func (s *Service) debounced(category string) bool {
	if s.cfg.Debounce <= 0 {
		return false
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastSeen[category]; ok && now.Sub(last) < s.cfg.Debounce {
		return true
	}
	s.lastSeen[category] = now
	return false
}

// ackOnly records packet receipt without touching the bridge.
func (s *Service) ackOnly(category string, pkt Packet) (*Result, error) {
	advanced, err := s.st.AdvanceCursor(category, pkt.CommitTS)
	if err != nil {
		return nil, err
	}
	if !advanced {
		return &Result{Category: category, CommitTS: pkt.CommitTS, Disposition: DispositionDuplicate}, nil
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"category":  category,
		"commit_ts": pkt.CommitTS,
	})
	seq, err := s.st.AppendEvent(store.Event{
		Type:          store.EventTwitchPacketReceipt,
		Source:        "twitch_ingest",
		SessionID:     s.cfg.SessionID,
		CorrelationID: fmt.Sprintf("twitch-%s-%d", category, pkt.CommitTS),
		Severity:      store.SeverityInfo,
		Payload:       payload,
		Tags:          []string{"twitch", category},
	})
	if err != nil {
		return nil, err
	}
	return &Result{Category: category, CommitTS: pkt.CommitTS, Disposition: DispositionAckOnly, Seq: seq}, nil
}

// readMarker fetches the per-category commit variable. The marker wins
// over the packet timestamp; there is no retry loop.
func (s *Service) readMarker(ctx context.Context, name string) (int64, error) {
	v, err := s.bridge.GetVariable(ctx, name)
	if err != nil {
		return 0, err
	}
	marker := asInt(v)
	if marker <= 0 {
		return 0, fmt.Errorf("marker %s unparseable: %v", name, v)
	}
	return marker, nil
}

// snapshot reads the category's bound variables in one pass.
func (s *Service) snapshot(ctx context.Context, binding *config.CategoryBinding) (map[string]interface{}, error) {
	payload := make(map[string]interface{})
	if binding == nil || len(binding.Variables) == 0 || s.bridge == nil {
		return payload, nil
	}

	fields := make([]string, 0, len(binding.Variables))
	names := make([]string, 0, len(binding.Variables))
	for field := range binding.Variables {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		names = append(names, binding.Variables[field])
	}

	values, err := s.bridge.GetVariables(ctx, names)
	if err != nil {
		return nil, err
	}
	for _, field := range fields {
		if v, ok := values[binding.Variables[field]]; ok {
			payload[field] = v
		}
	}
	return payload, nil
}

func asString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", x)
	}
}

func asInt(v interface{}) int64 {
	switch x := v.(type) {
	case float64:
		return int64(x)
	case int64:
		return x
	case int:
		return int64(x)
	case json.Number:
		n, _ := x.Int64()
		return n
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

func asFlags(v interface{}) map[string]bool {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]bool, len(m))
	for k, raw := range m {
		if b, ok := raw.(bool); ok {
			out[k] = b
		}
	}
	return out
}
