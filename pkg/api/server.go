// Package api is the HTTP surface of the control plane: health and
// sitrep, state ingest and reads, the event log and its SSE stream, the
// intent/execute/confirm/feedback pipeline calls, Twitch context reads,
// and the best-effort app launcher. Every response is JSON carrying an
// ok flag; failures add a stable reason code so callers branch on codes,
// never on prose.
package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/actuator"
	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/ingest"
	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/limiter"
	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/observability"
	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/pipeline"
	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/policy"
	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/router"
	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/store"
)

// Deps are the collaborators the surface exposes. Store and Pipeline are
// required; the rest are optional and their endpoints degrade cleanly
// when absent.
type Deps struct {
	Store    *store.Store
	Pipeline *pipeline.Pipeline
	Router   *router.Router
	Policy   policy.Provider
	Parser   *actuator.Parser
	Ingest   *ingest.Service
	Gate     *ingest.Gate
	Limiter  limiter.Limiter
	Metrics  *observability.Provider
}

// Config tunes the surface.
type Config struct {
	// Version is reported by /health and /sitrep.
	Version string

	// DevIngest exposes POST /dev/doorbell and relaxes state-key
	// prefix checks the same way the UDP dev gate does.
	DevIngest bool

	// UIDir serves the operator UI from disk when non-empty.
	UIDir string

	// Heartbeat is the SSE keepalive cadence.
	Heartbeat time.Duration
}

// Server routes HTTP traffic to the control plane.
type Server struct {
	st     *store.Store
	pipe   *pipeline.Pipeline
	rt     *router.Router
	pol    policy.Provider
	parser *actuator.Parser
	ingest *ingest.Service
	gate   *ingest.Gate
	lim    limiter.Limiter
	obs    *observability.Provider

	cfg     Config
	log     *slog.Logger
	mux     *http.ServeMux
	started time.Time
	now     func() time.Time
}

// New builds the server and its route table.
func New(deps Deps, cfg Config, log *slog.Logger) (*Server, error) {
	if deps.Store == nil || deps.Pipeline == nil {
		return nil, fmt.Errorf("api: store and pipeline are required")
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		st:     deps.Store,
		pipe:   deps.Pipeline,
		rt:     deps.Router,
		pol:    deps.Policy,
		parser: deps.Parser,
		ingest: deps.Ingest,
		gate:   deps.Gate,
		lim:    deps.Limiter,
		obs:    deps.Metrics,
		cfg:    cfg,
		log:    log.With("component", "api"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	s.started = s.now()
	s.mux = s.routes()
	return s, nil
}

// WithClock overrides the time source. Test hook.
func (s *Server) WithClock(now func() time.Time) *Server {
	s.now = now
	s.started = now()
	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /sitrep", s.handleSitrep)

	mux.HandleFunc("GET /state", s.handleStateGet)
	mux.HandleFunc("POST /state", s.handleStatePost)

	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /events/stream", s.handleEventStream)

	mux.HandleFunc("POST /intent", s.handleIntent)
	mux.HandleFunc("POST /execute", s.handleExecute)
	mux.HandleFunc("POST /confirm", s.handleConfirm)
	mux.HandleFunc("POST /feedback", s.handleFeedback)

	mux.HandleFunc("GET /twitch/recent", s.handleTwitchRecent)
	mux.HandleFunc("GET /twitch/user/{id}", s.handleTwitchUser)
	mux.HandleFunc("GET /twitch/user/{id}/redeems/top", s.handleTwitchRedeems)
	mux.HandleFunc("POST /twitch/send_chat", s.handleSendChat)

	mux.HandleFunc("POST /app/open", s.handleAppOpen)

	mux.HandleFunc("GET /stt/bias", s.handleBiasGet)
	mux.HandleFunc("POST /stt/bias", s.handleBiasPost)

	if s.cfg.DevIngest && s.ingest != nil {
		mux.HandleFunc("POST /dev/doorbell", s.handleDevDoorbell)
	}

	if s.cfg.UIDir != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(s.cfg.UIDir)))
	} else {
		mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
			writeOK(w, map[string]interface{}{
				"service": "watchkeeper-core",
				"version": s.cfg.Version,
			})
		})
	}
	return mux
}

// Handler returns the mux wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = s.rateLimit(h)
	h = s.metrics(h)
	h = s.accessLog(h)
	h = s.withRequestID(h)
	h = s.recoverPanics(h)
	return h
}

func (s *Server) uptime() int64 {
	return int64(s.now().Sub(s.started).Seconds())
}
