package ingest

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/store"
)

// GateConfig tunes the UDP listener gate.
type GateConfig struct {
	// Addr is the UDP bind address.
	Addr string
	// GateKey is the state key that opens the socket. The listener binds
	// while the key reads true and unbinds when it goes false.
	GateKey string
	// Poll is how often the gate key is re-read.
	Poll time.Duration
	// BufSize is the read buffer per datagram.
	BufSize int
}

func (c *GateConfig) applyDefaults() {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8751"
	}
	if c.GateKey == "" {
		c.GateKey = "app.sammi.running"
	}
	if c.Poll <= 0 {
		c.Poll = 500 * time.Millisecond
	}
	if c.BufSize <= 0 {
		c.BufSize = 8192
	}
}

// Gate owns the doorbell UDP socket. The socket follows a state key: it
// binds when the sending app is up and unbinds when it goes away, so a
// stray sender cannot feed the pipeline while the app is down.
type Gate struct {
	svc *Service
	st  *store.Store
	cfg GateConfig
	log *slog.Logger

	mu   sync.Mutex
	conn net.PacketConn
	wg   sync.WaitGroup
}

// NewGate builds the UDP gate around an ingest service.
func NewGate(svc *Service, st *store.Store, cfg GateConfig, log *slog.Logger) *Gate {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Gate{
		svc: svc,
		st:  st,
		cfg: cfg,
		log: log.With("component", "doorbell"),
	}
}

// Run follows the gate key until ctx ends, then unbinds and drains the
// read loop before returning.
func (g *Gate) Run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			g.unbind()
			g.wg.Wait()
			return
		case <-timer.C:
		}
		g.follow(ctx)
		timer.Reset(g.cfg.Poll)
	}
}

// follow reconciles the socket with the gate key. Bind failures are
// logged and retried on the next poll.
func (g *Gate) follow(ctx context.Context) {
	want := g.st.GetBool(g.cfg.GateKey)
	if want == g.Bound() {
		return
	}
	if !want {
		g.log.Info("doorbell gate closed", "key", g.cfg.GateKey)
		g.unbind()
		g.wg.Wait()
		return
	}
	if err := g.bind(ctx); err != nil {
		g.log.Warn("doorbell bind failed", "addr", g.cfg.Addr, "error", err)
		return
	}
	g.log.Info("doorbell gate open", "addr", g.cfg.Addr)
}

func (g *Gate) bind(ctx context.Context) error {
	conn, err := net.ListenPacket("udp", g.cfg.Addr)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.conn = conn
	g.mu.Unlock()
	g.wg.Add(1)
	go g.readLoop(ctx, conn)
	return nil
}

func (g *Gate) unbind() {
	g.mu.Lock()
	conn := g.conn
	g.conn = nil
	g.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// readLoop drains datagrams until the socket closes. It clears the gate's
// conn reference on exit so a close observed mid-read does not leave a
// stale handle behind.
func (g *Gate) readLoop(ctx context.Context, conn net.PacketConn) {
	defer g.wg.Done()
	defer func() {
		g.mu.Lock()
		if g.conn == conn {
			g.conn = nil
		}
		g.mu.Unlock()
		conn.Close()
	}()

	buf := make([]byte, g.cfg.BufSize)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				g.log.Warn("doorbell read failed", "error", err)
			}
			return
		}
		raw := strings.TrimSpace(string(buf[:n]))
		if raw == "" {
			continue
		}
		res, err := g.svc.Handle(ctx, raw)
		if err != nil {
			g.log.Debug("doorbell rejected", "from", addr.String(), "packet", clip(raw), "error", err)
			continue
		}
		g.log.Debug("doorbell handled",
			"category", res.Category,
			"disposition", res.Disposition,
			"commit_ts", res.CommitTS)
	}
}

// Bound reports whether the socket is currently open.
func (g *Gate) Bound() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conn != nil
}

// Addr returns the bound address, or empty when closed. Useful when the
// configured port is 0.
func (g *Gate) Addr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn == nil {
		return ""
	}
	return g.conn.LocalAddr().String()
}
