// Package sammi talks to the local SAMMI bridge HTTP API. The bridge is
// best-effort: it may be closed, restarting, or slow, so every call is
// bounded by a short timeout and failures back off instead of retrying.
package sammi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

var ErrBridgeUnreachable = errors.New("sammi bridge unreachable")

const (
	defaultTimeout = 600 * time.Millisecond
	defaultBackoff = 2 * time.Second
)

// Config configures the bridge client.
type Config struct {
	// BaseURL is the bridge root, e.g. "http://127.0.0.1:9450".
	BaseURL string
	// Password is sent raw in the Authorization header when set.
	Password string
	// Timeout bounds each call. Default: 600ms.
	Timeout time.Duration
	// Backoff suppresses calls after a transport failure. Default: 2s.
	Backoff time.Duration
}

// Client is safe for concurrent use.
type Client struct {
	cfg    Config
	client *http.Client

	mu           sync.Mutex
	backoffUntil time.Time
}

// New builds a bridge client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// GetVariable reads one bridge variable. Missing variables return nil.
func (c *Client) GetVariable(ctx context.Context, name string) (interface{}, error) {
	if err := c.gate(); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("request", "getVariable")
	q.Set("name", name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("sammi: build request: %w", err)
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		c.noteFailure()
		return nil, fmt.Errorf("%w: %v", ErrBridgeUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.noteFailure()
		return nil, fmt.Errorf("%w: read body: %v", ErrBridgeUnreachable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sammi: getVariable %s: http %d", name, resp.StatusCode)
	}
	c.noteSuccess()
	return parseVariablePayload(raw), nil
}

// GetVariables reads several variables in one pass, sharing ctx's
// deadline. Unreadable variables are simply absent from the result.
func (c *Client) GetVariables(ctx context.Context, names []string) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(names))
	for _, name := range names {
		value, err := c.GetVariable(ctx, name)
		if errors.Is(err, ErrBridgeUnreachable) {
			return out, err
		}
		if err != nil || value == nil {
			continue
		}
		out[name] = value
	}
	return out, nil
}

// SetVariable writes one bridge variable.
func (c *Client) SetVariable(ctx context.Context, name string, value interface{}) error {
	return c.post(ctx, "setVariable", map[string]interface{}{"name": name, "value": value})
}

// TriggerButton fires a SAMMI button by id.
func (c *Client) TriggerButton(ctx context.Context, buttonID string) error {
	return c.post(ctx, "triggerButton", map[string]interface{}{"buttonID": buttonID})
}

// Ping reports whether the bridge answers at all. Any HTTP response
// counts; only transport failures are down.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api?request=getVariable&name=__watchkeeper_ping", nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBridgeUnreachable, err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
	return nil
}

func (c *Client) post(ctx context.Context, requestName string, params map[string]interface{}) error {
	if err := c.gate(); err != nil {
		return err
	}

	body := map[string]interface{}{"request": requestName}
	for k, v := range params {
		body[k] = v
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("sammi: encode %s: %w", requestName, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("sammi: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		c.noteFailure()
		return fmt.Errorf("%w: %v", ErrBridgeUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("sammi: %s: http %d", requestName, resp.StatusCode)
	}
	c.noteSuccess()
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.cfg.Password != "" {
		req.Header.Set("Authorization", c.cfg.Password)
	}
}

func (c *Client) gate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Now().Before(c.backoffUntil) {
		return fmt.Errorf("%w: backing off", ErrBridgeUnreachable)
	}
	return nil
}

func (c *Client) noteFailure() {
	c.mu.Lock()
	c.backoffUntil = time.Now().Add(c.cfg.Backoff)
	c.mu.Unlock()
}

func (c *Client) noteSuccess() {
	c.mu.Lock()
	c.backoffUntil = time.Time{}
	c.mu.Unlock()
}

// parseVariablePayload unwraps the bridge's response envelope. The data
// field may nest the value under "value", "result" or "variable"
// depending on the bridge version.
func parseVariablePayload(raw []byte) interface{} {
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil
	}
	data, ok := payload["data"]
	if !ok {
		return nil
	}
	if nested, ok := data.(map[string]interface{}); ok {
		for _, key := range []string{"value", "result", "variable"} {
			if v, present := nested[key]; present {
				return v
			}
		}
	}
	return data
}
