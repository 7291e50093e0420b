package actuator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultLightsTimeout = 5 * time.Second
	lightsBodyKept       = 500
)

// LightsConfig configures the lighting webhook adapter.
type LightsConfig struct {
	// URLTemplate is the webhook URL with an optional {scene} slot.
	URLTemplate string
	// Timeout bounds the webhook call. Default: 5s.
	Timeout time.Duration
	// ResolveScene maps a logical scene name to the controller's scene
	// id. Nil passes names through unchanged.
	ResolveScene func(name string) (string, bool)
}

// Lights POSTs scene changes to a lighting controller webhook.
type Lights struct {
	cfg    LightsConfig
	client *http.Client
}

func NewLights(cfg LightsConfig) *Lights {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultLightsTimeout
	}
	return &Lights{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (l *Lights) Name() string { return "lights.set_scene" }

func (l *Lights) Invoke(ctx context.Context, inv Invocation) Outcome {
	started := time.Now().UTC()

	if l.cfg.URLTemplate == "" {
		return fail(started, CodeAdapterError, "lights webhook is not configured")
	}

	scene := stringParam(inv.Params, "scene")
	if scene == "" {
		scene = "default"
	}
	sceneID := scene
	if l.cfg.ResolveScene != nil {
		resolved, ok := l.cfg.ResolveScene(scene)
		if !ok {
			return fail(started, CodeAdapterError, fmt.Sprintf("unknown lighting scene: %s", scene))
		}
		sceneID = resolved
	}

	webhookURL := strings.ReplaceAll(l.cfg.URLTemplate, "{scene}", url.QueryEscape(sceneID))
	payload, err := json.Marshal(map[string]interface{}{
		"scene":         sceneID,
		"request_id":    inv.RequestID,
		"action_id":     inv.ActionID,
		"timestamp_utc": started.Format(time.RFC3339Nano),
	})
	if err != nil {
		return fail(started, CodeAdapterError, err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fail(started, CodeAdapterError, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		if isDeadline(err) {
			return timedOut(started, err.Error())
		}
		return fail(started, CodeAdapterError, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, lightsBodyKept))
	output := map[string]interface{}{
		"scene":         sceneID,
		"webhook_url":   webhookURL,
		"http_status":   resp.StatusCode,
		"response_body": string(body),
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		out := fail(started, CodeAdapterError, fmt.Sprintf("lights webhook HTTP %d", resp.StatusCode))
		out.Output = output
		return out
	}
	return succeed(started, output)
}
