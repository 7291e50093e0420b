package actuator

import (
	"context"
	"errors"
	"time"

	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/sammi"
)

const chatMessageLimit = 450

// ChatConfig configures the bridge chat sender.
type ChatConfig struct {
	// Variable is the bridge variable holding the outgoing message.
	Variable string
	// Button is the SAMMI button that posts the message to chat.
	Button string
}

// ChatSend posts a chat message through the SAMMI bridge: write the
// message variable, then trigger the send button.
type ChatSend struct {
	cfg    ChatConfig
	bridge *sammi.Client
}

func NewChatSend(cfg ChatConfig, bridge *sammi.Client) *ChatSend {
	if cfg.Variable == "" {
		cfg.Variable = "wk.chat.outgoing"
	}
	if cfg.Button == "" {
		cfg.Button = "send_chat"
	}
	return &ChatSend{cfg: cfg, bridge: bridge}
}

func (c *ChatSend) Name() string { return "twitch.send_chat" }

func (c *ChatSend) Invoke(ctx context.Context, inv Invocation) Outcome {
	started := time.Now().UTC()

	message := stringParam(inv.Params, "message")
	if message == "" {
		return fail(started, CodeAdapterError, "message parameter is required")
	}
	if len(message) > chatMessageLimit {
		message = message[:chatMessageLimit]
	}

	if err := c.bridge.SetVariable(ctx, c.cfg.Variable, message); err != nil {
		return c.bridgeFail(started, err)
	}
	if err := c.bridge.TriggerButton(ctx, c.cfg.Button); err != nil {
		return c.bridgeFail(started, err)
	}

	return succeed(started, map[string]interface{}{
		"message":  message,
		"variable": c.cfg.Variable,
		"button":   c.cfg.Button,
	})
}

func (c *ChatSend) bridgeFail(started time.Time, err error) Outcome {
	if isDeadline(err) {
		return timedOut(started, err.Error())
	}
	if errors.Is(err, sammi.ErrBridgeUnreachable) {
		return fail(started, CodeBridgeUnreachable, err.Error())
	}
	return fail(started, CodeAdapterError, err.Error())
}
