package actuator

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Keypress synthesizes a single key chord. The foreground process must
// be in the allow-list at dispatch time or the invocation is refused
// with DENY_FOREGROUND_MISMATCH.
type Keypress struct {
	allowed    []string
	foreground func() string
	send       func(uint16) error
}

// NewKeypress builds the guarded keypress adapter. foreground reports
// the current foreground process name; an empty return fails the guard.
func NewKeypress(allowed []string, foreground func() string) *Keypress {
	return &Keypress{
		allowed:    allowed,
		foreground: foreground,
		send:       sendVirtualKey,
	}
}

func (k *Keypress) Name() string { return "input.keypress" }

func (k *Keypress) Invoke(ctx context.Context, inv Invocation) Outcome {
	started := time.Now().UTC()
	if err := ctx.Err(); err != nil {
		return timedOut(started, err.Error())
	}

	current := ""
	if k.foreground != nil {
		current = strings.TrimSpace(k.foreground())
	}
	if !k.foregroundAllowed(current) {
		return fail(started, CodeForegroundMismatch,
			fmt.Sprintf("foreground %q is not in the keypress allow-list", current))
	}

	key := stringParam(inv.Params, "key")
	vk, err := keyToVK(key)
	if err != nil {
		return fail(started, CodeAdapterError, err.Error())
	}
	if err := k.send(vk); err != nil {
		return fail(started, CodeAdapterError, err.Error())
	}
	return succeed(started, map[string]interface{}{
		"key":     key,
		"vk_code": int(vk),
	})
}

func (k *Keypress) foregroundAllowed(current string) bool {
	if len(k.allowed) == 0 {
		return false
	}
	for _, name := range k.allowed {
		if strings.EqualFold(strings.TrimSpace(name), current) {
			return true
		}
	}
	return false
}
