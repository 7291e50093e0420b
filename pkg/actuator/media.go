package actuator

import (
	"context"
	"fmt"
	"time"
)

// MediaKey drives playback through OS media key events. Pause and
// resume share one toggle key, so resume on an already-playing player
// is a no-op at the OS level.
type MediaKey struct {
	tool   string
	vk     uint16
	vkName string
	send   func(uint16) error
}

// NewMediaKey builds the adapter for one media tool: media.next,
// media.pause or media.resume.
func NewMediaKey(tool string) (*MediaKey, error) {
	m := &MediaKey{tool: tool, send: sendVirtualKey}
	switch tool {
	case "media.next":
		m.vk, m.vkName = vkMediaNextTrack, "VK_MEDIA_NEXT_TRACK"
	case "media.pause", "media.resume":
		m.vk, m.vkName = vkMediaPlayPause, "VK_MEDIA_PLAY_PAUSE"
	default:
		return nil, fmt.Errorf("unsupported media tool: %s", tool)
	}
	return m, nil
}

func (m *MediaKey) Name() string { return m.tool }

func (m *MediaKey) Invoke(ctx context.Context, inv Invocation) Outcome {
	started := time.Now().UTC()
	if err := ctx.Err(); err != nil {
		return timedOut(started, err.Error())
	}
	if err := m.send(m.vk); err != nil {
		return fail(started, CodeAdapterError, err.Error())
	}
	return succeed(started, map[string]interface{}{
		"virtual_key": m.vkName,
		"vk_code":     int(m.vk),
	})
}
