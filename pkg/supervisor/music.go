package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/store"
)

// Bridge variables the music task reads in bridge mode.
const (
	musicPlayingVar = "music_playing"
	musicTitleVar   = "music_title"
	musicArtistVar  = "music_artist"
)

type nowPlaying struct {
	Playing bool   `json:"playing"`
	Title   string `json:"title"`
	Artist  string `json:"artist"`
}

// musicTask polls the configured now-playing source, mirrors it to
// music.* state and emits playback lifecycle events on edges.
type musicTask struct {
	s *Supervisor

	mu     sync.Mutex
	seeded bool
	cur    nowPlaying
}

func newMusicTask(s *Supervisor) *musicTask {
	return &musicTask{s: s}
}

func (t *musicTask) playing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cur.Playing
}

func (t *musicTask) run(ctx context.Context) error {
	np, err := t.fetch(ctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.s.setState("music.playing", np.Playing)
	t.s.setState("music.track.title", np.Title)
	t.s.setState("music.track.artist", np.Artist)

	if t.seeded {
		switch {
		case np.Playing && !t.cur.Playing:
			t.s.emit(store.EventMusicStarted, store.SeverityInfo, trackPayload(np), "music")
		case !np.Playing && t.cur.Playing:
			t.s.emit(store.EventMusicStopped, store.SeverityInfo, trackPayload(t.cur), "music")
		case np.Playing && (np.Title != t.cur.Title || np.Artist != t.cur.Artist):
			payload := trackPayload(np)
			payload["previous_title"] = t.cur.Title
			t.s.emit(store.EventTrackChanged, store.SeverityInfo, payload, "music")
		}
	}
	t.cur = np
	t.seeded = true
	return nil
}

func trackPayload(np nowPlaying) map[string]interface{} {
	return map[string]interface{}{
		"title":  np.Title,
		"artist": np.Artist,
	}
}

func (t *musicTask) fetch(ctx context.Context) (nowPlaying, error) {
	switch t.s.cfg.MusicSource {
	case "file":
		return readNowPlayingFile(t.s.cfg.MusicFilePath)
	case "bridge":
		if t.s.bridge == nil {
			return nowPlaying{}, fmt.Errorf("music: bridge source without a bridge client")
		}
		vars, err := t.s.bridge.GetVariables(ctx, []string{musicPlayingVar, musicTitleVar, musicArtistVar})
		if err != nil {
			return nowPlaying{}, err
		}
		return nowPlaying{
			Playing: coerceBool(vars[musicPlayingVar]),
			Title:   coerceString(vars[musicTitleVar]),
			Artist:  coerceString(vars[musicArtistVar]),
		}, nil
	default:
		return nowPlaying{}, fmt.Errorf("music: unknown source %q", t.s.cfg.MusicSource)
	}
}

func readNowPlayingFile(path string) (nowPlaying, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nowPlaying{}, nil
		}
		return nowPlaying{}, err
	}
	var np nowPlaying
	if err := json.Unmarshal(data, &np); err != nil {
		return nowPlaying{}, err
	}
	return np, nil
}

// Bridge variables arrive as whatever JSON type the deck stored; the
// task accepts the common encodings.
func coerceBool(v interface{}) bool {
	switch x := v.(type) {
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		b, err := strconv.ParseBool(x)
		return err == nil && b
	default:
		return false
	}
}

func coerceString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", x)
	}
}
