package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/store"
)

// streamBuffer is the per-subscriber channel depth. The store drops
// events for subscribers that fall further behind; clients re-sync by
// reconnecting with since_seq set to their last seen id.
const streamBuffer = 128

// handleEventStream serves the event log as server-sent events: id is
// the sequence number, event is the type, data is the event JSON.
// since_seq replays the backlog before going live; event_type, source
// and correlation_id narrow both phases.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, CodeInternal, "streaming unsupported")
		return
	}
	filter, err := eventFilterFrom(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeSchemaViolation, err.Error())
		return
	}

	// Subscribe before the catch-up read so nothing falls in the gap;
	// overlap is deduplicated by sequence below.
	ch, cancel := s.st.Subscribe(streamBuffer)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var lastSent int64
	if filter.SinceSeq > 0 {
		replay := filter
		replay.Limit = 1000
		for {
			backlog, err := s.st.ReadEvents(replay)
			if err != nil {
				s.log.Warn("stream backlog read failed", "error", err)
				break
			}
			for _, evt := range backlog {
				writeEvent(w, evt)
				lastSent = evt.Seq
			}
			if len(backlog) < replay.Limit {
				break
			}
			replay.SinceSeq = lastSent
		}
	}
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case evt, open := <-ch:
			if !open {
				return
			}
			if evt.Seq <= lastSent || !matchesStream(filter, evt) {
				continue
			}
			writeEvent(w, evt)
			lastSent = evt.Seq
			flusher.Flush()
		}
	}
}

// matchesStream applies the live-phase filter. The time bounds are a
// backlog concern; live events are current by definition.
func matchesStream(f store.EventFilter, evt store.Event) bool {
	if f.EventType != "" && evt.Type != f.EventType {
		return false
	}
	if f.Source != "" && evt.Source != f.Source {
		return false
	}
	if f.CorrelationID != "" && evt.CorrelationID != f.CorrelationID {
		return false
	}
	return true
}

func writeEvent(w io.Writer, evt store.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Type, data)
}
