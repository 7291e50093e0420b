// Package archive exports the event log as JSON Lines, one event per
// line in sequence order, and ships finished snapshots to object
// storage. Exports read the same rows the API serves; nothing is
// reshaped beyond the framing.
package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/store"
)

// pageSize bounds one log read. Kept as a variable so tests can walk
// the pagination without thousands of rows.
var pageSize = 1000

// Summary reports what one export wrote.
type Summary struct {
	Events   int   `json:"events"`
	FirstSeq int64 `json:"first_seq,omitempty"`
	LastSeq  int64 `json:"last_seq,omitempty"`
	Bytes    int64 `json:"bytes"`
}

// Sink stores one finished snapshot under a key.
type Sink interface {
	Put(ctx context.Context, key string, data []byte) error
}

// Write copies events matching filter to w oldest-first, one JSON
// object per line. filter.Limit is ignored; the whole match is paged
// through.
func Write(w io.Writer, st *store.Store, filter store.EventFilter) (*Summary, error) {
	filter.Ascending = true
	filter.Limit = pageSize

	sum := &Summary{}
	for {
		page, err := st.ReadEvents(filter)
		if err != nil {
			return nil, fmt.Errorf("archive: read events: %w", err)
		}
		for _, evt := range page {
			line, err := json.Marshal(evt)
			if err != nil {
				return nil, fmt.Errorf("archive: encode event %d: %w", evt.Seq, err)
			}
			n, err := w.Write(append(line, '\n'))
			if err != nil {
				return nil, fmt.Errorf("archive: write: %w", err)
			}
			sum.Bytes += int64(n)
			sum.Events++
			if sum.FirstSeq == 0 {
				sum.FirstSeq = evt.Seq
			}
			sum.LastSeq = evt.Seq
		}
		if len(page) < pageSize {
			return sum, nil
		}
		filter.SinceSeq = sum.LastSeq
	}
}

// WriteFile exports to path, replacing any existing file.
func WriteFile(path string, st *store.Store, filter store.EventFilter) (*Summary, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("archive: create %s: %w", path, err)
	}
	bw := bufio.NewWriter(f)
	sum, err := Write(bw, st, filter)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("archive: flush %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("archive: close %s: %w", path, err)
	}
	return sum, nil
}

// Key names one snapshot. The UTC stamp plus the covered sequence range
// keeps keys sortable and collision-free across repeated exports.
func Key(prefix string, now time.Time, sum *Summary) string {
	stamp := now.UTC().Format("20060102T150405Z")
	return fmt.Sprintf("%sevents-%s-seq%d-%d.jsonl", prefix, stamp, sum.FirstSeq, sum.LastSeq)
}

// Upload snapshots the filtered log and puts it to sink under a
// generated key. Returns the key alongside the summary.
func Upload(ctx context.Context, sink Sink, st *store.Store, filter store.EventFilter, prefix string) (string, *Summary, error) {
	var buf bytes.Buffer
	sum, err := Write(&buf, st, filter)
	if err != nil {
		return "", nil, err
	}
	key := Key(prefix, time.Now(), sum)
	if err := sink.Put(ctx, key, buf.Bytes()); err != nil {
		return "", nil, err
	}
	return key, sum, nil
}
