package policy

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher hot-reloads the standing-orders document. Reloads keep the last
// good document: a broken edit is logged and ignored until fixed. Before
// the first successful load Current returns nil and evaluation fails
// closed.
type Watcher struct {
	path string
	log  *slog.Logger

	mu       sync.RWMutex
	doc      *Document
	loadedAt time.Time

	fsw      *fsnotify.Watcher
	debounce time.Duration
	onReload func(*Document)
}

// NewWatcher loads the document at path and begins watching its
// directory. An unreadable or invalid initial document is logged, not
// fatal; the watcher starts with no document loaded.
func NewWatcher(path string, log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors and atomic writers replace the file,
	// which drops a file-level watch.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     path,
		log:      log,
		fsw:      fsw,
		debounce: 200 * time.Millisecond,
	}
	w.reload()
	return w, nil
}

// OnReload registers a callback invoked after each successful reload.
func (w *Watcher) OnReload(fn func(*Document)) {
	w.mu.Lock()
	w.onReload = fn
	w.mu.Unlock()
}

// Current returns the last good document, nil when none has loaded.
func (w *Watcher) Current() *Document {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.doc
}

// LoadedAt reports when the current document loaded, zero when none has.
func (w *Watcher) LoadedAt() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.loadedAt
}

// Run processes filesystem events until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	var timer *time.Timer
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			_ = w.fsw.Close()
			return
		case evt, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(evt.Name) != filepath.Clean(w.path) {
				continue
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Rename) {
				continue
			}
			// Editors fire bursts; coalesce before reloading.
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("standing orders watch error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	doc, err := LoadDocumentFile(w.path)
	if err != nil {
		w.mu.RLock()
		hadDoc := w.doc != nil
		w.mu.RUnlock()
		if hadDoc {
			w.log.Error("standing orders reload failed, keeping last good document",
				"path", w.path, "error", err)
		} else {
			w.log.Error("standing orders unavailable, all actions will be denied",
				"path", w.path, "error", err)
		}
		return
	}

	w.mu.Lock()
	w.doc = doc
	w.loadedAt = time.Now().UTC()
	cb := w.onReload
	w.mu.Unlock()

	w.log.Info("standing orders loaded",
		"path", w.path,
		"version", doc.Version,
		"conditions", len(doc.Conditions),
		"tools", len(doc.Tools))
	if cb != nil {
		cb(doc)
	}
}
