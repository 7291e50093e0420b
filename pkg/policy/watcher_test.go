package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeOrders(t *testing.T, path, version string) {
	t.Helper()
	doc := strings.Replace(testOrders, `"version": "1.2.0"`, `"version": "`+version+`"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
}

func TestWatcher_InitialLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "standing_orders.json")
	writeOrders(t, path, "1.2.0")

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.fsw.Close() })

	doc := w.Current()
	require.NotNil(t, doc)
	assert.Equal(t, "1.2.0", doc.Version)
	assert.False(t, w.LoadedAt().IsZero())
}

func TestWatcher_MissingFileFailsClosed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "standing_orders.json")

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.fsw.Close() })

	assert.Nil(t, w.Current())

	d := Evaluate(Request{Condition: "GAME", Tool: "media.next"}, w.Current(), Snapshot{Now: time.Now()}, nil)
	assert.Equal(t, ReasonPolicyInvalid, d.ReasonCode)
}

func TestWatcher_KeepsLastGoodOnBrokenEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "standing_orders.json")
	writeOrders(t, path, "1.2.0")

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.fsw.Close() })

	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))
	w.reload()

	doc := w.Current()
	require.NotNil(t, doc, "broken edit must not drop the loaded document")
	assert.Equal(t, "1.2.0", doc.Version)

	writeOrders(t, path, "1.3.0")
	w.reload()
	assert.Equal(t, "1.3.0", w.Current().Version)
}

func TestWatcher_ReloadsOnFileEvents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "standing_orders.json")
	writeOrders(t, path, "1.2.0")

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)

	reloaded := make(chan string, 4)
	w.OnReload(func(doc *Document) { reloaded <- doc.Version })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	writeOrders(t, path, "1.4.0")

	select {
	case version := <-reloaded:
		assert.Equal(t, "1.4.0", version)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed after file write")
	}
	require.NotNil(t, w.Current())
	assert.Equal(t, "1.4.0", w.Current().Version)

	// Unrelated files in the directory do not trigger reloads.
	before := w.LoadedAt()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, before, w.LoadedAt())
}
