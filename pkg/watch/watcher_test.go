package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func startWatcher(t *testing.T, path string) *Watcher {
	t.Helper()

	w, err := NewWatcher(10*time.Millisecond, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, w.Watch(path))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w
}

func waitChange(t *testing.T, w *Watcher) string {
	t.Helper()

	select {
	case p := <-w.Changes():
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("no change reported")
		return ""
	}
}

func TestWatcherReportsAppend(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "metrics.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o644))

	w := startWatcher(t, path)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{\"run_id\":\"a\"}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got := waitChange(t, w)
	want, err := filepath.Abs(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestWatcherReportsCreate(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "later.jsonl")
	w := startWatcher(t, path)

	// unrelated files in the same directory are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o644))

	assert.Equal(t, "later.jsonl", filepath.Base(waitChange(t, w)))
}

func TestCursor(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))
	stat, err := os.Stat(path)
	require.NoError(t, err)

	var c Cursor
	assert.False(t, c.Truncated(stat))

	c.Advance(20, stat.ModTime())
	assert.True(t, c.Truncated(stat))

	c.Reset()
	assert.Equal(t, int64(0), c.Offset)
}
