// Package watch reports changes to files that grow over time, such as
// metric logs appended to by a training job.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is the quiet period before a burst of writes is reported.
const DefaultDebounce = 100 * time.Millisecond

// Watcher monitors files for changes and reports their paths on Changes.
type Watcher struct {
	watcher  *fsnotify.Watcher
	files    map[string]*fileState
	mu       sync.Mutex
	debounce time.Duration
	changes  chan string
	logger   *zap.Logger
}

type fileState struct {
	lastModified time.Time
	size         int64
}

// NewWatcher creates a file watcher. Writes closer together than debounce
// are reported once.
func NewWatcher(debounce time.Duration, logger *zap.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	return &Watcher{
		watcher:  fsWatcher,
		files:    make(map[string]*fileState),
		debounce: debounce,
		changes:  make(chan string, 16),
		logger:   logger.Named("watch"),
	}, nil
}

// Watch starts watching path. The file does not need to exist yet; its
// creation is reported as a change.
func (w *Watcher) Watch(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	st := new(fileState)
	stat, err := os.Stat(absPath)
	switch {
	case err == nil:
		st.lastModified = stat.ModTime()
		st.size = stat.Size()
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("failed to stat file: %w", err)
	}

	w.mu.Lock()
	w.files[absPath] = st
	w.mu.Unlock()

	// Watch the directory containing the file (fsnotify works better this way)
	if err := w.watcher.Add(filepath.Dir(absPath)); err != nil {
		return fmt.Errorf("failed to watch directory: %w", err)
	}
	return nil
}

// Changes returns the channel of changed file paths. Paths are dropped
// when the reader falls behind; a reader should treat any receive as
// "read everything new".
func (w *Watcher) Changes() <-chan string {
	return w.changes
}

// Run processes file system events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	debounceTimers := make(map[string]*time.Timer)
	defer func() {
		for _, t := range debounceTimers {
			t.Stop()
		}
		w.watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			absPath, err := filepath.Abs(event.Name)
			if err != nil {
				continue
			}

			w.mu.Lock()
			_, isWatched := w.files[absPath]
			w.mu.Unlock()
			if !isWatched {
				continue
			}

			// Debounce rapid changes
			if timer, exists := debounceTimers[absPath]; exists {
				timer.Stop()
			}
			debounceTimers[absPath] = time.AfterFunc(w.debounce, func() {
				w.handleChange(absPath)
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleChange(path string) {
	stat, err := os.Stat(path)
	if err != nil {
		w.logger.Debug("Changed file vanished", zap.String("path", path), zap.Error(err))
		return
	}

	w.mu.Lock()
	state := w.files[path]
	if stat.ModTime().Equal(state.lastModified) && stat.Size() == state.size {
		w.mu.Unlock()
		return
	}
	state.lastModified = stat.ModTime()
	state.size = stat.Size()
	w.mu.Unlock()

	select {
	case w.changes <- path:
	default:
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

// Cursor tracks how far a growing file has been consumed.
type Cursor struct {
	Offset       int64
	LastModified time.Time
}

// Truncated reports whether the file shrank below the consumed offset, in
// which case it must be read again from the start.
func (c *Cursor) Truncated(stat os.FileInfo) bool {
	return stat.Size() < c.Offset
}

// Advance records that the file was consumed up to offset.
func (c *Cursor) Advance(offset int64, modTime time.Time) {
	c.Offset = offset
	c.LastModified = modTime
}

// Reset rewinds the cursor to the start of the file.
func (c *Cursor) Reset() {
	*c = Cursor{}
}
