package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/aiplaybookin/monitoring-observability/pkg/watch"
	"github.com/aiplaybookin/monitoring-observability/pkg/wire"
)

// JSONL tails an append-only file of JSON records, one per line. Only
// complete lines are consumed; a partially written last line is read on a
// later Fetch once its newline arrives.
type JSONL struct {
	path    string
	window  time.Duration
	cursor  watch.Cursor
	tracker *Tracker
	watcher *watch.Watcher
	logger  *zap.Logger
	now     func() time.Time
}

// NewJSONL creates a source reading path. If w is not nil its change
// notifications are exposed through Wake.
func NewJSONL(path string, window time.Duration, w *watch.Watcher, logger *zap.Logger) *JSONL {
	if window <= 0 {
		window = DefaultActiveWindow
	}
	return &JSONL{
		path:    path,
		window:  window,
		tracker: NewTracker(),
		watcher: w,
		logger:  logger.Named("source.jsonl"),
		now:     time.Now,
	}
}

// Name implements Source.
func (s *JSONL) Name() string {
	return "jsonl"
}

// Wake implements Waker.
func (s *JSONL) Wake() <-chan string {
	if s.watcher == nil {
		return nil
	}
	return s.watcher.Changes()
}

// Fetch implements Source. A missing file yields no points. If the file
// shrank it is read again from the start.
func (s *JSONL) Fetch(ctx context.Context) (wire.RunPoints, error) {
	out := make(wire.RunPoints)

	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %q: %w", s.path, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %q: %w", s.path, err)
	}
	if s.cursor.Truncated(stat) {
		s.logger.Warn("File truncated, reading from start", zap.String("path", s.path))
		s.cursor.Reset()
	}
	if _, err := f.Seek(s.cursor.Offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek %q: %w", s.path, err)
	}

	r := bufio.NewReaderSize(f, 64*1024)
	offset := s.cursor.Offset
	now := s.now()
	lineNo := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		line, err := r.ReadBytes('\n')
		if err == io.EOF {
			// incomplete trailing line stays unconsumed
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %q: %w", s.path, err)
		}
		offset += int64(len(line))
		lineNo++

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		rec, err := ParseRecord(line)
		if err == nil {
			err = rec.AddTo(out, now)
		}
		if err != nil {
			s.logger.Warn("Skipping malformed line", zap.Int64("offset", offset), zap.Error(err))
			continue
		}
	}

	s.cursor.Advance(offset, stat.ModTime())
	s.tracker.Observe(out)

	if lineNo > 0 {
		s.logger.Debug("Read lines", zap.Int("lines", lineNo), zap.Int("points", out.Count()))
	}
	return out, nil
}

// RunsMeta implements Source.
func (s *JSONL) RunsMeta(context.Context) ([]wire.RunInfo, error) {
	return s.tracker.Runs(s.now(), s.window), nil
}

// Close implements Source.
func (s *JSONL) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
