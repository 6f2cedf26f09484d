// Package source reads metric points from the stores training jobs write
// to: a DuckDB table, an append-only JSONL file or a Redis stream.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/aiplaybookin/monitoring-observability/pkg/wire"
)

// DefaultActiveWindow is how recent a run's last event must be for the run
// to count as active.
const DefaultActiveWindow = 5 * time.Minute

// Source provides new metric points and run metadata.
type Source interface {
	// Fetch returns the points recorded since the previous call. The first
	// call returns every point the source holds.
	Fetch(ctx context.Context) (wire.RunPoints, error)

	// RunsMeta returns metadata for every known run, most recently active
	// first.
	RunsMeta(ctx context.Context) ([]wire.RunInfo, error)

	// Name returns the source name for logging.
	Name() string

	Close() error
}

// Waker is implemented by sources that can tell when new data is likely
// available, so callers can fetch before the next scheduled poll.
type Waker interface {
	Wake() <-chan string
}

// ErrInvalidRecord is returned for records that cannot become points.
var ErrInvalidRecord = errors.New("invalid record")

// Record is one metric observation as written by a training job. Either
// Metric and Value, or Metrics, must be set.
type Record struct {
	RunID     string             `json:"run_id"`
	Metric    string             `json:"metric,omitempty"`
	Step      int64              `json:"step"`
	Value     *float64           `json:"value,omitempty"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	Timestamp float64            `json:"timestamp,omitempty"`
}

// ParseRecord decodes a JSON record.
func ParseRecord(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}
	return r, nil
}

// AddTo validates r and adds its points to rp. A missing timestamp is
// replaced by now. Non-finite values are skipped.
func (r Record) AddTo(rp wire.RunPoints, now time.Time) error {
	switch {
	case r.RunID == "":
		return fmt.Errorf("%w: missing run_id", ErrInvalidRecord)
	case r.Step < 0:
		return fmt.Errorf("%w: negative step %d", ErrInvalidRecord, r.Step)
	case r.Metric == "" && len(r.Metrics) == 0:
		return fmt.Errorf("%w: no metric", ErrInvalidRecord)
	case r.Metric != "" && r.Value == nil:
		return fmt.Errorf("%w: metric %q has no value", ErrInvalidRecord, r.Metric)
	}

	ts := r.Timestamp
	if ts == 0 {
		ts = unixSeconds(now)
	}

	add := func(metric string, v float64) {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return
		}
		rp.Add(r.RunID, metric, wire.Point{Step: r.Step, Value: v, Timestamp: ts})
	}

	if r.Metric != "" {
		add(r.Metric, *r.Value)
	}
	names := make([]string, 0, len(r.Metrics))
	for m := range r.Metrics {
		names = append(names, m)
	}
	sort.Strings(names)
	for _, m := range names {
		add(m, r.Metrics[m])
	}
	return nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// Tracker derives run metadata from observed points, for sources that
// cannot aggregate on their own.
type Tracker struct {
	mu   sync.Mutex
	runs map[string]*wire.RunInfo
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{runs: make(map[string]*wire.RunInfo)}
}

// Observe records every point of rp.
func (t *Tracker) Observe(rp wire.RunPoints) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for runID, metrics := range rp {
		for _, points := range metrics {
			for _, p := range points {
				t.observe(runID, p)
			}
		}
	}
}

func (t *Tracker) observe(runID string, p wire.Point) {
	info, ok := t.runs[runID]
	if !ok {
		t.runs[runID] = &wire.RunInfo{
			RunID:         runID,
			StartTime:     p.Timestamp,
			LastEventTime: p.Timestamp,
			LatestStep:    p.Step,
		}
		return
	}
	info.StartTime = min(info.StartTime, p.Timestamp)
	info.LastEventTime = max(info.LastEventTime, p.Timestamp)
	info.LatestStep = max(info.LatestStep, p.Step)
}

// Runs returns the tracked runs ordered by last event, newest first. A run
// is active if its last event is less than window before now.
func (t *Tracker) Runs(now time.Time, window time.Duration) []wire.RunInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]wire.RunInfo, 0, len(t.runs))
	for _, info := range t.runs {
		r := *info
		r.IsActive = isActive(now, r.LastEventTime, window)
		out = append(out, r)
	}
	sortRuns(out)
	return out
}

func isActive(now time.Time, last float64, window time.Duration) bool {
	return unixSeconds(now)-last < window.Seconds()
}

func sortRuns(runs []wire.RunInfo) {
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].LastEventTime != runs[j].LastEventTime {
			return runs[i].LastEventTime > runs[j].LastEventTime
		}
		return runs[i].RunID < runs[j].RunID
	})
}
