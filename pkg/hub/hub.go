// Package hub holds the server-side copy of every metric series and builds
// the snapshot and delta payloads sent to stream subscribers.
package hub

import (
	"slices"
	"sync"

	"github.com/aiplaybookin/monitoring-observability/pkg/series"
	"github.com/aiplaybookin/monitoring-observability/pkg/wire"
)

// DefaultCap is the maximum number of points kept per series by the hub.
const DefaultCap = 2000

// Hub is a versioned in-memory cache of run metrics. It is safe for
// concurrent use.
type Hub struct {
	mu      sync.RWMutex
	version int64
	runs    map[string]map[string]series.Series
	meta    []wire.RunInfo
	cap     int
}

// New creates an empty hub keeping at most limit points per series.
// A non-positive limit selects DefaultCap.
func New(limit int) *Hub {
	if limit <= 0 {
		limit = DefaultCap
	}
	return &Hub{
		runs: make(map[string]map[string]series.Series),
		cap:  limit,
	}
}

// Update merges points into the cache and returns the delta to broadcast.
// Metrics without points are skipped. When nothing is merged the version
// is unchanged and ok is false.
func (h *Hub) Update(points wire.RunPoints) (delta wire.Delta, ok bool) {
	if points.Count() == 0 {
		return wire.Delta{}, false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.version++
	delta = wire.Delta{Version: h.version, Runs: make(wire.RunPoints, len(points))}

	for runID, metrics := range points {
		for metric, pts := range metrics {
			if len(pts) == 0 {
				continue
			}

			run, exists := h.runs[runID]
			if !exists {
				run = make(map[string]series.Series)
				h.runs[runID] = run
			}
			run[metric] = series.Append(run[metric], pts, h.cap)

			if delta.Runs[runID] == nil {
				delta.Runs[runID] = make(map[string][]wire.Point)
			}
			delta.Runs[runID][metric] = slices.Clone(pts)
		}
	}

	return delta, true
}

// Snapshot returns the full cached state for a new subscriber. Run
// metadata is included once it has been set.
func (h *Hub) Snapshot() wire.Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()

	snap := wire.Snapshot{
		Version: h.version,
		Runs:    make(wire.RunPoints, len(h.runs)),
	}
	for runID, metrics := range h.runs {
		m := make(map[string][]wire.Point, len(metrics))
		for metric, s := range metrics {
			m[metric] = s.Points()
		}
		snap.Runs[runID] = m
	}
	if h.meta != nil {
		snap.RunsMeta = slices.Clone(h.meta)
	}
	return snap
}

// SetRunsMeta replaces the run metadata.
func (h *Hub) SetRunsMeta(runs []wire.RunInfo) {
	h.mu.Lock()
	h.meta = append(make([]wire.RunInfo, 0, len(runs)), runs...)
	h.mu.Unlock()
}

// RunsMeta returns the run metadata in source order.
func (h *Hub) RunsMeta() []wire.RunInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append(make([]wire.RunInfo, 0, len(h.meta)), h.meta...)
}

// Version returns the current version.
func (h *Hub) Version() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.version
}

// Series returns the cached series for (runID, metric).
func (h *Hub) Series(runID, metric string) (series.Series, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s, ok := h.runs[runID][metric]
	return s, ok
}

// HasRun reports whether any points are cached for runID.
func (h *Hub) HasRun(runID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	_, ok := h.runs[runID]
	return ok
}

// Metrics returns the sorted metric names cached for runID.
func (h *Hub) Metrics(runID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.runs[runID]))
	for m := range h.runs[runID] {
		names = append(names, m)
	}
	slices.Sort(names)
	return names
}
