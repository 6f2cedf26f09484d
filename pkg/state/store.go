// Package state provides the in-memory metrics state container: series per
// (run, metric), the run registry, run selection and the active time range.
package state

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/aiplaybookin/monitoring-observability/pkg/series"
	"github.com/aiplaybookin/monitoring-observability/pkg/wire"
)

// ErrStaleVersion is returned when a delta is older than what was already
// applied and the store is configured to reject such payloads.
var ErrStaleVersion = errors.New("stale payload version")

// TimeRange is an inclusive [From, To] filter in Unix seconds.
type TimeRange struct {
	From float64 `json:"from"`
	To   float64 `json:"to"`
}

// Time range presets.
const (
	PresetDay      = "1d"
	PresetThreeDay = "3d"
	PresetWeek     = "1w"
	PresetAll      = "all"
)

var presetSpans = map[string]time.Duration{
	PresetDay:      24 * time.Hour,
	PresetThreeDay: 3 * 24 * time.Hour,
	PresetWeek:     7 * 24 * time.Hour,
}

// PresetRange returns the time range covering the preset's span before now.
// The range is open at the top so points arriving later stay visible.
// PresetAll yields nil.
func PresetRange(preset string, now time.Time) (*TimeRange, error) {
	if preset == PresetAll {
		return nil, nil
	}
	span, ok := presetSpans[preset]
	if !ok {
		return nil, fmt.Errorf("unknown time range %q", preset)
	}
	from := now.Add(-span)
	return &TimeRange{
		From: float64(from.UnixNano()) / 1e9,
		To:   math.MaxFloat64,
	}, nil
}

// View is an immutable snapshot of the store. A new View is published on
// every mutation; readers may hold on to one without locking.
type View struct {
	Version    int64
	Generation uint64
	Runs       map[string]map[string]series.Series
	AllRuns    []wire.RunInfo
	Selected   []string
	TimeRange  *TimeRange

	selected map[string]struct{}
}

// IsSelected reports whether runID is in the selection.
func (v *View) IsSelected(runID string) bool {
	_, ok := v.selected[runID]
	return ok
}

// Series returns the series for (runID, metric).
func (v *View) Series(runID, metric string) (series.Series, bool) {
	s, ok := v.Runs[runID][metric]
	return s, ok
}

// RunInfo returns the registry entry for runID, if metadata has arrived.
func (v *View) RunInfo(runID string) (wire.RunInfo, bool) {
	for _, r := range v.AllRuns {
		if r.RunID == runID {
			return r, true
		}
	}
	return wire.RunInfo{}, false
}

// Store manages metrics state. Writers replace the current View under a
// lock; nothing reachable from a published View is mutated afterwards.
type Store struct {
	mu   sync.RWMutex
	view *View

	seriesCap   int
	rejectStale bool

	// guarded by mu, together with view
	applied     bool
	lastApplied int64

	subMu sync.Mutex
	subs  map[chan uint64]struct{}
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		view: &View{
			Runs:     make(map[string]map[string]series.Series),
			selected: make(map[string]struct{}),
		},
		seriesCap: series.DefaultCap,
		subs:      make(map[chan uint64]struct{}),
	}
}

// WithSeriesCap sets the per-series point limit applied on delta appends.
func (s *Store) WithSeriesCap(n int) *Store {
	s.seriesCap = n
	return s
}

// WithRejectStale makes ApplyDelta drop deltas whose version is not newer
// than the last applied payload.
func (s *Store) WithRejectStale(reject bool) *Store {
	s.rejectStale = reject
	return s
}

// View returns the current state.
func (s *Store) View() *View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view
}

// Subscribe returns a channel receiving the generation of each new View.
// Notifications coalesce: a slow reader sees only the latest pending one.
// The returned function cancels the subscription.
func (s *Store) Subscribe() (<-chan uint64, func()) {
	ch := make(chan uint64, 1)

	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, ch)
			s.subMu.Unlock()
		})
	}
}

// update clones the current view, lets fn modify the clone and publishes it.
// fn must replace, not mutate, any map or slice it changes except Runs and
// the selection, which are already private copies.
func (s *Store) update(fn func(next *View)) {
	_ = s.updateIf(func(next *View) error {
		fn(next)
		return nil
	})
}

// updateIf is update where fn may reject the change. fn runs under the write
// lock, so checks against Store fields and the publish are one step. On error
// nothing is published.
func (s *Store) updateIf(fn func(next *View) error) error {
	s.mu.Lock()
	prev := s.view
	next := &View{
		Version:    prev.Version,
		Generation: prev.Generation + 1,
		Runs:       make(map[string]map[string]series.Series, len(prev.Runs)),
		AllRuns:    prev.AllRuns,
		Selected:   append([]string(nil), prev.Selected...),
		TimeRange:  prev.TimeRange,
		selected:   make(map[string]struct{}, len(prev.selected)),
	}
	for id, metrics := range prev.Runs {
		next.Runs[id] = metrics
	}
	for id := range prev.selected {
		next.selected[id] = struct{}{}
	}

	if err := fn(next); err != nil {
		s.mu.Unlock()
		return err
	}
	s.view = next
	s.mu.Unlock()

	s.notify(next.Generation)
	return nil
}

func (s *Store) notify(gen uint64) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for ch := range s.subs {
		select {
		case ch <- gen:
		default:
			// drop the pending value and replace it with the newer one
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- gen:
			default:
			}
		}
	}
}

func (v *View) admit(runID string) {
	if _, ok := v.selected[runID]; ok {
		return
	}
	v.selected[runID] = struct{}{}
	v.Selected = append(v.Selected, runID)
}

// --- Series Store ---

// ApplySnapshot replaces all held series with the payload's. Runs absent
// from the current run map are auto-selected; if the payload carries run
// metadata it replaces the registry, otherwise the registry is kept.
func (s *Store) ApplySnapshot(snap wire.Snapshot) {
	s.update(func(next *View) {
		s.applied = true
		s.lastApplied = snap.Version

		prev := next.Runs
		runs := make(map[string]map[string]series.Series, len(snap.Runs))
		for _, runID := range sortedKeys(snap.Runs) {
			metrics := snap.Runs[runID]
			m := make(map[string]series.Series, len(metrics))
			for metric, points := range metrics {
				m[metric] = series.FromPoints(points)
			}
			runs[runID] = m
			if _, ok := prev[runID]; !ok {
				next.admit(runID)
			}
		}
		next.Runs = runs

		if snap.RunsMeta != nil {
			applyRunsMeta(next, snap.RunsMeta)
		}
		if snap.Version > next.Version {
			next.Version = snap.Version
		}
	})
}

// ApplyDelta appends the payload's points to existing series, creating
// series and runs as needed. Runs absent from the current run map are
// auto-selected, registered or not.
func (s *Store) ApplyDelta(d wire.Delta) error {
	return s.updateIf(func(next *View) error {
		if s.rejectStale && s.applied && d.Version <= s.lastApplied {
			return ErrStaleVersion
		}
		s.applied = true
		s.lastApplied = d.Version

		for _, runID := range sortedKeys(d.Runs) {
			metrics := d.Runs[runID]
			existing, ok := next.Runs[runID]
			if !ok {
				next.admit(runID)
			}

			m := make(map[string]series.Series, len(existing)+len(metrics))
			for metric, ser := range existing {
				m[metric] = ser
			}
			for metric, points := range metrics {
				if cur, ok := m[metric]; ok {
					m[metric] = series.Append(cur, points, s.seriesCap)
				} else {
					m[metric] = series.Append(series.Series{}, points, s.seriesCap)
				}
			}
			next.Runs[runID] = m
		}
		if d.Version > next.Version {
			next.Version = d.Version
		}
		return nil
	})
}

// --- Run Registry ---

// ApplyRunsMeta replaces the run registry. Runs not previously registered
// are auto-selected.
func (s *Store) ApplyRunsMeta(runs []wire.RunInfo) {
	s.update(func(next *View) {
		applyRunsMeta(next, runs)
	})
}

func applyRunsMeta(next *View, runs []wire.RunInfo) {
	prevIDs := make(map[string]struct{}, len(next.AllRuns))
	for _, r := range next.AllRuns {
		prevIDs[r.RunID] = struct{}{}
	}
	for _, r := range runs {
		if _, ok := prevIDs[r.RunID]; !ok {
			next.admit(r.RunID)
		}
	}
	next.AllRuns = append([]wire.RunInfo(nil), runs...)
}

// ToggleRun flips runID's membership in the selection.
func (s *Store) ToggleRun(runID string) {
	s.update(func(next *View) {
		if _, ok := next.selected[runID]; !ok {
			next.admit(runID)
			return
		}
		delete(next.selected, runID)
		kept := next.Selected[:0]
		for _, id := range next.Selected {
			if id != runID {
				kept = append(kept, id)
			}
		}
		next.Selected = kept
	})
}

// SelectAll selects every known run: registered runs first, then runs only
// seen through data.
func (s *Store) SelectAll() {
	s.update(func(next *View) {
		next.Selected = nil
		next.selected = make(map[string]struct{})
		for _, r := range next.AllRuns {
			next.admit(r.RunID)
		}
		for _, id := range sortedKeys(next.Runs) {
			next.admit(id)
		}
	})
}

// DeselectAll empties the selection.
func (s *Store) DeselectAll() {
	s.update(func(next *View) {
		next.Selected = nil
		next.selected = make(map[string]struct{})
	})
}

// SetTimeRange replaces the active time filter; nil means unbounded.
func (s *Store) SetTimeRange(r *TimeRange) {
	s.update(func(next *View) {
		if r == nil {
			next.TimeRange = nil
			return
		}
		tr := *r
		next.TimeRange = &tr
	})
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
