// Package query derives read-only views from the metrics state for display
// consumers. Results are memoized per state generation and are shared
// between callers: treat them as read-only.
package query

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aiplaybookin/monitoring-observability/pkg/query/cache"
	"github.com/aiplaybookin/monitoring-observability/pkg/series"
	"github.com/aiplaybookin/monitoring-observability/pkg/state"
	"github.com/aiplaybookin/monitoring-observability/pkg/tabs"
)

// CheckpointPrefix marks metrics reported at checkpoint time.
const CheckpointPrefix = "checkpoint_"

// Latest is the most recent point of a metric across selected runs.
type Latest struct {
	RunID     string   `json:"run_id"`
	Value     float64  `json:"value"`
	Step      int64    `json:"step"`
	Timestamp float64  `json:"timestamp"`
	Prev      *float64 `json:"prev,omitempty"`
}

// PrefixPoint is the latest point of one metric in a prefix group.
type PrefixPoint struct {
	RunID     string  `json:"run_id"`
	Value     float64 `json:"value"`
	Step      int64   `json:"step"`
	Timestamp float64 `json:"timestamp"`
}

// RunSeries pairs a run with its series for one metric.
type RunSeries struct {
	RunID  string        `json:"run_id"`
	Series series.Series `json:"series"`
}

// CheckpointRow is one checkpoint observation.
type CheckpointRow struct {
	RunID     string  `json:"run_id"`
	Metric    string  `json:"metric"`
	Step      int64   `json:"step"`
	Value     float64 `json:"value"`
	Timestamp float64 `json:"timestamp"`
}

// Milestone is the latest value of one milestone metric for a run.
type Milestone struct {
	Key     string   `json:"key"`
	Value   *float64 `json:"value,omitempty"`
	Reached bool     `json:"reached"`
}

// RunMilestones groups milestones by run.
type RunMilestones struct {
	RunID      string      `json:"run_id"`
	Milestones []Milestone `json:"milestones"`
}

// Engine answers queries over a state.Store.
type Engine struct {
	store *state.Store
	memo  *cache.Cache
}

// New creates a query engine over store.
func New(store *state.Store) *Engine {
	return &Engine{
		store: store,
		memo:  cache.NewCache(256),
	}
}

// View returns the state the next query will read.
func (e *Engine) View() *state.View {
	return e.store.View()
}

// CacheStats returns memoization statistics.
func (e *Engine) CacheStats() cache.Stats {
	return e.memo.Stats()
}

func memoize[T any](e *Engine, key string, fn func(v *state.View) T) T {
	v := e.store.View()
	if cached, ok := e.memo.Get(v.Generation, key); ok {
		return cached.(T)
	}
	res := fn(v)
	e.memo.Put(v.Generation, key, res)
	return res
}

// Latest returns the last point of metric from the selected run whose
// series has the greatest final step, or nil if no selected run has data.
// On equal steps the run earlier in selection order wins.
func (e *Engine) Latest(metric string) *Latest {
	return memoize(e, "latest|"+metric, func(v *state.View) *Latest {
		return latest(v, metric)
	})
}

func latest(v *state.View, metric string) *Latest {
	var best *Latest
	for _, runID := range v.Selected {
		s, ok := v.Series(runID, metric)
		if !ok || s.Len() == 0 {
			continue
		}
		n := s.Len()
		if best != nil && s.Steps[n-1] <= best.Step {
			continue
		}
		best = &Latest{
			RunID:     runID,
			Value:     s.Values[n-1],
			Step:      s.Steps[n-1],
			Timestamp: s.Timestamps[n-1],
		}
		if n >= 2 {
			prev := s.Values[n-2]
			best.Prev = &prev
		}
	}
	return best
}

// ByPrefix returns, for every metric of the selected runs starting with
// prefix, its most recent point across runs.
func (e *Engine) ByPrefix(prefix string) map[string]PrefixPoint {
	return memoize(e, "prefix|"+prefix, func(v *state.View) map[string]PrefixPoint {
		out := make(map[string]PrefixPoint)
		for _, runID := range v.Selected {
			for metric, s := range v.Runs[runID] {
				if !strings.HasPrefix(metric, prefix) || s.Len() == 0 {
					continue
				}
				last, _ := s.Last()
				if cur, ok := out[metric]; ok && last.Step <= cur.Step {
					continue
				}
				out[metric] = PrefixPoint{
					RunID:     runID,
					Value:     last.Value,
					Step:      last.Step,
					Timestamp: last.Timestamp,
				}
			}
		}
		return out
	})
}

// SeriesFor returns the series of metric from every selected run that has
// it, sliced to the active time range if one is set.
func (e *Engine) SeriesFor(metric string) []RunSeries {
	return memoize(e, "series|"+metric, func(v *state.View) []RunSeries {
		var out []RunSeries
		for _, runID := range v.Selected {
			s, ok := v.Series(runID, metric)
			if !ok || s.Len() == 0 {
				continue
			}
			if tr := v.TimeRange; tr != nil {
				s = s.Between(tr.From, tr.To)
			}
			out = append(out, RunSeries{RunID: runID, Series: s})
		}
		return out
	})
}

// ResolveTabMetrics returns the sorted metric names of the selected runs
// that belong on tab. Without live matches it falls back to the entries of
// known that exist in at least one selected run.
func (e *Engine) ResolveTabMetrics(tab tabs.Key, known []string) []string {
	key := fmt.Sprintf("tab|%s|%s", tab, strings.Join(known, "\x00"))
	return memoize(e, key, func(v *state.View) []string {
		t, ok := tabs.Lookup(tab)

		found := make(map[string]struct{})
		for _, runID := range v.Selected {
			for metric := range v.Runs[runID] {
				if ok && t.Match(metric) {
					found[metric] = struct{}{}
				}
			}
		}
		if len(found) > 0 {
			out := make([]string, 0, len(found))
			for m := range found {
				out = append(out, m)
			}
			sort.Strings(out)
			return out
		}

		out := []string{}
		for _, m := range known {
			for _, runID := range v.Selected {
				if _, has := v.Series(runID, m); has {
					out = append(out, m)
					break
				}
			}
		}
		return out
	})
}

// ResolveTab is ResolveTabMetrics with the tab's configured defaults.
func (e *Engine) ResolveTab(tab tabs.Key) []string {
	t, _ := tabs.Lookup(tab)
	return e.ResolveTabMetrics(tab, t.Known)
}

// Checkpoints returns every checkpoint point of the selected runs, newest
// step first.
func (e *Engine) Checkpoints() []CheckpointRow {
	return memoize(e, "checkpoints", func(v *state.View) []CheckpointRow {
		var out []CheckpointRow
		for _, runID := range v.Selected {
			metrics := v.Runs[runID]
			names := make([]string, 0, len(metrics))
			for m := range metrics {
				if strings.HasPrefix(m, CheckpointPrefix) {
					names = append(names, m)
				}
			}
			sort.Strings(names)

			for _, m := range names {
				s := metrics[m]
				for i := 0; i < s.Len(); i++ {
					out = append(out, CheckpointRow{
						RunID:     runID,
						Metric:    m,
						Step:      s.Steps[i],
						Value:     s.Values[i],
						Timestamp: s.Timestamps[i],
					})
				}
			}
		}
		sort.SliceStable(out, func(i, j int) bool { return out[i].Step > out[j].Step })
		return out
	})
}

// Milestones reports, for each selected run with data, the latest value of
// every key. A milestone is reached once its value is positive.
func (e *Engine) Milestones(keys []string) []RunMilestones {
	return memoize(e, "milestones|"+strings.Join(keys, "\x00"), func(v *state.View) []RunMilestones {
		var out []RunMilestones
		for _, runID := range v.Selected {
			if _, ok := v.Runs[runID]; !ok {
				continue
			}
			rm := RunMilestones{RunID: runID, Milestones: make([]Milestone, len(keys))}
			for i, k := range keys {
				rm.Milestones[i] = Milestone{Key: k}
				s, ok := v.Series(runID, k)
				if !ok {
					continue
				}
				if last, ok := s.Last(); ok {
					val := last.Value
					rm.Milestones[i].Value = &val
					rm.Milestones[i].Reached = val > 0
				}
			}
			out = append(out, rm)
		}
		return out
	})
}
