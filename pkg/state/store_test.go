package state

import (
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiplaybookin/monitoring-observability/pkg/series"
	"github.com/aiplaybookin/monitoring-observability/pkg/wire"
)

func pts(steps ...int64) []wire.Point {
	out := make([]wire.Point, len(steps))
	for i, s := range steps {
		out[i] = wire.Point{Step: s, Value: float64(s) / 10, Timestamp: 1000 + float64(s)}
	}
	return out
}

func TestApplyDeltaAutoAdmitsNewRun(t *testing.T) {
	t.Parallel()

	s := NewStore()
	require.NoError(t, s.ApplyDelta(wire.Delta{
		Version: 1,
		Runs:    wire.RunPoints{"run-42": {"loss": pts(1, 2)}},
	}))

	v := s.View()
	assert.True(t, v.IsSelected("run-42"))
	assert.Equal(t, []string{"run-42"}, v.Selected)
	assert.Equal(t, int64(1), v.Version)

	ser, ok := v.Series("run-42", "loss")
	require.True(t, ok)
	assert.Equal(t, []int64{1, 2}, ser.Steps)
}

func TestApplyDeltaAppends(t *testing.T) {
	t.Parallel()

	s := NewStore()
	require.NoError(t, s.ApplyDelta(wire.Delta{Version: 1, Runs: wire.RunPoints{"a": {"loss": pts(1)}}}))
	before := s.View()
	require.NoError(t, s.ApplyDelta(wire.Delta{Version: 2, Runs: wire.RunPoints{"a": {"loss": pts(2, 3), "lr": pts(3)}}}))

	after := s.View()
	ser, _ := after.Series("a", "loss")
	assert.Equal(t, []int64{1, 2, 3}, ser.Steps)
	lr, _ := after.Series("a", "lr")
	assert.Equal(t, []int64{3}, lr.Steps)

	old, _ := before.Series("a", "loss")
	assert.Equal(t, []int64{1}, old.Steps, "published views are immutable")
	assert.Greater(t, after.Generation, before.Generation)
}

func TestApplyDeltaCapsSeries(t *testing.T) {
	t.Parallel()

	s := NewStore().WithSeriesCap(100)
	steps := make([]int64, 250)
	for i := range steps {
		steps[i] = int64(i)
	}
	require.NoError(t, s.ApplyDelta(wire.Delta{Version: 1, Runs: wire.RunPoints{"a": {"loss": pts(steps...)}}}))

	ser, _ := s.View().Series("a", "loss")
	assert.Equal(t, 100, ser.Len())
	assert.True(t, ser.Aligned())
	assert.Equal(t, int64(0), ser.Steps[0])
	assert.Equal(t, int64(249), ser.Steps[99])
}

func TestSnapshotReplacesSeries(t *testing.T) {
	t.Parallel()

	s := NewStore()
	require.NoError(t, s.ApplyDelta(wire.Delta{Version: 1, Runs: wire.RunPoints{"a": {"loss": pts(1, 2, 3)}}}))
	require.NoError(t, s.ApplyDelta(wire.Delta{Version: 2, Runs: wire.RunPoints{"a": {"loss": pts(4)}, "b": {"loss": pts(1)}}}))

	s.ApplySnapshot(wire.Snapshot{Version: 3, Runs: wire.RunPoints{"a": {"loss": pts(10, 11)}}})

	v := s.View()
	ser, ok := v.Series("a", "loss")
	require.True(t, ok)
	assert.Equal(t, []int64{10, 11}, ser.Steps)

	_, ok = v.Series("b", "loss")
	assert.False(t, ok, "runs absent from the snapshot are dropped")
	assert.Equal(t, int64(3), v.Version)
}

func TestSnapshotSelection(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.ApplySnapshot(wire.Snapshot{
		Version:  1,
		Runs:     wire.RunPoints{"b": {"loss": pts(1)}, "a": {"loss": pts(1)}},
		RunsMeta: []wire.RunInfo{{RunID: "a"}, {RunID: "b"}, {RunID: "c"}},
	})
	v := s.View()
	assert.Equal(t, []string{"a", "b", "c"}, v.Selected)
	assert.Len(t, v.AllRuns, 3)

	// a deselected run stays deselected across a resync
	s.ToggleRun("b")
	s.ApplySnapshot(wire.Snapshot{Version: 2, Runs: wire.RunPoints{"a": {"loss": pts(2)}, "b": {"loss": pts(2)}}})
	v = s.View()
	assert.False(t, v.IsSelected("b"))
	assert.Len(t, v.AllRuns, 3, "registry preserved without runs_meta")
}

func TestApplyRunsMeta(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.ApplyRunsMeta([]wire.RunInfo{{RunID: "a", IsActive: true}})
	s.ToggleRun("a")
	s.ApplyRunsMeta([]wire.RunInfo{{RunID: "a"}, {RunID: "b"}})

	v := s.View()
	assert.False(t, v.IsSelected("a"))
	assert.True(t, v.IsSelected("b"))

	info, ok := v.RunInfo("a")
	require.True(t, ok)
	assert.False(t, info.IsActive)
}

func TestDeltaAdmitsRegisteredRunWithoutData(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.ApplyRunsMeta([]wire.RunInfo{{RunID: "run-7"}})
	s.ToggleRun("run-7")
	require.False(t, s.View().IsSelected("run-7"))

	// first data for a run is admitted even if metadata came earlier
	require.NoError(t, s.ApplyDelta(wire.Delta{Version: 1, Runs: wire.RunPoints{"run-7": {"loss": pts(1)}}}))
	assert.True(t, s.View().IsSelected("run-7"))

	// once the run holds data, a deselection sticks
	s.ToggleRun("run-7")
	require.NoError(t, s.ApplyDelta(wire.Delta{Version: 2, Runs: wire.RunPoints{"run-7": {"loss": pts(2)}}}))
	assert.False(t, s.View().IsSelected("run-7"))
}

func TestSnapshotAdmitsRegisteredRunWithoutData(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.ApplyRunsMeta([]wire.RunInfo{{RunID: "a"}, {RunID: "b"}})
	s.DeselectAll()

	s.ApplySnapshot(wire.Snapshot{Version: 1, Runs: wire.RunPoints{"b": {"loss": pts(1)}}})
	assert.Equal(t, []string{"b"}, s.View().Selected)
}

func TestConcurrentDeltasKeepVersionOrder(t *testing.T) {
	t.Parallel()

	s := NewStore().WithRejectStale(true)

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(version int64) {
			defer wg.Done()
			_ = s.ApplyDelta(wire.Delta{Version: version, Runs: wire.RunPoints{"a": {"loss": pts(version)}}})
		}(int64(i))
	}
	wg.Wait()

	// every accepted delta was newer than the one before it
	ser, _ := s.View().Series("a", "loss")
	assert.True(t, slices.IsSorted(ser.Steps))
	assert.Equal(t, ser.Steps[ser.Len()-1], s.View().Version)
}

func TestSelectionMutators(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.ApplyRunsMeta([]wire.RunInfo{{RunID: "a"}, {RunID: "b"}})
	require.NoError(t, s.ApplyDelta(wire.Delta{Version: 1, Runs: wire.RunPoints{"z": {"loss": pts(1)}}}))

	s.DeselectAll()
	assert.Empty(t, s.View().Selected)

	s.SelectAll()
	assert.Equal(t, []string{"a", "b", "z"}, s.View().Selected)

	s.ToggleRun("b")
	assert.Equal(t, []string{"a", "z"}, s.View().Selected)
	s.ToggleRun("b")
	assert.Equal(t, []string{"a", "z", "b"}, s.View().Selected)

	// selection is not gated on registry membership
	s.ToggleRun("ghost")
	assert.True(t, s.View().IsSelected("ghost"))
}

func TestSetTimeRange(t *testing.T) {
	t.Parallel()

	s := NewStore()
	r := &TimeRange{From: 10, To: 20}
	s.SetTimeRange(r)
	r.To = 99

	v := s.View()
	require.NotNil(t, v.TimeRange)
	assert.Equal(t, float64(20), v.TimeRange.To)

	s.SetTimeRange(nil)
	assert.Nil(t, s.View().TimeRange)
}

func TestVersionNeverRegresses(t *testing.T) {
	t.Parallel()

	s := NewStore()
	require.NoError(t, s.ApplyDelta(wire.Delta{Version: 5, Runs: wire.RunPoints{}}))
	require.NoError(t, s.ApplyDelta(wire.Delta{Version: 3, Runs: wire.RunPoints{"a": {"loss": pts(1)}}}))

	v := s.View()
	assert.Equal(t, int64(5), v.Version)
	_, ok := v.Series("a", "loss")
	assert.True(t, ok, "without the guard stale deltas still apply")
}

func TestRejectStale(t *testing.T) {
	t.Parallel()

	s := NewStore().WithRejectStale(true)
	s.ApplySnapshot(wire.Snapshot{Version: 10, Runs: wire.RunPoints{"a": {"loss": pts(1)}}})

	err := s.ApplyDelta(wire.Delta{Version: 10, Runs: wire.RunPoints{"a": {"loss": pts(2)}}})
	assert.ErrorIs(t, err, ErrStaleVersion)
	require.NoError(t, s.ApplyDelta(wire.Delta{Version: 11, Runs: wire.RunPoints{"a": {"loss": pts(2)}}}))

	// a snapshot resets the baseline, e.g. after the producer restarted
	s.ApplySnapshot(wire.Snapshot{Version: 1, Runs: wire.RunPoints{"a": {"loss": pts(1)}}})
	require.NoError(t, s.ApplyDelta(wire.Delta{Version: 2, Runs: wire.RunPoints{"a": {"loss": pts(2)}}}))

	ser, _ := s.View().Series("a", "loss")
	assert.Equal(t, []int64{1, 2}, ser.Steps)
}

func TestSubscribe(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ch, cancel := s.Subscribe()
	defer cancel()

	s.ToggleRun("a")
	s.ToggleRun("b")

	gen := <-ch
	assert.Equal(t, s.View().Generation, gen, "notifications coalesce to the newest generation")

	cancel()
	s.ToggleRun("c")
	select {
	case <-ch:
		t.Fatal("no notification expected after cancel")
	default:
	}
}

func TestEmptyView(t *testing.T) {
	t.Parallel()

	v := NewStore().View()
	assert.Empty(t, v.Selected)
	ser, ok := v.Series("a", "loss")
	assert.False(t, ok)
	assert.Equal(t, series.Series{}, ser)
}

func TestPresetRange(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)

	r, err := PresetRange(PresetAll, now)
	require.NoError(t, err)
	assert.Nil(t, r)

	for preset, span := range map[string]time.Duration{
		PresetDay:      24 * time.Hour,
		PresetThreeDay: 72 * time.Hour,
		PresetWeek:     168 * time.Hour,
	} {
		r, err := PresetRange(preset, now)
		require.NoError(t, err, preset)
		assert.Equal(t, float64(now.Add(-span).Unix()), r.From, preset)
		assert.Greater(t, r.To, float64(now.Add(24*time.Hour).Unix()), "open at the top")
	}

	_, err = PresetRange("2h", now)
	assert.Error(t, err)
}
