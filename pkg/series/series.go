// Package series holds per-(run, metric) time series as index-aligned columns.
package series

import (
	"github.com/aiplaybookin/monitoring-observability/pkg/decimate"
	"github.com/aiplaybookin/monitoring-observability/pkg/wire"
)

// DefaultCap is the maximum number of points kept per series on the
// consuming side.
const DefaultCap = 4000

// Series is an ordered set of points stored as three aligned columns.
// Index i in Steps, Values and Timestamps refers to the same point.
// A Series is treated as immutable once built.
type Series struct {
	Steps      []int64   `json:"steps"`
	Values     []float64 `json:"values"`
	Timestamps []float64 `json:"timestamps"`
}

// FromPoints builds a series directly from points, without decimation.
func FromPoints(points []wire.Point) Series {
	s := Series{
		Steps:      make([]int64, len(points)),
		Values:     make([]float64, len(points)),
		Timestamps: make([]float64, len(points)),
	}
	for i, p := range points {
		s.Steps[i] = p.Step
		s.Values[i] = p.Value
		s.Timestamps[i] = p.Timestamp
	}
	return s
}

// Append returns a new series holding existing followed by points. When the
// result exceeds limit, it is decimated to exactly limit points over
// (timestamp, value); steps travel with their points, so no lookup by
// timestamp is needed. The first and last points are always kept.
func Append(existing Series, points []wire.Point, limit int) Series {
	n := existing.Len() + len(points)
	out := Series{
		Steps:      make([]int64, 0, n),
		Values:     make([]float64, 0, n),
		Timestamps: make([]float64, 0, n),
	}
	out.Steps = append(out.Steps, existing.Steps...)
	out.Values = append(out.Values, existing.Values...)
	out.Timestamps = append(out.Timestamps, existing.Timestamps...)
	for _, p := range points {
		out.Steps = append(out.Steps, p.Step)
		out.Values = append(out.Values, p.Value)
		out.Timestamps = append(out.Timestamps, p.Timestamp)
	}

	if limit <= 0 || n <= limit {
		return out
	}
	return out.gather(decimate.Indices(out.Timestamps, out.Values, limit))
}

func (s Series) gather(idx []int) Series {
	out := Series{
		Steps:      make([]int64, len(idx)),
		Values:     make([]float64, len(idx)),
		Timestamps: make([]float64, len(idx)),
	}
	for i, j := range idx {
		out.Steps[i] = s.Steps[j]
		out.Values[i] = s.Values[j]
		out.Timestamps[i] = s.Timestamps[j]
	}
	return out
}

// Len returns the number of points.
func (s Series) Len() int {
	return len(s.Steps)
}

// Aligned reports whether the three columns have equal length.
func (s Series) Aligned() bool {
	return len(s.Steps) == len(s.Values) && len(s.Steps) == len(s.Timestamps)
}

// At returns the point at index i.
func (s Series) At(i int) wire.Point {
	return wire.Point{Step: s.Steps[i], Value: s.Values[i], Timestamp: s.Timestamps[i]}
}

// Last returns the final point, or false for an empty series.
func (s Series) Last() (wire.Point, bool) {
	if s.Len() == 0 {
		return wire.Point{}, false
	}
	return s.At(s.Len() - 1), true
}

// Points converts the series back to wire points.
func (s Series) Points() []wire.Point {
	out := make([]wire.Point, s.Len())
	for i := range out {
		out[i] = s.At(i)
	}
	return out
}

// Between returns the points whose timestamp lies in [from, to].
// The result shares no memory with s.
func (s Series) Between(from, to float64) Series {
	var idx []int
	for i, ts := range s.Timestamps {
		if ts >= from && ts <= to {
			idx = append(idx, i)
		}
	}
	return s.gather(idx)
}

// StepRange returns the points whose step lies in [from, to].
func (s Series) StepRange(from, to int64) Series {
	var idx []int
	for i, st := range s.Steps {
		if st >= from && st <= to {
			idx = append(idx, i)
		}
	}
	return s.gather(idx)
}
