// Package wire defines the JSON payloads carried over the metrics stream.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrMalformed is returned by Validate for payloads that decode as JSON but
// lack a required field.
var ErrMalformed = errors.New("malformed payload")

// Event names used on the stream.
const (
	EventSnapshot = "snapshot"
	EventDelta    = "delta"
	EventRunsMeta = "runs_meta"
)

// Point is a single observation of a metric: [step, value, timestamp].
type Point struct {
	Step      int64
	Value     float64
	Timestamp float64 // Unix seconds
}

// MarshalJSON encodes the point as a three-element array.
func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]float64{float64(p.Step), p.Value, p.Timestamp})
}

// UnmarshalJSON decodes a [step, value, timestamp] array.
func (p *Point) UnmarshalJSON(data []byte) error {
	var raw []float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("point: %w", err)
	}
	if len(raw) != 3 {
		return fmt.Errorf("point: expected 3 elements, got %d", len(raw))
	}
	if !validStep(raw[0]) {
		return fmt.Errorf("point: invalid step %v", raw[0])
	}

	p.Step = int64(raw[0])
	p.Value = raw[1]
	p.Timestamp = raw[2]
	return nil
}

// validStep reports whether f is a non-negative integer that fits an int64.
func validStep(f float64) bool {
	return f >= 0 && f < math.MaxInt64 && f == math.Trunc(f)
}

// RunPoints maps run id -> metric name -> points.
type RunPoints map[string]map[string][]Point

// RunInfo is run metadata maintained by the producer.
type RunInfo struct {
	RunID         string  `json:"run_id"`
	StartTime     float64 `json:"start_time"`
	LastEventTime float64 `json:"last_event_time"`
	LatestStep    int64   `json:"latest_step"`
	IsActive      bool    `json:"is_active"`
}

// Snapshot replaces all held data for the runs it describes.
type Snapshot struct {
	Version  int64     `json:"version"`
	Runs     RunPoints `json:"runs"`
	RunsMeta []RunInfo `json:"runs_meta,omitempty"`
}

// Delta carries points to append to existing series.
type Delta struct {
	Version int64     `json:"version"`
	Runs    RunPoints `json:"runs"`
}

// RunsMeta replaces the run registry.
type RunsMeta struct {
	RunsMeta []RunInfo `json:"runs_meta"`
}

// Count returns the total number of points in rp.
func (rp RunPoints) Count() int {
	var n int
	for _, metrics := range rp {
		for _, points := range metrics {
			n += len(points)
		}
	}
	return n
}

// Add appends a point for (runID, metric), allocating maps as needed.
func (rp RunPoints) Add(runID, metric string, p Point) {
	metrics, ok := rp[runID]
	if !ok {
		metrics = make(map[string][]Point)
		rp[runID] = metrics
	}
	metrics[metric] = append(metrics[metric], p)
}

// Validate reports whether s carries a runs object.
func (s Snapshot) Validate() error {
	if s.Runs == nil {
		return fmt.Errorf("%w: snapshot without runs", ErrMalformed)
	}
	return nil
}

// Validate reports whether d carries a runs object.
func (d Delta) Validate() error {
	if d.Runs == nil {
		return fmt.Errorf("%w: delta without runs", ErrMalformed)
	}
	return nil
}

// Validate reports whether rm carries a runs_meta list.
func (rm RunsMeta) Validate() error {
	if rm.RunsMeta == nil {
		return fmt.Errorf("%w: runs_meta without runs_meta", ErrMalformed)
	}
	return nil
}
