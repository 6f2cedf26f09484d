package query

import (
	"fmt"
	"math"
	"strconv"
)

// StableEpsilon is the smallest change reported as a movement.
const StableEpsilon = 1e-6

// Direction of a change between two readings.
type Direction string

// Directions.
const (
	Up      Direction = "up"
	Down    Direction = "dn"
	Neutral Direction = "nu"
)

// Delta describes the change from a previous reading.
type Delta struct {
	Direction Direction `json:"direction"`
	Magnitude float64   `json:"magnitude"`
	Text      string    `json:"text"`
}

// FormatDelta formats current-prev. A missing prev yields a placeholder,
// and differences below StableEpsilon are reported as stable.
func FormatDelta(current float64, prev *float64) Delta {
	if prev == nil {
		return Delta{Direction: Neutral, Text: "—"}
	}

	diff := current - *prev
	if math.Abs(diff) < StableEpsilon {
		return Delta{Direction: Neutral, Text: "≈ stable"}
	}

	mag := math.Abs(diff)
	if diff < 0 {
		return Delta{Direction: Down, Magnitude: mag, Text: fmt.Sprintf("▼ %.3f", mag)}
	}
	return Delta{Direction: Up, Magnitude: mag, Text: fmt.Sprintf("▲ %.3f", mag)}
}

// FormatValue renders v compactly with K/M/B/T suffixes for large values.
func FormatValue(v float64, decimals int) string {
	abs := math.Abs(v)
	switch {
	case abs >= 1e12:
		return fmt.Sprintf("%.2fT", v/1e12)
	case abs >= 1e9:
		return fmt.Sprintf("%.2fB", v/1e9)
	case abs >= 1e6:
		return fmt.Sprintf("%.2fM", v/1e6)
	case abs >= 1e3:
		return fmt.Sprintf("%.1fK", v/1e3)
	}
	return strconv.FormatFloat(v, 'f', decimals, 64)
}

// FormatStep renders a step count, abbreviating thousands.
func FormatStep(step int64) string {
	if step < 1000 {
		return strconv.FormatInt(step, 10)
	}
	if step%1000 == 0 {
		return fmt.Sprintf("%dK", step/1000)
	}
	return fmt.Sprintf("%.1fK", float64(step)/1000)
}
