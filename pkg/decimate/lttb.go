// Package decimate implements Largest-Triangle-Three-Buckets downsampling.
package decimate

import "math"

// MinTarget is the smallest meaningful output size: both endpoints plus one
// bucket.
const MinTarget = 3

// LTTB reduces the parallel arrays xs, ys to at most target points while
// preserving the visual shape of the curve. The first and last points are
// always kept. If len(xs) <= target the inputs are returned unchanged.
func LTTB(xs, ys []float64, target int) ([]float64, []float64) {
	if len(xs) <= target {
		return xs, ys
	}

	idx := Indices(xs, ys, target)
	outX := make([]float64, len(idx))
	outY := make([]float64, len(idx))
	for i, j := range idx {
		outX[i] = xs[j]
		outY[i] = ys[j]
	}
	return outX, outY
}

// Indices returns the input positions LTTB would keep, in increasing order.
// Callers carrying extra columns alongside (x, y) gather them with the
// returned indices.
func Indices(xs, ys []float64, target int) []int {
	n := len(xs)
	if len(ys) < n {
		n = len(ys)
	}
	if target < MinTarget {
		target = MinTarget
	}

	if n <= target {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = i
		}
		return idx
	}

	every := float64(n-2) / float64(target-2)
	out := make([]int, 0, target)
	out = append(out, 0)

	a := 0
	for i := 0; i < target-2; i++ {
		start := int(math.Floor(float64(i)*every)) + 1
		end := int(math.Floor(float64(i+1)*every)) + 1
		if end > n-1 {
			end = n - 1
		}
		if start >= end {
			start = end - 1
		}

		cx, cy := centroid(xs, ys, end, int(math.Floor(float64(i+2)*every))+1, n)

		ax, ay := xs[a], ys[a]
		best, bestArea := start, -1.0
		for j := start; j < end; j++ {
			area := math.Abs((ax-cx)*(ys[j]-ay)-(ax-xs[j])*(cy-ay)) * 0.5
			if area > bestArea {
				bestArea = area
				best = j
			}
		}

		out = append(out, best)
		a = best
	}

	return append(out, n-1)
}

// centroid averages points in [from, to), clipped to n. An empty range falls
// back to the last point.
func centroid(xs, ys []float64, from, to, n int) (float64, float64) {
	if to > n {
		to = n
	}
	if from >= to {
		return xs[n-1], ys[n-1]
	}

	var sx, sy float64
	for j := from; j < to; j++ {
		sx += xs[j]
		sy += ys[j]
	}
	cnt := float64(to - from)
	return sx / cnt, sy / cnt
}
