package decimate

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ramp(n int) ([]float64, []float64) {
	xs := make([]float64, n)
	ys := make([]float64, n)
	for i := range xs {
		xs[i] = float64(i)
		ys[i] = math.Sin(float64(i) / 10)
	}
	return xs, ys
}

func TestLTTBIdentity(t *testing.T) {
	t.Parallel()

	xs, ys := ramp(10)
	outX, outY := LTTB(xs, ys, 10)
	assert.Equal(t, xs, outX)
	assert.Equal(t, ys, outY)

	outX, outY = LTTB(xs, ys, 50)
	assert.Equal(t, xs, outX)
	assert.Equal(t, ys, outY)
}

func TestLTTBBounds(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		n, target int
	}{
		{4, 3},
		{11, 3},
		{100, 10},
		{101, 7},
		{4500, 4000},
		{5000, 2000},
		{12345, 999},
	} {
		xs, ys := ramp(tc.n)
		outX, outY := LTTB(xs, ys, tc.target)

		require.Len(t, outX, tc.target, "n=%d target=%d", tc.n, tc.target)
		require.Len(t, outY, tc.target)
		assert.Equal(t, xs[0], outX[0])
		assert.Equal(t, ys[0], outY[0])
		assert.Equal(t, xs[tc.n-1], outX[tc.target-1])
		assert.Equal(t, ys[tc.n-1], outY[tc.target-1])
	}
}

func TestIndicesStrictlyIncreasing(t *testing.T) {
	t.Parallel()

	xs, ys := ramp(777)
	idx := Indices(xs, ys, 50)
	require.Len(t, idx, 50)
	for i := 1; i < len(idx); i++ {
		assert.Less(t, idx[i-1], idx[i])
	}
}

func TestLTTBDeterministic(t *testing.T) {
	t.Parallel()

	xs, ys := ramp(1000)
	ax, ay := LTTB(xs, ys, 100)
	bx, by := LTTB(xs, ys, 100)
	assert.Equal(t, ax, bx)
	assert.Equal(t, ay, by)
}

func TestLTTBKeepsSpike(t *testing.T) {
	t.Parallel()

	n := 1000
	xs := make([]float64, n)
	ys := make([]float64, n)
	for i := range xs {
		xs[i] = float64(i)
	}
	ys[500] = 100

	outX, outY := LTTB(xs, ys, 20)
	assert.Contains(t, outX, 500.0)
	assert.Contains(t, outY, 100.0)
}

func TestIndicesSmallTarget(t *testing.T) {
	t.Parallel()

	xs, ys := ramp(10)
	idx := Indices(xs, ys, 1)
	assert.Len(t, idx, MinTarget)
	assert.Equal(t, 0, idx[0])
	assert.Equal(t, 9, idx[len(idx)-1])
}
