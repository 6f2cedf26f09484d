package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failures(t *testing.T, m *Machine, n int) []time.Duration {
	t.Helper()

	out := make([]time.Duration, 0, n)
	for range n {
		d, ok := m.Failure()
		require.True(t, ok)
		out = append(out, d)
		require.True(t, m.Dial())
	}
	return out
}

func TestMachineBackoffSequence(t *testing.T) {
	t.Parallel()

	m := NewMachine(DefaultRetryFloor, DefaultRetryCeiling)
	assert.Equal(t, StatusConnecting, m.Status())

	s := time.Second
	assert.Equal(t,
		[]time.Duration{1 * s, 2 * s, 4 * s, 8 * s, 16 * s, 30 * s, 30 * s, 30 * s},
		failures(t, m, 8),
	)
}

func TestMachineResetOnSnapshot(t *testing.T) {
	t.Parallel()

	m := NewMachine(DefaultRetryFloor, DefaultRetryCeiling)
	failures(t, m, 3)

	m.SnapshotApplied()
	assert.Equal(t, StatusConnected, m.Status())

	d, ok := m.Failure()
	require.True(t, ok)
	assert.Equal(t, time.Second, d)
	assert.Equal(t, StatusDisconnected, m.Status())
}

func TestMachineDialDoesNotReset(t *testing.T) {
	t.Parallel()

	m := NewMachine(time.Second, time.Minute)
	failures(t, m, 2)

	// a connection that opens but fails before any snapshot keeps growing
	d, _ := m.Failure()
	assert.Equal(t, 4*time.Second, d)
}

func TestMachineTeardownIsTerminal(t *testing.T) {
	t.Parallel()

	m := NewMachine(DefaultRetryFloor, DefaultRetryCeiling)

	var seen []Status
	m.OnChange(func(s Status) { seen = append(seen, s) })

	m.SnapshotApplied()
	m.Teardown()
	assert.True(t, m.Closed())
	assert.Equal(t, StatusConnected, m.Status())

	assert.False(t, m.Dial())
	_, ok := m.Failure()
	assert.False(t, ok)
	m.SnapshotApplied()
	m.Teardown()

	assert.Equal(t, StatusConnected, m.Status(), "teardown keeps the last status")
	assert.Equal(t, []Status{StatusConnected}, seen)
}

func TestMachineBounds(t *testing.T) {
	t.Parallel()

	m := NewMachine(0, 0)
	d, ok := m.Failure()
	require.True(t, ok)
	assert.Equal(t, DefaultRetryFloor, d)

	d, _ = m.Failure()
	assert.Equal(t, DefaultRetryFloor, d, "ceiling clamps to floor")
}
