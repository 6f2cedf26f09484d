package source

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiplaybookin/monitoring-observability/pkg/wire"
)

func TestDecodeEntry(t *testing.T) {
	t.Parallel()

	now := time.Unix(500, 0)
	rp := make(wire.RunPoints)

	require.NoError(t, decodeEntry(map[string]any{
		"run_id": "a", "metric": "loss", "step": "3", "value": "1.25", "timestamp": "400.5",
	}, rp, now))
	require.NoError(t, decodeEntry(map[string]any{
		"data": `{"run_id":"a","step":4,"metrics":{"loss":1.0}}`,
	}, rp, now))

	assert.Equal(t, []wire.Point{
		{Step: 3, Value: 1.25, Timestamp: 400.5},
		{Step: 4, Value: 1.0, Timestamp: 500},
	}, rp["a"]["loss"])

	err := decodeEntry(map[string]any{"run_id": "a", "metric": "loss", "step": "x", "value": "1"}, rp, now)
	require.ErrorIs(t, err, ErrInvalidRecord)

	err = decodeEntry(map[string]any{"run_id": "a", "metric": "loss", "step": "1"}, rp, now)
	require.ErrorIs(t, err, ErrInvalidRecord)
}
