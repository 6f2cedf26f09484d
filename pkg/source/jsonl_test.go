package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func appendFile(t *testing.T, path, s string) {
	t.Helper()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(s)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestJSONLIncremental(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "metrics.jsonl")
	src := NewJSONL(path, 0, nil, zaptest.NewLogger(t))
	src.now = func() time.Time { return time.Unix(1010, 0) }
	t.Cleanup(func() { require.NoError(t, src.Close()) })

	got, err := src.Fetch(ctx)
	require.NoError(t, err)
	assert.Empty(t, got, "missing file yields nothing")
	assert.Nil(t, src.Wake())

	appendFile(t, path,
		`{"run_id":"a","metric":"loss","step":1,"value":2,"timestamp":1000}`+"\n"+
			"\n"+
			"not json\n"+
			`{"run_id":"a","metric":"loss","step":2,"value":1.5,"timestamp":1001}`+"\n"+
			`{"run_id":"b","metric":"lr","step":1,`)

	got, err = src.Fetch(ctx)
	require.NoError(t, err)
	require.Len(t, got["a"]["loss"], 2)
	assert.Nil(t, got["b"], "partial line is not consumed")

	appendFile(t, path, `"value":0.1,"timestamp":1002}`+"\n")

	got, err = src.Fetch(ctx)
	require.NoError(t, err)
	assert.Len(t, got["b"]["lr"], 1)
	assert.Nil(t, got["a"], "lines are read once")

	got, err = src.Fetch(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	runs, err := src.RunsMeta(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "b", runs[0].RunID)
	assert.Equal(t, int64(2), runs[1].LatestStep)
	assert.True(t, runs[1].IsActive)
}

func TestJSONLTruncation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "metrics.jsonl")
	src := NewJSONL(path, time.Minute, nil, zaptest.NewLogger(t))

	appendFile(t, path,
		`{"run_id":"a","metric":"loss","step":1,"value":2,"timestamp":1000}`+"\n"+
			`{"run_id":"a","metric":"loss","step":2,"value":1,"timestamp":1001}`+"\n")
	got, err := src.Fetch(ctx)
	require.NoError(t, err)
	require.Len(t, got["a"]["loss"], 2)

	require.NoError(t, os.WriteFile(path, []byte(`{"run_id":"c","metric":"loss","step":1,"value":3,"timestamp":5}`+"\n"), 0o644))

	got, err = src.Fetch(ctx)
	require.NoError(t, err)
	assert.Len(t, got["c"]["loss"], 1)
}
