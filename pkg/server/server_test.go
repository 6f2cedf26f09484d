package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aiplaybookin/monitoring-observability/pkg/hub"
	"github.com/aiplaybookin/monitoring-observability/pkg/lifecycle"
	"github.com/aiplaybookin/monitoring-observability/pkg/stream"
	"github.com/aiplaybookin/monitoring-observability/pkg/wire"
)

func newTestServer(t *testing.T, opts ...Option) (*Server, *hub.Hub, *Broker) {
	t.Helper()

	logger := zaptest.NewLogger(t)
	h := hub.New(0)
	b := NewBroker(logger)
	return NewServer(h, b, logger, opts...), h, b
}

func seed(h *hub.Hub) {
	h.Update(wire.RunPoints{
		"run-1": {
			"train_loss": {
				{Step: 1, Value: 2.0, Timestamp: 100},
				{Step: 2, Value: 1.5, Timestamp: 110},
				{Step: 3, Value: 1.2, Timestamp: 120},
			},
			"checkpoint_saved": {
				{Step: 3, Value: 1, Timestamp: 120},
			},
			"checkpoint_eval": {
				{Step: 1, Value: 0.4, Timestamp: 100},
			},
		},
	})
	h.SetRunsMeta([]wire.RunInfo{{RunID: "run-1", LatestStep: 3, IsActive: true}})
}

func get(t *testing.T, s *Server, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), "body: %s", w.Body.String())
	return w, resp
}

func TestServer_Health(t *testing.T) {
	t.Parallel()

	s, h, _ := newTestServer(t)
	seed(h)

	w, resp := get(t, s, "/api/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, float64(1), resp["version"])
	assert.Equal(t, float64(0), resp["clients"])
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_Runs(t *testing.T) {
	t.Parallel()

	s, h, _ := newTestServer(t)

	_, resp := get(t, s, "/api/runs")
	assert.Equal(t, []any{}, resp["runs"])

	seed(h)
	_, resp = get(t, s, "/api/runs")
	runs := resp["runs"].([]any)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].(map[string]any)["run_id"])
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	s, h, _ := newTestServer(t)
	seed(h)

	for name, tc := range map[string]struct {
		target string
		code   int
		points []any
	}{
		"All": {
			target: "/api/metrics/run-1?metric=train_loss",
			code:   http.StatusOK,
			points: []any{
				[]any{1.0, 2.0, 100.0},
				[]any{2.0, 1.5, 110.0},
				[]any{3.0, 1.2, 120.0},
			},
		},
		"StepRange": {
			target: "/api/metrics/run-1?metric=train_loss&from_step=2&to_step=2",
			code:   http.StatusOK,
			points: []any{[]any{2.0, 1.5, 110.0}},
		},
		"TimeRange": {
			target: "/api/metrics/run-1?metric=train_loss&from_time=105",
			code:   http.StatusOK,
			points: []any{[]any{2.0, 1.5, 110.0}, []any{3.0, 1.2, 120.0}},
		},
		"MissingMetric": {
			target: "/api/metrics/run-1",
			code:   http.StatusBadRequest,
		},
		"BadStep": {
			target: "/api/metrics/run-1?metric=train_loss&from_step=x",
			code:   http.StatusBadRequest,
		},
		"UnknownRun": {
			target: "/api/metrics/nope?metric=train_loss",
			code:   http.StatusNotFound,
		},
		"UnknownMetric": {
			target: "/api/metrics/run-1?metric=nope",
			code:   http.StatusNotFound,
		},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			w, resp := get(t, s, tc.target)
			require.Equal(t, tc.code, w.Code)

			if tc.code != http.StatusOK {
				assert.NotEmpty(t, resp["error"])
				return
			}
			assert.Equal(t, "run-1", resp["run_id"])
			assert.Equal(t, "train_loss", resp["metric"])
			assert.Equal(t, tc.points, resp["points"])
		})
	}
}

func TestServer_Checkpoints(t *testing.T) {
	t.Parallel()

	s, h, _ := newTestServer(t)
	seed(h)

	_, resp := get(t, s, "/api/checkpoints/run-1")
	assert.Equal(t, "run-1", resp["run_id"])

	checkpoints := resp["checkpoints"].([]any)
	require.Len(t, checkpoints, 2)
	assert.Equal(t, "checkpoint_eval", checkpoints[0].(map[string]any)["metric"])
	assert.Equal(t, "checkpoint_saved", checkpoints[1].(map[string]any)["metric"])

	_, resp = get(t, s, "/api/checkpoints/unknown")
	assert.Equal(t, []any{}, resp["checkpoints"])
}

func TestServer_Gzip(t *testing.T) {
	t.Parallel()

	s, h, _ := newTestServer(t)
	for step := int64(1); step <= 500; step++ {
		h.Update(wire.RunPoints{"run-1": {"loss": {{Step: step, Value: 1, Timestamp: float64(step)}}}})
	}

	req := httptest.NewRequest(http.MethodGet, "/api/metrics/run-1?metric=loss", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
}

func TestServer_Draining(t *testing.T) {
	t.Parallel()

	m := lifecycle.NewShutdownManager(time.Second, zaptest.NewLogger(t))
	s, _, _ := newTestServer(t, WithShutdownManager(m))

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, m.Shutdown(context.Background()))

	w = httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServer_Prometheus(t *testing.T) {
	t.Parallel()

	s, h, _ := newTestServer(t)
	seed(h)

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "trainwatch_hub_version 1")
	assert.Contains(t, w.Body.String(), "trainwatch_stream_clients 0")
}

func TestStreamSnapshotFirst(t *testing.T) {
	t.Parallel()

	s, h, b := newTestServer(t)
	seed(h)

	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream"))

	sc := stream.NewScanner(resp.Body)
	require.True(t, sc.Next())
	require.Equal(t, wire.EventSnapshot, sc.Event().Name)

	var snap wire.Snapshot
	require.NoError(t, json.Unmarshal([]byte(sc.Event().Data), &snap))
	assert.Equal(t, int64(1), snap.Version)
	assert.Len(t, snap.Runs["run-1"]["train_loss"], 3)
	assert.Equal(t, "run-1", snap.RunsMeta[0].RunID)
	assert.Equal(t, 1, b.Clients())

	delta, ok := h.Update(wire.RunPoints{"run-1": {"train_loss": {{Step: 4, Value: 1.1, Timestamp: 130}}}})
	require.True(t, ok)
	b.Publish(wire.EventDelta, delta)

	require.True(t, sc.Next())
	require.Equal(t, wire.EventDelta, sc.Event().Name)

	var got wire.Delta
	require.NoError(t, json.Unmarshal([]byte(sc.Event().Data), &got))
	assert.Equal(t, delta, got)

	cancel()
	require.Eventually(t, func() bool { return b.Clients() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestBrokerDropsFullSubscriber(t *testing.T) {
	t.Parallel()

	b := NewBroker(zaptest.NewLogger(t))
	slow := b.subscribe()
	fast := b.subscribe()

	for i := 0; i < SubscriberBuffer; i++ {
		b.Publish(wire.EventRunsMeta, wire.RunsMeta{})
		<-fast.ch
	}
	assert.Equal(t, 2, b.Clients())

	b.Publish(wire.EventRunsMeta, wire.RunsMeta{})
	assert.Equal(t, 1, b.Clients())
	assert.Equal(t, float64(1), testutil.ToFloat64(b.Metrics().Dropped))
	assert.Equal(t, float64(SubscriberBuffer+1), testutil.ToFloat64(b.Metrics().Published.WithLabelValues(wire.EventRunsMeta)))

	n := 0
	for range slow.ch {
		n++
	}
	assert.Equal(t, SubscriberBuffer, n, "buffered events drain before close")

	b.unsubscribe(slow)
	b.unsubscribe(fast)
	assert.Equal(t, 0, b.Clients())
}

func TestStreamKeepalive(t *testing.T) {
	t.Parallel()

	s, _, b := newTestServer(t)
	b.keepalive = 10 * time.Millisecond

	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	buf := make([]byte, 4096)
	var body strings.Builder
	require.Eventually(t, func() bool {
		n, _ := resp.Body.Read(buf)
		body.Write(buf[:n])
		return strings.Contains(body.String(), ": keepalive\n\n")
	}, 5*time.Second, time.Millisecond)
	assert.True(t, strings.HasPrefix(body.String(), "event: snapshot\n"))
}
