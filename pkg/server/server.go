// Package server provides the HTTP API: the metrics event stream, REST
// reads over the in-memory cache and the Prometheus endpoint.
package server

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aiplaybookin/monitoring-observability/pkg/hub"
	"github.com/aiplaybookin/monitoring-observability/pkg/lifecycle"
)

// Default step bounds for metric reads.
const (
	DefaultFromStep int64 = 0
	DefaultToStep   int64 = 10_000_000
)

const checkpointPrefix = "checkpoint_"

// Server handles HTTP requests.
type Server struct {
	hub      *hub.Hub
	broker   *Broker
	mux      *http.ServeMux
	logger   *zap.Logger
	registry *prometheus.Registry

	allowOrigin string
	shutdown    *lifecycle.ShutdownManager
	collectors  []prometheus.Collector
}

// Option configures a Server.
type Option func(*Server)

// WithAllowOrigin sets the CORS allowed origin. An empty origin disables
// CORS headers.
func WithAllowOrigin(origin string) Option {
	return func(s *Server) { s.allowOrigin = origin }
}

// WithShutdownManager rejects API requests once m starts draining.
func WithShutdownManager(m *lifecycle.ShutdownManager) Option {
	return func(s *Server) { s.shutdown = m }
}

// WithCollectors registers extra collectors on the /metrics endpoint.
func WithCollectors(cs ...prometheus.Collector) Option {
	return func(s *Server) { s.collectors = append(s.collectors, cs...) }
}

// Checkpoint is one checkpoint_* point of a run.
type Checkpoint struct {
	Metric    string  `json:"metric"`
	Step      int64   `json:"step"`
	Value     float64 `json:"value"`
	Timestamp float64 `json:"timestamp"`
}

// NewServer creates a new HTTP server over h and b.
func NewServer(h *hub.Hub, b *Broker, logger *zap.Logger, opts ...Option) *Server {
	s := &Server{
		hub:         h,
		broker:      b,
		mux:         http.NewServeMux(),
		logger:      logger.Named("server"),
		registry:    prometheus.NewRegistry(),
		allowOrigin: "*",
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registry.MustRegister(b.Metrics(), newHubVersionGauge(h))
	s.registry.MustRegister(s.collectors...)

	s.setupRoutes()
	return s
}

// setupRoutes configures HTTP handlers.
func (s *Server) setupRoutes() {
	api := http.NewServeMux()
	api.HandleFunc("GET /api/runs", s.handleRuns)
	api.HandleFunc("GET /api/metrics/{run}", s.handleMetrics)
	api.HandleFunc("GET /api/checkpoints/{run}", s.handleCheckpoints)
	api.HandleFunc("GET /api/health", s.handleHealth)

	var apiHandler http.Handler = gzhttp.GzipHandler(api)
	if s.shutdown != nil {
		apiHandler = s.shutdown.Middleware(apiHandler)
	}

	s.mux.Handle("/api/", apiHandler)
	s.mux.Handle("GET /stream", s.broker.Handler(s.hub))
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.allowOrigin != "" {
		w.Header().Set("Access-Control-Allow-Origin", s.allowOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	}

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	s.mux.ServeHTTP(w, r)
}

// handleRuns lists run metadata.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]any{"runs": s.hub.RunsMeta()})
}

// handleMetrics returns one cached series filtered by step and time.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run")
	q := r.URL.Query()

	metric := q.Get("metric")
	if metric == "" {
		jsonError(w, "metric is required", http.StatusBadRequest)
		return
	}

	fromStep, err := intParam(q.Get("from_step"), DefaultFromStep)
	if err != nil {
		jsonError(w, "invalid from_step", http.StatusBadRequest)
		return
	}
	toStep, err := intParam(q.Get("to_step"), DefaultToStep)
	if err != nil {
		jsonError(w, "invalid to_step", http.StatusBadRequest)
		return
	}

	ser, ok := s.hub.Series(runID, metric)
	if !ok {
		s.logger.Debug("Series not found", zap.String("run", runID), zap.String("metric", metric))
		jsonError(w, "unknown run or metric", http.StatusNotFound)
		return
	}
	ser = ser.StepRange(fromStep, toStep)

	if q.Has("from_time") || q.Has("to_time") {
		from, err := floatParam(q.Get("from_time"), 0)
		if err != nil {
			jsonError(w, "invalid from_time", http.StatusBadRequest)
			return
		}
		to, err := floatParam(q.Get("to_time"), float64(1<<53))
		if err != nil {
			jsonError(w, "invalid to_time", http.StatusBadRequest)
			return
		}
		ser = ser.Between(from, to)
	}

	jsonResponse(w, map[string]any{
		"run_id": runID,
		"metric": metric,
		"points": ser.Points(),
	})
}

// handleCheckpoints returns every checkpoint_* point of a run ordered by step.
func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run")

	checkpoints := []Checkpoint{}
	for _, metric := range s.hub.Metrics(runID) {
		if !strings.HasPrefix(metric, checkpointPrefix) {
			continue
		}
		ser, _ := s.hub.Series(runID, metric)
		for _, p := range ser.Points() {
			checkpoints = append(checkpoints, Checkpoint{
				Metric:    metric,
				Step:      p.Step,
				Value:     p.Value,
				Timestamp: p.Timestamp,
			})
		}
	}
	sort.SliceStable(checkpoints, func(i, j int) bool {
		return checkpoints[i].Step < checkpoints[j].Step
	})

	jsonResponse(w, map[string]any{
		"run_id":      runID,
		"checkpoints": checkpoints,
	})
}

// handleHealth reports liveness with the cache version and client count.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]any{
		"status":  "ok",
		"version": s.hub.Version(),
		"clients": s.broker.Clients(),
	})
}

func intParam(raw string, def int64) (int64, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func floatParam(raw string, def float64) (float64, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.ParseFloat(raw, 64)
}

// Helper functions

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// check interfaces
var (
	_ http.Handler = (*Server)(nil)
)
