// Package poller moves new points from a source into the hub and
// broadcasts the resulting deltas and run metadata.
package poller

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aiplaybookin/monitoring-observability/pkg/hub"
	"github.com/aiplaybookin/monitoring-observability/pkg/source"
	"github.com/aiplaybookin/monitoring-observability/pkg/telemetry"
	"github.com/aiplaybookin/monitoring-observability/pkg/wire"
)

// Default intervals.
const (
	DefaultInterval         = 5 * time.Second
	DefaultRunsMetaInterval = 30 * time.Second
)

// Publisher broadcasts named events to stream subscribers.
type Publisher interface {
	Publish(event string, payload any)
}

// Config configures the poll loops.
type Config struct {
	Interval         time.Duration
	RunsMetaInterval time.Duration
}

// Poller runs the point and run-metadata loops.
type Poller struct {
	src     source.Source
	hub     *hub.Hub
	pub     Publisher
	cfg     Config
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *Metrics
}

// New creates a poller. The tracer may come from a disabled provider.
func New(src source.Source, h *hub.Hub, pub Publisher, cfg Config, logger *zap.Logger, tracer trace.Tracer) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.RunsMetaInterval <= 0 {
		cfg.RunsMetaInterval = DefaultRunsMetaInterval
	}
	return &Poller{
		src:     src,
		hub:     h,
		pub:     pub,
		cfg:     cfg,
		logger:  logger.Named("poller"),
		tracer:  tracer,
		metrics: NewMetrics(),
	}
}

// Metrics returns the poller's collectors.
func (p *Poller) Metrics() *Metrics {
	return p.metrics
}

// Run polls until ctx is cancelled. Source errors are logged and retried
// on the next tick.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("Poller started",
		zap.String("source", p.src.Name()),
		zap.Duration("interval", p.cfg.Interval),
		zap.Duration("runs_meta_interval", p.cfg.RunsMetaInterval),
	)

	var wake <-chan string
	if w, ok := p.src.(source.Waker); ok {
		wake = w.Wake()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return loop(ctx, p.cfg.Interval, wake, func() { _ = p.PollOnce(ctx) })
	})
	g.Go(func() error {
		return loop(ctx, p.cfg.RunsMetaInterval, nil, func() { _ = p.RefreshRunsMeta(ctx) })
	})
	return g.Wait()
}

// loop calls fn immediately, then on every tick or wake-up.
func loop(ctx context.Context, interval time.Duration, wake <-chan string, fn func()) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		fn()

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-wake:
		}
	}
}

// PollOnce fetches new points, merges them into the hub and publishes the
// delta. Nothing is published when the source has no new points.
func (p *Poller) PollOnce(ctx context.Context) error {
	ctx, span := p.tracer.Start(ctx, "poller.poll")
	defer span.End()

	start := time.Now()
	points, err := p.src.Fetch(ctx)
	p.metrics.PollDuration.WithLabelValues("points").Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() == nil {
			p.metrics.Errors.WithLabelValues("points").Inc()
			p.logger.Error("Poll failed", zap.Error(err))
		}
		telemetry.RecordError(span, err)
		return err
	}

	n := points.Count()
	span.SetAttributes(attribute.Int("points", n), attribute.Int("runs", len(points)))

	delta, ok := p.hub.Update(points)
	if !ok {
		p.logger.Debug("Poll: no new data")
		return nil
	}
	p.metrics.Points.Add(float64(n))
	p.pub.Publish(wire.EventDelta, delta)

	span.SetAttributes(attribute.Int64("version", delta.Version))
	p.logger.Info("Poll complete",
		zap.Int64("version", delta.Version),
		zap.Int("runs", len(points)),
		zap.Int("points", n),
	)
	return nil
}

// RefreshRunsMeta reloads run metadata and publishes it.
func (p *Poller) RefreshRunsMeta(ctx context.Context) error {
	ctx, span := p.tracer.Start(ctx, "poller.runs_meta")
	defer span.End()

	start := time.Now()
	runs, err := p.src.RunsMeta(ctx)
	p.metrics.PollDuration.WithLabelValues("runs_meta").Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() == nil {
			p.metrics.Errors.WithLabelValues("runs_meta").Inc()
			p.logger.Error("Runs-meta refresh failed", zap.Error(err))
		}
		telemetry.RecordError(span, err)
		return err
	}
	if runs == nil {
		runs = []wire.RunInfo{}
	}

	p.hub.SetRunsMeta(runs)
	p.pub.Publish(wire.EventRunsMeta, wire.RunsMeta{RunsMeta: runs})

	span.SetAttributes(attribute.Int("runs", len(runs)))
	p.logger.Debug("Runs-meta refresh", zap.Int("runs", len(runs)))
	return nil
}
