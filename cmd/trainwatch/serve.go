package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aiplaybookin/monitoring-observability/pkg/config"
	"github.com/aiplaybookin/monitoring-observability/pkg/hub"
	"github.com/aiplaybookin/monitoring-observability/pkg/lifecycle"
	"github.com/aiplaybookin/monitoring-observability/pkg/poller"
	"github.com/aiplaybookin/monitoring-observability/pkg/server"
	"github.com/aiplaybookin/monitoring-observability/pkg/source"
	"github.com/aiplaybookin/monitoring-observability/pkg/telemetry"
	"github.com/aiplaybookin/monitoring-observability/pkg/watch"
)

var (
	servePort     int
	serveHost     string
	serveSource   string
	serveDuckDB   string
	serveJSONL    string
	serveRedis    string
	serveInterval time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Publish metric points as an SSE stream",
	Long: `Poll a metric source and publish new points to stream subscribers.

Endpoints:
  GET /stream                  snapshot, then delta and runs_meta events
  GET /api/runs                run metadata
  GET /api/metrics/{run}       one series (?metric=&from_step=&to_step=&from_time=&to_time=)
  GET /api/checkpoints/{run}   checkpoint_* points
  GET /api/health              status, version and client count
  GET /metrics                 Prometheus metrics

Examples:
  trainwatch serve                                   # DuckDB file metrics.duckdb
  trainwatch serve --source jsonl --jsonl run.jsonl  # follow a JSONL file
  trainwatch serve --source redis --redis host:6379  # read a Redis stream`,
	RunE: runServe,
}

func init() {
	d := config.Default()

	serveCmd.Flags().IntVarP(&servePort, "port", "p", d.Server.Port, "Port to listen on")
	serveCmd.Flags().StringVar(&serveHost, "host", d.Server.Host, "Host to bind to")
	serveCmd.Flags().StringVar(&serveSource, "source", d.Source.Kind, "Point source: duckdb, jsonl, redis")
	serveCmd.Flags().StringVar(&serveDuckDB, "duckdb", d.Source.DuckDB.Path, "DuckDB database file")
	serveCmd.Flags().StringVar(&serveJSONL, "jsonl", d.Source.JSONL.Path, "JSONL metrics file")
	serveCmd.Flags().StringVar(&serveRedis, "redis", d.Source.Redis.Address, "Redis address")
	serveCmd.Flags().DurationVar(&serveInterval, "interval", d.Poller.Interval, "Poll interval")

	rootCmd.AddCommand(serveCmd)
}

// applyServeFlags copies explicitly set flags over the loaded config.
func applyServeFlags(cmd *cobra.Command, c *config.Config) {
	f := cmd.Flags()
	if f.Changed("port") {
		c.Server.Port = servePort
	}
	if f.Changed("host") {
		c.Server.Host = serveHost
	}
	if f.Changed("source") {
		c.Source.Kind = serveSource
	}
	if f.Changed("duckdb") {
		c.Source.DuckDB.Path = serveDuckDB
	}
	if f.Changed("jsonl") {
		c.Source.JSONL.Path = serveJSONL
	}
	if f.Changed("redis") {
		c.Source.Redis.Address = serveRedis
	}
	if f.Changed("interval") {
		c.Poller.Interval = serveInterval
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	applyServeFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := lifecycle.SignalContext(cmd.Context())
	defer stop()

	otlp := telemetry.DefaultOTLPConfig(cfg.Telemetry.ServiceName)
	otlp.Enabled = cfg.Telemetry.Enabled
	otlp.Endpoint = cfg.Telemetry.Endpoint
	otlp.InsecureTLS = cfg.Telemetry.Insecure
	otlp.SamplingRatio = cfg.Telemetry.SamplingRatio
	otlp.ServiceVersion = version

	provider, err := telemetry.Setup(ctx, otlp)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}

	shutdown := lifecycle.NewShutdownManager(cfg.Server.DrainTimeout, logger)
	shutdown.RegisterCloser("telemetry", lifecycle.CloserFunc(func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return provider.Shutdown(sctx)
	}))

	g, ctx := errgroup.WithContext(ctx)

	src, err := openSource(ctx, g, cfg.Source, cfg.Poller.ActiveWindow)
	if err != nil {
		_ = shutdown.Shutdown(context.Background())
		return err
	}
	shutdown.RegisterCloser("source", src)

	h := hub.New(cfg.Hub.SeriesCap)
	broker := server.NewBroker(logger)
	p := poller.New(src, h, broker, poller.Config{
		Interval:         cfg.Poller.Interval,
		RunsMetaInterval: cfg.Poller.RunsMetaInterval,
	}, logger, provider.Tracer())

	srv := server.NewServer(h, broker, logger,
		server.WithAllowOrigin(cfg.Server.CORSOrigin),
		server.WithShutdownManager(shutdown),
		server.WithCollectors(p.Metrics()),
	)

	addr := cfg.Server.Addr()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0, // Disable for SSE
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		_ = shutdown.Shutdown(context.Background())
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	logger.Info("Serving",
		zap.String("addr", "http://"+listener.Addr().String()),
		zap.String("source", src.Name()),
		zap.Bool("tracing", provider.Enabled()),
	)

	g.Go(func() error {
		if err := httpServer.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return p.Run(ctx)
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.DrainTimeout)
		defer cancel()

		err := httpServer.Shutdown(sctx)
		return errors.Join(err, shutdown.Shutdown(sctx))
	})

	return g.Wait()
}

// openSource builds the configured source. Background work it needs runs
// in g.
func openSource(ctx context.Context, g *errgroup.Group, c config.SourceConfig, window time.Duration) (source.Source, error) {
	switch c.Kind {
	case config.SourceDuckDB:
		dc := source.DefaultDuckDBConfig(c.DuckDB.Path)
		if c.DuckDB.Table != "" {
			dc.Table = c.DuckDB.Table
		}
		dc.ActiveWindow = window
		return source.OpenDuckDB(ctx, dc, logger)

	case config.SourceJSONL:
		w, err := watch.NewWatcher(c.JSONL.Debounce, logger)
		if err != nil {
			return nil, err
		}
		if err = w.Watch(c.JSONL.Path); err != nil {
			_ = w.Close()
			return nil, err
		}
		g.Go(func() error { return w.Run(ctx) })
		return source.NewJSONL(c.JSONL.Path, window, w, logger), nil

	case config.SourceRedis:
		rc := source.DefaultRedisConfig(c.Redis.Address)
		rc.Password = c.Redis.Password
		rc.Database = c.Redis.Database
		if c.Redis.Stream != "" {
			rc.Stream = c.Redis.Stream
		}
		rc.ActiveWindow = window
		return source.NewRedis(ctx, rc, logger)

	default:
		return nil, fmt.Errorf("unknown source kind %q", c.Kind)
	}
}
