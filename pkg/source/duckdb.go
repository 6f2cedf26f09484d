package source

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	_ "github.com/marcboeker/go-duckdb"
	"go.uber.org/zap"

	"github.com/aiplaybookin/monitoring-observability/pkg/wire"
)

// DefaultTable is the table holding metric points.
const DefaultTable = "metric_points"

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// DuckDBConfig configures the DuckDB source.
type DuckDBConfig struct {
	// Path is the database file; empty opens an in-memory database.
	Path string

	// Table has columns run_id, metric, step, value, event_time.
	Table string

	// ActiveWindow decides which runs are reported active.
	ActiveWindow time.Duration
}

// DefaultDuckDBConfig returns sensible defaults.
func DefaultDuckDBConfig(path string) DuckDBConfig {
	return DuckDBConfig{
		Path:         path,
		Table:        DefaultTable,
		ActiveWindow: DefaultActiveWindow,
	}
}

// DuckDB reads points from a metric_points table.
type DuckDB struct {
	db     *sql.DB
	cfg    DuckDBConfig
	logger *zap.Logger
	now    func() time.Time

	// since is the newest event_time returned so far.
	since  time.Time
	primed bool
}

// OpenDuckDB opens the database at cfg.Path.
func OpenDuckDB(ctx context.Context, cfg DuckDBConfig, logger *zap.Logger) (*DuckDB, error) {
	db, err := sql.Open("duckdb", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize DuckDB: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open %q: %w", cfg.Path, err)
	}

	s, err := NewDuckDB(db, cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewDuckDB creates a source over an existing connection.
func NewDuckDB(db *sql.DB, cfg DuckDBConfig, logger *zap.Logger) (*DuckDB, error) {
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	if !identRe.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid table name %q", cfg.Table)
	}
	if cfg.ActiveWindow <= 0 {
		cfg.ActiveWindow = DefaultActiveWindow
	}

	return &DuckDB{
		db:     db,
		cfg:    cfg,
		logger: logger.Named("source.duckdb"),
		now:    time.Now,
	}, nil
}

// Name implements Source.
func (s *DuckDB) Name() string {
	return "duckdb"
}

// Fetch implements Source. The first call loads every run; later calls
// return only points newer than the newest one already returned.
func (s *DuckDB) Fetch(ctx context.Context) (wire.RunPoints, error) {
	query := fmt.Sprintf(
		"SELECT run_id, metric, step, value, event_time FROM %s "+
			"WHERE event_time > ? ORDER BY run_id, step", s.cfg.Table)

	since := s.since
	if !s.primed {
		since = time.Unix(0, 0).UTC()
	}

	rows, err := s.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query points: %w", err)
	}
	defer rows.Close()

	out := make(wire.RunPoints)
	newest := s.since
	for rows.Next() {
		var (
			runID, metric string
			step          int64
			value         float64
			eventTime     time.Time
		)
		if err := rows.Scan(&runID, &metric, &step, &value, &eventTime); err != nil {
			return nil, fmt.Errorf("failed to scan point: %w", err)
		}
		out.Add(runID, metric, wire.Point{Step: step, Value: value, Timestamp: unixSeconds(eventTime)})
		if eventTime.After(newest) {
			newest = eventTime
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read points: %w", err)
	}

	if !s.primed {
		s.logger.Info("Initial poll", zap.Int("runs", len(out)), zap.Int("points", out.Count()))
	}
	s.primed = true
	s.since = newest
	return out, nil
}

// RunsMeta implements Source.
func (s *DuckDB) RunsMeta(ctx context.Context) ([]wire.RunInfo, error) {
	query := fmt.Sprintf(
		"SELECT run_id, min(event_time), max(event_time), max(step) FROM %s "+
			"GROUP BY run_id ORDER BY max(event_time) DESC, run_id", s.cfg.Table)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	now := s.now()
	var runs []wire.RunInfo
	for rows.Next() {
		var (
			r           wire.RunInfo
			first, last time.Time
		)
		if err := rows.Scan(&r.RunID, &first, &last, &r.LatestStep); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.StartTime = unixSeconds(first)
		r.LastEventTime = unixSeconds(last)
		r.IsActive = isActive(now, r.LastEventTime, s.cfg.ActiveWindow)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read runs: %w", err)
	}
	return runs, nil
}

// Close implements Source.
func (s *DuckDB) Close() error {
	return s.db.Close()
}
