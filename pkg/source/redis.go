package source

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aiplaybookin/monitoring-observability/pkg/wire"
)

// RedisConfig configures the Redis stream source.
type RedisConfig struct {
	// Address is the Redis server address (e.g., "localhost:6379")
	Address string

	// Password for Redis authentication (optional)
	Password string

	// Database number to use (default: 0)
	Database int

	// Stream is the key of the stream training jobs XADD records to.
	Stream string

	// BatchSize caps the entries read per XREAD call.
	BatchSize int64

	// Timeout for Redis operations
	Timeout time.Duration

	// ActiveWindow decides which runs are reported active.
	ActiveWindow time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig(address string) RedisConfig {
	return RedisConfig{
		Address:      address,
		Stream:       "trainwatch:metrics",
		BatchSize:    5000,
		Timeout:      5 * time.Second,
		ActiveWindow: DefaultActiveWindow,
	}
}

// Redis reads records from a Redis stream. Each entry either carries a
// JSON record in its "data" field or the record fields directly.
type Redis struct {
	cfg     RedisConfig
	client  *redis.Client
	tracker *Tracker
	logger  *zap.Logger
	now     func() time.Time

	lastID string
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig, logger *zap.Logger) (*Redis, error) {
	if cfg.Stream == "" {
		return nil, errors.New("redis stream key is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.ActiveWindow <= 0 {
		cfg.ActiveWindow = DefaultActiveWindow
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	// Test connection
	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Redis{
		cfg:     cfg,
		client:  client,
		tracker: NewTracker(),
		logger:  logger.Named("source.redis"),
		now:     time.Now,
		lastID:  "0",
	}, nil
}

// Name implements Source.
func (s *Redis) Name() string {
	return "redis"
}

// Fetch implements Source. It drains every entry added after the last one
// read, without blocking.
func (s *Redis) Fetch(ctx context.Context) (wire.RunPoints, error) {
	out := make(wire.RunPoints)
	now := s.now()

	for {
		readCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		res, err := s.client.XRead(readCtx, &redis.XReadArgs{
			Streams: []string{s.cfg.Stream, s.lastID},
			Count:   s.cfg.BatchSize,
			Block:   -1,
		}).Result()
		cancel()

		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read stream %q: %w", s.cfg.Stream, err)
		}

		var n int
		for _, stream := range res {
			for _, msg := range stream.Messages {
				n++
				s.lastID = msg.ID
				if err := decodeEntry(msg.Values, out, now); err != nil {
					s.logger.Warn("Skipping malformed entry", zap.String("id", msg.ID), zap.Error(err))
				}
			}
		}
		if int64(n) < s.cfg.BatchSize {
			break
		}
	}

	s.tracker.Observe(out)
	return out, nil
}

// decodeEntry adds the points of one stream entry to rp.
func decodeEntry(values map[string]any, rp wire.RunPoints, now time.Time) error {
	if data, ok := values["data"]; ok {
		rec, err := ParseRecord([]byte(fmt.Sprint(data)))
		if err != nil {
			return err
		}
		return rec.AddTo(rp, now)
	}

	str := func(k string) string {
		v, ok := values[k]
		if !ok {
			return ""
		}
		return fmt.Sprint(v)
	}

	rec := Record{RunID: str("run_id"), Metric: str("metric")}

	var err error
	if s := str("step"); s != "" {
		if rec.Step, err = strconv.ParseInt(s, 10, 64); err != nil {
			return fmt.Errorf("%w: step: %w", ErrInvalidRecord, err)
		}
	}
	if s := str("value"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("%w: value: %w", ErrInvalidRecord, err)
		}
		rec.Value = &v
	}
	if s := str("timestamp"); s != "" {
		if rec.Timestamp, err = strconv.ParseFloat(s, 64); err != nil {
			return fmt.Errorf("%w: timestamp: %w", ErrInvalidRecord, err)
		}
	}
	return rec.AddTo(rp, now)
}

// RunsMeta implements Source.
func (s *Redis) RunsMeta(context.Context) ([]wire.RunInfo, error) {
	return s.tracker.Runs(s.now(), s.cfg.ActiveWindow), nil
}

// Close implements Source.
func (s *Redis) Close() error {
	return s.client.Close()
}
