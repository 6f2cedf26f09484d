// Package stream keeps a state.Store in sync with a server-sent event
// stream of metric snapshots and deltas, reconnecting with exponential
// backoff when the transport fails.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/aiplaybookin/monitoring-observability/pkg/state"
	"github.com/aiplaybookin/monitoring-observability/pkg/wire"
)

// ErrUnexpectedStatus is returned when the stream endpoint answers with a
// non-200 status.
var ErrUnexpectedStatus = errors.New("unexpected response status")

var errClosedByServer = errors.New("stream closed by server")

// Manager owns the subscription to one stream URL.
type Manager struct {
	url     string
	store   *state.Store
	client  *http.Client
	logger  *zap.Logger
	machine *Machine

	floor, ceiling time.Duration
	hook           func(Status)

	// wait blocks for d or until ctx is done.
	wait func(ctx context.Context, d time.Duration) error

	malformed atomic.Int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient sets the client used to open the stream. It must not set
// an overall request timeout, since the stream is long-lived.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// WithRetry sets the retry delay bounds.
func WithRetry(floor, ceiling time.Duration) Option {
	return func(m *Manager) { m.floor, m.ceiling = floor, ceiling }
}

// WithStatusHook registers fn to receive every status change.
func WithStatusHook(fn func(Status)) Option {
	return func(m *Manager) { m.hook = fn }
}

// NewManager creates a manager that feeds events from url into store.
func NewManager(url string, store *state.Store, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		url:     url,
		store:   store,
		client:  &http.Client{},
		logger:  logger.Named("stream"),
		floor:   DefaultRetryFloor,
		ceiling: DefaultRetryCeiling,
		wait:    sleep,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.machine = NewMachine(m.floor, m.ceiling)
	if m.hook != nil {
		m.machine.OnChange(m.hook)
	}
	return m
}

// Status returns the current connection status.
func (m *Manager) Status() Status {
	return m.machine.Status()
}

// Malformed returns the number of events dropped because their payload
// could not be decoded.
func (m *Manager) Malformed() int64 {
	return m.malformed.Load()
}

// Run connects and keeps the store in sync until ctx is cancelled. It
// returns nil after teardown; nothing is dispatched and the status does not
// change once Run has returned.
func (m *Manager) Run(ctx context.Context) error {
	defer m.machine.Teardown()

	for {
		if ctx.Err() != nil || !m.machine.Dial() {
			return nil
		}

		m.logger.Debug("Connecting", zap.String("url", m.url))
		err := m.session(ctx)
		if ctx.Err() != nil {
			return nil
		}

		delay, ok := m.machine.Failure()
		if !ok {
			return nil
		}
		m.logger.Warn("Stream disconnected", zap.Error(err), zap.Duration("retry_in", delay))

		if err := m.wait(ctx, delay); err != nil {
			return nil
		}
	}
}

func (m *Manager) session(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status)
	}

	sc := NewScanner(resp.Body)
	for sc.Next() {
		m.dispatch(sc.Event())
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("failed to read stream: %w", err)
	}
	return errClosedByServer
}

func (m *Manager) dispatch(ev Event) {
	switch ev.Name {
	case wire.EventSnapshot:
		var snap wire.Snapshot
		if err := decode(ev.Data, &snap); err != nil {
			m.drop(ev, err)
			return
		}
		m.store.ApplySnapshot(snap)
		m.machine.SnapshotApplied()
		m.logger.Info("Snapshot applied",
			zap.Int64("version", snap.Version),
			zap.Int("runs", len(snap.Runs)),
			zap.Int("points", snap.Runs.Count()),
		)

	case wire.EventDelta:
		var d wire.Delta
		if err := decode(ev.Data, &d); err != nil {
			m.drop(ev, err)
			return
		}
		if err := m.store.ApplyDelta(d); err != nil {
			m.logger.Debug("Delta skipped", zap.Int64("version", d.Version), zap.Error(err))
		}

	case wire.EventRunsMeta:
		var rm wire.RunsMeta
		if err := decode(ev.Data, &rm); err != nil {
			m.drop(ev, err)
			return
		}
		m.store.ApplyRunsMeta(rm.RunsMeta)

	default:
		m.logger.Debug("Ignoring event", zap.String("event", ev.Name))
	}
}

type validator interface {
	Validate() error
}

// decode unmarshals data into v and rejects payloads missing required
// fields, such as a literal null.
func decode(data string, v validator) error {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return err
	}
	return v.Validate()
}

func (m *Manager) drop(ev Event, err error) {
	m.malformed.Add(1)
	m.logger.Warn("Dropping malformed event", zap.String("event", ev.Name), zap.Error(err))
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
