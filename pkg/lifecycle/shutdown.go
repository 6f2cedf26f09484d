// Package lifecycle provides graceful shutdown and lifecycle management.
// Ensures in-flight operations complete before shutdown.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Closer interface for services that need cleanup.
type Closer interface {
	Close() error
}

// CloserFunc adapts a function to Closer.
type CloserFunc func() error

// Close implements Closer.
func (f CloserFunc) Close() error {
	return f()
}

// ShutdownManager manages graceful shutdown of services.
type ShutdownManager struct {
	mu sync.Mutex

	drainTimeout time.Duration
	draining     bool

	// In-flight tracking
	inFlight      sync.WaitGroup
	inFlightCount int64

	closers []namedCloser
	logger  *zap.Logger

	done chan struct{}
}

type namedCloser struct {
	name string
	c    Closer
}

// DefaultDrainTimeout bounds how long Shutdown waits for in-flight requests.
const DefaultDrainTimeout = 10 * time.Second

// NewShutdownManager creates a new shutdown manager.
func NewShutdownManager(drainTimeout time.Duration, logger *zap.Logger) *ShutdownManager {
	if drainTimeout <= 0 {
		drainTimeout = DefaultDrainTimeout
	}
	return &ShutdownManager{
		drainTimeout: drainTimeout,
		logger:       logger.Named("lifecycle"),
		done:         make(chan struct{}),
	}
}

// RegisterCloser adds a service to be closed during shutdown. Closers run
// in reverse registration order.
func (m *ShutdownManager) RegisterCloser(name string, c Closer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closers = append(m.closers, namedCloser{name: name, c: c})
}

// StartRequest marks the start of an in-flight request.
// Returns false if we're draining and the request should be rejected.
func (m *ShutdownManager) StartRequest() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.draining {
		return false
	}
	m.inFlightCount++
	m.inFlight.Add(1)
	return true
}

// EndRequest marks the end of an in-flight request.
func (m *ShutdownManager) EndRequest() {
	m.mu.Lock()
	m.inFlightCount--
	m.mu.Unlock()

	m.inFlight.Done()
}

// InFlightCount returns the number of in-flight requests.
func (m *ShutdownManager) InFlightCount() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inFlightCount
}

// IsHealthy returns whether the service accepts new work.
func (m *ShutdownManager) IsHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.draining
}

// Shutdown stops accepting requests, waits for in-flight ones up to the
// drain timeout and closes every registered service.
func (m *ShutdownManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return nil // Already shutting down
	}
	m.draining = true
	closers := m.closers
	m.mu.Unlock()

	drainDone := make(chan struct{})
	go func() {
		m.inFlight.Wait()
		close(drainDone)
	}()

	timer := time.NewTimer(m.drainTimeout)
	defer timer.Stop()

	select {
	case <-drainDone:
	case <-timer.C:
		m.logger.Warn("Drain timeout reached", zap.Int64("in_flight", m.InFlightCount()))
	case <-ctx.Done():
	}

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		nc := closers[i]
		if err := nc.c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", nc.name, err))
			continue
		}
		m.logger.Debug("Closed", zap.String("service", nc.name))
	}

	close(m.done)
	return errors.Join(errs...)
}

// Wait blocks until shutdown is complete.
func (m *ShutdownManager) Wait() {
	<-m.done
}

// Middleware rejects requests with 503 once draining and tracks the rest
// as in-flight.
func (m *ShutdownManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.StartRequest() {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		defer m.EndRequest()
		next.ServeHTTP(w, r)
	})
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
