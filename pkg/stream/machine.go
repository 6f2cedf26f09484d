package stream

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Status is the coarse connection status shown to users.
type Status string

// Connection statuses.
const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// Default retry bounds.
const (
	DefaultRetryFloor   = time.Second
	DefaultRetryCeiling = 30 * time.Second
)

// Machine is the reconnect state machine. Transitions are driven by
// discrete events and never by timers, so the delay sequence can be
// observed without waiting. After Teardown it ignores every event and
// keeps reporting the last status.
type Machine struct {
	mu       sync.Mutex
	status   Status
	closed   bool
	bo       *backoff.ExponentialBackOff
	onChange func(Status)
}

// NewMachine creates a machine in the connecting state. Retry delays start
// at floor, double on each consecutive failure and stop growing at ceiling.
func NewMachine(floor, ceiling time.Duration) *Machine {
	if floor <= 0 {
		floor = DefaultRetryFloor
	}
	if ceiling < floor {
		ceiling = floor
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = floor
	bo.Multiplier = 2
	bo.MaxInterval = ceiling
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	return &Machine{status: StatusConnecting, bo: bo}
}

// OnChange registers fn to be called after every status change. fn runs
// synchronously and must not call back into the machine.
func (m *Machine) OnChange(fn func(Status)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// Status returns the current status.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// set must be called with mu held; it releases mu before running the hook.
func (m *Machine) set(s Status) {
	if m.status == s {
		m.mu.Unlock()
		return
	}
	m.status = s
	fn := m.onChange
	m.mu.Unlock()

	if fn != nil {
		fn(s)
	}
}

// Closed reports whether Teardown has been called.
func (m *Machine) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Dial records a connection attempt. It reports false once closed.
func (m *Machine) Dial() bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.set(StatusConnecting)
	return true
}

// SnapshotApplied records a successful resync: the stream is connected and
// the retry delay returns to its floor.
func (m *Machine) SnapshotApplied() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.bo.Reset()
	m.set(StatusConnected)
}

// Failure records a transport failure and returns how long to wait before
// the next Dial. It reports false once closed.
func (m *Machine) Failure() (time.Duration, bool) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, false
	}
	delay := m.bo.NextBackOff()
	m.set(StatusDisconnected)
	return delay, true
}

// Teardown closes the machine. It is terminal and not a transition: the
// status hook does not fire.
func (m *Machine) Teardown() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}
