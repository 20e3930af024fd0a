package account

import (
	"context"
	"sync"
	"time"

	"github.com/fifth-community/authgate/internal/logging"
	"github.com/fifth-community/authgate/internal/store"
)

// DefaultMonitorInterval is how often the session is checked when no interval is given
const DefaultMonitorInterval = 60 * time.Second

// SessionChecker asks the backend whether the session is still alive
type SessionChecker interface {
	CheckSession(ctx context.Context) (*SessionInfo, error)
}

// MonitorEvent reports the outcome of one liveness check
type MonitorEvent struct {
	Time time.Time
	Info *SessionInfo // nil on failure
	Err  error
}

// Monitor periodically checks that the server still holds our session.
// Checks run only while the store believes it is authenticated, one at a
// time: a tick arriving during a check is dropped.
type Monitor struct {
	checker SessionChecker
	store   *store.Store
	handler func(MonitorEvent)

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	interval time.Duration
}

// NewMonitor creates a stopped monitor. handler, if non-nil, receives every
// check's outcome on the monitor goroutine.
func NewMonitor(checker SessionChecker, st *store.Store, handler func(MonitorEvent)) *Monitor {
	return &Monitor{
		checker: checker,
		store:   st,
		handler: handler,
	}
}

// Start begins checking every interval, stopping any previous run first.
// A non-positive interval uses DefaultMonitorInterval.
func (m *Monitor) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.interval = interval

	logging.Debug("session monitor started (every %s)", interval)
	go m.run(ctx, interval, done)
}

// Stop cancels the recurring check and waits for an in-flight check to finish.
// It is safe to call on a stopped monitor, but not from the handler.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *Monitor) stopLocked() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel, m.done = nil, nil
	m.interval = 0
	logging.Debug("session monitor stopped")
}

// Interval returns the active check interval, or 0 when stopped
func (m *Monitor) Interval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval
}

func (m *Monitor) run(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one liveness check if the store believes it is authenticated.
// On failure local state is cleared; observers of the store refresh the header.
func (m *Monitor) Check(ctx context.Context) {
	if !m.store.IsAuthenticated() {
		return
	}

	info, err := m.checker.CheckSession(ctx)
	if err != nil && ctx.Err() != nil {
		// Stopped mid-check
		return
	}
	if err != nil {
		logging.Warn("Session check failed, logging out locally: %v", err)
		if clearErr := m.store.Clear(); clearErr != nil {
			logging.Error("failed to clear credentials: %v", clearErr)
		}
	}

	if m.handler != nil {
		m.handler(MonitorEvent{Time: time.Now(), Info: info, Err: err})
	}
}
