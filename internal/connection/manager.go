package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/chatlink/internal/clock"
	"github.com/rickgao/chatlink/internal/model"
)

// Manager owns the session's transport connection.
type Manager interface {
	// Connect establishes the connection, superseding any attempt in flight.
	Connect(ctx context.Context) error

	// Disconnect tears down dependents and the transport.
	Disconnect(ctx context.Context) error

	// ManualRetry clears the failure counter and connects again.
	ManualRetry(ctx context.Context) error

	// Invoke calls a hub method bounded by the default invoke timeout.
	Invoke(ctx context.Context, method string, args ...any) error

	// InvokeTimeout calls a hub method bounded by timeout.
	InvokeTimeout(ctx context.Context, timeout time.Duration, method string, args ...any) error

	// Connected reports whether invocations are currently allowed.
	Connected() bool

	// Status returns a snapshot of the connection state.
	Status() Status

	// SetHooks installs the lifecycle hooks. Call before Connect.
	SetHooks(h Hooks)
}

// manager implements the Manager interface.
type manager struct {
	cfg    ManagerConfig
	dialer Dialer
	events EventSink
	clock  clock.Scheduler
	notify model.Notifier
	logger *slog.Logger

	mu            sync.RWMutex
	hooks         Hooks
	state         State
	conn          Conn
	connID        string
	failures      int
	lastAttemptAt time.Time
	exhausted     bool

	// gen increases on every Connect and Disconnect. Signals and results
	// carrying an older generation are discarded.
	gen           uint64
	cancelAttempt context.CancelFunc
	retryTimer    clock.Timer
}

// NewManager creates a new Connection Manager.
func NewManager(
	cfg ManagerConfig,
	dialer Dialer,
	events EventSink,
	sched clock.Scheduler,
	notify model.Notifier,
	logger *slog.Logger,
) Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if sched == nil {
		sched = clock.NewReal()
	}
	if notify == nil {
		notify = func(model.NotifyKind, string) {}
	}

	return &manager{
		cfg:    cfg,
		dialer: dialer,
		events: events,
		clock:  sched,
		notify: notify,
		logger: logger.With("component", "connection"),
	}
}

// SetHooks installs lifecycle hooks.
func (m *manager) SetHooks(h Hooks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = h
}

// Connect establishes the connection.
func (m *manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected && m.conn != nil {
		m.mu.Unlock()
		return nil
	}
	if m.cancelAttempt != nil {
		m.cancelAttempt()
	}
	m.stopRetryLocked()
	m.gen++
	gen := m.gen
	attemptCtx, cancel := context.WithCancel(ctx)
	m.cancelAttempt = cancel
	m.state = StateConnecting
	m.lastAttemptAt = m.clock.Now()
	stale := m.conn
	m.conn = nil
	m.connID = ""
	m.mu.Unlock()
	defer cancel()

	if stale != nil {
		stale.Close()
	}

	m.logger.Info("connecting", "generation", gen)

	conn, err := m.handshake(attemptCtx, gen)
	return m.finishAttempt(ctx, gen, conn, err)
}

// handshake dials up to HandshakeAttempts times.
func (m *manager) handshake(ctx context.Context, gen uint64) (Conn, error) {
	attempts := m.cfg.HandshakeAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if err := m.sleep(ctx, m.handshakeDelay(i-1)); err != nil {
				return nil, err
			}
		}

		conn, err := m.dialer.Dial(ctx, &listener{m: m, gen: gen})
		if err == nil {
			return conn, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		m.logger.Warn("handshake failed",
			"attempt", i+1,
			"max_attempts", attempts,
			"error", err,
		)
	}

	return nil, lastErr
}

func (m *manager) handshakeDelay(i int) time.Duration {
	delays := m.cfg.HandshakeDelays
	if len(delays) == 0 {
		return 0
	}
	if i >= len(delays) {
		return delays[len(delays)-1]
	}
	return delays[i]
}

// sleep waits d on the scheduler or until ctx is done.
func (m *manager) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	done := make(chan struct{})
	t := m.clock.Schedule(d, func() { close(done) })

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	}
}

// finishAttempt applies the result of a connect attempt if it is still current.
func (m *manager) finishAttempt(ctx context.Context, gen uint64, conn Conn, err error) error {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		m.logger.Debug("discarding superseded connect attempt", "generation", gen)
		return ErrAttemptCancelled
	}
	m.cancelAttempt = nil

	if err != nil {
		retryIn, exhausted := m.recordFailureLocked()
		failures := m.failures
		m.mu.Unlock()

		m.reportFailure(err, failures, retryIn, exhausted)
		if exhausted {
			return fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
		}
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	recovered := m.failures > 0 || m.exhausted
	m.conn = conn
	m.connID = conn.ID()
	m.state = StateConnected
	m.failures = 0
	m.exhausted = false
	hooks := m.hooks
	m.mu.Unlock()

	m.logger.Info("connected", "connection_id", conn.ID())
	if recovered {
		m.notify(model.NotifyOnline, "connection restored")
	}

	if hooks != nil {
		hooks.OnConnected(ctx)
	}
	return nil
}

// recordFailureLocked counts a failure and schedules the next retry.
// Returns the retry delay (0 if none) and whether retries are exhausted.
// Must be called with lock held.
func (m *manager) recordFailureLocked() (time.Duration, bool) {
	m.failures++
	m.state = StateDisconnected
	m.conn = nil
	m.connID = ""
	m.stopRetryLocked()

	if m.failures >= m.cfg.MaxFailures {
		m.exhausted = true
		return 0, true
	}
	if !m.cfg.AutoReconnect {
		return 0, false
	}

	delay := m.cfg.RetryDelay(m.failures)
	gen := m.gen
	m.retryTimer = m.clock.Schedule(delay, func() { m.retry(gen) })
	return delay, false
}

func (m *manager) reportFailure(err error, failures int, retryIn time.Duration, exhausted bool) {
	if exhausted {
		m.logger.Error("connection retries exhausted, manual retry required",
			"failures", failures,
			"error", err,
		)
		m.notify(model.NotifyOffline, "connection lost, retry manually")
		return
	}

	m.logger.Warn("connection failed",
		"failures", failures,
		"retry_in", retryIn,
		"error", err,
	)
}

// retry is the scheduled automatic reconnect.
func (m *manager) retry(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.exhausted || m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	m.mu.Unlock()

	if err := m.Connect(context.Background()); err != nil {
		m.logger.Debug("scheduled reconnect failed", "error", err)
	}
}

// stopRetryLocked cancels a pending retry. Must be called with lock held.
func (m *manager) stopRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

// Disconnect tears down dependents, then the transport.
func (m *manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.cancelAttempt != nil {
		m.cancelAttempt()
		m.cancelAttempt = nil
	}
	m.stopRetryLocked()
	m.gen++
	hooks := m.hooks
	m.mu.Unlock()

	m.logger.Info("disconnecting")

	// Dependents still see Connected here so best-effort signals can go out.
	if hooks != nil {
		hooks.OnDisconnect(ctx)
	}

	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.connID = ""
	m.state = StateDisconnected
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			m.logger.Debug("transport close failed", "error", err)
		}
	}

	m.logger.Info("disconnected")
	return nil
}

// ManualRetry resets the failure counter and connects.
func (m *manager) ManualRetry(ctx context.Context) error {
	m.mu.Lock()
	m.failures = 0
	m.exhausted = false
	m.stopRetryLocked()
	m.mu.Unlock()

	m.logger.Info("manual retry requested")
	return m.Connect(ctx)
}

// Invoke calls a hub method with the default timeout.
func (m *manager) Invoke(ctx context.Context, method string, args ...any) error {
	return m.InvokeTimeout(ctx, m.cfg.InvokeTimeout, method, args...)
}

// InvokeTimeout calls a hub method; the call is treated as failed once timeout elapses.
func (m *manager) InvokeTimeout(ctx context.Context, timeout time.Duration, method string, args ...any) error {
	m.mu.RLock()
	conn, state := m.conn, m.state
	m.mu.RUnlock()

	if state != StateConnected || conn == nil {
		return fmt.Errorf("invoke %s: %w", method, ErrNotConnected)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	err := conn.Invoke(ctx, method, args...)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("invoke %s: %w", method, ErrInvocationTimeout)
	default:
		return fmt.Errorf("invoke %s: %w", method, err)
	}
}

// Connected reports whether the manager is in the Connected state.
func (m *manager) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateConnected && m.conn != nil
}

// Status returns current connection state.
func (m *manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Status{
		State:               m.state,
		ConnectionID:        m.connID,
		ConsecutiveFailures: m.failures,
		LastAttemptAt:       m.lastAttemptAt,
		Exhausted:           m.exhausted,
		RetryScheduled:      m.retryTimer != nil,
	}
}

// -----------------------------------------------------------------------------
// Transport signals
// -----------------------------------------------------------------------------

// listener binds transport signals to the generation that dialed them.
type listener struct {
	m   *manager
	gen uint64
}

func (l *listener) current() bool {
	l.m.mu.RLock()
	defer l.m.mu.RUnlock()
	return l.gen == l.m.gen
}

func (l *listener) HandleEvent(name string, payload json.RawMessage) {
	if !l.current() || l.m.events == nil {
		return
	}
	l.m.events.Publish(name, payload)
}

func (l *listener) HandleReconnecting(err error) {
	m := l.m
	m.mu.Lock()
	if l.gen != m.gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	m.state = StateReconnecting
	m.connID = ""
	m.mu.Unlock()

	m.logger.Warn("connection dropped, transport reconnecting", "error", err)
}

func (l *listener) HandleReconnected(connectionID string) {
	m := l.m
	m.mu.Lock()
	if l.gen != m.gen || m.conn == nil {
		m.mu.Unlock()
		return
	}
	m.state = StateConnected
	m.connID = connectionID
	m.failures = 0
	hooks := m.hooks
	m.mu.Unlock()

	m.logger.Info("reconnected", "connection_id", connectionID)

	if hooks != nil {
		hooks.OnReconnected(context.Background())
	}
}

func (l *listener) HandleClosed(err error) {
	m := l.m
	m.mu.Lock()
	if l.gen != m.gen || m.conn == nil {
		m.mu.Unlock()
		return
	}
	retryIn, exhausted := m.recordFailureLocked()
	failures := m.failures
	hooks := m.hooks
	m.mu.Unlock()

	if hooks != nil {
		hooks.OnConnectionLost()
	}
	if err == nil {
		err = errors.New("connection closed")
	}
	m.reportFailure(err, failures, retryIn, exhausted)
}
