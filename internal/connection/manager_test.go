package connection

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/chatlink/internal/clock"
	"github.com/rickgao/chatlink/internal/model"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeConn records invocations.
type fakeConn struct {
	id string

	mu     sync.Mutex
	calls  []string
	closed bool
	invoke func(ctx context.Context, method string) error
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Invoke(ctx context.Context, method string, args ...any) error {
	c.mu.Lock()
	c.calls = append(c.calls, method)
	fn := c.invoke
	c.mu.Unlock()
	if fn != nil {
		return fn(ctx, method)
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeDialer fails while fail is set, otherwise returns a new fakeConn.
type fakeDialer struct {
	mu        sync.Mutex
	fail      bool
	dials     int
	conns     []*fakeConn
	listeners []Listener
	block     chan struct{} // If set, the first dial waits for ctx
}

func (d *fakeDialer) Dial(ctx context.Context, l Listener) (Conn, error) {
	d.mu.Lock()
	d.dials++
	n := d.dials
	block := d.block
	fail := d.fail
	d.mu.Unlock()

	if block != nil && n == 1 {
		close(block)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if fail {
		return nil, errors.New("dial refused")
	}

	conn := &fakeConn{id: "conn-" + strconv.Itoa(n)}
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.listeners = append(d.listeners, l)
	d.mu.Unlock()
	return conn, nil
}

func (d *fakeDialer) setFail(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = fail
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) lastListener() Listener {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.listeners[len(d.listeners)-1]
}

// recordingHooks counts lifecycle hook calls.
type recordingHooks struct {
	mu          sync.Mutex
	connected   int
	reconnected int
	lost        int
	disconnect  int
	stateAtDisc State
	m           Manager
}

func (h *recordingHooks) OnConnected(context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected++
}

func (h *recordingHooks) OnReconnected(context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reconnected++
}

func (h *recordingHooks) OnConnectionLost() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lost++
}

func (h *recordingHooks) OnDisconnect(context.Context) {
	state := h.m.Status().State
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnect++
	h.stateAtDisc = state
}

type eventSink struct {
	mu     sync.Mutex
	events []string
}

func (s *eventSink) Publish(event string, _ json.RawMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return true
}

type notifications struct {
	mu    sync.Mutex
	kinds []model.NotifyKind
}

func (n *notifications) notify(kind model.NotifyKind, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.kinds = append(n.kinds, kind)
}

func (n *notifications) count(kind model.NotifyKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, k := range n.kinds {
		if k == kind {
			c++
		}
	}
	return c
}

func testConfig() ManagerConfig {
	cfg := DefaultManagerConfig()
	cfg.HandshakeDelays = nil
	return cfg
}

type harness struct {
	m      Manager
	dialer *fakeDialer
	clock  *clock.Fake
	hooks  *recordingHooks
	sink   *eventSink
	notes  *notifications
}

func newHarness(cfg ManagerConfig) *harness {
	h := &harness{
		dialer: &fakeDialer{},
		clock:  clock.NewFake(epoch),
		sink:   &eventSink{},
		notes:  &notifications{},
	}
	h.m = NewManager(cfg, h.dialer, h.sink, h.clock, h.notes.notify, nil)
	h.hooks = &recordingHooks{m: h.m}
	h.m.SetHooks(h.hooks)
	return h
}

func TestDefaultManagerConfig(t *testing.T) {
	cfg := DefaultManagerConfig()

	if cfg.HandshakeAttempts != 3 {
		t.Errorf("HandshakeAttempts = %d, want 3", cfg.HandshakeAttempts)
	}
	if cfg.MaxFailures != 5 {
		t.Errorf("MaxFailures = %d, want 5", cfg.MaxFailures)
	}
	if cfg.InvokeTimeout != 3*time.Second {
		t.Errorf("InvokeTimeout = %v, want 3s", cfg.InvokeTimeout)
	}
	if !cfg.AutoReconnect {
		t.Error("AutoReconnect = false, want true")
	}
}

func TestManagerConfig_RetryDelay(t *testing.T) {
	cfg := DefaultManagerConfig()

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 5 * time.Second},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{4, 20 * time.Second},
		{6, 30 * time.Second},
		{20, 30 * time.Second},
	}

	for _, tt := range tests {
		if got := cfg.RetryDelay(tt.failures); got != tt.want {
			t.Errorf("RetryDelay(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateReconnecting, "reconnecting"},
		{State(9), "state(9)"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tt.state), got, tt.want)
		}
	}
}

func TestManager_Connect(t *testing.T) {
	h := newHarness(testConfig())
	ctx := context.Background()

	if err := h.m.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	status := h.m.Status()
	if status.State != StateConnected {
		t.Errorf("State = %v, want connected", status.State)
	}
	if status.ConnectionID != "conn-1" {
		t.Errorf("ConnectionID = %q, want %q", status.ConnectionID, "conn-1")
	}
	if !status.LastAttemptAt.Equal(epoch) {
		t.Errorf("LastAttemptAt = %v, want %v", status.LastAttemptAt, epoch)
	}
	if h.hooks.connected != 1 {
		t.Errorf("OnConnected calls = %d, want 1", h.hooks.connected)
	}

	// Already connected: no second dial
	if err := h.m.Connect(ctx); err != nil {
		t.Fatalf("second Connect failed: %v", err)
	}
	if h.dialer.dialCount() != 1 {
		t.Errorf("dials = %d, want 1", h.dialer.dialCount())
	}
}

func TestManager_HandshakeRetriedBeforeFailure(t *testing.T) {
	h := newHarness(testConfig())
	h.dialer.setFail(true)

	err := h.m.Connect(context.Background())
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("Connect error = %v, want ErrConnectFailed", err)
	}
	if h.dialer.dialCount() != 3 {
		t.Errorf("dials = %d, want 3", h.dialer.dialCount())
	}

	status := h.m.Status()
	if status.ConsecutiveFailures != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", status.ConsecutiveFailures)
	}
	if status.State != StateDisconnected {
		t.Errorf("State = %v, want disconnected", status.State)
	}
	if !status.RetryScheduled {
		t.Error("RetryScheduled = false, want true")
	}
	if due, ok := h.clock.NextDue(); !ok || !due.Equal(epoch.Add(5*time.Second)) {
		t.Errorf("next retry = %v, %v, want %v", due, ok, epoch.Add(5*time.Second))
	}
}

func TestManager_HandshakeDelaysUseScheduler(t *testing.T) {
	cfg := DefaultManagerConfig()
	h := newHarness(cfg)
	h.dialer.setFail(true)

	errCh := make(chan error, 1)
	go func() { errCh <- h.m.Connect(context.Background()) }()

	// Two handshake waits: 500ms then 1s
	for _, d := range []time.Duration{500 * time.Millisecond, time.Second} {
		waitForPending(t, h.clock, 1)
		h.clock.Advance(d)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrConnectFailed) {
			t.Errorf("Connect error = %v, want ErrConnectFailed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Connect did not return")
	}
	if h.dialer.dialCount() != 3 {
		t.Errorf("dials = %d, want 3", h.dialer.dialCount())
	}
}

func waitForPending(t *testing.T, c *clock.Fake, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for c.Pending() < n {
		if time.Now().After(deadline) {
			t.Fatalf("Pending() = %d, want %d", c.Pending(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestManager_ExhaustionAndManualRetry(t *testing.T) {
	h := newHarness(testConfig())
	h.dialer.setFail(true)
	ctx := context.Background()

	if err := h.m.Connect(ctx); err == nil {
		t.Fatal("Connect succeeded, want failure")
	}

	// Retries at 5s, 10s, 15s, 20s after each failure
	for _, d := range []time.Duration{5, 10, 15, 20} {
		h.clock.Advance(d * time.Second)
	}

	status := h.m.Status()
	if status.ConsecutiveFailures != 5 {
		t.Errorf("ConsecutiveFailures = %d, want 5", status.ConsecutiveFailures)
	}
	if !status.Exhausted {
		t.Error("Exhausted = false, want true")
	}
	if status.RetryScheduled {
		t.Error("RetryScheduled = true, want false")
	}
	if h.clock.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", h.clock.Pending())
	}
	if h.dialer.dialCount() != 15 {
		t.Errorf("dials = %d, want 15", h.dialer.dialCount())
	}
	if h.notes.count(model.NotifyOffline) != 1 {
		t.Errorf("offline notifications = %d, want 1", h.notes.count(model.NotifyOffline))
	}

	// Nothing further happens on its own
	h.clock.Advance(time.Hour)
	if h.dialer.dialCount() != 15 {
		t.Errorf("dials after an hour = %d, want 15", h.dialer.dialCount())
	}

	h.dialer.setFail(false)
	if err := h.m.ManualRetry(ctx); err != nil {
		t.Fatalf("ManualRetry failed: %v", err)
	}

	status = h.m.Status()
	if status.State != StateConnected {
		t.Errorf("State = %v, want connected", status.State)
	}
	if status.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0", status.ConsecutiveFailures)
	}
	if status.Exhausted {
		t.Error("Exhausted = true after ManualRetry")
	}
}

func TestManager_ManualRetryResetsCounterBeforeAttempt(t *testing.T) {
	cfg := testConfig()
	cfg.AutoReconnect = false
	h := newHarness(cfg)
	h.dialer.setFail(true)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		h.m.Connect(ctx)
	}
	if !h.m.Status().Exhausted {
		t.Fatal("Exhausted = false after five failures")
	}

	err := h.m.ManualRetry(ctx)
	if !errors.Is(err, ErrConnectFailed) {
		t.Errorf("ManualRetry error = %v, want ErrConnectFailed", err)
	}
	if got := h.m.Status().ConsecutiveFailures; got != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", got)
	}
}

func TestManager_AutoReconnectDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.AutoReconnect = false
	h := newHarness(cfg)
	h.dialer.setFail(true)

	h.m.Connect(context.Background())

	if h.clock.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", h.clock.Pending())
	}
}

func TestManager_RecoveryNotifiesOnline(t *testing.T) {
	h := newHarness(testConfig())
	h.dialer.setFail(true)

	h.m.Connect(context.Background())
	h.dialer.setFail(false)
	h.clock.Advance(5 * time.Second)

	if h.m.Status().State != StateConnected {
		t.Fatalf("State = %v, want connected", h.m.Status().State)
	}
	if h.notes.count(model.NotifyOnline) != 1 {
		t.Errorf("online notifications = %d, want 1", h.notes.count(model.NotifyOnline))
	}
}

func TestManager_ConnectSupersedesInFlightAttempt(t *testing.T) {
	h := newHarness(testConfig())
	h.dialer.block = make(chan struct{})
	ctx := context.Background()

	firstErr := make(chan error, 1)
	go func() { firstErr <- h.m.Connect(ctx) }()

	select {
	case <-h.dialer.block:
	case <-time.After(time.Second):
		t.Fatal("first dial did not start")
	}

	if err := h.m.Connect(ctx); err != nil {
		t.Fatalf("second Connect failed: %v", err)
	}

	select {
	case err := <-firstErr:
		if !errors.Is(err, ErrAttemptCancelled) {
			t.Errorf("first Connect error = %v, want ErrAttemptCancelled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("first Connect did not return")
	}

	status := h.m.Status()
	if status.State != StateConnected || status.ConsecutiveFailures != 0 {
		t.Errorf("Status = %+v, want connected with 0 failures", status)
	}
}

func TestManager_TransportReconnectSignals(t *testing.T) {
	h := newHarness(testConfig())
	if err := h.m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	l := h.dialer.lastListener()

	l.HandleReconnecting(errors.New("read: connection reset"))
	if got := h.m.Status().State; got != StateReconnecting {
		t.Errorf("State = %v, want reconnecting", got)
	}
	if h.m.Connected() {
		t.Error("Connected() = true while reconnecting")
	}
	if h.hooks.lost != 0 {
		t.Errorf("OnConnectionLost calls = %d, want 0", h.hooks.lost)
	}

	l.HandleReconnected("conn-9")
	status := h.m.Status()
	if status.State != StateConnected || status.ConnectionID != "conn-9" {
		t.Errorf("Status = %+v, want connected as conn-9", status)
	}
	if h.hooks.reconnected != 1 {
		t.Errorf("OnReconnected calls = %d, want 1", h.hooks.reconnected)
	}
}

func TestManager_HardCloseSchedulesRetry(t *testing.T) {
	h := newHarness(testConfig())
	if err := h.m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	h.dialer.lastListener().HandleClosed(errors.New("server went away"))

	status := h.m.Status()
	if status.State != StateDisconnected {
		t.Errorf("State = %v, want disconnected", status.State)
	}
	if status.ConsecutiveFailures != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", status.ConsecutiveFailures)
	}
	if h.hooks.lost != 1 {
		t.Errorf("OnConnectionLost calls = %d, want 1", h.hooks.lost)
	}

	h.clock.Advance(5 * time.Second)

	if got := h.m.Status().State; got != StateConnected {
		t.Errorf("State after retry = %v, want connected", got)
	}
	if h.hooks.connected != 2 {
		t.Errorf("OnConnected calls = %d, want 2", h.hooks.connected)
	}
}

func TestManager_DisconnectRunsHooksThenCloses(t *testing.T) {
	h := newHarness(testConfig())
	ctx := context.Background()
	if err := h.m.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	l := h.dialer.lastListener()
	conn := h.dialer.conns[0]

	if err := h.m.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	if h.hooks.disconnect != 1 {
		t.Errorf("OnDisconnect calls = %d, want 1", h.hooks.disconnect)
	}
	if h.hooks.stateAtDisc != StateConnected {
		t.Errorf("state during OnDisconnect = %v, want connected", h.hooks.stateAtDisc)
	}
	if !conn.isClosed() {
		t.Error("transport not closed")
	}
	if got := h.m.Status().State; got != StateDisconnected {
		t.Errorf("State = %v, want disconnected", got)
	}

	// Signals from the old transport are stale
	l.HandleClosed(errors.New("late close"))
	l.HandleEvent("MessageReceived", json.RawMessage(`{}`))
	if got := h.m.Status().ConsecutiveFailures; got != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0", got)
	}
	if len(h.sink.events) != 0 {
		t.Errorf("events published = %d, want 0", len(h.sink.events))
	}
}

func TestManager_DisconnectCancelsScheduledRetry(t *testing.T) {
	h := newHarness(testConfig())
	h.dialer.setFail(true)
	ctx := context.Background()

	h.m.Connect(ctx)
	if h.clock.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", h.clock.Pending())
	}

	h.m.Disconnect(ctx)

	if h.clock.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", h.clock.Pending())
	}
	h.clock.Advance(time.Minute)
	if h.dialer.dialCount() != 3 {
		t.Errorf("dials = %d, want 3", h.dialer.dialCount())
	}
}

func TestManager_EventsForwarded(t *testing.T) {
	h := newHarness(testConfig())
	if err := h.m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	h.dialer.lastListener().HandleEvent("StreamChunk", json.RawMessage(`{}`))

	if len(h.sink.events) != 1 || h.sink.events[0] != "StreamChunk" {
		t.Errorf("events = %v, want [StreamChunk]", h.sink.events)
	}
}

func TestManager_InvokeRequiresConnected(t *testing.T) {
	h := newHarness(testConfig())

	err := h.m.Invoke(context.Background(), model.MethodPing, "room-1")
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Invoke error = %v, want ErrNotConnected", err)
	}
}

func TestManager_InvokeTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.InvokeTimeout = 20 * time.Millisecond
	h := newHarness(cfg)
	ctx := context.Background()
	if err := h.m.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	h.dialer.conns[0].invoke = func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	}

	err := h.m.Invoke(ctx, model.MethodPing, "room-1")
	if !errors.Is(err, ErrInvocationTimeout) {
		t.Errorf("Invoke error = %v, want ErrInvocationTimeout", err)
	}
}

func TestManager_InvokeHubError(t *testing.T) {
	h := newHarness(testConfig())
	ctx := context.Background()
	if err := h.m.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	h.dialer.conns[0].invoke = func(_ context.Context, method string) error {
		return &InvokeError{Method: method, Message: "room not found"}
	}

	err := h.m.Invoke(ctx, model.MethodJoinRoom, "room-x")
	var ie *InvokeError
	if !errors.As(err, &ie) {
		t.Fatalf("Invoke error = %v, want *InvokeError", err)
	}
	if ie.Message != "room not found" {
		t.Errorf("Message = %q, want %q", ie.Message, "room not found")
	}
}
