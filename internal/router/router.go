package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Router receives every inbound hub event and hands it to the subsystem
// that registered for that event name. It is the only consumer of raw events.
type Router interface {
	// Start begins draining published events on a single goroutine.
	Start(ctx context.Context) error

	// Stop drains nothing further and waits for the dispatch goroutine.
	Stop(ctx context.Context) error

	// Handle registers h for event. Several handlers may share an event.
	Handle(event string, h HandlerFunc)

	// Publish queues an event for the dispatch goroutine. Never blocks.
	Publish(event string, payload json.RawMessage) bool

	// Dispatch routes an event synchronously on the caller's goroutine.
	Dispatch(event string, payload json.RawMessage)

	// Stats returns current router statistics.
	Stats() Stats
}

// HandlerFunc consumes an event payload. A returned error is a protocol error.
type HandlerFunc func(payload json.RawMessage) error

// Event is a named inbound payload.
type Event struct {
	Name    string
	Payload json.RawMessage
}

// ProtocolError reports an inbound event with an unexpected shape.
type ProtocolError struct {
	Event string
	Err   error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error on %s: %v", e.Event, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Stats contains runtime statistics.
type Stats struct {
	EventsReceived int64
	EventsRouted   int64
	ProtocolErrors int64
	UnknownEvents  int64
	HandlerPanics  int64
	Queue          QueueStats
}

// Config holds configuration for the router.
type Config struct {
	QueueCapacity int // Initial inbound queue capacity. Default: 256
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{QueueCapacity: 256}
}

// router is the internal implementation.
type router struct {
	cfg    Config
	logger *slog.Logger

	queue *eventQueue

	handlersMu sync.RWMutex
	handlers   map[string][]HandlerFunc

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Stats
	mu             sync.RWMutex
	received       int64
	routed         int64
	protocolErrors int64
	unknownEvents  int64
	panics         int64
}

// New creates a new event router.
func New(cfg Config, logger *slog.Logger) Router {
	if logger == nil {
		logger = slog.Default()
	}

	return &router{
		cfg:      cfg,
		logger:   logger.With("component", "router"),
		queue:    newEventQueue(cfg.QueueCapacity),
		handlers: make(map[string][]HandlerFunc),
	}
}

// On registers a typed handler that decodes the payload as T.
// Decode failures are counted as protocol errors; fn is not called.
func On[T any](r Router, event string, fn func(T)) {
	r.Handle(event, func(payload json.RawMessage) error {
		var v T
		if err := json.Unmarshal(payload, &v); err != nil {
			return fmt.Errorf("decode %T: %w", v, err)
		}
		fn(v)
		return nil
	})
}

// Start begins routing events.
func (r *router) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.routeLoop()

	r.logger.Info("event router started", "handlers", r.handlerCount())
	return nil
}

// Stop gracefully shuts down the router.
func (r *router) Stop(ctx context.Context) error {
	r.logger.Info("stopping event router")

	if r.cancel != nil {
		r.cancel()
	}
	r.queue.close()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("event router stopped")
	case <-ctx.Done():
		r.logger.Warn("event router stop timed out")
	}

	return nil
}

// Handle registers a handler for an event name.
func (r *router) Handle(event string, h HandlerFunc) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	r.handlers[event] = append(r.handlers[event], h)
}

// Publish queues an event for the route loop.
func (r *router) Publish(event string, payload json.RawMessage) bool {
	ok := r.queue.push(Event{Name: event, Payload: payload})
	if !ok {
		r.logger.Debug("router stopped, dropping event", "event", event)
	}
	return ok
}

// Dispatch routes a single event.
func (r *router) Dispatch(event string, payload json.RawMessage) {
	r.mu.Lock()
	r.received++
	r.mu.Unlock()

	r.handlersMu.RLock()
	handlers := r.handlers[event]
	r.handlersMu.RUnlock()

	if len(handlers) == 0 {
		r.logger.Debug("unhandled event", "event", event)
		r.mu.Lock()
		r.unknownEvents++
		r.mu.Unlock()
		return
	}

	failed := false
	for _, h := range handlers {
		if err := r.invoke(event, h, payload); err != nil {
			failed = true
			r.logger.Warn("dropping malformed event", "event", event, "error", err)
		}
	}

	r.mu.Lock()
	if failed {
		r.protocolErrors++
	} else {
		r.routed++
	}
	r.mu.Unlock()
}

// invoke runs one handler, converting panics into protocol errors.
func (r *router) invoke(event string, h HandlerFunc, payload json.RawMessage) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.mu.Lock()
			r.panics++
			r.mu.Unlock()
			err = &ProtocolError{Event: event, Err: fmt.Errorf("handler panic: %v", p)}
		}
	}()

	if err := h(payload); err != nil {
		return &ProtocolError{Event: event, Err: err}
	}
	return nil
}

// Stats returns current statistics.
func (r *router) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{
		EventsReceived: r.received,
		EventsRouted:   r.routed,
		ProtocolErrors: r.protocolErrors,
		UnknownEvents:  r.unknownEvents,
		HandlerPanics:  r.panics,
		Queue:          r.queue.stats(),
	}
}

// routeLoop is the single dispatch goroutine.
func (r *router) routeLoop() {
	defer r.wg.Done()

	for {
		evt, ok := r.queue.pop()
		if !ok {
			return
		}
		select {
		case <-r.ctx.Done():
			return
		default:
		}
		r.Dispatch(evt.Name, evt.Payload)
	}
}

func (r *router) handlerCount() int {
	r.handlersMu.RLock()
	defer r.handlersMu.RUnlock()
	n := 0
	for _, hs := range r.handlers {
		n += len(hs)
	}
	return n
}
