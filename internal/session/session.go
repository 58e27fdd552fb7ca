// Package session wires the connection manager, event router, presence,
// typing and stream components into one chat session for a single user.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/chatlink/internal/clock"
	"github.com/rickgao/chatlink/internal/connection"
	"github.com/rickgao/chatlink/internal/model"
	"github.com/rickgao/chatlink/internal/presence"
	"github.com/rickgao/chatlink/internal/router"
	"github.com/rickgao/chatlink/internal/store"
	"github.com/rickgao/chatlink/internal/stream"
	"github.com/rickgao/chatlink/internal/typing"
)

// ErrStopped is returned by Start on a session that was stopped.
var ErrStopped = errors.New("session stopped")

// storeTimeout bounds a single message store call made from an event handler.
const storeTimeout = 5 * time.Second

// MessageStore is the message store collaborator.
type MessageStore interface {
	AppendMessage(ctx context.Context, msg model.Message) error
	UpdateMessageByCode(ctx context.Context, msg model.Message) error
	ReconcileReadStatus(ctx context.Context, roomID string, activeUserIDs []model.UserID, currentUserID model.UserID) error
}

// Config holds per-component configuration.
type Config struct {
	Manager           connection.ManagerConfig
	Router            router.Config
	Presence          presence.Config
	Typing            typing.Config
	StreamSendTimeout time.Duration // Default: 15s
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Manager:           connection.DefaultManagerConfig(),
		Router:            router.DefaultConfig(),
		Presence:          presence.DefaultConfig(),
		Typing:            typing.DefaultConfig(),
		StreamSendTimeout: stream.DefaultSendTimeout,
	}
}

// Callbacks receive session output. Every field is optional. Callbacks run
// on the router's goroutine and must not block.
type Callbacks struct {
	OnMessage            func(model.Message)
	OnUnreadCount        func(model.UnreadCountChanged)
	OnNotificationCounts func(model.NotificationCounts)
	OnTyping             func([]model.TypingUser)
	OnStream             func(stream.Message)
	OnRoomRemoved        func(roomID string)
}

// Snapshot aggregates component statistics.
type Snapshot struct {
	Connection  connection.Status
	Router      router.Stats
	Presence    presence.Stats
	Typing      typing.Stats
	Streams     stream.Stats
	CurrentRoom string
}

// Option configures a Session.
type Option func(*Session)

// WithStore sets the message store. Default: store.NewMemory().
func WithStore(s MessageStore) Option {
	return func(sess *Session) {
		sess.store = s
	}
}

// WithScheduler sets the scheduler every timer goes through.
func WithScheduler(sched clock.Scheduler) Option {
	return func(sess *Session) {
		sess.clock = sched
	}
}

// WithNotifier sets the user-facing notification surface.
func WithNotifier(n model.Notifier) Option {
	return func(sess *Session) {
		sess.notify = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(sess *Session) {
		sess.logger = logger
	}
}

// WithCallbacks sets the output callbacks.
func WithCallbacks(cb Callbacks) Option {
	return func(sess *Session) {
		sess.callbacks = cb
	}
}

// Session is one user's real-time chat session.
type Session struct {
	sc        model.SessionContext
	clock     clock.Scheduler
	notify    model.Notifier
	logger    *slog.Logger
	callbacks Callbacks
	store     MessageStore

	manager  connection.Manager
	router   router.Router
	presence *presence.Coordinator
	typing   *typing.Protocol
	streams  *stream.Assembler
	sender   *stream.Sender

	mu      sync.Mutex
	unread  map[string]int
	counts  *model.NotificationCounts
	started bool
	stopped bool
}

// New builds a session for sc. The session context is read once here.
func New(cfg Config, sc model.SessionContext, dialer connection.Dialer, opts ...Option) *Session {
	s := &Session{
		sc:     sc,
		unread: make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.clock == nil {
		s.clock = clock.NewReal()
	}
	if s.notify == nil {
		s.notify = func(model.NotifyKind, string) {}
	}
	if s.store == nil {
		s.store = store.NewMemory()
	}

	logger := s.logger.With("user_id", string(sc.CurrentUserID))
	s.logger = logger.With("component", "session")

	s.router = router.New(cfg.Router, logger)
	s.manager = connection.NewManager(cfg.Manager, dialer, s.router, s.clock, s.notify, logger)
	s.presence = presence.New(cfg.Presence, s.manager, s.store, sc.CurrentUserID, s.clock, logger)
	s.typing = typing.New(cfg.Typing, s.manager, sc.CurrentUserID, s.clock, logger)
	s.streams = stream.NewAssembler(s.clock, logger)
	s.sender = stream.NewSender(s.manager, sc.DeviceID, cfg.StreamSendTimeout, s.clock, logger)

	if s.callbacks.OnTyping != nil {
		s.typing.OnChange(s.callbacks.OnTyping)
	}
	if s.callbacks.OnStream != nil {
		s.streams.OnChange(s.callbacks.OnStream)
	}

	s.manager.SetHooks(s)
	s.registerHandlers()

	return s
}

// Start begins event routing and connects. A connect failure is returned;
// automatic retries continue in the background per the manager's policy.
// Calling Start again on a running session only reconnects.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if !s.started {
		if err := s.router.Start(ctx); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("start router: %w", err)
		}
		s.started = true
	}
	s.mu.Unlock()

	if err := s.manager.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// Stop disconnects and stops event routing. A stopped session cannot be restarted.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	if err := s.manager.Disconnect(ctx); err != nil {
		s.logger.Warn("disconnect failed", "error", err)
	}

	if started {
		return s.router.Stop(ctx)
	}
	return nil
}

// ManualRetry reconnects after retries were exhausted.
func (s *Session) ManualRetry(ctx context.Context) error {
	return s.manager.ManualRetry(ctx)
}

// EnterRoom makes roomID the current room for presence and typing. Leaving
// another room ends typing there while still joined and drops its streams.
// Typing follows roomID only once the join succeeds.
func (s *Session) EnterRoom(ctx context.Context, roomID string) error {
	prev := s.presence.CurrentRoom()
	if prev == "" {
		prev = s.typing.Room()
	}
	switched := prev != "" && prev != roomID
	if switched {
		s.typing.SetRoom(ctx, "")
	}

	err := s.presence.JoinRoom(ctx, roomID)
	if switched {
		s.streams.ClearRoomStreams(prev)
	}
	if err != nil {
		return err
	}
	s.typing.SetRoom(ctx, roomID)
	return nil
}

// ExitRoom leaves the current room and drops its streams.
func (s *Session) ExitRoom(ctx context.Context) {
	roomID := s.presence.CurrentRoom()
	if roomID == "" {
		roomID = s.typing.Room()
	}
	s.typing.SetRoom(ctx, "")
	s.presence.LeaveRoom(ctx, roomID)
	if roomID != "" {
		s.streams.ClearRoomStreams(roomID)
	}
}

// Touch reports local keystroke activity to typing and presence.
func (s *Session) Touch(ctx context.Context) {
	s.typing.Touch(ctx)
	s.presence.Touch(ctx)
}

// StopTyping ends local typing.
func (s *Session) StopTyping(ctx context.Context) {
	s.typing.Off(ctx)
}

// SendMessage sends a chat message. Failures are returned and reported as
// send_failed so the message can be marked for retry.
func (s *Session) SendMessage(ctx context.Context, roomID, text string, extra map[string]any) error {
	req := model.SendMessageRequest{
		RoomID:   roomID,
		Text:     text,
		DeviceID: s.sc.DeviceID,
		Extra:    extra,
	}

	if err := s.manager.Invoke(ctx, model.MethodSendMessage, req); err != nil {
		s.logger.Warn("send message failed", "room_id", roomID, "error", err)
		s.notify(model.NotifySendFailed, fmt.Sprintf("message to %s not sent: %v", roomID, err))
		return fmt.Errorf("send message: %w", err)
	}

	if roomID == s.typing.Room() {
		s.typing.Off(ctx)
	}
	s.presence.Touch(ctx)
	return nil
}

// SendStreamMessage starts a streamed reply and returns its message code.
func (s *Session) SendStreamMessage(ctx context.Context, roomID, text string, extra map[string]any) (string, error) {
	code, err := s.sender.Send(ctx, roomID, text, extra)
	if err != nil {
		s.notify(model.NotifySendFailed, fmt.Sprintf("stream message to %s not sent: %v", roomID, err))
		return code, err
	}
	return code, nil
}

// Status returns the connection status.
func (s *Session) Status() connection.Status {
	return s.manager.Status()
}

// Streams returns the stream assembler.
func (s *Session) Streams() *stream.Assembler {
	return s.streams
}

// Typing returns the remote users shown as typing in the current room.
func (s *Session) Typing() []model.TypingUser {
	return s.typing.Typing()
}

// CurrentRoom returns the joined room.
func (s *Session) CurrentRoom() string {
	return s.presence.CurrentRoom()
}

// RoomSession returns the presence state of the joined room.
func (s *Session) RoomSession() (presence.RoomSession, bool) {
	return s.presence.Session()
}

// Snapshot returns statistics from every component.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		Connection:  s.manager.Status(),
		Router:      s.router.Stats(),
		Presence:    s.presence.Stats(),
		Typing:      s.typing.Stats(),
		Streams:     s.streams.Stats(),
		CurrentRoom: s.presence.CurrentRoom(),
	}
}

// -----------------------------------------------------------------------------
// connection.Hooks
// -----------------------------------------------------------------------------

// OnConnected subscribes to user notifications and rejoins the current room.
func (s *Session) OnConnected(ctx context.Context) {
	if err := s.presence.Resume(ctx); err != nil {
		s.logger.Warn("rejoin after connect failed", "error", err)
	}
}

// OnReconnected restores subscriptions after the transport recovered.
func (s *Session) OnReconnected(ctx context.Context) {
	if err := s.presence.Resume(ctx); err != nil {
		s.logger.Warn("rejoin after reconnect failed", "error", err)
	}
}

// OnConnectionLost drops connection-bound state but remembers the room.
func (s *Session) OnConnectionLost() {
	s.presence.ConnectionLost()
	s.typing.Reset()
}

// OnDisconnect sends the final typing and presence signals and releases
// every timer.
func (s *Session) OnDisconnect(ctx context.Context) {
	if s.typing.IsTyping() {
		s.typing.SetStatus(ctx, model.TypingOff)
	}
	s.typing.Stop()
	s.presence.LeaveRoom(ctx, "")
	s.presence.Stop()
}

// -----------------------------------------------------------------------------
// Inbound events
// -----------------------------------------------------------------------------

func (s *Session) registerHandlers() {
	router.On(s.router, model.EventMessageReceived, s.handleMessageReceived)
	router.On(s.router, model.EventMessageUpdated, s.handleMessageUpdated)
	router.On(s.router, model.EventMessageRevoked, func(msg model.Message) {
		msg.Revoked = true
		s.handleMessageUpdated(msg)
	})
	router.On(s.router, model.EventTypingStatusChanged, s.typing.HandleTypingStatus)
	router.On(s.router, model.EventActiveUsersUpdated, func(evt model.ActiveUsersUpdated) {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		s.presence.HandleActiveUsers(ctx, evt)
	})
	router.On(s.router, model.EventRoomRemoved, s.handleRoomRemoved)
	router.On(s.router, model.EventStreamChunk, func(evt model.StreamChunk) {
		s.streams.HandleChunk(evt)
	})
	router.On(s.router, model.EventStreamComplete, func(evt model.StreamComplete) {
		s.streams.OnComplete(evt.MessageCode)
	})
	router.On(s.router, model.EventStreamError, func(evt model.StreamError) {
		s.streams.OnError(evt.MessageCode, evt.ErrorMessage)
	})
	router.On(s.router, model.EventUnreadCountChanged, s.handleUnreadCount)
	router.On(s.router, model.EventNotificationCounts, s.handleNotificationCounts)
}

func (s *Session) handleMessageReceived(msg model.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := s.store.AppendMessage(ctx, msg); err != nil {
		s.logger.Warn("store message failed", "message_code", msg.Code, "error", err)
		return
	}
	if s.callbacks.OnMessage != nil {
		s.callbacks.OnMessage(msg)
	}
}

func (s *Session) handleMessageUpdated(msg model.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	err := s.store.UpdateMessageByCode(ctx, msg)
	if errors.Is(err, store.ErrMessageNotFound) {
		// Update for a message that arrived before this session started
		err = s.store.AppendMessage(ctx, msg)
	}
	if err != nil {
		s.logger.Warn("update message failed", "message_code", msg.Code, "error", err)
		return
	}
	if s.callbacks.OnMessage != nil {
		s.callbacks.OnMessage(msg)
	}
}

func (s *Session) handleRoomRemoved(evt model.RoomRemoved) {
	if evt.RoomID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if s.presence.CurrentRoom() == evt.RoomID || s.typing.Room() == evt.RoomID {
		s.ExitRoom(ctx)
	}
	s.streams.ClearRoomStreams(evt.RoomID)

	s.mu.Lock()
	delete(s.unread, evt.RoomID)
	s.mu.Unlock()

	s.logger.Info("removed from room", "room_id", evt.RoomID)
	s.notify(model.NotifyRoomRemoved, fmt.Sprintf("you were removed from %s", evt.RoomID))
	if s.callbacks.OnRoomRemoved != nil {
		s.callbacks.OnRoomRemoved(evt.RoomID)
	}
}

// handleUnreadCount forwards changes to the current user's unread counts.
// Repeats of the last known count are dropped.
func (s *Session) handleUnreadCount(evt model.UnreadCountChanged) {
	if evt.UserID != s.sc.CurrentUserID {
		return
	}

	s.mu.Lock()
	last, ok := s.unread[evt.RoomID]
	if ok && last == evt.UnreadCount {
		s.mu.Unlock()
		return
	}
	s.unread[evt.RoomID] = evt.UnreadCount
	s.mu.Unlock()

	if s.callbacks.OnUnreadCount != nil {
		s.callbacks.OnUnreadCount(evt)
	}
}

func (s *Session) handleNotificationCounts(evt model.NotificationCounts) {
	s.mu.Lock()
	if s.counts != nil && *s.counts == evt {
		s.mu.Unlock()
		return
	}
	s.counts = &evt
	s.mu.Unlock()

	if s.callbacks.OnNotificationCounts != nil {
		s.callbacks.OnNotificationCounts(evt)
	}
}

// UnreadCount returns the last known unread count for roomID.
func (s *Session) UnreadCount(roomID string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.unread[roomID]
	return n, ok
}
