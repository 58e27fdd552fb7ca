package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/chatlink/internal/clock"
	"github.com/rickgao/chatlink/internal/model"
)

// DefaultSendTimeout bounds a SendStreamMessage acknowledgement.
const DefaultSendTimeout = 15 * time.Second

// ErrEmptyMessage is returned when there is nothing to send.
var ErrEmptyMessage = errors.New("empty stream message")

// Invoker sends hub calls with an explicit timeout.
type Invoker interface {
	InvokeTimeout(ctx context.Context, timeout time.Duration, method string, args ...any) error
}

// Sender starts outbound streamed messages.
type Sender struct {
	inv      Invoker
	deviceID string
	timeout  time.Duration
	clock    clock.Scheduler
	logger   *slog.Logger
	newCode  func() string
}

// NewSender creates a sender. timeout <= 0 uses DefaultSendTimeout.
func NewSender(inv Invoker, deviceID string, timeout time.Duration, sched clock.Scheduler, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	if sched == nil {
		sched = clock.NewReal()
	}
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}

	return &Sender{
		inv:      inv,
		deviceID: deviceID,
		timeout:  timeout,
		clock:    sched,
		logger:   logger.With("component", "stream_sender"),
		newCode:  func() string { return "stream_" + uuid.NewString() },
	}
}

// Send asks the hub to stream a reply to text in roomID and returns the
// message code the chunks will carry. Failures are returned, never dropped.
func (s *Sender) Send(ctx context.Context, roomID, text string, extra map[string]any) (string, error) {
	if text == "" {
		return "", ErrEmptyMessage
	}

	code := s.newCode()
	req := model.SendStreamMessageRequest{
		DeviceID:    s.deviceID,
		RoomID:      roomID,
		MessageCode: code,
		Message:     text,
		Timestamp:   s.clock.Now().UnixMilli(),
		Extra:       extra,
	}

	if err := s.inv.InvokeTimeout(ctx, s.timeout, model.MethodSendStreamMessage, req); err != nil {
		s.logger.Warn("send stream message failed", "room_id", roomID, "message_code", code, "error", err)
		return code, fmt.Errorf("send stream message: %w", err)
	}

	s.logger.Debug("stream message sent", "room_id", roomID, "message_code", code)
	return code, nil
}
