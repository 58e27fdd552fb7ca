package model

import "encoding/json"

// Hub methods invoked by the client.
const (
	MethodJoinUserNotifications = "JoinUserNotifications"
	MethodJoinRoom              = "JoinRoom"
	MethodLeaveRoom             = "LeaveRoom"
	MethodPing                  = "Ping"
	MethodSetInactive           = "SetInactive"
	MethodSendTyping            = "SendTyping"
	MethodSendMessage           = "SendMessage"
	MethodSendStreamMessage     = "SendStreamMessage"
)

// Events pushed by the hub.
const (
	EventMessageReceived     = "MessageReceived"
	EventMessageUpdated      = "MessageUpdated"
	EventMessageRevoked      = "MessageRevoked"
	EventTypingStatusChanged = "TypingStatusChanged"
	EventActiveUsersUpdated  = "ActiveUsersUpdated"
	EventRoomRemoved         = "RoomRemoved"
	EventStreamChunk         = "StreamChunk"
	EventStreamComplete      = "StreamComplete"
	EventStreamError         = "StreamError"
	EventUnreadCountChanged  = "UnreadCountChanged"
	EventNotificationCounts  = "RoomChatAndFriendRequestReceived"
)

// TypingRequest is the SendTyping argument.
type TypingRequest struct {
	RoomID string       `json:"roomId"`
	Status TypingStatus `json:"status"`
}

// SendMessageRequest is the SendMessage argument. Extra fields are merged
// into the top-level JSON object.
type SendMessageRequest struct {
	RoomID   string
	Text     string
	DeviceID string
	Extra    map[string]any
}

// MarshalJSON flattens Extra next to the fixed fields.
func (r SendMessageRequest) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(r.Extra, map[string]any{
		"roomId":   r.RoomID,
		"text":     r.Text,
		"deviceId": r.DeviceID,
	})
}

// SendStreamMessageRequest is the SendStreamMessage argument.
type SendStreamMessageRequest struct {
	DeviceID    string
	RoomID      string
	MessageCode string
	Message     string
	Timestamp   int64 // ms since epoch
	Extra       map[string]any
}

// MarshalJSON flattens Extra next to the fixed fields.
func (r SendStreamMessageRequest) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(r.Extra, map[string]any{
		"deviceId":    r.DeviceID,
		"roomId":      r.RoomID,
		"messageCode": r.MessageCode,
		"message":     r.Message,
		"timestamp":   r.Timestamp,
	})
}

// marshalWithExtra encodes fixed over extra; fixed keys win on collision.
func marshalWithExtra(extra, fixed map[string]any) ([]byte, error) {
	out := make(map[string]any, len(extra)+len(fixed))
	for k, v := range extra {
		out[k] = v
	}
	for k, v := range fixed {
		out[k] = v
	}
	return json.Marshal(out)
}
