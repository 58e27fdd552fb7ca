package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// -----------------------------------------------------------------------------
// Identity
// -----------------------------------------------------------------------------

// UserID identifies a user. The hub emits numeric IDs; UnmarshalJSON accepts both forms.
type UserID string

// UnmarshalJSON accepts a JSON string or number.
func (u *UserID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*u = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*u = UserID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("user id: %w", err)
	}
	*u = UserID(n.String())
	return nil
}

// ParseUserID converts an int64 user ID.
func ParseUserID(id int64) UserID {
	return UserID(strconv.FormatInt(id, 10))
}

// SessionContext is the identity a session runs under. It is injected once
// at construction and never re-read.
type SessionContext struct {
	CurrentUserID UserID
	AccessToken   string
	DeviceID      string
}

// -----------------------------------------------------------------------------
// Notifications
// -----------------------------------------------------------------------------

// NotifyKind classifies a user-facing notification.
type NotifyKind string

const (
	NotifyOffline     NotifyKind = "offline"      // Reconnection exhausted
	NotifyOnline      NotifyKind = "online"       // Connection recovered after failures
	NotifySendFailed  NotifyKind = "send_failed"  // Message or stream send failed
	NotifyRoomRemoved NotifyKind = "room_removed" // Current user was removed from a room
)

// Notifier surfaces a message to the user.
type Notifier func(kind NotifyKind, message string)

// -----------------------------------------------------------------------------
// Messages
// -----------------------------------------------------------------------------

// Message is a chat message as delivered by MessageReceived/Updated/Revoked.
type Message struct {
	Code       string    `json:"messageCode"`
	RoomID     string    `json:"chatCode"`
	SenderID   UserID    `json:"userId"`
	SenderName string    `json:"userName,omitempty"`
	Text       string    `json:"content"`
	Revoked    bool      `json:"isRevoked,omitempty"`
	SentAt     time.Time `json:"createDate"`
	ReadBy     []UserID  `json:"readBy,omitempty"`
}

// TypingStatus is the local typing signal.
type TypingStatus string

const (
	TypingOn  TypingStatus = "on"
	TypingOff TypingStatus = "off"
)

// TypingUser is a peer currently composing a message.
type TypingUser struct {
	UserID   UserID `json:"userId"`
	UserName string `json:"userName"`
	Avatar   string `json:"avatar,omitempty"`
}

// -----------------------------------------------------------------------------
// Inbound events
// -----------------------------------------------------------------------------

// TypingStatusChanged lists the users typing in a room.
type TypingStatusChanged struct {
	RoomID      string       `json:"roomId"`
	TypingUsers []TypingUser `json:"typingUsers"`
}

// ActiveUsersUpdated lists the users currently viewing a room.
type ActiveUsersUpdated struct {
	RoomID          string    `json:"roomId"`
	ActiveUserIDs   []UserID  `json:"activeUserIds"`
	ActiveUserCount int       `json:"activeUserCount"`
	LastUpdatedAt   time.Time `json:"lastUpdatedAt"`
}

// RoomRemoved names a room the current user no longer belongs to.
// The hub sends either a bare room identifier or {"roomId": ...}.
type RoomRemoved struct {
	RoomID string `json:"roomId"`
}

// UnmarshalJSON accepts a bare string or an object.
func (r *RoomRemoved) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &r.RoomID)
	}
	type plain RoomRemoved
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = RoomRemoved(p)
	return nil
}

// StreamChunk carries one fragment of a streamed message.
type StreamChunk struct {
	RoomID         string `json:"roomId"`
	MessageCode    string `json:"messageCode"`
	BotMessageCode string `json:"botMessageCode,omitempty"`
	Chunk          string `json:"chunk"`
	CompleteText   string `json:"completeText"`
}

// StreamComplete ends a streamed message.
type StreamComplete struct {
	RoomID      string `json:"roomId"`
	MessageCode string `json:"messageCode"`
}

// StreamError aborts a streamed message.
type StreamError struct {
	RoomID       string `json:"roomId"`
	MessageCode  string `json:"messageCode"`
	ErrorMessage string `json:"errorMessage"`
}

// UnreadCountChanged reports a user's unread count for one room.
type UnreadCountChanged struct {
	RoomID      string `json:"chatCode"`
	UserID      UserID `json:"userId"`
	UnreadCount int    `json:"unreadCount"`
}

// NotificationCounts is the badge snapshot pushed on the user notification channel.
type NotificationCounts struct {
	UnreadChats           int `json:"unreadChatCount"`
	PendingFriendRequests int `json:"friendRequestCount"`
	UnreadNotifications   int `json:"notificationCount"`
}
