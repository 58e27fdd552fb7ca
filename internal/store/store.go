// Package store holds chat messages delivered by the hub and keeps their
// read receipts in line with room presence.
//
// Memory is the default. Postgres persists messages through a pgx pool.
package store

import (
	"context"
	"errors"

	"github.com/rickgao/chatlink/internal/model"
)

// ErrMessageNotFound is returned when an update targets an unknown message code.
var ErrMessageNotFound = errors.New("message not found")

// Store is the message store the session writes into.
type Store interface {
	// AppendMessage adds a message. Re-delivery of a known code is ignored.
	AppendMessage(ctx context.Context, msg model.Message) error

	// UpdateMessageByCode merges an update into the stored message with the
	// same code. Empty fields keep their stored value; Code and SentAt never change.
	UpdateMessageByCode(ctx context.Context, msg model.Message) error

	// ReconcileReadStatus marks the current user's messages in roomID as
	// read by every other active user.
	ReconcileReadStatus(ctx context.Context, roomID string, activeUserIDs []model.UserID, currentUserID model.UserID) error

	// Messages returns a room's messages oldest first.
	Messages(ctx context.Context, roomID string) ([]model.Message, error)
}

// readers returns activeUserIDs without currentUserID, deduplicated.
func readers(activeUserIDs []model.UserID, currentUserID model.UserID) []model.UserID {
	seen := make(map[model.UserID]struct{}, len(activeUserIDs))
	out := make([]model.UserID, 0, len(activeUserIDs))
	for _, id := range activeUserIDs {
		if id == "" || id == currentUserID {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// mergeUpdate applies the non-empty fields of upd to stored. Revocation is
// one-way.
func mergeUpdate(stored, upd model.Message) model.Message {
	out := stored
	if upd.RoomID != "" {
		out.RoomID = upd.RoomID
	}
	if upd.SenderID != "" {
		out.SenderID = upd.SenderID
	}
	if upd.SenderName != "" {
		out.SenderName = upd.SenderName
	}
	if upd.Text != "" {
		out.Text = upd.Text
	}
	out.Revoked = stored.Revoked || upd.Revoked
	if len(upd.ReadBy) > 0 {
		out.ReadBy = upd.ReadBy
	}
	return out
}
