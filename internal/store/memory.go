package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rickgao/chatlink/internal/model"
)

// Memory is an in-process Store.
type Memory struct {
	mu     sync.RWMutex
	byCode map[string]*entry
	seq    uint64
}

type entry struct {
	msg model.Message
	seq uint64 // Arrival order, breaks SentAt ties
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{byCode: make(map[string]*entry)}
}

// AppendMessage adds msg unless its code is already stored.
func (m *Memory) AppendMessage(_ context.Context, msg model.Message) error {
	if msg.Code == "" {
		return fmt.Errorf("append message: empty message code")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byCode[msg.Code]; ok {
		return nil
	}
	m.seq++
	m.byCode[msg.Code] = &entry{msg: cloneMessage(msg), seq: m.seq}
	return nil
}

// UpdateMessageByCode merges msg into the stored message. The stored SentAt
// is kept so ordering does not shift.
func (m *Memory) UpdateMessageByCode(_ context.Context, msg model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byCode[msg.Code]
	if !ok {
		return fmt.Errorf("update %s: %w", msg.Code, ErrMessageNotFound)
	}
	e.msg = cloneMessage(mergeUpdate(e.msg, msg))
	return nil
}

// ReconcileReadStatus adds the active users to ReadBy on the current user's messages.
func (m *Memory) ReconcileReadStatus(_ context.Context, roomID string, activeUserIDs []model.UserID, currentUserID model.UserID) error {
	others := readers(activeUserIDs, currentUserID)
	if len(others) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.byCode {
		if e.msg.RoomID != roomID || e.msg.SenderID != currentUserID {
			continue
		}
		for _, id := range others {
			if !containsID(e.msg.ReadBy, id) {
				e.msg.ReadBy = append(e.msg.ReadBy, id)
			}
		}
	}
	return nil
}

// Messages returns a room's messages ordered by send time.
func (m *Memory) Messages(_ context.Context, roomID string) ([]model.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var entries []*entry
	for _, e := range m.byCode {
		if e.msg.RoomID == roomID {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.msg.SentAt.Equal(b.msg.SentAt) {
			return a.seq < b.seq
		}
		return a.msg.SentAt.Before(b.msg.SentAt)
	})

	out := make([]model.Message, len(entries))
	for i, e := range entries {
		out[i] = cloneMessage(e.msg)
	}
	return out, nil
}

// Len returns the number of stored messages.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byCode)
}

func cloneMessage(msg model.Message) model.Message {
	msg.ReadBy = append([]model.UserID(nil), msg.ReadBy...)
	return msg
}

func containsID(ids []model.UserID, id model.UserID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
