// Package stream assembles server-streamed messages chunk by chunk and
// sends outbound stream requests.
//
// Each message moves Idle -> Streaming on its first chunk, then to Complete
// or Error. Both are terminal: later events for the message are ignored.
package stream

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rickgao/chatlink/internal/clock"
	"github.com/rickgao/chatlink/internal/model"
)

// Chunk is one received fragment.
type Chunk struct {
	Text       string
	ReceivedAt time.Time
}

// Message is the assembled state of one streamed message.
type Message struct {
	MessageCode    string
	ChatCode       string
	BotMessageCode string
	Chunks         []Chunk
	CompleteText   string // Cumulative text as supplied by the server
	IsStreaming    bool
	IsComplete     bool
	HasError       bool
	ErrorMessage   string
	StartTime      time.Time
	EndTime        time.Time
}

// Terminal reports whether the message accepts no more events.
func (m *Message) Terminal() bool {
	return m.IsComplete || m.HasError
}

func (m *Message) clone() Message {
	c := *m
	c.Chunks = append([]Chunk(nil), m.Chunks...)
	return c
}

// Stats aggregates the tracked messages.
type Stats struct {
	Total     int
	Active    int
	Completed int
	Errored   int
}

// Assembler tracks streamed messages by message code.
type Assembler struct {
	clock  clock.Scheduler
	logger *slog.Logger

	mu       sync.RWMutex
	messages map[string]*Message
	onChange func(Message)
}

// NewAssembler creates an empty assembler.
func NewAssembler(sched clock.Scheduler, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	if sched == nil {
		sched = clock.NewReal()
	}

	return &Assembler{
		clock:    sched,
		logger:   logger.With("component", "stream"),
		messages: make(map[string]*Message),
	}
}

// OnChange registers fn to receive a copy of a message after every state
// change. fn runs without the assembler's lock held.
func (a *Assembler) OnChange(fn func(Message)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onChange = fn
}

// OnChunk appends a chunk, creating the message on first sight. The
// server's cumulative completeText replaces the local text. A chunk whose
// completeText is no longer than what is already assembled is a duplicate
// delivery and is dropped.
func (a *Assembler) OnChunk(messageCode, chatCode, chunk, completeText string) bool {
	return a.apply(messageCode, chatCode, "", chunk, completeText)
}

// HandleChunk applies a StreamChunk event, keeping its bot message code.
func (a *Assembler) HandleChunk(evt model.StreamChunk) bool {
	return a.apply(evt.MessageCode, evt.RoomID, evt.BotMessageCode, evt.Chunk, evt.CompleteText)
}

func (a *Assembler) apply(messageCode, chatCode, botMessageCode, chunk, completeText string) bool {
	if messageCode == "" {
		return false
	}
	now := a.clock.Now()

	a.mu.Lock()
	m, ok := a.messages[messageCode]
	if !ok {
		m = &Message{
			MessageCode: messageCode,
			ChatCode:    chatCode,
			IsStreaming: true,
			StartTime:   now,
		}
		a.messages[messageCode] = m
	}
	if m.Terminal() {
		a.mu.Unlock()
		a.logger.Debug("chunk for finished stream ignored", "message_code", messageCode)
		return false
	}
	if len(m.Chunks) > 0 && len(completeText) <= len(m.CompleteText) {
		a.mu.Unlock()
		a.logger.Debug("duplicate chunk dropped", "message_code", messageCode)
		return false
	}

	m.Chunks = append(m.Chunks, Chunk{Text: chunk, ReceivedAt: now})
	m.CompleteText = completeText
	if botMessageCode != "" {
		m.BotMessageCode = botMessageCode
	}
	snapshot, fn := m.clone(), a.onChange
	a.mu.Unlock()

	if fn != nil {
		fn(snapshot)
	}
	return true
}

// OnComplete marks the message complete. Unknown or finished messages are ignored.
func (a *Assembler) OnComplete(messageCode string) bool {
	return a.finish(messageCode, func(m *Message) {
		m.IsComplete = true
	})
}

// OnError marks the message failed. Unknown or finished messages are ignored.
func (a *Assembler) OnError(messageCode, errorMessage string) bool {
	return a.finish(messageCode, func(m *Message) {
		m.HasError = true
		m.ErrorMessage = errorMessage
	})
}

func (a *Assembler) finish(messageCode string, mark func(*Message)) bool {
	now := a.clock.Now()

	a.mu.Lock()
	m, ok := a.messages[messageCode]
	if !ok || m.Terminal() {
		a.mu.Unlock()
		return false
	}
	mark(m)
	m.IsStreaming = false
	m.EndTime = now
	snapshot, fn := m.clone(), a.onChange
	a.mu.Unlock()

	if snapshot.HasError {
		a.logger.Warn("stream failed", "message_code", messageCode, "error", snapshot.ErrorMessage)
	} else {
		a.logger.Debug("stream complete",
			"message_code", messageCode,
			"chunks", len(snapshot.Chunks),
			"duration", snapshot.EndTime.Sub(snapshot.StartTime),
		)
	}

	if fn != nil {
		fn(snapshot)
	}
	return true
}

// IsActive reports whether the message is still streaming.
func (a *Assembler) IsActive(messageCode string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, ok := a.messages[messageCode]
	return ok && m.IsStreaming
}

// IsComplete reports whether the message completed.
func (a *Assembler) IsComplete(messageCode string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, ok := a.messages[messageCode]
	return ok && m.IsComplete
}

// HasError reports whether the message failed.
func (a *Assembler) HasError(messageCode string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, ok := a.messages[messageCode]
	return ok && m.HasError
}

// Error returns the failure message, or "" if the message did not fail.
func (a *Assembler) Error(messageCode string) string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if m, ok := a.messages[messageCode]; ok {
		return m.ErrorMessage
	}
	return ""
}

// Message returns a copy of the tracked message.
func (a *Assembler) Message(messageCode string) (Message, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, ok := a.messages[messageCode]
	if !ok {
		return Message{}, false
	}
	return m.clone(), true
}

// ByRoom returns the room's messages ordered by start time.
func (a *Assembler) ByRoom(chatCode string) []Message {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []Message
	for _, m := range a.messages {
		if m.ChatCode == chatCode {
			out = append(out, m.clone())
		}
	}
	sortByStart(out)
	return out
}

// Active returns every streaming message ordered by start time.
func (a *Assembler) Active() []Message {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []Message
	for _, m := range a.messages {
		if m.IsStreaming {
			out = append(out, m.clone())
		}
	}
	sortByStart(out)
	return out
}

// Stats counts tracked messages by state.
func (a *Assembler) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	s := Stats{Total: len(a.messages)}
	for _, m := range a.messages {
		switch {
		case m.IsStreaming:
			s.Active++
		case m.IsComplete:
			s.Completed++
		case m.HasError:
			s.Errored++
		}
	}
	return s
}

// Clear forgets one message.
func (a *Assembler) Clear(messageCode string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.messages, messageCode)
}

// ClearRoomStreams forgets every message of a room and returns how many were dropped.
func (a *Assembler) ClearRoomStreams(chatCode string) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for code, m := range a.messages {
		if m.ChatCode == chatCode {
			delete(a.messages, code)
			n++
		}
	}
	return n
}

func sortByStart(msgs []Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].StartTime.Equal(msgs[j].StartTime) {
			return msgs[i].MessageCode < msgs[j].MessageCode
		}
		return msgs[i].StartTime.Before(msgs[j].StartTime)
	})
}
