// Package typing implements the local typing-indicator protocol for the
// viewed room and tracks which remote users are typing in it.
//
// Local state machine: Idle -> Typing on Touch (sends "on"), Typing -> Idle
// on Off, the idle timeout or the hard cap (sends "off"). A status is never
// sent twice within its TTL unless the value changed in between.
package typing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/chatlink/internal/clock"
	"github.com/rickgao/chatlink/internal/model"
)

// Invoker is the connection handle the protocol borrows.
type Invoker interface {
	Connected() bool
	Invoke(ctx context.Context, method string, args ...any) error
}

// Config holds typing timing.
type Config struct {
	OnTTL       time.Duration // Dedup window for repeated "on". Default: 5s
	OffTTL      time.Duration // Dedup window for repeated "off". Default: 800ms
	IdleTimeout time.Duration // Quiet time before an automatic "off". Default: 1500ms
	HardCap     time.Duration // Longest continuous typing before a forced "off". Default: 20s
	ClearGrace  time.Duration // Delay before clearing an empty remote list. Default: 300ms
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		OnTTL:       5 * time.Second,
		OffTTL:      800 * time.Millisecond,
		IdleTimeout: 1500 * time.Millisecond,
		HardCap:     20 * time.Second,
		ClearGrace:  300 * time.Millisecond,
	}
}

func (c Config) ttl(status model.TypingStatus) time.Duration {
	if status == model.TypingOn {
		return c.OnTTL
	}
	return c.OffTTL
}

// Stats counts typing traffic.
type Stats struct {
	OnSent       int64
	OffSent      int64
	Suppressed   int64 // Dropped by the TTL window
	SendFailures int64
}

// Protocol is the typing state of the viewed room.
type Protocol struct {
	cfg    Config
	inv    Invoker
	self   model.UserID
	clock  clock.Scheduler
	logger *slog.Logger

	mu         sync.Mutex
	roomID     string
	typing     bool
	lastSent   model.TypingStatus // "" until something is sent in this room
	lastSentAt time.Time

	idle     clock.Timer
	idleSeq  uint64
	hardCap  clock.Timer
	capSeq   uint64
	grace    clock.Timer
	graceSeq uint64

	displayed []model.TypingUser
	onChange  func([]model.TypingUser)
	stats     Stats
}

// New creates a typing protocol for the user self.
func New(cfg Config, inv Invoker, self model.UserID, sched clock.Scheduler, logger *slog.Logger) *Protocol {
	if logger == nil {
		logger = slog.Default()
	}
	if sched == nil {
		sched = clock.NewReal()
	}

	return &Protocol{
		cfg:    cfg,
		inv:    inv,
		self:   self,
		clock:  sched,
		logger: logger.With("component", "typing"),
	}
}

// OnChange registers fn to receive the displayed typing users whenever
// they change. fn runs without the protocol's lock held.
func (p *Protocol) OnChange(fn func([]model.TypingUser)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChange = fn
}

// Touch records local keystroke activity.
func (p *Protocol) Touch(ctx context.Context) {
	p.mu.Lock()
	if p.roomID == "" {
		p.mu.Unlock()
		return
	}

	send := false
	if !p.typing {
		p.typing = true
		send = p.claimLocked(model.TypingOn)
	}

	p.armIdleLocked()
	if p.hardCap == nil {
		p.capSeq++
		seq := p.capSeq
		p.hardCap = p.clock.Schedule(p.cfg.HardCap, func() { p.onHardCap(seq) })
	}
	roomID := p.roomID
	p.mu.Unlock()

	if send {
		p.transmit(ctx, roomID, model.TypingOn)
	}
}

// Off ends local typing and sends "off" unless the peers already have it.
func (p *Protocol) Off(ctx context.Context) {
	p.mu.Lock()
	send := p.offLocked()
	roomID := p.roomID
	p.mu.Unlock()

	if send {
		p.transmit(ctx, roomID, model.TypingOff)
	}
}

// offLocked cancels the local timers and reports whether "off" must be sent.
// Must be called with lock held.
func (p *Protocol) offLocked() bool {
	p.stopTimersLocked()
	if !p.typing && p.lastSent != model.TypingOn {
		return false
	}
	p.typing = false
	return p.claimLocked(model.TypingOff)
}

// SetStatus sends status immediately, ignoring the TTL window and leaving the
// timers alone. Used when the connection is being closed on purpose.
func (p *Protocol) SetStatus(ctx context.Context, status model.TypingStatus) {
	p.mu.Lock()
	roomID := p.roomID
	if roomID == "" || !p.inv.Connected() {
		p.mu.Unlock()
		return
	}
	p.typing = status == model.TypingOn
	p.recordLocked(status)
	p.mu.Unlock()

	p.transmit(ctx, roomID, status)
}

// claimLocked applies the TTL window and records the send. Must be called
// with lock held.
func (p *Protocol) claimLocked(status model.TypingStatus) bool {
	if p.roomID == "" {
		return false
	}
	now := p.clock.Now()
	if p.lastSent == status && now.Sub(p.lastSentAt) < p.cfg.ttl(status) {
		p.stats.Suppressed++
		return false
	}
	if !p.inv.Connected() {
		return false
	}
	p.recordLocked(status)
	return true
}

func (p *Protocol) recordLocked(status model.TypingStatus) {
	p.lastSent = status
	p.lastSentAt = p.clock.Now()
	if status == model.TypingOn {
		p.stats.OnSent++
	} else {
		p.stats.OffSent++
	}
}

func (p *Protocol) transmit(ctx context.Context, roomID string, status model.TypingStatus) {
	req := model.TypingRequest{RoomID: roomID, Status: status}
	if err := p.inv.Invoke(ctx, model.MethodSendTyping, req); err != nil {
		p.mu.Lock()
		p.stats.SendFailures++
		p.mu.Unlock()
		p.logger.Debug("send typing failed", "room_id", roomID, "status", status, "error", err)
	}
}

// armIdleLocked restarts the idle timeout. Must be called with lock held.
func (p *Protocol) armIdleLocked() {
	if p.idle != nil {
		p.idle.Stop()
	}
	p.idleSeq++
	seq := p.idleSeq
	p.idle = p.clock.Schedule(p.cfg.IdleTimeout, func() { p.onIdle(seq) })
}

func (p *Protocol) onIdle(seq uint64) {
	p.mu.Lock()
	if seq != p.idleSeq || p.idle == nil {
		p.mu.Unlock()
		return
	}
	p.idle = nil
	p.mu.Unlock()

	p.Off(context.Background())
}

func (p *Protocol) onHardCap(seq uint64) {
	p.mu.Lock()
	if seq != p.capSeq || p.hardCap == nil {
		p.mu.Unlock()
		return
	}
	p.hardCap = nil
	p.mu.Unlock()

	p.logger.Debug("typing hard cap reached")
	p.Off(context.Background())
}

// stopTimersLocked cancels the idle and hard-cap timers. Must be called with lock held.
func (p *Protocol) stopTimersLocked() {
	if p.idle != nil {
		p.idle.Stop()
		p.idle = nil
	}
	p.idleSeq++
	if p.hardCap != nil {
		p.hardCap.Stop()
		p.hardCap = nil
	}
	p.capSeq++
}

func (p *Protocol) stopGraceLocked() {
	if p.grace != nil {
		p.grace.Stop()
		p.grace = nil
	}
	p.graceSeq++
}

// HandleTypingStatus ingests the hub's typing list for a room. Lists for
// any room other than the viewed one are ignored.
func (p *Protocol) HandleTypingStatus(evt model.TypingStatusChanged) {
	p.mu.Lock()
	if p.roomID == "" || evt.RoomID != p.roomID {
		p.mu.Unlock()
		return
	}

	users := make([]model.TypingUser, 0, len(evt.TypingUsers))
	for _, u := range evt.TypingUsers {
		if u.UserID == p.self {
			continue
		}
		users = append(users, u)
	}

	if len(users) == 0 {
		// Absorb flicker between rapid empty and non-empty pushes
		if len(p.displayed) > 0 && p.grace == nil {
			p.graceSeq++
			seq := p.graceSeq
			p.grace = p.clock.Schedule(p.cfg.ClearGrace, func() { p.onGrace(seq) })
		}
		p.mu.Unlock()
		return
	}

	p.stopGraceLocked()
	p.displayed = users
	fn := p.onChange
	p.mu.Unlock()

	if fn != nil {
		fn(cloneUsers(users))
	}
}

func (p *Protocol) onGrace(seq uint64) {
	p.mu.Lock()
	if seq != p.graceSeq {
		p.mu.Unlock()
		return
	}
	p.grace = nil
	fn := p.clearDisplayedLocked()
	p.mu.Unlock()

	if fn != nil {
		fn(nil)
	}
}

// clearDisplayedLocked empties the displayed set and returns the change
// callback if there was anything to clear. Must be called with lock held.
func (p *Protocol) clearDisplayedLocked() func([]model.TypingUser) {
	if len(p.displayed) == 0 {
		return nil
	}
	p.displayed = nil
	return p.onChange
}

// SetRoom switches the viewed room. If the user was typing in the old room
// an "off" is sent there first. Per-room state starts fresh.
func (p *Protocol) SetRoom(ctx context.Context, roomID string) {
	p.mu.Lock()
	if roomID == p.roomID {
		p.mu.Unlock()
		return
	}

	oldRoom := p.roomID
	send := false
	if p.typing {
		p.typing = false
		send = p.claimLocked(model.TypingOff)
	}
	fn := p.resetLocked()
	p.roomID = roomID
	p.mu.Unlock()

	if send {
		p.transmit(ctx, oldRoom, model.TypingOff)
	}
	if fn != nil {
		fn(nil)
	}
}

// Reset cancels every timer and forgets local and remote typing state but
// keeps the viewed room. Used when the connection is lost.
func (p *Protocol) Reset() {
	p.mu.Lock()
	fn := p.resetLocked()
	p.mu.Unlock()

	if fn != nil {
		fn(nil)
	}
}

// Stop is Reset plus leaving the viewed room. Safe to call repeatedly.
func (p *Protocol) Stop() {
	p.mu.Lock()
	fn := p.resetLocked()
	p.roomID = ""
	p.mu.Unlock()

	if fn != nil {
		fn(nil)
	}
}

func (p *Protocol) resetLocked() func([]model.TypingUser) {
	p.stopTimersLocked()
	p.stopGraceLocked()
	p.typing = false
	p.lastSent = ""
	p.lastSentAt = time.Time{}
	return p.clearDisplayedLocked()
}

// Typing returns the remote users currently shown as typing.
func (p *Protocol) Typing() []model.TypingUser {
	p.mu.Lock()
	defer p.mu.Unlock()
	return cloneUsers(p.displayed)
}

// IsTyping reports whether the local user is in the Typing state.
func (p *Protocol) IsTyping() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.typing
}

// Room returns the viewed room.
func (p *Protocol) Room() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.roomID
}

// Stats returns typing counters.
func (p *Protocol) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func cloneUsers(users []model.TypingUser) []model.TypingUser {
	if len(users) == 0 {
		return nil
	}
	out := make([]model.TypingUser, len(users))
	copy(out, users)
	return out
}
