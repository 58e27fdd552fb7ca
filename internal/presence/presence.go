// Package presence implements the room presence coordinator: one current
// room at a time, a heartbeat ping loop while it is active, and ingestion
// of the hub's active-user lists.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rickgao/chatlink/internal/clock"
	"github.com/rickgao/chatlink/internal/model"
)

// Invoker is the connection handle presence borrows.
type Invoker interface {
	Connected() bool
	Invoke(ctx context.Context, method string, args ...any) error
}

// ReadStatusReconciler updates read receipts once the active set changes.
type ReadStatusReconciler interface {
	ReconcileReadStatus(ctx context.Context, roomID string, activeUserIDs []model.UserID, currentUserID model.UserID) error
}

// Config holds heartbeat timing.
type Config struct {
	PingInterval time.Duration // Heartbeat ping period. Default: 20s
	TickInterval time.Duration // Heartbeat check granularity. Default: 2s
	TouchGap     time.Duration // Min gap for activity-driven pings. Default: 3s
	MinPingGap   time.Duration // Floor shared by every ping path. Default: 8s
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		PingInterval: 20 * time.Second,
		TickInterval: 2 * time.Second,
		TouchGap:     3 * time.Second,
		MinPingGap:   8 * time.Second,
	}
}

// RoomSession is the state of the joined room.
type RoomSession struct {
	RoomID        string
	JoinedAt      time.Time
	LastPingAt    time.Time
	ActiveUserIDs []model.UserID // Sorted
}

// Stats counts presence traffic.
type Stats struct {
	Joins         int64
	Leaves        int64
	PingsSent     int64
	PingsSkipped  int64
	PingFailures  int64
	ActiveUpdates int64
}

// Coordinator tracks the current room and keeps it alive with pings.
type Coordinator struct {
	cfg    Config
	inv    Invoker
	store  ReadStatusReconciler
	self   model.UserID
	clock  clock.Scheduler
	logger *slog.Logger

	mu      sync.Mutex
	session *roomSession
	desired string // Room to rejoin after a reconnect
	tick    clock.Timer
	gen     uint64 // Bumped whenever the heartbeat target changes
	stats   Stats
}

type roomSession struct {
	roomID     string
	joinedAt   time.Time
	lastPingAt time.Time
	active     map[model.UserID]struct{}
}

// New creates a presence coordinator. store may be nil.
func New(cfg Config, inv Invoker, store ReadStatusReconciler, self model.UserID, sched clock.Scheduler, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if sched == nil {
		sched = clock.NewReal()
	}

	return &Coordinator{
		cfg:    cfg,
		inv:    inv,
		store:  store,
		self:   self,
		clock:  sched,
		logger: logger.With("component", "presence"),
	}
}

// JoinRoom leaves any other active room, joins roomID and starts the heartbeat.
// A join failure is returned; the room is still remembered for the next resume.
func (c *Coordinator) JoinRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("join room: empty room id")
	}

	c.mu.Lock()
	var previous string
	if c.session != nil && c.session.roomID != roomID {
		previous = c.session.roomID
	}
	c.mu.Unlock()

	if previous != "" {
		c.LeaveRoom(ctx, previous)
	}

	c.mu.Lock()
	c.desired = roomID
	c.mu.Unlock()

	if err := c.inv.Invoke(ctx, model.MethodJoinRoom, roomID); err != nil {
		return fmt.Errorf("join room %s: %w", roomID, err)
	}

	c.mu.Lock()
	c.stopTickLocked()
	c.gen++
	gen := c.gen
	c.session = &roomSession{
		roomID:   roomID,
		joinedAt: c.clock.Now(),
		active:   make(map[model.UserID]struct{}),
	}
	c.stats.Joins++
	c.scheduleTickLocked(gen)
	c.mu.Unlock()

	c.logger.Info("joined room", "room_id", roomID)

	// Zero lastPingAt makes the first ping immediate
	c.ping(ctx, gen, c.cfg.PingInterval)
	return nil
}

// LeaveRoom stops the heartbeat and leaves roomID, or the current room if
// roomID is empty. Hub failures are logged and swallowed.
func (c *Coordinator) LeaveRoom(ctx context.Context, roomID string) {
	c.mu.Lock()
	if roomID == "" {
		if c.session != nil {
			roomID = c.session.roomID
		} else {
			roomID = c.desired
		}
	}
	if roomID == "" {
		c.mu.Unlock()
		return
	}
	if c.session != nil && c.session.roomID == roomID {
		c.stopTickLocked()
		c.gen++
	}
	if c.desired == roomID {
		c.desired = ""
	}
	c.stats.Leaves++
	c.mu.Unlock()

	if c.inv.Connected() {
		if err := c.inv.Invoke(ctx, model.MethodSetInactive, roomID); err != nil {
			c.logger.Debug("set inactive failed", "room_id", roomID, "error", err)
		}
		if err := c.inv.Invoke(ctx, model.MethodLeaveRoom, roomID); err != nil {
			c.logger.Warn("leave room failed", "room_id", roomID, "error", err)
		}
	}

	c.mu.Lock()
	if c.session != nil && c.session.roomID == roomID {
		c.session = nil
	}
	c.mu.Unlock()

	c.logger.Info("left room", "room_id", roomID)
}

// PingActiveRoom requests a ping for the current room, subject to the minimum gap.
func (c *Coordinator) PingActiveRoom(ctx context.Context) bool {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	return c.ping(ctx, gen, c.cfg.MinPingGap)
}

// Touch signals user activity; pings if the touch gap has elapsed.
func (c *Coordinator) Touch(ctx context.Context) bool {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	return c.ping(ctx, gen, c.cfg.TouchGap)
}

// ping sends a ping when at least gap (and never less than MinPingGap) has
// passed since the last one. The slot is claimed under the lock, so
// concurrent callers never double-send.
func (c *Coordinator) ping(ctx context.Context, gen uint64, gap time.Duration) bool {
	c.mu.Lock()
	if c.session == nil || gen != c.gen {
		c.mu.Unlock()
		return false
	}

	now := c.clock.Now()
	if last := c.session.lastPingAt; !last.IsZero() {
		elapsed := now.Sub(last)
		if elapsed < gap || elapsed < c.cfg.MinPingGap {
			c.stats.PingsSkipped++
			c.mu.Unlock()
			return false
		}
	}
	if !c.inv.Connected() {
		c.stats.PingsSkipped++
		c.mu.Unlock()
		return false
	}
	c.session.lastPingAt = now
	roomID := c.session.roomID
	c.stats.PingsSent++
	c.mu.Unlock()

	if err := c.inv.Invoke(ctx, model.MethodPing, roomID); err != nil {
		c.mu.Lock()
		c.stats.PingFailures++
		c.mu.Unlock()
		c.logger.Debug("ping failed", "room_id", roomID, "error", err)
	}
	return true
}

// scheduleTickLocked arms the next heartbeat check. Must be called with lock held.
func (c *Coordinator) scheduleTickLocked(gen uint64) {
	c.tick = c.clock.Schedule(c.cfg.TickInterval, func() { c.onTick(gen) })
}

func (c *Coordinator) onTick(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.session == nil {
		c.mu.Unlock()
		return
	}
	c.scheduleTickLocked(gen)
	c.mu.Unlock()

	c.ping(context.Background(), gen, c.cfg.PingInterval)
}

// stopTickLocked cancels the heartbeat. Must be called with lock held.
func (c *Coordinator) stopTickLocked() {
	if c.tick != nil {
		c.tick.Stop()
		c.tick = nil
	}
}

// HandleActiveUsers replaces the active set of the current room and
// reconciles read receipts. Updates for other rooms are stale and ignored.
func (c *Coordinator) HandleActiveUsers(ctx context.Context, evt model.ActiveUsersUpdated) {
	c.mu.Lock()
	if c.session == nil || c.session.roomID != evt.RoomID {
		c.mu.Unlock()
		return
	}
	active := make(map[model.UserID]struct{}, len(evt.ActiveUserIDs))
	for _, id := range evt.ActiveUserIDs {
		active[id] = struct{}{}
	}
	c.session.active = active
	c.stats.ActiveUpdates++
	ids := sortedIDs(active)
	c.mu.Unlock()

	if c.store == nil {
		return
	}
	if err := c.store.ReconcileReadStatus(ctx, evt.RoomID, ids, c.self); err != nil {
		c.logger.Warn("reconcile read status failed", "room_id", evt.RoomID, "error", err)
	}
}

// Resume re-subscribes to user notifications and rejoins the remembered room.
func (c *Coordinator) Resume(ctx context.Context) error {
	if err := c.inv.Invoke(ctx, model.MethodJoinUserNotifications); err != nil {
		c.logger.Warn("join user notifications failed", "error", err)
	}

	c.mu.Lock()
	roomID := c.desired
	c.mu.Unlock()

	if roomID == "" {
		return nil
	}
	return c.JoinRoom(ctx, roomID)
}

// ConnectionLost drops the room session but remembers the room for Resume.
func (c *Coordinator) ConnectionLost() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTickLocked()
	c.gen++
	c.session = nil
}

// Stop cancels the heartbeat and forgets all state. Safe to call repeatedly.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTickLocked()
	c.gen++
	c.session = nil
	c.desired = ""
}

// Session returns a copy of the current room session.
func (c *Coordinator) Session() (RoomSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return RoomSession{}, false
	}
	return RoomSession{
		RoomID:        c.session.roomID,
		JoinedAt:      c.session.joinedAt,
		LastPingAt:    c.session.lastPingAt,
		ActiveUserIDs: sortedIDs(c.session.active),
	}, true
}

// CurrentRoom returns the joined room, or "" if none.
func (c *Coordinator) CurrentRoom() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.roomID
}

// Stats returns presence counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func sortedIDs(set map[model.UserID]struct{}) []model.UserID {
	ids := make([]model.UserID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
