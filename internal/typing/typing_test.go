package typing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/chatlink/internal/clock"
	"github.com/rickgao/chatlink/internal/model"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type sent struct {
	at  time.Time
	req model.TypingRequest
}

type fakeInvoker struct {
	mu        sync.Mutex
	clock     *clock.Fake
	sent      []sent
	connected bool
	err       error
}

func (f *fakeInvoker) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeInvoker) Invoke(_ context.Context, method string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if method != model.MethodSendTyping {
		return errors.New("unexpected method " + method)
	}
	f.sent = append(f.sent, sent{at: f.clock.Now(), req: args[0].(model.TypingRequest)})
	return f.err
}

func (f *fakeInvoker) statuses() []model.TypingStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.TypingStatus, len(f.sent))
	for i, s := range f.sent {
		out[i] = s.req.Status
	}
	return out
}

func (f *fakeInvoker) count(status model.TypingStatus) int {
	n := 0
	for _, s := range f.statuses() {
		if s == status {
			n++
		}
	}
	return n
}

func newProtocol() (*Protocol, *fakeInvoker, *clock.Fake) {
	fc := clock.NewFake(epoch)
	inv := &fakeInvoker{clock: fc, connected: true}
	p := New(DefaultConfig(), inv, "me", fc, nil)
	p.SetRoom(context.Background(), "room-1")
	return p, inv, fc
}

func assertStatuses(t *testing.T, got []model.TypingStatus, want ...model.TypingStatus) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("sent = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sent[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"OnTTL", cfg.OnTTL, 5 * time.Second},
		{"OffTTL", cfg.OffTTL, 800 * time.Millisecond},
		{"IdleTimeout", cfg.IdleTimeout, 1500 * time.Millisecond},
		{"HardCap", cfg.HardCap, 20 * time.Second},
		{"ClearGrace", cfg.ClearGrace, 300 * time.Millisecond},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestProtocol_TouchesWithinWindowSendOneOn(t *testing.T) {
	p, inv, fc := newProtocol()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		p.Touch(ctx)
		fc.Advance(500 * time.Millisecond)
	}

	if got := inv.count(model.TypingOn); got != 1 {
		t.Errorf("on sent = %d, want 1", got)
	}
	if !p.IsTyping() {
		t.Error("IsTyping() = false while touching")
	}
}

func TestProtocol_IdleTimeoutSendsOneOff(t *testing.T) {
	p, inv, fc := newProtocol()

	p.Touch(context.Background())
	fc.Advance(1499 * time.Millisecond)
	assertStatuses(t, inv.statuses(), model.TypingOn)

	fc.Advance(time.Millisecond)
	assertStatuses(t, inv.statuses(), model.TypingOn, model.TypingOff)

	fc.Advance(10 * time.Second)
	assertStatuses(t, inv.statuses(), model.TypingOn, model.TypingOff)
	if p.IsTyping() {
		t.Error("IsTyping() = true after idle timeout")
	}
	if fc.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", fc.Pending())
	}
}

func TestProtocol_HardCapForcesOff(t *testing.T) {
	p, inv, fc := newProtocol()
	ctx := context.Background()

	// Keystrokes every 500ms never let the idle timer fire
	for i := 0; i < 40; i++ {
		p.Touch(ctx)
		fc.Advance(500 * time.Millisecond)
	}

	assertStatuses(t, inv.statuses(), model.TypingOn, model.TypingOff)

	inv.mu.Lock()
	offAt := inv.sent[1].at
	inv.mu.Unlock()
	if want := epoch.Add(20 * time.Second); !offAt.Equal(want) {
		t.Errorf("off sent at %v, want %v", offAt.Sub(epoch), want.Sub(epoch))
	}
}

func TestProtocol_OffRightAfterOn(t *testing.T) {
	p, inv, fc := newProtocol()
	ctx := context.Background()

	p.Touch(ctx)
	fc.Advance(50 * time.Millisecond)
	p.Off(ctx)

	assertStatuses(t, inv.statuses(), model.TypingOn, model.TypingOff)

	fc.Advance(1500 * time.Millisecond)
	assertStatuses(t, inv.statuses(), model.TypingOn, model.TypingOff)
	if fc.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", fc.Pending())
	}
}

func TestProtocol_OffWhenIdleIsNoop(t *testing.T) {
	p, inv, _ := newProtocol()
	ctx := context.Background()

	p.Off(ctx)
	p.Touch(ctx)
	p.Off(ctx)
	p.Off(ctx)

	assertStatuses(t, inv.statuses(), model.TypingOn, model.TypingOff)
}

func TestProtocol_StatusChangeBypassesTTL(t *testing.T) {
	p, inv, fc := newProtocol()
	ctx := context.Background()

	p.Touch(ctx)
	fc.Advance(100 * time.Millisecond)
	p.Off(ctx)
	fc.Advance(100 * time.Millisecond)
	p.Touch(ctx)

	assertStatuses(t, inv.statuses(), model.TypingOn, model.TypingOff, model.TypingOn)
}

func TestProtocol_RepeatedOnSuppressedWithinTTL(t *testing.T) {
	p, inv, fc := newProtocol()
	ctx := context.Background()

	p.Touch(ctx)

	// Off while disconnected leaves "on" as the last sent status
	inv.mu.Lock()
	inv.connected = false
	inv.mu.Unlock()
	p.Off(ctx)
	inv.mu.Lock()
	inv.connected = true
	inv.mu.Unlock()

	fc.Advance(time.Second)
	p.Touch(ctx)
	assertStatuses(t, inv.statuses(), model.TypingOn)
	if got := p.Stats().Suppressed; got != 1 {
		t.Errorf("Suppressed = %d, want 1", got)
	}
}

func TestProtocol_SkipsWhenDisconnected(t *testing.T) {
	p, inv, fc := newProtocol()
	inv.connected = false

	p.Touch(context.Background())
	fc.Advance(30 * time.Second)

	if got := inv.statuses(); len(got) != 0 {
		t.Errorf("sent = %v, want none", got)
	}
}

func TestProtocol_SendFailureSwallowed(t *testing.T) {
	p, inv, fc := newProtocol()
	inv.err = errors.New("timeout")

	p.Touch(context.Background())
	fc.Advance(2 * time.Second)

	if got := p.Stats().SendFailures; got != 2 {
		t.Errorf("SendFailures = %d, want 2", got)
	}
	if p.IsTyping() {
		t.Error("IsTyping() = true after idle timeout")
	}
}

func TestProtocol_SetStatusIgnoresTTLAndTimers(t *testing.T) {
	p, inv, fc := newProtocol()
	ctx := context.Background()

	p.Touch(ctx)
	p.SetStatus(ctx, model.TypingOn)
	assertStatuses(t, inv.statuses(), model.TypingOn, model.TypingOn)

	// Idle timer is still armed
	if fc.Pending() != 2 {
		t.Errorf("Pending() = %d, want 2", fc.Pending())
	}
}

func TestProtocol_NoRoomNoTraffic(t *testing.T) {
	fc := clock.NewFake(epoch)
	inv := &fakeInvoker{clock: fc, connected: true}
	p := New(DefaultConfig(), inv, "me", fc, nil)

	p.Touch(context.Background())
	p.SetStatus(context.Background(), model.TypingOff)

	if got := inv.statuses(); len(got) != 0 {
		t.Errorf("sent = %v, want none", got)
	}
	if fc.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", fc.Pending())
	}
}

func TestProtocol_SetRoomSendsOffForOldRoom(t *testing.T) {
	p, inv, fc := newProtocol()
	ctx := context.Background()

	p.Touch(ctx)
	p.SetRoom(ctx, "room-2")

	inv.mu.Lock()
	got := append([]sent(nil), inv.sent...)
	inv.mu.Unlock()

	if len(got) != 2 {
		t.Fatalf("sent = %d requests, want 2", len(got))
	}
	if got[1].req.RoomID != "room-1" || got[1].req.Status != model.TypingOff {
		t.Errorf("second request = %+v, want off for room-1", got[1].req)
	}
	if p.Room() != "room-2" {
		t.Errorf("Room() = %q, want %q", p.Room(), "room-2")
	}
	if fc.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", fc.Pending())
	}

	// Fresh state in the new room
	p.Touch(ctx)
	if n := inv.count(model.TypingOn); n != 2 {
		t.Errorf("on sent = %d, want 2", n)
	}
}

func TestProtocol_StopCancelsTimers(t *testing.T) {
	p, inv, fc := newProtocol()

	p.Touch(context.Background())
	p.Stop()
	p.Stop()

	if fc.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", fc.Pending())
	}
	fc.Advance(time.Minute)
	assertStatuses(t, inv.statuses(), model.TypingOn)
	if p.Room() != "" {
		t.Errorf("Room() = %q, want empty", p.Room())
	}
}

func TestProtocol_RemoteTyping(t *testing.T) {
	p, _, fc := newProtocol()

	var changes [][]model.TypingUser
	p.OnChange(func(users []model.TypingUser) {
		changes = append(changes, users)
	})

	p.HandleTypingStatus(model.TypingStatusChanged{
		RoomID: "room-1",
		TypingUsers: []model.TypingUser{
			{UserID: "me", UserName: "Me"},
			{UserID: "u2", UserName: "Bob"},
		},
	})

	typing := p.Typing()
	if len(typing) != 1 || typing[0].UserID != "u2" {
		t.Fatalf("Typing() = %+v, want [u2]", typing)
	}

	// Empty list clears only after the grace delay
	p.HandleTypingStatus(model.TypingStatusChanged{RoomID: "room-1"})
	fc.Advance(299 * time.Millisecond)
	if len(p.Typing()) != 1 {
		t.Error("displayed set cleared before grace elapsed")
	}
	fc.Advance(time.Millisecond)
	if len(p.Typing()) != 0 {
		t.Errorf("Typing() = %+v, want empty", p.Typing())
	}

	if len(changes) != 2 || changes[1] != nil {
		t.Errorf("changes = %+v, want [[u2] nil]", changes)
	}
}

func TestProtocol_RemoteNonEmptyCancelsGrace(t *testing.T) {
	p, _, fc := newProtocol()

	p.HandleTypingStatus(model.TypingStatusChanged{
		RoomID:      "room-1",
		TypingUsers: []model.TypingUser{{UserID: "u2"}},
	})
	p.HandleTypingStatus(model.TypingStatusChanged{RoomID: "room-1"})
	fc.Advance(100 * time.Millisecond)
	p.HandleTypingStatus(model.TypingStatusChanged{
		RoomID:      "room-1",
		TypingUsers: []model.TypingUser{{UserID: "u3"}},
	})
	fc.Advance(time.Second)

	typing := p.Typing()
	if len(typing) != 1 || typing[0].UserID != "u3" {
		t.Errorf("Typing() = %+v, want [u3]", typing)
	}
}

func TestProtocol_RemoteOtherRoomIgnored(t *testing.T) {
	p, _, _ := newProtocol()

	p.HandleTypingStatus(model.TypingStatusChanged{
		RoomID:      "room-9",
		TypingUsers: []model.TypingUser{{UserID: "u2"}},
	})

	if got := p.Typing(); len(got) != 0 {
		t.Errorf("Typing() = %+v, want empty", got)
	}
}

func TestProtocol_OnlySelfTypingClearsAfterGrace(t *testing.T) {
	p, _, fc := newProtocol()

	p.HandleTypingStatus(model.TypingStatusChanged{
		RoomID:      "room-1",
		TypingUsers: []model.TypingUser{{UserID: "u2"}},
	})
	p.HandleTypingStatus(model.TypingStatusChanged{
		RoomID:      "room-1",
		TypingUsers: []model.TypingUser{{UserID: "me"}},
	})
	fc.Advance(300 * time.Millisecond)

	if got := p.Typing(); len(got) != 0 {
		t.Errorf("Typing() = %+v, want empty", got)
	}
}
