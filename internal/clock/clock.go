// Package clock provides the scheduler used by every timer in the session layer.
//
// Production code uses Real, which is backed by time.AfterFunc. Tests use Fake,
// a virtual clock whose callbacks run only when Advance is called.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Timer is a handle to a scheduled callback.
type Timer interface {
	// Stop cancels the callback. Returns false if it already ran or was stopped.
	Stop() bool
}

// Scheduler schedules delayed callbacks and reports the current time.
type Scheduler interface {
	Now() time.Time
	Schedule(delay time.Duration, fn func()) Timer
}

// Real is a Scheduler backed by the wall clock.
type Real struct{}

// NewReal returns the wall-clock scheduler.
func NewReal() Scheduler {
	return Real{}
}

// Now returns time.Now().
func (Real) Now() time.Time {
	return time.Now()
}

// Schedule runs fn on its own goroutine after delay.
func (Real) Schedule(delay time.Duration, fn func()) Timer {
	return time.AfterFunc(delay, fn)
}

// Fake is a virtual clock. Callbacks run synchronously on the goroutine
// that calls Advance, in due-time order (ties in scheduling order).
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	pending []*fakeTimer
}

type fakeTimer struct {
	f   *Fake
	due time.Time
	seq uint64
	fn  func()
}

// NewFake returns a virtual clock starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the virtual time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Schedule registers fn to run once the virtual clock reaches now+delay.
func (f *Fake) Schedule(delay time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()

	if delay < 0 {
		delay = 0
	}
	f.seq++
	t := &fakeTimer{f: f, due: f.now.Add(delay), seq: f.seq, fn: fn}
	f.pending = append(f.pending, t)
	return t
}

// Advance moves the clock forward by d, running every callback that
// becomes due. Callbacks scheduled while advancing run too if they fall
// inside the window.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		next := f.nextDueLocked(target)
		if next == nil {
			f.now = target
			f.mu.Unlock()
			return
		}
		f.removeLocked(next)
		if next.due.After(f.now) {
			f.now = next.due
		}
		f.mu.Unlock()

		next.fn()
	}
}

// Pending returns the number of callbacks that have not run or been stopped.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// NextDue returns the due time of the earliest pending callback.
func (f *Fake) NextDue() (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return time.Time{}, false
	}
	f.sortLocked()
	return f.pending[0].due, true
}

// nextDueLocked returns the earliest timer due at or before target. Must be called with lock held.
func (f *Fake) nextDueLocked(target time.Time) *fakeTimer {
	if len(f.pending) == 0 {
		return nil
	}
	f.sortLocked()
	if f.pending[0].due.After(target) {
		return nil
	}
	return f.pending[0]
}

func (f *Fake) sortLocked() {
	sort.Slice(f.pending, func(i, j int) bool {
		if f.pending[i].due.Equal(f.pending[j].due) {
			return f.pending[i].seq < f.pending[j].seq
		}
		return f.pending[i].due.Before(f.pending[j].due)
	})
}

func (f *Fake) removeLocked(t *fakeTimer) bool {
	for i, p := range f.pending {
		if p == t {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			return true
		}
	}
	return false
}

// Stop removes the timer from the pending set.
func (t *fakeTimer) Stop() bool {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	return t.f.removeLocked(t)
}
