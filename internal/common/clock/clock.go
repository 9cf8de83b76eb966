// Package clock provides an injectable time source so processors and
// stores can be tested with a controllable clock.
package clock

import (
	"sync"
	"time"
)

// Clock abstracts the time source used by processors, stores, and the
// scheduler. Production code uses System; tests use Fake.
type Clock interface {
	// Now returns the current UTC time.
	Now() time.Time

	// NewTimer returns a timer that fires after d.
	NewTimer(d time.Duration) Timer
}

// Timer mirrors the subset of time.Timer the library needs.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

// System is the real clock.
type System struct{}

// NewSystem returns the system clock.
func NewSystem() *System {
	return &System{}
}

func (*System) Now() time.Time {
	return time.Now().UTC()
}

func (*System) NewTimer(d time.Duration) Timer {
	return &systemTimer{t: time.NewTimer(d)}
}

type systemTimer struct {
	t *time.Timer
}

func (s *systemTimer) C() <-chan time.Time { return s.t.C }
func (s *systemTimer) Stop() bool          { return s.t.Stop() }
func (s *systemTimer) Reset(d time.Duration) bool {
	return s.t.Reset(d)
}

// Fake is a manually-advanced clock for tests. Timers created from it
// fire when Advance moves the clock past their deadline.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

// NewFake creates a fake clock starting at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start.UTC()}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) NewTimer(d time.Duration) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()

	t := &fakeTimer{
		clock:    f,
		deadline: f.now.Add(d),
		ch:       make(chan time.Time, 1),
	}
	if d <= 0 {
		t.fired = true
		t.ch <- f.now
	} else {
		f.timers = append(f.timers, t)
	}
	return t
}

// Advance moves the clock forward and fires any due timers.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now

	remaining := f.timers[:0]
	var due []*fakeTimer
	for _, t := range f.timers {
		if !t.deadline.After(now) {
			due = append(due, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	f.timers = remaining
	f.mu.Unlock()

	for _, t := range due {
		t.fire(now)
	}
}

type fakeTimer struct {
	clock    *Fake
	mu       sync.Mutex
	deadline time.Time
	ch       chan time.Time
	fired    bool
	stopped  bool
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }

func (t *fakeTimer) fire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.fired {
		return
	}
	t.fired = true
	select {
	case t.ch <- now:
	default:
	}
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	active := !t.fired && !t.stopped
	t.stopped = true
	return active
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.mu.Lock()
	active := !t.fired && !t.stopped
	t.fired = false
	t.stopped = false
	t.deadline = t.clock.Now().Add(d)
	t.mu.Unlock()

	if d <= 0 {
		t.fire(t.clock.Now())
		return active
	}

	t.clock.mu.Lock()
	t.clock.timers = append(t.clock.timers, t)
	t.clock.mu.Unlock()
	return active
}
