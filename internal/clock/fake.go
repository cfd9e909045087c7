package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a deterministic Clock for tests: time only advances when Advance
// is called, and pending After/NewTimer channels fire in the order their
// deadlines are crossed.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	ch       chan time.Time
	fired    bool
	stopped  bool
}

// NewFake returns a Fake clock starting at the given instant.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now implements Clock.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.now
}

// After implements Clock.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	w := &fakeWaiter{deadline: f.now.Add(d), ch: make(chan time.Time, 1)}
	f.waiters = append(f.waiters, w)

	return w.ch
}

// NewTimer implements Clock.
func (f *Fake) NewTimer(d time.Duration) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()

	w := &fakeWaiter{deadline: f.now.Add(d), ch: make(chan time.Time, 1)}
	f.waiters = append(f.waiters, w)

	return &fakeTimer{fake: f, waiter: w}
}

// Advance moves the clock forward by d, firing every waiter whose deadline
// is now at or before the new time, in deadline order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.now = f.now.Add(d)

	var due []*fakeWaiter

	remaining := f.waiters[:0]

	for _, w := range f.waiters {
		if w.stopped {
			continue
		}

		if !w.deadline.After(f.now) {
			due = append(due, w)
		} else {
			remaining = append(remaining, w)
		}
	}

	f.waiters = remaining

	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })

	for _, w := range due {
		w.fired = true
		w.ch <- f.now
	}
}

// PendingCount reports how many unfired, unstopped waiters exist, useful
// for asserting a test drove the clock far enough.
func (f *Fake) PendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0

	for _, w := range f.waiters {
		if !w.stopped {
			n++
		}
	}

	return n
}

type fakeTimer struct {
	fake   *Fake
	waiter *fakeWaiter
}

func (t *fakeTimer) C() <-chan time.Time { return t.waiter.ch }

func (t *fakeTimer) Stop() bool {
	t.fake.mu.Lock()
	defer t.fake.mu.Unlock()

	already := t.waiter.fired || t.waiter.stopped
	t.waiter.stopped = true

	return !already
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.fake.mu.Lock()
	active := !t.waiter.fired && !t.waiter.stopped
	t.fake.mu.Unlock()

	t.Stop()

	t.fake.mu.Lock()
	w := &fakeWaiter{deadline: t.fake.now.Add(d), ch: make(chan time.Time, 1)}
	t.fake.waiters = append(t.fake.waiters, w)
	t.fake.mu.Unlock()

	t.waiter = w

	return active
}

var _ Clock = (*Fake)(nil)
