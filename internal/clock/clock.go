// Package clock provides an injectable notion of time so debounce windows,
// retry backoff, and heartbeat waits can be tested deterministically
// instead of racing real timers (design note: "no hidden calls to
// time.Now/time.Sleep — inject a Clock capability instead").
package clock

import "time"

// Clock is the capability every time-dependent component depends on
// instead of calling the time package directly.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTimer(d time.Duration) Timer
}

// Timer mirrors the subset of time.Timer that callers need, so Fake can
// substitute a controllable implementation.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

// Real is the production Clock, backed directly by the time package.
type Real struct{}

// Now implements Clock.
func (Real) Now() time.Time { return time.Now() }

// After implements Clock.
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// NewTimer implements Clock.
func (Real) NewTimer(d time.Duration) Timer {
	return &realTimer{t: time.NewTimer(d)}
}

type realTimer struct {
	t *time.Timer
}

func (r *realTimer) C() <-chan time.Time         { return r.t.C }
func (r *realTimer) Stop() bool                  { return r.t.Stop() }
func (r *realTimer) Reset(d time.Duration) bool   { return r.t.Reset(d) }

var _ Clock = Real{}
