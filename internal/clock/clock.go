// Package clock provides the server time source used for playback anchors
// and sequence-ordering decisions. Wall time is assumed NTP-aligned across
// instances to within ~50ms; finer alignment is the client's problem via the
// time:ping/time:pong exchange.
package clock

import "time"

// Clock serves millisecond timestamps. All anchor times come from NowMs;
// MonotonicMs is only for measuring elapsed intervals and must never be
// persisted.
type Clock interface {
	NowMs() int64
	MonotonicMs() int64
}

// System reads the OS clock.
type System struct {
	start time.Time
}

func NewSystem() *System {
	return &System{start: time.Now()}
}

func (s *System) NowMs() int64 {
	return time.Now().UnixMilli()
}

func (s *System) MonotonicMs() int64 {
	// time.Since uses the monotonic reading carried by start.
	return time.Since(s.start).Milliseconds()
}

// Fake is a manually advanced clock for tests.
type Fake struct {
	now int64
}

func NewFake(startMs int64) *Fake { return &Fake{now: startMs} }

func (f *Fake) NowMs() int64       { return f.now }
func (f *Fake) MonotonicMs() int64 { return f.now }

// Advance moves the fake clock forward.
func (f *Fake) Advance(d time.Duration) { f.now += d.Milliseconds() }
