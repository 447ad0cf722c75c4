// Package clock provides an injectable notion of "now" so that refresh
// timing and jitter can be tested deterministically, mirroring the
// TestClock/TokioTestClock fixtures used upstream.
package clock

import "time"

// Clock abstracts time so tests can control it without real sleeps.
type Clock interface {
	Now() time.Time
	// After returns a channel that fires after d, per time.After.
	After(d time.Duration) <-chan time.Time
	NewTimer(d time.Duration) Timer
}

// Timer mirrors the subset of time.Timer the driver needs, so it can be
// faked in tests.
type Timer interface {
	C() <-chan time.Time
	Reset(d time.Duration) bool
	Stop() bool
}

// System is the real wall-clock implementation, used in production.
type System struct{}

func (System) Now() time.Time                         { return time.Now() }
func (System) After(d time.Duration) <-chan time.Time  { return time.After(d) }
func (System) NewTimer(d time.Duration) Timer          { return &systemTimer{t: time.NewTimer(d)} }

type systemTimer struct{ t *time.Timer }

func (s *systemTimer) C() <-chan time.Time       { return s.t.C }
func (s *systemTimer) Reset(d time.Duration) bool { return s.t.Reset(d) }
func (s *systemTimer) Stop() bool                 { return s.t.Stop() }
