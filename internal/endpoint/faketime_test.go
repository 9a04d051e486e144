package endpoint

import (
	"time"

	"github.com/artemis/pullhub/internal/chunktracker"
)

// fakeClock is a minimal chunktracker.Clock for deterministic
// heartbeat/stale-sweep tests. Registry never schedules timers, so
// AfterFunc is unused but kept to satisfy the interface.
type fakeClock struct{ now time.Time }

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(0, 0)} }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) AfterFunc(d time.Duration, f func()) chunktracker.Timer {
	return fakeNopTimer{}
}

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fakeNopTimer struct{}

func (fakeNopTimer) Stop() bool { return true }
