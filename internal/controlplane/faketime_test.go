package controlplane

import (
	"time"

	"github.com/artemis/pullhub/internal/chunktracker"
)

type fakeClock struct{ now time.Time }

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(0, 0)} }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) AfterFunc(d time.Duration, f func()) chunktracker.Timer {
	return fakeNopTimer{}
}

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fakeNopTimer struct{}

func (fakeNopTimer) Stop() bool { return true }
