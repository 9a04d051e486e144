package transfer

import (
	"sort"
	"sync"
	"time"

	"github.com/artemis/pullhub/internal/chunktracker"
)

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeTimer
}

type fakeTimer struct {
	fireAt  time.Time
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return true
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(0, 0)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) AfterFunc(d time.Duration, f func()) chunktracker.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{fireAt: c.now.Add(d), fn: f}
	c.waiters = append(c.waiters, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	pending := make([]*fakeTimer, len(c.waiters))
	copy(pending, c.waiters)
	sort.Slice(pending, func(i, j int) bool { return pending[i].fireAt.Before(pending[j].fireAt) })
	c.mu.Unlock()

	for _, t := range pending {
		if t.stopped {
			continue
		}
		c.mu.Lock()
		due := !t.fireAt.After(c.now)
		c.mu.Unlock()
		if due && !t.stopped {
			t.stopped = true
			t.fn()
		}
	}

	c.mu.Lock()
	remaining := c.waiters[:0]
	for _, t := range c.waiters {
		if !t.stopped {
			remaining = append(remaining, t)
		}
	}
	c.waiters = remaining
	c.mu.Unlock()
}
