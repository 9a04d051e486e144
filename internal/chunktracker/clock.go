package chunktracker

import "time"

// Timer is the minimal handle chunktracker needs to cancel a scheduled
// callback. time.Timer satisfies it directly; tests substitute a fake.
type Timer interface {
	Stop() bool
}

// Clock abstracts time so arrival/retry timers can be driven by a fake
// clock in tests instead of wall-clock sleeps.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

// NewRealClock returns the production Clock backed by time.AfterFunc.
func NewRealClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
