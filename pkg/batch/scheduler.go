package batch

import (
	"time"
)

// Scheduler defers execution of chunk work. Chunk handlers may fire
// concurrently and more than once (overlapping ticks, retry sweeps, a second
// process instance); correctness never depends on the scheduler, only on the
// compare-and-set transitions in Store.
type Scheduler interface {
	Schedule(delay time.Duration, fn func())
}

// timerScheduler runs each task on its own timer goroutine. The blocking
// points inside a chunk (rate-limit waits, backoff sleeps) therefore block
// only that chunk's task, never a shared worker.
type timerScheduler struct{}

// NewTimerScheduler returns the production scheduler.
func NewTimerScheduler() Scheduler {
	return timerScheduler{}
}

func (timerScheduler) Schedule(delay time.Duration, fn func()) {
	if delay <= 0 {
		go fn()
		return
	}
	time.AfterFunc(delay, fn)
}
