package deferred

import (
	"sync"

	"github.com/go-unstuck/unstuck/internal/errs"
)

// Barrier is a Deferred Cell variant with no value (release-only) and
// an unbounded list of callbacks, all invoked on release.
// Grounded on eventloop/promise.go's fanOut/subscriber-list shape. See
// Cell's doc comment for why mu exists despite the single-threaded
// conceptual model: task goroutines and the loop goroutine can both
// reach a Barrier concurrently.
type Barrier struct {
	sched    Scheduler
	mu       sync.Mutex
	released bool
	cbs      []func()
}

// NewBarrier constructs a pending Barrier bound to sched.
func NewBarrier(sched Scheduler) *Barrier {
	return &Barrier{sched: sched}
}

// Released reports whether Release has already been called.
func (b *Barrier) Released() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}

// AttachCallback appends cb to the release list. If the barrier has
// already released, cb is scheduled immediately instead.
func (b *Barrier) AttachCallback(cb func()) {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		b.sched.ScheduleHigh(cb)
		return
	}
	b.cbs = append(b.cbs, cb)
	b.mu.Unlock()
}

// Release invokes every attached callback via ScheduleHigh. Releasing
// twice is a usage error — "idempotent-once: release asserts
// not-yet-released".
func (b *Barrier) Release() error {
	cbs, err := b.markReleased()
	if err != nil {
		return err
	}
	for _, cb := range cbs {
		cb := cb
		b.sched.ScheduleHigh(cb)
	}
	return nil
}

// ReleaseFast is Release, but invokes every callback synchronously on
// the current stack instead of going through the scheduler.
func (b *Barrier) ReleaseFast() error {
	cbs, err := b.markReleased()
	if err != nil {
		return err
	}
	for _, cb := range cbs {
		cb()
	}
	return nil
}

func (b *Barrier) markReleased() ([]func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return nil, &errs.UsageError{Msg: "barrier: release on already-released barrier"}
	}
	b.released = true
	cbs := b.cbs
	b.cbs = nil
	return cbs, nil
}

// AwaitBarrier blocks the calling goroutine until b releases, following
// the same goroutine-trampolining pattern as Await (task.go).
func AwaitBarrier(b *Barrier) error {
	if b.Released() {
		return nil
	}
	ch := make(chan struct{}, 1)
	b.AttachCallback(func() { ch <- struct{}{} })
	<-ch
	return nil
}
