package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-unstuck/unstuck/internal/errs"
)

// Dispatcher is the runtime's scheduling core: a priority-tiered main
// queue, a low-priority background queue, a timer heap, and a
// file-descriptor readiness multiplexer.
//
// A Dispatcher is not a process-wide singleton — this module takes the
// explicit-context approach, required for multi-instance testing.
// Submission methods (ScheduleHigh/Medium/Low/At, RegisterFD,
// UnregisterFD) are safe to call from any goroutine; RunNext/Run/Flush
// must only ever be called from the single goroutine acting as the
// loop driver.
type Dispatcher struct {
	mu        sync.Mutex
	main      taskDeque
	low       fifoQueue
	timers    timerHeap
	fds       *fdTable
	poller    poller
	newPoller func() poller
	wake      *wakeup
	seq       uint64
	closed    bool
}

// New constructs a Dispatcher and initializes its multiplexer.
func New(opts ...Option) (*Dispatcher, error) {
	c := resolveOptions(opts)
	p := c.newPoller()
	if err := p.init(); err != nil {
		return nil, err
	}
	w, err := newWakeup()
	if err != nil {
		_ = p.closePoller()
		return nil, err
	}
	d := &Dispatcher{
		fds:       newFDTable(p),
		poller:    p,
		newPoller: c.newPoller,
		wake:      w,
	}
	if err := d.fds.register(w.readFd, Readable, func(Mask) { w.drain() }); err != nil {
		_ = w.close()
		_ = p.closePoller()
		return nil, err
	}
	return d, nil
}

// ScheduleHigh inserts fn at the head of the main queue.
func (d *Dispatcher) ScheduleHigh(fn func()) {
	d.mu.Lock()
	d.main.pushHigh(fn)
	d.mu.Unlock()
	d.wake.signal()
}

// ScheduleMedium appends fn to the tail of the main queue.
func (d *Dispatcher) ScheduleMedium(fn func()) {
	d.mu.Lock()
	d.main.pushMedium(fn)
	d.mu.Unlock()
	d.wake.signal()
}

// ScheduleLow appends fn to the low-priority queue.
func (d *Dispatcher) ScheduleLow(fn func()) {
	d.mu.Lock()
	d.low.push(fn)
	d.mu.Unlock()
	d.wake.signal()
}

// ScheduleAt pushes fn onto the timer heap to run at deadline.
func (d *Dispatcher) ScheduleAt(deadline time.Time, fn func()) TimerHandle {
	d.mu.Lock()
	d.seq++
	e := &timerEntry{deadline: deadline, cb: fn, seq: d.seq}
	d.timers.push(e)
	d.mu.Unlock()
	d.wake.signal()
	return TimerHandle{entry: e}
}

// RegisterFD adds a (mask -> cb) binding for fd, failing if mask
// overlaps any mask already registered for fd.
func (d *Dispatcher) RegisterFD(fd int, mask Mask, cb func(Mask)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fds.register(fd, mask, cb)
}

// UnregisterFD removes the binding previously registered for fd with
// exactly mask.
func (d *Dispatcher) UnregisterFD(fd int, mask Mask) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fds.unregister(fd, mask)
}

// Flush runs every callback currently in the main queue, without
// polling or advancing timers. Must be called from the loop goroutine.
func (d *Dispatcher) Flush() {
	for {
		d.mu.Lock()
		if d.main.empty() {
			d.mu.Unlock()
			return
		}
		fn := d.main.popFront()
		d.mu.Unlock()
		fn()
	}
}

// RunNext performs one scheduling step. It may block inside
// the poller, bounded by the nearest timer deadline. A callback that
// panics propagates out of RunNext unmodified — the Dispatcher itself
// does not recover it (this intentionally diverges from the teacher's
// own safeExecute wrapper; see DESIGN.md).
func (d *Dispatcher) RunNext() error {
	fn, err := d.next()
	if err != nil {
		return err
	}
	if fn != nil {
		fn()
	}
	return nil
}

// next resolves the single callback to invoke next, performing polling
// and timer-draining as needed, but does not invoke it.
func (d *Dispatcher) next() (func(), error) {
	d.mu.Lock()
	mainEmpty := d.main.empty()
	d.mu.Unlock()

	if mainEmpty {
		if err := d.fillMainQueue(); err != nil {
			return nil, err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.main.empty() {
		return nil, nil
	}
	return d.main.popFront(), nil
}

// fillMainQueue implements step 1 of the scheduling step.
func (d *Dispatcher) fillMainQueue() error {
	d.mu.Lock()
	next := d.timers.peekMin()
	d.mu.Unlock()

	if next != nil {
		delta := time.Until(next.deadline)
		if delta <= 0 {
			d.drainExpiredTimers()
			return nil
		}
	}

	d.mu.Lock()
	lowNonEmpty := !d.low.empty()
	d.mu.Unlock()

	if lowNonEmpty {
		if err := d.pollOnce(0); err != nil {
			return err
		}
		d.mu.Lock()
		if !d.low.empty() {
			fn := d.low.popFront()
			d.main.pushMedium(fn)
		}
		d.mu.Unlock()
		return nil
	}

	timeoutMs := -1
	if next != nil {
		delta := time.Until(next.deadline)
		if delta < 0 {
			delta = 0
		}
		timeoutMs = int(delta / time.Millisecond)
	}
	if err := d.pollOnce(timeoutMs); err != nil {
		return err
	}
	d.mu.Lock()
	mainEmpty := d.main.empty()
	d.mu.Unlock()
	if mainEmpty {
		// Poll returned nothing translatable; if a timer has since
		// expired, drain it so the caller never spins without progress.
		d.drainExpiredTimers()
	}
	return nil
}

// pollOnce polls the multiplexer once and translates readiness events
// into main-queue entries (always scheduled high-priority, matching
// "task resumptions and immediate callbacks").
func (d *Dispatcher) pollOnce(timeoutMs int) error {
	type ready struct {
		fd     int
		active Mask
	}
	var events []ready
	err := d.poller.poll(timeoutMs, func(fd int, active Mask) {
		events = append(events, ready{fd: fd, active: active})
	})
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range events {
		d.fds.translate(e.fd, e.active, func(cb func(Mask), effective Mask) {
			d.main.pushHigh(func() { cb(effective) })
		})
	}
	return nil
}

// drainExpiredTimers moves every timer whose deadline has passed into
// the main queue, in deadline order, skipping canceled ones.
func (d *Dispatcher) drainExpiredTimers() {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	for {
		top := d.timers.peekMin()
		if top == nil || top.deadline.After(now) {
			return
		}
		e := d.timers.popMin()
		if e.canceled {
			continue
		}
		cb := e.cb
		d.main.pushMedium(cb)
	}
}

// Run drives the Dispatcher until ctx is canceled or RunNext returns an
// error. It is the convenience entry point for owning the loop
// goroutine outright (grounded on eventloop/loop.go's Run(ctx)).
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := d.RunNext(); err != nil {
			return err
		}
	}
}

// ResetPoller recreates the multiplexer in place without touching
// queues or timers, so a process can recreate its poller after a fork
// without losing pending work. Every
// fd previously registered is re-added to the fresh poller instance
// with its current combined mask.
func (d *Dispatcher) ResetPoller() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_ = d.poller.closePoller()
	np := d.newPoller()
	if err := np.init(); err != nil {
		return err
	}
	for fd, e := range d.fds.entries {
		if err := np.add(fd, e.combined); err != nil {
			return fmt.Errorf("dispatcher: reset_poller: re-add fd %d: %w", fd, err)
		}
	}
	d.poller = np
	d.fds.p = np
	return nil
}

// Close tears down the multiplexer. Destroying a Dispatcher with any
// registered FDs is a bug; Close reports it as a UsageError
// rather than silently leaking.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	_ = d.fds.unregister(d.wake.readFd, Readable)
	leaked := d.fds.registeredFDs()
	err := d.poller.closePoller()
	if wakeErr := d.wake.close(); err == nil {
		err = wakeErr
	}
	if len(leaked) > 0 {
		return &errs.UsageError{Msg: fmt.Sprintf("dispatcher closed with %d fd(s) still registered: %v", len(leaked), leaked)}
	}
	return err
}
