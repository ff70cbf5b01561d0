// Package deferred implements the Deferred Cell, Task Adapter, Barrier,
// First-Past-The-Post, Error Gate and Round-Robin gate.
package deferred

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/go-unstuck/unstuck/internal/errs"
	"github.com/go-unstuck/unstuck/internal/rtlog"
)

// Scheduler is the subset of *dispatcher.Dispatcher a Cell needs to
// deliver its settled value to an attached callback. Kept as a small
// local interface (rather than importing the dispatcher package
// directly) to avoid a dependency cycle and to keep this package
// testable without a real Dispatcher.
type Scheduler interface {
	ScheduleHigh(fn func())
	ScheduleMedium(fn func())
}

// Callback is attached to a Cell and driven by its settlement, per the
// Task Adapter contract.
type Callback interface {
	Resume(v any)
	Abort(err error)
}

// CallbackFuncs adapts two plain functions to the Callback interface.
type CallbackFuncs struct {
	ResumeFunc func(v any)
	AbortFunc  func(err error)
}

func (c CallbackFuncs) Resume(v any)    { c.ResumeFunc(v) }
func (c CallbackFuncs) Abort(err error) { c.AbortFunc(err) }

type cellState uint8

const (
	statePending cellState = iota
	stateResult
	stateError
)

// Cell is a single-assignment slot holding exactly one of
// {pending, result(value), error(err)}.
//
// Conceptually a Cell belongs to a single-threaded cooperative model,
// but Start (task.go) maps that stackful-coroutine style onto a real
// goroutine rather than a single OS thread, so a task body
// and the Dispatcher's loop goroutine can legitimately touch the same
// Cell from two different goroutines (the task attaching a callback
// while the loop is in the middle of resolving it). mu exists purely to
// make that safe; it is not part of that cooperative model. Grounded on
// eventloop/promise.go's promise struct: the Resolve/Reject
// single-assignment guard and fan-out-to-subscriber shape are the same,
// simplified here to a single-callback contract (the Barrier
// variant in barrier.go carries a list instead).
type Cell struct {
	sched    Scheduler
	mu       sync.Mutex
	state    cellState
	value    any
	err      error
	cb       Callback
	observed bool
	site     string
}

// NewCell constructs a pending Cell bound to sched for callback
// delivery. site is a short diagnostic label (e.g. "socket.connect")
// used only if the cell's error is ever silently dropped.
func NewCell(sched Scheduler, site string) *Cell {
	c := &Cell{sched: sched, site: site}
	runtime.SetFinalizer(c, finalizeCell)
	return c
}

func finalizeCell(c *Cell) {
	c.mu.Lock()
	state, observed, err := c.state, c.observed, c.err
	c.mu.Unlock()
	if state == stateError && !observed {
		rtlog.WarnSilentError(c.site, err)
	}
}

// Done reports whether the cell has settled (result or error).
func (c *Cell) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != statePending
}

// settle is the shared body for the Set*/Set*Late/Set*Fast family: it
// transitions state under the lock, then — outside the lock, so a
// callback re-entering the cell can't deadlock — either schedules or
// directly invokes the attached callback.
func (c *Cell) settle(result bool, v any, e error, deliver func(cb Callback)) error {
	c.mu.Lock()
	if c.state != statePending {
		site := c.site
		c.mu.Unlock()
		return &errs.UsageError{Msg: fmt.Sprintf("cell %q: set on non-pending cell", site)}
	}
	if result {
		c.state = stateResult
		c.value = v
	} else {
		c.state = stateError
		c.err = e
		c.observed = c.cb != nil
	}
	cb := c.cb
	c.mu.Unlock()

	if cb != nil {
		deliver(cb)
	}
	return nil
}

// SetResult transitions a pending cell to result(v), scheduling an
// attached callback's Resume via ScheduleHigh. Calling it on an
// already-settled cell is a usage error (see fptp.go for a variant that
// tolerates this).
func (c *Cell) SetResult(v any) error {
	return c.settle(true, v, nil, func(cb Callback) { c.sched.ScheduleHigh(func() { cb.Resume(v) }) })
}

// SetError transitions a pending cell to error(e), scheduling an
// attached callback's Abort via ScheduleHigh.
func (c *Cell) SetError(e error) error {
	return c.settle(false, nil, e, func(cb Callback) { c.sched.ScheduleHigh(func() { cb.Abort(e) }) })
}

// SetResultLate is SetResult, but schedules via ScheduleMedium (for
// late-scheduled resumes).
func (c *Cell) SetResultLate(v any) error {
	return c.settle(true, v, nil, func(cb Callback) { c.sched.ScheduleMedium(func() { cb.Resume(v) }) })
}

// SetErrorLate is SetError, but schedules via ScheduleMedium.
func (c *Cell) SetErrorLate(e error) error {
	return c.settle(false, nil, e, func(cb Callback) { c.sched.ScheduleMedium(func() { cb.Abort(e) }) })
}

// SetResultFast invokes an attached callback's Resume synchronously on
// the current stack, bypassing the scheduler entirely — the
// tail-call-optimized path for I/O handlers. Callers
// chaining many of these must guard against unbounded stack growth; in
// Go that risk is far smaller since callbacks here are plain function
// calls, not recursive coroutine resumes, but the synchronous
// invocation still happens inline.
func (c *Cell) SetResultFast(v any) error {
	return c.settle(true, v, nil, func(cb Callback) { cb.Resume(v) })
}

// SetErrorFast is SetResultFast's error counterpart.
func (c *Cell) SetErrorFast(e error) error {
	return c.settle(false, nil, e, func(cb Callback) { cb.Abort(e) })
}

// AttachCallback installs cb as the cell's sole continuation. It is a
// usage error to attach a second callback. If the cell has already
// settled, cb is scheduled immediately (high priority) rather than
// silently dropped.
func (c *Cell) AttachCallback(cb Callback) error {
	c.mu.Lock()
	if c.cb != nil {
		site := c.site
		c.mu.Unlock()
		return &errs.UsageError{Msg: fmt.Sprintf("cell %q: attach_callback: callback already attached", site)}
	}
	c.cb = cb
	state, value, err := c.state, c.value, c.err
	if state == stateError {
		c.observed = true
	}
	c.mu.Unlock()

	switch state {
	case stateResult:
		c.sched.ScheduleHigh(func() { cb.Resume(value) })
	case stateError:
		c.sched.ScheduleHigh(func() { cb.Abort(err) })
	}
	return nil
}

// GetResult returns the settled value or error. On error it marks the
// error as observed (suppressing the silent-error diagnostic). Calling
// it on a pending cell is unchecked — it returns the
// zero value and a nil error.
func (c *Cell) GetResult() (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateResult:
		return c.value, nil
	case stateError:
		c.observed = true
		return nil, c.err
	default:
		return nil, nil
	}
}
