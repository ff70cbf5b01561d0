package deferred

// AwaitFunc is handed to a task body so it can suspend on a Cell. It
// implements the "hand control to the event loop until the cell
// completes" half of the await semantics.
type AwaitFunc func(*Cell) (any, error)

// awaitResult carries a settled Cell's value or error across the
// rendezvous channel used by Await.
type awaitResult struct {
	v   any
	err error
}

type awaitCallback struct {
	ch chan awaitResult
}

func (a *awaitCallback) Resume(v any)    { a.ch <- awaitResult{v: v} }
func (a *awaitCallback) Abort(err error) { a.ch <- awaitResult{err: err} }

// Await implements await(x) for the Deferred Cell case.
//
// If cell is already settled, it returns synchronously. Otherwise it
// attaches a callback and blocks the calling goroutine on a private
// channel until the Dispatcher's loop goroutine delivers the settled
// value — the goroutine-trampolining mapping of "stack-switched nested
// awaits": the calling
// goroutine is the stackful continuation, and the channel receive is
// the suspension point. This goroutine checks Done and attaches the
// callback itself (the cell's mutex covers the overlap with the loop
// goroutine settling it); the settled value then arrives over the
// channel.
func Await(cell *Cell) (any, error) {
	if cell.Done() {
		return cell.GetResult()
	}
	ch := make(chan awaitResult, 1)
	if err := cell.AttachCallback(&awaitCallback{ch: ch}); err != nil {
		return nil, err
	}
	r := <-ch
	return r.v, r.err
}

// Start implements the Task Adapter: it runs body in a new
// goroutine, handing it an AwaitFunc scoped to this task, and resolves
// the returned outer Cell with body's eventual (value, error).
//
// Go's goroutines already provide the stackful coroutine this model
// wants; Start collapses the explicit send/throw stepping
// into a single goroutine body that calls the provided AwaitFunc at
// each suspension point, which is the natural idiom per design note (b)
// — there is no separate resume/abort entry point to expose, since the
// goroutine scheduler already drives the body to completion once
// started. Resolution of the outer cell is always bounced back through
// sched.ScheduleHigh so it happens on the loop goroutine, preserving the
// single-writer discipline on Cell state (see cell.go).
func Start(sched Scheduler, site string, body func(await AwaitFunc) (any, error)) *Cell {
	outer := NewCell(sched, site)
	go func() {
		v, err := body(Await)
		sched.ScheduleHigh(func() {
			if err != nil {
				_ = outer.SetErrorFast(err)
			} else {
				_ = outer.SetResultFast(v)
			}
		})
	}()
	return outer
}
