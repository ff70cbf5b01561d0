package ioqueue

import "github.com/go-unstuck/unstuck/deferred"

// xitem is the (success, payload) tag XQueue stores in place of a raw
// value.
type xitem struct {
	ok      bool
	payload any
	err     error
}

// XQueue is the Async Queue variant that tags each item as a success
// or an error, so Get resolves its returned cell as a result or an
// error accordingly — the shape the WebSocket engine's frame delivery
// queue needs (a frame, or the reason framing failed).
type XQueue struct {
	q *Queue
}

// NewXQueue constructs an empty XQueue bound to sched. capacity < 0
// means unbounded.
func NewXQueue(sched deferred.Scheduler, capacity int) *XQueue {
	return &XQueue{q: NewQueue(sched, capacity)}
}

// PutResult enqueues a successful payload.
func (x *XQueue) PutResult(payload any) *deferred.Cell {
	return x.q.Put(xitem{ok: true, payload: payload})
}

// PutError enqueues a failure.
func (x *XQueue) PutError(err error) *deferred.Cell {
	return x.q.Put(xitem{ok: false, err: err})
}

// Get dequeues the next tagged item and returns a cell that resolves
// as a result or an error depending on how it was put.
func (x *XQueue) Get() *deferred.Cell {
	inner := x.q.Get()
	if inner.Done() {
		return resolveTagged(x.q.sched, inner)
	}
	out := deferred.NewCell(x.q.sched, "xqueue.get")
	_ = inner.AttachCallback(deferred.CallbackFuncs{
		ResumeFunc: func(v any) { deliverTagged(out, v) },
		AbortFunc:  func(err error) { _ = out.SetError(err) },
	})
	return out
}

func resolveTagged(sched deferred.Scheduler, inner *deferred.Cell) *deferred.Cell {
	out := deferred.NewCell(sched, "xqueue.get")
	v, err := inner.GetResult()
	if err != nil {
		_ = out.SetError(err)
		return out
	}
	deliverTagged(out, v)
	return out
}

func deliverTagged(out *deferred.Cell, v any) {
	item := v.(xitem)
	if item.ok {
		_ = out.SetResult(item.payload)
		return
	}
	_ = out.SetError(item.err)
}

// VirtualSize returns the underlying queue's virtual size.
func (x *XQueue) VirtualSize() int { return x.q.VirtualSize() }
