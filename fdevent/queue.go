package fdevent

import (
	"container/list"
	"errors"
	"sync"

	"github.com/go-unstuck/unstuck/deferred"
	"github.com/go-unstuck/unstuck/dispatcher"
	"github.com/go-unstuck/unstuck/internal/errs"
)

// Queue is the FD Event Queue: a FIFO of get()-cells,
// with the (fd, mask) registration held for exactly as long as the
// queue is non-empty. Each readiness event consumes the head cell; a
// retry signal from handler puts it back instead.
//
// mu guards every field below it: onReady runs on the Dispatcher's loop
// goroutine, while Get/Close/ForceClose may be called directly from a
// background task goroutine (e.g. websocket.Serve's accept loop, whose
// Socket.Accept is a Get on this queue), same rationale as
// stream.ReadWrapper.
type Queue struct {
	d            *dispatcher.Dispatcher
	fd           int
	mask         dispatcher.Mask
	handler      Handler
	mu           sync.Mutex
	waiters      list.List // of *deferred.Cell
	registered   bool
	closing      bool
	closed       bool
	closeBarrier *deferred.Barrier
}

// NewQueue constructs an empty FD Event Queue. No fd registration
// happens until the first Get.
func NewQueue(d *dispatcher.Dispatcher, fd int, mask dispatcher.Mask, handler Handler) *Queue {
	return &Queue{d: d, fd: fd, mask: mask, handler: handler}
}

// Get appends a new waiter cell, registering the fd if this is the
// first outstanding waiter. It is a usage error to call Get after
// Close or ForceClose.
func (q *Queue) Get() (*deferred.Cell, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closing {
		return nil, &errs.UsageError{Msg: "fdevent: get on closing queue"}
	}
	cell := deferred.NewCell(q.d, "fdevent.queue.get")
	e := q.waiters.PushBack(cell)
	if !q.registered {
		if err := q.d.RegisterFD(q.fd, q.mask, q.onReady); err != nil {
			q.waiters.Remove(e)
			return nil, err
		}
		q.registered = true
	}
	return cell, nil
}

func (q *Queue) onReady(active dispatcher.Mask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.waiters.Front()
	if e == nil {
		return
	}
	cell := e.Value.(*deferred.Cell)
	v, err := q.handler(active)
	if errors.Is(err, errs.ErrRetry) {
		return
	}
	q.waiters.Remove(e)
	if err != nil {
		_ = cell.SetError(err)
	} else {
		_ = cell.SetResult(v)
	}
	if q.waiters.Len() == 0 {
		q.drainRegistration()
		if q.closing {
			q.finishClose()
		}
	}
}

func (q *Queue) drainRegistration() {
	if q.registered {
		_ = q.d.UnregisterFD(q.fd, q.mask)
		q.registered = false
	}
}

func (q *Queue) barrier() *deferred.Barrier {
	if q.closeBarrier == nil {
		q.closeBarrier = deferred.NewBarrier(q.d)
	}
	return q.closeBarrier
}

func (q *Queue) finishClose() {
	if q.closed {
		return
	}
	q.closed = true
	_ = q.barrier().Release()
}

// Close stops accepting new Get calls and returns a Barrier that
// releases once every already-queued waiter has been consumed.
func (q *Queue) Close() *deferred.Barrier {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closing = true
	b := q.barrier()
	if q.waiters.Len() == 0 {
		q.finishClose()
	}
	return b
}

// ForceClose immediately hands every pending waiter cell to assign
// (which is expected to call SetError on it), tears down the fd
// registration, and releases the close barrier without waiting for the
// queue to drain naturally.
func (q *Queue) ForceClose(assign func(cell *deferred.Cell)) *deferred.Barrier {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closing = true
	for e := q.waiters.Front(); e != nil; e = e.Next() {
		assign(e.Value.(*deferred.Cell))
	}
	q.waiters.Init()
	q.drainRegistration()
	q.finishClose()
	return q.barrier()
}
