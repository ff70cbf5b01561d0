// Package ioqueue implements the bounded Async Queue and its
// result-tagged XQueue variant. The WebSocket engine's incoming message
// queue is an XQueue; FD Event Queues and Stream Socket accept queues
// (package fdevent) keep their own waiter lists.
package ioqueue

import (
	"container/list"
	"sync"

	"github.com/go-unstuck/unstuck/deferred"
)

// producer is a value waiting to be handed to the next consumer, paired
// with the cell that completes once it is.
type producer struct {
	cell  *deferred.Cell
	value any
}

// Queue is the bounded rendezvous Async Queue. A
// negative capacity means unbounded. Put and Get are called both from
// the Dispatcher's loop goroutine and from background task goroutines
// started via deferred.Start (a WebSocket Engine's receive loop feeds
// its incoming XQueue directly from such a goroutine), so Queue guards
// its state with a mutex the same way Cell and the stream wrappers do,
// rather than assuming single-goroutine ownership. Grounded directly on
// a put/get/virtual_size algorithm; no teacher analog exists for this
// exact rendezvous shape.
type Queue struct {
	sched deferred.Scheduler

	mu        sync.Mutex
	capacity  int
	buffer    list.List // of any
	producers list.List // of *producer
	consumers list.List // of *deferred.Cell
}

// NewQueue constructs an empty Queue bound to sched. capacity < 0 means
// unbounded.
func NewQueue(sched deferred.Scheduler, capacity int) *Queue {
	return &Queue{sched: sched, capacity: capacity}
}

// Put enqueues v: hand it directly to a waiting
// consumer if one exists; otherwise buffer it if under capacity;
// otherwise queue it as a pending producer. The returned cell settles
// immediately in the first two cases; a pending producer's cell settles
// when a Get takes it off the producer list (with capacity 0, v goes
// straight to that consumer; with a positive capacity, v moves into the
// buffer tail).
func (q *Queue) Put(v any) *deferred.Cell {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e := q.consumers.Front(); e != nil {
		q.consumers.Remove(e)
		consumerCell := e.Value.(*deferred.Cell)
		_ = consumerCell.SetResult(v)
		done := deferred.NewCell(q.sched, "ioqueue.put")
		_ = done.SetResult(nil)
		return done
	}
	if q.capacity < 0 || q.buffer.Len() < q.capacity {
		q.buffer.PushBack(v)
		done := deferred.NewCell(q.sched, "ioqueue.put")
		_ = done.SetResult(nil)
		return done
	}
	cell := deferred.NewCell(q.sched, "ioqueue.put")
	q.producers.PushBack(&producer{cell: cell, value: v})
	return cell
}

// Get dequeues the next value. If the queue has a
// pending producer, it is released (with a positive capacity, by
// rotating its value through the buffer head so FIFO order is
// preserved; with capacity 0, by handing its value straight through —
// an unbounded queue never has pending producers). Otherwise it pops
// from the buffer, or — if that's empty too — returns a cell that
// settles once a value arrives via Put.
func (q *Queue) Get() *deferred.Cell {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e := q.producers.Front(); e != nil {
		q.producers.Remove(e)
		p := e.Value.(*producer)
		if q.capacity > 0 {
			be := q.buffer.Front()
			headValue := be.Value
			q.buffer.Remove(be)
			q.buffer.PushBack(p.value)
			_ = p.cell.SetResult(nil)
			out := deferred.NewCell(q.sched, "ioqueue.get")
			_ = out.SetResult(headValue)
			return out
		}
		_ = p.cell.SetResult(nil)
		out := deferred.NewCell(q.sched, "ioqueue.get")
		_ = out.SetResult(p.value)
		return out
	}
	if be := q.buffer.Front(); be != nil {
		q.buffer.Remove(be)
		out := deferred.NewCell(q.sched, "ioqueue.get")
		_ = out.SetResult(be.Value)
		return out
	}
	cell := deferred.NewCell(q.sched, "ioqueue.get")
	q.consumers.PushBack(cell)
	return cell
}

// VirtualSize returns buffered + pending-producers - pending-consumers,
// which can be negative.
func (q *Queue) VirtualSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.buffer.Len() + q.producers.Len() - q.consumers.Len()
}
