package dispatcher

import "container/list"

// taskDeque is the shared high/medium priority main queue: high
// priority enqueues at the head, medium priority enqueues at the tail,
// both drained FIFO from the head. Grounded on the teacher's
// ChunkedIngress shape (eventloop/ingress.go), simplified to a plain
// container/list.List since this module's queues are single-consumer
// and never drained concurrently with a push (the same idiom gaio uses
// for its reader/writer waiter lists, socket515-gaio/watcher.go).
type taskDeque struct {
	l list.List
}

func (q *taskDeque) pushHigh(fn func())   { q.l.PushFront(fn) }
func (q *taskDeque) pushMedium(fn func()) { q.l.PushBack(fn) }
func (q *taskDeque) empty() bool          { return q.l.Len() == 0 }
func (q *taskDeque) len() int             { return q.l.Len() }

// popFront removes and returns the head task. Caller must check empty()
// first.
func (q *taskDeque) popFront() func() {
	e := q.l.Front()
	q.l.Remove(e)
	return e.Value.(func())
}

// fifoQueue is a plain FIFO, used for the low-priority queue.
type fifoQueue struct {
	l list.List
}

func (q *fifoQueue) push(fn func()) { q.l.PushBack(fn) }
func (q *fifoQueue) empty() bool    { return q.l.Len() == 0 }

func (q *fifoQueue) popFront() func() {
	e := q.l.Front()
	q.l.Remove(e)
	return e.Value.(func())
}
