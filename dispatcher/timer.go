package dispatcher

import (
	"container/heap"
	"time"
)

// timerEntry is (deadline, callback); any arguments are bound into the
// callback closure. seq preserves
// insertion order for deadline ties (heap ordering alone is unstable).
type timerEntry struct {
	deadline time.Time
	cb       func()
	seq      uint64
	canceled bool
	index    int // maintained by container/heap
}

// TimerHandle lets a caller cancel a previously scheduled timer before
// it fires. Canceling after it has already fired is a no-op.
type TimerHandle struct {
	entry *timerEntry
}

// Cancel prevents the timer's callback from running, if it has not
// already fired.
func (h TimerHandle) Cancel() {
	if h.entry != nil {
		h.entry.canceled = true
	}
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

func (h *timerHeap) push(e *timerEntry)  { heap.Push(h, e) }
func (h *timerHeap) popMin() *timerEntry { return heap.Pop(h).(*timerEntry) }
func (h timerHeap) peekMin() *timerEntry {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}
