package dispatcher

import (
	"fmt"

	"github.com/go-unstuck/unstuck/internal/errs"
)

// fdBinding is one (mask -> callback) registration on a file
// descriptor. Multiple non-overlapping bindings may coexist per fd.
type fdBinding struct {
	mask Mask
	cb   func(Mask)
}

// fdEntry aggregates every binding registered against one fd, plus the
// combined mask currently installed in the poller for it.
//
// Grounded on gvisor's waiter.Queue / EventRegister / EventUnregister
// pattern (senior7515-gvisor/pkg/sentry/socket/hostinet/socket.go):
// the teacher's own FastPoller only supports a single callback per fd,
// so this layer adds multi-waiter fan-out on top of it.
type fdEntry struct {
	bindings []fdBinding
	combined Mask
}

func (e *fdEntry) recombine() Mask {
	var m Mask
	for _, b := range e.bindings {
		m |= b.mask
	}
	return m
}

// fdTable is the Dispatcher's exclusively-owned FD handle table.
type fdTable struct {
	entries map[int]*fdEntry
	p       poller
}

func newFDTable(p poller) *fdTable {
	return &fdTable{entries: make(map[int]*fdEntry), p: p}
}

// register adds a (mask -> cb) binding for fd. It fails if mask
// overlaps any mask already registered for fd.
func (t *fdTable) register(fd int, mask Mask, cb func(Mask)) error {
	if mask == 0 {
		return &errs.UsageError{Msg: fmt.Sprintf("register_fd(%d): empty mask", fd)}
	}
	e, ok := t.entries[fd]
	if !ok {
		e = &fdEntry{}
		t.entries[fd] = e
	}
	for _, b := range e.bindings {
		if b.mask.overlaps(mask) {
			return &errs.UsageError{Msg: fmt.Sprintf("register_fd(%d): mask %v overlaps existing mask %v", fd, mask, b.mask)}
		}
	}
	e.bindings = append(e.bindings, fdBinding{mask: mask, cb: cb})
	newCombined := e.recombine()
	var err error
	if e.combined == 0 {
		err = t.p.add(fd, newCombined)
	} else if newCombined != e.combined {
		err = t.p.modify(fd, newCombined)
	}
	if err != nil {
		// roll back
		e.bindings = e.bindings[:len(e.bindings)-1]
		if len(e.bindings) == 0 {
			delete(t.entries, fd)
		}
		return err
	}
	e.combined = newCombined
	return nil
}

// unregister removes the binding previously registered for fd with
// exactly mask. Double-unregister (or unregistering a mask that was
// never registered) fails.
func (t *fdTable) unregister(fd int, mask Mask) error {
	e, ok := t.entries[fd]
	if !ok {
		return &errs.UsageError{Msg: fmt.Sprintf("unregister_fd(%d): fd not registered", fd)}
	}
	idx := -1
	for i, b := range e.bindings {
		if b.mask == mask {
			idx = i
			break
		}
	}
	if idx < 0 {
		return &errs.UsageError{Msg: fmt.Sprintf("unregister_fd(%d): mask %v not registered", fd, mask)}
	}
	e.bindings = append(e.bindings[:idx], e.bindings[idx+1:]...)
	if len(e.bindings) == 0 {
		delete(t.entries, fd)
		return t.p.remove(fd)
	}
	newCombined := e.recombine()
	if newCombined != e.combined {
		if err := t.p.modify(fd, newCombined); err != nil {
			return err
		}
		e.combined = newCombined
	}
	return nil
}

// translate implements the readiness-translation algorithm:
// for the given fd and active mask, every registered binding whose
// (mask | errorMask) overlaps active is delivered its effective mask
// via emit.
func (t *fdTable) translate(fd int, active Mask, emit func(cb func(Mask), effective Mask)) {
	e, ok := t.entries[fd]
	if !ok {
		return
	}
	// bindings may be mutated by emitted callbacks (e.g. a handler that
	// unregisters itself); snapshot first.
	bindings := append([]fdBinding(nil), e.bindings...)
	for _, b := range bindings {
		effective := (b.mask | errorMask) & active
		if effective != 0 {
			emit(b.cb, effective)
		}
	}
}

// registeredFDs reports every fd with at least one live binding, used
// to detect a Dispatcher destroyed with FDs still registered.
func (t *fdTable) registeredFDs() []int {
	out := make([]int, 0, len(t.entries))
	for fd := range t.entries {
		out = append(out, fd)
	}
	return out
}
