// Package fdevent layers the Deferred Cell / Barrier primitives from
// package deferred onto raw file-descriptor readiness, giving callers
// a single future or a queue of futures that resolve as readiness
// events arrive.
package fdevent

import (
	"errors"

	"github.com/go-unstuck/unstuck/deferred"
	"github.com/go-unstuck/unstuck/dispatcher"
	"github.com/go-unstuck/unstuck/internal/errs"
)

// Handler is invoked with the effective readiness mask for a
// registered fd. Returning an error that wraps errs.ErrRetry preserves
// the registration and leaves the associated cell pending; any other
// return tears the registration down and settles the cell.
type Handler func(active dispatcher.Mask) (any, error)

// Future registers (fd, mask) on construction and settles its Cell the
// first time handler returns something other than a retry signal.
// Grounded on dispatcher.fdTable plus gaio's tryRead/tryWrite
// EAGAIN-retry convention, generalized to this runtime's errs.ErrRetry
// sentinel.
type Future struct {
	d       *dispatcher.Dispatcher
	fd      int
	mask    dispatcher.Mask
	handler Handler
	cell    *deferred.Cell
}

// NewFuture registers (fd, mask) on d and returns a Future whose Cell
// settles per handler's outcome.
func NewFuture(d *dispatcher.Dispatcher, fd int, mask dispatcher.Mask, handler Handler) (*Future, error) {
	f := &Future{
		d:       d,
		fd:      fd,
		mask:    mask,
		handler: handler,
		cell:    deferred.NewCell(d, "fdevent.future"),
	}
	if err := d.RegisterFD(fd, mask, f.onReady); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Future) onReady(active dispatcher.Mask) {
	v, err := f.handler(active)
	if errors.Is(err, errs.ErrRetry) {
		return
	}
	_ = f.d.UnregisterFD(f.fd, f.mask)
	if err != nil {
		_ = f.cell.SetError(err)
		return
	}
	_ = f.cell.SetResult(v)
}

// Cell returns the future's result cell.
func (f *Future) Cell() *deferred.Cell { return f.cell }
