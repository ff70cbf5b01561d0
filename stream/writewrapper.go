package stream

import (
	"sync"

	"github.com/go-unstuck/unstuck/deferred"
	"github.com/go-unstuck/unstuck/dispatcher"
	"github.com/go-unstuck/unstuck/internal/errs"
)

// writer is the minimal raw-write surface WriteWrapper needs.
type writer interface {
	Write(p []byte) (int, error)
	Fd() uintptr
}

// flusher is implemented by writers that buffer internally (e.g. a
// TLS record layer) and need an explicit flush after a drain pass.
// Plain fds don't implement it; WriteWrapper treats a missing Flush as
// a no-op.
type flusher interface {
	Flush() error
}

type writeWaiter struct {
	cell           *deferred.Cell
	remaining      []byte
	originalLength int
}

// WriteWrapper queues writes against a non-blocking fd, draining them
// head-first as writable readiness allows.
//
// mu guards every field below it, same rationale as ReadWrapper.mu:
// onWritable runs on the Dispatcher's loop goroutine while Write/Release
// may be called from a background task goroutine.
type WriteWrapper struct {
	d            *dispatcher.Dispatcher
	fd           int
	f            writer
	mu           sync.Mutex
	waiters      []writeWaiter
	pending      int
	armed        bool
	closing      bool
	closeBarrier *deferred.Barrier
}

// NewWriteWrapper constructs a wrapper over f (already in non-blocking
// mode), identified by fd for dispatcher registration.
func NewWriteWrapper(d *dispatcher.Dispatcher, fd int, f writer) *WriteWrapper {
	return &WriteWrapper{d: d, fd: fd, f: f}
}

// Write enqueues buf for writing, returning a cell that resolves with
// the number of bytes written (always len(buf) once it settles).
func (w *WriteWrapper) Write(buf []byte) *deferred.Cell {
	w.mu.Lock()
	defer w.mu.Unlock()
	cell := deferred.NewCell(w.d, "stream.write")
	if w.closing {
		_ = cell.SetError(errs.ErrStreamClosed)
		return cell
	}
	if len(buf) == 0 {
		_ = cell.SetResult(0)
		return cell
	}
	wasEmpty := w.pending == 0
	w.waiters = append(w.waiters, writeWaiter{cell: cell, remaining: buf, originalLength: len(buf)})
	w.pending += len(buf)
	if wasEmpty {
		w.arm()
	}
	return cell
}

// WritePacket prepends a kByte (1, 2 or 4) big-endian length to buf
// before enqueuing it, via the shared framing helper in packet.go.
func (w *WriteWrapper) WritePacket(k int, buf []byte) *deferred.Cell {
	return writePacket(w, k, buf)
}

func (w *WriteWrapper) arm() {
	if w.armed {
		return
	}
	if err := w.d.RegisterFD(w.fd, dispatcher.Writable, w.onWritable); err != nil {
		return
	}
	w.armed = true
}

func (w *WriteWrapper) disarm() {
	if !w.armed {
		return
	}
	_ = w.d.UnregisterFD(w.fd, dispatcher.Writable)
	w.armed = false
}

// onWritable is the writable-readiness callback: drain
// waiters head-first, flush once after the drain loop, and only then
// resolve the waiters written in full. If a write fails, every waiter
// written in this drain plus the failing head is failed with the same
// error (they shared a flush boundary). An error or hangup readiness
// bit fails every queued waiter.
func (w *WriteWrapper) onWritable(active dispatcher.Mask) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if active.Has(dispatcher.ErrorCond) || active.Has(dispatcher.Hangup) {
		w.failAllWith(errs.ErrInterruptedTransfer)
		return
	}

	var touched []writeWaiter
	i := 0
	for i < len(w.waiters) {
		waiter := &w.waiters[i]
		n, err := w.f.Write(waiter.remaining)
		if n > 0 {
			w.pending -= n
			waiter.remaining = waiter.remaining[n:]
		}
		if err != nil {
			touched = append(touched, *waiter)
			w.waiters = w.waiters[i+1:]
			w.failTouched(touched, errs.Wrap("write wrapper", err))
			return
		}
		if len(waiter.remaining) > 0 {
			// partial write; stop draining until the fd is writable again.
			break
		}
		touched = append(touched, *waiter)
		i++
	}
	w.waiters = w.waiters[i:]

	if fl, ok := w.f.(flusher); ok {
		_ = fl.Flush()
	}
	for _, t := range touched {
		_ = t.cell.SetResult(t.originalLength)
	}

	if w.pending == 0 {
		w.disarm()
		if w.closing {
			w.completeRelease()
		}
	}
}

func (w *WriteWrapper) failTouched(touched []writeWaiter, err error) {
	for _, t := range touched {
		_ = t.cell.SetError(err)
	}
	w.pending = 0
	for _, rest := range w.waiters {
		w.pending += len(rest.remaining)
	}
	if w.pending > 0 {
		return
	}
	w.disarm()
	if w.closing {
		w.completeRelease()
	}
}

func (w *WriteWrapper) failAllWith(err error) {
	for _, waiter := range w.waiters {
		_ = waiter.cell.SetError(err)
	}
	w.waiters = nil
	w.pending = 0
	w.disarm()
	if w.closing {
		w.completeRelease()
	}
}

// Release gracefully tears the wrapper down: idempotent, returns a
// barrier that releases once every pending waiter has drained.
func (w *WriteWrapper) Release() *deferred.Barrier {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closeBarrier != nil {
		return w.closeBarrier
	}
	w.closing = true
	w.closeBarrier = deferred.NewBarrier(w.d)
	if len(w.waiters) == 0 {
		_ = w.closeBarrier.Release()
	}
	return w.closeBarrier
}

func (w *WriteWrapper) completeRelease() {
	if w.closeBarrier != nil && !w.closeBarrier.Released() {
		_ = w.closeBarrier.Release()
	}
}

// ForceRelease fails every pending waiter with err, unregisters, and
// releases the close barrier immediately.
func (w *WriteWrapper) ForceRelease(err error) *deferred.Barrier {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closing = true
	for _, waiter := range w.waiters {
		_ = waiter.cell.SetError(err)
	}
	w.waiters = nil
	w.pending = 0
	w.disarm()
	if w.closeBarrier == nil {
		w.closeBarrier = deferred.NewBarrier(w.d)
	}
	if !w.closeBarrier.Released() {
		_ = w.closeBarrier.Release()
	}
	return w.closeBarrier
}
