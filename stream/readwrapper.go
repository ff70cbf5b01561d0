// Package stream implements the Read and Write Wrappers: buffered,
// watermark-backpressured adapters over a raw
// non-blocking file descriptor, built on package dispatcher's FD
// registration for readiness
// and package deferred for the cells handed back to callers.
//
// Grounded on gaio's aiocb read/write buffering and
// tryRead/tryWrite/deliver drain loop (socket515-gaio/watcher.go),
// adapted to an explicit watermark and waiter-chain scheme.
package stream

import (
	"bytes"
	"io"
	"sync"

	"github.com/go-unstuck/unstuck/deferred"
	"github.com/go-unstuck/unstuck/dispatcher"
	"github.com/go-unstuck/unstuck/internal/errs"
)

// reader is the minimal raw-read surface ReadWrapper needs; *os.File
// and net.Conn-derived fds both satisfy it once put in non-blocking mode.
type reader interface {
	Read(p []byte) (int, error)
	Fd() uintptr
}

const lineLength = -1

type readWaiter struct {
	cell   *deferred.Cell
	length int // lineLength for a read_line() waiter
}

// ReadWrapper buffers reads off a non-blocking fd, with low/high
// watermark backpressure: the reader is unregistered once the buffer
// grows past highWatermark and re-armed once it drains below
// lowWatermark.
//
// mu guards every field below it: onReadable runs on the Dispatcher's
// loop goroutine, but Read/ReadLine/ReadPacket/Release can be called
// from a background task goroutine (the WebSocket engine's receive
// loop, say), same rationale as Cell's mutex. Grounded on gaio's own
// pendingMutex/resultsMutex split around aiocb state
// (socket515-gaio/watcher.go).
type ReadWrapper struct {
	d              *dispatcher.Dispatcher
	fd             int
	f              reader
	lowWatermark   int
	highWatermark  int
	mu             sync.Mutex
	buffer         bytes.Buffer
	waiters        []readWaiter
	waitingLengths int
	armed          bool
	closing        bool
	closeBarrier   *deferred.Barrier
}

// NewReadWrapper constructs a wrapper over f (already in non-blocking
// mode), identified by fd for dispatcher registration.
func NewReadWrapper(d *dispatcher.Dispatcher, fd int, f reader, lowWatermark, highWatermark int) *ReadWrapper {
	return &ReadWrapper{d: d, fd: fd, f: f, lowWatermark: lowWatermark, highWatermark: highWatermark}
}

// Read requests exactly n bytes, returning a cell that resolves once
// they're available (immediately, if the buffer already holds enough).
func (w *ReadWrapper) Read(n int) *deferred.Cell {
	w.mu.Lock()
	defer w.mu.Unlock()
	cell := deferred.NewCell(w.d, "stream.read")
	if w.closing {
		_ = cell.SetError(errs.ErrStreamClosed)
		return cell
	}
	if len(w.waiters) == 0 && w.buffer.Len() >= n {
		out := make([]byte, n)
		_, _ = w.buffer.Read(out)
		_ = cell.SetResult(out)
		w.rearmIfBelowLowWatermark()
		return cell
	}
	w.enqueue(readWaiter{cell: cell, length: n})
	return cell
}

// ReadLine requests bytes up to and including the next LF.
func (w *ReadWrapper) ReadLine() *deferred.Cell {
	w.mu.Lock()
	defer w.mu.Unlock()
	cell := deferred.NewCell(w.d, "stream.read_line")
	if w.closing {
		_ = cell.SetError(errs.ErrStreamClosed)
		return cell
	}
	if len(w.waiters) == 0 && w.buffer.Len() > 0 {
		data := w.buffer.Bytes()
		if idx := bytes.IndexByte(data, '\n'); idx >= 0 {
			line := append([]byte(nil), data[:idx+1]...)
			w.buffer.Next(idx + 1)
			_ = cell.SetResult(line)
			w.rearmIfBelowLowWatermark()
			return cell
		}
	}
	w.enqueue(readWaiter{cell: cell, length: lineLength})
	return cell
}

// ReadPacket reads a kByte (1, 2 or 4) big-endian length prefix, then
// that many bytes, via the shared framing helper in packet.go.
func (w *ReadWrapper) ReadPacket(k int) *deferred.Cell {
	return readPacket(w, k)
}

func (w *ReadWrapper) enqueue(waiter readWaiter) {
	w.waiters = append(w.waiters, waiter)
	if waiter.length != lineLength {
		w.waitingLengths += waiter.length
	}
	w.arm()
}

func (w *ReadWrapper) arm() {
	if w.armed {
		return
	}
	if err := w.d.RegisterFD(w.fd, dispatcher.Readable, w.onReadable); err != nil {
		return
	}
	w.armed = true
}

func (w *ReadWrapper) disarm() {
	if !w.armed {
		return
	}
	_ = w.d.UnregisterFD(w.fd, dispatcher.Readable)
	w.armed = false
}

func (w *ReadWrapper) rearmIfBelowLowWatermark() {
	if !w.armed && w.buffer.Len() < w.lowWatermark {
		w.arm()
	}
}

// onReadable is the readable-readiness callback.
func (w *ReadWrapper) onReadable(active dispatcher.Mask) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if active.Has(dispatcher.ErrorCond) || active.Has(dispatcher.Hangup) {
		w.failTerminal(errs.ErrInterruptedTransfer)
		return
	}

	budget := w.highWatermark - w.buffer.Len()
	if len(w.waiters) > 0 && w.waiters[0].length != lineLength {
		budget = w.waitingLengths + w.highWatermark - w.buffer.Len()
	}
	if budget <= 0 {
		budget = w.highWatermark
	}

	chunk := make([]byte, budget)
	n, err := w.f.Read(chunk)
	if n > 0 {
		w.buffer.Write(chunk[:n])
	}
	if err != nil && err != io.EOF {
		w.failTerminal(errs.Wrap("read wrapper", err))
		return
	}

	w.satisfyWaiters()

	if len(w.waiters) == 0 {
		if w.closing {
			w.completeRelease()
			return
		}
		if w.buffer.Len() >= w.highWatermark {
			w.disarm()
		}
		return
	}
}

// satisfyWaiters implements the waiter-chain delivery loop: walks
// waiters from the head, delivering each that the current buffer can
// satisfy, stopping at the first it can't.
func (w *ReadWrapper) satisfyWaiters() {
	i := 0
	for i < len(w.waiters) {
		waiter := w.waiters[i]
		if waiter.length == lineLength {
			data := w.buffer.Bytes()
			idx := bytes.IndexByte(data, '\n')
			if idx < 0 {
				break
			}
			line := append([]byte(nil), data[:idx+1]...)
			w.buffer.Next(idx + 1)
			_ = waiter.cell.SetResult(line)
		} else {
			if w.buffer.Len() < waiter.length {
				break
			}
			out := make([]byte, waiter.length)
			_, _ = w.buffer.Read(out)
			_ = waiter.cell.SetResult(out)
			w.waitingLengths -= waiter.length
		}
		i++
	}
	w.waiters = w.waiters[i:]
}

func (w *ReadWrapper) failTerminal(err error) {
	if len(w.waiters) > 0 {
		head := w.waiters[0]
		w.waiters = w.waiters[1:]
		if head.length != lineLength {
			w.waitingLengths -= head.length
		}
		_ = head.cell.SetError(err)
	}
	w.disarm()
	if w.closing {
		w.completeRelease()
	}
}

// Release gracefully tears the wrapper down: idempotent, returns a
// barrier that releases once every pending waiter has drained.
func (w *ReadWrapper) Release() *deferred.Barrier {
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

func (w *ReadWrapper) completeRelease() {
	if w.closeBarrier != nil && !w.closeBarrier.Released() {
		_ = w.closeBarrier.Release()
	}
}

// ForceRelease fails every pending waiter with err, unregisters, and
// releases the close barrier immediately.
func (w *ReadWrapper) ForceRelease(err error) *deferred.Barrier {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closing = true
	for _, waiter := range w.waiters {
		_ = waiter.cell.SetError(err)
	}
	w.waiters = nil
	w.waitingLengths = 0
	w.disarm()
	if w.closeBarrier == nil {
		w.closeBarrier = deferred.NewBarrier(w.d)
	}
	if !w.closeBarrier.Released() {
		_ = w.closeBarrier.Release()
	}
	return w.closeBarrier
}
