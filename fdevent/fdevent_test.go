package fdevent

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/go-unstuck/unstuck/deferred"
	"github.com/go-unstuck/unstuck/dispatcher"
	"github.com/go-unstuck/unstuck/internal/errs"
)

func newTestDispatcher(t *testing.T) *dispatcher.Dispatcher {
	t.Helper()
	d, err := dispatcher.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func newNonblockingPipe(t *testing.T) (r, w *os.File) {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(int(r.Fd()), true))
	require.NoError(t, unix.SetNonblock(int(w.Fd()), true))
	t.Cleanup(func() { _ = r.Close(); _ = w.Close() })
	return r, w
}

func pumpUntilDone(t *testing.T, d *dispatcher.Dispatcher, cell interface{ Done() bool }) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cell.Done() {
		if time.Now().After(deadline) {
			t.Fatal("pumpUntilDone: timed out")
		}
		require.NoError(t, d.RunNext())
	}
}

func TestFuture_ResolvesOnFirstReadiness(t *testing.T) {
	d := newTestDispatcher(t)
	r, w := newNonblockingPipe(t)

	f, err := NewFuture(d, int(r.Fd()), dispatcher.Readable, func(active dispatcher.Mask) (any, error) {
		buf := make([]byte, 8)
		n, _ := r.Read(buf)
		return string(buf[:n]), nil
	})
	require.NoError(t, err)

	_, werr := w.Write([]byte("hi"))
	require.NoError(t, werr)

	pumpUntilDone(t, d, f.Cell())
	v, cellErr := f.Cell().GetResult()
	require.NoError(t, cellErr)
	require.Equal(t, "hi", v)
}

func TestFuture_RetrySignal_PreservesRegistration(t *testing.T) {
	d := newTestDispatcher(t)
	r, w := newNonblockingPipe(t)

	var attempts int
	f, err := NewFuture(d, int(r.Fd()), dispatcher.Readable, func(active dispatcher.Mask) (any, error) {
		attempts++
		buf := make([]byte, 1)
		n, _ := r.Read(buf)
		if n == 0 {
			return nil, errs.ErrRetry
		}
		return buf[0], nil
	})
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = w.Write([]byte{9})
	}()

	pumpUntilDone(t, d, f.Cell())
	v, cellErr := f.Cell().GetResult()
	require.NoError(t, cellErr)
	require.Equal(t, byte(9), v)
}

func TestQueue_Get_ResolvesFIFOAcrossMultipleEvents(t *testing.T) {
	d := newTestDispatcher(t)
	r, w := newNonblockingPipe(t)

	q := NewQueue(d, int(r.Fd()), dispatcher.Readable, func(active dispatcher.Mask) (any, error) {
		buf := make([]byte, 1)
		n, _ := r.Read(buf)
		if n == 0 {
			return nil, errs.ErrRetry
		}
		return buf[0], nil
	})

	c1, err := q.Get()
	require.NoError(t, err)
	c2, err := q.Get()
	require.NoError(t, err)

	_, werr := w.Write([]byte{1, 2})
	require.NoError(t, werr)

	pumpUntilDone(t, d, c1)
	pumpUntilDone(t, d, c2)

	v1, _ := c1.GetResult()
	v2, _ := c2.GetResult()
	require.Equal(t, byte(1), v1)
	require.Equal(t, byte(2), v2)
}

func TestQueue_Close_ReleasesBarrierOnceDrained(t *testing.T) {
	d := newTestDispatcher(t)
	r, w := newNonblockingPipe(t)

	q := NewQueue(d, int(r.Fd()), dispatcher.Readable, func(active dispatcher.Mask) (any, error) {
		buf := make([]byte, 1)
		n, _ := r.Read(buf)
		if n == 0 {
			return nil, errs.ErrRetry
		}
		return buf[0], nil
	})

	c1, err := q.Get()
	require.NoError(t, err)
	barrier := q.Close()
	require.False(t, barrier.Released())

	_, werr := w.Write([]byte{7})
	require.NoError(t, werr)
	pumpUntilDone(t, d, c1)

	require.True(t, barrier.Released())

	_, err = q.Get()
	require.Error(t, err, "get after close should be rejected")
}

func TestQueue_ForceClose_SettlesPendingWaitersImmediately(t *testing.T) {
	d := newTestDispatcher(t)
	r, _ := newNonblockingPipe(t)

	q := NewQueue(d, int(r.Fd()), dispatcher.Readable, func(active dispatcher.Mask) (any, error) {
		return nil, nil
	})

	c1, err := q.Get()
	require.NoError(t, err)
	c2, err := q.Get()
	require.NoError(t, err)

	var assigned int
	barrier := q.ForceClose(func(cell *deferred.Cell) {
		assigned++
		_ = cell.SetError(errs.ErrStreamClosed)
	})
	require.True(t, barrier.Released())
	require.Equal(t, 2, assigned)
	require.True(t, c1.Done())
	require.True(t, c2.Done())

	_, err1 := c1.GetResult()
	require.ErrorIs(t, err1, errs.ErrStreamClosed)
}
