package stream

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteWrapper_Write_ResolvesWithByteCount(t *testing.T) {
	d := newTestDispatcher(t)
	_, w := newNonblockingPipe(t)
	ww := NewWriteWrapper(d, int(w.Fd()), w)

	cell := ww.Write([]byte("hello"))
	pumpUntilDone(t, d, cell)

	v, err := cell.GetResult()
	require.NoError(t, err)
	require.Equal(t, 5, v)
}

func TestWriteWrapper_Write_EmptyBuffer_ResolvesImmediatelyWithZero(t *testing.T) {
	d := newTestDispatcher(t)
	_, w := newNonblockingPipe(t)
	ww := NewWriteWrapper(d, int(w.Fd()), w)

	cell := ww.Write(nil)
	require.True(t, cell.Done())
	v, err := cell.GetResult()
	require.NoError(t, err)
	require.Equal(t, 0, v)
}

func TestWriteWrapper_Write_MultipleQueuedInOrder(t *testing.T) {
	d := newTestDispatcher(t)
	r, w := newNonblockingPipe(t)
	ww := NewWriteWrapper(d, int(w.Fd()), w)

	c1 := ww.Write([]byte("ab"))
	c2 := ww.Write([]byte("cd"))
	pumpUntilDone(t, d, c1)
	pumpUntilDone(t, d, c2)

	buf := make([]byte, 4)
	n, err := r.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "abcd", string(buf[:n]))
}

func TestWriteWrapper_Release_ReleasesOnceDrained(t *testing.T) {
	d := newTestDispatcher(t)
	_, w := newNonblockingPipe(t)
	ww := NewWriteWrapper(d, int(w.Fd()), w)

	cell := ww.Write([]byte("x"))
	barrier := ww.Release()
	pumpUntilDone(t, d, cell)
	require.True(t, barrier.Released())
}

func TestWriteWrapper_ForceRelease_FailsPendingWaiters(t *testing.T) {
	d := newTestDispatcher(t)
	_, w := newNonblockingPipe(t)
	ww := NewWriteWrapper(d, int(w.Fd()), w)

	cell := ww.Write([]byte("x"))
	barrier := ww.ForceRelease(errTestBoom)
	require.True(t, barrier.Released())
	require.True(t, cell.Done())
	_, err := cell.GetResult()
	require.ErrorIs(t, err, errTestBoom)
}
