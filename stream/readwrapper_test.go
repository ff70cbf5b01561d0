package stream

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadWrapper_Read_ResolvesFromArrivingData(t *testing.T) {
	d := newTestDispatcher(t)
	r, w := newNonblockingPipe(t)
	rw := NewReadWrapper(d, int(r.Fd()), r, 4, 64)

	cell := rw.Read(5)
	require.False(t, cell.Done())

	_, err := w.Write([]byte("hello world"))
	require.NoError(t, err)

	pumpUntilDone(t, d, cell)
	v, err := cell.GetResult()
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), v)
}

func TestReadWrapper_Read_SatisfiedImmediatelyFromBuffer(t *testing.T) {
	d := newTestDispatcher(t)
	r, w := newNonblockingPipe(t)
	rw := NewReadWrapper(d, int(r.Fd()), r, 4, 64)

	cell := rw.Read(5)
	_, err := w.Write([]byte("hello world"))
	require.NoError(t, err)
	pumpUntilDone(t, d, cell)

	cell2 := rw.Read(5)
	require.True(t, cell2.Done(), "remaining buffered bytes should satisfy the read synchronously")
	v, err := cell2.GetResult()
	require.NoError(t, err)
	require.Equal(t, []byte(" worl"), v)
}

func TestReadWrapper_ReadLine_WaitsForLF(t *testing.T) {
	d := newTestDispatcher(t)
	r, w := newNonblockingPipe(t)
	rw := NewReadWrapper(d, int(r.Fd()), r, 4, 64)

	cell := rw.ReadLine()
	_, err := w.Write([]byte("partial"))
	require.NoError(t, err)

	require.NoError(t, d.RunNext())
	require.False(t, cell.Done(), "no newline yet")

	_, err = w.Write([]byte(" line\nrest"))
	require.NoError(t, err)
	pumpUntilDone(t, d, cell)

	v, err := cell.GetResult()
	require.NoError(t, err)
	require.Equal(t, []byte("partial line\n"), v)
}

func TestReadWrapper_Close_ReleasesOnceDrained(t *testing.T) {
	d := newTestDispatcher(t)
	r, w := newNonblockingPipe(t)
	rw := NewReadWrapper(d, int(r.Fd()), r, 4, 64)

	cell := rw.Read(3)
	barrier := rw.Release()
	require.False(t, barrier.Released())

	_, err := w.Write([]byte("abc"))
	require.NoError(t, err)
	pumpUntilDone(t, d, cell)
	require.True(t, barrier.Released())
}

func TestReadWrapper_ForceRelease_FailsPendingWaiters(t *testing.T) {
	d := newTestDispatcher(t)
	r, _ := newNonblockingPipe(t)
	rw := NewReadWrapper(d, int(r.Fd()), r, 4, 64)

	cell := rw.Read(3)
	barrier := rw.ForceRelease(errTestBoom)
	require.True(t, barrier.Released())
	require.True(t, cell.Done())

	_, err := cell.GetResult()
	require.ErrorIs(t, err, errTestBoom)
}

var errTestBoom = boomError("boom")

type boomError string

func (e boomError) Error() string { return string(e) }
