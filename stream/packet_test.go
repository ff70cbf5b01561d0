package stream

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPacket_RoundTrip_AllPrefixWidths(t *testing.T) {
	for _, k := range []int{1, 2, 4} {
		k := k
		t.Run("", func(t *testing.T) {
			d := newTestDispatcher(t)
			r, w := newNonblockingPipe(t)
			rw := NewReadWrapper(d, int(r.Fd()), r, 4, 256)
			ww := NewWriteWrapper(d, int(w.Fd()), w)

			writeCell := ww.WritePacket(k, []byte("payload"))
			pumpUntilDone(t, d, writeCell)
			_, err := writeCell.GetResult()
			require.NoError(t, err)

			readCell := rw.ReadPacket(k)
			pumpUntilDone(t, d, readCell)
			v, err := readCell.GetResult()
			require.NoError(t, err)
			require.Equal(t, []byte("payload"), v)
		})
	}
}

func TestPacket_WritePacket_RejectsUnsupportedWidth(t *testing.T) {
	d := newTestDispatcher(t)
	_, w := newNonblockingPipe(t)
	ww := NewWriteWrapper(d, int(w.Fd()), w)

	cell := ww.WritePacket(3, []byte("x"))
	require.True(t, cell.Done())
	_, err := cell.GetResult()
	require.Error(t, err)
}

func TestPacket_WritePacket_1Byte_RejectsOversizeLength(t *testing.T) {
	d := newTestDispatcher(t)
	_, w := newNonblockingPipe(t)
	ww := NewWriteWrapper(d, int(w.Fd()), w)

	cell := ww.WritePacket(1, make([]byte, 300))
	require.True(t, cell.Done())
	_, err := cell.GetResult()
	require.Error(t, err)
}
