package stream

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/go-unstuck/unstuck/dispatcher"
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
