package dispatcher

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFDTable_Register_RejectsEmptyMask(t *testing.T) {
	tbl := newFDTable(newFakePoller())
	require.Error(t, tbl.register(1, 0, func(Mask) {}))
}

func TestFDTable_Register_MultipleNonOverlappingMasks(t *testing.T) {
	tbl := newFDTable(newFakePoller())
	require.NoError(t, tbl.register(1, Readable, func(Mask) {}))
	require.NoError(t, tbl.register(1, Writable, func(Mask) {}))
	require.Equal(t, Readable|Writable, tbl.entries[1].combined)
}

func TestFDTable_Register_RejectsOverlap(t *testing.T) {
	tbl := newFDTable(newFakePoller())
	require.NoError(t, tbl.register(1, Readable, func(Mask) {}))
	require.Error(t, tbl.register(1, Readable, func(Mask) {}))
}

func TestFDTable_Unregister_RemovesLastBinding(t *testing.T) {
	fp := newFakePoller()
	tbl := newFDTable(fp)
	require.NoError(t, tbl.register(1, Readable, func(Mask) {}))
	require.NoError(t, tbl.unregister(1, Readable))
	_, exists := fp.registered[1]
	require.False(t, exists)
	require.Empty(t, tbl.registeredFDs())
}

func TestFDTable_Unregister_UnknownMask_Errors(t *testing.T) {
	tbl := newFDTable(newFakePoller())
	require.NoError(t, tbl.register(1, Readable, func(Mask) {}))
	require.Error(t, tbl.unregister(1, Writable))
}

func TestFDTable_Translate_DispatchesToEachBinding(t *testing.T) {
	tbl := newFDTable(newFakePoller())
	var readCalls, writeCalls int
	require.NoError(t, tbl.register(1, Readable, func(Mask) { readCalls++ }))
	require.NoError(t, tbl.register(1, Writable, func(Mask) { writeCalls++ }))

	tbl.translate(1, Readable|Writable, func(cb func(Mask), effective Mask) { cb(effective) })
	require.Equal(t, 1, readCalls)
	require.Equal(t, 1, writeCalls)
}
