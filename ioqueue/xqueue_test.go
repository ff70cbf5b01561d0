package ioqueue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestXQueue_PutResult_GetResolvesAsResult(t *testing.T) {
	x := NewXQueue(inlineScheduler{}, -1)
	x.PutResult("payload")
	cell := x.Get()
	require.True(t, cell.Done())
	v, err := cell.GetResult()
	require.NoError(t, err)
	require.Equal(t, "payload", v)
}

func TestXQueue_PutError_GetResolvesAsError(t *testing.T) {
	x := NewXQueue(inlineScheduler{}, -1)
	boom := errTest("boom")
	x.PutError(boom)
	cell := x.Get()
	require.True(t, cell.Done())
	_, err := cell.GetResult()
	require.ErrorIs(t, err, boom)
}

func TestXQueue_Get_BeforePut_WaitsThenResolves(t *testing.T) {
	x := NewXQueue(inlineScheduler{}, 0)
	cell := x.Get()
	require.False(t, cell.Done())
	x.PutResult("later")
	require.True(t, cell.Done())
	v, err := cell.GetResult()
	require.NoError(t, err)
	require.Equal(t, "later", v)
}

type errTest string

func (e errTest) Error() string { return string(e) }
