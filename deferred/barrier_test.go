package deferred

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBarrier_Release_InvokesAllCallbacks(t *testing.T) {
	sched := inlineScheduler{}
	b := NewBarrier(sched)

	var calls int
	b.AttachCallback(func() { calls++ })
	b.AttachCallback(func() { calls++ })
	require.NoError(t, b.Release())
	require.Equal(t, 2, calls)
	require.True(t, b.Released())
}

func TestBarrier_AttachCallback_AfterRelease_DeliversImmediately(t *testing.T) {
	sched := inlineScheduler{}
	b := NewBarrier(sched)
	require.NoError(t, b.Release())

	var called bool
	b.AttachCallback(func() { called = true })
	require.True(t, called)
}

func TestBarrier_Release_Twice_IsUsageError(t *testing.T) {
	sched := inlineScheduler{}
	b := NewBarrier(sched)
	require.NoError(t, b.Release())
	require.Error(t, b.Release())
}

func TestAwaitBarrier_BlocksUntilReleased(t *testing.T) {
	sched := newQueueingScheduler()
	b := NewBarrier(sched)

	done := make(chan struct{})
	go func() {
		require.NoError(t, AwaitBarrier(b))
		close(done)
	}()

	sched.ScheduleHigh(func() { _ = b.Release() })
	sched.pumpUntil(t, done)
}
