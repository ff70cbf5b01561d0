package deferred

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// inlineScheduler runs scheduled callbacks immediately on the calling
// goroutine — sufficient for exercising Cell/Barrier semantics without
// a real Dispatcher loop.
type inlineScheduler struct{}

func (inlineScheduler) ScheduleHigh(fn func())   { fn() }
func (inlineScheduler) ScheduleMedium(fn func()) { fn() }

func TestCell_SetResult_DeliversToAttachedCallback(t *testing.T) {
	sched := inlineScheduler{}
	c := NewCell(sched, "test")

	var got any
	require.NoError(t, c.AttachCallback(CallbackFuncs{
		ResumeFunc: func(v any) { got = v },
		AbortFunc:  func(err error) { t.Fatalf("unexpected abort: %v", err) },
	}))
	require.NoError(t, c.SetResult(42))
	require.Equal(t, 42, got)
	require.True(t, c.Done())
}

func TestCell_AttachCallback_AfterSettled_DeliversImmediately(t *testing.T) {
	sched := inlineScheduler{}
	c := NewCell(sched, "test")
	require.NoError(t, c.SetResult("value"))

	var got any
	require.NoError(t, c.AttachCallback(CallbackFuncs{
		ResumeFunc: func(v any) { got = v },
		AbortFunc:  func(err error) {},
	}))
	require.Equal(t, "value", got)
}

func TestCell_SetResult_Twice_IsUsageError(t *testing.T) {
	sched := inlineScheduler{}
	c := NewCell(sched, "test")
	require.NoError(t, c.SetResult(1))
	require.Error(t, c.SetResult(2))
}

func TestCell_AttachCallback_Twice_IsUsageError(t *testing.T) {
	sched := inlineScheduler{}
	c := NewCell(sched, "test")
	cb := CallbackFuncs{ResumeFunc: func(any) {}, AbortFunc: func(error) {}}
	require.NoError(t, c.AttachCallback(cb))
	require.Error(t, c.AttachCallback(cb))
}

func TestCell_GetResult_MarksErrorObserved(t *testing.T) {
	sched := inlineScheduler{}
	c := NewCell(sched, "test")
	require.NoError(t, c.SetError(errBoom))
	_, err := c.GetResult()
	require.ErrorIs(t, err, errBoom)
	require.True(t, c.observed)
}

var errBoom = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
