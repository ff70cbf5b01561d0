package deferred

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// queueingScheduler buffers scheduled callbacks for a test driver loop
// to pump explicitly, closer to how a real Dispatcher would interleave
// with goroutines blocked in Await.
type queueingScheduler struct {
	q chan func()
}

func newQueueingScheduler() *queueingScheduler {
	return &queueingScheduler{q: make(chan func(), 64)}
}

func (s *queueingScheduler) ScheduleHigh(fn func())   { s.q <- fn }
func (s *queueingScheduler) ScheduleMedium(fn func()) { s.q <- fn }

func (s *queueingScheduler) pumpUntil(t *testing.T, done <-chan struct{}) {
	t.Helper()
	for {
		select {
		case <-done:
			return
		case fn := <-s.q:
			fn()
		case <-time.After(time.Second):
			t.Fatal("pumpUntil: timed out waiting for scheduler activity")
		}
	}
}

func TestStart_ResolvesOuterCellWithBodyResult(t *testing.T) {
	sched := newQueueingScheduler()
	outer := Start(sched, "test-task", func(await AwaitFunc) (any, error) {
		return "done", nil
	})

	done := make(chan struct{})
	require.NoError(t, outer.AttachCallback(CallbackFuncs{
		ResumeFunc: func(v any) { require.Equal(t, "done", v); close(done) },
		AbortFunc:  func(err error) { t.Fatalf("unexpected abort: %v", err) },
	}))
	sched.pumpUntil(t, done)
}

func TestStart_AwaitingInnerCell_SuspendsAndResumes(t *testing.T) {
	sched := newQueueingScheduler()
	inner := NewCell(sched, "inner")

	outer := Start(sched, "outer", func(await AwaitFunc) (any, error) {
		v, err := await(inner)
		if err != nil {
			return nil, err
		}
		return v.(int) + 1, nil
	})

	// Resolve the inner cell once the task has had a chance to attach.
	go func() {
		time.Sleep(20 * time.Millisecond)
		sched.ScheduleHigh(func() { _ = inner.SetResult(41) })
	}()

	done := make(chan struct{})
	require.NoError(t, outer.AttachCallback(CallbackFuncs{
		ResumeFunc: func(v any) { require.Equal(t, 42, v); close(done) },
		AbortFunc:  func(err error) { t.Fatalf("unexpected abort: %v", err) },
	}))
	sched.pumpUntil(t, done)
}
