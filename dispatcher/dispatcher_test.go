package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakePoller) {
	t.Helper()
	fp := newFakePoller()
	d, err := New(withPollerFactory(func() poller { return fp }))
	require.NoError(t, err)
	return d, fp
}

func TestDispatcher_ScheduleHigh_RunsBeforeMedium(t *testing.T) {
	d, _ := newTestDispatcher(t)
	var order []string
	d.ScheduleMedium(func() { order = append(order, "medium") })
	d.ScheduleHigh(func() { order = append(order, "high") })

	require.NoError(t, d.RunNext())
	require.NoError(t, d.RunNext())
	require.Equal(t, []string{"high", "medium"}, order)
}

func TestDispatcher_Flush_DrainsOnlyCurrentMainQueue(t *testing.T) {
	d, _ := newTestDispatcher(t)
	var n int
	d.ScheduleHigh(func() { n++ })
	d.ScheduleMedium(func() { n++ })
	d.Flush()
	require.Equal(t, 2, n)
}

func TestDispatcher_ScheduleAt_FiresOncePastDeadline(t *testing.T) {
	d, _ := newTestDispatcher(t)
	fired := make(chan struct{}, 1)
	d.ScheduleAt(time.Now().Add(-time.Millisecond), func() { fired <- struct{}{} })

	require.NoError(t, d.RunNext())
	select {
	case <-fired:
	default:
		t.Fatal("expired timer did not fire")
	}
}

func TestDispatcher_TimerHandle_Cancel_PreventsCallback(t *testing.T) {
	d, _ := newTestDispatcher(t)
	var fired bool
	h := d.ScheduleAt(time.Now().Add(-time.Millisecond), func() { fired = true })
	h.Cancel()

	require.NoError(t, d.RunNext())
	require.False(t, fired)
}

func TestDispatcher_RegisterFD_DeliversTranslatedReadiness(t *testing.T) {
	d, fp := newTestDispatcher(t)
	const fd = 7
	var got Mask
	require.NoError(t, d.RegisterFD(fd, Readable, func(m Mask) { got = m }))

	fp.fire(fd, Readable)
	require.NoError(t, d.RunNext())
	require.True(t, got.Has(Readable))
}

func TestDispatcher_RegisterFD_OverlappingMask_IsUsageError(t *testing.T) {
	d, _ := newTestDispatcher(t)
	const fd = 7
	require.NoError(t, d.RegisterFD(fd, Readable, func(Mask) {}))
	err := d.RegisterFD(fd, Readable|Writable, func(Mask) {})
	require.Error(t, err)
}

func TestDispatcher_UnregisterFD_WrongMask_IsUsageError(t *testing.T) {
	d, _ := newTestDispatcher(t)
	const fd = 7
	require.NoError(t, d.RegisterFD(fd, Readable, func(Mask) {}))
	require.Error(t, d.UnregisterFD(fd, Writable))
}

func TestDispatcher_Close_WithLeakedFD_ReportsUsageError(t *testing.T) {
	d, _ := newTestDispatcher(t)
	require.NoError(t, d.RegisterFD(3, Readable, func(Mask) {}))
	require.Error(t, d.Close())
}

func TestDispatcher_Close_WithoutLeaks_Succeeds(t *testing.T) {
	d, _ := newTestDispatcher(t)
	require.NoError(t, d.Close())
}
