package dispatcher

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTaskDeque_HighPushesFront_MediumPushesBack(t *testing.T) {
	var q taskDeque
	var order []string
	q.pushMedium(func() { order = append(order, "m1") })
	q.pushHigh(func() { order = append(order, "h1") })
	q.pushMedium(func() { order = append(order, "m2") })

	for !q.empty() {
		q.popFront()()
	}
	require.Equal(t, []string{"h1", "m1", "m2"}, order)
}

func TestFifoQueue_FIFOOrder(t *testing.T) {
	var q fifoQueue
	var order []int
	q.push(func() { order = append(order, 1) })
	q.push(func() { order = append(order, 2) })
	for !q.empty() {
		q.popFront()()
	}
	require.Equal(t, []int{1, 2}, order)
}
