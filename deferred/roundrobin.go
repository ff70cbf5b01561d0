package deferred

// RoundRobin is a cooperative cohort gate: callers join by
// calling Swap, which returns a Cell that settles once the cohort fills
// up to the configured size. Done lets the current head of the queue
// step aside early, releasing the next waiter in line without waiting
// for the cohort to fill — the escape valve a strict cohort-size-only
// gate would otherwise lack. There is no direct teacher analog; this is
// built directly from that description.
//
// Like ErrorGate, a RoundRobin is owned by a single goroutine and is
// not safe for concurrent use.
type RoundRobin struct {
	sched      Scheduler
	cohortSize int
	waiters    []*Cell
}

// NewRoundRobin constructs a gate that releases its oldest waiter every
// time cohortSize callers are waiting. cohortSize must be >= 1.
func NewRoundRobin(sched Scheduler, cohortSize int) *RoundRobin {
	if cohortSize < 1 {
		cohortSize = 1
	}
	return &RoundRobin{sched: sched, cohortSize: cohortSize}
}

// Swap joins the cohort, returning a Cell that resolves (with a nil
// value) once the cohort reaches its configured size.
func (r *RoundRobin) Swap() *Cell {
	c := NewCell(r.sched, "round-robin")
	r.waiters = append(r.waiters, c)
	if len(r.waiters) >= r.cohortSize {
		oldest := r.waiters[0]
		r.waiters = r.waiters[1:]
		_ = oldest.SetResult(nil)
	}
	return c
}

// Done manually releases the oldest still-waiting caller, independent
// of whether the cohort has filled. A no-op if nobody is waiting.
func (r *RoundRobin) Done() {
	if len(r.waiters) == 0 {
		return
	}
	oldest := r.waiters[0]
	r.waiters = r.waiters[1:]
	_ = oldest.SetResult(nil)
}

// Waiting reports how many callers currently hold an unreleased Swap cell.
func (r *RoundRobin) Waiting() int { return len(r.waiters) }
