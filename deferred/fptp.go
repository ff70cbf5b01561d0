package deferred

// FPTPCell is a First-Past-The-Post Deferred Cell: whichever of
// SetResult/SetError arrives first wins, and every subsequent call is
// silently ignored rather than returned as a usage error. It wraps a
// plain Cell and discards the "already settled" error
// Cell.SetResult/SetError would otherwise report.
type FPTPCell struct {
	cell *Cell
}

// NewFPTPCell constructs a pending FPTPCell bound to sched.
func NewFPTPCell(sched Scheduler, site string) *FPTPCell {
	return &FPTPCell{cell: NewCell(sched, site)}
}

// SetResult settles the cell with v if it is still pending; otherwise
// it is a silent no-op.
func (f *FPTPCell) SetResult(v any) { _ = f.cell.SetResult(v) }

// SetError settles the cell with e if it is still pending; otherwise
// it is a silent no-op.
func (f *FPTPCell) SetError(e error) { _ = f.cell.SetError(e) }

// AttachCallback installs cb as the cell's continuation.
func (f *FPTPCell) AttachCallback(cb Callback) error { return f.cell.AttachCallback(cb) }

// Done reports whether the cell has settled.
func (f *FPTPCell) Done() bool { return f.cell.Done() }

// GetResult returns the settled value or error.
func (f *FPTPCell) GetResult() (any, error) { return f.cell.GetResult() }

// Inner exposes the underlying Cell, e.g. for passing to Await.
func (f *FPTPCell) Inner() *Cell { return f.cell }
