package deferred

// ErrorGate fans a single tripped error out to every future registered
// through it. Each call to Register wraps the given cell
// in an FPTP proxy: the proxy settles with whichever comes first, the
// wrapped cell's own outcome or the gate tripping.
//
// Grounded on eventloop/registry.go's Scavenge/compactAndRenew pattern:
// the proxy list is compacted every compactEvery registrations so a
// long-lived gate with many short-lived futures doesn't retain settled
// proxies forever.
//
// Like the Dispatcher itself, an ErrorGate is owned by a single
// goroutine (typically the loop goroutine driving Register/Trip calls
// from readiness or timer callbacks) and is not safe for concurrent use.
type ErrorGate struct {
	sched        Scheduler
	compactEvery int
	opCount      int
	tripped      bool
	err          error
	proxies      []*FPTPCell
}

// NewErrorGate constructs an untripped ErrorGate. compactEvery controls
// how often Register compacts the live proxy list; values <= 0 disable
// compaction.
func NewErrorGate(sched Scheduler, compactEvery int) *ErrorGate {
	return &ErrorGate{sched: sched, compactEvery: compactEvery}
}

// Register wraps cell in an FPTP proxy tracked by the gate. If the gate
// has already tripped, the proxy settles with the trip error
// immediately instead of being tracked.
func (g *ErrorGate) Register(cell *Cell) *FPTPCell {
	proxy := NewFPTPCell(g.sched, "error-gate-proxy")
	_ = cell.AttachCallback(CallbackFuncs{
		ResumeFunc: func(v any) { proxy.SetResult(v) },
		AbortFunc:  func(err error) { proxy.SetError(err) },
	})
	if g.tripped {
		proxy.SetError(g.err)
		return proxy
	}
	g.proxies = append(g.proxies, proxy)
	g.opCount++
	g.maybeCompact()
	return proxy
}

// Trip settles every currently registered proxy with err, and every
// later Register call settles its proxy with err immediately. A gate
// can only trip once; later calls are no-ops.
func (g *ErrorGate) Trip(err error) {
	if g.tripped {
		return
	}
	g.tripped = true
	g.err = err
	proxies := g.proxies
	g.proxies = nil
	for _, p := range proxies {
		p.SetError(err)
	}
}

// Tripped reports whether Trip has already fired.
func (g *ErrorGate) Tripped() bool { return g.tripped }

// maybeCompact drops proxies that have already settled (via their
// wrapped cell resolving on its own) from the tracked list.
func (g *ErrorGate) maybeCompact() {
	if g.compactEvery <= 0 || g.opCount%g.compactEvery != 0 {
		return
	}
	live := g.proxies[:0]
	for _, p := range g.proxies {
		if !p.Done() {
			live = append(live, p)
		}
	}
	g.proxies = live
}
