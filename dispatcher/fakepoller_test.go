package dispatcher

// fakePoller is an in-memory stand-in for epoll/kqueue, used by this
// package's own tests to drive Dispatcher without real file
// descriptors. Injected readiness events are queued by test code via
// fire and delivered on the next poll call.
type fakePoller struct {
	registered map[int]Mask
	queued     []fakeEvent
	polls      int
}

type fakeEvent struct {
	fd     int
	active Mask
}

func newFakePoller() *fakePoller {
	return &fakePoller{registered: make(map[int]Mask)}
}

func (p *fakePoller) init() error        { return nil }
func (p *fakePoller) closePoller() error { return nil }

func (p *fakePoller) add(fd int, mask Mask) error {
	p.registered[fd] = mask
	return nil
}

func (p *fakePoller) modify(fd int, mask Mask) error {
	p.registered[fd] = mask
	return nil
}

func (p *fakePoller) remove(fd int) error {
	delete(p.registered, fd)
	return nil
}

func (p *fakePoller) poll(timeoutMs int, fn func(fd int, active Mask)) error {
	p.polls++
	events := p.queued
	p.queued = nil
	for _, e := range events {
		fn(e.fd, e.active)
	}
	return nil
}

// fire queues a readiness event to be delivered on the next poll call.
func (p *fakePoller) fire(fd int, active Mask) {
	p.queued = append(p.queued, fakeEvent{fd: fd, active: active})
}
