//go:build darwin

package dispatcher

import "golang.org/x/sys/unix"

// kqueuePoller wraps a raw kqueue instance. Adapted from the teacher's
// eventloop/poller_darwin.go FastPoller, trimmed the same way as
// poller_linux.go's epollPoller: every add/modify/remove goes through
// the Dispatcher's fdTable with the Dispatcher's mutex held, which
// removes the need for the teacher's RWMutex/dynamic-growth bookkeeping.
type kqueuePoller struct {
	kq       int
	eventBuf [256]unix.Kevent_t
	// registered tracks which of Readable/Writable currently have a
	// kevent filter installed for each fd, since kqueue registers read
	// and write interest as separate filter entries rather than one
	// combined mask the way epoll does.
	registered map[int]Mask
}

func newPoller() poller {
	return &kqueuePoller{kq: -1, registered: make(map[int]Mask)}
}

func (p *kqueuePoller) init() error {
	kq, err := unix.Kqueue()
	if err != nil {
		return err
	}
	unix.CloseOnExec(kq)
	p.kq = kq
	return nil
}

func (p *kqueuePoller) closePoller() error {
	if p.kq < 0 {
		return nil
	}
	err := unix.Close(p.kq)
	p.kq = -1
	return err
}

func (p *kqueuePoller) changeList(fd int, add, del Mask) []unix.Kevent_t {
	var out []unix.Kevent_t
	if add&Readable != 0 {
		out = append(out, kevent(fd, unix.EVFILT_READ, unix.EV_ADD|unix.EV_ENABLE))
	}
	if add&Writable != 0 {
		out = append(out, kevent(fd, unix.EVFILT_WRITE, unix.EV_ADD|unix.EV_ENABLE))
	}
	if del&Readable != 0 {
		out = append(out, kevent(fd, unix.EVFILT_READ, unix.EV_DELETE))
	}
	if del&Writable != 0 {
		out = append(out, kevent(fd, unix.EVFILT_WRITE, unix.EV_DELETE))
	}
	return out
}

func kevent(fd int, filter int16, flags uint16) unix.Kevent_t {
	return unix.Kevent_t{Ident: uint64(fd), Filter: filter, Flags: flags}
}

func (p *kqueuePoller) add(fd int, mask Mask) error {
	changes := p.changeList(fd, mask, 0)
	if len(changes) > 0 {
		if _, err := unix.Kevent(p.kq, changes, nil, nil); err != nil {
			return err
		}
	}
	p.registered[fd] = mask
	return nil
}

func (p *kqueuePoller) modify(fd int, mask Mask) error {
	old := p.registered[fd]
	changes := p.changeList(fd, mask&^old, old&^mask)
	if len(changes) > 0 {
		if _, err := unix.Kevent(p.kq, changes, nil, nil); err != nil {
			return err
		}
	}
	p.registered[fd] = mask
	return nil
}

func (p *kqueuePoller) remove(fd int) error {
	old := p.registered[fd]
	delete(p.registered, fd)
	changes := p.changeList(fd, 0, old)
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	return err
}

func (p *kqueuePoller) poll(timeoutMs int, fn func(fd int, active Mask)) error {
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		ts = &unix.Timespec{
			Sec:  int64(timeoutMs / 1000),
			Nsec: int64(timeoutMs%1000) * 1_000_000,
		}
	}
	n, err := unix.Kevent(p.kq, nil, p.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}
	// kqueue reports read/write readiness as separate events per fd;
	// coalesce so the fdTable sees one combined active mask per fd,
	// matching epoll's reporting shape.
	active := make(map[int]Mask, n)
	for i := 0; i < n; i++ {
		ev := p.eventBuf[i]
		fd := int(ev.Ident)
		var m Mask
		switch ev.Filter {
		case unix.EVFILT_READ:
			m = Readable
		case unix.EVFILT_WRITE:
			m = Writable
		}
		if ev.Flags&unix.EV_EOF != 0 {
			m |= Hangup
		}
		if ev.Flags&unix.EV_ERROR != 0 {
			m |= ErrorCond
		}
		active[fd] |= m
	}
	for fd, m := range active {
		fn(fd, m)
	}
	return nil
}
