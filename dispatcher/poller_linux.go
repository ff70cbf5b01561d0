//go:build linux

package dispatcher

import "golang.org/x/sys/unix"

// epollPoller wraps a raw Linux epoll instance. Adapted from the
// teacher's eventloop/poller_linux.go FastPoller: same EpollCreate1 /
// EpollCtl / EpollWait calls, but reports a combined raw mask per fd to
// the caller instead of owning a single stored callback — the fdTable
// owns multi-binding callback dispatch.
type epollPoller struct {
	epfd     int
	eventBuf [256]unix.EpollEvent
}

func newPoller() poller { return &epollPoller{epfd: -1} }

func (p *epollPoller) init() error {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	p.epfd = fd
	return nil
}

func (p *epollPoller) closePoller() error {
	if p.epfd < 0 {
		return nil
	}
	err := unix.Close(p.epfd)
	p.epfd = -1
	return err
}

func (p *epollPoller) add(fd int, mask Mask) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: maskToEpoll(mask),
		Fd:     int32(fd),
	})
}

func (p *epollPoller) modify(fd int, mask Mask) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: maskToEpoll(mask),
		Fd:     int32(fd),
	})
}

func (p *epollPoller) remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) poll(timeoutMs int, fn func(fd int, active Mask)) error {
	n, err := unix.EpollWait(p.epfd, p.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}
	for i := 0; i < n; i++ {
		fn(int(p.eventBuf[i].Fd), epollToMask(p.eventBuf[i].Events))
	}
	return nil
}

func maskToEpoll(m Mask) uint32 {
	var e uint32
	if m&Readable != 0 {
		e |= unix.EPOLLIN
	}
	if m&Writable != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func epollToMask(e uint32) Mask {
	var m Mask
	if e&unix.EPOLLIN != 0 {
		m |= Readable
	}
	if e&unix.EPOLLOUT != 0 {
		m |= Writable
	}
	if e&unix.EPOLLERR != 0 {
		m |= ErrorCond
	}
	if e&unix.EPOLLHUP != 0 || e&unix.EPOLLRDHUP != 0 {
		m |= Hangup
	}
	return m
}
