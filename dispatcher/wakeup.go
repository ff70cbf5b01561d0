package dispatcher

import "golang.org/x/sys/unix"

// wakeup is a self-pipe used to interrupt a blocked poll() call from a
// goroutine other than the loop goroutine: Schedule* and RegisterFD
// calls reach the Dispatcher's queues directly, but if the loop
// goroutine is parked in epoll_wait/kevent with no fd activity and a
// distant (or absent) timer deadline, nothing else wakes it up to
// notice the new work. Adapted from the teacher's eventfd-based
// wakeup_linux.go; newWakeup/platform files below supply the
// non-blocking pipe each platform's poller needs.
type wakeup struct {
	readFd  int
	writeFd int
}

// signal writes one byte if the pipe isn't already full of pending
// wake-ups; EAGAIN means a wake is already in flight, which is enough.
func (w *wakeup) signal() {
	var b [1]byte
	for {
		_, err := unix.Write(w.writeFd, b[:])
		if err == unix.EINTR {
			continue
		}
		return
	}
}

// drain empties the pipe after poll() reports it readable.
func (w *wakeup) drain() {
	var buf [64]byte
	for {
		n, err := unix.Read(w.readFd, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (w *wakeup) close() error {
	err1 := unix.Close(w.readFd)
	err2 := unix.Close(w.writeFd)
	if err1 != nil {
		return err1
	}
	return err2
}
