//go:build darwin

package dispatcher

import "golang.org/x/sys/unix"

// newWakeup creates the self-pipe via the plain pipe syscall, then
// applies CLOEXEC and non-blocking mode after the fact with fcntl:
// Darwin has no pipe2.
func newWakeup() (*wakeup, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, err
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return nil, err
		}
		unix.CloseOnExec(fd)
	}
	return &wakeup{readFd: fds[0], writeFd: fds[1]}, nil
}
