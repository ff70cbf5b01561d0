//go:build linux

package dispatcher

import "golang.org/x/sys/unix"

// newWakeup creates the self-pipe via pipe2, setting both flags
// atomically at creation (Linux only; Darwin has no pipe2 syscall).
func newWakeup() (*wakeup, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return nil, err
	}
	return &wakeup{readFd: fds[0], writeFd: fds[1]}, nil
}
