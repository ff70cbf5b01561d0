// Package dispatcher implements the runtime's scheduling core: a
// priority-tiered task queue, a timer heap, and a file-descriptor
// readiness multiplexer (epoll on Linux, kqueue on Darwin).
package dispatcher

// poller is the minimal multiplexer interface the Dispatcher drives.
// Concrete implementations are platform-specific (poller_linux.go,
// poller_darwin.go), both grounded on the teacher's own per-platform
// FastPoller split (eventloop/poller_linux.go, poller_darwin.go), but
// trimmed of the version-counter/RWMutex machinery: add/modify/remove
// are only reached through the Dispatcher's fdTable with the
// Dispatcher's mutex held, and poll only runs on the loop goroutine, so
// no internal synchronization is needed.
type poller interface {
	init() error
	closePoller() error
	add(fd int, mask Mask) error
	modify(fd int, mask Mask) error
	remove(fd int) error
	// poll blocks for up to timeoutMs milliseconds (0 = non-blocking,
	// -1 = indefinite), invoking fn once per ready fd with the raw
	// active mask the OS reported (including error/hangup bits).
	poll(timeoutMs int, fn func(fd int, active Mask)) error
}
