// Package socket implements the Stream Socket state machine: a
// non-blocking TCP socket layered on package dispatcher's FD
// registration and package stream's Read/Write Wrappers, with listen/
// accept built on package fdevent's FD Event Queue and connect built on
// its FD Event Future.
//
// Grounded on eventloop's non-blocking-socket conventions plus gaio's
// accept/connect flow (RTradeLtd-gaio/watcher.go, socket515-gaio/watcher.go),
// composed entirely from this module's own dispatcher/fdevent/stream
// packages rather than net.Conn, since the Dispatcher needs the raw fd
// for registration.
package socket

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/go-unstuck/unstuck/deferred"
	"github.com/go-unstuck/unstuck/dispatcher"
	"github.com/go-unstuck/unstuck/fdevent"
	"github.com/go-unstuck/unstuck/internal/errs"
	"github.com/go-unstuck/unstuck/stream"
)

type state int

const (
	stateOpen state = iota
	stateConnected
	stateListening
	stateClosing
	stateClosed
)

// rawFD adapts a bare non-blocking file descriptor to the minimal
// reader/writer surface stream.ReadWrapper/WriteWrapper require.
type rawFD int

func (f rawFD) Read(p []byte) (int, error)  { return unix.Read(int(f), p) }
func (f rawFD) Write(p []byte) (int, error) { return unix.Write(int(f), p) }
func (f rawFD) Fd() uintptr                 { return uintptr(f) }

// Socket is the Stream Socket state machine: {open, connected,
// listening, closing, closed}.
type Socket struct {
	d   *dispatcher.Dispatcher
	fd  int
	cfg *config

	mu    sync.Mutex
	state state

	read  *stream.ReadWrapper
	write *stream.WriteWrapper

	acceptQueue  *fdevent.Queue
	closeBarrier *deferred.Barrier
}

// New creates an unconnected, non-blocking IPv4 TCP socket in the
// *open* state.
func New(d *dispatcher.Dispatcher, opts ...Option) (*Socket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, errs.Wrap("socket: create", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, errs.Wrap("socket: set non-blocking", err)
	}
	return &Socket{d: d, fd: fd, cfg: resolveOptions(opts), state: stateOpen}, nil
}

func newConnected(d *dispatcher.Dispatcher, fd int, cfg *config) *Socket {
	s := &Socket{d: d, fd: fd, cfg: cfg, state: stateConnected}
	s.read = stream.NewReadWrapper(d, fd, rawFD(fd), cfg.lowWatermark, cfg.highWatermark)
	s.write = stream.NewWriteWrapper(d, fd, rawFD(fd))
	return s
}

// Listen binds addr ("host:port"), transitions to *listening*, and
// creates the FD Event Queue that backs Accept.
func (s *Socket) Listen(addr string, backlog int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateOpen {
		return &errs.UsageError{Msg: "socket: listen on non-open socket"}
	}
	sa, err := resolveSockaddr(addr)
	if err != nil {
		return err
	}
	if err := unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return errs.Wrap("socket: setsockopt SO_REUSEADDR", err)
	}
	if err := unix.Bind(s.fd, sa); err != nil {
		return errs.Wrap("socket: bind", err)
	}
	if err := unix.Listen(s.fd, backlog); err != nil {
		return errs.Wrap("socket: listen", err)
	}
	s.state = stateListening
	s.acceptQueue = fdevent.NewQueue(s.d, s.fd, dispatcher.Readable, s.onAcceptable)
	return nil
}

// LocalAddr reports the socket's bound "host:port", resolving an
// ephemeral port assigned by Listen(addr, ...) with port 0.
func (s *Socket) LocalAddr() (string, error) {
	s.mu.Lock()
	fd := s.fd
	s.mu.Unlock()
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return "", errs.Wrap("socket: getsockname", err)
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return "", &errs.UsageError{Msg: "socket: local address is not IPv4"}
	}
	ip := net.IP(in4.Addr[:])
	return net.JoinHostPort(ip.String(), strconv.Itoa(in4.Port)), nil
}

func (s *Socket) onAcceptable(active dispatcher.Mask) (any, error) {
	nfd, _, err := unix.Accept(s.fd)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return nil, errs.ErrRetry
	}
	if err != nil {
		return nil, errs.Wrap("socket: accept", err)
	}
	if err := unix.SetNonblock(nfd, true); err != nil {
		_ = unix.Close(nfd)
		return nil, errs.Wrap("socket: accept set non-blocking", err)
	}
	return newConnected(s.d, nfd, s.cfg), nil
}

// Accept pulls the next incoming connection off the listen queue,
// resolving with a connected *Socket.
func (s *Socket) Accept() (*deferred.Cell, error) {
	s.mu.Lock()
	listening := s.state == stateListening
	q := s.acceptQueue
	s.mu.Unlock()
	if !listening {
		cell := deferred.NewCell(s.d, "socket.accept")
		_ = cell.SetError(&errs.UsageError{Msg: "socket: accept on non-listening socket"})
		return cell, nil
	}
	return q.Get()
}

// Connect issues a non-blocking connect to addr. The returned cell
// resolves with no value once the connection completes, or an error if
// it fails terminally.
func (s *Socket) Connect(addr string) *deferred.Cell {
	s.mu.Lock()
	defer s.mu.Unlock()
	cell := deferred.NewCell(s.d, "socket.connect")
	if s.state != stateOpen {
		_ = cell.SetError(&errs.UsageError{Msg: "socket: connect on non-open socket"})
		return cell
	}
	sa, err := resolveSockaddr(addr)
	if err != nil {
		_ = cell.SetError(err)
		return cell
	}
	err = unix.Connect(s.fd, sa)
	if err == nil {
		s.becomeConnected()
		_ = cell.SetResult(nil)
		return cell
	}
	if err != unix.EINPROGRESS {
		_ = cell.SetError(errs.Wrap("socket: connect", err))
		return cell
	}
	future, ferr := fdevent.NewFuture(s.d, s.fd, dispatcher.Writable, func(active dispatcher.Mask) (any, error) {
		return nil, s.finishConnect(sa)
	})
	if ferr != nil {
		_ = cell.SetError(ferr)
		return cell
	}
	_ = future.Cell().AttachCallback(deferred.CallbackFuncs{
		ResumeFunc: func(any) { _ = cell.SetResult(nil) },
		AbortFunc:  func(err error) { _ = cell.SetError(err) },
	})
	return cell
}

// finishConnect retries connect on writable readiness to extract the
// kernel error: a second connect() call on an already-connecting socket
// returns EISCONN on success or the real errno on failure, rather than
// the generic EALREADY a getsockopt(SO_ERROR) race could also surface.
func (s *Socket) finishConnect(sa unix.Sockaddr) error {
	err := unix.Connect(s.fd, sa)
	if err != nil && err != unix.EISCONN {
		return errs.Wrap("socket: connect", err)
	}
	s.mu.Lock()
	s.becomeConnected()
	s.mu.Unlock()
	return nil
}

// becomeConnected must be called with mu held.
func (s *Socket) becomeConnected() {
	s.state = stateConnected
	s.read = stream.NewReadWrapper(s.d, s.fd, rawFD(s.fd), s.cfg.lowWatermark, s.cfg.highWatermark)
	s.write = stream.NewWriteWrapper(s.d, s.fd, rawFD(s.fd))
}

// Send delegates to the Write Wrapper; fails if not *connected*.
func (s *Socket) Send(buf []byte) *deferred.Cell {
	s.mu.Lock()
	w := s.write
	connected := s.state == stateConnected
	s.mu.Unlock()
	if !connected {
		cell := deferred.NewCell(s.d, "socket.send")
		_ = cell.SetError(&errs.UsageError{Msg: "socket: send on non-connected socket"})
		return cell
	}
	return w.Write(buf)
}

// Recv delegates to the Read Wrapper; fails if not *connected*.
func (s *Socket) Recv(n int) *deferred.Cell {
	s.mu.Lock()
	r := s.read
	connected := s.state == stateConnected
	s.mu.Unlock()
	if !connected {
		cell := deferred.NewCell(s.d, "socket.recv")
		_ = cell.SetError(&errs.UsageError{Msg: "socket: recv on non-connected socket"})
		return cell
	}
	return r.Read(n)
}

// RecvLine delegates to the Read Wrapper's line reader; used by the
// WebSocket handshake's HTTP/1.1-like line parsing.
func (s *Socket) RecvLine() *deferred.Cell {
	s.mu.Lock()
	r := s.read
	connected := s.state == stateConnected
	s.mu.Unlock()
	if !connected {
		cell := deferred.NewCell(s.d, "socket.recv_line")
		_ = cell.SetError(&errs.UsageError{Msg: "socket: recv_line on non-connected socket"})
		return cell
	}
	return r.ReadLine()
}

// Close gracefully tears the socket down: waits for any pending
// accept/send/recv to drain via a composed barrier, then closes the fd.
func (s *Socket) Close() *deferred.Barrier {
	s.mu.Lock()
	if s.state == stateClosing || s.state == stateClosed {
		defer s.mu.Unlock()
		return s.closeBarrierLocked()
	}
	s.state = stateClosing
	var subs []*deferred.Barrier
	if s.acceptQueue != nil {
		subs = append(subs, s.acceptQueue.Close())
	}
	if s.read != nil {
		subs = append(subs, s.read.Release())
	}
	if s.write != nil {
		subs = append(subs, s.write.Release())
	}
	out := deferred.NewBarrier(s.d)
	s.closeBarrier = out
	s.mu.Unlock()

	if len(subs) == 0 {
		s.finishClose(out)
		return out
	}
	remaining := len(subs)
	var once sync.Mutex
	for _, b := range subs {
		b := b
		b.AttachCallback(func() {
			once.Lock()
			remaining--
			done := remaining == 0
			once.Unlock()
			if done {
				s.finishClose(out)
			}
		})
	}
	return out
}

func (s *Socket) finishClose(out *deferred.Barrier) {
	s.mu.Lock()
	s.state = stateClosed
	fd := s.fd
	s.mu.Unlock()
	_ = unix.Close(fd)
	if !out.Released() {
		_ = out.Release()
	}
}

func (s *Socket) closeBarrierLocked() *deferred.Barrier {
	if s.closeBarrier == nil {
		s.closeBarrier = deferred.NewBarrier(s.d)
		if s.state == stateClosed {
			_ = s.closeBarrier.Release()
		}
	}
	return s.closeBarrier
}

// ForceClose cancels every pending operation with err, tears down the
// wrappers, and closes the underlying fd immediately.
func (s *Socket) ForceClose(err error) {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return
	}
	s.state = stateClosed
	if s.acceptQueue != nil {
		s.acceptQueue.ForceClose(func(cell *deferred.Cell) { _ = cell.SetError(err) })
	}
	if s.read != nil {
		s.read.ForceRelease(err)
	}
	if s.write != nil {
		s.write.ForceRelease(err)
	}
	fd := s.fd
	s.mu.Unlock()
	_ = unix.Close(fd)
}

func resolveSockaddr(addr string) (unix.Sockaddr, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, &errs.UsageError{Msg: fmt.Sprintf("socket: invalid address %q: %v", addr, err)}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, &errs.UsageError{Msg: fmt.Sprintf("socket: invalid port %q: %v", portStr, err)}
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return nil, &errs.UsageError{Msg: fmt.Sprintf("socket: cannot resolve host %q", host)}
		}
		ip = ips[0]
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, &errs.UsageError{Msg: fmt.Sprintf("socket: only IPv4 is supported, got %q", host)}
	}
	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip4)
	return sa, nil
}
