package websocket

import (
	"runtime"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-unstuck/unstuck/deferred"
	"github.com/go-unstuck/unstuck/dispatcher"
	"github.com/go-unstuck/unstuck/internal/errs"
	"github.com/go-unstuck/unstuck/ioqueue"
	"github.com/go-unstuck/unstuck/socket"
)

// defaultMaxSize is the maximum permitted data-frame payload before
// outgoing messages are split into fragments.
const defaultMaxSize = 4096

type engineState int

const (
	engineOpen engineState = iota
	engineClosing
	engineClosed
	engineError
)

// CloseInitiator records which side (or condition) ended the
// connection.
type CloseInitiator int

const (
	CloseByError CloseInitiator = iota
	CloseByLocal
	CloseByRemote
	CloseByLocalTimeout
)

// CloseData is a parsed close frame's status code and UTF-8 reason.
type CloseData struct {
	Code   uint16
	Reason string
}

// CloseInfo is the final close-reason triple returned by Close and
// stored as Engine.closingData throughout the connection's life. An
// engine torn down before any close handshake completes still reports
// (CloseByError, nil, nil) rather than a zero value, matching
// original_source's closingData default.
type CloseInfo struct {
	Initiator CloseInitiator
	Local     *CloseData
	Remote    *CloseData
}

type pingWaiter struct {
	payload []byte
	cell    *deferred.Cell
}

// Engine is the WebSocket protocol engine, layered atop a Stream
// Socket. Grounded on original_source/websockets/websocket.py's
// Websocket class: one ordered pings slice, one writePong method,
// ScheduleAt for the close timeout, one headers variable in the
// handshake, FPTP no-op semantics for double-settle, one
// close-barrier field.
type Engine struct {
	d           *dispatcher.Dispatcher
	sock        *socket.Socket
	receiveMask bool
	sendMask    bool
	maxSize     int

	incoming *ioqueue.XQueue

	mu          sync.Mutex
	state       engineState
	closingData CloseInfo
	pings       []pingWaiter
	sendTail    *deferred.Barrier
	closeTimer  dispatcher.TimerHandle

	loopDone *deferred.Cell
}

// NewEngine wraps sock (already past the opening handshake) in a
// WebSocket protocol engine and starts its receive loop as a background
// task. receiveMask is the MASK bit this side requires on incoming
// frames (true for a server, false for a client); sendMask is the
// reverse for outgoing frames. queueLength bounds the incoming message
// queue.
func NewEngine(d *dispatcher.Dispatcher, sock *socket.Socket, receiveMask, sendMask bool, queueLength int) *Engine {
	e := &Engine{
		d:           d,
		sock:        sock,
		receiveMask: receiveMask,
		sendMask:    sendMask,
		maxSize:     defaultMaxSize,
		incoming:    ioqueue.NewXQueue(d, queueLength),
		closingData: CloseInfo{Initiator: CloseByError},
	}
	e.loopDone = deferred.Start(d, "websocket.receive_loop", e.receiveLoop)
	runtime.SetFinalizer(e, finalizeEngine)
	return e
}

// finalizeEngine best-effort force-closes an engine that was garbage
// collected while still open, mirroring original_source's
// __del__-triggered forceClose. Finalizers are not guaranteed to run
// promptly, or at all, before process exit; this is a last resort, not
// a substitute for calling Close.
func finalizeEngine(e *Engine) {
	e.mu.Lock()
	open := e.state == engineOpen
	e.mu.Unlock()
	if open {
		e.sock.ForceClose(errs.ErrStreamClosed)
	}
}

// Recv receives one complete message from the engine: a []byte for a
// binary message, a string for a text message.
func (e *Engine) Recv() *deferred.Cell {
	e.mu.Lock()
	open := e.state == engineOpen
	closingData := e.closingData
	e.mu.Unlock()
	if !open {
		cell := deferred.NewCell(e.d, "websocket.recv")
		_ = cell.SetError(&errs.TransportError{Cause: closedErr(closingData)})
		return cell
	}
	return e.incoming.Get()
}

// SendBinary serializes a binary message send behind the engine's
// send-barrier chain.
func (e *Engine) SendBinary(data []byte) *deferred.Cell {
	return e.send(opBinary, data)
}

// SendText serializes a text message send behind the engine's
// send-barrier chain.
func (e *Engine) SendText(text string) *deferred.Cell {
	return e.send(opText, []byte(text))
}

// Ping sends a ping frame carrying payload and returns a cell that
// resolves once a matching pong arrives. payload must be at most 125
// bytes, the control-frame limit.
func (e *Engine) Ping(payload []byte) *deferred.Cell {
	cell := deferred.NewCell(e.d, "websocket.ping_wait")
	e.mu.Lock()
	if e.state != engineOpen {
		closingData := e.closingData
		e.mu.Unlock()
		failed := deferred.NewCell(e.d, "websocket.ping")
		_ = failed.SetError(&errs.TransportError{Cause: closedErr(closingData)})
		return failed
	}
	e.pings = append(e.pings, pingWaiter{payload: payload, cell: cell})
	prevTail, myTail := e.swapSendTailLocked()
	e.mu.Unlock()

	return deferred.Start(e.d, "websocket.ping", func(await deferred.AwaitFunc) (any, error) {
		if prevTail != nil {
			_ = deferred.AwaitBarrier(prevTail)
		}
		err := writeFrame(await, e.sock, e.sendMask, opPing, payload, true)
		_ = myTail.Release()
		if err != nil {
			return nil, err
		}
		return deferred.Await(cell)
	})
}

func (e *Engine) send(opcode byte, data []byte) *deferred.Cell {
	e.mu.Lock()
	if e.state != engineOpen {
		closingData := e.closingData
		e.mu.Unlock()
		failed := deferred.NewCell(e.d, "websocket.send")
		_ = failed.SetError(&errs.TransportError{Cause: closedErr(closingData)})
		return failed
	}
	prevTail, myTail := e.swapSendTailLocked()
	e.mu.Unlock()

	return deferred.Start(e.d, "websocket.send", func(await deferred.AwaitFunc) (any, error) {
		if prevTail != nil {
			_ = deferred.AwaitBarrier(prevTail)
		}
		err := e.writeDataFrame(await, opcode, data)
		_ = myTail.Release()
		return nil, err
	})
}

// swapSendTailLocked installs a fresh tail barrier as the new end of
// the send-serialization chain and returns both the previous tail (to
// await before writing) and the new one (to release after writing).
// Must be called synchronously with e.mu held, by the caller of
// send/Ping rather than from inside the spawned task body: two
// concurrent calls race to be scheduled first, and only capturing the
// chain position before that race (not after it) keeps writes ordered
// the way the calls were made.
func (e *Engine) swapSendTailLocked() (prevTail, myTail *deferred.Barrier) {
	prevTail = e.sendTail
	myTail = deferred.NewBarrier(e.d)
	e.sendTail = myTail
	return prevTail, myTail
}

func (e *Engine) writeDataFrame(await deferred.AwaitFunc, opcode byte, data []byte) error {
	if len(data) <= e.maxSize {
		return writeFrame(await, e.sock, e.sendMask, opcode, data, true)
	}
	end := e.maxSize
	if err := writeFrame(await, e.sock, e.sendMask, opcode, data[:end], false); err != nil {
		return err
	}
	for len(data)-end > e.maxSize {
		start := end
		end += e.maxSize
		if err := writeFrame(await, e.sock, e.sendMask, opContinuation, data[start:end], false); err != nil {
			return err
		}
	}
	return writeFrame(await, e.sock, e.sendMask, opContinuation, data[end:], true)
}

func (e *Engine) writePong(await deferred.AwaitFunc, data []byte) error {
	return writeFrame(await, e.sock, e.sendMask, opPong, data, true)
}

func (e *Engine) writeCloseFrame(await deferred.AwaitFunc, data []byte) error {
	return writeFrame(await, e.sock, e.sendMask, opClose, data, true)
}

// Close initiates a local close handshake: if still open, sends a close
// frame with (code, reason), arms a force-close timeout, then awaits the
// receive loop's termination and returns the final close reason.
func (e *Engine) Close(timeout time.Duration, code uint16, reason string) (CloseInfo, error) {
	e.mu.Lock()
	if e.state == engineOpen {
		e.state = engineClosing
		e.mu.Unlock()
		if err := e.sendClose(timeout, code, reason, CloseByLocal); err != nil {
			return e.snapshotClosingData(), err
		}
	} else {
		e.mu.Unlock()
	}
	if _, err := deferred.Await(e.loopDone); err != nil {
		return e.snapshotClosingData(), err
	}
	return e.snapshotClosingData(), nil
}

// sendClose writes a close frame and arms the force-close timeout. It
// blocks Close()'s calling goroutine on the write via deferred.Await
// directly rather than spawning a nested task, since that goroutine is
// itself a valid await site.
func (e *Engine) sendClose(timeout time.Duration, code uint16, reason string, closeBy CloseInitiator) error {
	e.mu.Lock()
	e.closingData = CloseInfo{Initiator: closeBy, Local: &CloseData{Code: code, Reason: reason}}
	e.mu.Unlock()

	data := encodeCloseData(code, reason)
	if err := e.writeCloseFrame(deferred.Await, data); err != nil {
		e.mu.Lock()
		e.state = engineError
		e.mu.Unlock()
		e.closeTimeout()
		return err
	}

	e.mu.Lock()
	e.closeTimer = e.d.ScheduleAt(time.Now().Add(timeout), e.closeTimeout)
	e.mu.Unlock()
	return nil
}

// closeTimeout force-closes the socket if the peer never answered a
// local close frame in time.
func (e *Engine) closeTimeout() {
	e.mu.Lock()
	if e.state == engineClosed {
		e.mu.Unlock()
		return
	}
	e.closingData = CloseInfo{Initiator: CloseByLocalTimeout, Remote: e.closingData.Remote}
	e.state = engineClosed
	e.mu.Unlock()
	e.sock.ForceClose(errs.ErrStreamClosed)
	e.drainIncomingWithError()
}

// drainIncomingWithError fails every currently-blocked Recv waiter. A
// negative VirtualSize means that many consumers are parked on Get;
// each PutError here resolves exactly one of them.
func (e *Engine) drainIncomingWithError() {
	for e.incoming.VirtualSize() < 0 {
		_ = e.incoming.PutError(&errs.TransportError{Cause: closedErr(e.snapshotClosingData())})
	}
}

func (e *Engine) snapshotClosingData() CloseInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closingData
}

func closedErr(info CloseInfo) error {
	return &wsClosedError{info: info}
}

type wsClosedError struct{ info CloseInfo }

func (e *wsClosedError) Error() string { return "websocket: closed" }

// receiveLoop is the Engine's background task: reads frames until
// the connection ends, running the
// fragment-assembly state machine and dispatching control frames.
func (e *Engine) receiveLoop(await deferred.AwaitFunc) (any, error) {
	const buildNothing byte = 0xFF
	building := buildNothing // opText or opBinary while assembling a fragmented message
	var buildBits [][]byte

loop:
	for {
		e.mu.Lock()
		closed := e.state == engineClosed
		e.mu.Unlock()
		if closed {
			break
		}

		fr, err := readFrame(await, e.sock, e.receiveMask, e.maxSize)
		if err != nil {
			e.handleFrameError(err)
			break loop
		}

		switch fr.opcode {
		case opPing:
			if err := e.writePong(await, fr.data); err != nil {
				e.handleFrameError(err)
				break loop
			}

		case opPong:
			e.resolvePings(fr.data)

		case opClose:
			e.handleCloseFrame(await, fr.data)
			break loop

		case opText, opBinary:
			if building != buildNothing {
				e.handleFrameError(&errs.ProtocolError{Code: 1002, Msg: "unexpected data frame while assembling a fragment"})
				break loop
			}
			if fr.final {
				if err := e.deliverData(fr.opcode, fr.data); err != nil {
					e.handleFrameError(err)
					break loop
				}
			} else {
				building = fr.opcode
				buildBits = [][]byte{fr.data}
			}

		case opContinuation:
			if building == buildNothing {
				e.handleFrameError(&errs.ProtocolError{Code: 1002, Msg: "continuation without a started fragment"})
				break loop
			}
			buildBits = append(buildBits, fr.data)
			if fr.final {
				if err := e.deliverData(building, joinBits(buildBits)); err != nil {
					e.handleFrameError(err)
					break loop
				}
				building = buildNothing
				buildBits = nil
			}

		default:
			e.handleFrameError(&errs.ProtocolError{Code: 1002, Msg: "unexpected opcode"})
			break loop
		}
	}

	e.mu.Lock()
	e.state = engineClosed
	e.mu.Unlock()
	// sock.Close is idempotent (a second call against an already
	// closing/closed socket returns the same barrier), so it is always
	// safe to call here regardless of how the loop above exited.
	_ = deferred.AwaitBarrier(e.sock.Close())
	e.drainIncomingWithError()
	return nil, nil
}

func joinBits(bits [][]byte) []byte {
	total := 0
	for _, b := range bits {
		total += len(b)
	}
	out := make([]byte, 0, total)
	for _, b := range bits {
		out = append(out, b...)
	}
	return out
}

func (e *Engine) deliverData(opcode byte, data []byte) error {
	if opcode == opText {
		if !utf8.Valid(data) {
			return &errs.EncodingError{Cause: &errs.ProtocolError{Code: 1007, Msg: "invalid UTF-8 in text frame"}}
		}
		_ = e.incoming.PutResult(string(data))
		return nil
	}
	_ = e.incoming.PutResult(append([]byte(nil), data...))
	return nil
}

// resolvePings clears every outstanding ping waiter at or before the
// one matching payload, in insertion order.
func (e *Engine) resolvePings(payload []byte) {
	e.mu.Lock()
	idx := -1
	for i, p := range e.pings {
		if bytesEqual(p.payload, payload) {
			idx = i
			break
		}
	}
	var resolved []*deferred.Cell
	if idx >= 0 {
		for i := 0; i <= idx; i++ {
			resolved = append(resolved, e.pings[i].cell)
		}
		e.pings = e.pings[idx+1:]
	}
	e.mu.Unlock()
	for _, c := range resolved {
		_ = c.SetResult(nil)
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (e *Engine) handleCloseFrame(await deferred.AwaitFunc, data []byte) {
	code, reason, perr := parseCloseData(data)
	if perr != nil {
		e.handleFrameError(perr)
		return
	}
	remote := &CloseData{Code: code, Reason: reason}

	e.mu.Lock()
	wasOpen := e.state == engineOpen
	e.closeTimer.Cancel()
	if wasOpen {
		e.closingData = CloseInfo{Initiator: CloseByRemote, Remote: remote}
	} else {
		e.closingData.Remote = remote
	}
	e.state = engineClosed
	e.mu.Unlock()

	if wasOpen {
		_ = e.writeCloseFrame(await, data)
	}
}

func (e *Engine) handleFrameError(err error) {
	if errStreamClosed(err) {
		e.sock.ForceClose(err)
		return
	}
	var protoErr *errs.ProtocolError
	code := uint16(1011)
	if asProtocolError(err, &protoErr) {
		code = protoErr.Code
	} else if isEncodingError(err) {
		code = 1007
	}
	e.failConnection(code, "")
}

// failConnection sends a best-effort close frame and marks the
// connection errored. Unlike sendClose, it does not arm a close
// timeout: the receive loop that calls this is about to stop reading
// frames entirely, so there is no one left to observe a peer's close
// ack, and waiting for one would only delay teardown.
func (e *Engine) failConnection(code uint16, reason string) {
	e.mu.Lock()
	if e.state != engineOpen {
		e.mu.Unlock()
		return
	}
	e.state = engineError
	e.closingData = CloseInfo{Initiator: CloseByError, Local: &CloseData{Code: code, Reason: reason}}
	e.mu.Unlock()

	_ = e.writeCloseFrame(deferred.Await, encodeCloseData(code, reason))
}

func errStreamClosed(err error) bool {
	return err == errs.ErrInterruptedTransfer || err == errs.ErrStreamClosed
}

func asProtocolError(err error, target **errs.ProtocolError) bool {
	if pe, ok := err.(*errs.ProtocolError); ok {
		*target = pe
		return true
	}
	return false
}

func isEncodingError(err error) bool {
	_, ok := err.(*errs.EncodingError)
	return ok
}
