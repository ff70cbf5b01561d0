package websocket

import (
	"github.com/go-unstuck/unstuck/deferred"
	"github.com/go-unstuck/unstuck/dispatcher"
	"github.com/go-unstuck/unstuck/socket"
)

// defaultQueueLength bounds an accepted connection's incoming message
// queue when Serve's caller does not override it via ServeOptions.
const defaultQueueLength = 64

// ServeOptions configures Serve as a plain struct; a Backlog or
// QueueLength <= 0 takes the default (128 and defaultQueueLength).
type ServeOptions struct {
	Backlog     int
	Origins     []string
	QueueLength int
}

func (o ServeOptions) resolve() ServeOptions {
	if o.Backlog <= 0 {
		o.Backlog = 128
	}
	if o.QueueLength <= 0 {
		o.QueueLength = defaultQueueLength
	}
	return o
}

// Handler is invoked, as its own background task, once per accepted
// connection that completes the opening handshake. path is the
// handshake's requested resource.
type Handler func(engine *Engine, path string)

// Serve listens on addr and runs a WebSocket server: each accepted TCP
// connection performs the server-side opening handshake, and on success
// is handed to handler as a new Engine, wrapped in its own background
// task so one slow or misbehaving handler cannot stall the accept loop.
// Supplements back original_source/websockets/websocket.py's
// websocketServer module-level function, which this module never had a
// generalized per-connection-Engine wrapper for.
//
// Serve runs until Listen or the accept loop itself fails, at which
// point it returns the terminal error. The listening socket is created
// inside Serve and is not exposed to the caller, so there is no way to
// close it from elsewhere to stop the loop.
func Serve(d *dispatcher.Dispatcher, addr string, handler Handler, opts ServeOptions) error {
	opts = opts.resolve()

	listener, err := socket.New(d)
	if err != nil {
		return err
	}
	if err := listener.Listen(addr, opts.Backlog); err != nil {
		return err
	}

	for {
		cell, err := listener.Accept()
		if err != nil {
			return err
		}
		v, err := deferred.Await(cell)
		if err != nil {
			return err
		}
		conn := v.(*socket.Socket)
		deferred.Start(d, "websocket.serve_connection", func(await deferred.AwaitFunc) (any, error) {
			serveConnection(d, conn, handler, opts)
			return nil, nil
		})
	}
}

func serveConnection(d *dispatcher.Dispatcher, conn *socket.Socket, handler Handler, opts ServeOptions) {
	path, err := ServerHandshake(deferred.Await, conn, opts.Origins)
	if err != nil {
		conn.ForceClose(err)
		return
	}
	engine := NewEngine(d, conn, true, false, opts.QueueLength)
	handler(engine, path)
}

// Dial performs the client side of an opening handshake against addr
// and returns the resulting Engine on success.
func Dial(d *dispatcher.Dispatcher, addr, host, resourceName, origin string, queueLength int) (*Engine, error) {
	if queueLength <= 0 {
		queueLength = defaultQueueLength
	}
	conn, err := socket.New(d)
	if err != nil {
		return nil, err
	}
	cell := conn.Connect(addr)
	if _, err := deferred.Await(cell); err != nil {
		return nil, err
	}
	if err := ClientHandshake(deferred.Await, conn, host, resourceName, origin); err != nil {
		conn.ForceClose(err)
		return nil, err
	}
	return NewEngine(d, conn, false, true, queueLength), nil
}
