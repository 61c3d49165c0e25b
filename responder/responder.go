// Package responder is the handler-side transport for mees: it dials a
// broker, registers one or more paths, and services incoming asks with
// user-supplied handler functions.
package responder

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/mees/broker/internal/session"
	"github.com/mees/broker/internal/wire"
)

// Handler converts an ask's opaque request bytes into opaque response
// bytes. It must always produce a result -- there is no error channel on
// the wire; application errors are encoded inside the returned bytes.
type Handler func(data []byte) []byte

// Responder registers handlers for one or more paths against a broker
// and services asks until Close is called.
type Responder struct {
	conn    net.Conn
	writeMu sync.Mutex // serializes frames onto conn; handlers run concurrently

	handlerMu sync.RWMutex
	handlers  map[string]Handler
}

// Dial connects to addr, completes the handshake as a new connection,
// and returns a Responder ready for Register calls.
func Dial(ctx context.Context, addr string) (*Responder, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("responder: dial: %w", err)
	}
	if _, err := session.DialHandshake(session.New(conn), false, 0); err != nil {
		conn.Close()
		return nil, fmt.Errorf("responder: %w", err)
	}
	return &Responder{conn: conn, handlers: make(map[string]Handler)}, nil
}

// Register advertises path to the broker and binds fn as its handler.
// Calling Register twice for the same path re-advertises it (the broker's
// handler list is append-only) and replaces the local dispatch target.
func (r *Responder) Register(path string, fn Handler) error {
	r.writeMu.Lock()
	err := wire.WriteMessage(r.conn, wire.Message{Kind: wire.KindRequestRegister, Path: path})
	r.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("responder: register %q: %w", path, err)
	}
	r.handlerMu.Lock()
	r.handlers[path] = fn
	r.handlerMu.Unlock()
	return nil
}

// Serve decodes inbound RequestAsk frames and dispatches each to its
// registered handler, writing back a RequestResponse that echoes the
// broker-assigned id. Each ask is served in its own goroutine, so handler
// invocations are not ordered relative to each other; the broker does not
// require response ordering. Serve blocks until the connection closes or
// errors.
func (r *Responder) Serve() error {
	for {
		m, ok, err := wire.ReadMessage(r.conn)
		if err != nil {
			return fmt.Errorf("responder: read: %w", err)
		}
		if !ok {
			return nil
		}
		if m.Kind != wire.KindRequestAsk {
			continue
		}
		r.handlerMu.RLock()
		fn, known := r.handlers[m.Path]
		r.handlerMu.RUnlock()
		if !known {
			continue // broker only forwards to paths we registered.
		}
		go r.handle(fn, m)
	}
}

func (r *Responder) handle(fn Handler, ask wire.Message) {
	result := fn(ask.Data)
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = wire.WriteMessage(r.conn, wire.Message{Kind: wire.KindRequestResponse, ID: ask.ID, Data: result})
}

// Close sends Control::Disconnect and closes the transport.
func (r *Responder) Close() error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = wire.WriteMessage(r.conn, wire.Message{Kind: wire.KindDisconnect})
	return r.conn.Close()
}
