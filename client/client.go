// Package client is the resilient client transport for mees: it dials a
// broker, performs the handshake, and exposes a Request/Disconnect API
// that survives transport drops by reconnecting and resuming its prior
// broker-side identity.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mees/broker/internal/session"
	"github.com/mees/broker/internal/wire"
)

// ErrDisconnected is returned by Request once the client has been
// explicitly disconnected.
var ErrDisconnected = errors.New("client: disconnected")

const (
	initialBackoff = 2 * time.Millisecond
	maxBackoff     = 2 * time.Second
)

// waiter is the one-shot sink a pending Request blocks on.
type waiter struct {
	ch chan wire.Message
}

// Client is a single logical connection to a mees broker. It is safe for
// concurrent use by multiple goroutines issuing Request calls.
type Client struct {
	addrs []string

	mu   sync.Mutex // guards conn/id/resume state across reconnects
	conn net.Conn
	id   uint32

	pendingMu  sync.RWMutex
	pending    map[uint32]waiter
	reqCounter atomic.Uint32

	disconnected atomic.Bool
}

// Dial resolves addrs once into a list of IP addresses (tried in order
// until one accepts) and completes the handshake as a new connection.
// Every later reconnect reuses that resolved list.
func Dial(ctx context.Context, addrs ...string) (*Client, error) {
	if len(addrs) == 0 {
		return nil, errors.New("client: no addresses given")
	}
	var resolved []string
	for _, addr := range addrs {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("client: %w", err)
		}
		ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("client: resolve %s: %w", addr, err)
		}
		for _, ip := range ips {
			resolved = append(resolved, net.JoinHostPort(ip.String(), port))
		}
	}
	c := &Client{
		addrs:   resolved,
		pending: make(map[uint32]waiter),
	}
	if err := c.connect(ctx, false, 0); err != nil {
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) connect(ctx context.Context, resume bool, existingID uint32) error {
	var lastErr error
	for _, addr := range c.addrs {
		d := net.Dialer{}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		id, err := session.DialHandshake(session.New(conn), resume, existingID)
		if err != nil {
			conn.Close()
			lastErr = fmt.Errorf("client: %w", err)
			continue
		}

		c.mu.Lock()
		oldConn := c.conn
		c.conn = conn
		c.id = id
		c.mu.Unlock()
		if oldConn != nil {
			oldConn.Close()
		}
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("client: no addresses reachable")
	}
	return lastErr
}

// send writes m to the broker, reconnecting with backoff on failure.
// After a failed write it sleeps the current backoff and reconnects with
// Connect::Existing. A successful reconnect leaves the backoff unchanged;
// only a failed reconnect doubles it (capped at maxBackoff), so transient
// network drops retry quickly while a truly down broker backs off.
func (c *Client) send(m wire.Message) error {
	backoff := initialBackoff
	for {
		if c.disconnected.Load() {
			return ErrDisconnected
		}
		c.mu.Lock()
		conn := c.conn
		id := c.id
		c.mu.Unlock()

		if conn != nil {
			if err := wire.WriteMessage(conn, m); err == nil {
				return nil
			}
		}

		time.Sleep(backoff)
		if err := c.connect(context.Background(), true, id); err != nil {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reconnect succeeded; backoff does not grow, retry the write.
	}
}

// Request allocates a client-local id, sends a RequestAsk for path/data,
// and blocks until the broker delivers the matching RequestResponse or
// ctx is done.
func (c *Client) Request(ctx context.Context, path string, data []byte) ([]byte, error) {
	id := c.allocateRequestID()
	w := waiter{ch: make(chan wire.Message, 1)}

	c.pendingMu.Lock()
	c.pending[id] = w
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.send(wire.Message{Kind: wire.KindRequestAsk, ID: id, Path: path, Data: data}); err != nil {
		return nil, err
	}

	select {
	case resp := <-w.ch:
		if resp.Err != "" {
			return nil, fmt.Errorf("client: request failed: %s", resp.Err)
		}
		return resp.Data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// allocateRequestID mints a client-local request id, rerolling on
// collision with a still-pending entry.
func (c *Client) allocateRequestID() uint32 {
	for {
		id := c.reqCounter.Add(1)
		c.pendingMu.RLock()
		_, busy := c.pending[id]
		c.pendingMu.RUnlock()
		if !busy {
			return id
		}
	}
}

func (c *Client) readLoop() {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			time.Sleep(initialBackoff)
			continue
		}

		m, ok, err := wire.ReadMessage(conn)
		if err != nil || !ok {
			if c.disconnected.Load() {
				return
			}
			// transport broke; send() will reconnect on the next Request.
			time.Sleep(initialBackoff)
			continue
		}
		if m.Kind != wire.KindRequestResponse {
			continue // the client only ever receives responses.
		}

		c.pendingMu.RLock()
		w, ok := c.pending[m.ID]
		c.pendingMu.RUnlock()
		if ok {
			w.ch <- m
		}
	}
}

// Disconnect sends Control::Disconnect and closes the transport. Request
// calls made afterwards return ErrDisconnected; calls already waiting for
// a response are not woken and return their context's error once it is
// done. The read loop exits promptly.
func (c *Client) Disconnect() error {
	c.disconnected.Store(true)
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	_ = wire.WriteMessage(conn, wire.Message{Kind: wire.KindDisconnect})
	return conn.Close()
}

// ID returns the broker-assigned ConnectionID, stable across reconnects.
func (c *Client) ID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}
