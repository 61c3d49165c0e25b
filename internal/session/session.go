// Package session owns a single live TCP peer: the handshake, the
// outbound writer pump, and the inbound decode loop. The write half is
// touched only by the pump; readers never share a lock with it.
package session

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/mees/broker/internal/wire"
)

// OutboxCapacity is the bounded outbound queue depth per connection.
// The bound is the broker's only flow control.
const OutboxCapacity = 32

// State is the handshake/lifecycle state machine: Init -> VersionOK ->
// IdentityOK -> Running -> Closed|Broken.
type State int32

const (
	StateInit State = iota
	StateVersionOK
	StateIdentityOK
	StateRunning
	StateClosed
	StateBroken
)

// Session wraps one net.Conn with a writer-pump goroutine draining a
// bounded outbound channel and a reader loop the caller drives directly
// by calling ReadMessage on its own goroutine.
type Session struct {
	conn  net.Conn
	out   chan wire.Message
	state atomic.Int32

	quit       chan struct{}
	writerDone chan struct{}
	writerErr  atomic.Value // error
	closeOnce  sync.Once
}

// New wraps conn. The caller must call Run to start the writer pump
// before using Enqueue, and should call ReadMessage in its own loop.
func New(conn net.Conn) *Session {
	s := &Session{
		conn:       conn,
		out:        make(chan wire.Message, OutboxCapacity),
		quit:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	s.state.Store(int32(StateInit))
	return s
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Run starts the writer pump goroutine, which serializes every enqueued
// Message onto the wire until Close is called or a write fails.
func (s *Session) Run() {
	go s.writerPump()
}

func (s *Session) writerPump() {
	defer close(s.writerDone)
	for {
		select {
		case <-s.quit:
			return
		case m := <-s.out:
			if err := wire.WriteMessage(s.conn, m); err != nil {
				s.writerErr.Store(err)
				s.setState(StateBroken)
				return
			}
		}
	}
}

// Enqueue pushes m onto the outbound queue without blocking. It reports
// false if the queue is full.
func (s *Session) Enqueue(m wire.Message) bool {
	select {
	case s.out <- m:
		return true
	default:
		return false
	}
}

// MarkRunning transitions the session into steady state once the
// handshake has completed; callers do this on entering their serve loop.
func (s *Session) MarkRunning() {
	s.setState(StateRunning)
}

// ReadMessage blocks for the next inbound frame. ok is false on an
// orderly close (zero-length frame).
func (s *Session) ReadMessage() (wire.Message, bool, error) {
	m, ok, err := wire.ReadMessage(s.conn)
	if err != nil {
		s.setState(StateBroken)
	}
	return m, ok, err
}

// Close signals the writer pump to stop and closes the underlying
// connection. Safe to call more than once. The outbox channel itself is
// never closed: a producer holding a stale reference to this session can
// still Enqueue without panicking; the message is simply never written.
func (s *Session) Close() error {
	s.setState(StateClosed)
	s.closeOnce.Do(func() { close(s.quit) })
	return s.conn.Close()
}

// LocalAddr and RemoteAddr expose the underlying conn's endpoints, used
// for logging.
func (s *Session) LocalAddr() net.Addr  { return s.conn.LocalAddr() }
func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// WriterErr returns the error that broke the writer pump, if any.
func (s *Session) WriterErr() error {
	if v := s.writerErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (st State) String() string {
	switch st {
	case StateInit:
		return "Init"
	case StateVersionOK:
		return "VersionOK"
	case StateIdentityOK:
		return "IdentityOK"
	case StateRunning:
		return "Running"
	case StateClosed:
		return "Closed"
	case StateBroken:
		return "Broken"
	default:
		return fmt.Sprintf("State(%d)", int32(st))
	}
}
