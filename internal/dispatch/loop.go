// Package dispatch wires a per-connection Session to the shared Registry:
// it decodes inbound frames, applies the routing table, and enqueues
// outbound frames onto the right peer's writer pump.
package dispatch

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/mees/broker/internal/logging"
	"github.com/mees/broker/internal/registry"
	"github.com/mees/broker/internal/session"
	"github.com/mees/broker/internal/wire"
)

// sendRetryInterval and sendRetryAttempts bridge a resume handshake
// racing an ask already in flight: if the target connection isn't in the
// registry yet, poll briefly before giving up.
const (
	sendRetryInterval = 100 * time.Millisecond
	sendRetryAttempts = 100
)

// Loop runs one accepted connection end to end: handshake, then a decode
// loop that routes every frame through reg until the peer disconnects or
// the transport breaks.
type Loop struct {
	reg *registry.Registry
	log logging.Logger
}

// New builds a Loop bound to reg, the broker's shared registry.
func New(reg *registry.Registry, log logging.Logger) *Loop {
	return &Loop{reg: reg, log: log}
}

// Serve performs the broker-side handshake over conn and then runs the
// routing loop until the session ends. It always closes conn before
// returning.
func (l *Loop) Serve(conn net.Conn) {
	s := session.New(conn)
	s.Run()
	defer s.Close()

	identity, err := session.AcceptHandshake(s,
		func() uint32 { return l.reg.Register(s) },
		func(existing uint32) bool { return l.reg.Rebind(existing, s) },
	)
	if err != nil {
		l.log.Error("dispatch: handshake failed: %v", err)
		return
	}
	id := identity.ID
	trace := uuid.NewString()
	if identity.Resume {
		l.log.Info("dispatch: conn %d resumed from %s [trace=%s]", id, conn.RemoteAddr(), trace)
	} else {
		l.log.Info("dispatch: conn %d connected from %s [trace=%s]", id, conn.RemoteAddr(), trace)
	}

	l.runLoop(s, id)
}

func (l *Loop) runLoop(s *session.Session, id uint32) {
	s.MarkRunning()
	for {
		m, ok, err := s.ReadMessage()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				l.log.Debug("dispatch: conn %d read error: %v", id, err)
			}
			l.reg.Purge(id)
			return
		}
		if !ok {
			l.reg.Purge(id)
			return
		}

		if m.Kind == wire.KindDisconnect {
			l.reg.Purge(id)
			return
		}

		l.route(s, id, m)
	}
}

func (l *Loop) route(s *session.Session, id uint32, m wire.Message) {
	switch m.Kind {
	case wire.KindPing:
		s.Enqueue(wire.Message{Kind: wire.KindPong})

	case wire.KindPong:
		// liveness only; nothing to do.

	case wire.KindAuthPass:
		// carrier only; no enforcement.

	case wire.KindRequestRegister:
		l.reg.RequestSubscribe(m.Path, id)

	case wire.KindRequestAsk:
		l.routeAsk(id, m)

	case wire.KindRequestResponse:
		l.routeResponse(m)

	case wire.KindEventSubscribe:
		l.reg.EventSubscribe(m.Path, id)

	case wire.KindEventUnsubscribe:
		l.reg.EventUnsubscribe(m.Path, id)

	case wire.KindEventPublish:
		l.routePublish(m)

	default:
		l.log.Debug("dispatch: conn %d sent unroutable kind %v", id, m.Kind)
	}
}

func (l *Loop) routeAsk(origin uint32, m wire.Message) {
	handler, ok := l.reg.NextHandler(m.Path)
	if !ok {
		l.deliver(origin, wire.Message{
			Kind: wire.KindRequestResponse,
			ID:   m.ID,
			Err:  fmt.Sprintf("unknown path %q", m.Path),
		})
		return
	}

	brokerID := l.reg.SubmitAsk(origin, handler, m.ID)
	l.deliver(handler, wire.Message{
		Kind: wire.KindRequestAsk,
		ID:   brokerID,
		Path: m.Path,
		Data: m.Data,
	})
}

func (l *Loop) routeResponse(m wire.Message) {
	origin, clientID, ok := l.reg.ResolveResponse(m.ID)
	if !ok {
		l.log.Debug("dispatch: %v: broker id %d", wire.ErrStaleResponse, m.ID)
		return
	}
	l.deliver(origin, wire.Message{
		Kind: wire.KindRequestResponse,
		ID:   clientID,
		Data: m.Data,
		Err:  m.Err,
	})
}

func (l *Loop) routePublish(m wire.Message) {
	for _, sub := range l.reg.EventSubscribers(m.Path) {
		l.deliver(sub, wire.Message{Kind: wire.KindEventPublish, Path: m.Path, Data: m.Data})
	}
}

// deliver enqueues msg onto target's outbox, bridging two gaps with the
// same retry loop: a resume handshake racing an ask or response already in
// flight (target missing from the registry) and a live target whose
// bounded outbox is momentarily full. A full queue must not silently drop
// a message without at least the retry window.
func (l *Loop) deliver(target uint32, msg wire.Message) {
	if out, ok := l.reg.Outbox(target); ok {
		if out.Enqueue(msg) {
			return
		}
	}
	go l.deliverWithRetry(target, msg)
}

func (l *Loop) deliverWithRetry(target uint32, msg wire.Message) {
	for i := 0; i < sendRetryAttempts; i++ {
		time.Sleep(sendRetryInterval)
		if out, ok := l.reg.Outbox(target); ok {
			if out.Enqueue(msg) {
				return
			}
			continue
		}
	}
	l.log.Debug("dispatch: target %d unavailable or outbox still full after retries, dropping %v", target, msg.Kind)
}
