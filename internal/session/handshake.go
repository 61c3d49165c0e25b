package session

import (
	"fmt"

	"github.com/mees/broker/internal/wire"
)

// Identity is the outcome of the broker-side identity negotiation: the
// ConnectionID the peer should use from now on, and whether it was newly
// minted or reclaimed from an existing registration.
type Identity struct {
	ID     uint32
	Resume bool
}

// AllocateFunc mints a fresh ConnectionID; RebindFunc attempts to reclaim
// an existing one, reporting false if it is unknown. The registry package
// supplies both.
type AllocateFunc func() uint32
type RebindFunc func(id uint32) bool

// AcceptHandshake runs the broker side of the handshake on s: version
// negotiation, then reading the peer's Connect frame and replying with
// ConnectAck, walking the session through Init -> VersionOK ->
// IdentityOK.
func AcceptHandshake(s *Session, allocate AllocateFunc, rebind RebindFunc) (Identity, error) {
	if err := wire.NegotiateVersion(s.conn); err != nil {
		s.setState(StateBroken)
		return Identity{}, fmt.Errorf("handshake: %w", err)
	}
	s.setState(StateVersionOK)

	m, ok, err := wire.ReadMessage(s.conn)
	if err != nil {
		s.setState(StateBroken)
		return Identity{}, fmt.Errorf("handshake: %w", err)
	}
	if !ok || m.Kind != wire.KindConnect {
		s.setState(StateBroken)
		return Identity{}, fmt.Errorf("handshake: %w: expected Connect, got %v", wire.ErrMalformedFrame, m.Kind)
	}

	var id Identity
	if m.ConnectNew {
		id = Identity{ID: allocate(), Resume: false}
	} else {
		if !rebind(m.ConnectExistingID) {
			s.setState(StateBroken)
			return Identity{}, fmt.Errorf("handshake: %w: id=%d", wire.ErrUnknownConnection, m.ConnectExistingID)
		}
		id = Identity{ID: m.ConnectExistingID, Resume: true}
	}

	ack := wire.Message{Kind: wire.KindConnectAck, ConnectAckID: id.ID}
	if err := wire.WriteMessage(s.conn, ack); err != nil {
		s.setState(StateBroken)
		return Identity{}, fmt.Errorf("handshake: %w", err)
	}
	s.setState(StateIdentityOK)
	return id, nil
}

// DialHandshake runs the client side of the handshake on s: version
// negotiation, then sending Connect and awaiting ConnectAck. existingID
// is ignored (and a fresh id requested) when resume is false.
func DialHandshake(s *Session, resume bool, existingID uint32) (uint32, error) {
	if err := wire.NegotiateVersion(s.conn); err != nil {
		s.setState(StateBroken)
		return 0, fmt.Errorf("handshake: %w", err)
	}
	s.setState(StateVersionOK)

	connect := wire.Message{Kind: wire.KindConnect}
	if resume {
		connect.ConnectExistingID = existingID
	} else {
		connect.ConnectNew = true
	}
	if err := wire.WriteMessage(s.conn, connect); err != nil {
		s.setState(StateBroken)
		return 0, fmt.Errorf("handshake: %w", err)
	}

	m, ok, err := wire.ReadMessage(s.conn)
	if err != nil {
		s.setState(StateBroken)
		return 0, fmt.Errorf("handshake: %w", err)
	}
	if !ok || m.Kind != wire.KindConnectAck {
		s.setState(StateBroken)
		return 0, fmt.Errorf("handshake: %w: expected ConnectAck, got %v", wire.ErrMalformedFrame, m.Kind)
	}
	s.setState(StateIdentityOK)
	return m.ConnectAckID, nil
}
