package client_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/mees/broker/broker"
	"github.com/mees/broker/client"
	"github.com/mees/broker/internal/config"
	"github.com/mees/broker/internal/logging"
	"github.com/mees/broker/internal/session"
	"github.com/mees/broker/internal/wire"
	"github.com/stretchr/testify/require"
)

func startBroker(t *testing.T) *broker.Broker {
	t.Helper()
	b := broker.New(config.Config{Addr: "127.0.0.1:0", PendingTTLSeconds: 120, PendingSweepSeconds: 30}, logging.Nop{})
	require.NoError(t, b.Listen())
	go b.Serve()
	t.Cleanup(b.Shutdown)
	return b
}

// dialRaw opens a plain TCP connection and completes the mees handshake
// directly against the wire protocol, bypassing client.Client -- used to
// play the responder role in these tests.
func dialRaw(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	s := session.New(conn)
	_, err = session.DialHandshake(s, false, 0)
	require.NoError(t, err)
	return conn
}

func TestClientRequestRoundTrip(t *testing.T) {
	b := startBroker(t)

	ctx := context.Background()
	respClient, err := client.Dial(ctx, b.Addr().String())
	require.NoError(t, err)
	defer respClient.Disconnect()

	// The responder role isn't modeled by client.Client (that's
	// responder.Responder); drive it here with the raw wire protocol.
	rawConn := dialRaw(t, b.Addr().String())
	require.NoError(t, wire.WriteMessage(rawConn, wire.Message{Kind: wire.KindRequestRegister, Path: "Echo"}))
	go func() {
		for {
			m, ok, err := wire.ReadMessage(rawConn)
			if err != nil || !ok {
				return
			}
			if m.Kind == wire.KindRequestAsk {
				wire.WriteMessage(rawConn, wire.Message{Kind: wire.KindRequestResponse, ID: m.ID, Data: m.Data})
			}
		}
	}()

	reqCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := respClient.Request(reqCtx, "Echo", []byte("ping"))
	require.NoError(t, err)
	require.Equal(t, []byte("ping"), resp)
}

func TestClientRequestUnknownPathReturnsError(t *testing.T) {
	b := startBroker(t)
	c, err := client.Dial(context.Background(), b.Addr().String())
	require.NoError(t, err)
	defer c.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = c.Request(ctx, "nobody-home", nil)
	require.Error(t, err)
}

func TestClientConcurrentRequests(t *testing.T) {
	b := startBroker(t)

	rawConn := dialRaw(t, b.Addr().String())
	require.NoError(t, wire.WriteMessage(rawConn, wire.Message{Kind: wire.KindRequestRegister, Path: "Add"}))
	go func() {
		for {
			m, ok, err := wire.ReadMessage(rawConn)
			if err != nil || !ok {
				return
			}
			if m.Kind == wire.KindRequestAsk {
				wire.WriteMessage(rawConn, wire.Message{Kind: wire.KindRequestResponse, ID: m.ID, Data: m.Data})
			}
		}
	}()

	c, err := client.Dial(context.Background(), b.Addr().String())
	require.NoError(t, err)
	defer c.Disconnect()

	const n = 50
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_, err := c.Request(ctx, "Add", []byte("x"))
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}
}
