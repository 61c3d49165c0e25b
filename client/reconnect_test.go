package client_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/mees/broker/client"
	"github.com/mees/broker/internal/wire"
	"github.com/stretchr/testify/require"
)

// askSeen records an ask a stub broker read but never answered, so a later
// stage of the test can answer it once the client resumes.
type askSeen struct {
	id   uint32
	data []byte
}

// TestClientReconnectsAndResumesPendingRequest drives client.Client's own
// backoff+reconnect primitive (client.go's send/connect), not the real
// broker: a stub TCP peer accepts the first connection, reads one ask, and
// drops the socket without responding while that Request is still in
// flight. A second Request is issued to force the client's next write to
// fail and trigger its automatic Connect::Existing resume. The stub then
// answers both asks over the resumed connection, proving the original
// in-flight Request still resolves.
func TestClientReconnectsAndResumesPendingRequest(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	seen := make(chan askSeen, 1)
	firstConnDone := make(chan struct{})

	go func() {
		defer close(firstConnDone)
		conn, err := ln.Accept()
		require.NoError(t, err)
		require.NoError(t, wire.NegotiateVersion(conn))

		m, ok, err := wire.ReadMessage(conn)
		require.NoError(t, err)
		require.True(t, ok)
		require.True(t, m.ConnectNew, "first connection must identify as new")
		require.NoError(t, wire.WriteMessage(conn, wire.Message{Kind: wire.KindConnectAck, ConnectAckID: 1}))

		ask, ok, err := wire.ReadMessage(conn)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, wire.KindRequestAsk, ask.Kind)
		seen <- askSeen{id: ask.ID, data: ask.Data}

		// SetLinger(0) forces an abortive close (RST) instead of a graceful
		// FIN, so the client's very next write against this socket fails
		// immediately instead of racing the peer's close.
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetLinger(0)
		}
		conn.Close() // drop mid-flight, before ever answering this ask
	}()

	ctx := context.Background()
	c, err := client.Dial(ctx, ln.Addr().String())
	require.NoError(t, err)
	defer c.Disconnect()

	errs := make(chan error, 2)
	result1 := make(chan []byte, 1)
	go func() {
		reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		data, err := c.Request(reqCtx, "Echo", []byte("first"))
		if err != nil {
			errs <- err
			return
		}
		result1 <- data
	}()

	<-firstConnDone

	result2 := make(chan []byte, 1)
	go func() {
		reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		data, err := c.Request(reqCtx, "Echo", []byte("second"))
		if err != nil {
			errs <- err
			return
		}
		result2 <- data
	}()

	// The second Request's write against the dead connection fails, driving
	// client.Client.send() into its reconnect loop with Connect::Existing.
	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, wire.NegotiateVersion(conn))

	resume, ok, err := wire.ReadMessage(conn)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, wire.KindConnect, resume.Kind)
	require.False(t, resume.ConnectNew, "reconnect must resume, not request a new identity")
	require.Equal(t, uint32(1), resume.ConnectExistingID, "resume must carry the original ConnectionID")
	require.NoError(t, wire.WriteMessage(conn, wire.Message{Kind: wire.KindConnectAck, ConnectAckID: 1}))

	second, ok, err := wire.ReadMessage(conn)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, wire.KindRequestAsk, second.Kind)
	require.NoError(t, wire.WriteMessage(conn, wire.Message{Kind: wire.KindRequestResponse, ID: second.ID, Data: []byte("second-reply")}))

	first := <-seen
	require.NoError(t, wire.WriteMessage(conn, wire.Message{Kind: wire.KindRequestResponse, ID: first.id, Data: []byte("first-reply")}))

	for i := 0; i < 2; i++ {
		select {
		case data := <-result1:
			require.Equal(t, []byte("first-reply"), data, "the Request in flight before the drop must resolve after resume")
		case data := <-result2:
			require.Equal(t, []byte("second-reply"), data)
		case err := <-errs:
			t.Fatalf("request failed: %v", err)
		case <-time.After(5 * time.Second):
			t.Fatal("requests never resolved after client reconnect/resume")
		}
	}
}
