package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitpulse/livemesh/internal/models"
)

// newSignalingStub runs a minimal signaling endpoint: it completes the
// connected handshake and hands every inbound envelope to handle along
// with a write-safe send function.
func newSignalingStub(t *testing.T, handle func(send func(models.Envelope), env models.Envelope)) (*httptest.Server, <-chan string) {
	t.Helper()
	tokens := make(chan string, 4)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokens <- r.URL.Query().Get("token")

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var mu sync.Mutex
		send := func(env models.Envelope) {
			mu.Lock()
			defer mu.Unlock()
			_ = conn.WriteJSON(env)
		}

		data, _ := json.Marshal(models.ConnectedEvent{SocketID: "srv-socket-1"})
		send(models.Envelope{Event: models.EventConnected, Data: data})

		for {
			var env models.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			if handle != nil {
				handle(send, env)
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, tokens
}

func TestConnectWithoutTokenFailsFast(t *testing.T) {
	// No network attempt is made; the URL does not need to resolve.
	tr := NewTransport("http://127.0.0.1:0", "")
	require.ErrorIs(t, tr.Connect(context.Background()), ErrNoToken)
	assert.False(t, tr.Connected())
}

func TestConnectHandshake(t *testing.T) {
	srv, tokens := newSignalingStub(t, nil)

	tr := NewTransport(srv.URL, "secret-token")
	t.Cleanup(func() { tr.Close() })

	require.NoError(t, tr.Connect(context.Background()))
	assert.True(t, tr.Connected())
	assert.Equal(t, "srv-socket-1", tr.SocketID())

	select {
	case token := <-tokens:
		assert.Equal(t, "secret-token", token)
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the connection")
	}

	// Connecting an already connected transport is a no-op.
	require.NoError(t, tr.Connect(context.Background()))
}

func TestConnectRejectsUnknownScheme(t *testing.T) {
	tr := NewTransport("ftp://signal.example.com", "tok")
	require.Error(t, tr.Connect(context.Background()))
}

func TestRequestReceivesMatchingAck(t *testing.T) {
	srv, _ := newSignalingStub(t, func(send func(models.Envelope), env models.Envelope) {
		if env.Event != models.EventJoinClass {
			return
		}
		var req models.ClassRequest
		if err := json.Unmarshal(env.Data, &req); err != nil || req.ClassID != "class-1" {
			return
		}
		data, _ := json.Marshal(models.RosterAck{ParticipantCount: 2})
		send(models.Envelope{Event: models.EventAck, AckID: env.AckID, Data: data})
	})

	tr := NewTransport(srv.URL, "tok")
	t.Cleanup(func() { tr.Close() })
	require.NoError(t, tr.Connect(context.Background()))

	reply, err := tr.Request(context.Background(), models.EventJoinClass, models.ClassRequest{ClassID: "class-1"})
	require.NoError(t, err)

	var ack models.RosterAck
	require.NoError(t, json.Unmarshal(reply, &ack))
	assert.Equal(t, 2, ack.ParticipantCount)
}

func TestRequestHonorsContextDeadline(t *testing.T) {
	// The stub never acks.
	srv, _ := newSignalingStub(t, nil)

	tr := NewTransport(srv.URL, "tok")
	t.Cleanup(func() { tr.Close() })
	require.NoError(t, tr.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := tr.Request(ctx, models.EventJoinClass, models.ClassRequest{ClassID: "class-1"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestServerPushReachesEventHandler(t *testing.T) {
	srv, _ := newSignalingStub(t, func(send func(models.Envelope), env models.Envelope) {
		if env.Event != models.EventLeaveClass {
			return
		}
		data, _ := json.Marshal(models.PeerLeftEvent{SocketID: "sock-x", ParticipantCount: 1})
		send(models.Envelope{Event: models.EventPeerLeft, Data: data})
	})

	tr := NewTransport(srv.URL, "tok")
	t.Cleanup(func() { tr.Close() })

	type pushed struct {
		event string
		data  json.RawMessage
	}
	got := make(chan pushed, 1)
	tr.OnEvent(func(event string, data json.RawMessage) {
		got <- pushed{event: event, data: data}
	})

	require.NoError(t, tr.Connect(context.Background()))
	require.NoError(t, tr.Emit(models.EventLeaveClass, models.ClassRequest{ClassID: "class-1"}))

	select {
	case p := <-got:
		assert.Equal(t, models.EventPeerLeft, p.event)
		var ev models.PeerLeftEvent
		require.NoError(t, json.Unmarshal(p.data, &ev))
		assert.Equal(t, "sock-x", ev.SocketID)
	case <-time.After(2 * time.Second):
		t.Fatal("pushed event never reached the handler")
	}
}

func TestEmitWithoutConnection(t *testing.T) {
	tr := NewTransport("http://127.0.0.1:0", "tok")
	require.ErrorIs(t, tr.Emit(models.EventLeaveClass, models.ClassRequest{ClassID: "c"}), ErrNotConnected)
}

func TestTransportRedialsAfterConnectionLoss(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	var mu sync.Mutex
	dials := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		dials++
		n := dials
		mu.Unlock()

		data, _ := json.Marshal(models.ConnectedEvent{SocketID: fmt.Sprintf("srv-sock-%d", n)})
		_ = conn.WriteJSON(models.Envelope{Event: models.EventConnected, Data: data})

		if n == 1 {
			// Simulate the service dropping the socket.
			conn.Close()
			return
		}
		defer conn.Close()
		for {
			var env models.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	tr := NewTransport(srv.URL, "tok")
	t.Cleanup(func() { tr.Close() })

	drops := make(chan error, 4)
	tr.OnDisconnect(func(err error) { drops <- err })

	require.NoError(t, tr.Connect(context.Background()))

	select {
	case err := <-drops:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("connection loss was never reported")
	}

	// The transport re-dials on its own, but the new socket carries a
	// new identity; resuming the class takes a fresh join.
	require.Eventually(t, func() bool {
		return tr.Connected() && tr.SocketID() == "srv-sock-2"
	}, 15*time.Second, 100*time.Millisecond)

	select {
	case err := <-drops:
		t.Fatalf("unexpected second disconnect: %v", err)
	default:
	}
}

func TestCloseIsIdempotentAndTerminal(t *testing.T) {
	srv, _ := newSignalingStub(t, nil)

	tr := NewTransport(srv.URL, "tok")
	require.NoError(t, tr.Connect(context.Background()))

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.False(t, tr.Connected())
	assert.Empty(t, tr.SocketID())

	require.ErrorIs(t, tr.Connect(context.Background()), ErrSessionClosed)
}
