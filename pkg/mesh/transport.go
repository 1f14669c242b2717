package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fitpulse/livemesh/internal/models"
)

const (
	defaultAckTimeout = 10 * time.Second

	// Bounded automatic reconnect with fixed backoff. Room state is
	// never restored automatically; after a reconnect the caller must
	// join or start again because the service mints a new socket ID.
	reconnectAttempts = 5
	reconnectDelay    = 2 * time.Second
)

// Signaler is the session's view of the signaling channel.
type Signaler interface {
	// Connect opens the channel. Fails fast with ErrNoToken when no
	// credential is present.
	Connect(ctx context.Context) error
	// SocketID returns the ID the service assigned to this
	// connection; empty until connected.
	SocketID() string
	// Connected reports whether the channel is currently up.
	Connected() bool
	// Emit sends a fire-and-forget event.
	Emit(event string, data any) error
	// Request sends an event and waits for its ack.
	Request(ctx context.Context, event string, data any) (json.RawMessage, error)
	// OnEvent registers the handler for server-pushed events.
	OnEvent(fn func(event string, data json.RawMessage))
	// OnDisconnect registers the handler called when the channel is
	// lost unexpectedly.
	OnDisconnect(fn func(err error))
	Close() error
}

// Transport is the WebSocket Signaler implementation.
type Transport struct {
	serverURL string
	token     string

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool
	socketID  string
	pending   map[string]chan json.RawMessage

	handler      func(event string, data json.RawMessage)
	onDisconnect func(err error)

	// Serializes writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex
}

// NewTransport creates a transport for the given signaling server URL
// (http(s):// or ws(s)://) and bearer token.
func NewTransport(serverURL, token string) *Transport {
	return &Transport{
		serverURL: serverURL,
		token:     token,
		pending:   make(map[string]chan json.RawMessage),
	}
}

func (t *Transport) signalURL() (string, error) {
	u, err := url.Parse(t.serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid server URL scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws/signal"
	}
	q := u.Query()
	q.Set("token", t.token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (t *Transport) Connect(ctx context.Context) error {
	if t.token == "" {
		// No credential: fail before any network attempt.
		return ErrNoToken
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrSessionClosed
	}
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	conn, socketID, err := t.dial(ctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.conn = conn
	t.socketID = socketID
	t.connected = true
	t.mu.Unlock()

	go t.readLoop(conn)
	return nil
}

// dial opens the socket and consumes the initial "connected" event
// carrying the assigned socket ID.
func (t *Transport) dial(ctx context.Context) (*websocket.Conn, string, error) {
	wsURL, err := t.signalURL()
	if err != nil {
		return nil, "", err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to connect to signaling service: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(defaultAckTimeout))
	var env models.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("signaling handshake failed: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	if env.Event != models.EventConnected {
		conn.Close()
		return nil, "", fmt.Errorf("unexpected handshake event %q", env.Event)
	}
	var connected models.ConnectedEvent
	if err := json.Unmarshal(env.Data, &connected); err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("signaling handshake failed: %w", err)
	}
	return conn, connected.SocketID, nil
}

func (t *Transport) SocketID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.socketID
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) OnEvent(fn func(event string, data json.RawMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = fn
}

func (t *Transport) OnDisconnect(fn func(err error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDisconnect = fn
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.handleReadError(err)
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("Failed to parse signaling message: %v", err)
			continue
		}

		switch env.Event {
		case models.EventAck:
			t.mu.Lock()
			ch := t.pending[env.AckID]
			delete(t.pending, env.AckID)
			t.mu.Unlock()
			if ch != nil {
				ch <- env.Data
			}
		default:
			t.mu.Lock()
			handler := t.handler
			t.mu.Unlock()
			if handler != nil {
				handler(env.Event, env.Data)
			}
		}
	}
}

// handleReadError marks the transport disconnected, tells the session,
// then retries the connection a bounded number of times. Even when the
// retry succeeds the session must run a fresh join/start: the new
// socket has a new identity.
func (t *Transport) handleReadError(err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.connected = false
	t.socketID = ""
	t.failPendingLocked()
	onDisconnect := t.onDisconnect
	t.mu.Unlock()

	if onDisconnect != nil {
		onDisconnect(err)
	}

	for attempt := 1; attempt <= reconnectAttempts; attempt++ {
		time.Sleep(reconnectDelay)

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), defaultAckTimeout)
		conn, socketID, dialErr := t.dial(ctx)
		cancel()
		if dialErr != nil {
			log.Printf("Signaling reconnect attempt %d/%d failed: %v", attempt, reconnectAttempts, dialErr)
			continue
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			conn.Close()
			return
		}
		t.conn = conn
		t.socketID = socketID
		t.connected = true
		t.mu.Unlock()

		log.Printf("Signaling reconnected with socket %s", socketID)
		go t.readLoop(conn)
		return
	}

	log.Printf("Signaling reconnect gave up after %d attempts", reconnectAttempts)
}

// failPendingLocked unblocks every in-flight request with an empty
// reply; callers see the ack timeout path. Caller holds t.mu.
func (t *Transport) failPendingLocked() {
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
}

func (t *Transport) write(env models.Envelope) error {
	t.mu.Lock()
	conn := t.conn
	connected := t.connected
	t.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteJSON(env)
}

func (t *Transport) Emit(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", event, err)
	}
	return t.write(models.Envelope{Event: event, Data: payload})
}

func (t *Transport) Request(ctx context.Context, event string, data any) (json.RawMessage, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", event, err)
	}

	ackID := uuid.New().String()
	ch := make(chan json.RawMessage, 1)

	t.mu.Lock()
	t.pending[ackID] = ch
	t.mu.Unlock()

	cleanup := func() {
		t.mu.Lock()
		delete(t.pending, ackID)
		t.mu.Unlock()
	}

	if err := t.write(models.Envelope{Event: event, AckID: ackID, Data: payload}); err != nil {
		cleanup()
		return nil, err
	}

	timer := time.NewTimer(defaultAckTimeout)
	defer timer.Stop()

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return reply, nil
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	case <-timer.C:
		cleanup()
		return nil, fmt.Errorf("timed out waiting for %s ack", event)
	}
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.connected = false
	t.socketID = ""
	conn := t.conn
	t.conn = nil
	t.failPendingLocked()
	t.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
