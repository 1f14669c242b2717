package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fitpulse/livemesh/internal/middleware"
	"github.com/fitpulse/livemesh/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// Client represents one WebSocket connection to the signaling service.
// The socket ID is minted per connection and is the addressing key for
// every signaling message; it is not stable across reconnects.
type Client struct {
	SocketID string
	UserID   string
	Name     string
	Conn     *websocket.Conn
	Send     chan []byte

	mu        sync.Mutex
	classID   string
	isTrainer bool
	closeOnce sync.Once
}

func (c *Client) setClass(classID string, isTrainer bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.classID = classID
	c.isTrainer = isTrainer
}

func (c *Client) class() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.classID
}

func (c *Client) trainer() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isTrainer
}

// HandleSignaling validates the access token, upgrades the connection
// and runs the read loop. One call of this handler is one participant
// lifetime.
func (h *Hub) HandleSignaling(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Browsers cannot set headers on WebSocket connects, so the
		// bearer token arrives as a query parameter.
		tokenString := c.Query("token")
		if tokenString == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "token is required"})
			return
		}
		claims, err := middleware.ParseToken(tokenString, jwtSecret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Printf("Failed to upgrade connection: %v", err)
			return
		}

		client := &Client{
			SocketID: uuid.New().String(),
			UserID:   claims.UserID,
			Name:     claims.Name,
			Conn:     conn,
			Send:     make(chan []byte, 256),
		}

		log.Printf("Socket %s attached for user %s (%s)", client.SocketID, client.UserID, client.Name)

		client.sendEvent(models.EventConnected, models.ConnectedEvent{SocketID: client.SocketID})

		go client.writePump()
		go client.readPump(h)
	}
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		h.Disconnect(c)
		c.close()
		log.Printf("Socket %s detached", c.SocketID)
	}()

	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		var env models.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			log.Printf("Failed to parse message from %s: %v", c.SocketID, err)
			continue
		}

		c.dispatch(h, env)
	}
}

// dispatch routes one inbound envelope. Business-rule rejections are
// returned in the ack; they never close the connection.
func (c *Client) dispatch(h *Hub, env models.Envelope) {
	switch env.Event {
	case models.EventStartClass:
		var req models.ClassRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			c.sendAckError(env.AckID, "invalid payload")
			return
		}
		ack, err := h.StartClass(context.Background(), c, req.ClassID)
		if err != nil {
			c.sendAckError(env.AckID, err.Error())
			return
		}
		c.sendAck(env.AckID, ack)

	case models.EventJoinClass:
		var req models.ClassRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			c.sendAckError(env.AckID, "invalid payload")
			return
		}
		ack, err := h.JoinClass(context.Background(), c, req.ClassID)
		if err != nil {
			c.sendAckError(env.AckID, err.Error())
			return
		}
		c.sendAck(env.AckID, ack)

	case models.EventEndClass:
		var req models.ClassRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			c.sendAckError(env.AckID, "invalid payload")
			return
		}
		if err := h.EndClass(context.Background(), c, req.ClassID); err != nil {
			c.sendAckError(env.AckID, err.Error())
			return
		}
		c.sendAck(env.AckID, struct{}{})

	case models.EventLeaveClass:
		var req models.ClassRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			return
		}
		h.LeaveClass(c, req.ClassID)

	case models.EventOffer, models.EventAnswer, models.EventICECandidate:
		var req models.SignalRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			log.Printf("Failed to parse %s from %s: %v", env.Event, c.SocketID, err)
			return
		}
		h.Relay(c, env.Event, req)

	case models.EventClassMessage:
		var req models.ChatRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			return
		}
		h.Chat(c, req)

	default:
		log.Printf("Unknown event from %s: %s", c.SocketID, env.Event)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("Failed to write message: %v", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) send(env models.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("Failed to marshal message: %v", err)
		return
	}

	select {
	case c.Send <- data:
	default:
		log.Printf("Failed to send message to peer %s, buffer full", c.SocketID)
	}
}

func (c *Client) sendEvent(event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		log.Printf("Failed to marshal %s event: %v", event, err)
		return
	}
	c.send(models.Envelope{Event: event, Data: payload})
}

func (c *Client) sendAck(ackID string, data any) {
	if ackID == "" {
		return
	}
	payload, err := json.Marshal(data)
	if err != nil {
		log.Printf("Failed to marshal ack: %v", err)
		return
	}
	c.send(models.Envelope{Event: models.EventAck, AckID: ackID, Data: payload})
}

func (c *Client) sendAckError(ackID, msg string) {
	c.sendAck(ackID, models.ErrorAck{Error: msg})
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.Send)
	})
}
