package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Settings tunes connection keepalive, limits and buffering.
type Settings struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
	SendBuffer     int
	EventsPerSec   float64
	EventBurst     int
}

func DefaultSettings() Settings {
	pongWait := 60 * time.Second
	return Settings{
		WriteWait:      10 * time.Second,
		PongWait:       pongWait,
		PingPeriod:     (pongWait * 9) / 10,
		MaxMessageSize: 10240,
		SendBuffer:     256,
		EventsPerSec:   10,
		EventBurst:     20,
	}
}

// Client represents a WebSocket client
type Client struct {
	id       uuid.UUID
	hub      *Hub
	conn     *websocket.Conn
	userID   uuid.UUID
	settings Settings
	limiter  *rate.Limiter
	log      *zap.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// NewClient creates a new WebSocket client
func NewClient(hub *Hub, conn *websocket.Conn, userID uuid.UUID, settings Settings, log *zap.Logger) *Client {
	id := uuid.New()
	return &Client{
		id:       id,
		hub:      hub,
		conn:     conn,
		userID:   userID,
		settings: settings,
		limiter:  rate.NewLimiter(rate.Limit(settings.EventsPerSec), settings.EventBurst),
		log:      log.With(zap.Stringer("conn_id", id), zap.Stringer("user_id", userID)),
		send:     make(chan []byte, settings.SendBuffer),
	}
}

func (c *Client) ID() uuid.UUID { return c.id }

func (c *Client) UserID() uuid.UUID { return c.userID }

// enqueue queues an encoded event without blocking. It reports false when the
// client is closed or its buffer is full.
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// ReadPump pumps messages from the WebSocket connection to the protocol
func (c *Client) ReadPump(ctx context.Context, proto *Protocol) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.settings.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.settings.PongWait))
	c.conn.SetPongHandler(c.onPong)

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		if !c.limiter.Allow() {
			proto.sendError(c, "", "rate_limited", "too many events, slow down")
			continue
		}

		proto.Handle(ctx, c, message)
	}
}

// onPong extends the read deadline and keeps the user's mirrored presence
// from expiring while the connection is alive.
func (c *Client) onPong(string) error {
	c.conn.SetReadDeadline(time.Now().Add(c.settings.PongWait))
	c.hub.RefreshPresence(c.userID)
	return nil
}

// WritePump pumps messages from the hub to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.settings.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.settings.WriteWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// one event per frame so clients can parse each as JSON
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.settings.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
