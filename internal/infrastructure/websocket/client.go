package websocket

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"marketchat/internal/domain/entity"
	"marketchat/pkg/config"
	"marketchat/pkg/logger"
)

// Connection is one live transport session of an authenticated user.
type Connection struct {
	ID              string
	UserID          string
	Role            entity.Role
	AuthenticatedAt time.Time

	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
	rooms  map[string]struct{}
}

func newConnection(identity *entity.Identity, conn *websocket.Conn, buffer int) *Connection {
	if buffer <= 0 {
		buffer = 256
	}
	return &Connection{
		ID:              uuid.NewString(),
		UserID:          identity.UserID,
		Role:            identity.Role,
		AuthenticatedAt: time.Now(),
		conn:            conn,
		send:            make(chan []byte, buffer),
		rooms:           make(map[string]struct{}),
	}
}

// Outbox exposes queued frames. The write pump drains it; tests read it directly.
func (c *Connection) Outbox() <-chan []byte {
	return c.send
}

// enqueue never blocks. It reports false when the connection is closed or its buffer is full.
func (c *Connection) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Send encodes and queues a single event for this connection only.
func (c *Connection) Send(eventType, ref string, data interface{}) bool {
	frame, err := Encode(eventType, ref, data)
	if err != nil {
		logger.L().Error().Err(err).Str(logger.FieldConnID, c.ID).Str(logger.FieldEvent, eventType).Msg("failed to encode event")
		return false
	}
	return c.enqueue(frame)
}

func (c *Connection) close() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	c.closed = true
	close(c.send)
	return true
}

func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// addRoom records roomID unless the connection is already closed.
func (c *Connection) addRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.rooms[roomID] = struct{}{}
	return true
}

func (c *Connection) removeRoom(roomID string) {
	c.mu.Lock()
	delete(c.rooms, roomID)
	c.mu.Unlock()
}

func (c *Connection) InRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[roomID]
	return ok
}

// Rooms returns the joined room ids in a stable order.
func (c *Connection) Rooms() []string {
	c.mu.Lock()
	rooms := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	c.mu.Unlock()

	sort.Strings(rooms)
	return rooms
}

// ReadPump hands every inbound frame to handle, one at a time, until the transport fails. It returns the
// disconnect reason.
func (c *Connection) ReadPump(cfg config.WebSocketConfig, handle func(*Connection, []byte)) string {
	c.conn.SetReadLimit(cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return readFailureReason(err, c)
		}
		handle(c, message)
	}
}

// WritePump writes queued frames and keepalive pings until the outbox is closed or a write fails.
func (c *Connection) WritePump(cfg config.WebSocketConfig) {
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.L().Debug().Err(err).Str(logger.FieldConnID, c.ID).Msg("websocket write failed")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func readFailureReason(err error, c *Connection) string {
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		return ReasonClientClosed
	case websocket.IsCloseError(err, websocket.CloseMessageTooBig) || err == websocket.ErrReadLimit:
		return ReasonMessageTooBig
	}
	if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
		return ReasonTimeout
	}
	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
		logger.L().Warn().Err(err).Str(logger.FieldConnID, c.ID).Msg("websocket read error")
	}
	return ReasonTransportError
}
