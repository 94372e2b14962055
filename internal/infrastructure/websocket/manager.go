package websocket

import (
	"context"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"marketchat/internal/domain/entity"
	"marketchat/internal/domain/service"
	"marketchat/pkg/config"
	"marketchat/pkg/errors"
	"marketchat/pkg/logger"
)

// Disconnect reasons
const (
	ReasonClientClosed   = "client_closed"
	ReasonTimeout        = "timeout"
	ReasonTransportError = "transport_error"
	ReasonMessageTooBig  = "message_too_big"
	ReasonSlowConsumer   = "slow_consumer"
	ReasonKicked         = "kicked"
	ReasonShutdown       = "shutdown"
)

// Manager is the connection registry. It authenticates handshakes, tracks userId to live connections and
// drives presence on the first and last connection of each user.
type Manager struct {
	cfg      config.WebSocketConfig
	verifier service.IdentityVerifier

	mu     sync.RWMutex
	conns  map[string]*Connection
	byUser map[string]map[string]*Connection

	router   *RoomRouter
	presence *PresenceTracker
}

func NewManager(cfg config.WebSocketConfig, chatCfg config.ChatConfig, verifier service.IdentityVerifier) *Manager {
	m := &Manager{
		cfg:      cfg,
		verifier: verifier,
		conns:    make(map[string]*Connection),
		byUser:   make(map[string]map[string]*Connection),
		presence: NewPresenceTracker(chatCfg.PresenceGrace, chatCfg.TypingTimeout),
	}
	m.router = NewRoomRouter(func(c *Connection) {
		m.Disconnect(c.ID, ReasonSlowConsumer)
	})
	return m
}

// Start runs the presence dispatcher until ctx is done.
func (m *Manager) Start(ctx context.Context, notifier PresenceNotifier) {
	m.presence.SetNotifier(notifier)
	go m.presence.Run(ctx)
}

func (m *Manager) Router() *RoomRouter {
	return m.router
}

func (m *Manager) Presence() *PresenceTracker {
	return m.presence
}

// Authenticate verifies a handshake token within the handshake timeout. Any failure is an
// UNAUTHORIZED error and no connection is admitted.
func (m *Manager) Authenticate(ctx context.Context, token string) (*entity.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.Unauthorized("Missing token", nil)
	}

	if m.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
		defer cancel()
	}

	identity, err := m.verifier.VerifyToken(ctx, token)
	if err != nil {
		if errors.Is(err, errors.CodeUnauthorized) {
			return nil, err
		}
		return nil, errors.Unauthorized("Invalid or expired token", err)
	}
	if identity == nil || identity.UserID == "" {
		return nil, errors.Unauthorized("Token carries no user", nil)
	}
	return identity, nil
}

// Connect authenticates token and registers a connection without a transport attached.
func (m *Manager) Connect(ctx context.Context, token string) (*Connection, error) {
	identity, err := m.Authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	return m.Register(identity, nil), nil
}

// Register admits an already authenticated identity.
func (m *Manager) Register(identity *entity.Identity, conn *websocket.Conn) *Connection {
	c := newConnection(identity, conn, m.cfg.SendBuffer)

	m.mu.Lock()
	m.conns[c.ID] = c
	devices, ok := m.byUser[c.UserID]
	if !ok {
		devices = make(map[string]*Connection)
		m.byUser[c.UserID] = devices
	}
	devices[c.ID] = c
	m.mu.Unlock()

	m.presence.Connected(c.UserID)

	logger.L().Info().
		Str(logger.FieldConnID, c.ID).
		Str(logger.FieldUserID, c.UserID).
		Str(logger.FieldRole, string(c.Role)).
		Msg("connection registered")
	return c
}

// Disconnect removes a connection from every room and the registry. Calling it again is a no-op.
func (m *Manager) Disconnect(connID, reason string) {
	m.mu.Lock()
	c, ok := m.conns[connID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.conns, connID)
	if devices, ok := m.byUser[c.UserID]; ok {
		delete(devices, connID)
		if len(devices) == 0 {
			delete(m.byUser, c.UserID)
		}
	}
	m.mu.Unlock()

	m.router.LeaveAll(c)
	c.close()
	m.presence.Disconnected(c.UserID)

	logger.L().Info().
		Str(logger.FieldConnID, c.ID).
		Str(logger.FieldUserID, c.UserID).
		Str(logger.FieldReason, reason).
		Msg("connection closed")
}

// Lookup returns the live connections of userID. An empty result means the user is offline here.
func (m *Manager) Lookup(userID string) []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	devices := m.byUser[userID]
	out := make([]*Connection, 0, len(devices))
	for _, c := range devices {
		out = append(out, c)
	}
	return out
}

func (m *Manager) Get(connID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[connID]
	return c, ok
}

// Join subscribes c to roomID. Authorization is the caller's job.
func (m *Manager) Join(c *Connection, roomID string) bool {
	return m.router.Join(c, roomID)
}

func (m *Manager) Leave(c *Connection, roomID string) {
	m.router.Leave(c, roomID)
}

func (m *Manager) SetTyping(c *Connection, roomID string, isTyping bool) {
	m.presence.SetTyping(c.UserID, roomID, c.ID, isTyping)
}

// SendToChatRoom queues frame to the local subscribers of roomID.
func (m *Manager) SendToChatRoom(ctx context.Context, roomID string, frame []byte, excludeConnID string) {
	m.router.Broadcast(roomID, frame, excludeConnID)
}

// SendToUser queues frame to every local connection of userID.
func (m *Manager) SendToUser(ctx context.Context, userID string, frame []byte) {
	var dead []*Connection
	for _, c := range m.Lookup(userID) {
		if !c.enqueue(frame) {
			dead = append(dead, c)
		}
	}
	for _, c := range dead {
		m.Disconnect(c.ID, ReasonSlowConsumer)
	}
}

// Serve runs the transport pumps of c and blocks until the connection ends.
func (m *Manager) Serve(c *Connection, handle func(*Connection, []byte)) {
	go c.WritePump(m.cfg)
	reason := c.ReadPump(m.cfg, handle)
	m.Disconnect(c.ID, reason)
}

// CloseAll disconnects every connection, used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Disconnect(id, ReasonShutdown)
	}
}

type Stats struct {
	Connections int `json:"connections"`
	Users       int `json:"users"`
	OnlineUsers int `json:"online_users"`
	Rooms       int `json:"rooms"`
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	s := Stats{Connections: len(m.conns), Users: len(m.byUser)}
	m.mu.RUnlock()

	s.OnlineUsers = m.presence.OnlineUsers()
	s.Rooms = m.router.RoomCount()
	return s
}
