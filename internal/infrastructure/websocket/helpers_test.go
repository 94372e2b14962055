package websocket

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketchat/internal/domain/entity"
	"marketchat/pkg/config"
	"marketchat/pkg/errors"
)

type receivedFrame struct {
	Type string          `json:"type"`
	Ref  string          `json:"ref"`
	Data json.RawMessage `json:"data"`
}

func testConnection(userID string, role entity.Role, buffer int) *Connection {
	return newConnection(&entity.Identity{UserID: userID, Role: role}, nil, buffer)
}

// next reads one queued frame or fails after a short wait.
func next(t *testing.T, c *Connection) receivedFrame {
	t.Helper()
	select {
	case raw, ok := <-c.Outbox():
		require.True(t, ok, "outbox closed")
		var f receivedFrame
		require.NoError(t, json.Unmarshal(raw, &f))
		return f
	case <-time.After(time.Second):
		t.Fatalf("no frame for connection %s", c.ID)
		return receivedFrame{}
	}
}

func assertEmpty(t *testing.T, c *Connection) {
	t.Helper()
	select {
	case raw := <-c.Outbox():
		t.Fatalf("unexpected frame: %s", raw)
	default:
	}
}

type fakeVerifier struct {
	identities map[string]*entity.Identity
	err        error
}

func (f *fakeVerifier) VerifyToken(ctx context.Context, token string) (*entity.Identity, error) {
	if f.err != nil {
		return nil, f.err
	}
	id, ok := f.identities[token]
	if !ok {
		return nil, errors.Unauthorized("Invalid token", nil)
	}
	return id, nil
}

func testManager(grace, typing time.Duration, buffer int, tokens map[string]*entity.Identity) *Manager {
	return NewManager(
		config.WebSocketConfig{HandshakeTimeout: time.Second, SendBuffer: buffer},
		config.ChatConfig{PresenceGrace: grace, TypingTimeout: typing},
		&fakeVerifier{identities: tokens},
	)
}

type statusEvent struct {
	UserID string
	Online bool
}

type typingEvent struct {
	RoomID   string
	UserID   string
	IsTyping bool
	Exclude  string
}

type recordingNotifier struct {
	mu     sync.Mutex
	status []statusEvent
	typing []typingEvent
}

func (n *recordingNotifier) UserStatusChanged(ctx context.Context, userID string, online bool, lastSeen time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.status = append(n.status, statusEvent{UserID: userID, Online: online})
}

func (n *recordingNotifier) TypingChanged(ctx context.Context, roomID, userID string, isTyping bool, excludeConnID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.typing = append(n.typing, typingEvent{RoomID: roomID, UserID: userID, IsTyping: isTyping, Exclude: excludeConnID})
}

func (n *recordingNotifier) statusEvents() []statusEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]statusEvent(nil), n.status...)
}

func (n *recordingNotifier) typingEvents() []typingEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]typingEvent(nil), n.typing...)
}

func startTracker(t *testing.T, p *PresenceTracker) *recordingNotifier {
	n := &recordingNotifier{}
	p.SetNotifier(n)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go p.Run(ctx)
	return n
}

type sharedPresence struct {
	mu      sync.Mutex
	members map[string]map[string]bool // user id -> instance ids
}

func newSharedPresence() *sharedPresence {
	return &sharedPresence{members: make(map[string]map[string]bool)}
}

func (s *sharedPresence) instance(id string) PresenceStore {
	return &instanceStore{shared: s, id: id}
}

func (s *sharedPresence) count(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.members[userID])
}

type instanceStore struct {
	shared *sharedPresence
	id     string
}

func (s *instanceStore) MarkOnline(ctx context.Context, userID string) (bool, error) {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()
	set, ok := s.shared.members[userID]
	if !ok {
		set = make(map[string]bool)
		s.shared.members[userID] = set
	}
	first := len(set) == 0
	set[s.id] = true
	return first, nil
}

func (s *instanceStore) MarkOffline(ctx context.Context, userID string) (bool, error) {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()
	delete(s.shared.members[userID], s.id)
	return len(s.shared.members[userID]) == 0, nil
}

func (s *instanceStore) Refresh(ctx context.Context, userIDs []string) error { return nil }

type failingStore struct{}

func (failingStore) MarkOnline(ctx context.Context, userID string) (bool, error) {
	return false, stderrors.New("store down")
}

func (failingStore) MarkOffline(ctx context.Context, userID string) (bool, error) {
	return false, stderrors.New("store down")
}

func (failingStore) Refresh(ctx context.Context, userIDs []string) error { return nil }
