package websocket

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketchat/internal/domain/entity"
	"marketchat/pkg/config"
	"marketchat/pkg/errors"
)

var testTokens = map[string]*entity.Identity{
	"buyer-token":  {UserID: "buyer-1", Role: entity.RoleBuyer},
	"seller-token": {UserID: "seller-1", Role: entity.RoleSeller},
	"empty-token":  {UserID: "", Role: entity.RoleBuyer},
}

func TestManager_Authenticate(t *testing.T) {
	m := testManager(0, time.Second, 8, testTokens)
	ctx := context.Background()

	identity, err := m.Authenticate(ctx, " buyer-token ")
	require.NoError(t, err)
	assert.Equal(t, "buyer-1", identity.UserID)
	assert.Equal(t, entity.RoleBuyer, identity.Role)

	for _, token := range []string{"", "   ", "unknown", "empty-token"} {
		_, err := m.Authenticate(ctx, token)
		assert.True(t, errors.Is(err, errors.CodeUnauthorized), "token %q", token)
	}
	assert.Equal(t, 0, m.Stats().Connections)
}

func TestManager_AuthenticateWrapsBridgeFailures(t *testing.T) {
	m := NewManager(
		config.WebSocketConfig{HandshakeTimeout: time.Second},
		config.ChatConfig{},
		&fakeVerifier{err: stderrors.New("bridge down")},
	)

	_, err := m.Authenticate(context.Background(), "anything")
	assert.True(t, errors.Is(err, errors.CodeUnauthorized))
}

func TestManager_ConnectAndDisconnect(t *testing.T) {
	m := testManager(0, time.Second, 8, testTokens)
	n := &recordingNotifier{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, n)

	phone, err := m.Connect(ctx, "buyer-token")
	require.NoError(t, err)
	laptop, err := m.Connect(ctx, "buyer-token")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(n.statusEvents()) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Len(t, m.Lookup("buyer-1"), 2)
	assert.Equal(t, Stats{Connections: 2, Users: 1, OnlineUsers: 1, Rooms: 0}, m.Stats())

	m.Join(phone, "room-1")
	assert.Equal(t, 1, m.Stats().Rooms)

	m.Disconnect(phone.ID, ReasonClientClosed)
	m.Disconnect(phone.ID, ReasonClientClosed)
	assert.True(t, phone.Closed())
	assert.False(t, phone.InRoom("room-1"))
	assert.Equal(t, 0, m.Stats().Rooms)

	_, ok := m.Get(phone.ID)
	assert.False(t, ok)
	online, _ := m.Presence().Status("buyer-1")
	assert.True(t, online)

	m.Disconnect(laptop.ID, ReasonTimeout)
	assert.Empty(t, m.Lookup("buyer-1"))

	assert.Eventually(t, func() bool {
		return len(n.statusEvents()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []statusEvent{{UserID: "buyer-1", Online: true}, {UserID: "buyer-1", Online: false}}, n.statusEvents())
}

func TestManager_SendToUserReachesEveryDevice(t *testing.T) {
	m := testManager(0, time.Second, 8, testTokens)
	ctx := context.Background()

	a, _ := m.Connect(ctx, "seller-token")
	b, _ := m.Connect(ctx, "seller-token")
	other, _ := m.Connect(ctx, "buyer-token")

	m.SendToUser(ctx, "seller-1", []byte(`{"type":"chat_updated"}`))

	assert.Equal(t, "chat_updated", next(t, a).Type)
	assert.Equal(t, "chat_updated", next(t, b).Type)
	assertEmpty(t, other)
}

func TestManager_SlowConsumerIsDisconnected(t *testing.T) {
	m := testManager(0, time.Second, 1, testTokens)
	ctx := context.Background()

	slow, _ := m.Connect(ctx, "seller-token")
	sender, _ := m.Connect(ctx, "buyer-token")
	m.Join(slow, "room-1")
	m.Join(sender, "room-1")

	m.SendToChatRoom(ctx, "room-1", []byte(`{"type":"a"}`), sender.ID)
	m.SendToChatRoom(ctx, "room-1", []byte(`{"type":"b"}`), sender.ID)

	_, ok := m.Get(slow.ID)
	assert.False(t, ok)
	assert.True(t, slow.Closed())
	assert.False(t, slow.Send(EventPong, "", nil))

	// the sender is untouched
	_, ok = m.Get(sender.ID)
	assert.True(t, ok)
	assert.Equal(t, []string{sender.ID}, m.Router().Subscribers("room-1"))
}

func TestManager_JoinAfterPruneDoesNotResubscribe(t *testing.T) {
	m := testManager(0, time.Second, 1, testTokens)
	ctx := context.Background()

	c, err := m.Connect(ctx, "seller-token")
	require.NoError(t, err)

	// the join of a read pump that was still in flight when the connection got pruned
	m.Disconnect(c.ID, ReasonSlowConsumer)
	assert.False(t, m.Join(c, "room-1"))

	for i := 0; i < 3; i++ {
		m.SendToChatRoom(ctx, "room-1", []byte(`{"type":"a"}`), "")
	}
	assert.Empty(t, m.Router().Subscribers("room-1"))
	assert.Equal(t, 0, m.Stats().Rooms)
}

func TestManager_CloseAll(t *testing.T) {
	m := testManager(0, time.Second, 8, testTokens)
	ctx := context.Background()

	a, _ := m.Connect(ctx, "seller-token")
	b, _ := m.Connect(ctx, "buyer-token")

	m.CloseAll()

	assert.True(t, a.Closed())
	assert.True(t, b.Closed())
	assert.Equal(t, 0, m.Stats().Connections)
}
