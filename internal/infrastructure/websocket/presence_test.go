package websocket

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresence_OfflineOnlyAfterLastDisconnect(t *testing.T) {
	p := NewPresenceTracker(20*time.Millisecond, time.Second)
	n := startTracker(t, p)

	p.Connected("seller-1")
	p.Connected("seller-1")
	p.Disconnected("seller-1")

	time.Sleep(60 * time.Millisecond)
	online, _ := p.Status("seller-1")
	assert.True(t, online)
	assert.Equal(t, []statusEvent{{UserID: "seller-1", Online: true}}, n.statusEvents())

	p.Disconnected("seller-1")

	assert.Eventually(t, func() bool {
		return len(n.statusEvents()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, statusEvent{UserID: "seller-1", Online: false}, n.statusEvents()[1])

	online, lastSeen := p.Status("seller-1")
	assert.False(t, online)
	require.NotNil(t, lastSeen)
}

func TestPresence_ReconnectWithinGraceDoesNotFlicker(t *testing.T) {
	p := NewPresenceTracker(50*time.Millisecond, time.Second)
	n := startTracker(t, p)

	p.Connected("buyer-1")
	p.Disconnected("buyer-1")
	p.Connected("buyer-1")

	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, []statusEvent{{UserID: "buyer-1", Online: true}}, n.statusEvents())
	assert.Equal(t, 1, p.OnlineUsers())
}

func TestPresence_NoGraceGoesOfflineImmediately(t *testing.T) {
	p := NewPresenceTracker(0, time.Second)
	n := startTracker(t, p)

	p.Connected("buyer-1")
	require.Eventually(t, func() bool {
		return len(n.statusEvents()) == 1
	}, time.Second, 5*time.Millisecond)

	p.Disconnected("buyer-1")
	p.Disconnected("buyer-1")

	assert.Eventually(t, func() bool {
		return len(n.statusEvents()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, statusEvent{UserID: "buyer-1", Online: false}, n.statusEvents()[1])
	assert.Equal(t, 0, p.OnlineUsers())
}

func TestPresence_OfflineSurvivesFullTypingQueue(t *testing.T) {
	p := NewPresenceTracker(0, time.Minute)

	p.Connected("victim")
	for i := 0; i < 1100; i++ {
		p.SetTyping("victim", "room-1", "conn-1", i%2 == 0)
	}
	p.Disconnected("victim")

	n := startTracker(t, p)

	assert.Eventually(t, func() bool {
		events := n.statusEvents()
		return len(events) > 0 && events[len(events)-1] == statusEvent{UserID: "victim", Online: false}
	}, time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, len(n.typingEvents()), 1024)
}

func TestPresence_StatusBacklogKeepsLatestPerUser(t *testing.T) {
	p := NewPresenceTracker(0, time.Minute)

	for i := 0; i < 2000; i++ {
		p.Connected(fmt.Sprintf("user-%d", i))
	}
	p.Disconnected("user-7")

	n := startTracker(t, p)

	assert.Eventually(t, func() bool {
		return len(n.statusEvents()) == 2000
	}, 2*time.Second, 5*time.Millisecond)

	events := n.statusEvents()
	assert.Equal(t, statusEvent{UserID: "user-0", Online: true}, events[0])
	assert.Contains(t, events, statusEvent{UserID: "user-7", Online: false})
	assert.NotContains(t, events, statusEvent{UserID: "user-7", Online: true})
}

func TestPresence_LastSeenClearedOnReconnect(t *testing.T) {
	p := NewPresenceTracker(0, time.Minute)

	p.Connected("buyer-1")
	p.Disconnected("buyer-1")
	_, lastSeen := p.Status("buyer-1")
	require.NotNil(t, lastSeen)

	p.Connected("buyer-1")
	p.mu.Lock()
	_, kept := p.lastSeen["buyer-1"]
	p.mu.Unlock()
	assert.False(t, kept)
}

func TestPresence_PruneLastSeen(t *testing.T) {
	p := NewPresenceTracker(0, time.Minute)
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return clock }

	p.Connected("old")
	p.Disconnected("old")
	clock = clock.Add(lastSeenRetention - time.Minute)
	p.Connected("recent")
	p.Disconnected("recent")

	clock = clock.Add(2 * time.Minute)
	p.pruneLastSeen()

	_, lastSeen := p.Status("old")
	assert.Nil(t, lastSeen)
	_, lastSeen = p.Status("recent")
	assert.NotNil(t, lastSeen)
}

func TestPresence_SharedStoreEmitsGlobalTransitionsOnly(t *testing.T) {
	shared := newSharedPresence()
	a := NewPresenceTracker(0, time.Minute)
	a.SetStore(shared.instance("a"))
	b := NewPresenceTracker(0, time.Minute)
	b.SetStore(shared.instance("b"))
	na := startTracker(t, a)
	nb := startTracker(t, b)

	a.Connected("seller-1")
	require.Eventually(t, func() bool {
		return len(na.statusEvents()) == 1
	}, time.Second, 5*time.Millisecond)

	b.Connected("seller-1")
	require.Eventually(t, func() bool {
		return shared.count("seller-1") == 2
	}, time.Second, 5*time.Millisecond)

	a.Disconnected("seller-1")
	require.Eventually(t, func() bool {
		return shared.count("seller-1") == 1
	}, time.Second, 5*time.Millisecond)

	b.Disconnected("seller-1")
	require.Eventually(t, func() bool {
		return len(nb.statusEvents()) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []statusEvent{{UserID: "seller-1", Online: true}}, na.statusEvents())
	assert.Equal(t, []statusEvent{{UserID: "seller-1", Online: false}}, nb.statusEvents())
}

func TestPresence_SharedStoreFailureFallsBackToLocal(t *testing.T) {
	p := NewPresenceTracker(0, time.Minute)
	p.SetStore(failingStore{})
	n := startTracker(t, p)

	p.Connected("buyer-1")
	require.Eventually(t, func() bool {
		return len(n.statusEvents()) == 1
	}, time.Second, 5*time.Millisecond)
	p.Disconnected("buyer-1")

	assert.Eventually(t, func() bool {
		return len(n.statusEvents()) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestPresence_TypingEmitsTransitionsOnly(t *testing.T) {
	p := NewPresenceTracker(0, time.Second)
	n := startTracker(t, p)

	p.Connected("buyer-1")
	p.SetTyping("buyer-1", "room-1", "conn-1", true)
	p.SetTyping("buyer-1", "room-1", "conn-1", true)
	p.SetTyping("buyer-1", "room-1", "conn-1", false)
	p.SetTyping("buyer-1", "room-1", "conn-1", false)

	assert.Eventually(t, func() bool {
		return len(n.typingEvents()) == 2
	}, time.Second, 5*time.Millisecond)

	events := n.typingEvents()
	assert.Equal(t, typingEvent{RoomID: "room-1", UserID: "buyer-1", IsTyping: true, Exclude: "conn-1"}, events[0])
	assert.Equal(t, typingEvent{RoomID: "room-1", UserID: "buyer-1", IsTyping: false, Exclude: "conn-1"}, events[1])
	assert.False(t, p.IsTyping("buyer-1", "room-1"))
}

func TestPresence_TypingSelfHeals(t *testing.T) {
	p := NewPresenceTracker(0, 30*time.Millisecond)
	n := startTracker(t, p)

	p.Connected("buyer-1")
	p.SetTyping("buyer-1", "room-1", "conn-1", true)
	assert.True(t, p.IsTyping("buyer-1", "room-1"))

	assert.Eventually(t, func() bool {
		return !p.IsTyping("buyer-1", "room-1")
	}, time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		return len(n.typingEvents()) == 2
	}, time.Second, 5*time.Millisecond)
	expired := n.typingEvents()[1]
	assert.False(t, expired.IsTyping)
	assert.Empty(t, expired.Exclude)
}

func TestPresence_RefreshedTypingOutlivesFirstTimer(t *testing.T) {
	p := NewPresenceTracker(0, 60*time.Millisecond)
	startTracker(t, p)

	p.Connected("buyer-1")
	p.SetTyping("buyer-1", "room-1", "conn-1", true)
	time.Sleep(40 * time.Millisecond)
	p.SetTyping("buyer-1", "room-1", "conn-1", true)
	time.Sleep(40 * time.Millisecond)

	assert.True(t, p.IsTyping("buyer-1", "room-1"))
}

func TestPresence_LastDisconnectClearsTyping(t *testing.T) {
	p := NewPresenceTracker(time.Second, time.Minute)
	n := startTracker(t, p)

	p.Connected("buyer-1")
	p.SetTyping("buyer-1", "room-1", "conn-1", true)
	p.Disconnected("buyer-1")

	assert.Eventually(t, func() bool {
		return len(n.typingEvents()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.False(t, n.typingEvents()[1].IsTyping)
	assert.False(t, p.IsTyping("buyer-1", "room-1"))
}

func TestPresence_TypingIgnoredForUnknownUser(t *testing.T) {
	p := NewPresenceTracker(0, time.Second)
	n := startTracker(t, p)

	p.SetTyping("ghost", "room-1", "conn-1", true)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, n.typingEvents())
}
