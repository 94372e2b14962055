package usecase

import (
	"context"
	"time"

	ws "marketchat/internal/infrastructure/websocket"
)

// Fanout delivers encoded frames to rooms and users. The websocket manager implements it for a single
// instance and the Redis relay for several.
type Fanout interface {
	SendToChatRoom(ctx context.Context, roomID string, frame []byte, excludeConnID string)
	SendToUser(ctx context.Context, userID string, frame []byte)
}

// RoomHub is the local subscription and typing state of this instance.
type RoomHub interface {
	Join(c *ws.Connection, roomID string) bool
	Leave(c *ws.Connection, roomID string)
	SetTyping(c *ws.Connection, roomID string, isTyping bool)
}

type RateLimiter interface {
	Allow(key, action string) (bool, time.Duration)
}
