package repository

import (
	"context"
	"time"

	"marketchat/internal/domain/entity"
)

// ChatRepository is the persistence gateway for rooms and messages.
//
// Implementations report a missing record with errors.NotFound and a create on an existing id with
// errors.Conflict. Any other failure is returned as errors.Persistence.
type ChatRepository interface {
	CreateChat(ctx context.Context, chat *entity.Chat) error
	GetChat(ctx context.Context, id string) (*entity.Chat, error)
	ListChatsByUser(ctx context.Context, userID string, limit, offset int) ([]*entity.Chat, int64, error)
	// UpdateChatSummary applies patch and returns the updated room.
	UpdateChatSummary(ctx context.Context, roomID string, patch entity.ChatSummaryPatch) (*entity.Chat, error)

	CreateMessage(ctx context.Context, message *entity.Message) error
	GetMessage(ctx context.Context, roomID, messageID string) (*entity.Message, error)
	// FindMessagesByRoom returns messages newest first.
	FindMessagesByRoom(ctx context.Context, roomID string, limit, offset int) ([]*entity.Message, int64, error)
	// MarkMessagesRead flips every unread message addressed to reader and returns how many changed.
	MarkMessagesRead(ctx context.Context, roomID string, reader entity.Role, readAt time.Time) (int, error)
	PurgeExpiredMessages(ctx context.Context, before time.Time) (int, error)
}
