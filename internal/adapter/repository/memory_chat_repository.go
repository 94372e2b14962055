package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"marketchat/internal/domain/entity"
	"marketchat/internal/domain/repository"
	"marketchat/pkg/errors"
)

type memoryChatRepository struct {
	mu       sync.RWMutex
	chats    map[string]*entity.Chat
	messages map[string][]*entity.Message // room id -> messages in insertion order
	now      func() time.Time
}

// NewMemoryChatRepository keeps rooms and messages in process memory. It backs STORE_DRIVER=memory and
// the tests.
func NewMemoryChatRepository() repository.ChatRepository {
	return &memoryChatRepository{
		chats:    make(map[string]*entity.Chat),
		messages: make(map[string][]*entity.Message),
		now:      time.Now,
	}
}

func (r *memoryChatRepository) CreateChat(ctx context.Context, chat *entity.Chat) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.chats[chat.ID]; ok {
		return errors.Conflict("Chat already exists", nil)
	}
	r.chats[chat.ID] = cloneChat(chat)
	return nil
}

func (r *memoryChatRepository) GetChat(ctx context.Context, id string) (*entity.Chat, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chat, ok := r.chats[id]
	if !ok {
		return nil, errors.NotFound("Chat", nil)
	}
	return cloneChat(chat), nil
}

func (r *memoryChatRepository) ListChatsByUser(ctx context.Context, userID string, limit, offset int) ([]*entity.Chat, int64, error) {
	r.mu.RLock()
	var all []*entity.Chat
	for _, chat := range r.chats {
		if chat.BuyerID == userID || chat.SellerID == userID {
			all = append(all, cloneChat(chat))
		}
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].UpdatedAt.After(all[j].UpdatedAt)
	})
	return page(all, limit, offset), int64(len(all)), nil
}

func (r *memoryChatRepository) UpdateChatSummary(ctx context.Context, roomID string, patch entity.ChatSummaryPatch) (*entity.Chat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	chat, ok := r.chats[roomID]
	if !ok {
		return nil, errors.NotFound("Chat", nil)
	}
	chat.Apply(patch, r.now())
	return cloneChat(chat), nil
}

func (r *memoryChatRepository) CreateMessage(ctx context.Context, message *entity.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range r.messages[message.ChatID] {
		if m.ID == message.ID {
			return errors.Conflict("Message already exists", nil)
		}
	}
	r.messages[message.ChatID] = append(r.messages[message.ChatID], cloneMessage(message))
	return nil
}

func (r *memoryChatRepository) GetMessage(ctx context.Context, roomID, messageID string) (*entity.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.messages[roomID] {
		if m.ID == messageID {
			return cloneMessage(m), nil
		}
	}
	return nil, errors.NotFound("Message", nil)
}

func (r *memoryChatRepository) FindMessagesByRoom(ctx context.Context, roomID string, limit, offset int) ([]*entity.Message, int64, error) {
	now := r.now()

	r.mu.RLock()
	stored := r.messages[roomID]
	live := make([]*entity.Message, 0, len(stored))
	for i := len(stored) - 1; i >= 0; i-- {
		if !stored[i].Expired(now) {
			live = append(live, cloneMessage(stored[i]))
		}
	}
	r.mu.RUnlock()

	return page(live, limit, offset), int64(len(live)), nil
}

func (r *memoryChatRepository) MarkMessagesRead(ctx context.Context, roomID string, reader entity.Role, readAt time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := 0
	for _, m := range r.messages[roomID] {
		if m.Read || !m.AddressedTo(reader) {
			continue
		}
		t := readAt
		m.Read = true
		m.ReadAt = &t
		changed++
	}
	return changed, nil
}

func (r *memoryChatRepository) PurgeExpiredMessages(ctx context.Context, before time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	purged := 0
	for roomID, msgs := range r.messages {
		kept := msgs[:0]
		for _, m := range msgs {
			if m.Expired(before) {
				purged++
				continue
			}
			kept = append(kept, m)
		}
		r.messages[roomID] = kept
	}
	return purged, nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}

func cloneChat(c *entity.Chat) *entity.Chat {
	out := *c
	out.Participants = append([]string(nil), c.Participants...)
	out.UnreadCount = make(map[string]int, len(c.UnreadCount))
	for k, v := range c.UnreadCount {
		out.UnreadCount[k] = v
	}
	return &out
}

func cloneMessage(m *entity.Message) *entity.Message {
	out := *m
	if m.Attachment != nil {
		att := *m.Attachment
		out.Attachment = &att
	}
	if m.ReadAt != nil {
		t := *m.ReadAt
		out.ReadAt = &t
	}
	if m.ExpiresAt != nil {
		t := *m.ExpiresAt
		out.ExpiresAt = &t
	}
	return &out
}
