package repository

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"marketchat/internal/domain/entity"
	"marketchat/internal/domain/repository"
	"marketchat/pkg/errors"
	"marketchat/pkg/logger"
)

const (
	chatsCollection    = "chats"
	messagesCollection = "messages"
)

type firestoreChatRepository struct {
	client *firestore.Client
}

// NewFirestoreChatRepository stores rooms under chats/{roomID} and their messages in the
// chats/{roomID}/messages subcollection.
func NewFirestoreChatRepository(client *firestore.Client) repository.ChatRepository {
	return &firestoreChatRepository{
		client: client,
	}
}

func (r *firestoreChatRepository) chats() *firestore.CollectionRef {
	return r.client.Collection(chatsCollection)
}

func (r *firestoreChatRepository) messages(roomID string) *firestore.CollectionRef {
	return r.chats().Doc(roomID).Collection(messagesCollection)
}

func (r *firestoreChatRepository) CreateChat(ctx context.Context, chat *entity.Chat) error {
	_, err := r.chats().Doc(chat.ID).Create(ctx, chat)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return errors.Conflict("Chat already exists", err)
		}
		return errors.Persistence("Failed to create chat", err)
	}
	return nil
}

func (r *firestoreChatRepository) GetChat(ctx context.Context, id string) (*entity.Chat, error) {
	doc, err := r.chats().Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, errors.NotFound("Chat", err)
		}
		return nil, errors.Persistence("Failed to get chat", err)
	}

	var chat entity.Chat
	if err := doc.DataTo(&chat); err != nil {
		return nil, errors.Persistence("Failed to parse chat data", err)
	}
	return &chat, nil
}

func (r *firestoreChatRepository) ListChatsByUser(ctx context.Context, userID string, limit, offset int) ([]*entity.Chat, int64, error) {
	query := r.chats().Where("participants", "array-contains", userID)

	total, err := count(ctx, query)
	if err != nil {
		return nil, 0, errors.Persistence("Failed to count chats", err)
	}

	paged := query.OrderBy("updatedAt", firestore.Desc)
	if offset > 0 {
		paged = paged.Offset(offset)
	}
	if limit > 0 {
		paged = paged.Limit(limit)
	}

	iter := paged.Documents(ctx)
	defer iter.Stop()

	var chats []*entity.Chat
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, 0, errors.Persistence("Failed to iterate chats", err)
		}

		var chat entity.Chat
		if err := doc.DataTo(&chat); err != nil {
			logger.L().Warn().Err(err).Str(logger.FieldUserID, userID).Str("doc", doc.Ref.ID).Msg("skipping unreadable chat document")
			continue
		}
		chats = append(chats, &chat)
	}
	return chats, total, nil
}

func (r *firestoreChatRepository) UpdateChatSummary(ctx context.Context, roomID string, patch entity.ChatSummaryPatch) (*entity.Chat, error) {
	updates := []firestore.Update{{Path: "updatedAt", Value: firestore.ServerTimestamp}}

	if patch.LastMessage != nil {
		updates = append(updates, firestore.Update{Path: "lastMessage", Value: *patch.LastMessage})
	}
	if patch.LastMessageAt != nil {
		updates = append(updates, firestore.Update{Path: "lastMessageAt", Value: *patch.LastMessageAt})
	}
	if patch.LastSenderID != nil {
		updates = append(updates, firestore.Update{Path: "lastSenderId", Value: *patch.LastSenderID})
	}
	for _, party := range patch.IncrementUnread {
		updates = append(updates, firestore.Update{FieldPath: firestore.FieldPath{"unreadCount", string(party)}, Value: firestore.Increment(1)})
	}
	for _, party := range patch.ResetUnread {
		updates = append(updates, firestore.Update{FieldPath: firestore.FieldPath{"unreadCount", string(party)}, Value: 0})
	}
	if patch.Active != nil {
		updates = append(updates, firestore.Update{Path: "active", Value: *patch.Active})
	}
	if patch.Escalated != nil {
		updates = append(updates, firestore.Update{Path: "escalated", Value: *patch.Escalated})
	}
	if patch.EscalatedBy != nil {
		updates = append(updates, firestore.Update{Path: "escalatedBy", Value: *patch.EscalatedBy})
	}
	if patch.EscalatedAt != nil {
		updates = append(updates, firestore.Update{Path: "escalatedAt", Value: *patch.EscalatedAt})
	}

	if _, err := r.chats().Doc(roomID).Update(ctx, updates); err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, errors.NotFound("Chat", err)
		}
		return nil, errors.Persistence("Failed to update chat summary", err)
	}
	return r.GetChat(ctx, roomID)
}

func (r *firestoreChatRepository) CreateMessage(ctx context.Context, message *entity.Message) error {
	_, err := r.messages(message.ChatID).Doc(message.ID).Create(ctx, message)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return errors.Conflict("Message already exists", err)
		}
		return errors.Persistence("Failed to create message", err)
	}
	return nil
}

func (r *firestoreChatRepository) GetMessage(ctx context.Context, roomID, messageID string) (*entity.Message, error) {
	doc, err := r.messages(roomID).Doc(messageID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, errors.NotFound("Message", err)
		}
		return nil, errors.Persistence("Failed to get message", err)
	}

	var message entity.Message
	if err := doc.DataTo(&message); err != nil {
		return nil, errors.Persistence("Failed to parse message data", err)
	}
	return &message, nil
}

func (r *firestoreChatRepository) FindMessagesByRoom(ctx context.Context, roomID string, limit, offset int) ([]*entity.Message, int64, error) {
	query := r.messages(roomID).Query

	total, err := count(ctx, query)
	if err != nil {
		return nil, 0, errors.Persistence("Failed to count messages", err)
	}

	paged := query.OrderBy("createdAt", firestore.Desc)
	if offset > 0 {
		paged = paged.Offset(offset)
	}
	if limit > 0 {
		paged = paged.Limit(limit)
	}

	iter := paged.Documents(ctx)
	defer iter.Stop()

	now := time.Now()
	var messages []*entity.Message
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, 0, errors.Persistence("Failed to iterate messages", err)
		}

		var message entity.Message
		if err := doc.DataTo(&message); err != nil {
			return nil, 0, errors.Persistence("Failed to parse message data", err)
		}
		// TTL deletion in Firestore is lazy, so expired documents can still be returned for a while.
		if message.Expired(now) {
			continue
		}
		messages = append(messages, &message)
	}
	return messages, total, nil
}

func (r *firestoreChatRepository) MarkMessagesRead(ctx context.Context, roomID string, reader entity.Role, readAt time.Time) (int, error) {
	iter := r.messages(roomID).Where("read", "==", false).Documents(ctx)
	defer iter.Stop()

	bw := r.client.BulkWriter(ctx)
	var jobs []*firestore.BulkWriterJob
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			bw.End()
			return 0, errors.Persistence("Failed to query unread messages", err)
		}

		senderRole, _ := doc.Data()["senderRole"].(string)
		if entity.Role(senderRole) == reader {
			continue
		}

		job, err := bw.Update(doc.Ref, []firestore.Update{
			{Path: "read", Value: true},
			{Path: "readAt", Value: readAt},
		})
		if err != nil {
			bw.End()
			return 0, errors.Persistence("Failed to queue read update", err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	changed := 0
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			return changed, errors.Persistence("Failed to mark message as read", err)
		}
		changed++
	}
	return changed, nil
}

func (r *firestoreChatRepository) PurgeExpiredMessages(ctx context.Context, before time.Time) (int, error) {
	iter := r.client.CollectionGroup(messagesCollection).Where("expiresAt", "<=", before).Documents(ctx)
	defer iter.Stop()

	bw := r.client.BulkWriter(ctx)
	var jobs []*firestore.BulkWriterJob
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			bw.End()
			return 0, errors.Persistence("Failed to query expired messages", err)
		}
		job, err := bw.Delete(doc.Ref)
		if err != nil {
			bw.End()
			return 0, errors.Persistence("Failed to queue message deletion", err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	purged := 0
	for _, job := range jobs {
		if _, err := job.Results(); err == nil {
			purged++
		}
	}
	return purged, nil
}

func count(ctx context.Context, query firestore.Query) (int64, error) {
	res, err := query.NewAggregationQuery().WithCount("total").Get(ctx)
	if err != nil {
		return 0, err
	}
	v, ok := res["total"].(*firestorepb.Value)
	if !ok {
		return 0, nil
	}
	return v.GetIntegerValue(), nil
}
