package usecase

import (
	"context"
	"strings"
	"time"

	"marketchat/internal/domain/entity"
	"marketchat/internal/domain/repository"
	"marketchat/internal/domain/service"
	"marketchat/internal/infrastructure/ratelimit"
	ws "marketchat/internal/infrastructure/websocket"
	"marketchat/pkg/errors"
	"marketchat/pkg/logger"
)

// Admin room policies
const (
	AdminPolicyEscalated = "escalated"
	AdminPolicyAny       = "any"
)

const (
	systemSenderID      = "system"
	statusFanoutPage    = 200
	escalationNoticeMsg = "This conversation was escalated to marketplace support."
)

type ChatOptions struct {
	AdminRoomPolicy  string
	MessageRetention time.Duration
}

type ChatUseCase struct {
	chatRepo    repository.ChatRepository
	hub         RoomHub
	fanout      Fanout
	attachments service.AttachmentVerifier
	rateLimiter RateLimiter
	opts        ChatOptions
	now         func() time.Time
	statusPage  int
}

func NewChatUseCase(
	chatRepo repository.ChatRepository,
	hub RoomHub,
	fanout Fanout,
	attachments service.AttachmentVerifier,
	rateLimiter RateLimiter,
	opts ChatOptions,
) *ChatUseCase {
	if opts.AdminRoomPolicy == "" {
		opts.AdminRoomPolicy = AdminPolicyEscalated
	}
	return &ChatUseCase{
		chatRepo:    chatRepo,
		hub:         hub,
		fanout:      fanout,
		attachments: attachments,
		rateLimiter: rateLimiter,
		opts:        opts,
		now:         time.Now,
		statusPage:  statusFanoutPage,
	}
}

func identityOf(c *ws.Connection) *entity.Identity {
	return &entity.Identity{UserID: c.UserID, Role: c.Role}
}

// authorize lets the two parties in, and admins when the policy allows it for this room.
func (uc *ChatUseCase) authorize(chat *entity.Chat, identity *entity.Identity) error {
	if _, ok := chat.PartyOf(identity.UserID); ok {
		return nil
	}
	if identity.Role == entity.RoleAdmin {
		if uc.opts.AdminRoomPolicy == AdminPolicyAny || chat.Escalated {
			return nil
		}
		return errors.Forbidden("Admins may only join escalated chats", nil)
	}
	return errors.Forbidden("User is not a participant in this chat", nil)
}

func (uc *ChatUseCase) partyOf(chat *entity.Chat, identity *entity.Identity) (entity.Role, error) {
	party, ok := chat.PartyOf(identity.UserID)
	if !ok {
		return "", errors.Forbidden("Only the buyer or the seller of this chat can do that", nil)
	}
	return party, nil
}

// EnsureRoom returns the room between identity and recipientID, creating it on first contact. The caller's
// role decides which side of the room it takes.
func (uc *ChatUseCase) EnsureRoom(ctx context.Context, identity *entity.Identity, recipientID string) (*entity.Chat, bool, error) {
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return nil, false, errors.Validation("recipient_id is required", nil)
	}
	if recipientID == identity.UserID {
		return nil, false, errors.Validation("Cannot open a chat with yourself", nil)
	}
	if !identity.Role.IsParty() {
		return nil, false, errors.Forbidden("Only buyers and sellers can open chats", nil)
	}

	roomID := entity.RoomIDFor(identity.UserID, recipientID)
	chat, err := uc.chatRepo.GetChat(ctx, roomID)
	if err == nil {
		return chat, false, nil
	}
	if !errors.Is(err, errors.CodeNotFound) {
		return nil, false, err
	}

	if allowed, _ := uc.rateLimiter.Allow(identity.UserID, ratelimit.ActionCreateChat); !allowed {
		return nil, false, errors.TooManyRequests("Too many new chats. Please wait before opening another one")
	}

	buyerID, sellerID := identity.UserID, recipientID
	if identity.Role == entity.RoleSeller {
		buyerID, sellerID = recipientID, identity.UserID
	}
	chat = entity.NewChat(buyerID, sellerID, uc.now())

	if err := uc.chatRepo.CreateChat(ctx, chat); err != nil {
		if errors.Is(err, errors.CodeConflict) {
			existing, getErr := uc.chatRepo.GetChat(ctx, roomID)
			return existing, false, getErr
		}
		logger.Ctx(ctx).Error().Err(err).Str(logger.FieldRoomID, roomID).Msg("EnsureRoom: failed to create chat")
		return nil, false, err
	}

	logger.Ctx(ctx).Info().Str(logger.FieldRoomID, roomID).Str("buyer_id", buyerID).Str("seller_id", sellerID).Msg("chat created")
	return chat, true, nil
}

// JoinRoom subscribes a connection to a room it is allowed to see. Joining twice changes nothing.
func (uc *ChatUseCase) JoinRoom(ctx context.Context, c *ws.Connection, roomID string) (*entity.Chat, error) {
	chat, err := uc.chatRepo.GetChat(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if err := uc.authorize(chat, identityOf(c)); err != nil {
		logger.Ctx(ctx).Warn().Str(logger.FieldRoomID, roomID).Msg("JoinRoom: not allowed")
		return nil, err
	}

	if uc.hub.Join(c, roomID) {
		logger.Ctx(ctx).Debug().Str(logger.FieldRoomID, roomID).Msg("joined room")
	}
	return chat, nil
}

func (uc *ChatUseCase) LeaveRoom(ctx context.Context, c *ws.Connection, roomID string) error {
	uc.hub.Leave(c, roomID)
	return nil
}

// SendMessage validates, persists and then fans out a message. Nothing is broadcast unless the message
// was stored.
func (uc *ChatUseCase) SendMessage(ctx context.Context, c *ws.Connection, data ws.SendMessageData) (*entity.Message, error) {
	identity := identityOf(c)

	var chat *entity.Chat
	if data.RoomID == "" {
		ensured, _, err := uc.EnsureRoom(ctx, identity, data.RecipientID)
		if err != nil {
			return nil, err
		}
		chat = ensured
		uc.hub.Join(c, chat.ID)
	} else {
		if !c.InRoom(data.RoomID) {
			return nil, errors.Forbidden("Join the chat before sending messages", nil)
		}
		found, err := uc.chatRepo.GetChat(ctx, data.RoomID)
		if err != nil {
			return nil, err
		}
		chat = found
	}

	if data.Type == "" {
		data.Type = entity.MessageTypeText
	}
	if err := uc.validateContent(ctx, &data); err != nil {
		return nil, err
	}

	if allowed, wait := uc.rateLimiter.Allow(identity.UserID, ratelimit.ActionSendMessage); !allowed {
		logger.Ctx(ctx).Warn().Dur("wait", wait).Msg("SendMessage: rate limited")
		return nil, errors.TooManyRequests("You are sending messages too quickly. Please slow down")
	}

	senderRole := identity.Role
	if party, ok := chat.PartyOf(identity.UserID); ok {
		senderRole = party
	}

	now := uc.now()
	message := &entity.Message{
		ID:          entity.MessageIDFor(chat.ID, identity.UserID, data.ClientMsgID),
		ChatID:      chat.ID,
		SenderID:    identity.UserID,
		SenderRole:  senderRole,
		Type:        data.Type,
		Content:     data.Content,
		Attachment:  data.Attachment,
		ClientMsgID: data.ClientMsgID,
		CreatedAt:   now,
	}
	if uc.opts.MessageRetention > 0 {
		exp := now.Add(uc.opts.MessageRetention)
		message.ExpiresAt = &exp
	}

	if err := uc.chatRepo.CreateMessage(ctx, message); err != nil {
		if errors.Is(err, errors.CodeConflict) {
			// resubmission of an already stored send
			return uc.chatRepo.GetMessage(ctx, chat.ID, message.ID)
		}
		logger.Ctx(ctx).Error().Err(err).Str(logger.FieldRoomID, chat.ID).Msg("SendMessage: failed to create message")
		return nil, err
	}

	uc.publishMessage(ctx, chat, message, c.ID)
	return message, nil
}

func (uc *ChatUseCase) validateContent(ctx context.Context, data *ws.SendMessageData) error {
	switch data.Type {
	case entity.MessageTypeText:
		if strings.TrimSpace(data.Content) == "" {
			return errors.Validation("content is required for text messages", nil)
		}
		if data.Attachment != nil {
			return errors.Validation("text messages cannot carry an attachment", nil)
		}
		return nil
	case entity.MessageTypeImage, entity.MessageTypeFile:
		if data.Attachment == nil {
			return errors.Validation("attachment is required for "+string(data.Type)+" messages", nil)
		}
		return uc.attachments.VerifyAttachment(ctx, data.Type, data.Attachment)
	}
	return errors.Validation("type must be one of: text image file", nil)
}

// publishMessage runs after the message is stored: summary update, room broadcast, then the per-user
// room list update. A failed summary update does not undo the send.
func (uc *ChatUseCase) publishMessage(ctx context.Context, chat *entity.Chat, message *entity.Message, excludeConnID string) {
	preview := message.Preview()
	active := true
	patch := entity.ChatSummaryPatch{
		LastMessage:   &preview,
		LastMessageAt: &message.CreatedAt,
		LastSenderID:  &message.SenderID,
		Active:        &active,
	}
	switch message.SenderRole {
	case entity.RoleBuyer:
		patch.IncrementUnread = []entity.Role{entity.RoleSeller}
	case entity.RoleSeller:
		patch.IncrementUnread = []entity.Role{entity.RoleBuyer}
	default:
		patch.IncrementUnread = []entity.Role{entity.RoleBuyer, entity.RoleSeller}
	}

	updated, err := uc.chatRepo.UpdateChatSummary(ctx, chat.ID, patch)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Str(logger.FieldRoomID, chat.ID).Msg("SendMessage: failed to update chat summary")
	}

	uc.broadcast(ctx, chat.ID, ws.EventNewMessage, ws.NewMessageData{RoomID: chat.ID, Message: message}, excludeConnID)

	if updated != nil {
		uc.notifyParties(ctx, updated)
	}
}

// SendSystemMessage stores a system notice in a room and delivers it to every subscriber.
func (uc *ChatUseCase) SendSystemMessage(ctx context.Context, roomID, content string) (*entity.Message, error) {
	chat, err := uc.chatRepo.GetChat(ctx, roomID)
	if err != nil {
		return nil, err
	}

	now := uc.now()
	message := &entity.Message{
		ID:         entity.MessageIDFor(roomID, systemSenderID, ""),
		ChatID:     roomID,
		SenderID:   systemSenderID,
		SenderRole: entity.RoleSystem,
		Type:       entity.MessageTypeSystem,
		Content:    content,
		CreatedAt:  now,
	}
	if uc.opts.MessageRetention > 0 {
		exp := now.Add(uc.opts.MessageRetention)
		message.ExpiresAt = &exp
	}

	if err := uc.chatRepo.CreateMessage(ctx, message); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str(logger.FieldRoomID, roomID).Msg("SendSystemMessage: failed to create message")
		return nil, err
	}

	uc.publishMessage(ctx, chat, message, "")
	return message, nil
}

// SetTyping forwards a typing signal from a joined connection. Throttled signals are dropped.
func (uc *ChatUseCase) SetTyping(ctx context.Context, c *ws.Connection, roomID string, isTyping bool) error {
	if !c.InRoom(roomID) {
		return errors.Forbidden("Join the chat before sending typing updates", nil)
	}
	if isTyping {
		if allowed, _ := uc.rateLimiter.Allow(c.UserID, ratelimit.ActionTyping); !allowed {
			return nil
		}
	}
	uc.hub.SetTyping(c, roomID, isTyping)
	return nil
}

func (uc *ChatUseCase) MarkRead(ctx context.Context, c *ws.Connection, roomID string) (int, error) {
	return uc.MarkChatAsRead(ctx, identityOf(c), roomID)
}

// MarkChatAsRead flips every unread message addressed to the caller's side of the room and resets that
// side's unread counter.
func (uc *ChatUseCase) MarkChatAsRead(ctx context.Context, identity *entity.Identity, roomID string) (int, error) {
	chat, err := uc.chatRepo.GetChat(ctx, roomID)
	if err != nil {
		return 0, err
	}
	party, err := uc.partyOf(chat, identity)
	if err != nil {
		return 0, err
	}

	readAt := uc.now()
	count, err := uc.chatRepo.MarkMessagesRead(ctx, roomID, party, readAt)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Str(logger.FieldRoomID, roomID).Msg("MarkChatAsRead: failed to mark messages")
		return 0, err
	}

	updated, err := uc.chatRepo.UpdateChatSummary(ctx, roomID, entity.ChatSummaryPatch{ResetUnread: []entity.Role{party}})
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Str(logger.FieldRoomID, roomID).Msg("MarkChatAsRead: failed to reset unread counter")
		return count, err
	}

	if count > 0 {
		uc.broadcast(ctx, roomID, ws.EventMessagesRead, ws.MessagesReadData{
			RoomID:     roomID,
			ReadBy:     identity.UserID,
			ReaderRole: party,
			Count:      count,
			ReadAt:     readAt,
		}, "")
	}
	uc.sendToUser(ctx, identity.UserID, ws.EventChatUpdated, updated)
	return count, nil
}

func (uc *ChatUseCase) CloseRoom(ctx context.Context, c *ws.Connection, roomID string) (*entity.Chat, error) {
	return uc.CloseChat(ctx, identityOf(c), roomID)
}

// CloseChat deactivates a room. The next message reactivates it.
func (uc *ChatUseCase) CloseChat(ctx context.Context, identity *entity.Identity, roomID string) (*entity.Chat, error) {
	chat, err := uc.chatRepo.GetChat(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if _, err := uc.partyOf(chat, identity); err != nil {
		return nil, err
	}

	active := false
	updated, err := uc.chatRepo.UpdateChatSummary(ctx, roomID, entity.ChatSummaryPatch{Active: &active})
	if err != nil {
		return nil, err
	}

	logger.Ctx(ctx).Info().Str(logger.FieldRoomID, roomID).Str(logger.FieldUserID, identity.UserID).Msg("chat closed")
	uc.notifyParties(ctx, updated)
	return updated, nil
}

// EscalateChat flags a room for support. Under the escalated policy admins can join it from then on.
func (uc *ChatUseCase) EscalateChat(ctx context.Context, identity *entity.Identity, roomID string) (*entity.Chat, error) {
	chat, err := uc.chatRepo.GetChat(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if _, err := uc.partyOf(chat, identity); err != nil {
		return nil, err
	}
	if chat.Escalated {
		return chat, nil
	}

	escalated := true
	now := uc.now()
	if _, err := uc.chatRepo.UpdateChatSummary(ctx, roomID, entity.ChatSummaryPatch{
		Escalated:   &escalated,
		EscalatedBy: &identity.UserID,
		EscalatedAt: &now,
	}); err != nil {
		return nil, err
	}

	logger.Ctx(ctx).Info().Str(logger.FieldRoomID, roomID).Str(logger.FieldUserID, identity.UserID).Msg("chat escalated")
	if _, err := uc.SendSystemMessage(ctx, roomID, escalationNoticeMsg); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str(logger.FieldRoomID, roomID).Msg("EscalateChat: failed to post system message")
	}
	return uc.chatRepo.GetChat(ctx, roomID)
}

func (uc *ChatUseCase) GetUserChats(ctx context.Context, identity *entity.Identity, limit, offset int) ([]*entity.Chat, int64, error) {
	return uc.chatRepo.ListChatsByUser(ctx, identity.UserID, limit, offset)
}

func (uc *ChatUseCase) GetChatByID(ctx context.Context, identity *entity.Identity, roomID string) (*entity.Chat, error) {
	chat, err := uc.chatRepo.GetChat(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if err := uc.authorize(chat, identity); err != nil {
		return nil, err
	}
	return chat, nil
}

// GetChatMessages returns a page of history, newest first.
func (uc *ChatUseCase) GetChatMessages(ctx context.Context, identity *entity.Identity, roomID string, limit, offset int) ([]*entity.Message, int64, error) {
	if _, err := uc.GetChatByID(ctx, identity, roomID); err != nil {
		return nil, 0, err
	}
	return uc.chatRepo.FindMessagesByRoom(ctx, roomID, limit, offset)
}

// PurgeExpiredMessages deletes messages past their expiry.
func (uc *ChatUseCase) PurgeExpiredMessages(ctx context.Context) (int, error) {
	return uc.chatRepo.PurgeExpiredMessages(ctx, uc.now())
}

// UserStatusChanged pushes a presence transition to every room the user is a party of.
func (uc *ChatUseCase) UserStatusChanged(ctx context.Context, userID string, online bool, lastSeen time.Time) {
	data := ws.UserStatusData{UserID: userID, IsOnline: online}
	if !online && !lastSeen.IsZero() {
		data.LastSeen = &lastSeen
	}
	frame, err := ws.Encode(ws.EventUserStatus, "", data)
	if err != nil {
		return
	}

	for offset := 0; ; {
		chats, total, err := uc.chatRepo.ListChatsByUser(ctx, userID, uc.statusPage, offset)
		if err != nil {
			logger.L().Error().Err(err).Str(logger.FieldUserID, userID).Int("offset", offset).Msg("UserStatusChanged: failed to list chats")
			return
		}
		for _, chat := range chats {
			uc.fanout.SendToChatRoom(ctx, chat.ID, frame, "")
		}
		offset += len(chats)
		if len(chats) < uc.statusPage || int64(offset) >= total {
			return
		}
	}
}

func (uc *ChatUseCase) TypingChanged(ctx context.Context, roomID, userID string, isTyping bool, excludeConnID string) {
	uc.broadcast(ctx, roomID, ws.EventUserTyping, ws.UserTypingData{RoomID: roomID, UserID: userID, IsTyping: isTyping}, excludeConnID)
}

func (uc *ChatUseCase) broadcast(ctx context.Context, roomID, eventType string, data interface{}, excludeConnID string) {
	frame, err := ws.Encode(eventType, "", data)
	if err != nil {
		logger.L().Error().Err(err).Str(logger.FieldEvent, eventType).Msg("failed to encode event")
		return
	}
	uc.fanout.SendToChatRoom(ctx, roomID, frame, excludeConnID)
}

func (uc *ChatUseCase) sendToUser(ctx context.Context, userID, eventType string, data interface{}) {
	frame, err := ws.Encode(eventType, "", data)
	if err != nil {
		logger.L().Error().Err(err).Str(logger.FieldEvent, eventType).Msg("failed to encode event")
		return
	}
	uc.fanout.SendToUser(ctx, userID, frame)
}

// notifyParties pushes the room summary to both parties, joined or not.
func (uc *ChatUseCase) notifyParties(ctx context.Context, chat *entity.Chat) {
	uc.sendToUser(ctx, chat.BuyerID, ws.EventChatUpdated, chat)
	uc.sendToUser(ctx, chat.SellerID, ws.EventChatUpdated, chat)
}
