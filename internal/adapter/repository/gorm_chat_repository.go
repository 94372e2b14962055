package repository

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"marketchat/internal/domain/entity"
	"marketchat/internal/domain/repository"
	"marketchat/pkg/errors"
)

type chatRow struct {
	ID            string `gorm:"primaryKey;size:64"`
	BuyerID       string `gorm:"size:128;index"`
	SellerID      string `gorm:"size:128;index"`
	LastMessage   string
	LastMessageAt time.Time
	LastSenderID  string `gorm:"size:128"`
	BuyerUnread   int    `gorm:"not null;default:0"`
	SellerUnread  int    `gorm:"not null;default:0"`
	Active        bool   `gorm:"not null;default:true"`
	Escalated     bool   `gorm:"not null;default:false"`
	EscalatedBy   string `gorm:"size:128"`
	EscalatedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time `gorm:"index"`
}

func (chatRow) TableName() string { return "chats" }

type messageRow struct {
	ID          string `gorm:"primaryKey;size:64"`
	ChatID      string `gorm:"size:64;index:idx_messages_chat_created,priority:1"`
	SenderID    string `gorm:"size:128"`
	SenderRole  string `gorm:"size:16"`
	Type        string `gorm:"size:16"`
	Content     string
	AttURL      string
	AttObject   string
	AttName     string
	AttType     string `gorm:"size:128"`
	AttSize     int64
	ClientMsgID string `gorm:"size:128"`
	Read        bool   `gorm:"not null;default:false;index"`
	ReadAt      *time.Time
	CreatedAt   time.Time  `gorm:"index:idx_messages_chat_created,priority:2"`
	ExpiresAt   *time.Time `gorm:"index"`
}

func (messageRow) TableName() string { return "messages" }

type gormChatRepository struct {
	db *gorm.DB
}

// OpenGormDB connects to postgres or sqlite and migrates the chat tables.
func OpenGormDB(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.New(postgres.Config{DSN: dsn, PreferSimpleProtocol: true})
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&chatRow{}, &messageRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate chat tables: %w", err)
	}
	return db, nil
}

func NewGormChatRepository(db *gorm.DB) repository.ChatRepository {
	return &gormChatRepository{db: db}
}

func (r *gormChatRepository) CreateChat(ctx context.Context, chat *entity.Chat) error {
	if err := r.db.WithContext(ctx).Create(toChatRow(chat)).Error; err != nil {
		if stderrors.Is(err, gorm.ErrDuplicatedKey) {
			return errors.Conflict("Chat already exists", err)
		}
		return errors.Persistence("Failed to create chat", err)
	}
	return nil
}

func (r *gormChatRepository) GetChat(ctx context.Context, id string) (*entity.Chat, error) {
	var row chatRow
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NotFound("Chat", err)
		}
		return nil, errors.Persistence("Failed to get chat", err)
	}
	return row.toEntity(), nil
}

func (r *gormChatRepository) ListChatsByUser(ctx context.Context, userID string, limit, offset int) ([]*entity.Chat, int64, error) {
	query := r.db.WithContext(ctx).Model(&chatRow{}).Where("buyer_id = ? OR seller_id = ?", userID, userID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, errors.Persistence("Failed to count chats", err)
	}

	var rows []chatRow
	paged := query.Order("updated_at DESC").Offset(offset)
	if limit > 0 {
		paged = paged.Limit(limit)
	}
	if err := paged.Find(&rows).Error; err != nil {
		return nil, 0, errors.Persistence("Failed to fetch chats", err)
	}

	chats := make([]*entity.Chat, 0, len(rows))
	for i := range rows {
		chats = append(chats, rows[i].toEntity())
	}
	return chats, total, nil
}

func (r *gormChatRepository) UpdateChatSummary(ctx context.Context, roomID string, patch entity.ChatSummaryPatch) (*entity.Chat, error) {
	updates := map[string]interface{}{"updated_at": time.Now()}
	if patch.LastMessage != nil {
		updates["last_message"] = *patch.LastMessage
	}
	if patch.LastMessageAt != nil {
		updates["last_message_at"] = *patch.LastMessageAt
	}
	if patch.LastSenderID != nil {
		updates["last_sender_id"] = *patch.LastSenderID
	}
	for _, party := range patch.IncrementUnread {
		col := unreadColumn(party)
		if col != "" {
			updates[col] = gorm.Expr(col+" + ?", 1)
		}
	}
	for _, party := range patch.ResetUnread {
		col := unreadColumn(party)
		if col != "" {
			updates[col] = 0
		}
	}
	if patch.Active != nil {
		updates["active"] = *patch.Active
	}
	if patch.Escalated != nil {
		updates["escalated"] = *patch.Escalated
	}
	if patch.EscalatedBy != nil {
		updates["escalated_by"] = *patch.EscalatedBy
	}
	if patch.EscalatedAt != nil {
		updates["escalated_at"] = *patch.EscalatedAt
	}

	res := r.db.WithContext(ctx).Model(&chatRow{}).Where("id = ?", roomID).Updates(updates)
	if res.Error != nil {
		return nil, errors.Persistence("Failed to update chat summary", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, errors.NotFound("Chat", nil)
	}
	return r.GetChat(ctx, roomID)
}

func (r *gormChatRepository) CreateMessage(ctx context.Context, message *entity.Message) error {
	if err := r.db.WithContext(ctx).Create(toMessageRow(message)).Error; err != nil {
		if stderrors.Is(err, gorm.ErrDuplicatedKey) {
			return errors.Conflict("Message already exists", err)
		}
		return errors.Persistence("Failed to create message", err)
	}
	return nil
}

func (r *gormChatRepository) GetMessage(ctx context.Context, roomID, messageID string) (*entity.Message, error) {
	var row messageRow
	if err := r.db.WithContext(ctx).Where("chat_id = ? AND id = ?", roomID, messageID).Take(&row).Error; err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NotFound("Message", err)
		}
		return nil, errors.Persistence("Failed to get message", err)
	}
	return row.toEntity(), nil
}

func (r *gormChatRepository) FindMessagesByRoom(ctx context.Context, roomID string, limit, offset int) ([]*entity.Message, int64, error) {
	query := r.db.WithContext(ctx).Model(&messageRow{}).
		Where("chat_id = ?", roomID).
		Where("expires_at IS NULL OR expires_at > ?", time.Now())

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, errors.Persistence("Failed to count messages", err)
	}

	var rows []messageRow
	paged := query.Order("created_at DESC").Order("id DESC").Offset(offset)
	if limit > 0 {
		paged = paged.Limit(limit)
	}
	if err := paged.Find(&rows).Error; err != nil {
		return nil, 0, errors.Persistence("Failed to fetch messages", err)
	}

	messages := make([]*entity.Message, 0, len(rows))
	for i := range rows {
		messages = append(messages, rows[i].toEntity())
	}
	return messages, total, nil
}

func (r *gormChatRepository) MarkMessagesRead(ctx context.Context, roomID string, reader entity.Role, readAt time.Time) (int, error) {
	res := r.db.WithContext(ctx).Model(&messageRow{}).
		Where("chat_id = ? AND read = ? AND sender_role <> ?", roomID, false, string(reader)).
		Updates(map[string]interface{}{"read": true, "read_at": readAt})
	if res.Error != nil {
		return 0, errors.Persistence("Failed to mark messages as read", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (r *gormChatRepository) PurgeExpiredMessages(ctx context.Context, before time.Time) (int, error) {
	res := r.db.WithContext(ctx).Where("expires_at IS NOT NULL AND expires_at <= ?", before).Delete(&messageRow{})
	if res.Error != nil {
		return 0, errors.Persistence("Failed to purge expired messages", res.Error)
	}
	return int(res.RowsAffected), nil
}

func unreadColumn(party entity.Role) string {
	switch party {
	case entity.RoleBuyer:
		return "buyer_unread"
	case entity.RoleSeller:
		return "seller_unread"
	}
	return ""
}

func toChatRow(c *entity.Chat) *chatRow {
	row := &chatRow{
		ID:            c.ID,
		BuyerID:       c.BuyerID,
		SellerID:      c.SellerID,
		LastMessage:   c.LastMessage,
		LastMessageAt: c.LastMessageAt,
		LastSenderID:  c.LastSenderID,
		BuyerUnread:   c.Unread(entity.RoleBuyer),
		SellerUnread:  c.Unread(entity.RoleSeller),
		Active:        c.Active,
		Escalated:     c.Escalated,
		EscalatedBy:   c.EscalatedBy,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
	if !c.EscalatedAt.IsZero() {
		t := c.EscalatedAt
		row.EscalatedAt = &t
	}
	return row
}

func (row *chatRow) toEntity() *entity.Chat {
	c := &entity.Chat{
		ID:            row.ID,
		BuyerID:       row.BuyerID,
		SellerID:      row.SellerID,
		Participants:  []string{row.BuyerID, row.SellerID},
		LastMessage:   row.LastMessage,
		LastMessageAt: row.LastMessageAt,
		LastSenderID:  row.LastSenderID,
		UnreadCount: map[string]int{
			string(entity.RoleBuyer):  row.BuyerUnread,
			string(entity.RoleSeller): row.SellerUnread,
		},
		Active:      row.Active,
		Escalated:   row.Escalated,
		EscalatedBy: row.EscalatedBy,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
	if row.EscalatedAt != nil {
		c.EscalatedAt = *row.EscalatedAt
	}
	return c
}

func toMessageRow(m *entity.Message) *messageRow {
	row := &messageRow{
		ID:          m.ID,
		ChatID:      m.ChatID,
		SenderID:    m.SenderID,
		SenderRole:  string(m.SenderRole),
		Type:        string(m.Type),
		Content:     m.Content,
		ClientMsgID: m.ClientMsgID,
		Read:        m.Read,
		ReadAt:      m.ReadAt,
		CreatedAt:   m.CreatedAt,
		ExpiresAt:   m.ExpiresAt,
	}
	if m.Attachment != nil {
		row.AttURL = m.Attachment.URL
		row.AttObject = m.Attachment.Object
		row.AttName = m.Attachment.Name
		row.AttType = m.Attachment.ContentType
		row.AttSize = m.Attachment.Size
	}
	return row
}

func (row *messageRow) toEntity() *entity.Message {
	m := &entity.Message{
		ID:          row.ID,
		ChatID:      row.ChatID,
		SenderID:    row.SenderID,
		SenderRole:  entity.Role(row.SenderRole),
		Type:        entity.MessageType(row.Type),
		Content:     row.Content,
		ClientMsgID: row.ClientMsgID,
		Read:        row.Read,
		ReadAt:      row.ReadAt,
		CreatedAt:   row.CreatedAt,
		ExpiresAt:   row.ExpiresAt,
	}
	if row.AttURL != "" {
		m.Attachment = &entity.Attachment{
			URL:         row.AttURL,
			Object:      row.AttObject,
			Name:        row.AttName,
			ContentType: row.AttType,
			Size:        row.AttSize,
		}
	}
	return m
}
