package entity

import (
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeImage  MessageType = "image"
	MessageTypeFile   MessageType = "file"
	MessageTypeSystem MessageType = "system"
)

const previewLength = 120

type Attachment struct {
	URL         string `json:"url" firestore:"url" validate:"required,url"`
	Object      string `json:"object,omitempty" firestore:"object,omitempty"` // storage object path, when uploaded to our bucket
	Name        string `json:"name,omitempty" firestore:"name,omitempty" validate:"omitempty,max=255"`
	ContentType string `json:"content_type,omitempty" firestore:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty" firestore:"size,omitempty" validate:"gte=0"`
}

// Message content is immutable once created. Only Read and ReadAt change, and Read only goes false to true.
type Message struct {
	ID          string      `json:"id" firestore:"id"`
	ChatID      string      `json:"chat_id" firestore:"chatId"`
	SenderID    string      `json:"sender_id" firestore:"senderId"`
	SenderRole  Role        `json:"sender_role" firestore:"senderRole"`
	Type        MessageType `json:"type" firestore:"type"`
	Content     string      `json:"content,omitempty" firestore:"content,omitempty"`
	Attachment  *Attachment `json:"attachment,omitempty" firestore:"attachment,omitempty"`
	ClientMsgID string      `json:"client_msg_id,omitempty" firestore:"clientMsgId,omitempty"`
	Read        bool        `json:"read" firestore:"read"`
	ReadAt      *time.Time  `json:"read_at,omitempty" firestore:"readAt,omitempty"`
	CreatedAt   time.Time   `json:"created_at" firestore:"createdAt"`
	ExpiresAt   *time.Time  `json:"expires_at,omitempty" firestore:"expiresAt,omitempty"`
}

// MessageIDFor returns a stable id for a client-tagged send so that a resubmission maps to the same record.
// Without a client tag every call yields a fresh id.
func MessageIDFor(roomID, senderID, clientMsgID string) string {
	if clientMsgID == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(roomNamespace, []byte("msg:"+roomID+"|"+senderID+"|"+clientMsgID)).String()
}

// AddressedTo reports whether the message counts as unread for party.
func (m *Message) AddressedTo(party Role) bool {
	return m.SenderRole != party
}

// Preview is the short text stored as the room's last message.
func (m *Message) Preview() string {
	switch m.Type {
	case MessageTypeImage:
		if m.Content == "" {
			return "[image]"
		}
	case MessageTypeFile:
		if m.Content == "" {
			if m.Attachment != nil && m.Attachment.Name != "" {
				return "[file] " + m.Attachment.Name
			}
			return "[file]"
		}
	}
	if utf8.RuneCountInString(m.Content) <= previewLength {
		return m.Content
	}
	r := []rune(m.Content)
	return string(r[:previewLength]) + "…"
}

func (m *Message) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !now.Before(*m.ExpiresAt)
}
