package websocket

import (
	"encoding/json"
	"time"

	"marketchat/internal/domain/entity"
)

// Inbound event types
const (
	EventJoinChat    = "join_chat"
	EventLeaveChat   = "leave_chat"
	EventSendMessage = "send_message"
	EventTyping      = "typing"
	EventMarkRead    = "mark_read"
	EventCloseChat   = "close_chat"
	EventPing        = "ping"
)

// Outbound event types
const (
	EventNewMessage   = "new_message"
	EventChatUpdated  = "chat_updated"
	EventUserTyping   = "user_typing"
	EventUserStatus   = "user_status"
	EventMessagesRead = "messages_read"
	EventMessageAck   = "message_ack"
	EventError        = "error"
	EventPong         = "pong"
)

// WSMessage is the frame read from a client. Data is decoded by the handler registered for Type.
type WSMessage struct {
	Type      string          `json:"type"`
	Ref       string          `json:"ref,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// OutboundMessage is the frame written to a client.
type OutboundMessage struct {
	Type      string      `json:"type"`
	Ref       string      `json:"ref,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp string      `json:"timestamp"`
}

type RoomData struct {
	RoomID string `json:"room_id" validate:"required"`
}

type SendMessageData struct {
	RoomID      string             `json:"room_id" validate:"required_without=RecipientID"`
	RecipientID string             `json:"recipient_id" validate:"required_without=RoomID"`
	Content     string             `json:"content" validate:"max=4000"`
	Type        entity.MessageType `json:"type" validate:"omitempty,oneof=text image file"`
	Attachment  *entity.Attachment `json:"attachment,omitempty"`
	ClientMsgID string             `json:"client_msg_id" validate:"omitempty,max=128"`
}

type TypingData struct {
	RoomID   string `json:"room_id" validate:"required"`
	IsTyping bool   `json:"is_typing"`
}

type NewMessageData struct {
	RoomID  string          `json:"room_id"`
	Message *entity.Message `json:"message"`
}

type UserTypingData struct {
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

type UserStatusData struct {
	UserID   string     `json:"user_id"`
	IsOnline bool       `json:"is_online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

type MessagesReadData struct {
	RoomID     string      `json:"room_id"`
	ReadBy     string      `json:"read_by"`
	ReaderRole entity.Role `json:"reader_role"`
	Count      int         `json:"count"`
	ReadAt     time.Time   `json:"read_at"`
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Encode builds a frame once so that a broadcast hands every subscriber the same bytes.
func Encode(eventType, ref string, data interface{}) ([]byte, error) {
	return json.Marshal(OutboundMessage{
		Type:      eventType,
		Ref:       ref,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}
