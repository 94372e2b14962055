package chatclient

import "encoding/json"

const (
	EventJoinChat    = "join_chat"
	EventLeaveChat   = "leave_chat"
	EventSendMessage = "send_message"
	EventTyping      = "typing"
	EventMarkRead    = "mark_read"

	EventNewMessage   = "new_message"
	EventChatUpdated  = "chat_updated"
	EventUserTyping   = "user_typing"
	EventUserStatus   = "user_status"
	EventMessagesRead = "messages_read"
	EventMessageAck   = "message_ack"
	EventError        = "error"
)

// Event is a server frame. Data is left raw for the caller to decode by Type.
type Event struct {
	Type      string          `json:"type"`
	Ref       string          `json:"ref,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// Outgoing is a send_message payload. Set RoomID, or RecipientID to open the room on first contact.
type Outgoing struct {
	RoomID      string `json:"room_id,omitempty"`
	RecipientID string `json:"recipient_id,omitempty"`
	Content     string `json:"content"`
	Type        string `json:"type"`
	ClientMsgID string `json:"client_msg_id"`
}

type outbound struct {
	Type      string      `json:"type"`
	Ref       string      `json:"ref,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp string      `json:"timestamp"`
}

type roomPayload struct {
	RoomID string `json:"room_id"`
}

type typingPayload struct {
	RoomID   string `json:"room_id"`
	IsTyping bool   `json:"is_typing"`
}
