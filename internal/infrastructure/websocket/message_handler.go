package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"

	"marketchat/internal/domain/entity"
	"marketchat/pkg/errors"
	"marketchat/pkg/logger"
)

// ChatService is the room and message logic the dispatcher calls into.
type ChatService interface {
	JoinRoom(ctx context.Context, c *Connection, roomID string) (*entity.Chat, error)
	LeaveRoom(ctx context.Context, c *Connection, roomID string) error
	SendMessage(ctx context.Context, c *Connection, data SendMessageData) (*entity.Message, error)
	SetTyping(ctx context.Context, c *Connection, roomID string, isTyping bool) error
	MarkRead(ctx context.Context, c *Connection, roomID string) (int, error)
	CloseRoom(ctx context.Context, c *Connection, roomID string) (*entity.Chat, error)
}

type eventHandler func(ctx context.Context, c *Connection, msg *WSMessage) error

// Dispatcher routes inbound frames by event type. Each frame of a connection is handled to completion
// before the next one is read.
type Dispatcher struct {
	chat      ChatService
	validate  *validator.Validate
	handlers  map[string]eventHandler
	opTimeout time.Duration
}

func NewDispatcher(chat ChatService, validate *validator.Validate) *Dispatcher {
	d := &Dispatcher{
		chat:      chat,
		validate:  validate,
		opTimeout: 15 * time.Second,
	}
	d.handlers = map[string]eventHandler{
		EventPing:        d.handlePing,
		EventJoinChat:    d.handleJoinChat,
		EventLeaveChat:   d.handleLeaveChat,
		EventSendMessage: d.handleSendMessage,
		EventTyping:      d.handleTyping,
		EventMarkRead:    d.handleMarkRead,
		EventCloseChat:   d.handleCloseChat,
	}
	return d
}

// HandleClientMessage decodes one frame and runs its handler. Failures go back to the same connection as an
// error event and never affect other subscribers.
func (d *Dispatcher) HandleClientMessage(c *Connection, raw []byte) {
	var msg WSMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		d.sendError(c, "", errors.Validation("Invalid message format", err))
		return
	}

	handler, ok := d.handlers[msg.Type]
	if !ok {
		d.sendError(c, msg.Ref, errors.Validation("Unknown event type: "+msg.Type, nil))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.opTimeout)
	defer cancel()
	ctx = logger.WithLogger(ctx, logger.L().With().
		Str(logger.FieldConnID, c.ID).
		Str(logger.FieldUserID, c.UserID).
		Str(logger.FieldEvent, msg.Type).
		Logger())

	if err := handler(ctx, c, &msg); err != nil {
		d.sendError(c, msg.Ref, err)
	}
}

func (d *Dispatcher) decode(msg *WSMessage, out interface{}) error {
	if len(msg.Data) == 0 {
		return errors.Validation("Missing event data", nil)
	}
	if err := json.Unmarshal(msg.Data, out); err != nil {
		return errors.Validation("Invalid event data", err)
	}
	if err := d.validate.Struct(out); err != nil {
		return errors.FromValidation(err)
	}
	return nil
}

func (d *Dispatcher) handlePing(ctx context.Context, c *Connection, msg *WSMessage) error {
	c.Send(EventPong, msg.Ref, nil)
	return nil
}

func (d *Dispatcher) handleJoinChat(ctx context.Context, c *Connection, msg *WSMessage) error {
	var data RoomData
	if err := d.decode(msg, &data); err != nil {
		return err
	}
	chat, err := d.chat.JoinRoom(ctx, c, data.RoomID)
	if err != nil {
		return err
	}
	c.Send(EventChatUpdated, msg.Ref, chat)
	return nil
}

func (d *Dispatcher) handleLeaveChat(ctx context.Context, c *Connection, msg *WSMessage) error {
	var data RoomData
	if err := d.decode(msg, &data); err != nil {
		return err
	}
	return d.chat.LeaveRoom(ctx, c, data.RoomID)
}

func (d *Dispatcher) handleSendMessage(ctx context.Context, c *Connection, msg *WSMessage) error {
	var data SendMessageData
	if err := d.decode(msg, &data); err != nil {
		return err
	}
	message, err := d.chat.SendMessage(ctx, c, data)
	if err != nil {
		return err
	}
	c.Send(EventMessageAck, msg.Ref, message)
	return nil
}

func (d *Dispatcher) handleTyping(ctx context.Context, c *Connection, msg *WSMessage) error {
	var data TypingData
	if err := d.decode(msg, &data); err != nil {
		return err
	}
	return d.chat.SetTyping(ctx, c, data.RoomID, data.IsTyping)
}

func (d *Dispatcher) handleMarkRead(ctx context.Context, c *Connection, msg *WSMessage) error {
	var data RoomData
	if err := d.decode(msg, &data); err != nil {
		return err
	}
	_, err := d.chat.MarkRead(ctx, c, data.RoomID)
	return err
}

func (d *Dispatcher) handleCloseChat(ctx context.Context, c *Connection, msg *WSMessage) error {
	var data RoomData
	if err := d.decode(msg, &data); err != nil {
		return err
	}
	_, err := d.chat.CloseRoom(ctx, c, data.RoomID)
	return err
}

func (d *Dispatcher) sendError(c *Connection, ref string, err error) {
	code := errors.CodeOf(err)
	message := "An unexpected error occurred"
	if appErr, ok := errors.As(err); ok {
		message = appErr.Message
	}

	l := logger.L().Warn()
	if code == errors.CodeInternal || code == errors.CodePersistence {
		l = logger.L().Error()
	}
	l.Err(err).Str(logger.FieldConnID, c.ID).Str(logger.FieldUserID, c.UserID).Str("code", code).Msg("websocket event failed")

	c.Send(EventError, ref, ErrorData{Code: code, Message: message})
}
