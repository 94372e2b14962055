package websocket

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketchat/internal/domain/entity"
	"marketchat/pkg/errors"
)

type fakeChatService struct {
	joined   []string
	left     []string
	sent     []SendMessageData
	typing   []bool
	read     []string
	closed   []string
	joinErr  error
	sendErr  error
	closeErr error
}

func (f *fakeChatService) JoinRoom(ctx context.Context, c *Connection, roomID string) (*entity.Chat, error) {
	if f.joinErr != nil {
		return nil, f.joinErr
	}
	f.joined = append(f.joined, roomID)
	return &entity.Chat{ID: roomID, Active: true}, nil
}

func (f *fakeChatService) LeaveRoom(ctx context.Context, c *Connection, roomID string) error {
	f.left = append(f.left, roomID)
	return nil
}

func (f *fakeChatService) SendMessage(ctx context.Context, c *Connection, data SendMessageData) (*entity.Message, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, data)
	return &entity.Message{ID: "m-1", ChatID: data.RoomID, Content: data.Content, Type: entity.MessageTypeText}, nil
}

func (f *fakeChatService) SetTyping(ctx context.Context, c *Connection, roomID string, isTyping bool) error {
	f.typing = append(f.typing, isTyping)
	return nil
}

func (f *fakeChatService) MarkRead(ctx context.Context, c *Connection, roomID string) (int, error) {
	f.read = append(f.read, roomID)
	return 1, nil
}

func (f *fakeChatService) CloseRoom(ctx context.Context, c *Connection, roomID string) (*entity.Chat, error) {
	if f.closeErr != nil {
		return nil, f.closeErr
	}
	f.closed = append(f.closed, roomID)
	return &entity.Chat{ID: roomID}, nil
}

func newTestDispatcher() (*Dispatcher, *fakeChatService, *Connection) {
	svc := &fakeChatService{}
	return NewDispatcher(svc, validator.New()), svc, testConnection("buyer-1", entity.RoleBuyer, 16)
}

func decodeError(t *testing.T, f receivedFrame) ErrorData {
	t.Helper()
	require.Equal(t, EventError, f.Type)
	var data ErrorData
	require.NoError(t, json.Unmarshal(f.Data, &data))
	return data
}

func TestDispatcher_Ping(t *testing.T) {
	d, _, c := newTestDispatcher()

	d.HandleClientMessage(c, []byte(`{"type":"ping","ref":"r-1"}`))

	f := next(t, c)
	assert.Equal(t, EventPong, f.Type)
	assert.Equal(t, "r-1", f.Ref)
}

func TestDispatcher_JoinRepliesWithRoom(t *testing.T) {
	d, svc, c := newTestDispatcher()

	d.HandleClientMessage(c, []byte(`{"type":"join_chat","ref":"j-1","data":{"room_id":"room-1"}}`))

	f := next(t, c)
	assert.Equal(t, EventChatUpdated, f.Type)
	assert.Equal(t, "j-1", f.Ref)
	assert.Equal(t, []string{"room-1"}, svc.joined)
}

func TestDispatcher_SendAcknowledgesWithRef(t *testing.T) {
	d, svc, c := newTestDispatcher()

	d.HandleClientMessage(c, []byte(`{"type":"send_message","ref":"s-1","data":{"room_id":"room-1","content":"hi","type":"text"}}`))

	f := next(t, c)
	assert.Equal(t, EventMessageAck, f.Type)
	assert.Equal(t, "s-1", f.Ref)

	var msg entity.Message
	require.NoError(t, json.Unmarshal(f.Data, &msg))
	assert.Equal(t, "m-1", msg.ID)
	require.Len(t, svc.sent, 1)
	assert.Equal(t, "hi", svc.sent[0].Content)
}

func TestDispatcher_SilentEvents(t *testing.T) {
	d, svc, c := newTestDispatcher()

	d.HandleClientMessage(c, []byte(`{"type":"typing","data":{"room_id":"room-1","is_typing":true}}`))
	d.HandleClientMessage(c, []byte(`{"type":"mark_read","data":{"room_id":"room-1"}}`))
	d.HandleClientMessage(c, []byte(`{"type":"leave_chat","data":{"room_id":"room-1"}}`))
	d.HandleClientMessage(c, []byte(`{"type":"close_chat","data":{"room_id":"room-1"}}`))

	assertEmpty(t, c)
	assert.Equal(t, []bool{true}, svc.typing)
	assert.Equal(t, []string{"room-1"}, svc.read)
	assert.Equal(t, []string{"room-1"}, svc.left)
	assert.Equal(t, []string{"room-1"}, svc.closed)
}

func TestDispatcher_Errors(t *testing.T) {
	tests := []struct {
		name     string
		frame    string
		setup    func(*fakeChatService)
		wantCode string
		wantRef  string
	}{
		{"malformed frame", `{not json`, nil, errors.CodeValidation, ""},
		{"unknown event", `{"type":"dance","ref":"x"}`, nil, errors.CodeValidation, "x"},
		{"missing data", `{"type":"join_chat","ref":"x"}`, nil, errors.CodeValidation, "x"},
		{"missing room", `{"type":"join_chat","ref":"x","data":{}}`, nil, errors.CodeValidation, "x"},
		{"send without room or recipient", `{"type":"send_message","ref":"x","data":{"content":"hi"}}`, nil, errors.CodeValidation, "x"},
		{"bad message type", `{"type":"send_message","ref":"x","data":{"room_id":"r","type":"video"}}`, nil, errors.CodeValidation, "x"},
		{
			"forbidden join", `{"type":"join_chat","ref":"x","data":{"room_id":"r"}}`,
			func(s *fakeChatService) { s.joinErr = errors.Forbidden("Not a participant", nil) },
			errors.CodeForbidden, "x",
		},
		{
			"persistence failure", `{"type":"send_message","ref":"x","data":{"room_id":"r","content":"hi"}}`,
			func(s *fakeChatService) { s.sendErr = errors.Persistence("Failed to save message", nil) },
			errors.CodePersistence, "x",
		},
		{
			"plain error", `{"type":"close_chat","ref":"x","data":{"room_id":"r"}}`,
			func(s *fakeChatService) { s.closeErr = stderrors.New("boom") },
			errors.CodeInternal, "x",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, svc, c := newTestDispatcher()
			if tt.setup != nil {
				tt.setup(svc)
			}

			d.HandleClientMessage(c, []byte(tt.frame))

			f := next(t, c)
			data := decodeError(t, f)
			assert.Equal(t, tt.wantCode, data.Code)
			assert.Equal(t, tt.wantRef, f.Ref)
			assert.NotEmpty(t, data.Message)
			assert.Empty(t, svc.sent)
		})
	}
}

func TestDispatcher_PlainErrorHidesDetails(t *testing.T) {
	d, svc, c := newTestDispatcher()
	svc.closeErr = stderrors.New("database password is hunter2")

	d.HandleClientMessage(c, []byte(`{"type":"close_chat","data":{"room_id":"r"}}`))

	data := decodeError(t, next(t, c))
	assert.NotContains(t, data.Message, "hunter2")
}
