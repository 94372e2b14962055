package entity

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRoomIDFor_IsSymmetric(t *testing.T) {
	assert.Equal(t, RoomIDFor("alice", "bob"), RoomIDFor("bob", "alice"))
	assert.NotEqual(t, RoomIDFor("alice", "bob"), RoomIDFor("alice", "carol"))
}

func TestNewChat(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	chat := NewChat("buyer-1", "seller-1", now)

	assert.Equal(t, RoomIDFor("buyer-1", "seller-1"), chat.ID)
	assert.True(t, chat.Active)
	assert.ElementsMatch(t, []string{"buyer-1", "seller-1"}, chat.Participants)

	party, ok := chat.PartyOf("seller-1")
	assert.True(t, ok)
	assert.Equal(t, RoleSeller, party)

	_, ok = chat.PartyOf("admin-1")
	assert.False(t, ok)

	assert.Equal(t, "buyer-1", chat.CounterpartOf("seller-1"))
	assert.Equal(t, "", chat.CounterpartOf("stranger"))
}

func TestChat_Apply(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	chat := NewChat("buyer-1", "seller-1", now)

	preview := "hi"
	inactive := false
	chat.Apply(ChatSummaryPatch{
		LastMessage:     &preview,
		IncrementUnread: []Role{RoleSeller, RoleSeller},
		Active:          &inactive,
	}, now.Add(time.Minute))

	assert.Equal(t, "hi", chat.LastMessage)
	assert.Equal(t, 2, chat.Unread(RoleSeller))
	assert.Equal(t, 0, chat.Unread(RoleBuyer))
	assert.False(t, chat.Active)
	assert.Equal(t, now.Add(time.Minute), chat.UpdatedAt)

	chat.Apply(ChatSummaryPatch{ResetUnread: []Role{RoleSeller}}, now)
	assert.Equal(t, 0, chat.Unread(RoleSeller))
}

func TestMessageIDFor(t *testing.T) {
	a := MessageIDFor("room", "user", "c-1")
	assert.Equal(t, a, MessageIDFor("room", "user", "c-1"))
	assert.NotEqual(t, a, MessageIDFor("room", "other", "c-1"))
	assert.NotEqual(t, MessageIDFor("room", "user", ""), MessageIDFor("room", "user", ""))
}

func TestMessage_Preview(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{"text", Message{Type: MessageTypeText, Content: "hello"}, "hello"},
		{"image without caption", Message{Type: MessageTypeImage}, "[image]"},
		{"image with caption", Message{Type: MessageTypeImage, Content: "look"}, "look"},
		{"named file", Message{Type: MessageTypeFile, Attachment: &Attachment{Name: "terms.pdf"}}, "[file] terms.pdf"},
		{"unnamed file", Message{Type: MessageTypeFile}, "[file]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.msg.Preview())
		})
	}

	long := Message{Type: MessageTypeText, Content: strings.Repeat("é", previewLength+10)}
	assert.Equal(t, previewLength+1, len([]rune(long.Preview())))
}

func TestMessage_AddressedToAndExpired(t *testing.T) {
	m := Message{SenderRole: RoleBuyer}
	assert.True(t, m.AddressedTo(RoleSeller))
	assert.False(t, m.AddressedTo(RoleBuyer))

	system := Message{SenderRole: RoleSystem}
	assert.True(t, system.AddressedTo(RoleBuyer))
	assert.True(t, system.AddressedTo(RoleSeller))

	now := time.Now()
	past := now.Add(-time.Second)
	assert.True(t, (&Message{ExpiresAt: &past}).Expired(now))
	assert.False(t, (&Message{}).Expired(now))
}

func TestParseRole(t *testing.T) {
	r, ok := ParseRole("")
	assert.True(t, ok)
	assert.Equal(t, RoleBuyer, r)

	r, ok = ParseRole("admin")
	assert.True(t, ok)
	assert.Equal(t, RoleAdmin, r)
	assert.False(t, r.IsParty())

	_, ok = ParseRole("root")
	assert.False(t, ok)
}
