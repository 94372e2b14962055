package entity

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// roomNamespace seeds the deterministic room and message identifiers.
var roomNamespace = uuid.MustParse("6f1c2a0e-4b7d-5e39-9a61-2d8f0c3b7e15")

type Chat struct {
	ID            string         `json:"id" firestore:"id"`
	BuyerID       string         `json:"buyer_id" firestore:"buyerId"`
	SellerID      string         `json:"seller_id" firestore:"sellerId"`
	Participants  []string       `json:"participants" firestore:"participants"`
	LastMessage   string         `json:"last_message,omitempty" firestore:"lastMessage,omitempty"`
	LastMessageAt time.Time      `json:"last_message_at" firestore:"lastMessageAt"`
	LastSenderID  string         `json:"last_sender_id,omitempty" firestore:"lastSenderId,omitempty"`
	UnreadCount   map[string]int `json:"unread_count" firestore:"unreadCount"` // keyed by party: buyer, seller
	Active        bool           `json:"active" firestore:"active"`
	Escalated     bool           `json:"escalated" firestore:"escalated"`
	EscalatedBy   string         `json:"escalated_by,omitempty" firestore:"escalatedBy,omitempty"`
	EscalatedAt   time.Time      `json:"escalated_at,omitempty" firestore:"escalatedAt,omitempty"`
	CreatedAt     time.Time      `json:"created_at" firestore:"createdAt"`
	UpdatedAt     time.Time      `json:"updated_at" firestore:"updatedAt"`
}

// RoomIDFor derives the room identifier of an unordered pair of users.
func RoomIDFor(userA, userB string) string {
	pair := []string{userA, userB}
	sort.Strings(pair)
	return uuid.NewSHA1(roomNamespace, []byte("room:"+strings.Join(pair, "|"))).String()
}

// NewChat builds the active room between a buyer and a seller.
func NewChat(buyerID, sellerID string, now time.Time) *Chat {
	return &Chat{
		ID:           RoomIDFor(buyerID, sellerID),
		BuyerID:      buyerID,
		SellerID:     sellerID,
		Participants: []string{buyerID, sellerID},
		UnreadCount:  map[string]int{string(RoleBuyer): 0, string(RoleSeller): 0},
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// PartyOf reports which side of the room userID is on.
func (c *Chat) PartyOf(userID string) (Role, bool) {
	switch userID {
	case c.BuyerID:
		return RoleBuyer, true
	case c.SellerID:
		return RoleSeller, true
	}
	return "", false
}

func (c *Chat) CounterpartOf(userID string) string {
	if userID == c.BuyerID {
		return c.SellerID
	}
	if userID == c.SellerID {
		return c.BuyerID
	}
	return ""
}

func (c *Chat) Unread(party Role) int {
	if c.UnreadCount == nil {
		return 0
	}
	return c.UnreadCount[string(party)]
}

// ChatSummaryPatch is a partial update of the room summary. Unread changes are relative so gateways can
// apply them atomically.
type ChatSummaryPatch struct {
	LastMessage     *string
	LastMessageAt   *time.Time
	LastSenderID    *string
	IncrementUnread []Role
	ResetUnread     []Role
	Active          *bool
	Escalated       *bool
	EscalatedBy     *string
	EscalatedAt     *time.Time
}

// Apply mutates c in place. Gateways without server-side increments use it.
func (c *Chat) Apply(p ChatSummaryPatch, now time.Time) {
	if c.UnreadCount == nil {
		c.UnreadCount = make(map[string]int)
	}
	if p.LastMessage != nil {
		c.LastMessage = *p.LastMessage
	}
	if p.LastMessageAt != nil {
		c.LastMessageAt = *p.LastMessageAt
	}
	if p.LastSenderID != nil {
		c.LastSenderID = *p.LastSenderID
	}
	for _, r := range p.IncrementUnread {
		c.UnreadCount[string(r)]++
	}
	for _, r := range p.ResetUnread {
		c.UnreadCount[string(r)] = 0
	}
	if p.Active != nil {
		c.Active = *p.Active
	}
	if p.Escalated != nil {
		c.Escalated = *p.Escalated
	}
	if p.EscalatedBy != nil {
		c.EscalatedBy = *p.EscalatedBy
	}
	if p.EscalatedAt != nil {
		c.EscalatedAt = *p.EscalatedAt
	}
	c.UpdatedAt = now
}
