package chat

import (
	"time"

	"github.com/google/uuid"
)

// PendingID is the sentinel identifier of a locally created message the
// server has not confirmed yet. Confirmed identifiers are positive and
// globally unique.
const PendingID int64 = 0

// Message is one chat message as held by the sync core. REST history and
// hub event payloads decode directly into it.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversationId"`
	SenderID       int64     `json:"senderId"`
	Content        string    `json:"content"`
	SentAt         time.Time `json:"sentAt"`
	IsRead         bool      `json:"isRead"`

	// LocalID correlates a pending message with UI state. It survives the
	// replacement by the confirmed echo; server payloads carry none.
	LocalID string `json:"-"`
}

// Pending reports whether the message still awaits server confirmation.
func (m Message) Pending() bool { return m.ID == PendingID }

// NewPending creates the optimistic local message inserted at send time.
func NewPending(conversationID, senderID int64, content string) Message {
	return Message{
		ID:             PendingID,
		LocalID:        uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		SentAt:         time.Now(),
	}
}

// Conversation is one entry of the conversation directory.
type Conversation struct {
	ID            int64    `json:"conversationId"`
	OtherUserName string   `json:"otherUserName"`
	LastMessage   *Message `json:"lastMessage,omitempty"`
	UnreadCount   int      `json:"unreadCount"`
}
