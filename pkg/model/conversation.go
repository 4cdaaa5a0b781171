package model

import (
	"time"

	"github.com/google/uuid"
)

type ConversationID string

// NewConversationID generates a new unique ConversationID
func NewConversationID() ConversationID {
	return ConversationID(uuid.New().String())
}

const (
	// DefaultTitle is used when a conversation has no user message yet
	DefaultTitle = "Consultation"

	titleMaxLength = 30
)

// Conversation is the persisted snapshot of one triage dialogue. Date is the
// epoch millisecond of the last write.
type Conversation struct {
	ID             ConversationID `json:"id"`
	Title          string         `json:"title"`
	Messages       []Message      `json:"messages"`
	Urgency        UrgencyLevel   `json:"urgency"`
	Recommendation string         `json:"recommendation,omitempty"`
	Date           int64          `json:"date"`
}

// Time returns the last write time of the conversation
func (c *Conversation) Time() time.Time {
	return time.UnixMilli(c.Date)
}

// Clone returns a deep copy of the conversation
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Messages = CloneMessages(c.Messages)
	return &out
}

// UserTurns counts the messages sent by the patient
func (c *Conversation) UserTurns() int {
	return CountUserTurns(c.Messages)
}

// CountUserTurns counts messages with RoleUser
func CountUserTurns(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		if m.Role == RoleUser {
			n++
		}
	}
	return n
}

// DeriveTitle returns the first user message truncated to 30 characters, or
// DefaultTitle when there is none.
func DeriveTitle(msgs []Message) string {
	for _, m := range msgs {
		if m.Role != RoleUser || m.Text == "" {
			continue
		}
		r := []rune(m.Text)
		if len(r) > titleMaxLength {
			r = r[:titleMaxLength]
		}
		return string(r)
	}
	return DefaultTitle
}
