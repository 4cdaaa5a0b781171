package model

import (
	"time"

	"github.com/google/uuid"
)

type MessageID string

// NewMessageID generates a new unique MessageID
func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}

// WelcomeMessageID is the id of the greeting installed when a dialogue starts
const WelcomeMessageID MessageID = "welcome"

type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Message is one entry of a triage transcript. Timestamp is epoch milliseconds.
type Message struct {
	ID        MessageID `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp int64     `json:"timestamp"`
}

// Time returns the message timestamp as time.Time
func (m Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// CloneMessages returns a copy of msgs that shares no backing array with it
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}
