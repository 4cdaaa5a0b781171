package repository

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/triage/pkg/model"
)

var (
	ErrConversationNotFound = goerr.New("conversation not found")
)

// Repository defines the interface for conversation history persistence
type Repository interface {
	// PutConversation upserts a conversation snapshot. An existing record with
	// the same ID is replaced in place, otherwise the record is prepended.
	PutConversation(ctx context.Context, conv *model.Conversation) error

	// GetConversation retrieves a conversation by ID
	GetConversation(ctx context.Context, id model.ConversationID) (*model.Conversation, error)

	// ListConversations returns all stored conversations in stored order
	ListConversations(ctx context.Context) ([]*model.Conversation, error)

	// DeleteConversation removes one conversation. Unknown IDs are ignored.
	DeleteConversation(ctx context.Context, id model.ConversationID) error

	// ClearConversations removes the whole history
	ClearConversations(ctx context.Context) error
}

// MaxConversations is the number of conversations retained in history
const MaxConversations = 50

// Upsert applies the history write rule to list and returns the new list:
// replace in place when the ID exists, prepend otherwise, then keep at most
// limit entries. list is not modified.
func Upsert(list []*model.Conversation, conv *model.Conversation, limit int) []*model.Conversation {
	out := make([]*model.Conversation, 0, len(list)+1)

	replaced := false
	for _, c := range list {
		if c.ID == conv.ID && !replaced {
			out = append(out, conv)
			replaced = true
			continue
		}
		out = append(out, c)
	}
	if !replaced {
		out = append([]*model.Conversation{conv}, out...)
	}

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
