package repository

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/triage/pkg/adapter"
	"github.com/m-mizutani/triage/pkg/model"
	"github.com/m-mizutani/triage/pkg/utils/logging"
)

// DefaultHistoryKey is the blob key holding the serialized history
const DefaultHistoryKey = "medical_assistant_history"

// Blob stores the whole history as one JSON array under a single key of a
// BlobStore. Every mutation is a read-modify-write of that blob.
type Blob struct {
	store adapter.BlobStore
	key   string
	limit int

	mu sync.Mutex
}

var _ Repository = (*Blob)(nil)

type BlobOption func(*Blob)

// WithKey changes the blob key
func WithKey(key string) BlobOption {
	return func(b *Blob) {
		if key != "" {
			b.key = key
		}
	}
}

// WithLimit changes the number of retained conversations
func WithLimit(limit int) BlobOption {
	return func(b *Blob) {
		if limit > 0 {
			b.limit = limit
		}
	}
}

// New creates a Repository on top of store
func New(store adapter.BlobStore, opts ...BlobOption) *Blob {
	b := &Blob{
		store: store,
		key:   DefaultHistoryKey,
		limit: MaxConversations,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Encode serializes a history list in the persisted blob format
func Encode(list []*model.Conversation) ([]byte, error) {
	if list == nil {
		list = []*model.Conversation{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal history")
	}
	return data, nil
}

// Decode parses a persisted blob. It fails on malformed data.
func Decode(data []byte) ([]*model.Conversation, error) {
	var list []*model.Conversation
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, goerr.Wrap(err, "failed to unmarshal history", goerr.V("size", len(data)))
	}

	out := make([]*model.Conversation, 0, len(list))
	for _, c := range list {
		if c == nil {
			continue
		}
		if c.Urgency == "" {
			c.Urgency = model.UrgencyUnknown
		}
		out = append(out, c)
	}
	return out, nil
}

// load reads the history. A missing blob is an empty history and so is a
// corrupted one: malformed stored data is logged and dropped, never returned
// as an error.
func (b *Blob) load(ctx context.Context) ([]*model.Conversation, error) {
	data, err := b.store.Get(ctx, b.key)
	if err != nil {
		if errors.Is(err, adapter.ErrBlobNotFound) {
			return nil, nil
		}
		return nil, goerr.Wrap(err, "failed to read history blob", goerr.V("key", b.key))
	}

	list, err := Decode(data)
	if err != nil {
		logging.From(ctx).Warn("stored history is corrupted, starting from an empty history",
			"key", b.key,
			"error", err,
		)
		return nil, nil
	}
	return list, nil
}

func (b *Blob) save(ctx context.Context, list []*model.Conversation) error {
	data, err := Encode(list)
	if err != nil {
		return err
	}
	if err := b.store.Set(ctx, b.key, data); err != nil {
		return goerr.Wrap(err, "failed to write history blob", goerr.V("key", b.key))
	}
	return nil
}

func (b *Blob) PutConversation(ctx context.Context, conv *model.Conversation) error {
	if conv == nil || conv.ID == "" {
		return goerr.New("conversation ID is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	list, err := b.load(ctx)
	if err != nil {
		return err
	}

	list = Upsert(list, conv.Clone(), b.limit)
	return b.save(ctx, list)
}

func (b *Blob) GetConversation(ctx context.Context, id model.ConversationID) (*model.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list, err := b.load(ctx)
	if err != nil {
		return nil, err
	}

	for _, c := range list {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, goerr.Wrap(ErrConversationNotFound, "no such conversation", goerr.V("id", id))
}

func (b *Blob) ListConversations(ctx context.Context) ([]*model.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list, err := b.load(ctx)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*model.Conversation{}
	}
	return list, nil
}

func (b *Blob) DeleteConversation(ctx context.Context, id model.ConversationID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	list, err := b.load(ctx)
	if err != nil {
		return err
	}

	filtered := make([]*model.Conversation, 0, len(list))
	for _, c := range list {
		if c.ID != id {
			filtered = append(filtered, c)
		}
	}
	if len(filtered) == len(list) {
		return nil
	}

	return b.save(ctx, filtered)
}

func (b *Blob) ClearConversations(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.store.Remove(ctx, b.key); err != nil {
		return goerr.Wrap(err, "failed to remove history blob", goerr.V("key", b.key))
	}
	return nil
}
