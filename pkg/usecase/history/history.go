package history

import (
	"context"
	"slices"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/triage/pkg/model"
	"github.com/m-mizutani/triage/pkg/repository"
	"github.com/m-mizutani/triage/pkg/usecase/pending"
	"github.com/m-mizutani/triage/pkg/utils/logging"
)

const (
	DeletePrompt = "Voulez-vous supprimer cette consultation de l'historique ?"
	ClearPrompt  = "Êtes-vous sûr de vouloir effacer tout votre historique de triage ? Cette action est irréversible."
)

// SortBy selects the ordering of a history view
type SortBy string

const (
	SortByDate    SortBy = "date"
	SortByUrgency SortBy = "urgency"
)

// Order is the direction of a history view
type Order string

const (
	OrderDesc Order = "desc"
	OrderAsc  Order = "asc"
)

// ListOptions describes a history view. The zero value lists everything,
// most recent first.
type ListOptions struct {
	// Query is matched case-insensitively against title and urgency label
	Query string
	// Level keeps only conversations at this urgency. Empty means all levels.
	Level  model.UrgencyLevel
	SortBy SortBy
	Order  Order
}

// Validate checks sort and order values
func (o ListOptions) Validate() error {
	switch o.SortBy {
	case "", SortByDate, SortByUrgency:
	default:
		return goerr.New("invalid sort key", goerr.V("sort", o.SortBy))
	}
	switch o.Order {
	case "", OrderDesc, OrderAsc:
	default:
		return goerr.New("invalid order", goerr.V("order", o.Order))
	}
	return nil
}

// Stats counts stored conversations per urgency level
type Stats struct {
	Total    int
	Critical int
	Moderate int
	Low      int
	Unknown  int
}

// UseCase provides history views and maintenance over a repository
type UseCase struct {
	repo repository.Repository
}

func New(repo repository.Repository) *UseCase {
	return &UseCase{repo: repo}
}

// List returns the conversations matching opts. Stored order is not changed.
func (u *UseCase) List(ctx context.Context, opts ListOptions) ([]*model.Conversation, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	list, err := u.repo.ListConversations(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list conversations")
	}

	return Filter(list, opts), nil
}

// Filter applies search, level filter and sort to list and returns a new slice
func Filter(list []*model.Conversation, opts ListOptions) []*model.Conversation {
	query := strings.ToLower(strings.TrimSpace(opts.Query))

	out := make([]*model.Conversation, 0, len(list))
	for _, c := range list {
		if opts.Level != "" && c.Urgency != opts.Level {
			continue
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(c.Title), query) &&
			!strings.Contains(strings.ToLower(c.Urgency.String()), query) {
			continue
		}
		out = append(out, c)
	}

	cmp := func(a, b *model.Conversation) int {
		return compareInt64(b.Date, a.Date)
	}
	if opts.SortBy == SortByUrgency {
		cmp = func(a, b *model.Conversation) int {
			return b.Urgency.Priority() - a.Urgency.Priority()
		}
	}
	if opts.Order == OrderAsc {
		desc := cmp
		cmp = func(a, b *model.Conversation) int { return desc(b, a) }
	}
	slices.SortStableFunc(out, cmp)

	return out
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Stats counts the stored conversations
func (u *UseCase) Stats(ctx context.Context) (*Stats, error) {
	list, err := u.repo.ListConversations(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list conversations")
	}

	stats := &Stats{Total: len(list)}
	for _, c := range list {
		switch c.Urgency {
		case model.UrgencyCritical:
			stats.Critical++
		case model.UrgencyModerate:
			stats.Moderate++
		case model.UrgencyLow:
			stats.Low++
		default:
			stats.Unknown++
		}
	}
	return stats, nil
}

// Show returns one conversation
func (u *UseCase) Show(ctx context.Context, id model.ConversationID) (*model.Conversation, error) {
	conv, err := u.repo.GetConversation(ctx, id)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get conversation", goerr.V("id", id))
	}
	return conv, nil
}

// RequestDelete returns the confirmation step for removing one conversation
func (u *UseCase) RequestDelete(id model.ConversationID) *pending.Action {
	return pending.New(DeletePrompt, func(ctx context.Context) error {
		if err := u.repo.DeleteConversation(ctx, id); err != nil {
			return goerr.Wrap(err, "failed to delete conversation", goerr.V("id", id))
		}
		logging.From(ctx).Info("conversation deleted", "id", id)
		return nil
	})
}

// RequestClear returns the confirmation step for removing the whole history
func (u *UseCase) RequestClear() *pending.Action {
	return pending.New(ClearPrompt, func(ctx context.Context) error {
		if err := u.repo.ClearConversations(ctx); err != nil {
			return goerr.Wrap(err, "failed to clear history")
		}
		logging.From(ctx).Info("history cleared")
		return nil
	})
}
