package triage_test

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/triage/pkg/adapter"
	"github.com/m-mizutani/triage/pkg/model"
	"github.com/m-mizutani/triage/pkg/repository"
	"github.com/m-mizutani/triage/pkg/usecase/triage"
)

// Mock backend replying with scripted fragments
type mockBackend struct {
	mu      sync.Mutex
	opened  []adapter.ChatConfig
	replyFn func(ctx context.Context, text string) ([]string, error)
}

func (m *mockBackend) OpenChat(ctx context.Context, cfg adapter.ChatConfig) (adapter.ChatStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = append(m.opened, cfg)
	return &mockChat{backend: m}, nil
}

type mockChat struct {
	backend *mockBackend
}

func (c *mockChat) Send(ctx context.Context, text string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		fragments, err := c.backend.replyFn(ctx, text)
		for _, f := range fragments {
			if !yield(f, nil) {
				return
			}
		}
		if err != nil {
			yield("", goerr.Wrap(adapter.NewBackendError(err), "mock failure"))
		}
	}
}

// Chat that yields one fragment then blocks until released or cancelled
type gatedBackend struct {
	started chan struct{}
	release chan struct{}
}

func newGatedBackend() *gatedBackend {
	return &gatedBackend{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gatedBackend) OpenChat(ctx context.Context, cfg adapter.ChatConfig) (adapter.ChatStream, error) {
	return g, nil
}

func (g *gatedBackend) Send(ctx context.Context, text string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if !yield("Je vous écoute. ", nil) {
			return
		}
		close(g.started)

		select {
		case <-g.release:
		case <-ctx.Done():
			yield("", adapter.NewBackendError(ctx.Err()))
			return
		}
		yield("Niveau d'urgence : faible", nil)
	}
}

// Mock Repository
type mockRepository struct {
	putFn func(ctx context.Context, conv *model.Conversation) error
}

func (m *mockRepository) PutConversation(ctx context.Context, conv *model.Conversation) error {
	return m.putFn(ctx, conv)
}

func (m *mockRepository) GetConversation(ctx context.Context, id model.ConversationID) (*model.Conversation, error) {
	return nil, repository.ErrConversationNotFound
}

func (m *mockRepository) ListConversations(ctx context.Context) ([]*model.Conversation, error) {
	return nil, nil
}

func (m *mockRepository) DeleteConversation(ctx context.Context, id model.ConversationID) error {
	return nil
}

func (m *mockRepository) ClearConversations(ctx context.Context) error {
	return nil
}

var fixedTime = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedTime }

func chunk(s string, size int) []string {
	runes := []rune(s)
	var out []string
	for i := 0; i < len(runes); i += size {
		out = append(out, string(runes[i:min(i+size, len(runes))]))
	}
	return out
}

func scripted(replies ...string) func(ctx context.Context, text string) ([]string, error) {
	var mu sync.Mutex
	n := 0
	return func(ctx context.Context, text string) ([]string, error) {
		mu.Lock()
		defer mu.Unlock()
		r := replies[n%len(replies)]
		n++
		return chunk(r, 4), nil
	}
}

func newSession(t *testing.T, backend adapter.ChatBackend, repo repository.Repository, observer triage.Observer) *triage.Session {
	t.Helper()
	s := triage.New(triage.NewInput{
		Backend:  backend,
		Repo:     repo,
		Observer: observer,
		Clock:    fixedClock,
	})
	gt.NoError(t, s.Start(context.Background()))
	return s
}

func newRepo() *repository.Blob {
	return repository.New(adapter.NewMemoryStore())
}

const criticalReply = "Merci pour ces précisions.\n" +
	"Une douleur thoracique intense nécessite une prise en charge immédiate.\n" +
	"Niveau d'urgence : Urgence critique\n" +
	"Recommandation : Appelez le 15 immédiatement"

const moderateReply = "Je comprends.\n" +
	"Niveau d'urgence : Urgence modérée\n" +
	"Recommandation : Consultez un médecin dans la journée"

func TestStart(t *testing.T) {
	backend := &mockBackend{replyFn: scripted("ok")}
	s := newSession(t, backend, newRepo(), nil)

	snap := s.Snapshot()
	gt.Equal(t, snap.State, triage.StateActive)
	gt.True(t, snap.ID != "")
	gt.A(t, snap.Messages).Length(1)
	gt.Equal(t, snap.Messages[0].ID, model.WelcomeMessageID)
	gt.Equal(t, snap.Messages[0].Role, model.RoleModel)
	gt.Equal(t, snap.Messages[0].Text, triage.DefaultProtocol().WelcomeMessage)
	gt.Equal(t, snap.Urgency, model.UrgencyUnknown)
	gt.Equal(t, snap.Progress, 0)

	gt.A(t, backend.opened).Length(1)
	gt.Equal(t, backend.opened[0].Temperature, float32(0.7))
	gt.S(t, backend.opened[0].SystemInstruction).Contains("triage")

	err := s.Start(context.Background())
	gt.True(t, errors.Is(err, triage.ErrAlreadyStarted))
}

// Backend whose OpenChat blocks until released
type slowOpenBackend struct {
	entered chan struct{}
	release chan struct{}
}

func (b *slowOpenBackend) OpenChat(ctx context.Context, cfg adapter.ChatConfig) (adapter.ChatStream, error) {
	b.entered <- struct{}{}
	<-b.release
	return &mockChat{backend: &mockBackend{replyFn: scripted("ok")}}, nil
}

func TestConcurrentStart(t *testing.T) {
	backend := &slowOpenBackend{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	s := triage.New(triage.NewInput{
		Backend: backend,
		Repo:    newRepo(),
		Clock:   fixedClock,
	})

	const n = 2
	errs := make(chan error, n)
	for range n {
		go func() { errs <- s.Start(context.Background()) }()
	}
	for range n {
		<-backend.entered
	}

	// Both calls are waiting on the backend and the session stays readable
	gt.Equal(t, s.Snapshot().State, triage.StateIdle)
	close(backend.release)

	var started, rejected int
	for range n {
		err := <-errs
		switch {
		case err == nil:
			started++
		case errors.Is(err, triage.ErrAlreadyStarted):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	gt.Equal(t, started, 1)
	gt.Equal(t, rejected, n-1)
	gt.Equal(t, s.Snapshot().State, triage.StateActive)
	gt.A(t, s.Snapshot().Messages).Length(1)
}

func TestSendBeforeStart(t *testing.T) {
	s := triage.New(triage.NewInput{
		Backend: &mockBackend{replyFn: scripted("ok")},
		Repo:    newRepo(),
	})
	_, err := s.Send(context.Background(), "fièvre")
	gt.True(t, errors.Is(err, triage.ErrNotStarted))
}

func TestSendEmptyMessage(t *testing.T) {
	s := newSession(t, &mockBackend{replyFn: scripted("ok")}, newRepo(), nil)

	_, err := s.Send(context.Background(), "   \n")
	gt.True(t, errors.Is(err, triage.ErrEmptyMessage))
	gt.A(t, s.Snapshot().Messages).Length(1)
}

func TestCriticalTurn(t *testing.T) {
	ctx := context.Background()
	repo := newRepo()
	s := newSession(t, &mockBackend{replyFn: scripted(criticalReply)}, repo, nil)

	result, err := s.Send(ctx, "douleur thoracique intense depuis 10 minutes")
	gt.NoError(t, err)
	gt.NoError(t, result.Err)
	gt.NoError(t, result.HistoryErr)
	gt.Equal(t, result.Reply.Text, criticalReply)
	gt.Equal(t, result.Evaluation.Level, model.UrgencyCritical)
	gt.Equal(t, result.Urgency, model.UrgencyCritical)
	gt.Equal(t, result.Recommendation, "Appelez le 15 immédiatement")

	snap := s.Snapshot()
	gt.Equal(t, snap.State, triage.StateActive)
	gt.Equal(t, snap.Urgency, model.UrgencyCritical)
	gt.Equal(t, snap.Recommendation, "Appelez le 15 immédiatement")
	gt.Equal(t, snap.Progress, 50)
	gt.A(t, snap.Messages).Length(3)
	gt.Equal(t, snap.Messages[1].Role, model.RoleUser)
	gt.Equal(t, snap.Messages[2].Role, model.RoleModel)

	list, err := repo.ListConversations(ctx)
	gt.NoError(t, err)
	gt.A(t, list).Length(1)
	gt.Equal(t, list[0].ID, snap.ID)
	gt.Equal(t, list[0].Urgency, model.UrgencyCritical)
	gt.Equal(t, list[0].Recommendation, "Appelez le 15 immédiatement")
	gt.Equal(t, list[0].Title, "douleur thoracique intense dep")
	gt.Equal(t, list[0].Date, fixedTime.UnixMilli())
	gt.A(t, list[0].Messages).Length(3)
}

func TestChunkingDoesNotChangeOutcome(t *testing.T) {
	for _, size := range []int{1, 3, 8, 1000} {
		backend := &mockBackend{replyFn: func(ctx context.Context, text string) ([]string, error) {
			return chunk(criticalReply, size), nil
		}}
		s := newSession(t, backend, newRepo(), nil)

		result, err := s.Send(context.Background(), "douleur")
		gt.NoError(t, err)
		gt.Equal(t, result.Reply.Text, criticalReply)
		gt.Equal(t, result.Urgency, model.UrgencyCritical)
		gt.A(t, s.Snapshot().Messages).Length(3)
	}
}

func TestUnknownKeepsPriorUrgency(t *testing.T) {
	ctx := context.Background()
	repo := newRepo()
	s := newSession(t, &mockBackend{replyFn: scripted(
		moderateReply,
		"Depuis combien de temps avez-vous ces symptômes ?",
		"Niveau d'urgence : faible",
	)}, repo, nil)

	r1, err := s.Send(ctx, "maux de tête")
	gt.NoError(t, err)
	gt.Equal(t, r1.Urgency, model.UrgencyModerate)

	r2, err := s.Send(ctx, "j'ai 40 ans")
	gt.NoError(t, err)
	gt.Equal(t, r2.Evaluation.Level, model.UrgencyUnknown)
	gt.Equal(t, r2.Urgency, model.UrgencyModerate)
	gt.Equal(t, r2.Recommendation, "Consultez un médecin dans la journée")

	// known level without recommendation keeps the previous recommendation
	r3, err := s.Send(ctx, "depuis hier")
	gt.NoError(t, err)
	gt.Equal(t, r3.Urgency, model.UrgencyLow)
	gt.Equal(t, r3.Recommendation, "Consultez un médecin dans la journée")

	list, err := repo.ListConversations(ctx)
	gt.NoError(t, err)
	gt.A(t, list).Length(1)
	gt.Equal(t, list[0].Urgency, model.UrgencyLow)
	gt.A(t, list[0].Messages).Length(7)
	gt.Equal(t, s.Snapshot().Progress, 100)
}

func TestResetRequiresConfirmation(t *testing.T) {
	ctx := context.Background()
	repo := newRepo()
	s := newSession(t, &mockBackend{replyFn: scripted(moderateReply)}, repo, nil)

	_, err := s.Send(ctx, "fièvre")
	gt.NoError(t, err)
	_, err = s.Send(ctx, "39 degrés")
	gt.NoError(t, err)
	before := s.Snapshot()
	gt.Equal(t, before.Urgency, model.UrgencyModerate)

	t.Run("cancel keeps session", func(t *testing.T) {
		action := s.RequestReset()
		gt.Equal(t, action.Prompt(), triage.DefaultProtocol().ResetPrompt)
		action.Cancel()

		snap := s.Snapshot()
		gt.Equal(t, snap.ID, before.ID)
		gt.A(t, snap.Messages).Length(5)
	})

	t.Run("confirm starts a new session", func(t *testing.T) {
		gt.NoError(t, s.RequestReset().Confirm(ctx))

		snap := s.Snapshot()
		gt.True(t, snap.ID != before.ID)
		gt.Equal(t, snap.Urgency, model.UrgencyUnknown)
		gt.Equal(t, snap.Recommendation, "")
		gt.Equal(t, snap.State, triage.StateActive)
		gt.A(t, snap.Messages).Length(1)
		gt.True(t, strings.HasPrefix(string(snap.Messages[0].ID), "welcome-"))
		gt.Equal(t, snap.Messages[0].Text, triage.DefaultProtocol().ResetMessage)

		old, err := repo.GetConversation(ctx, before.ID)
		gt.NoError(t, err)
		gt.Equal(t, old.Urgency, model.UrgencyModerate)
		gt.A(t, old.Messages).Length(5)
	})
}

func TestBackendFailure(t *testing.T) {
	ctx := context.Background()
	repo := newRepo()
	fail := true
	backend := &mockBackend{replyFn: func(ctx context.Context, text string) ([]string, error) {
		if fail {
			return []string{"Je "}, errors.New("quota exceeded")
		}
		return []string{moderateReply}, nil
	}}
	s := newSession(t, backend, repo, nil)

	result, err := s.Send(ctx, "fièvre")
	gt.NoError(t, err)
	gt.Error(t, result.Err)

	var backendErr *adapter.BackendError
	gt.True(t, errors.As(result.Err, &backendErr))
	gt.Equal(t, result.Reply.Text, triage.DefaultProtocol().ErrorMessage)

	snap := s.Snapshot()
	gt.Equal(t, snap.State, triage.StateActive)
	gt.Equal(t, snap.Urgency, model.UrgencyUnknown)
	last := snap.Messages[len(snap.Messages)-1]
	gt.Equal(t, last.Text, triage.DefaultProtocol().ErrorMessage)

	list, err := repo.ListConversations(ctx)
	gt.NoError(t, err)
	gt.A(t, list).Length(0)

	// session stays usable
	fail = false
	result, err = s.Send(ctx, "fièvre")
	gt.NoError(t, err)
	gt.NoError(t, result.Err)
	gt.Equal(t, result.Urgency, model.UrgencyModerate)
}

func TestHistoryFailureDoesNotBreakTurn(t *testing.T) {
	repo := &mockRepository{putFn: func(ctx context.Context, conv *model.Conversation) error {
		return errors.New("disk full")
	}}
	s := newSession(t, &mockBackend{replyFn: scripted(criticalReply)}, repo, nil)

	result, err := s.Send(context.Background(), "douleur")
	gt.NoError(t, err)
	gt.Error(t, result.HistoryErr)
	gt.Equal(t, result.Urgency, model.UrgencyCritical)
	gt.Equal(t, s.Snapshot().State, triage.StateActive)
}

func TestConcurrentTurnRejected(t *testing.T) {
	ctx := context.Background()
	backend := newGatedBackend()
	s := newSession(t, backend, newRepo(), nil)

	type outcome struct {
		result *triage.TurnResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := s.Send(ctx, "fièvre")
		done <- outcome{r, err}
	}()

	<-backend.started
	gt.Equal(t, s.Snapshot().State, triage.StateStreaming)

	_, err := s.Send(ctx, "autre question")
	gt.True(t, errors.Is(err, triage.ErrTurnInFlight))

	close(backend.release)
	out := <-done
	gt.NoError(t, out.err)
	gt.Equal(t, out.result.Reply.Text, "Je vous écoute. Niveau d'urgence : faible")
	gt.Equal(t, out.result.Urgency, model.UrgencyLow)

	// rejected message never reached the transcript
	snap := s.Snapshot()
	gt.A(t, snap.Messages).Length(3)
	gt.Equal(t, snap.State, triage.StateActive)
}

func TestResetAbandonsInFlightTurn(t *testing.T) {
	ctx := context.Background()
	backend := newGatedBackend()
	repo := newRepo()
	s := newSession(t, backend, repo, nil)
	oldID := s.Snapshot().ID

	done := make(chan error, 1)
	go func() {
		_, err := s.Send(ctx, "fièvre")
		done <- err
	}()

	<-backend.started
	gt.NoError(t, s.RequestReset().Confirm(ctx))

	err := <-done
	gt.True(t, errors.Is(err, triage.ErrTurnAbandoned))

	snap := s.Snapshot()
	gt.True(t, snap.ID != oldID)
	gt.A(t, snap.Messages).Length(1)
	gt.Equal(t, snap.State, triage.StateActive)

	list, err := repo.ListConversations(ctx)
	gt.NoError(t, err)
	gt.A(t, list).Length(0)
}

func TestObserverSeesLifecycle(t *testing.T) {
	var mu sync.Mutex
	var states []triage.State
	var fragments []string
	observer := func(u triage.Update) {
		mu.Lock()
		defer mu.Unlock()
		if len(states) == 0 || states[len(states)-1] != u.State {
			states = append(states, u.State)
		}
		if u.Fragment != "" {
			fragments = append(fragments, u.Fragment)
		}
	}

	s := newSession(t, &mockBackend{replyFn: scripted(moderateReply)}, newRepo(), observer)
	_, err := s.Send(context.Background(), "fièvre")
	gt.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	gt.Equal(t, states, []triage.State{
		triage.StateActive,
		triage.StateSending,
		triage.StateStreaming,
		triage.StateSettled,
		triage.StateActive,
	})
	gt.Equal(t, strings.Join(fragments, ""), moderateReply)
}

func TestObserverSeesErrored(t *testing.T) {
	var states []triage.State
	observer := func(u triage.Update) {
		states = append(states, u.State)
	}
	backend := &mockBackend{replyFn: func(ctx context.Context, text string) ([]string, error) {
		return nil, errors.New("unavailable")
	}}

	s := newSession(t, backend, newRepo(), observer)
	_, err := s.Send(context.Background(), "fièvre")
	gt.NoError(t, err)

	gt.Equal(t, states, []triage.State{
		triage.StateActive,
		triage.StateSending,
		triage.StateErrored,
		triage.StateActive,
	})
}

func TestSuggestions(t *testing.T) {
	s := newSession(t, &mockBackend{replyFn: scripted("Bien noté.")}, newRepo(), nil)
	gt.A(t, s.Suggestions()).Length(4)

	_, err := s.Send(context.Background(), "Fièvre")
	gt.NoError(t, err)
	gt.A(t, s.Suggestions()).Length(0)
}

func TestProgress(t *testing.T) {
	testCases := []struct {
		turns   int
		urgency model.UrgencyLevel
		want    int
	}{
		{0, model.UrgencyUnknown, 0},
		{1, model.UrgencyUnknown, 25},
		{1, model.UrgencyCritical, 50},
		{2, model.UrgencyLow, 75},
		{3, model.UrgencyModerate, 100},
		{6, model.UrgencyUnknown, 100},
	}
	for _, tc := range testCases {
		gt.Equal(t, triage.Progress(tc.turns, tc.urgency), tc.want)
	}
}

func TestHighestSeverityProtocol(t *testing.T) {
	p := triage.DefaultProtocol()
	p.Policy = triage.PolicyHighestSeverity
	s := triage.New(triage.NewInput{
		Backend:  &mockBackend{replyFn: scripted("Niveau d'urgence : critique\nNiveau d'urgence : faible")},
		Repo:     newRepo(),
		Protocol: p,
	})
	gt.NoError(t, s.Start(context.Background()))

	result, err := s.Send(context.Background(), "douleur")
	gt.NoError(t, err)
	gt.Equal(t, result.Urgency, model.UrgencyCritical)
}
