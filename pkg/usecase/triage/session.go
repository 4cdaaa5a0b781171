package triage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/triage/pkg/adapter"
	"github.com/m-mizutani/triage/pkg/model"
	"github.com/m-mizutani/triage/pkg/repository"
	"github.com/m-mizutani/triage/pkg/usecase/pending"
	"github.com/m-mizutani/triage/pkg/utils/logging"
)

// State is the lifecycle state of a triage session
type State string

const (
	StateIdle      State = "idle"
	StateActive    State = "active"
	StateSending   State = "sending"
	StateStreaming State = "streaming"
	StateSettled   State = "settled"
	StateErrored   State = "errored"
)

// InFlight reports whether a turn is running in this state
func (s State) InFlight() bool {
	return s == StateSending || s == StateStreaming
}

var (
	ErrEmptyMessage   = goerr.New("message is empty")
	ErrNotStarted     = goerr.New("triage session is not started")
	ErrAlreadyStarted = goerr.New("triage session is already started")
	ErrTurnInFlight   = goerr.New("another turn is in flight")
	ErrTurnAbandoned  = goerr.New("turn was abandoned by a reset")
)

// suggestions are offered while the transcript is shorter than this
const minSuggestionCount = 3

// Update is emitted to the observer on every state change and fragment
type Update struct {
	SessionID model.ConversationID
	State     State
	// Fragment is the text appended by this update, empty unless streaming
	Fragment string
	Messages []model.Message
}

// Observer receives session updates. It is called outside the session lock
// and must not block for long.
type Observer func(Update)

// Snapshot is a point-in-time copy of the session
type Snapshot struct {
	ID             model.ConversationID
	State          State
	Messages       []model.Message
	Urgency        model.UrgencyLevel
	Recommendation string
	Progress       int
}

// TurnResult is the outcome of one Send
type TurnResult struct {
	SessionID model.ConversationID
	Reply     model.Message
	// Evaluation is the raw extraction of Reply
	Evaluation Evaluation
	// Urgency and Recommendation are the session values after the turn
	Urgency        model.UrgencyLevel
	Recommendation string
	// Err is the backend failure already surfaced to the user as Reply
	Err error
	// HistoryErr is set when the settled turn could not be written to history
	HistoryErr error
}

// Session runs one triage dialogue at a time. Reset replaces the dialogue in
// place with a fresh one under a new session id.
type Session struct {
	backend   adapter.ChatBackend
	repo      repository.Repository
	protocol  *Protocol
	extractor *Extractor
	observer  Observer
	now       func() time.Time

	mu             sync.Mutex
	state          State
	id             model.ConversationID
	chat           adapter.ChatStream
	messages       []model.Message
	urgency        model.UrgencyLevel
	recommendation string
	cancelTurn     context.CancelFunc
}

// NewInput contains parameters for creating a triage session
type NewInput struct {
	Backend  adapter.ChatBackend
	Repo     repository.Repository
	Protocol *Protocol // Optional: DefaultProtocol() when nil
	Observer Observer  // Optional
	Clock    func() time.Time
}

func New(input NewInput) *Session {
	protocol := input.Protocol
	if protocol == nil {
		protocol = DefaultProtocol()
	}
	now := input.Clock
	if now == nil {
		now = time.Now
	}

	return &Session{
		backend:   input.Backend,
		repo:      input.Repo,
		protocol:  protocol,
		extractor: NewExtractor(protocol.Keywords, protocol.Policy),
		observer:  input.Observer,
		now:       now,

		state:   StateIdle,
		urgency: model.UrgencyUnknown,
	}
}

// Start opens the first dialogue and installs the welcome message
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != StateIdle {
		return goerr.Wrap(ErrAlreadyStarted, "cannot start session")
	}

	return s.begin(ctx, true, model.Message{
		ID:   model.WelcomeMessageID,
		Role: model.RoleModel,
		Text: s.protocol.WelcomeMessage,
	})
}

// RequestReset returns the confirmation step of a reset. Nothing changes until
// the returned action is confirmed.
func (s *Session) RequestReset() *pending.Action {
	return pending.New(s.protocol.ResetPrompt, s.reset)
}

func (s *Session) reset(ctx context.Context) error {
	s.mu.Lock()
	prev := s.id
	s.mu.Unlock()

	welcome := model.Message{
		ID:   model.MessageID(fmt.Sprintf("%s-%d", model.WelcomeMessageID, s.now().UnixMilli())),
		Role: model.RoleModel,
		Text: s.protocol.ResetMessage,
	}
	if err := s.begin(ctx, false, welcome); err != nil {
		return err
	}

	logging.From(ctx).Info("triage session reset", "previous_session_id", prev, "session_id", s.Snapshot().ID)
	return nil
}

// begin installs a fresh dialogue. Any in-flight turn of the previous dialogue
// is cancelled and its late fragments are dropped by the session id check.
// The chat is opened without holding s.mu. When fromIdle is set, only a
// session still idle once the chat is open is started.
func (s *Session) begin(ctx context.Context, fromIdle bool, welcome model.Message) error {
	chat, err := s.backend.OpenChat(ctx, adapter.ChatConfig{
		SystemInstruction: s.protocol.SystemInstruction,
		Temperature:       s.protocol.Temperature,
	})
	if err != nil {
		return goerr.Wrap(err, "failed to open chat")
	}

	s.mu.Lock()
	if fromIdle && s.state != StateIdle {
		id := s.id
		s.mu.Unlock()
		return goerr.Wrap(ErrAlreadyStarted, "cannot start session", goerr.V("session_id", id))
	}

	if s.cancelTurn != nil {
		s.cancelTurn()
		s.cancelTurn = nil
	}

	welcome.Timestamp = s.now().UnixMilli()
	s.id = model.NewConversationID()
	s.chat = chat
	s.messages = []model.Message{welcome}
	s.urgency = model.UrgencyUnknown
	s.recommendation = ""
	s.state = StateActive
	upd := s.updateLocked("")
	s.mu.Unlock()

	s.notify(upd)
	logging.From(ctx).Debug("triage session started", "session_id", upd.SessionID)
	return nil
}

// Send runs one user turn to completion. Backend failures are not returned as
// error: they are reported in TurnResult.Err after the error message has been
// appended to the transcript.
func (s *Session) Send(ctx context.Context, text string) (*TurnResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	s.mu.Lock()
	switch {
	case s.state == StateIdle:
		s.mu.Unlock()
		return nil, ErrNotStarted
	case s.state.InFlight():
		s.mu.Unlock()
		return nil, goerr.Wrap(ErrTurnInFlight, "turn rejected", goerr.V("session_id", s.id))
	}

	turnID := s.id
	chat := s.chat
	turnCtx, cancel := context.WithCancel(ctx)
	s.cancelTurn = cancel
	defer cancel()

	s.messages = append(model.CloneMessages(s.messages), model.Message{
		ID:        model.NewMessageID(),
		Role:      model.RoleUser,
		Text:      text,
		Timestamp: s.now().UnixMilli(),
	})
	s.state = StateSending
	upd := s.updateLocked("")
	s.mu.Unlock()
	s.notify(upd)

	logger := logging.From(ctx).With("session_id", turnID)
	assembler := NewAssembler(model.NewMessageID(), s.now)

	var streamErr error
	for fragment, err := range chat.Send(turnCtx, text) {
		if err != nil {
			streamErr = err
			break
		}

		s.mu.Lock()
		if s.id != turnID {
			s.mu.Unlock()
			return nil, goerr.Wrap(ErrTurnAbandoned, "fragment dropped", goerr.V("session_id", turnID))
		}
		s.messages = assembler.Add(s.messages, fragment)
		s.state = StateStreaming
		upd := s.updateLocked(fragment)
		s.mu.Unlock()
		s.notify(upd)
	}

	s.mu.Lock()
	if s.id != turnID {
		s.mu.Unlock()
		return nil, goerr.Wrap(ErrTurnAbandoned, "turn dropped", goerr.V("session_id", turnID))
	}
	s.cancelTurn = nil

	if streamErr != nil {
		return s.failLocked(logger, turnID, streamErr), nil
	}

	reply := assembler.Message()
	s.messages = ReplaceMessage(s.messages, reply)

	eval := s.extractor.Extract(reply.Text)
	if eval.Level.Known() {
		s.urgency = eval.Level
		if eval.Recommendation != "" {
			s.recommendation = eval.Recommendation
		}
	}

	conv := s.conversationLocked()
	result := &TurnResult{
		SessionID:      turnID,
		Reply:          reply,
		Evaluation:     eval,
		Urgency:        s.urgency,
		Recommendation: s.recommendation,
	}
	s.mu.Unlock()

	if err := s.repo.PutConversation(ctx, conv); err != nil {
		result.HistoryErr = goerr.Wrap(err, "failed to save conversation", goerr.V("session_id", turnID))
		logger.Error("failed to save conversation", "error", result.HistoryErr)
	}

	s.mu.Lock()
	if s.id != turnID {
		// reset landed while history was being written; the record belongs to
		// the previous dialogue and stays valid
		s.mu.Unlock()
		return result, nil
	}
	s.state = StateSettled
	settled := s.updateLocked("")
	s.state = StateActive
	active := s.updateLocked("")
	s.mu.Unlock()

	s.notify(settled)
	s.notify(active)

	logger.Info("triage turn settled",
		"urgency", result.Urgency,
		"extracted", eval.Level,
		"user_turns", model.CountUserTurns(conv.Messages),
	)
	return result, nil
}

// failLocked appends the error message and returns the session to active.
// It must be called with s.mu held and releases it.
func (s *Session) failLocked(logger *slog.Logger, turnID model.ConversationID, cause error) *TurnResult {
	reply := model.Message{
		ID:        model.NewMessageID(),
		Role:      model.RoleModel,
		Text:      s.protocol.ErrorMessage,
		Timestamp: s.now().UnixMilli(),
	}
	s.messages = append(model.CloneMessages(s.messages), reply)
	s.state = StateErrored
	errored := s.updateLocked("")
	s.state = StateActive
	active := s.updateLocked("")
	result := &TurnResult{
		SessionID:      turnID,
		Reply:          reply,
		Evaluation:     Evaluation{Level: model.UrgencyUnknown},
		Urgency:        s.urgency,
		Recommendation: s.recommendation,
		Err:            cause,
	}
	s.mu.Unlock()

	s.notify(errored)
	s.notify(active)
	logger.Warn("triage turn failed", "error", cause)
	return result
}

// Snapshot returns a copy of the current session
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Snapshot{
		ID:             s.id,
		State:          s.state,
		Messages:       model.CloneMessages(s.messages),
		Urgency:        s.urgency,
		Recommendation: s.recommendation,
		Progress:       Progress(model.CountUserTurns(s.messages), s.urgency),
	}
}

// Conversation returns the session as it would be written to history
func (s *Session) Conversation() *model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationLocked()
}

// Suggestions returns the quick-start entries while the dialogue is still at
// its opening, and nil afterwards.
func (s *Session) Suggestions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive || len(s.messages) >= minSuggestionCount {
		return nil
	}
	return append([]string(nil), s.protocol.Suggestions...)
}

// Protocol returns the protocol the session runs with
func (s *Session) Protocol() *Protocol {
	return s.protocol
}

// Progress is the cosmetic completion estimate of a dialogue
func Progress(userTurns int, urgency model.UrgencyLevel) int {
	p := userTurns * 25
	if urgency.Known() {
		p += 25
	}
	return min(100, p)
}

func (s *Session) conversationLocked() *model.Conversation {
	msgs := model.CloneMessages(s.messages)
	return &model.Conversation{
		ID:             s.id,
		Title:          model.DeriveTitle(msgs),
		Messages:       msgs,
		Urgency:        s.urgency,
		Recommendation: s.recommendation,
		Date:           s.now().UnixMilli(),
	}
}

func (s *Session) updateLocked(fragment string) Update {
	return Update{
		SessionID: s.id,
		State:     s.state,
		Fragment:  fragment,
		Messages:  model.CloneMessages(s.messages),
	}
}

func (s *Session) notify(upd Update) {
	if s.observer != nil {
		s.observer(upd)
	}
}
