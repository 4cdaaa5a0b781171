// Package pending models destructive operations that need an explicit user
// confirmation. The core returns an Action describing what would happen; the
// caller asks the user through its own channel and then calls Confirm or Cancel.
package pending

import (
	"context"
	"sync"

	"github.com/m-mizutani/goerr/v2"
)

var (
	ErrAlreadySettled = goerr.New("action is already confirmed or canceled")
)

// Action is a deferred destructive operation
type Action struct {
	prompt string
	run    func(ctx context.Context) error

	mu      sync.Mutex
	settled bool
}

// New creates an Action. prompt is the question shown to the user.
func New(prompt string, run func(ctx context.Context) error) *Action {
	return &Action{prompt: prompt, run: run}
}

// Prompt returns the confirmation question
func (a *Action) Prompt() string {
	return a.prompt
}

// Confirm executes the action. An Action runs at most once.
func (a *Action) Confirm(ctx context.Context) error {
	a.mu.Lock()
	if a.settled {
		a.mu.Unlock()
		return goerr.Wrap(ErrAlreadySettled, "cannot confirm action", goerr.V("prompt", a.prompt))
	}
	a.settled = true
	a.mu.Unlock()

	return a.run(ctx)
}

// Cancel discards the action without running it
func (a *Action) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settled = true
}

// Resolve confirms the action when ok is true and cancels it otherwise. It
// returns whether the action was executed.
func (a *Action) Resolve(ctx context.Context, ok bool) (bool, error) {
	if !ok {
		a.Cancel()
		return false, nil
	}
	if err := a.Confirm(ctx); err != nil {
		return false, err
	}
	return true, nil
}
