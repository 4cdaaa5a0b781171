package adapter

import (
	"context"
	"iter"
)

// ChatConfig is the fixed configuration of one triage dialogue
type ChatConfig struct {
	SystemInstruction string
	Temperature       float32
}

// ChatBackend opens chat sessions against the language model
type ChatBackend interface {
	// OpenChat starts a new dialogue. Prior turns are kept by the returned stream.
	OpenChat(ctx context.Context, cfg ChatConfig) (ChatStream, error)
}

// ChatStream is one open dialogue with the language model
type ChatStream interface {
	// Send submits a user turn and yields reply fragments in arrival order.
	// A failing turn yields a single *BackendError and stops.
	Send(ctx context.Context, text string) iter.Seq2[string, error]
}

// BackendError reports a transport failure or a non-success response from the
// language model backend.
type BackendError struct {
	cause error
}

func NewBackendError(cause error) *BackendError {
	return &BackendError{cause: cause}
}

func (e *BackendError) Error() string {
	if e.cause == nil {
		return "backend error"
	}
	return "backend error: " + e.cause.Error()
}

func (e *BackendError) Unwrap() error {
	return e.cause
}
