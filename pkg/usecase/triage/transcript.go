package triage

import (
	"strings"
	"time"

	"github.com/m-mizutani/triage/pkg/model"
)

// ReplaceMessage returns a new list where the message with msg.ID is replaced
// in place, or msg is appended when absent. msgs is never modified.
func ReplaceMessage(msgs []model.Message, msg model.Message) []model.Message {
	out := make([]model.Message, 0, len(msgs)+1)
	found := false
	for _, m := range msgs {
		if m.ID == msg.ID {
			out = append(out, msg)
			found = true
			continue
		}
		out = append(out, m)
	}
	if !found {
		out = append(out, msg)
	}
	return out
}

// Assembler grows one assistant message out of streamed fragments
type Assembler struct {
	id  model.MessageID
	buf strings.Builder
	now func() time.Time
}

// NewAssembler creates an Assembler for the message id. now may be nil.
func NewAssembler(id model.MessageID, now func() time.Time) *Assembler {
	if now == nil {
		now = time.Now
	}
	return &Assembler{id: id, now: now}
}

// ID returns the id of the assembled message
func (a *Assembler) ID() model.MessageID {
	return a.id
}

// Add appends fragment and returns msgs rebuilt with the grown message
func (a *Assembler) Add(msgs []model.Message, fragment string) []model.Message {
	a.buf.WriteString(fragment)
	return ReplaceMessage(msgs, a.Message())
}

// Text returns the concatenation of all fragments seen so far
func (a *Assembler) Text() string {
	return a.buf.String()
}

// Message returns the assembled message stamped with the current time
func (a *Assembler) Message() model.Message {
	return model.Message{
		ID:        a.id,
		Role:      model.RoleModel,
		Text:      a.buf.String(),
		Timestamp: a.now().UnixMilli(),
	}
}
