package triage_test

import (
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/triage/pkg/model"
	"github.com/m-mizutani/triage/pkg/usecase/triage"
)

func TestReplaceMessage(t *testing.T) {
	msgs := []model.Message{
		{ID: "a", Role: model.RoleModel, Text: "welcome"},
		{ID: "b", Role: model.RoleUser, Text: "question"},
		{ID: "c", Role: model.RoleModel, Text: "par"},
	}

	t.Run("replace keeps position", func(t *testing.T) {
		out := triage.ReplaceMessage(msgs, model.Message{ID: "c", Role: model.RoleModel, Text: "partial"})
		gt.A(t, out).Length(3)
		gt.Equal(t, out[2].Text, "partial")
		gt.Equal(t, msgs[2].Text, "par")
	})

	t.Run("append when absent", func(t *testing.T) {
		out := triage.ReplaceMessage(msgs, model.Message{ID: "d", Role: model.RoleModel, Text: "new"})
		gt.A(t, out).Length(4)
		gt.Equal(t, out[3].ID, model.MessageID("d"))
		gt.A(t, msgs).Length(3)
	})
}

func TestAssemblerChunkInvariance(t *testing.T) {
	reply := "Merci.\nNiveau d'urgence : Urgence modérée\nRecommandation : Consultez sous 24 heures"
	runes := []rune(reply)
	clock := func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	for _, size := range []int{1, 2, 5, 13, len(runes)} {
		base := []model.Message{{ID: "welcome", Role: model.RoleModel, Text: "Bonjour"}}
		a := triage.NewAssembler("reply", clock)

		msgs := base
		for i := 0; i < len(runes); i += size {
			end := min(i+size, len(runes))
			msgs = a.Add(msgs, string(runes[i:end]))
			gt.A(t, msgs).Length(2)
		}

		gt.Equal(t, msgs[1].Text, reply)
		gt.Equal(t, msgs[1].ID, model.MessageID("reply"))
		gt.Equal(t, msgs[1].Role, model.RoleModel)
		gt.Equal(t, msgs[1].Timestamp, clock().UnixMilli())
		gt.Equal(t, a.Text(), reply)
		gt.Equal(t, triage.Extract(a.Text()).Level, model.UrgencyModerate)
	}
}

func TestAssemblerEmptyFragments(t *testing.T) {
	a := triage.NewAssembler("x", nil)
	msgs := a.Add(nil, "")
	msgs = a.Add(msgs, "ok")
	msgs = a.Add(msgs, "")
	gt.A(t, msgs).Length(1)
	gt.Equal(t, msgs[0].Text, "ok")
	gt.Equal(t, a.Text(), "ok")
}
