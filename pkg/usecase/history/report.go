package history

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/triage/pkg/model"
)

// EmergencyNumbers are printed with critical results
var EmergencyNumbers = []struct {
	Number string
	Label  string
}{
	{"15", "SAMU - Urgences médicales"},
	{"18", "Pompiers - Secours & incendies"},
	{"112", "Numéro d'urgence européen"},
}

const disclaimer = "Cet assistant ne remplace pas un médecin. En cas d'urgence vitale, contactez le 15 (SAMU)."

// WriteReport renders a printable triage report of conv
func WriteReport(w io.Writer, conv *model.Conversation, loc *time.Location) error {
	if loc == nil {
		loc = time.Local
	}

	var b strings.Builder
	ts := conv.Time().In(loc)

	b.WriteString("=== Résultat du Triage ===\n")
	fmt.Fprintf(&b, "Consultation : %s\n", conv.Title)
	fmt.Fprintf(&b, "Date : %s %s\n", ts.Format(dateLayout), ts.Format(timeLayout))
	fmt.Fprintf(&b, "Niveau : %s\n", conv.Urgency)
	if conv.Recommendation != "" {
		fmt.Fprintf(&b, "Recommandation : %s\n", conv.Recommendation)
	}

	if conv.Urgency == model.UrgencyCritical {
		b.WriteString("\nNuméros d'urgence :\n")
		for _, n := range EmergencyNumbers {
			fmt.Fprintf(&b, "  %-4s %s\n", n.Number, n.Label)
		}
	}

	b.WriteString("\n--- Échanges ---\n")
	for _, m := range conv.Messages {
		speaker := "Assistant"
		if m.Role == model.RoleUser {
			speaker = "Vous"
		}
		fmt.Fprintf(&b, "[%s] %s : %s\n", m.Time().In(loc).Format(timeLayout), speaker, m.Text)
	}

	b.WriteString("\n" + disclaimer + "\n")

	if _, err := io.WriteString(w, b.String()); err != nil {
		return goerr.Wrap(err, "failed to write report", goerr.V("id", conv.ID))
	}
	return nil
}
