package history

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/triage/pkg/adapter"
	"github.com/m-mizutani/triage/pkg/model"
	"github.com/m-mizutani/triage/pkg/utils/logging"
)

const (
	csvBOM    = "\ufeff"
	csvHeader = "Date,Heure,Titre,Niveau d'urgence,Messages"

	dateLayout = "02/01/2006"
	timeLayout = "15:04"
)

// ExportCSV writes the stored history as CSV in stored order
func (u *UseCase) ExportCSV(ctx context.Context, w io.Writer, loc *time.Location) error {
	list, err := u.repo.ListConversations(ctx)
	if err != nil {
		return goerr.Wrap(err, "failed to list conversations")
	}
	return WriteCSV(w, list, loc)
}

// WriteCSV writes list as UTF-8 CSV with a byte order mark. Titles are always
// quoted. loc defaults to time.Local.
func WriteCSV(w io.Writer, list []*model.Conversation, loc *time.Location) error {
	if loc == nil {
		loc = time.Local
	}

	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(csvBOM + csvHeader + "\n"); err != nil {
		return goerr.Wrap(err, "failed to write csv header")
	}

	for _, c := range list {
		ts := c.Time().In(loc)
		line := fmt.Sprintf("%s,%s,%s,%s,%d\n",
			ts.Format(dateLayout),
			ts.Format(timeLayout),
			quote(c.Title),
			c.Urgency.String(),
			len(c.Messages),
		)
		if _, err := bw.WriteString(line); err != nil {
			return goerr.Wrap(err, "failed to write csv row", goerr.V("id", c.ID))
		}
	}

	if err := bw.Flush(); err != nil {
		return goerr.Wrap(err, "failed to flush csv")
	}
	return nil
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// ExportRow is one conversation in the analytics table
type ExportRow struct {
	ID             string    `bigquery:"id"`
	Title          string    `bigquery:"title"`
	Urgency        string    `bigquery:"urgency"`
	Priority       int       `bigquery:"priority"`
	Recommendation string    `bigquery:"recommendation"`
	Messages       int       `bigquery:"messages"`
	UserTurns      int       `bigquery:"user_turns"`
	Date           time.Time `bigquery:"date"`
	ExportedAt     time.Time `bigquery:"exported_at"`
}

// NewExportRow flattens a conversation for analytics. Message text is not
// exported.
func NewExportRow(c *model.Conversation, exportedAt time.Time) ExportRow {
	return ExportRow{
		ID:             string(c.ID),
		Title:          c.Title,
		Urgency:        c.Urgency.String(),
		Priority:       c.Urgency.Priority(),
		Recommendation: c.Recommendation,
		Messages:       len(c.Messages),
		UserTurns:      c.UserTurns(),
		Date:           c.Time().UTC(),
		ExportedAt:     exportedAt.UTC(),
	}
}

// ExportBigQuery inserts the stored history into datasetID.tableID and returns
// the number of rows sent.
func (u *UseCase) ExportBigQuery(ctx context.Context, bq adapter.BigQuery, datasetID, tableID string) (int, error) {
	list, err := u.repo.ListConversations(ctx)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to list conversations")
	}
	if len(list) == 0 {
		return 0, nil
	}

	now := time.Now()
	rows := make([]ExportRow, 0, len(list))
	for _, c := range list {
		rows = append(rows, NewExportRow(c, now))
	}

	if err := bq.Insert(ctx, datasetID, tableID, rows); err != nil {
		return 0, goerr.Wrap(err, "failed to insert history rows",
			goerr.V("dataset", datasetID),
			goerr.V("table", tableID),
			goerr.V("rows", len(rows)),
		)
	}

	logging.From(ctx).Info("history exported to BigQuery", "dataset", datasetID, "table", tableID, "rows", len(rows))
	return len(rows), nil
}
