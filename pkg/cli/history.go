package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/triage/pkg/model"
	"github.com/m-mizutani/triage/pkg/usecase/history"
	"github.com/m-mizutani/triage/pkg/usecase/pending"
	"github.com/urfave/cli/v3"
)

func historyCommand() *cli.Command {
	var cfg config

	var flags []cli.Flag
	flags = append(flags, storeFlags(&cfg)...)
	flags = append(flags, logFlags(&cfg)...)

	return &cli.Command{
		Name:  "history",
		Usage: "Browse and manage past consultations",
		Flags: flags,
		Commands: []*cli.Command{
			historyListCommand(&cfg),
			historyShowCommand(&cfg),
			historyDeleteCommand(&cfg),
			historyClearCommand(&cfg),
			historyStatsCommand(&cfg),
			historyExportCommand(&cfg),
		},
	}
}

// withHistory sets up logging and the history use case for a subcommand
func withHistory(cfg *config, fn func(ctx context.Context, c *cli.Command, uc *history.UseCase) error) cli.ActionFunc {
	return func(ctx context.Context, c *cli.Command) error {
		ctx = cfg.setupLogger(ctx, os.Stderr)

		repo, closeRepo, err := cfg.newRepository(ctx)
		if err != nil {
			return err
		}
		defer closeRepo()

		return fn(ctx, c, history.New(repo))
	}
}

func historyListCommand(cfg *config) *cli.Command {
	var query, level, sortBy, order string

	return &cli.Command{
		Name:  "list",
		Usage: "List consultations",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "query",
				Aliases:     []string{"q"},
				Usage:       "Search in title and urgency level",
				Destination: &query,
			},
			&cli.StringFlag{
				Name:        "level",
				Aliases:     []string{"l"},
				Usage:       "Only show one urgency level (critical, moderate, low, unknown)",
				Destination: &level,
			},
			&cli.StringFlag{
				Name:        "sort",
				Usage:       "Sort key (date, urgency)",
				Value:       string(history.SortByDate),
				Destination: &sortBy,
			},
			&cli.StringFlag{
				Name:        "order",
				Usage:       "Sort order (desc, asc)",
				Value:       string(history.OrderDesc),
				Destination: &order,
			},
		},
		Action: withHistory(cfg, func(ctx context.Context, c *cli.Command, uc *history.UseCase) error {
			lv, err := parseLevelFilter(level)
			if err != nil {
				return err
			}

			list, err := uc.List(ctx, history.ListOptions{
				Query:  query,
				Level:  lv,
				SortBy: history.SortBy(sortBy),
				Order:  history.Order(order),
			})
			if err != nil {
				return goerr.Wrap(err, "failed to list consultations")
			}

			w := c.Root().Writer
			if len(list) == 0 {
				fmt.Fprintf(w, "Aucune consultation trouvée\n")
				return nil
			}

			for _, conv := range list {
				fmt.Fprintf(w, "%s\t%s\t%-16s\t%s\n",
					conv.ID,
					conv.Time().Local().Format("02/01/2006 15:04"),
					conv.Urgency,
					conv.Title,
				)
			}
			return nil
		}),
	}
}

func historyShowCommand(cfg *config) *cli.Command {
	return &cli.Command{
		Name:      "show",
		Usage:     "Show one consultation",
		ArgsUsage: "<conversation-id>",
		Action: withHistory(cfg, func(ctx context.Context, c *cli.Command, uc *history.UseCase) error {
			if c.Args().Len() == 0 {
				return goerr.New("conversation ID is required")
			}

			conv, err := uc.Show(ctx, model.ConversationID(c.Args().Get(0)))
			if err != nil {
				return err
			}
			return history.WriteReport(c.Root().Writer, conv, time.Local)
		}),
	}
}

func historyDeleteCommand(cfg *config) *cli.Command {
	var yes bool

	return &cli.Command{
		Name:      "delete",
		Usage:     "Delete one consultation",
		ArgsUsage: "<conversation-id>",
		Flags:     []cli.Flag{yesFlag(&yes)},
		Action: withHistory(cfg, func(ctx context.Context, c *cli.Command, uc *history.UseCase) error {
			if c.Args().Len() == 0 {
				return goerr.New("conversation ID is required")
			}

			id := model.ConversationID(c.Args().Get(0))
			return resolveAction(ctx, c, uc.RequestDelete(id), yes, "Consultation supprimée")
		}),
	}
}

func historyClearCommand(cfg *config) *cli.Command {
	var yes bool

	return &cli.Command{
		Name:  "clear",
		Usage: "Delete all consultations",
		Flags: []cli.Flag{yesFlag(&yes)},
		Action: withHistory(cfg, func(ctx context.Context, c *cli.Command, uc *history.UseCase) error {
			return resolveAction(ctx, c, uc.RequestClear(), yes, "Historique effacé")
		}),
	}
}

func historyStatsCommand(cfg *config) *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Count consultations per urgency level",
		Action: withHistory(cfg, func(ctx context.Context, c *cli.Command, uc *history.UseCase) error {
			stats, err := uc.Stats(ctx)
			if err != nil {
				return err
			}

			w := c.Root().Writer
			fmt.Fprintf(w, "Total     : %d\n", stats.Total)
			fmt.Fprintf(w, "Critique  : %d\n", stats.Critical)
			fmt.Fprintf(w, "Modérée   : %d\n", stats.Moderate)
			fmt.Fprintf(w, "Faible    : %d\n", stats.Low)
			fmt.Fprintf(w, "Non évalué: %d\n", stats.Unknown)
			return nil
		}),
	}
}

func historyExportCommand(cfg *config) *cli.Command {
	var format, output, bqProject, bqDataset, bqTable string

	return &cli.Command{
		Name:  "export",
		Usage: "Export consultations as CSV or to BigQuery",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "format",
				Aliases:     []string{"f"},
				Usage:       "Export format (csv, bigquery)",
				Value:       "csv",
				Destination: &format,
			},
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "CSV output file (default: stdout)",
				Destination: &output,
			},
			&cli.StringFlag{
				Name:        "bigquery-project",
				Usage:       "BigQuery project ID (default: --project)",
				Sources:     cli.EnvVars("TRIAGE_BIGQUERY_PROJECT_ID"),
				Destination: &bqProject,
			},
			&cli.StringFlag{
				Name:        "bigquery-dataset",
				Usage:       "BigQuery dataset ID",
				Sources:     cli.EnvVars("TRIAGE_BIGQUERY_DATASET_ID"),
				Destination: &bqDataset,
			},
			&cli.StringFlag{
				Name:        "bigquery-table",
				Usage:       "BigQuery table ID",
				Value:       "conversations",
				Sources:     cli.EnvVars("TRIAGE_BIGQUERY_TABLE_ID"),
				Destination: &bqTable,
			},
		},
		Action: withHistory(cfg, func(ctx context.Context, c *cli.Command, uc *history.UseCase) error {
			switch format {
			case "csv":
				if output != "" {
					return exportCSVFile(ctx, uc, output, time.Local)
				}
				return uc.ExportCSV(ctx, c.Root().Writer, time.Local)

			case "bigquery":
				if bqDataset == "" {
					return goerr.New("bigquery-dataset is required")
				}
				bq, err := cfg.newBigQuery(ctx, bqProject)
				if err != nil {
					return err
				}
				defer closerOf(ctx, "bigquery", bq)()
				n, err := uc.ExportBigQuery(ctx, bq, bqDataset, bqTable)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.Root().Writer, "%d consultation(s) exportée(s)\n", n)
				return nil

			default:
				return goerr.New("unknown export format", goerr.V("format", format))
			}
		}),
	}
}

// exportCSVFile writes the CSV export to path. A failing close is reported
// since it can hide a failed final write.
func exportCSVFile(ctx context.Context, uc *history.UseCase, path string, loc *time.Location) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return goerr.Wrap(err, "failed to create output file", goerr.V("path", path))
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = goerr.Wrap(closeErr, "failed to close output file", goerr.V("path", path))
		}
	}()

	return uc.ExportCSV(ctx, f, loc)
}

func yesFlag(dst *bool) cli.Flag {
	return &cli.BoolFlag{
		Name:        "yes",
		Aliases:     []string{"y"},
		Usage:       "Do not ask for confirmation",
		Destination: dst,
	}
}

// resolveAction asks the user to confirm action unless yes is set
func resolveAction(ctx context.Context, c *cli.Command, action *pending.Action, yes bool, done string) error {
	w := c.Root().Writer
	ok := yes || askLine(c.Root().Reader, w, action.Prompt())

	executed, err := action.Resolve(ctx, ok)
	if err != nil {
		return err
	}
	if executed {
		fmt.Fprintf(w, "%s\n", done)
	} else {
		fmt.Fprintf(w, "Annulé\n")
	}
	return nil
}

func askLine(r io.Reader, w io.Writer, prompt string) bool {
	if r == nil {
		r = os.Stdin
	}
	fmt.Fprintf(w, "%s [o/N] ", prompt)

	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		return false
	}
	return isYes(scanner.Text())
}

func parseLevelFilter(s string) (model.UrgencyLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return "", nil
	case "unknown", "inconnu":
		return model.UrgencyUnknown, nil
	}

	lv := model.ParseUrgency(s)
	if !lv.Known() {
		return "", goerr.New("unknown urgency level", goerr.V("level", s))
	}
	return lv, nil
}
