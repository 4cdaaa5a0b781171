package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/briandowns/spinner"
	"github.com/chzyer/readline"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/triage/pkg/model"
	"github.com/m-mizutani/triage/pkg/usecase/history"
	"github.com/m-mizutani/triage/pkg/usecase/triage"
	"github.com/urfave/cli/v3"
)

const chatHelp = `Commandes :
  /1../4    envoyer une suggestion
  /status   afficher le résultat du triage
  /reset    recommencer la consultation
  /exit     quitter`

func chatCommand() *cli.Command {
	var cfg config

	var flags []cli.Flag
	flags = append(flags, storeFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, logFlags(&cfg)...)

	return &cli.Command{
		Name:  "chat",
		Usage: "Start an interactive triage consultation",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx, os.Stderr)
			w := c.Root().Writer

			// Initialize dependencies
			repo, closeRepo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer closeRepo()

			backend, err := cfg.newBackend(ctx)
			if err != nil {
				return err
			}

			protocol, err := cfg.newProtocol()
			if err != nil {
				return err
			}

			ui := newChatUI(w, os.Stderr)
			session := triage.New(triage.NewInput{
				Backend:  backend,
				Repo:     repo,
				Protocol: protocol,
				Observer: ui.observe,
			})
			if err := session.Start(ctx); err != nil {
				return goerr.Wrap(err, "failed to start triage session")
			}

			rl, err := readline.NewEx(&readline.Config{
				Prompt:          "> ",
				HistoryFile:     readlineHistoryFile(),
				InterruptPrompt: "^C",
				EOFPrompt:       "/exit",
				Stdout:          w,
			})
			if err != nil {
				return goerr.Wrap(err, "failed to initialize readline")
			}
			defer rl.Close()

			printWelcome(w, session)

			for {
				line, err := rl.Readline()
				if errors.Is(err, readline.ErrInterrupt) {
					if line == "" {
						break
					}
					continue
				}
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					return goerr.Wrap(err, "failed to read input")
				}

				line = strings.TrimSpace(line)
				if line == "" {
					continue
				}

				if strings.HasPrefix(line, "/") {
					text, done, err := runChatCommand(ctx, w, rl, session, line)
					if err != nil {
						return err
					}
					if done {
						break
					}
					if text == "" {
						continue
					}
					line = text
				}

				result, err := session.Send(ctx, line)
				ui.finish()
				if err != nil {
					if errors.Is(err, triage.ErrTurnInFlight) || errors.Is(err, triage.ErrEmptyMessage) {
						fmt.Fprintf(w, "%s\n", err.Error())
						continue
					}
					return goerr.Wrap(err, "failed to send message")
				}

				printTurnResult(w, session, result)
			}

			fmt.Fprintf(w, "\nConsultation terminée.\n")
			return nil
		},
	}
}

// runChatCommand handles a slash command. It returns text to send as a user
// message when the command selects a suggestion, and done when the loop ends.
func runChatCommand(ctx context.Context, w io.Writer, rl *readline.Instance, session *triage.Session, line string) (string, bool, error) {
	switch line {
	case "/exit", "/quit":
		return "", true, nil

	case "/help":
		fmt.Fprintf(w, "%s\n", chatHelp)
		return "", false, nil

	case "/status":
		if err := history.WriteReport(w, session.Conversation(), time.Local); err != nil {
			return "", false, err
		}
		fmt.Fprintf(w, "Progression : %d%%\n", session.Snapshot().Progress)
		return "", false, nil

	case "/reset":
		action := session.RequestReset()
		ok, err := action.Resolve(ctx, askReadline(rl, action.Prompt()))
		if err != nil {
			return "", false, goerr.Wrap(err, "failed to reset session")
		}
		if ok {
			printWelcome(w, session)
		}
		return "", false, nil
	}

	if n, err := strconv.Atoi(strings.TrimPrefix(line, "/")); err == nil {
		suggestions := session.Suggestions()
		if n >= 1 && n <= len(suggestions) {
			fmt.Fprintf(w, "> %s\n", suggestions[n-1])
			return suggestions[n-1], false, nil
		}
	}

	fmt.Fprintf(w, "Commande inconnue : %s\n%s\n", line, chatHelp)
	return "", false, nil
}

func askReadline(rl *readline.Instance, prompt string) bool {
	rl.SetPrompt(prompt + " [o/N] ")
	defer rl.SetPrompt("> ")

	answer, err := rl.Readline()
	if err != nil {
		return false
	}
	return isYes(answer)
}

func isYes(answer string) bool {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "o", "oui", "y", "yes":
		return true
	}
	return false
}

func readlineHistoryFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "triage", "readline_history")
}

func printWelcome(w io.Writer, session *triage.Session) {
	snap := session.Snapshot()
	for _, m := range snap.Messages {
		fmt.Fprintf(w, "\n%s\n", m.Text)
	}

	if suggestions := session.Suggestions(); len(suggestions) > 0 {
		fmt.Fprintf(w, "\nSuggestions :")
		for i, s := range suggestions {
			fmt.Fprintf(w, "  /%d %s", i+1, s)
		}
		fmt.Fprintf(w, "\n")
	}
	fmt.Fprintf(w, "\n")
}

func printTurnResult(w io.Writer, session *triage.Session, result *triage.TurnResult) {
	if result.HistoryErr != nil {
		fmt.Fprintf(w, "(historique non enregistré : %s)\n", result.HistoryErr.Error())
	}
	if result.Err != nil || !result.Urgency.Known() {
		return
	}

	fmt.Fprintf(w, "\n[%s] %s", result.Urgency, result.Recommendation)
	fmt.Fprintf(w, " (progression %d%%)\n", session.Snapshot().Progress)

	if result.Urgency == model.UrgencyCritical {
		for _, n := range history.EmergencyNumbers {
			fmt.Fprintf(w, "  %-4s %s\n", n.Number, n.Label)
		}
	}
	fmt.Fprintf(w, "\n")
}

// chatUI renders session updates: a spinner until the first fragment, then the
// reply as it streams. The spinner goes to status so that w only carries the
// transcript.
type chatUI struct {
	w       io.Writer
	spinner *spinner.Spinner

	mu        sync.Mutex
	streaming bool
}

func newChatUI(w io.Writer, status *os.File) *chatUI {
	sp := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriterFile(status))
	sp.Suffix = " L'assistant analyse vos symptômes..."
	return &chatUI{w: w, spinner: sp}
}

func (u *chatUI) observe(upd triage.Update) {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch upd.State {
	case triage.StateSending:
		u.spinner.Start()

	case triage.StateStreaming:
		if !u.streaming {
			u.spinner.Stop()
			u.streaming = true
			fmt.Fprintf(u.w, "\n")
		}
		fmt.Fprintf(u.w, "%s", upd.Fragment)

	case triage.StateErrored:
		u.spinner.Stop()
		if u.streaming {
			fmt.Fprintf(u.w, "\n")
			u.streaming = false
		}
		if n := len(upd.Messages); n > 0 {
			fmt.Fprintf(u.w, "\n%s\n", upd.Messages[n-1].Text)
		}

	case triage.StateSettled:
		if u.streaming {
			fmt.Fprintf(u.w, "\n")
			u.streaming = false
		}
	}
}

// finish stops the spinner when a turn ends without reaching a final state
func (u *chatUI) finish() {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.spinner.Stop()
	if u.streaming {
		fmt.Fprintf(u.w, "\n")
		u.streaming = false
	}
}
