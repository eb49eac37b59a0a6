package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/briandowns/spinner"
	"github.com/chzyer/readline"
	"github.com/m-mizutani/burrow/pkg/model"
	"github.com/m-mizutani/burrow/pkg/usecase/chat"
	"github.com/urfave/cli/v3"
)

func chatCommand() *cli.Command {
	var (
		cfg       config
		sessionID string
		query     string
		cont      bool
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "session-id",
			Aliases:     []string{"s"},
			Usage:       "Session ID to resume; omit to start a new session",
			Sources:     cli.EnvVars("BURROW_SESSION_ID"),
			Destination: &sessionID,
		},
		&cli.StringFlag{
			Name:        "query",
			Aliases:     []string{"q"},
			Usage:       "Ask a single question and exit",
			Destination: &query,
		},
		&cli.BoolFlag{
			Name:        "continue",
			Usage:       "Start a continuation of the given full session",
			Destination: &cont,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)

	return &cli.Command{
		Name:  "chat",
		Usage: "Chat with the LLM in a persistent session",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, err := cfg.setup(ctx)
			if err != nil {
				return err
			}

			repo, err := cfg.newRepository()
			if err != nil {
				return err
			}
			sessions, closer, err := cfg.newCache(ctx, repo)
			if err != nil {
				return err
			}
			defer closer()

			llm, err := cfg.newLLM(ctx)
			if err != nil {
				return err
			}
			uc := chat.New(sessions, llm)

			id := model.SessionID(sessionID)
			if cont {
				if id == "" {
					return errors.New("--continue requires --session-id")
				}
				sess, err := uc.Continue(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.Root().Writer, "Continuing as new session %s\n", sess.ID)
				id = sess.ID
			}

			if query != "" {
				return askOnce(ctx, c, uc, id, query)
			}
			return chatLoop(ctx, c, uc, id)
		},
	}
}

func askOnce(ctx context.Context, c *cli.Command, uc *chat.UseCase, id model.SessionID, query string) error {
	w := c.Root().Writer
	onFragment, done := streamPrinter(w)
	out, err := uc.Ask(ctx, chat.AskInput{SessionID: id, Query: query, OnFragment: onFragment})
	done()
	if err != nil {
		return err
	}
	if out.Created {
		fmt.Fprintf(w, "\nSession %s (%s)\n", out.SessionID, out.Caption)
	}
	return nil
}

func chatLoop(ctx context.Context, c *cli.Command, uc *chat.UseCase, id model.SessionID) error {
	w := c.Root().Writer
	rl, err := readline.New("> ")
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Fprintln(w, "Chat session started. Type 'exit' to quit.")
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		query := strings.TrimSpace(line)
		if query == "" {
			continue
		}
		if query == "exit" || query == "quit" {
			break
		}

		onFragment, done := streamPrinter(w)
		out, err := uc.Ask(ctx, chat.AskInput{SessionID: id, Query: query, OnFragment: onFragment})
		done()
		if err != nil {
			if errors.Is(err, chat.ErrSessionFull) {
				fmt.Fprintf(w, "Session is full. Run 'burrow chat --session-id %s --continue' to keep going.\n", id)
				break
			}
			return err
		}

		if out.Created {
			id = out.SessionID
			fmt.Fprintf(w, "\n[session %s: %s]\n", out.SessionID, out.Caption)
		}
	}

	fmt.Fprintln(w, "\nSession saved.")
	return nil
}

// streamPrinter shows a spinner until the first fragment arrives, then
// prints fragments as they stream. done stops the spinner even when no
// fragment ever arrived.
func streamPrinter(w io.Writer) (func(string), func()) {
	sp := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	sp.Start()

	var once sync.Once
	stop := func() { once.Do(sp.Stop) }

	onFragment := func(fragment string) {
		stop()
		fmt.Fprint(w, fragment)
	}
	done := func() {
		stop()
		fmt.Fprintln(w)
	}
	return onFragment, done
}
