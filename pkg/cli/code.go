package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/m-mizutani/burrow/pkg/cache"
	"github.com/m-mizutani/burrow/pkg/model"
	"github.com/m-mizutani/burrow/pkg/usecase/codenotes"
	"github.com/urfave/cli/v3"
)

func codeCommand() *cli.Command {
	return &cli.Command{
		Name:  "code",
		Usage: "Generate and iterate on code in versioned sessions",
		Commands: []*cli.Command{
			codeNewCommand(),
			codeChatCommand(),
			codeShowCommand(),
			codeVersionsCommand(),
			codeSearchCommand(),
			codeDeleteCommand(),
		},
	}
}

// newCodeUseCase builds the code-notes use case with a running cache.
func newCodeUseCase(ctx context.Context, cfg *config) (*codenotes.UseCase, func(), error) {
	repo, err := cfg.newRepository()
	if err != nil {
		return nil, nil, err
	}
	sessions, closer, err := cfg.newCache(ctx, repo)
	if err != nil {
		return nil, nil, err
	}

	llm, err := cfg.newLLM(ctx)
	if err != nil {
		closer()
		return nil, nil, err
	}
	embedder, err := cfg.newEmbedder(ctx)
	if err != nil {
		closer()
		return nil, nil, err
	}

	cleanup := func() {
		closer()
		embedder.Close()
	}
	return codenotes.New(sessions, repo, llm, embedder), cleanup, nil
}

func codeNewCommand() *cli.Command {
	var (
		cfg      config
		name     string
		language string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "name",
			Aliases:     []string{"n"},
			Usage:       "Name of the code session",
			Destination: &name,
		},
		&cli.StringFlag{
			Name:        "language",
			Aliases:     []string{"l"},
			Usage:       "Programming language",
			Value:       "python",
			Destination: &language,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)

	return &cli.Command{
		Name:      "new",
		Usage:     "Generate code from a prompt",
		ArgsUsage: "<prompt>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			query := strings.Join(c.Args().Slice(), " ")
			if query == "" {
				return errors.New("prompt is required")
			}

			ctx, err := cfg.setup(ctx)
			if err != nil {
				return err
			}
			uc, cleanup, err := newCodeUseCase(ctx, &cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			out, err := uc.Create(ctx, codenotes.CreateInput{Name: name, Language: language, Query: query})
			if err != nil {
				return err
			}

			w := c.Root().Writer
			fmt.Fprintf(w, "Session %s (%s)\n\n%s\n", out.SessionID, out.Caption, out.Code)
			return nil
		},
	}
}

func codeChatCommand() *cli.Command {
	var (
		cfg       config
		sessionID string
		historyID string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "session-id",
			Aliases:     []string{"s"},
			Usage:       "Code session to iterate on",
			Sources:     cli.EnvVars("BURROW_SESSION_ID"),
			Destination: &sessionID,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "history-id",
			Usage:       "Iteration thread to resume; omit to start a new one",
			Destination: &historyID,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)

	return &cli.Command{
		Name:  "chat",
		Usage: "Discuss and modify the session's code",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, err := cfg.setup(ctx)
			if err != nil {
				return err
			}
			uc, cleanup, err := newCodeUseCase(ctx, &cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			w := c.Root().Writer
			rl, err := readline.New("code> ")
			if err != nil {
				return err
			}
			defer rl.Close()

			histID := model.HistoryID(historyID)
			fmt.Fprintln(w, "Code session started. Type 'exit' to quit.")
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
				out, err := uc.Chat(ctx, codenotes.ChatInput{
					SessionID:  model.SessionID(sessionID),
					HistoryID:  histID,
					Query:      query,
					OnFragment: onFragment,
				})
				done()
				if err != nil {
					return err
				}
				histID = out.HistoryID

				if out.CodeChanged {
					fmt.Fprintf(w, "\n[code updated to %s]\n%s\n", out.Version, out.Code)
				}
			}

			fmt.Fprintln(w, "\nSession saved.")
			return nil
		},
	}
}

func codeShowCommand() *cli.Command {
	var (
		cfg       config
		historyID string
		version   string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "history-id",
			Usage:       "Show the code of this iteration thread",
			Destination: &historyID,
		},
		&cli.StringFlag{
			Name:        "version",
			Usage:       "Show a specific version (requires --history-id)",
			Destination: &version,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:      "show",
		Usage:     "Print the current code of a session",
		ArgsUsage: "<session-id>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			id := model.SessionID(c.Args().First())
			if id == "" {
				return errors.New("session-id is required")
			}

			ctx, err := cfg.setup(ctx)
			if err != nil {
				return err
			}
			repo, err := cfg.newRepository()
			if err != nil {
				return err
			}
			sessions := cache.New(repo)
			uc := codenotes.New(sessions, repo, nil, nil)

			w := c.Root().Writer
			if version != "" {
				if historyID == "" {
					return errors.New("--version requires --history-id")
				}
				code, err := uc.CodeAt(ctx, id, model.HistoryID(historyID), version)
				if err != nil {
					return err
				}
				fmt.Fprintln(w, code)
				return nil
			}

			sess, err := uc.Show(ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s (%s, %s)\n\n", sess.Code.Name, sess.Code.Language, sess.ID)
			if historyID != "" {
				hist, ok := sess.Code.Histories[model.HistoryID(historyID)]
				if !ok {
					return model.ErrHistoryNotFound
				}
				fmt.Fprintln(w, sess.Code.CurrentCode(hist))
				return nil
			}
			fmt.Fprintln(w, sess.Code.BaseCode)
			return nil
		},
	}
}

func codeVersionsCommand() *cli.Command {
	var cfg config
	flags := globalFlags(&cfg)

	return &cli.Command{
		Name:      "versions",
		Usage:     "List the versions of an iteration thread",
		ArgsUsage: "<session-id> <history-id>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() < 2 {
				return errors.New("session-id and history-id are required")
			}

			ctx, err := cfg.setup(ctx)
			if err != nil {
				return err
			}
			repo, err := cfg.newRepository()
			if err != nil {
				return err
			}
			uc := codenotes.New(cache.New(repo), repo, nil, nil)

			versions, err := uc.Versions(ctx,
				model.SessionID(c.Args().Get(0)), model.HistoryID(c.Args().Get(1)))
			if err != nil {
				return err
			}

			w := c.Root().Writer
			for _, v := range versions {
				marker := " "
				if v.Current {
					marker = "*"
				}
				fmt.Fprintf(w, "%s %s\t%s\t%s\n", marker, v.Version,
					v.CreatedAt.Format("2006-01-02 15:04"), v.Changes)
			}
			return nil
		},
	}
}

func codeSearchCommand() *cli.Command {
	var (
		cfg   config
		limit int64
	)

	flags := []cli.Flag{
		&cli.IntFlag{
			Name:        "limit",
			Usage:       "Maximum number of results",
			Value:       3,
			Destination: &limit,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)

	return &cli.Command{
		Name:      "search",
		Usage:     "Find code sessions similar to a description",
		ArgsUsage: "<query>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			query := strings.Join(c.Args().Slice(), " ")
			if query == "" {
				return errors.New("query is required")
			}

			ctx, err := cfg.setup(ctx)
			if err != nil {
				return err
			}
			repo, err := cfg.newRepository()
			if err != nil {
				return err
			}
			embedder, err := cfg.newEmbedder(ctx)
			if err != nil {
				return err
			}
			defer embedder.Close()
			uc := codenotes.New(cache.New(repo), repo, nil, embedder)

			hits, err := uc.Search(ctx, query, int(limit))
			if err != nil {
				return err
			}

			w := c.Root().Writer
			for _, hit := range hits {
				fmt.Fprintf(w, "%s\t%s\t%s\t%.3f\n", hit.SessionID, hit.Name, hit.Language, hit.Score)
			}
			return nil
		},
	}
}

func codeDeleteCommand() *cli.Command {
	var cfg config
	flags := globalFlags(&cfg)

	return &cli.Command{
		Name:      "delete",
		Usage:     "Delete a code session and its index records",
		ArgsUsage: "<session-id>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			id := model.SessionID(c.Args().First())
			if id == "" {
				return errors.New("session-id is required")
			}

			ctx, err := cfg.setup(ctx)
			if err != nil {
				return err
			}
			repo, err := cfg.newRepository()
			if err != nil {
				return err
			}
			sessions := cache.New(repo)
			if err := sessions.Load(ctx); err != nil {
				return err
			}
			uc := codenotes.New(sessions, repo, nil, nil)

			if err := uc.Delete(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(c.Root().Writer, "Deleted %s\n", id)
			return nil
		},
	}
}
