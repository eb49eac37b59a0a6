package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/m-mizutani/burrow/pkg/cache"
	"github.com/m-mizutani/burrow/pkg/model"
	"github.com/m-mizutani/burrow/pkg/usecase/rag"
	"github.com/urfave/cli/v3"
)

func ragCommand() *cli.Command {
	return &cli.Command{
		Name:  "rag",
		Usage: "Ask questions about uploaded documents",
		Commands: []*cli.Command{
			ragUploadCommand(),
			ragAskCommand(),
			ragDocsCommand(),
			ragDeleteDocCommand(),
			ragDeleteCommand(),
		},
	}
}

// newRAGUseCase builds the RAG use case with a running cache.
func newRAGUseCase(ctx context.Context, cfg *config) (*rag.UseCase, func(), error) {
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
	return rag.New(sessions, repo, llm, embedder), cleanup, nil
}

func ragUploadCommand() *cli.Command {
	var (
		cfg       config
		sessionID string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "session-id",
			Aliases:     []string{"s"},
			Usage:       "Session to add the document to; omit to start a new one",
			Sources:     cli.EnvVars("BURROW_SESSION_ID"),
			Destination: &sessionID,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)

	return &cli.Command{
		Name:      "upload",
		Usage:     "Upload a text document into a session",
		ArgsUsage: "<file>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			path := c.Args().First()
			if path == "" {
				return errors.New("file is required")
			}

			ctx, err := cfg.setup(ctx)
			if err != nil {
				return err
			}

			content, err := os.ReadFile(path)
			if err != nil {
				return err
			}

			uc, cleanup, err := newRAGUseCase(ctx, &cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			out, err := uc.Upload(ctx, rag.UploadInput{
				SessionID: model.SessionID(sessionID),
				Name:      filepath.Base(path),
				Content:   string(content),
				Size:      len(content),
			})
			if err != nil {
				return err
			}

			w := c.Root().Writer
			if out.Created {
				fmt.Fprintf(w, "Session %s\n", out.SessionID)
			}
			fmt.Fprintf(w, "Uploaded %s as %s (%d chunks)\n", filepath.Base(path), out.DocumentID, out.ChunkCount)
			return nil
		},
	}
}

func ragAskCommand() *cli.Command {
	var (
		cfg       config
		sessionID string
		historyID string
		query     string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "session-id",
			Aliases:     []string{"s"},
			Usage:       "RAG session to query",
			Sources:     cli.EnvVars("BURROW_SESSION_ID"),
			Destination: &sessionID,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "history-id",
			Usage:       "Conversation to resume; omit to start a new one",
			Destination: &historyID,
		},
		&cli.StringFlag{
			Name:        "query",
			Aliases:     []string{"q"},
			Usage:       "Ask a single question and exit",
			Destination: &query,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)

	return &cli.Command{
		Name:  "ask",
		Usage: "Ask questions grounded on the session's documents",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, err := cfg.setup(ctx)
			if err != nil {
				return err
			}
			uc, cleanup, err := newRAGUseCase(ctx, &cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			w := c.Root().Writer
			histID := model.HistoryID(historyID)
			ask := func(q string) error {
				onFragment, done := streamPrinter(w)
				out, err := uc.Ask(ctx, rag.AskInput{
					SessionID:  model.SessionID(sessionID),
					HistoryID:  histID,
					Query:      q,
					OnFragment: onFragment,
				})
				done()
				if err != nil {
					return err
				}
				histID = out.HistoryID
				return nil
			}

			if query != "" {
				return ask(query)
			}

			rl, err := readline.New("rag> ")
			if err != nil {
				return err
			}
			defer rl.Close()

			fmt.Fprintln(w, "Ask about the documents. Type 'exit' to quit.")
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

				q := strings.TrimSpace(line)
				if q == "" {
					continue
				}
				if q == "exit" || q == "quit" {
					break
				}
				if err := ask(q); err != nil {
					return err
				}
			}

			fmt.Fprintln(w, "\nSession saved.")
			return nil
		},
	}
}

func ragDocsCommand() *cli.Command {
	var cfg config
	flags := globalFlags(&cfg)

	return &cli.Command{
		Name:      "docs",
		Usage:     "List the documents of a session",
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
			uc := rag.New(cache.New(repo), repo, nil, nil)

			docs, err := uc.Documents(ctx, id)
			if err != nil {
				return err
			}

			w := c.Root().Writer
			for _, doc := range docs {
				fmt.Fprintf(w, "%s\t%s\t%d chunks\t%s\n", doc.ID, doc.Name, doc.ChunkCount,
					doc.UploadedAt.Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
}

func ragDeleteDocCommand() *cli.Command {
	var cfg config
	flags := globalFlags(&cfg)

	return &cli.Command{
		Name:      "delete-doc",
		Usage:     "Remove one document and its vectors from a session",
		ArgsUsage: "<session-id> <document-id>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() < 2 {
				return errors.New("session-id and document-id are required")
			}

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
			uc := rag.New(sessions, repo, nil, nil)

			if err := uc.DeleteDocument(ctx,
				model.SessionID(c.Args().Get(0)), model.DocumentID(c.Args().Get(1))); err != nil {
				return err
			}
			fmt.Fprintf(c.Root().Writer, "Deleted document %s\n", c.Args().Get(1))
			return nil
		},
	}
}

func ragDeleteCommand() *cli.Command {
	var cfg config
	flags := globalFlags(&cfg)

	return &cli.Command{
		Name:      "delete",
		Usage:     "Delete a RAG session, its documents and vectors",
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
			uc := rag.New(sessions, repo, nil, nil)

			if err := uc.Delete(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(c.Root().Writer, "Deleted %s\n", id)
			return nil
		},
	}
}
