package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/m-mizutani/burrow/pkg/cache"
	"github.com/m-mizutani/burrow/pkg/model"
	"github.com/m-mizutani/burrow/pkg/usecase/codenotes"
	"github.com/m-mizutani/burrow/pkg/usecase/rag"
	"github.com/urfave/cli/v3"
)

func deleteCommand() *cli.Command {
	var cfg config
	flags := globalFlags(&cfg)

	return &cli.Command{
		Name:      "delete",
		Usage:     "Delete a session of any kind, including its vectors and documents",
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

			sess, err := sessions.Get(ctx, id)
			if err != nil {
				return err
			}

			// code and RAG sessions carry vector and document artifacts that
			// must go with the record
			switch sess.Kind {
			case model.KindCode:
				err = codenotes.New(sessions, repo, nil, nil).Delete(ctx, id)
			case model.KindRAG:
				err = rag.New(sessions, repo, nil, nil).Delete(ctx, id)
			default:
				err = sessions.Delete(ctx, id)
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(c.Root().Writer, "Deleted %s\n", id)
			return nil
		},
	}
}
