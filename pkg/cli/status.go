package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/m-mizutani/burrow/pkg/cache"
	"github.com/m-mizutani/burrow/pkg/model"
	"github.com/m-mizutani/burrow/pkg/usecase/chat"
	"github.com/urfave/cli/v3"
)

func statusCommand() *cli.Command {
	var cfg config
	flags := globalFlags(&cfg)

	return &cli.Command{
		Name:      "status",
		Usage:     "Show the question budget of a chat session",
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
			uc := chat.New(cache.New(repo), nil)

			status, err := uc.Status(ctx, id)
			if err != nil {
				return err
			}

			w := c.Root().Writer
			fmt.Fprintf(w, "%s (%s)\n", status.Caption, status.SessionID)
			fmt.Fprintf(w, "questions: %d / %d (%d remaining)\n",
				status.CurrentQuestions, status.MaxQuestions, status.Remaining)
			if status.Parent != "" {
				fmt.Fprintf(w, "continues: %s\n", status.Parent)
			}
			if status.IsFull {
				fmt.Fprintf(w, "session is full; run 'burrow chat --session-id %s --continue'\n", status.SessionID)
			}
			return nil
		},
	}
}
