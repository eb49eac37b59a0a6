package cli

import (
	"context"
	"fmt"

	"github.com/m-mizutani/burrow/pkg/cache"
	"github.com/urfave/cli/v3"
)

func saveCommand() *cli.Command {
	var cfg config
	flags := globalFlags(&cfg)

	return &cli.Command{
		Name:  "save",
		Usage: "Force a save of the session index",
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
			sessions := cache.New(repo)
			if err := sessions.Load(ctx); err != nil {
				return err
			}

			if err := sessions.FlushAll(ctx); err != nil {
				return err
			}
			fmt.Fprintf(c.Root().Writer, "Saved %d sessions\n", len(sessions.Summaries()))
			return nil
		},
	}
}
