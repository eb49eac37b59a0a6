package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/m-mizutani/burrow/pkg/cache"
	"github.com/m-mizutani/burrow/pkg/model"
	"github.com/urfave/cli/v3"
)

func showCommand() *cli.Command {
	var cfg config
	flags := globalFlags(&cfg)

	return &cli.Command{
		Name:      "show",
		Usage:     "Show a session's conversation",
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

			sess, err := sessions.Get(ctx, id)
			if err != nil {
				return err
			}

			w := c.Root().Writer
			fmt.Fprintf(w, "%s (%s, %s)\n", sess.Caption, sess.Kind, sess.ID)
			if sess.Parent != "" {
				fmt.Fprintf(w, "continues %s\n", sess.Parent)
			}
			fmt.Fprintln(w)

			switch sess.Kind {
			case model.KindChat:
				printMessages(c, sess.Messages)
			case model.KindCode:
				fmt.Fprintf(w, "code: %s (%s), %d iteration threads\n",
					sess.Code.Name, sess.Code.Language, len(sess.Code.Histories))
				for id, hist := range sess.Code.Histories {
					fmt.Fprintf(w, "  %s\t%s\t%s\t%d exchanges\n",
						id, hist.Caption, hist.CurrentVersion, len(hist.Memory))
				}
			case model.KindRAG:
				fmt.Fprintf(w, "%d documents, %d conversations\n",
					len(sess.RAG.Documents), len(sess.RAG.Histories))
				for id, hist := range sess.RAG.Histories {
					fmt.Fprintf(w, "\n[%s] %s\n", id, hist.Caption)
					printMessages(c, hist.Messages)
				}
			}
			return nil
		},
	}
}

func printMessages(c *cli.Command, msgs []*model.Message) {
	w := c.Root().Writer
	for _, msg := range msgs {
		fmt.Fprintf(w, "%s %s:\n%s\n\n",
			msg.Timestamp.Format("15:04"), msg.Role, msg.Content)
	}
}
