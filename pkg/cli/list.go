package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/m-mizutani/burrow/pkg/cache"
	"github.com/m-mizutani/burrow/pkg/model"
	"github.com/urfave/cli/v3"
)

func listCommand() *cli.Command {
	var (
		cfg   config
		kind  string
		topic string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "kind",
			Aliases:     []string{"k"},
			Usage:       "Filter by session kind (chat, code, rag)",
			Destination: &kind,
		},
		&cli.StringFlag{
			Name:        "topic",
			Aliases:     []string{"t"},
			Usage:       "Filter by caption substring, case-insensitive",
			Destination: &topic,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "list",
		Usage: "List sessions, most recently used first",
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

			w := c.Root().Writer
			for _, s := range filterSummaries(sessions.Summaries(), model.SessionKind(kind), topic) {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d msgs\t%s\n",
					s.ID, s.Kind, s.Caption, s.MessageCount,
					s.LastAccessedAt.Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
}

// filterSummaries keeps summaries matching the kind and the topic
// substring of the caption; empty filters match everything.
func filterSummaries(summaries []*model.Summary, kind model.SessionKind, topic string) []*model.Summary {
	topic = strings.ToLower(topic)

	var result []*model.Summary
	for _, s := range summaries {
		if kind != "" && s.Kind != kind {
			continue
		}
		if topic != "" && !strings.Contains(strings.ToLower(s.Caption), topic) {
			continue
		}
		result = append(result, s)
	}
	return result
}
