package cli

import (
	"context"

	"github.com/urfave/cli/v3"
)

type Error struct {
	Code    int
	Message string
}

func Run(ctx context.Context, argv []string) *Error {
	cmd := &cli.Command{
		Name:  "burrow",
		Usage: "Persistent LLM chat, code notes and document Q&A",
		Commands: []*cli.Command{
			chatCommand(),
			codeCommand(),
			ragCommand(),
			listCommand(),
			showCommand(),
			statusCommand(),
			deleteCommand(),
			saveCommand(),
		},
	}

	if err := cmd.Run(ctx, argv); err != nil {
		return &Error{
			Code:    1,
			Message: err.Error(),
		}
	}

	return nil
}
