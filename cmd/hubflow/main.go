// Command hubflow runs the workflow hub: HTTP and bus ingress, the worker
// pool, and retention.
package main

import (
	"context"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		log.Fatal().Err(err).Msg("hubflow failed")
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:                  "hubflow",
		Usage:                 "Event-driven workflow hub",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (console, json)",
				Value:   "console",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
		},
		Before: func(ctx context.Context, command *cli.Command) (context.Context, error) {
			setupLogging(command.String("log-level"), command.String("log-format"))
			return ctx, nil
		},
		Commands: []*cli.Command{
			serveCommand(),
			validateCommand(),
		},
	}
}
