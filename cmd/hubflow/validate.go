package main

import (
	"context"
	"fmt"

	"github.com/sicko7947/hubflow/adapter"
	"github.com/sicko7947/hubflow/ingress"
	"github.com/sicko7947/hubflow/registry"
	"github.com/urfave/cli/v3"
)

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "Check definition, source and action files without starting the hub",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "definitions",
				Value:   "./definitions",
				Sources: cli.EnvVars("HUBFLOW_DEFINITIONS"),
			},
			&cli.StringFlag{
				Name:    "sources",
				Sources: cli.EnvVars("HUBFLOW_SOURCES"),
			},
			&cli.StringFlag{
				Name:    "actions",
				Sources: cli.EnvVars("HUBFLOW_ACTIONS"),
			},
		},
		Action: runValidate,
	}
}

func runValidate(ctx context.Context, command *cli.Command) error {
	reg := registry.New()
	defs, err := reg.LoadDir(command.String("definitions"))
	if err != nil {
		return err
	}
	for _, def := range defs {
		fmt.Fprintf(command.Root().Writer, "ok  %s (%d steps)\n", def.Key(), len(def.Steps))
	}

	if path := command.String("sources"); path != "" {
		in := ingress.New(nil, reg, nil)
		if err := in.LoadSources(path); err != nil {
			return err
		}
		fmt.Fprintf(command.Root().Writer, "ok  sources %v\n", in.Sources())
	}

	if path := command.String("actions"); path != "" {
		actions, err := adapter.LoadActions(path)
		if err != nil {
			return err
		}
		httpAdapter, err := adapter.NewHTTPAdapter(actions)
		if err != nil {
			return err
		}
		fmt.Fprintf(command.Root().Writer, "ok  actions %v\n", httpAdapter.Actions())
	}
	return nil
}
