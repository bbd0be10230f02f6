package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

func main() {
	app := &cli.Command{
		Name:  "strata",
		Usage: "Continuous-batching inference server",
		Flags: append(loggingFlags(), &cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml (default $XDG_CONFIG_HOME/strata/config.yaml)",
			Destination: &configFile,
		}),
		Before: setup,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			serveCmd(),
			benchCmd(),
			weightsCmd(),
			versionCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
