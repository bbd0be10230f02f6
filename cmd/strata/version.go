package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/backend"
	"github.com/samcharles93/strata/internal/handler"
	"github.com/samcharles93/strata/internal/version"
)

// buildReport describes what this binary can serve.
type buildReport struct {
	version.Info
	Backends []string `json:"backends"`
	// Auto is the backend "auto" resolves to.
	Auto     string   `json:"auto"`
	Handlers []string `json:"handlers"`
}

func newBuildReport() (buildReport, error) {
	auto, err := backend.Resolve(backend.Auto)
	if err != nil {
		return buildReport{}, err
	}
	return buildReport{
		Info:     version.Resolve(),
		Backends: strings.Split(backend.Available(), ","),
		Auto:     auto,
		Handlers: handler.Kinds(),
	}, nil
}

func (r buildReport) write(w io.Writer, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	fmt.Fprintf(w, "strata %s\n", r.Info)
	if r.BuildTime != "" {
		fmt.Fprintf(w, "  built     %s\n", r.BuildTime)
	}
	fmt.Fprintf(w, "  go        %s\n", r.GoVersion)
	fmt.Fprintf(w, "  backends  %s (auto: %s)\n", strings.Join(r.Backends, ", "), r.Auto)
	_, err := fmt.Fprintf(w, "  handlers  %s\n", strings.Join(r.Handlers, ", "))
	return err
}

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print build metadata, compiled backends and embedding handlers",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print as JSON"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			r, err := newBuildReport()
			if err != nil {
				return err
			}
			return r.write(os.Stdout, cmd.Bool("json"))
		},
	}
}
