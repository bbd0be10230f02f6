package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/api"
	"github.com/samcharles93/strata/internal/engine"
	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/tracing"
	"github.com/samcharles93/strata/internal/version"
)

func serveCmd() *cli.Command {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:  "addr",
			Usage: "listen address",
			Value: DefaultConfig().Server.Address,
		},
		&cli.BoolFlag{
			Name:  "exit-on-quarantine",
			Usage: "shut down when an engine quarantines",
		},
	}
	flags = append(flags, deviceFlags()...)
	flags = append(flags, modelFlags()...)
	flags = append(flags, schedulerFlags()...)
	flags = append(flags, tracingFlags()...)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the generation and embedding API",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := configFrom(ctx, cmd)
			if cmd.IsSet("addr") {
				cfg.Server.Address = cmd.String("addr")
			}
			if cmd.IsSet("exit-on-quarantine") {
				cfg.Server.ExitOnQuarantine = cmd.Bool("exit-on-quarantine")
			}

			if cfg.Tracing.Enabled {
				shutdown, err := tracing.Init("strata", version.String(), cfg.Tracing.Output)
				if err != nil {
					return cli.Exit("error: init tracing: "+err.Error(), 1)
				}
				defer func() { _ = shutdown(context.Background()) }()
			}

			ctx, cancel := context.WithCancelCause(ctx)
			defer cancel(nil)
			report := logReports(log)
			sup := func(r engine.Report) {
				report(r)
				if r.State == engine.Quarantined && cfg.Server.ExitOnQuarantine {
					cancel(r.Err)
				}
			}

			st, err := openStack(ctx, cfg, sup, log)
			if err != nil {
				return cli.Exit("error: "+err.Error(), 1)
			}
			defer st.Close()

			server := api.NewServer(api.Options{
				Config:    cfg.API,
				Generate:  st.gen,
				Embed:     st.emb,
				Device:    st.dev,
				Defaults:  st.model.Defaults(),
				VocabSize: st.model.VocabSize(),
				Logger:    log,
			})
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)

			log.Info("starting server", "address", cfg.Server.Address, "version", version.String())
			sc := echo.StartConfig{
				Address: cfg.Server.Address,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = cfg.Server.ReadHeaderTimeout
					return nil
				},
			}
			err = sc.Start(ctx, e)
			if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
				return cli.Exit("error: engine quarantined: "+cause.Error(), 2)
			}
			return err
		},
	}
}
