package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/model"
)

func weightsCmd() *cli.Command {
	return &cli.Command{
		Name:  "weights",
		Usage: "Manage model weight files",
		Commands: []*cli.Command{
			weightsInitCmd(),
		},
	}
}

func weightsInitCmd() *cli.Command {
	var (
		out    string
		vocab  int64
		hidden int64
		labels int64
		eos    int64
		maxNew int64
		seed   int64
	)
	def := defaultModel()
	return &cli.Command{
		Name:      "init",
		Usage:     "Write random weights to a .safetensors file",
		ArgsUsage: "<out.safetensors>",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "vocab", Value: int64(def.Vocab), Usage: "vocabulary size", Destination: &vocab},
			&cli.Int64Flag{Name: "hidden", Value: int64(def.Hidden), Usage: "hidden size", Destination: &hidden},
			&cli.Int64Flag{Name: "labels", Usage: "classification head width (0 omits it)", Destination: &labels},
			&cli.Int64Flag{Name: "eos", Value: int64(def.EOSTokenID), Usage: "end-of-sequence token id (-1 for none)", Destination: &eos},
			&cli.Int64Flag{Name: "max-new-tokens", Value: int64(def.MaxNewTokens), Usage: "default generation length", Destination: &maxNew},
			&cli.Int64Flag{Name: "seed", Value: 1, Usage: "random seed", Destination: &seed},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			out = cmd.Args().First()
			if out == "" {
				return cli.Exit("error: output path is required", 1)
			}
			cfg := model.Config{
				Vocab:        int(vocab),
				Hidden:       int(hidden),
				Labels:       int(labels),
				EOSTokenID:   int32(eos),
				MaxNewTokens: int(maxNew),
			}
			m, err := model.Random(cfg, seed)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if err := m.Save(out); err != nil {
				return cli.Exit(fmt.Sprintf("error: save weights: %v", err), 1)
			}
			log.Info("wrote weights", "path", out, "vocab", cfg.Vocab, "hidden", cfg.Hidden, "labels", cfg.Labels)
			return nil
		},
	}
}
