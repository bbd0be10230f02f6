package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/strata/internal/engine"
	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/stream"
)

type benchSample struct {
	latency time.Duration
	ttft    time.Duration
	tokens  int
	failed  bool
}

func benchCmd() *cli.Command {
	var (
		concurrency int64
		requests    int64
		inputLen    int64
		maxNew      int64
		kind        string
	)

	flags := []cli.Flag{
		&cli.Int64Flag{
			Name:        "concurrency",
			Aliases:     []string{"c"},
			Usage:       "concurrent clients",
			Value:       8,
			Destination: &concurrency,
		},
		&cli.Int64Flag{
			Name:        "requests",
			Aliases:     []string{"n"},
			Usage:       "total requests",
			Value:       64,
			Destination: &requests,
		},
		&cli.Int64Flag{
			Name:        "input-len",
			Usage:       "tokens per request",
			Value:       32,
			Destination: &inputLen,
		},
		&cli.Int64Flag{
			Name:        "max-new-tokens",
			Usage:       "tokens generated per request",
			Value:       16,
			Destination: &maxNew,
		},
		&cli.StringFlag{
			Name:        "kind",
			Usage:       "request kind (generate, embed)",
			Value:       "generate",
			Destination: &kind,
		},
	}
	flags = append(flags, deviceFlags()...)
	flags = append(flags, modelFlags()...)
	flags = append(flags, schedulerFlags()...)

	return &cli.Command{
		Name:  "bench",
		Usage: "Drive in-process engines with synthetic load",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := configFrom(ctx, cmd)
			if concurrency <= 0 || requests <= 0 || inputLen <= 0 || maxNew <= 0 {
				return cli.Exit("error: concurrency, requests, input-len and max-new-tokens must be > 0", 1)
			}
			var streamKind stream.Kind
			switch kind {
			case "generate":
				streamKind = stream.Generation
			case "embed":
				streamKind = stream.Embedding
			default:
				return cli.Exit(fmt.Sprintf("error: unknown kind %q (expected generate or embed)", kind), 1)
			}

			st, err := openStack(ctx, cfg, logReports(log), log)
			if err != nil {
				return cli.Exit("error: "+err.Error(), 1)
			}
			defer st.Close()
			eng := st.gen
			if streamKind == stream.Embedding {
				eng = st.emb
			}

			maxTokens := int(maxNew)
			gen := stream.ResolveGenerate(stream.GenerateOptions{MaxNewTokens: &maxTokens}, st.model.Defaults())
			gen.StopWords = nil
			vocab := int32(st.model.VocabSize())

			fmt.Println("=== Strata Benchmark ===")
			fmt.Printf("Backend:     %s\n", st.dev.Properties())
			fmt.Printf("Model:       vocab=%d hidden=%d\n", st.model.VocabSize(), st.model.HiddenSize())
			fmt.Printf("Kind:        %s\n", kind)
			fmt.Printf("Requests:    %d (concurrency %d)\n", requests, concurrency)
			fmt.Printf("Input:       %d tokens\n", inputLen)
			if streamKind == stream.Generation {
				fmt.Printf("Generate:    %d tokens\n", maxNew)
			}
			fmt.Printf("Batch cap:   %d\n", cfg.Scheduler.MaxBatchSize)
			fmt.Printf("GOMAXPROCS:  %d\n", runtime.GOMAXPROCS(0))
			fmt.Println()

			var (
				mu      sync.Mutex
				samples = make([]benchSample, 0, requests)
				next    atomic.Int64
			)
			start := time.Now()
			g, gctx := errgroup.WithContext(ctx)
			for w := range int(concurrency) {
				rng := rand.New(rand.NewPCG(uint64(w), uint64(requests)))
				g.Go(func() error {
					for next.Add(1) <= requests {
						input := make([]int32, inputLen)
						for i := range input {
							input[i] = rng.Int32N(vocab)
						}
						sample, err := benchOne(gctx, eng, stream.New(uuid.NewString(), streamKind, input, gen))
						if err != nil {
							return err
						}
						mu.Lock()
						samples = append(samples, sample)
						mu.Unlock()
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return cli.Exit("error: "+err.Error(), 1)
			}
			printBench(samples, time.Since(start))

			status := eng.Status()
			fmt.Printf("\nBatches:     %d (%d failed), %.2f streams/batch\n",
				status.Executor.Batches, status.Executor.FailedBatches,
				float64(status.Executor.Streams)/float64(max(status.Executor.Batches, 1)))
			stats := st.dev.Allocator().Stats()
			fmt.Printf("Allocator:   %d mallocs, %d reuses, %d grows, %d shrinks\n", stats.Mallocs, stats.Reuses, stats.Grows, stats.Shrinks)
			return nil
		},
	}
}

// benchOne enqueues st and reads it to the end. Stream failures are recorded
// in the sample; admission failures abort the run.
func benchOne(ctx context.Context, eng *engine.Engine, st *stream.Stream) (benchSample, error) {
	begin := time.Now()
	if err := eng.Enqueue(st); err != nil {
		return benchSample{}, fmt.Errorf("enqueue: %w", err)
	}
	var s benchSample
	for {
		out, err := st.NextOutput(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				st.Cancel()
				return s, ctx.Err()
			}
			s.failed = true
			break
		}
		if s.ttft == 0 {
			s.ttft = time.Since(begin)
		}
		s.tokens += len(out.Tokens)
	}
	s.latency = time.Since(begin)
	return s, nil
}

func printBench(samples []benchSample, elapsed time.Duration) {
	var latencies, ttfts []time.Duration
	tokens, failed := 0, 0
	for _, s := range samples {
		if s.failed {
			failed++
			continue
		}
		latencies = append(latencies, s.latency)
		ttfts = append(ttfts, s.ttft)
		tokens += s.tokens
	}
	slices.Sort(latencies)
	slices.Sort(ttfts)

	fmt.Println("=== Results ===")
	fmt.Printf("Elapsed:     %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Completed:   %d (%d failed)\n", len(latencies), failed)
	fmt.Printf("Throughput:  %.2f req/s, %.2f tok/s\n",
		float64(len(latencies))/elapsed.Seconds(), float64(tokens)/elapsed.Seconds())
	fmt.Printf("%-8s %10s %10s %10s\n", "", "p50", "p95", "p99")
	fmt.Printf("%-8s %10s %10s %10s\n", "latency", percentile(latencies, 50), percentile(latencies, 95), percentile(latencies, 99))
	fmt.Printf("%-8s %10s %10s %10s\n", "ttft", percentile(ttfts, 50), percentile(ttfts, 95), percentile(ttfts, 99))
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	i := (len(sorted)*p + 99) / 100
	i = min(max(i-1, 0), len(sorted)-1)
	return sorted[i].Round(time.Microsecond)
}
