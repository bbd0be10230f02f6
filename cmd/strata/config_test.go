package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/model"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Scheduler.MaxBatchSize != 8 || cfg.Server.Address != "127.0.0.1:8080" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadConfigOverlaysFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
backend: cpu
scheduler:
  max_batch_size: 16
  idle_wait: 5ms
engine:
  max_step_retries: 1
device:
  memory_limit: 1048576
model:
  handler: sparse
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Backend != "cpu" || cfg.Scheduler.MaxBatchSize != 16 || cfg.Scheduler.IdleWait != 5*time.Millisecond {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Scheduler.MaxQueueSize != 256 {
		t.Fatalf("default lost: max_queue_size = %d", cfg.Scheduler.MaxQueueSize)
	}
	if cfg.Engine.MaxStepRetries != 1 || cfg.Device.MemoryLimit != 1<<20 || cfg.Model.Handler != "sparse" {
		t.Fatalf("nested values not applied: %+v", cfg)
	}
}

func TestLoadConfigRejectsBadYAML(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("scheduler: [1, 2"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestFlagsOverrideOnlyWhenSet(t *testing.T) {
	t.Parallel()
	base := DefaultConfig()
	base.Scheduler.MaxBatchSize = 16
	base.Scheduler.MaxQueueSize = 10
	base.Model.Handler = "colbert"

	var got Config
	cmd := &cli.Command{
		Name:  "test",
		Flags: append(append(deviceFlags(), modelFlags()...), schedulerFlags()...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			got = base
			got.applyFlags(cmd)
			return nil
		},
	}
	args := []string{"test", "--max-batch-size", "4", "--backend", "cpu", "--retry-backoff", "1s"}
	if err := cmd.Run(context.Background(), args); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.Scheduler.MaxBatchSize != 4 || got.Backend != "cpu" || got.Engine.RetryBackoff != time.Second {
		t.Fatalf("flags not applied: %+v", got)
	}
	if got.Scheduler.MaxQueueSize != 10 || got.Model.Handler != "colbert" {
		t.Fatalf("unset flags overrode config: %+v", got)
	}
}

func TestPercentile(t *testing.T) {
	t.Parallel()
	var d []time.Duration
	for i := 1; i <= 100; i++ {
		d = append(d, time.Duration(i)*time.Millisecond)
	}
	cases := map[int]time.Duration{50: 50 * time.Millisecond, 95: 95 * time.Millisecond, 99: 99 * time.Millisecond, 100: 100 * time.Millisecond}
	for p, want := range cases {
		if got := percentile(d, p); got != want {
			t.Errorf("p%d = %s, want %s", p, got, want)
		}
	}
	if percentile(nil, 50) != 0 {
		t.Error("empty input should give 0")
	}
}

func TestSchedulerConfigDerivesBytesPerToken(t *testing.T) {
	t.Parallel()
	m, err := model.Random(model.Config{Vocab: 32, Hidden: 8, EOSTokenID: -1, MaxNewTokens: 4}, 1)
	if err != nil {
		t.Fatalf("Random: %v", err)
	}
	cfg := schedulerConfig(DefaultConfig().Scheduler, m)
	if cfg.BytesPerToken != 4+4*8+4*32 {
		t.Fatalf("BytesPerToken = %d, want %d", cfg.BytesPerToken, 4+4*8+4*32)
	}

	explicit := DefaultConfig().Scheduler
	explicit.BytesPerToken = 7
	if got := schedulerConfig(explicit, m).BytesPerToken; got != 7 {
		t.Fatalf("explicit BytesPerToken overridden: %d", got)
	}
}
