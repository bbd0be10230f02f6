// Package engine drives one scheduler and one executor from a dedicated loop
// goroutine.
//
// Step faults are classified: scheduler errors, device faults and panics are
// retried with exponential backoff. After MaxStepRetries consecutive faults
// the engine quarantines itself: it stops admitting, errors every outstanding
// stream and reports to the supervisor. Per-batch failures that are not
// device faults only affect their batch.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/samcharles93/strata/internal/device"
	"github.com/samcharles93/strata/internal/executor"
	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/scheduler"
	"github.com/samcharles93/strata/internal/stream"
	"github.com/samcharles93/strata/internal/tracing"
)

var (
	ErrQuarantined = errors.New("engine quarantined")
	ErrNotRunning  = errors.New("engine not running")
)

type Config struct {
	// MaxStepRetries is the number of consecutive faulted steps tolerated
	// before quarantine.
	MaxStepRetries  int           `yaml:"max_step_retries"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	MaxRetryBackoff time.Duration `yaml:"max_retry_backoff"`
}

func DefaultConfig() Config {
	return Config{
		MaxStepRetries:  3,
		RetryBackoff:    50 * time.Millisecond,
		MaxRetryBackoff: 2 * time.Second,
	}
}

// Processor executes one batch. *executor.Executor implements it.
type Processor interface {
	Process(ctx context.Context, batch *scheduler.Batch) error
	Stats() executor.Stats
	Close()
}

// Report describes a state change. Err is nil when the engine recovered.
type Report struct {
	Engine string
	State  State
	Faults int
	Err    error
	At     time.Time
}

// Supervisor receives reports on a goroutine separate from the loop, in
// order. It may call Stop.
type Supervisor func(Report)

type Options struct {
	Name       string
	Config     Config
	Supervisor Supervisor
	Logger     logger.Logger
}

type Status struct {
	Name              string          `json:"name"`
	State             State           `json:"state"`
	Faults            int64           `json:"faults"`
	ConsecutiveFaults int64           `json:"consecutive_faults"`
	LastError         string          `json:"last_error,omitempty"`
	Scheduler         scheduler.Stats `json:"scheduler"`
	Executor          executor.Stats  `json:"executor"`
}

type Engine struct {
	name  string
	cfg   Config
	sched *scheduler.Scheduler
	exec  Processor
	log   logger.Logger

	state       atomic.Int32
	faults      atomic.Int64
	consecutive atomic.Int64

	mu      sync.Mutex
	lastErr error
	cancel  context.CancelFunc
	done    chan struct{}

	reports    chan Report
	supervisor Supervisor

	stopOnce sync.Once
}

func New(sched *scheduler.Scheduler, exec Processor, opts Options) (*Engine, error) {
	if sched == nil || exec == nil {
		return nil, errors.New("engine needs a scheduler and a processor")
	}
	cfg := opts.Config
	if cfg.MaxStepRetries < 0 {
		return nil, fmt.Errorf("max step retries must be >= 0, got %d", cfg.MaxStepRetries)
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultConfig().RetryBackoff
	}
	if cfg.MaxRetryBackoff < cfg.RetryBackoff {
		cfg.MaxRetryBackoff = cfg.RetryBackoff
	}
	name := opts.Name
	if name == "" {
		name = "engine"
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Engine{
		name:       name,
		cfg:        cfg,
		sched:      sched,
		exec:       exec,
		log:        log.With("component", "engine", "engine", name),
		supervisor: opts.Supervisor,
	}, nil
}

func (e *Engine) Name() string { return e.name }

func (e *Engine) State() State { return State(e.state.Load()) }

// Start launches the loop. The loop exits when ctx is done, on Stop, or on
// quarantine.
func (e *Engine) Start(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(Idle), int32(Running)) {
		return fmt.Errorf("start engine %s: state is %s", e.name, e.State())
	}
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.done = make(chan struct{})
	e.reports = make(chan Report, 32)
	done, reports := e.done, e.reports
	e.mu.Unlock()

	go e.deliver(reports)
	go e.run(ctx, done, reports)
	e.log.Info("engine started")
	return nil
}

// Enqueue hands st to the scheduler.
func (e *Engine) Enqueue(st *stream.Stream) error {
	switch e.State() {
	case Quarantined:
		return ErrQuarantined
	case Stopped:
		return scheduler.ErrStopped
	}
	return e.sched.Enqueue(st)
}

// Stop halts the loop and waits for it to exit. Outstanding streams are
// errored and the executor's buffers are released. Safe to call more than
// once and from a Supervisor.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		cancel, done := e.cancel, e.done
		e.mu.Unlock()

		e.sched.Stop()
		if cancel != nil {
			cancel()
			<-done
		}
		e.exec.Close()
		e.state.Store(int32(Stopped))
		e.log.Info("engine stopped")
	})
}

func (e *Engine) Status() Status {
	st := Status{
		Name:              e.name,
		State:             e.State(),
		Faults:            e.faults.Load(),
		ConsecutiveFaults: e.consecutive.Load(),
		Scheduler:         e.sched.Stats(),
		Executor:          e.exec.Stats(),
	}
	e.mu.Lock()
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	e.mu.Unlock()
	return st
}

func (e *Engine) run(ctx context.Context, done chan<- struct{}, reports chan<- Report) {
	defer close(reports)
	defer close(done)
	defer func() {
		// Without a loop nothing drains the queue.
		e.sched.Stop()
		e.state.CompareAndSwap(int32(Running), int32(Stopped))
		e.state.CompareAndSwap(int32(Degraded), int32(Stopped))
	}()

	for {
		err := e.step(ctx)
		if ctx.Err() != nil || errors.Is(err, scheduler.ErrStopped) {
			return
		}
		if err == nil || !isFault(err) {
			if e.consecutive.Swap(0) > 0 && e.state.CompareAndSwap(int32(Degraded), int32(Running)) {
				e.log.Info("engine recovered")
				e.report(reports, Report{State: Running})
			}
			if err != nil {
				e.log.Debug("batch failed", "error", err)
			}
			continue
		}

		n := int(e.consecutive.Add(1))
		e.faults.Add(1)
		e.mu.Lock()
		e.lastErr = err
		e.mu.Unlock()

		if n > e.cfg.MaxStepRetries {
			e.quarantine(err, n, reports)
			return
		}
		e.state.CompareAndSwap(int32(Running), int32(Degraded))
		wait := e.backoff(n)
		e.log.Error("engine step faulted", "error", err, "attempt", n, "retry_in", wait)
		e.report(reports, Report{State: Degraded, Faults: n, Err: err})

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// step runs one schedule-execute cycle. Panics are recovered and the
// batch, if any, is errored.
func (e *Engine) step(ctx context.Context) (err error) {
	var batch *scheduler.Batch
	defer func() {
		if rec := recover(); rec != nil {
			err = &stepFault{op: "step", err: fmt.Errorf("panic: %v", rec)}
			if batch != nil {
				for _, st := range batch.Streams {
					st.SetError("internal error")
				}
			}
		}
	}()

	batch, err = e.sched.ScheduleNew(ctx)
	if err != nil {
		if errors.Is(err, scheduler.ErrStopped) || ctx.Err() != nil {
			return err
		}
		return &stepFault{op: "schedule", err: err}
	}
	if batch.Empty() {
		return nil
	}

	ctx, span := tracing.StartSpan(ctx, "engine.step", trace.SpanKindInternal)
	span.SetString("engine", e.name).SetInt("batch.size", batch.Len()).SetInt("batch.admitted", batch.Admitted)
	err = e.exec.Process(ctx, batch)
	span.End(err)
	if err != nil && errors.Is(err, device.ErrFault) {
		return &stepFault{op: "execute", err: err}
	}
	return err
}

func (e *Engine) quarantine(err error, faults int, reports chan<- Report) {
	e.state.Store(int32(Quarantined))
	e.log.Error("engine quarantined", "error", err, "faults", faults)
	e.sched.StopWithError(fmt.Sprintf("%v: %v", ErrQuarantined, err))
	e.report(reports, Report{State: Quarantined, Faults: faults, Err: err})
}

func (e *Engine) backoff(attempt int) time.Duration {
	d := e.cfg.RetryBackoff
	for i := 1; i < attempt && d < e.cfg.MaxRetryBackoff; i++ {
		d *= 2
	}
	return min(d, e.cfg.MaxRetryBackoff)
}

func (e *Engine) report(reports chan<- Report, r Report) {
	if e.supervisor == nil {
		return
	}
	r.Engine = e.name
	r.At = time.Now()
	select {
	case reports <- r:
	default:
		e.log.Warn("supervisor is not keeping up, dropping report", "state", r.State)
	}
}

func (e *Engine) deliver(reports <-chan Report) {
	for r := range reports {
		if e.supervisor != nil {
			e.supervisor(r)
		}
	}
}

// stepFault marks errors that count towards quarantine.
type stepFault struct {
	op  string
	err error
}

func (f *stepFault) Error() string { return f.op + ": " + f.err.Error() }
func (f *stepFault) Unwrap() error { return f.err }

func isFault(err error) bool {
	var f *stepFault
	return errors.As(err, &f)
}
