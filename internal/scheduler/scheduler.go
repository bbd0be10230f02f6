// Package scheduler decides which streams run in each engine cycle.
//
// Streams still running from the previous cycle stay in the batch
// (continuous batching). Free slots are filled from the wait queue in
// arrival order while the batch cap and the device memory budget allow; the
// first stream that does not fit blocks those behind it.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/samcharles93/strata/internal/device"
	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/stream"
)

var (
	ErrStopped     = errors.New("scheduler stopped")
	ErrQueueFull   = errors.New("scheduler queue full")
	ErrRateLimited = errors.New("admission rate exceeded")
	ErrTooLarge    = errors.New("request exceeds device capacity")
)

type Config struct {
	// MaxBatchSize caps the number of streams in one cycle.
	MaxBatchSize int `yaml:"max_batch_size"`
	// MaxQueueSize caps waiting streams. Zero means unbounded.
	MaxQueueSize int `yaml:"max_queue_size"`
	// BytesPerToken estimates the device memory one token needs during a
	// pass. Zero disables the memory check.
	BytesPerToken uint64 `yaml:"bytes_per_token"`
	// IdleWait bounds how long ScheduleNew parks when nothing is runnable.
	IdleWait time.Duration `yaml:"idle_wait"`
	// AdmissionRate limits accepted streams per second. Zero disables it.
	AdmissionRate  float64 `yaml:"admission_rate"`
	AdmissionBurst int     `yaml:"admission_burst"`
}

func DefaultConfig() Config {
	return Config{
		MaxBatchSize: 8,
		MaxQueueSize: 256,
		IdleWait:     50 * time.Millisecond,
	}
}

// StatusSource reports device memory. device.Backend satisfies it.
type StatusSource interface {
	Status() (device.Status, error)
}

type Stats struct {
	Pending int  `json:"pending"`
	Running int  `json:"running"`
	Stopped bool `json:"stopped"`
}

type Scheduler struct {
	cfg       Config
	status    StatusSource
	admission AdmissionPolicy
	log       logger.Logger

	wake chan struct{}
	done chan struct{}

	mu      sync.Mutex
	pending waitQueue
	running []*stream.Stream
	stopped bool
}

func New(cfg Config, status StatusSource, log logger.Logger) (*Scheduler, error) {
	if cfg.MaxBatchSize <= 0 {
		return nil, fmt.Errorf("max batch size must be > 0, got %d", cfg.MaxBatchSize)
	}
	if cfg.MaxQueueSize < 0 {
		return nil, fmt.Errorf("max queue size must be >= 0, got %d", cfg.MaxQueueSize)
	}
	if cfg.BytesPerToken > 0 && status == nil {
		return nil, errors.New("memory admission needs a status source")
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Scheduler{
		cfg:       cfg,
		status:    status,
		admission: NewAdmissionPolicy(cfg.AdmissionRate, cfg.AdmissionBurst),
		log:       log.With("component", "scheduler"),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}, nil
}

// Enqueue adds a pending stream to the wait queue.
func (s *Scheduler) Enqueue(st *stream.Stream) error {
	if st == nil {
		return errors.New("nil stream")
	}
	if state := st.State(); state != stream.Pending {
		return fmt.Errorf("stream %s is %s, want pending", st.ID(), state)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.cfg.MaxQueueSize > 0 && s.pending.len() >= s.cfg.MaxQueueSize {
		s.mu.Unlock()
		return ErrQueueFull
	}
	if ok, reason := s.admission.Admit(st); !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRateLimited, reason)
	}
	s.pending.enqueue(st)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Required estimates the device memory a stream needs for one pass. The
// estimate saturates at math.MaxUint64, which never fits any device.
func (s *Scheduler) Required(st *stream.Stream) uint64 {
	tokens := uint64(len(st.Input()))
	if st.Kind() == stream.Generation {
		if n := st.Generate().MaxNewTokens; n > 0 {
			if uint64(n) > math.MaxUint64-tokens {
				return math.MaxUint64
			}
			tokens += uint64(n)
		}
	}
	if per := s.cfg.BytesPerToken; per > 0 && tokens > math.MaxUint64/per {
		return math.MaxUint64
	}
	return tokens * s.cfg.BytesPerToken
}

// ScheduleNew returns the batch for the next cycle. When nothing is runnable
// it parks for at most IdleWait and may return an empty batch. It fails with
// ErrStopped once the scheduler is stopped.
func (s *Scheduler) ScheduleNew(ctx context.Context) (*Batch, error) {
	batch, err := s.form()
	if err != nil || !batch.Empty() {
		return batch, err
	}

	timer := time.NewTimer(s.cfg.IdleWait)
	defer timer.Stop()
	select {
	case <-s.wake:
	case <-timer.C:
	case <-s.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.form()
}

func (s *Scheduler) form() (*Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, ErrStopped
	}

	kept := s.running[:0]
	for _, st := range s.running {
		if !st.State().Terminal() {
			kept = append(kept, st)
		}
	}
	clear(s.running[len(kept):])
	s.running = kept
	s.pending.prune()

	batch := &Batch{Streams: append([]*stream.Stream(nil), s.running...)}
	if s.pending.len() == 0 || len(batch.Streams) >= s.cfg.MaxBatchSize {
		return batch, nil
	}

	var budget, capacity uint64
	if s.cfg.BytesPerToken > 0 {
		status, err := s.status.Status()
		if err != nil {
			return nil, fmt.Errorf("query device status: %w", err)
		}
		budget = status.Device.Available()
		capacity = status.Device.Capacity()
	}

	for s.pending.len() > 0 && len(batch.Streams) < s.cfg.MaxBatchSize {
		head := s.pending.peek()
		if s.cfg.BytesPerToken > 0 {
			need := s.Required(head)
			if need > capacity {
				s.pending.pop()
				s.log.Warn("rejecting stream larger than device capacity", "stream", head.ID(), "required", need, "capacity", capacity)
				head.SetError(fmt.Sprintf("%v: needs %d bytes, device has %d", ErrTooLarge, need, capacity))
				continue
			}
			// An empty batch always takes its head: the executor recycles
			// its own buffers, so memory it holds does not block progress.
			if need > budget && len(batch.Streams) > 0 {
				break
			}
			budget -= min(need, budget)
		}
		s.pending.pop()
		if !head.MarkScheduled() {
			continue
		}
		batch.Streams = append(batch.Streams, head)
		batch.Admitted++
		s.running = append(s.running, head)
	}
	return batch, nil
}

// Stop is StopWithError with the stopped message.
func (s *Scheduler) Stop() {
	s.StopWithError(ErrStopped.Error())
}

// StopWithError makes the scheduler terminal. Parked ScheduleNew calls
// return, later Enqueue calls fail and every waiting or in-flight stream is
// errored with message. Only the first call has an effect.
func (s *Scheduler) StopWithError(message string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	orphans := append(s.pending.drain(), s.running...)
	s.running = nil
	close(s.done)
	s.mu.Unlock()

	n := 0
	for _, st := range orphans {
		if st.SetError(message) {
			n++
		}
	}
	if n > 0 {
		s.log.Info("errored outstanding streams on stop", "count", n, "reason", message)
	}
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Pending: s.pending.len(), Running: len(s.running), Stopped: s.stopped}
}
