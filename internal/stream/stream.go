// Package stream holds the unit of client work. A Stream is created by the
// front-end, owned by an engine from enqueue until it reaches a terminal
// state, and drained by the front-end through NextOutput.
//
// State only moves forward:
//
//	Pending -> Scheduled -> Running -> Finished | Errored | Cancelled
//
// Errored and Cancelled are also reachable from Pending and Scheduled.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

type State int32

const (
	Pending State = iota
	Scheduled
	Running
	Finished
	Errored
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Scheduled:
		return "scheduled"
	case Running:
		return "running"
	case Finished:
		return "finished"
	case Errored:
		return "errored"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	return s >= Finished
}

type Kind int

const (
	Embedding Kind = iota
	Generation
)

func (k Kind) String() string {
	if k == Generation {
		return "generation"
	}
	return "embedding"
}

type FinishReason string

const (
	ReasonStop      FinishReason = "stop"
	ReasonLength    FinishReason = "length"
	ReasonCancelled FinishReason = "cancelled"
	ReasonError     FinishReason = "error"
)

var (
	// ErrCancelled is returned by NextOutput once the stream is cancelled.
	ErrCancelled = errors.New("stream cancelled")
	// ErrClosed is returned when output is appended to a terminal stream.
	ErrClosed = errors.New("stream closed")
)

// Error carries the message a stream was errored with.
type Error struct {
	Message string
}

func (e *Error) Error() string { return e.Message }

// Vectors is the post-processed result of an embedding pass.
type Vectors struct {
	Dense  []float32         `json:"dense,omitempty"`
	Sparse map[int32]float32 `json:"sparse,omitempty"`
	Multi  [][]float32       `json:"multi,omitempty"`
	Scores []float32         `json:"scores,omitempty"`
}

// Output is one increment. The last output of a finished stream has Finished
// set.
type Output struct {
	Index    int
	Tokens   []int32
	Vectors  *Vectors
	Finished bool
	Reason   FinishReason
}

type Stream struct {
	id      string
	kind    Kind
	input   []int32
	gen     GenerateConfig
	created time.Time

	mu        sync.Mutex
	state     State
	message   string
	queue     []Output
	produced  int
	generated []int32
	changed   chan struct{}
}

// New returns a Pending stream. input is copied.
func New(id string, kind Kind, input []int32, gen GenerateConfig) *Stream {
	return &Stream{
		id:      id,
		kind:    kind,
		input:   append([]int32(nil), input...),
		gen:     gen,
		created: time.Now(),
		changed: make(chan struct{}),
	}
}

func (s *Stream) ID() string { return s.id }
func (s *Stream) Kind() Kind { return s.kind }
func (s *Stream) Input() []int32 { return s.input }
func (s *Stream) Generate() GenerateConfig { return s.gen }
func (s *Stream) Created() time.Time { return s.created }

func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error a stream was terminated with, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errLocked()
}

func (s *Stream) errLocked() error {
	switch s.state {
	case Errored:
		return &Error{Message: s.message}
	case Cancelled:
		return ErrCancelled
	default:
		return nil
	}
}

// Tokens returns the input followed by every generated token.
func (s *Stream) Tokens() []int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int32, 0, len(s.input)+len(s.generated))
	out = append(out, s.input...)
	return append(out, s.generated...)
}

// Generated returns a copy of the tokens produced so far.
func (s *Stream) Generated() []int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int32(nil), s.generated...)
}

// broadcast wakes every waiter. Callers hold mu.
func (s *Stream) broadcast() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Stream) transition(from []State, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range from {
		if s.state == st {
			s.state = to
			s.broadcast()
			return true
		}
	}
	return false
}

// MarkScheduled moves a pending stream into a batch.
func (s *Stream) MarkScheduled() bool {
	return s.transition([]State{Pending}, Scheduled)
}

// MarkRunning records that the stream's pass has started. It reports true
// for streams that are already running.
func (s *Stream) MarkRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Scheduled:
		s.state = Running
		s.broadcast()
		return true
	case Running:
		return true
	default:
		return false
	}
}

// Append queues out. Generated tokens are recorded so the next pass sees
// them. A Finished output ends the stream. Cancelled and otherwise terminal
// streams reject output with ErrClosed.
func (s *Stream) Append(out Output) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Running {
		if s.state.Terminal() {
			return ErrClosed
		}
		return fmt.Errorf("stream %s is %s, not running", s.id, s.state)
	}
	out.Index = s.produced
	s.produced++
	s.generated = append(s.generated, out.Tokens...)
	s.queue = append(s.queue, out)
	if out.Finished {
		s.state = Finished
	}
	s.broadcast()
	return nil
}

// Finish ends a running stream with an empty final output.
func (s *Stream) Finish(reason FinishReason) error {
	return s.Append(Output{Finished: true, Reason: reason})
}

// SetError moves a non-terminal stream to Errored.
func (s *Stream) SetError(message string) bool {
	if message == "" {
		message = "internal error"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false
	}
	s.state = Errored
	s.message = message
	s.broadcast()
	return true
}

// Cancel requests cancellation. It reports whether the stream was still live.
// No output is accepted afterwards; the engine drops the stream at its next
// scheduling cycle.
func (s *Stream) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false
	}
	s.state = Cancelled
	s.queue = nil
	s.broadcast()
	return true
}

// Finished reports whether the stream is terminal with nothing left to read.
func (s *Stream) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Terminal() && len(s.queue) == 0
}

// NextOutput blocks until the next increment is available, the stream ends or
// ctx is done. After the final output of a finished stream it returns io.EOF;
// errored streams return *Error once queued output is drained; cancelled
// streams return ErrCancelled.
func (s *Stream) NextOutput(ctx context.Context) (Output, error) {
	for {
		s.mu.Lock()
		if s.state == Cancelled {
			s.mu.Unlock()
			return Output{}, ErrCancelled
		}
		if len(s.queue) > 0 {
			out := s.queue[0]
			s.queue[0] = Output{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return out, nil
		}
		if s.state.Terminal() {
			err := s.errLocked()
			s.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return Output{}, err
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return Output{}, ctx.Err()
		}
	}
}
