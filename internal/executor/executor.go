// Package executor runs one batched forward pass per cycle and publishes the
// results to each stream.
//
// Device buffers are owned by the executor and recycled across cycles with
// ReMalloc, so at most one batch's buffers are live at a time. A failure
// anywhere in the pass errors every stream of the batch.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"

	"github.com/samcharles93/strata/internal/alloc"
	"github.com/samcharles93/strata/internal/device"
	"github.com/samcharles93/strata/internal/handler"
	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/logits"
	"github.com/samcharles93/strata/internal/scheduler"
	"github.com/samcharles93/strata/internal/stream"
	"github.com/samcharles93/strata/internal/tracing"
)

// internalMessage is what clients see for failures inside the allocator or
// data movement.
const internalMessage = "internal error"

// BatchError reports a batch that failed as a whole. Every stream in it has
// been errored.
type BatchError struct {
	Streams int
	Err     error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch of %d streams failed: %v", e.Streams, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

type Stats struct {
	Batches       int64 `json:"batches"`
	FailedBatches int64 `json:"failed_batches"`
	Streams       int64 `json:"streams"`
	Tokens        int64 `json:"tokens"`
}

type Executor struct {
	dev     device.Backend
	fwd     device.Forwarder
	handler handler.Handler
	log     logger.Logger

	// Only touched from the engine loop.
	tokens   alloc.Ptr
	staging  alloc.Ptr
	hidden   alloc.Ptr
	logits   alloc.Ptr
	samplers map[*stream.Stream]*logits.Sampler

	batches atomic.Int64
	failed  atomic.Int64
	streams atomic.Int64
	ntokens atomic.Int64
}

// New returns an executor for fwd on dev. h post-processes embedding
// streams; nil selects mean-pooled normalised dense embeddings.
func New(dev device.Backend, fwd device.Forwarder, h handler.Handler, log logger.Logger) *Executor {
	if h == nil {
		h = &handler.DenseEmbedding{Pooling: handler.PoolMean, Normalize: true}
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Executor{
		dev:      dev,
		fwd:      fwd,
		handler:  h,
		log:      log.With("component", "executor", "handler", h.Name()),
		samplers: make(map[*stream.Stream]*logits.Sampler),
	}
}

// stepFailure carries the message streams are errored with.
type stepFailure struct {
	message string
	err     error
}

func (f *stepFailure) Error() string { return f.err.Error() }
func (f *stepFailure) Unwrap() error { return f.err }

func internal(err error) error { return &stepFailure{message: internalMessage, err: err} }

// Process executes batch. Streams that are no longer live are skipped. On
// failure every participating stream is errored and a *BatchError is
// returned; the executor stays usable.
func (e *Executor) Process(ctx context.Context, batch *scheduler.Batch) error {
	live := make([]*stream.Stream, 0, batch.Len())
	if batch != nil {
		for _, st := range batch.Streams {
			if st.MarkRunning() {
				live = append(live, st)
			}
		}
	}
	e.pruneSamplers(live)
	if len(live) == 0 {
		return nil
	}

	e.batches.Add(1)
	e.streams.Add(int64(len(live)))
	err := e.run(ctx, live)
	if err == nil {
		return nil
	}

	e.failed.Add(1)
	message := err.Error()
	var sf *stepFailure
	if errors.As(err, &sf) {
		message = sf.message
	}
	for _, st := range live {
		st.SetError(message)
	}
	e.log.Warn("batch failed", "streams", len(live), "error", err)
	e.release()
	return &BatchError{Streams: len(live), Err: err}
}

func (e *Executor) run(ctx context.Context, live []*stream.Stream) error {
	in := &device.ForwardInput{Segments: make([]device.Segment, 0, len(live))}
	var ids []int32
	var wantHidden, wantLogits bool
	for _, st := range live {
		toks := st.Tokens()
		if len(toks) == 0 {
			return fmt.Errorf("stream %s has no input tokens", st.ID())
		}
		in.Segments = append(in.Segments, device.Segment{Offset: len(ids), Length: len(toks)})
		ids = append(ids, toks...)
		if st.Kind() == stream.Generation {
			wantLogits = true
		} else {
			wantHidden = true
		}
	}
	in.TotalTokens = len(ids)
	e.ntokens.Add(int64(len(ids)))

	if err := e.stage(ids); err != nil {
		return err
	}
	in.Tokens = e.tokens

	devAlloc := e.dev.Allocator()
	hiddenBytes := uint64(len(ids) * e.fwd.HiddenSize() * 4)
	logitBytes := uint64(len(live) * e.fwd.VocabSize() * 4)
	var err error
	if wantHidden {
		if e.hidden, err = devAlloc.ReMalloc(e.hidden, hiddenBytes, true); err != nil {
			return internal(fmt.Errorf("hidden buffer: %w", err))
		}
		in.Hidden = e.hidden
	}
	if wantLogits {
		if e.logits, err = devAlloc.ReMalloc(e.logits, logitBytes, true); err != nil {
			return internal(fmt.Errorf("logits buffer: %w", err))
		}
		in.Logits = e.logits
	}

	fctx, span := tracing.StartSpan(ctx, "executor.forward", trace.SpanKindInternal)
	span.SetInt("batch.streams", len(live)).SetInt("batch.tokens", in.TotalTokens)
	err = e.dev.RunForward(fctx, e.fwd, in)
	span.End(err)
	if err != nil {
		return fmt.Errorf("forward pass: %w", err)
	}

	var hidden, lg []float32
	if wantHidden {
		hidden = make([]float32, hiddenBytes/4)
		if err := e.dev.CopyToHost(device.Float32Bytes(hidden), e.hidden); err != nil {
			return internal(fmt.Errorf("read hidden: %w", err))
		}
	}
	if wantLogits {
		lg = make([]float32, logitBytes/4)
		if err := e.dev.CopyToHost(device.Float32Bytes(lg), e.logits); err != nil {
			return internal(fmt.Errorf("read logits: %w", err))
		}
	}

	var vectors []*stream.Vectors
	if wantHidden {
		sub := &handler.Input{HiddenSize: e.fwd.HiddenSize()}
		for i, st := range live {
			if st.Kind() != stream.Embedding {
				continue
			}
			seg := in.Segments[i]
			sub.Segments = append(sub.Segments, device.Segment{Offset: len(sub.Tokens), Length: seg.Length})
			sub.Tokens = append(sub.Tokens, ids[seg.Offset:seg.Offset+seg.Length]...)
			h := e.fwd.HiddenSize()
			sub.Hidden = append(sub.Hidden, hidden[seg.Offset*h:(seg.Offset+seg.Length)*h]...)
		}
		if vectors, err = e.handler.Forward(ctx, sub); err != nil {
			return fmt.Errorf("%s handler: %w", e.handler.Name(), err)
		}
		if len(vectors) != len(sub.Segments) {
			return fmt.Errorf("%s handler returned %d results for %d requests", e.handler.Name(), len(vectors), len(sub.Segments))
		}
	}

	next := 0
	v := e.fwd.VocabSize()
	for i, st := range live {
		var out stream.Output
		if st.Kind() == stream.Embedding {
			out = stream.Output{Vectors: vectors[next], Finished: true, Reason: stream.ReasonStop}
			next++
		} else {
			out = e.sample(st, lg[i*v:(i+1)*v])
		}
		if err := st.Append(out); err != nil && !errors.Is(err, stream.ErrClosed) {
			e.log.Warn("append output", "stream", st.ID(), "error", err)
		}
		if out.Finished {
			delete(e.samplers, st)
		}
	}
	return nil
}

// stage writes ids into pinned host memory and copies them to the device
// token buffer on the compute stream.
func (e *Executor) stage(ids []int32) error {
	size := uint64(len(ids) * 4)
	var err error
	if e.staging, err = e.dev.HostAllocator().ReMalloc(e.staging, size, false); err != nil {
		return internal(fmt.Errorf("staging buffer: %w", err))
	}
	if e.tokens, err = e.dev.Allocator().ReMalloc(e.tokens, size, false); err != nil {
		return internal(fmt.Errorf("token buffer: %w", err))
	}
	if err := e.dev.CopyToDevice(e.staging, device.Int32Bytes(ids)); err != nil {
		return internal(fmt.Errorf("stage tokens: %w", err))
	}
	if err := e.dev.Copy(e.tokens, e.staging, size); err != nil {
		return internal(fmt.Errorf("upload tokens: %w", err))
	}
	return nil
}

// sample draws the next token of a generation stream and decides whether the
// stream is done.
func (e *Executor) sample(st *stream.Stream, row []float32) stream.Output {
	s, ok := e.samplers[st]
	if !ok {
		s = logits.NewSampler(st.Generate())
		e.samplers[st] = s
	}
	cfg := st.Generate()
	tok := s.Sample(row, st.Tokens())
	out := stream.Output{Tokens: []int32{tok}}

	generated := append(st.Generated(), tok)
	if _, stop := cfg.MatchStop(generated); stop {
		out.Finished, out.Reason = true, stream.ReasonStop
	} else if len(generated) >= cfg.MaxNewTokens {
		out.Finished, out.Reason = true, stream.ReasonLength
	}
	return out
}

func (e *Executor) pruneSamplers(live []*stream.Stream) {
	if len(e.samplers) == 0 {
		return
	}
	keep := make(map[*stream.Stream]struct{}, len(live))
	for _, st := range live {
		keep[st] = struct{}{}
	}
	for st := range e.samplers {
		if _, ok := keep[st]; !ok {
			delete(e.samplers, st)
		}
	}
}

// release returns every executor buffer to its allocator.
func (e *Executor) release() {
	e.dev.Allocator().Free(&e.tokens)
	e.dev.Allocator().Free(&e.hidden)
	e.dev.Allocator().Free(&e.logits)
	e.dev.HostAllocator().Free(&e.staging)
}

// Close frees the executor's buffers. Call it after the engine loop exits.
func (e *Executor) Close() {
	e.release()
	clear(e.samplers)
}

func (e *Executor) Stats() Stats {
	return Stats{
		Batches:       e.batches.Load(),
		FailedBatches: e.failed.Load(),
		Streams:       e.streams.Load(),
		Tokens:        e.ntokens.Load(),
	}
}
