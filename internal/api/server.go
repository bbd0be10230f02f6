// Package api is the HTTP front-end. Each request becomes one or more
// streams; handlers pull their output until the stream ends and cancel it
// when the client goes away.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"golang.org/x/sync/semaphore"

	"github.com/samcharles93/strata/internal/alloc"
	"github.com/samcharles93/strata/internal/device"
	"github.com/samcharles93/strata/internal/engine"
	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/scheduler"
	"github.com/samcharles93/strata/internal/stream"
)

type Config struct {
	// MaxOpenStreams caps streams held by in-flight requests.
	MaxOpenStreams int64 `yaml:"max_open_streams"`
	// MaxInputTokens rejects longer inputs up front. Zero disables it.
	MaxInputTokens int `yaml:"max_input_tokens"`
	// MaxNewTokens caps max_new_tokens per generation request. Zero
	// disables it.
	MaxNewTokens int `yaml:"max_new_tokens"`
}

func DefaultConfig() Config {
	return Config{MaxOpenStreams: 256, MaxInputTokens: 4096, MaxNewTokens: 4096}
}

// Engine is the engine surface the front-end needs.
type Engine interface {
	Name() string
	Enqueue(st *stream.Stream) error
	Status() engine.Status
}

// Device is the backend surface reported by the health endpoint.
type Device interface {
	Properties() device.Properties
	Status() (device.Status, error)
	Allocator() *alloc.Allocator
	HostAllocator() *alloc.Allocator
}

type Options struct {
	Config   Config
	Generate Engine
	Embed    Engine
	Device   Device
	// Defaults fill generation settings a request leaves unset.
	Defaults stream.GenerateDefaults
	// VocabSize bounds token ids when positive.
	VocabSize int
	Logger    logger.Logger
}

type Server struct {
	cfg       Config
	gen       Engine
	emb       Engine
	dev       Device
	defaults  stream.GenerateDefaults
	vocabSize int
	log       logger.Logger

	sem  *semaphore.Weighted
	open atomic.Int64
}

func NewServer(opts Options) *Server {
	cfg := opts.Config
	if cfg.MaxOpenStreams <= 0 {
		cfg.MaxOpenStreams = DefaultConfig().MaxOpenStreams
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Server{
		cfg:       cfg,
		gen:       opts.Generate,
		emb:       opts.Embed,
		dev:       opts.Device,
		defaults:  opts.Defaults,
		vocabSize: opts.VocabSize,
		log:       log.With("component", "api"),
		sem:       semaphore.NewWeighted(cfg.MaxOpenStreams),
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/generate", s.handleGenerate)
	e.POST("/v1/embeddings", s.handleEmbeddings)
	e.GET("/v1/health", s.handleHealth)
}

// acquire reserves n open streams without waiting.
func (s *Server) acquire(n int64) (func(), error) {
	if n > s.cfg.MaxOpenStreams {
		return nil, newInvalidRequest(fmt.Sprintf("request opens %d streams, limit is %d", n, s.cfg.MaxOpenStreams))
	}
	if !s.sem.TryAcquire(n) {
		return nil, ErrTooManyStreams
	}
	s.open.Add(n)
	return func() {
		s.open.Add(-n)
		s.sem.Release(n)
	}, nil
}

func (s *Server) validateInput(field string, ids []int32) error {
	if len(ids) == 0 {
		return newInvalidRequest(field + " must not be empty")
	}
	if s.cfg.MaxInputTokens > 0 && len(ids) > s.cfg.MaxInputTokens {
		return fmt.Errorf("%w: %s has %d tokens, limit is %d", scheduler.ErrTooLarge, field, len(ids), s.cfg.MaxInputTokens)
	}
	for i, id := range ids {
		if id < 0 || (s.vocabSize > 0 && int(id) >= s.vocabSize) {
			return newInvalidRequest(fmt.Sprintf("%s[%d] = %d is outside the vocabulary", field, i, id))
		}
	}
	return nil
}

// pump reads st until it ends, handing every output to emit. When ctx ends
// or emit fails the stream is cancelled and ErrCancelled returned. Errored
// streams return *stream.Error.
func pump(ctx context.Context, st *stream.Stream, emit func(stream.Output) error) error {
	for {
		if ctx.Err() != nil {
			st.Cancel()
			return stream.ErrCancelled
		}
		out, err := st.NextOutput(ctx)
		switch {
		case err == nil:
			if err := emit(out); err != nil {
				st.Cancel()
				return stream.ErrCancelled
			}
		case errors.Is(err, io.EOF):
			return nil
		case ctx.Err() != nil:
			st.Cancel()
			return stream.ErrCancelled
		default:
			return err
		}
	}
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return out, newInvalidRequest(fmt.Sprintf("decode request: %v", err))
	}
	return out, nil
}
