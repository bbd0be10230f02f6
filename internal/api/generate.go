package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/samcharles93/strata/internal/stream"
	"github.com/samcharles93/strata/internal/tracing"
)

func (s *Server) handleGenerate(c *echo.Context) error {
	if s.gen == nil {
		return writeError(c, http.StatusServiceUnavailable, "unavailable_error", "generation engine not configured")
	}
	req, err := decodeJSON[GenerateRequest](c.Request().Body)
	if err != nil {
		return writeErr(c, err)
	}
	if err := s.validateInput("input_ids", req.InputIDs); err != nil {
		return writeErr(c, err)
	}
	cfg := stream.ResolveGenerate(req.GenerateOptions, s.defaults)
	if err := cfg.Validate(); err != nil {
		return writeErr(c, newInvalidRequest(err.Error()))
	}
	if s.cfg.MaxNewTokens > 0 && cfg.MaxNewTokens > s.cfg.MaxNewTokens {
		return writeErr(c, newInvalidRequest(fmt.Sprintf("max_new_tokens %d exceeds the limit of %d", cfg.MaxNewTokens, s.cfg.MaxNewTokens)))
	}

	release, err := s.acquire(1)
	if err != nil {
		return writeErr(c, err)
	}
	defer release()

	id := "gen-" + uuid.NewString()
	ctx, span := tracing.StartSpan(c.Request().Context(), "api.generate", trace.SpanKindServer)
	span.SetString("stream.id", id).SetInt("input.tokens", len(req.InputIDs))
	var spanErr error
	defer func() { span.End(spanErr) }()

	st := stream.New(id, stream.Generation, req.InputIDs, cfg)
	if err := s.gen.Enqueue(st); err != nil {
		spanErr = err
		return writeErr(c, err)
	}
	s.log.Debug("generation stream enqueued", "stream", id, "input_tokens", len(req.InputIDs), "stream_output", req.Stream)

	if req.Stream {
		return s.streamGenerate(ctx, c, st)
	}

	var outIDs []int32
	reason := stream.ReasonStop
	err = pump(ctx, st, func(out stream.Output) error {
		outIDs = append(outIDs, out.Tokens...)
		if out.Finished {
			reason = out.Reason
		}
		return nil
	})
	if err != nil {
		spanErr = err
		return s.streamFailed(c, st, err)
	}
	if outIDs == nil {
		outIDs = []int32{}
	}
	return c.JSON(http.StatusOK, GenerateResponse{
		ID:           id,
		Object:       "generation",
		Created:      st.Created().Unix(),
		OutputIDs:    outIDs,
		FinishReason: string(reason),
		Usage:        usage(len(req.InputIDs), len(outIDs)),
	})
}

func (s *Server) streamGenerate(ctx context.Context, c *echo.Context, st *stream.Stream) error {
	sse, err := newSSEWriter(c)
	if err != nil {
		st.Cancel()
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
	}

	start := time.Now()
	var outIDs []int32
	reason := stream.ReasonStop
	err = pump(ctx, st, func(out stream.Output) error {
		outIDs = append(outIDs, out.Tokens...)
		if out.Finished {
			reason = out.Reason
		}
		if len(out.Tokens) == 0 {
			return nil
		}
		return sse.send(eventToken, tokenEvent{Index: out.Index, TokenIDs: out.Tokens})
	})

	switch {
	case err == nil:
		s.log.Debug("generation stream done", "stream", st.ID(), "tokens", len(outIDs), "reason", reason, "elapsed", time.Since(start))
		if outIDs == nil {
			outIDs = []int32{}
		}
		return sendQuiet(sse, eventDone, doneEvent{
			ID:           st.ID(),
			OutputIDs:    outIDs,
			FinishReason: string(reason),
			Usage:        usage(len(st.Input()), len(outIDs)),
		})
	case errors.Is(err, stream.ErrCancelled):
		s.log.Debug("generation stream cancelled", "stream", st.ID(), "tokens", len(outIDs))
		return sendQuiet(sse, eventCancelled, map[string]string{"id": st.ID()})
	default:
		_, errType := streamStatus(err.Error())
		return sendQuiet(sse, eventError, errorEvent{Message: err.Error(), Type: errType})
	}
}

// sendQuiet writes a terminal event. The response is already committed, so
// a write failure is not reported to echo.
func sendQuiet(sse *sseWriter, event string, payload any) error {
	_ = sse.send(event, payload)
	return nil
}

// streamFailed answers a non-streaming request whose stream did not finish.
func (s *Server) streamFailed(c *echo.Context, st *stream.Stream, err error) error {
	if errors.Is(err, stream.ErrCancelled) {
		s.log.Debug("client went away", "stream", st.ID())
		return nil
	}
	status, errType := streamStatus(err.Error())
	s.log.Warn("stream failed", "stream", st.ID(), "status", status, "error", err)
	return writeError(c, status, errType, err.Error())
}

func usage(in, out int) Usage {
	return Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out}
}
