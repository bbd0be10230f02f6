package api

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/samcharles93/strata/internal/stream"
	"github.com/samcharles93/strata/internal/tracing"
)

func (s *Server) handleEmbeddings(c *echo.Context) error {
	if s.emb == nil {
		return writeError(c, http.StatusServiceUnavailable, "unavailable_error", "embedding engine not configured")
	}
	req, err := decodeJSON[EmbeddingsRequest](c.Request().Body)
	if err != nil {
		return writeErr(c, err)
	}
	if len(req.Inputs) == 0 {
		return writeErr(c, newInvalidRequest("inputs must not be empty"))
	}
	tokens := 0
	for i, ids := range req.Inputs {
		if err := s.validateInput(fmt.Sprintf("inputs[%d]", i), ids); err != nil {
			return writeErr(c, err)
		}
		tokens += len(ids)
	}

	release, err := s.acquire(int64(len(req.Inputs)))
	if err != nil {
		return writeErr(c, err)
	}
	defer release()

	id := "emb-" + uuid.NewString()
	ctx, span := tracing.StartSpan(c.Request().Context(), "api.embeddings", trace.SpanKindServer)
	span.SetString("request.id", id).SetInt("inputs", len(req.Inputs))
	var spanErr error
	defer func() { span.End(spanErr) }()

	streams := make([]*stream.Stream, 0, len(req.Inputs))
	cancelAll := func() {
		for _, st := range streams {
			st.Cancel()
		}
	}
	for i, ids := range req.Inputs {
		st := stream.New(fmt.Sprintf("%s-%d", id, i), stream.Embedding, ids, stream.GenerateConfig{})
		if err := s.emb.Enqueue(st); err != nil {
			spanErr = err
			cancelAll()
			return writeErr(c, err)
		}
		streams = append(streams, st)
	}

	data := make([]EmbeddingData, len(streams))
	for i, st := range streams {
		var vec *stream.Vectors
		err := pump(ctx, st, func(out stream.Output) error {
			if out.Vectors != nil {
				vec = out.Vectors
			}
			return nil
		})
		if err == nil && vec == nil {
			err = fmt.Errorf("stream %s finished without a result", st.ID())
		}
		if err != nil {
			spanErr = err
			cancelAll()
			return s.streamFailed(c, st, err)
		}
		data[i] = EmbeddingData{
			Object: "embedding",
			Index:  i,
			Dense:  vec.Dense,
			Sparse: vec.Sparse,
			Multi:  vec.Multi,
			Scores: vec.Scores,
		}
	}
	return c.JSON(http.StatusOK, EmbeddingsResponse{
		ID:     id,
		Object: "list",
		Data:   data,
		Usage:  usage(tokens, 0),
	})
}
