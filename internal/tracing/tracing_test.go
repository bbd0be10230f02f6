package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestSpansReachExporter(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	shutdown, err := InitWithExporter("strata-test", "dev", exporter)
	require.NoError(t, err)
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	ctx, parent := StartSpan(context.Background(), "engine.step", trace.SpanKindInternal)
	_, child := StartSpan(ctx, "executor.process", trace.SpanKindInternal)
	child.SetInt("batch.size", 3).SetString("engine", "generate")
	child.End(errors.New("device fault"))
	parent.End(nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "executor.process", spans[0].Name)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, spans[1].SpanContext.SpanID(), spans[0].Parent.SpanID())

	// Later installs keep the first provider.
	_, err = InitWithExporter("other", "dev", tracetest.NewInMemoryExporter())
	require.NoError(t, err)
	_, sp := StartSpan(context.Background(), "again", trace.SpanKindServer)
	sp.End(nil)
	assert.Len(t, exporter.GetSpans(), 3)
}

func TestNilSpanIsNoop(t *testing.T) {
	var s *Span
	s.SetInt("k", 1).SetString("k", "v")
	s.Event("e")
	s.SetStatusFromHTTPCode(500)
	s.End(errors.New("ignored"))
}
