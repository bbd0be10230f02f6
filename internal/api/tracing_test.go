package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/samcharles93/strata/internal/scheduler"
	"github.com/samcharles93/strata/internal/tracing"
)

func findSpan(spans tracetest.SpanStubs, name, desc string) bool {
	for _, s := range spans {
		if s.Name == name && s.Status.Code == codes.Error && s.Status.Description == desc {
			return true
		}
	}
	return false
}

// Not parallel: it installs the process-wide tracer provider before the
// parallel tests resume.
func TestEmbeddingSpansRecordFailures(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	_, err := tracing.InitWithExporter("strata-api-test", "dev", exporter)
	require.NoError(t, err)

	_, e := newFakeEcho(DefaultConfig(), nil, &fakeEngine{err: scheduler.ErrQueueFull})
	rec := doJSON(t, e, http.MethodPost, "/v1/embeddings", `{"inputs":[[1]]}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.True(t, findSpan(exporter.GetSpans(), "api.embeddings", scheduler.ErrQueueFull.Error()),
		"enqueue failure not recorded on the span")

	_, e = newFakeEcho(DefaultConfig(), nil, &fakeEngine{drive: failWith("handler exploded")})
	rec = doJSON(t, e, http.MethodPost, "/v1/embeddings", `{"inputs":[[1],[2]]}`)
	require.NotEqual(t, http.StatusOK, rec.Code)
	var recorded bool
	for _, s := range exporter.GetSpans() {
		if s.Name == "api.embeddings" && s.Status.Code == codes.Error && s.Status.Description != scheduler.ErrQueueFull.Error() {
			recorded = true
			assert.Contains(t, s.Status.Description, "handler exploded")
		}
	}
	assert.True(t, recorded, "stream failure not recorded on the span")
}
