// Package tracing wraps OpenTelemetry so engine steps and requests can be
// traced without the rest of the code importing the SDK.
package tracing

import (
	"context"
	"io"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/samcharles93/strata"

// Shutdown flushes and stops the installed provider.
type Shutdown func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// Init installs a stdout exporter writing to outputFile, or to stdout when
// outputFile is empty. Only the first successful call installs a provider;
// until then spans are no-ops.
func Init(serviceName, serviceVersion, outputFile string) (Shutdown, error) {
	var w io.Writer = os.Stdout
	var closer io.Closer
	if outputFile != "" {
		f, err := os.Create(outputFile)
		if err != nil {
			return noopShutdown, err
		}
		w, closer = f, f
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return noopShutdown, err
	}
	shutdown, err := InitWithExporter(serviceName, serviceVersion, exporter)
	if err != nil || closer == nil {
		return shutdown, err
	}
	return func(ctx context.Context) error {
		err := shutdown(ctx)
		if cerr := closer.Close(); err == nil {
			err = cerr
		}
		return err
	}, nil
}

var (
	providerOnce sync.Once
	provider     *sdktrace.TracerProvider
	providerErr  error
)

// InitWithExporter installs exporter behind a synchronous span processor.
func InitWithExporter(serviceName, serviceVersion string, exporter sdktrace.SpanExporter) (Shutdown, error) {
	if exporter == nil {
		return noopShutdown, nil
	}
	providerOnce.Do(func() {
		res, err := resource.New(context.Background(),
			resource.WithAttributes(
				attribute.String("service.name", serviceName),
				attribute.String("service.version", serviceVersion),
			),
		)
		if err != nil {
			providerErr = err
			return
		}
		provider = sdktrace.NewTracerProvider(
			sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(provider)
	})
	if providerErr != nil || provider == nil {
		return noopShutdown, providerErr
	}
	return provider.Shutdown, nil
}

// Span is a started span. A nil *Span is valid and does nothing.
type Span struct {
	span trace.Span
}

// StartSpan starts a child of the span in ctx.
func StartSpan(ctx context.Context, name string, kind trace.SpanKind) (context.Context, *Span) {
	ctx, span := otel.Tracer(instrumentation).Start(ctx, name, trace.WithSpanKind(kind))
	return ctx, &Span{span: span}
}

func (s *Span) SetInt(key string, v int) *Span {
	if s != nil {
		s.span.SetAttributes(attribute.Int(key, v))
	}
	return s
}

func (s *Span) SetString(key, v string) *Span {
	if s != nil {
		s.span.SetAttributes(attribute.String(key, v))
	}
	return s
}

// Event records a named point in time on the span.
func (s *Span) Event(name string) {
	if s != nil {
		s.span.AddEvent(name)
	}
}

// SetStatusFromHTTPCode maps an HTTP response code onto the span status.
func (s *Span) SetStatusFromHTTPCode(code int) {
	if s == nil {
		return
	}
	switch {
	case code >= 100 && code < 400:
		s.span.SetStatus(codes.Ok, "")
	case code >= 400 && code < 500:
		s.span.SetStatus(codes.Error, "client error")
	case code >= 500:
		s.span.SetStatus(codes.Error, "server error")
	}
}

// End records err, if any, and finishes the span.
func (s *Span) End(err error) {
	if s == nil {
		return
	}
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()
}
