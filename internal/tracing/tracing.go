// Package tracing wires OpenTelemetry with a stdout exporter so command
// submissions and AI requests can be inspected as spans.
package tracing

import (
	"context"
	"errors"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the tracer name used by StartSpan.
const InstrumentationName = "github.com/user/recipeterm"

// Provider owns a tracer provider and the writer its exporter writes to.
type Provider struct {
	tp     *sdktrace.TracerProvider
	closer io.Closer
}

// New exports spans as JSON to w.
func New(serviceName, serviceVersion string, w io.Writer) (*Provider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, err
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", serviceVersion),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
		sdktrace.WithResource(res),
	)
	return &Provider{tp: tp}, nil
}

// Open exports spans to outputFile, truncating it.
func Open(serviceName, serviceVersion, outputFile string) (*Provider, error) {
	f, err := os.Create(outputFile)
	if err != nil {
		return nil, err
	}
	p, err := New(serviceName, serviceVersion, f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	p.closer = f
	return p, nil
}

// Install makes p the global tracer provider.
func (p *Provider) Install() {
	otel.SetTracerProvider(p.tp)
}

func (p *Provider) Tracer(name string) trace.Tracer {
	return p.tp.Tracer(name)
}

// Shutdown flushes pending spans and closes the output file.
func (p *Provider) Shutdown(ctx context.Context) error {
	err := p.tp.Shutdown(ctx)
	if p.closer != nil {
		err = errors.Join(err, p.closer.Close())
	}
	return err
}

// StartSpan starts a span on the global provider. kind is one of SERVER,
// CLIENT or anything else for an internal span.
func StartSpan(ctx context.Context, name, kind string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	var spanKind trace.SpanKind
	switch kind {
	case "SERVER":
		spanKind = trace.SpanKindServer
	case "CLIENT":
		spanKind = trace.SpanKindClient
	default:
		spanKind = trace.SpanKindInternal
	}
	return otel.Tracer(InstrumentationName).Start(ctx, name, trace.WithSpanKind(spanKind), trace.WithAttributes(attrs...))
}

// EndSpan records err, if any, and ends span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// SetStatusFromHTTPCode marks 5xx responses, and 4xx on client spans, as
// errors.
func SetStatusFromHTTPCode(span trace.Span, code int, client bool) {
	span.SetAttributes(attribute.Int("http.status_code", code))
	switch {
	case code >= 500:
		span.SetStatus(codes.Error, "server error")
	case code >= 400 && client:
		span.SetStatus(codes.Error, "client error")
	default:
		span.SetStatus(codes.Ok, "")
	}
}
