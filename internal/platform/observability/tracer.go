// Package observability provides logging, metrics and tracing for the quoter.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer starts spans for quote requests, pool fetches and event publishing.
type Tracer interface {
	StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, Span)
}

// Span is the subset of an OpenTelemetry span the quoter records into.
type Span interface {
	End()
	SetAttributes(attrs ...attribute.KeyValue)
	// RecordError attaches err as an event; the span stays successful.
	RecordError(err error)
	// NoticeError attaches err and marks the span failed.
	NoticeError(err error)
}

// SpanOption configures span creation.
type SpanOption func(*[]trace.SpanStartOption)

// WithAttributes sets attributes when the span starts, so samplers can see them.
func WithAttributes(attrs ...attribute.KeyValue) SpanOption {
	return func(opts *[]trace.SpanStartOption) {
		*opts = append(*opts, trace.WithAttributes(attrs...))
	}
}

// WithSpanKind sets the span kind; spans are internal by default.
func WithSpanKind(kind trace.SpanKind) SpanOption {
	return func(opts *[]trace.SpanStartOption) {
		*opts = append(*opts, trace.WithSpanKind(kind))
	}
}

type otelTracer struct {
	tracer trace.Tracer
}

// NewTracer returns a Tracer backed by tp.
func NewTracer(tp trace.TracerProvider, name string) Tracer {
	return &otelTracer{tracer: tp.Tracer(name)}
}

func (t *otelTracer) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, Span) {
	startOpts := make([]trace.SpanStartOption, 0, len(opts))
	for _, opt := range opts {
		opt(&startOpts)
	}
	ctx, span := t.tracer.Start(ctx, name, startOpts...)
	return ctx, otelSpan{span}
}

type otelSpan struct {
	trace.Span
}

func (s otelSpan) End() { s.Span.End() }

func (s otelSpan) RecordError(err error) {
	if err != nil {
		s.Span.RecordError(err)
	}
}

func (s otelSpan) NoticeError(err error) {
	if err == nil {
		return
	}
	s.Span.RecordError(err)
	s.Span.SetStatus(codes.Error, err.Error())
}

type noopTracer struct{}

// NewNoopTracer returns a tracer whose spans record nothing.
func NewNoopTracer() Tracer { return noopTracer{} }

func (noopTracer) StartSpan(ctx context.Context, _ string, _ ...SpanOption) (context.Context, Span) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End()                                {}
func (noopSpan) SetAttributes(...attribute.KeyValue) {}
func (noopSpan) RecordError(error)                   {}
func (noopSpan) NoticeError(error)                   {}
