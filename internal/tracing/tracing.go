// Package tracing provides ambient observability spans around each
// Drainer tick and each Dispatch send sequence. It is not a spec
// feature — no operation's correctness depends on it — but the pack's
// own orchestration tooling carries exactly this kind of span-per-unit-
// of-work tracing, so we carry it too: a disabled Provider is a true
// no-op tracer with zero overhead, matching the pack's own
// enabled-flag-gates-everything pattern.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Provider wraps the configured tracer, defaulting to a no-op when
// disabled so call sites never need their own enabled check.
type Provider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewProvider returns a stdout-exporting provider when enabled is true,
// or a zero-overhead no-op provider otherwise.
func NewProvider(enabled bool) (*Provider, error) {
	if !enabled {
		return &Provider{tracer: noop.NewTracerProvider().Tracer("omx-noop")}, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return &Provider{provider: tp, tracer: tp.Tracer("omx")}, nil
}

// StartSpan starts a span named name and returns the updated context plus
// the span so the caller can End() it (typically via defer).
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name)
}

// Shutdown flushes pending spans. A no-op provider shuts down instantly.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider == nil {
		return nil
	}
	return p.provider.Shutdown(ctx)
}
