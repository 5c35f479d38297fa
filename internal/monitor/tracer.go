package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "codebridge"

// Tracer wraps OpenTelemetry tracing for the orchestrator.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("codebridge.%s", name),
		trace.WithAttributes(attrs...),
	)
	return ctx, span
}

// Common attribute keys for orchestrator tracing.
var (
	AttrConnectionID = attribute.Key("codebridge.connection.id")
	AttrRunID        = attribute.Key("codebridge.run.id")
	AttrLanguage     = attribute.Key("codebridge.language")
	AttrStatus       = attribute.Key("codebridge.run.status")
)
