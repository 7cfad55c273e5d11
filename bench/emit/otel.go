package emit

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by recording each LLM call as an
// OpenTelemetry span.
//
// Each event becomes an instant span named "llm_call" with the run,
// persona, case, scale and attempt recorded as attributes. Failed
// attempts set the span status to error with the failure kind.
//
// Setup:
//
//	tracer := otel.Tracer("biasbench")
//	emitter := emit.NewOTelEmitter(tracer)
//
// Prompt and response bodies are deliberately not attached; span
// attribute limits in most backends would truncate them anyway, and
// the rotating prompt log is the channel for full texts.
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an OTelEmitter over the given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit records the event as a span and ends it immediately.
func (o *OTelEmitter) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), "llm_call")
	defer span.End()

	span.SetAttributes(
		attribute.String("biasbench.run_id", event.RunID),
		attribute.String("biasbench.persona", event.Persona),
		attribute.String("biasbench.case", event.Case),
		attribute.String("biasbench.scale", event.Scale),
		attribute.Int("biasbench.attempt", event.Attempt),
		attribute.String("biasbench.llm.model", event.Model),
		attribute.Int64("biasbench.llm.gen_ms", event.GenMS),
		attribute.Bool("biasbench.ok", event.OK),
	)
	if event.OK {
		span.SetAttributes(attribute.Int("biasbench.rating", event.Rating))
	}
	if event.Error != "" {
		span.SetStatus(codes.Error, event.Error)
		span.RecordError(errors.New(event.Error))
	}
}

// Flush forces export of pending spans on the global tracer provider.
// Call before shutdown so batched spans are not lost.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := otel.GetTracerProvider().(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}
