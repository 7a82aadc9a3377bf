package emit

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by creating OpenTelemetry spans, one per
// call-lifecycle event.
//
// Each event becomes a span with:
//   - Span name: event.Msg (e.g. "call_claimed", "call_succeeded")
//   - Attributes: runID, callID, seq, step, phase, and all event.Meta fields
//   - Status: error if event.Meta["error"] is present
//
// Usage:
//
//	tracer := otel.Tracer("agenttrail")
//	emitter := emit.NewOTelEmitter(tracer)
//	rt := agenttrail.NewRuntime(store, emitter)
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an emitter that records events as spans via tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit creates and immediately ends a span for the event. Events are points
// in time, not durations, so the span is not left open.
func (o *OTelEmitter) Emit(event Event) {
	ctx := context.Background()
	_, span := o.tracer.Start(ctx, event.Msg)
	defer span.End()

	o.addStandardAttributes(span, event)
	o.addMetadataAttributes(span, event.Meta)

	if errStr, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, errStr)
		span.RecordError(fmt.Errorf("%s", errStr))
	}
}

// EmitBatch creates a span per event; the batch span processor amortizes
// export overhead across the set.
func (o *OTelEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for _, event := range events {
		_, span := o.tracer.Start(ctx, event.Msg)
		o.addStandardAttributes(span, event)
		o.addMetadataAttributes(span, event.Meta)
		if errStr, ok := event.Meta["error"].(string); ok {
			span.SetStatus(codes.Error, errStr)
			span.RecordError(fmt.Errorf("%s", errStr))
		}
		span.End()
	}
	return nil
}

// Flush forces export of pending spans via the global tracer provider's
// ForceFlush, if the configured provider supports it.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	tp := otel.GetTracerProvider()

	type flusher interface {
		ForceFlush(context.Context) error
	}

	if f, ok := tp.(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

func (o *OTelEmitter) addStandardAttributes(span trace.Span, event Event) {
	span.SetAttributes(
		attribute.String("agenttrail.run_id", event.RunID),
		attribute.String("agenttrail.call_id", event.CallID),
		attribute.Int64("agenttrail.seq", event.SeqNo),
		attribute.String("agenttrail.step", event.StepName),
		attribute.String("agenttrail.phase", event.Phase),
	)
}

func (o *OTelEmitter) addMetadataAttributes(span trace.Span, meta map[string]interface{}) {
	if meta == nil {
		return
	}

	for key, value := range meta {
		attrKey := "agenttrail." + key
		switch key {
		case "prompt_tokens", "completion_tokens", "total_tokens":
			attrKey = "agenttrail.llm." + key
		case "total_cost":
			attrKey = "agenttrail.llm.cost_usd"
		case "model", "provider":
			attrKey = "agenttrail.llm." + key
		}

		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(attrKey, v))
		case int:
			span.SetAttributes(attribute.Int(attrKey, v))
		case int64:
			span.SetAttributes(attribute.Int64(attrKey, v))
		case float64:
			span.SetAttributes(attribute.Float64(attrKey, v))
		case bool:
			span.SetAttributes(attribute.Bool(attrKey, v))
		case time.Duration:
			span.SetAttributes(attribute.Int64(attrKey, int64(v/time.Millisecond)))
		default:
			span.SetAttributes(attribute.String(attrKey, fmt.Sprintf("%v", v)))
		}
	}
}
