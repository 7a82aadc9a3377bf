package emit

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingEmitter() (*OTelEmitter, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	return NewOTelEmitter(provider.Tracer("agenttrail-test")), recorder
}

func TestOTelEmitterRecordsSpanPerEvent(t *testing.T) {
	e, recorder := newRecordingEmitter()

	e.Emit(Event{
		RunID: "run-1", CallID: "c-1", SeqNo: 1,
		StepName: "reserve", Phase: "forward", Msg: "call_succeeded",
		Meta: map[string]interface{}{"total_cost": 0.02, "model": "claude-sonnet-4"},
	})

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name() != "call_succeeded" {
		t.Fatalf("span name = %q", span.Name())
	}

	attrs := map[string]string{}
	var cost float64
	for _, kv := range span.Attributes() {
		switch string(kv.Key) {
		case "agenttrail.run_id", "agenttrail.step", "agenttrail.llm.model":
			attrs[string(kv.Key)] = kv.Value.AsString()
		case "agenttrail.llm.cost_usd":
			cost = kv.Value.AsFloat64()
		}
	}
	if attrs["agenttrail.run_id"] != "run-1" || attrs["agenttrail.step"] != "reserve" {
		t.Fatalf("standard attributes missing: %v", attrs)
	}
	if attrs["agenttrail.llm.model"] != "claude-sonnet-4" {
		t.Fatalf("model attribute not remapped: %v", attrs)
	}
	if cost != 0.02 {
		t.Fatalf("cost attribute = %v", cost)
	}
}

func TestOTelEmitterMarksErrorStatus(t *testing.T) {
	e, recorder := newRecordingEmitter()

	e.Emit(Event{
		RunID: "run-1", CallID: "c-1", StepName: "reserve", Phase: "forward",
		Msg:  "call_failed",
		Meta: map[string]interface{}{"error": "card declined"},
	})

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status().Description != "card declined" {
		t.Fatalf("span status = %+v", spans[0].Status())
	}
}

func TestOTelEmitterEmitBatch(t *testing.T) {
	e, recorder := newRecordingEmitter()

	events := []Event{
		{RunID: "run-1", Msg: "run_started"},
		{RunID: "run-1", CallID: "c-1", SeqNo: 1, StepName: "reserve", Phase: "forward", Msg: "call_claimed"},
		{RunID: "run-1", CallID: "c-1", SeqNo: 1, StepName: "reserve", Phase: "forward", Msg: "call_succeeded"},
	}
	if err := e.EmitBatch(context.Background(), events); err != nil {
		t.Fatalf("EmitBatch: %v", err)
	}
	if got := len(recorder.Ended()); got != 3 {
		t.Fatalf("expected 3 spans, got %d", got)
	}
}
