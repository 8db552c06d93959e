package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	SetTracer(tp.Tracer("test"))
	t.Cleanup(func() { SetTracer(nil) })
	return rec
}

func attrs(kvs []attribute.KeyValue) map[attribute.Key]attribute.Value {
	m := make(map[attribute.Key]attribute.Value, len(kvs))
	for _, kv := range kvs {
		m[kv.Key] = kv.Value
	}
	return m
}

func TestInitWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), "test", "0.0.0", "")
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
	if Tracer() == nil {
		t.Error("Tracer() = nil")
	}
}

func TestSpanAttributes(t *testing.T) {
	rec := newRecorder(t)

	tokens := int64(120)
	ctx, span := StartSpan(context.Background(), "admission")
	AddAdmissionAttributes(span, "req-1", 42, 7)
	AddTokenAttributes(span, &tokens)
	AddSelectionAttributes(span, "p1", "round_robin", 3)
	AddLimitAttribute(span, "rpm")
	if GetTraceID(ctx) == "" {
		t.Error("GetTraceID() is empty inside a recorded span")
	}
	span.End()

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}

	got := attrs(spans[0].Attributes())
	if got["request.id"].AsString() != "req-1" {
		t.Errorf("request.id = %v, want req-1", got["request.id"])
	}
	if got["router.id"].AsInt64() != 7 {
		t.Errorf("router.id = %v, want 7", got["router.id"])
	}
	if got["tokens.prompt"].AsInt64() != 120 {
		t.Errorf("tokens.prompt = %v, want 120", got["tokens.prompt"])
	}
	if got["routing.strategy"].AsString() != "round_robin" {
		t.Errorf("routing.strategy = %v, want round_robin", got["routing.strategy"])
	}
}

func TestAddErrorAttribute(t *testing.T) {
	rec := newRecorder(t)

	_, span := StartSpan(context.Background(), "failing")
	AddErrorAttribute(span, errors.New("boom"))
	span.End()

	s := rec.Ended()[0]
	if s.Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", s.Status().Code)
	}
	if len(s.Events()) == 0 {
		t.Error("error event not recorded")
	}
}

func TestGetTraceID_NoSpan(t *testing.T) {
	if id := GetTraceID(context.Background()); id != "" {
		t.Errorf("GetTraceID() = %q, want empty", id)
	}
}
