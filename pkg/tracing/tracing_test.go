package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func installRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return recorder
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ServiceName != "callrelay" {
		t.Errorf("expected service name 'callrelay', got '%s'", cfg.ServiceName)
	}
	if cfg.Enabled {
		t.Error("expected tracing disabled by default")
	}
	if cfg.SampleRate != 1.0 {
		t.Errorf("expected sample rate 1.0, got %f", cfg.SampleRate)
	}
}

func TestInit_Disabled(t *testing.T) {
	tp, err := Init(DefaultConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tp.Shutdown(context.Background()); err != nil {
		t.Errorf("shutdown of disabled provider failed: %v", err)
	}
}

func TestTraceSession_RecordsAttributes(t *testing.T) {
	recorder := installRecorder(t)

	_, span := TraceSession(context.Background(), "join", "room1", "host")
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 span, got %d", len(ended))
	}
	if ended[0].Name() != "session.join" {
		t.Errorf("unexpected span name %q", ended[0].Name())
	}

	attrs := map[attribute.Key]string{}
	for _, kv := range ended[0].Attributes() {
		attrs[kv.Key] = kv.Value.Emit()
	}
	if attrs[ChannelKey] != "room1" || attrs[RoleKey] != "host" {
		t.Errorf("unexpected attributes %v", attrs)
	}
}

func TestRecordError_SetsStatus(t *testing.T) {
	recorder := installRecorder(t)

	ctx, span := TraceRelay(context.Background(), "publish", "host")
	RecordError(ctx, errors.New("publish rejected"))
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 span, got %d", len(ended))
	}
	if ended[0].Status().Code != codes.Error {
		t.Errorf("expected error status, got %v", ended[0].Status().Code)
	}
}

func TestAddSpanAttributes_NoopWithoutSpan(t *testing.T) {
	// must not panic on a context without a recording span
	AddSpanAttributes(context.Background(), IdentityKey.String("host-alice-1"))
	RecordError(context.Background(), errors.New("ignored"))
}

func TestTraceHTTPRequest(t *testing.T) {
	_, span := TraceHTTPRequest(context.Background(), "POST", "/api/v1/session/join")
	if span == nil {
		t.Error("expected non-nil span")
	}
	span.End()
}
