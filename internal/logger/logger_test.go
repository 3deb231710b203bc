package logger

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	log, err := New("test-service", "info")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if log == nil {
		t.Fatal("expected non-nil logger")
	}
	if !log.Core().Enabled(zapcore.InfoLevel) {
		t.Error("info level should be enabled")
	}
}

func TestNew_BadLevel(t *testing.T) {
	if _, err := New("test-service", "loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("expected a no-op logger")
	}
}

func TestTraceID_RoundTrip(t *testing.T) {
	ctx := context.Background()

	// No trace ID set
	if tid := TraceID(ctx); tid != "" {
		t.Errorf("expected empty trace id, got %q", tid)
	}

	// Set and retrieve
	ctx = WithTraceID(ctx, "test-trace-123")
	if tid := TraceID(ctx); tid != "test-trace-123" {
		t.Errorf("expected 'test-trace-123', got %q", tid)
	}
}

func TestNewTraceID(t *testing.T) {
	a, b := NewTraceID(), NewTraceID()
	if a == b {
		t.Fatal("expected distinct trace ids")
	}
	if _, err := uuid.Parse(a); err != nil {
		t.Errorf("trace id %q is not a uuid: %v", a, err)
	}
}

func TestFields(t *testing.T) {
	ctx := context.Background()

	if f := Fields(ctx); f != nil {
		t.Errorf("expected nil fields when no trace id, got %v", f)
	}

	ctx = WithTraceID(ctx, "abc-123")
	f := Fields(ctx)
	if len(f) != 1 || f[0].Key != "trace_id" || f[0].String != "abc-123" {
		t.Fatalf("unexpected fields %+v", f)
	}
}
