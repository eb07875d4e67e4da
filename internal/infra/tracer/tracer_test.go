package tracer

import (
	"context"
	"errors"
	"testing"

	"ragent/internal/infra/config"
)

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracerConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestSetupNoopExporter(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "noop"})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer shutdown(context.Background())

	ctx, span := StartSpan(context.Background(), "test.span")
	if ctx == nil || span == nil {
		t.Fatal("StartSpan returned nil")
	}
	RecordError(span, errors.New("boom"))
	SetOK(span)
	span.End()
}

func TestSetupUnsupportedExporter(t *testing.T) {
	_, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "jaegerx"})
	if err == nil {
		t.Fatal("expected error for unsupported exporter")
	}
}

func TestAttrHelpers(t *testing.T) {
	if StringAttr("session_id", "s1").Value.AsString() != "s1" {
		t.Error("StringAttr mismatch")
	}
	if IntAttr("iteration", 3).Value.AsInt64() != 3 {
		t.Error("IntAttr mismatch")
	}
}
