package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitTracing_None(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{Exporter: "none"})
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestInitTracing_UnknownExporter(t *testing.T) {
	if _, err := InitTracing(context.Background(), TracingConfig{Exporter: "carrier-pigeon"}); err == nil {
		t.Error("InitTracing(unknown) = nil error")
	}
}

func TestStartSpan_RecordsError(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := StartSpan(context.Background(), "step.import_resource")
	EndSpan(span, errors.New("ogr2ogr failed"))

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	if spans[0].Name() != "step.import_resource" {
		t.Errorf("span name = %s", spans[0].Name())
	}
	if len(spans[0].Events()) == 0 {
		t.Error("error not recorded on span")
	}
}
