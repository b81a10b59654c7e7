package obs

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestInitTracingWithoutEndpointIsNoop(t *testing.T) {
	before := otel.GetTracerProvider()
	shutdown, err := InitTracing(context.Background(), TracingConfig{})
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	if otel.GetTracerProvider() != before {
		t.Fatalf("provider replaced without an endpoint")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitTracingInstallsSDKProvider(t *testing.T) {
	before := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(before) })

	shutdown, err := InitTracing(context.Background(), TracingConfig{
		Endpoint:       "127.0.0.1:4318",
		Insecure:       true,
		ServiceVersion: "test",
	})
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("expected SDK tracer provider, got %T", otel.GetTracerProvider())
	}

	_, span := StartSpan(context.Background(), "entitlement.test")
	if !span.SpanContext().IsValid() {
		t.Fatalf("expected a recording span with a valid context")
	}
	EndSpan(span, errors.New("boom"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Export to the unreachable collector is abandoned with the cancelled context.
	_ = shutdown(ctx)
}
