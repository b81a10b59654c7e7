package entitlement

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return rec
}

func endedSpan(t *testing.T, rec *tracetest.SpanRecorder, name string) sdktrace.ReadOnlySpan {
	t.Helper()
	for _, s := range rec.Ended() {
		if s.Name() == name {
			return s
		}
	}
	require.FailNowf(t, "span not recorded", "no ended span named %q", name)
	return nil
}

func TestOperationSpans(t *testing.T) {
	rec := recordSpans(t)
	f := newFixture(t)
	ctx := context.Background()
	e := f.create(t, "alice")

	create := endedSpan(t, rec, "entitlement.create")
	assert.Equal(t, codes.Ok, create.Status().Code)

	_, err := f.mgr.RedeemOrSwitch(ctx, e.UUID, "alice", "course-v1:Other+Course+2024")
	require.ErrorIs(t, err, ErrRunMismatch)

	span := endedSpan(t, rec, "entitlement.redeem_or_switch")
	assert.Equal(t, codes.Error, span.Status().Code)
	assert.Contains(t, span.Status().Description, ErrRunMismatch.Error())

	var sawUUID bool
	for _, kv := range span.Attributes() {
		if string(kv.Key) == "entitlement.uuid" && kv.Value.AsString() == e.UUID.String() {
			sawUUID = true
		}
	}
	assert.True(t, sawUUID, "span carries the entitlement uuid")

	var sawErrEvent bool
	for _, ev := range span.Events() {
		if ev.Name == "exception" {
			sawErrEvent = true
		}
	}
	assert.True(t, sawErrEvent, "error recorded on span")
}
