package traces

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/mbd888/bazaar/internal/apperror"
	"github.com/mbd888/bazaar/internal/logging"
)

func TestInit_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), Options{ServiceName: "bazaar", Version: "test"}, logging.Discard())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestRecordError_RejectionVersusFailure(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer func() { _ = tp.Shutdown(context.Background()) }()
	tracer := tp.Tracer(tracerName)

	_, rejected := tracer.Start(context.Background(), "escrow.RequestWithdrawal")
	RecordError(rejected, &apperror.Error{Kind: apperror.KindInsufficientFunds, Message: "insufficient funds"})
	rejected.End()

	_, failed := tracer.Start(context.Background(), "escrow.CompleteOrder")
	RecordError(failed, errors.New("connection reset"))
	failed.End()

	_, fine := tracer.Start(context.Background(), "escrow.PayOrder")
	RecordError(fine, nil)
	fine.End()

	spans := rec.Ended()
	require.Len(t, spans, 3)

	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), attribute.String("error.kind", "insufficient_funds"))
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "rejected", spans[0].Events()[0].Name)

	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "connection reset", spans[1].Status().Description)

	assert.Equal(t, codes.Unset, spans[2].Status().Code)
	assert.Empty(t, spans[2].Events())
}

func TestStartSpan_NoopProvider(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "escrow.CompleteOrder", OrderID("ord_1"), Amount(200_000))
	defer span.End()
	assert.NotNil(t, ctx)
	span.SetAttributes(Charge(10_000, 0, 190_000)...)
}

func TestSampler(t *testing.T) {
	assert.Contains(t, sampler(0).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}
