package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/contracts"
)

func TestDisabledProviderTracksOperations(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, DefaultConfig("cda-test"))
	require.NoError(t, err)
	require.NotNil(t, p)

	ctx2, done := p.TrackOperation(ctx, "gate.execute", attribute.String("cda.action", "execute_trade"))
	p.RecordOutcome(ctx2, "gate.execute", "executed")
	done(nil)

	_, done = p.TrackOperation(ctx, "gate.execute")
	done(contracts.Fail(contracts.CodeReplayDetected, "seen"))

	_, done = p.TrackOperation(ctx, "gate.execute")
	done(errors.New("disk full"))

	require.NoError(t, p.Shutdown(ctx))
}

func TestFailuresAreTaggedWithCode(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	p := &Provider{tracer: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)).Tracer("test")}
	inst, err := newInstruments(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	p.inst = inst

	ctx := context.Background()
	_, done := p.TrackOperation(ctx, "gate.execute")
	done(contracts.Fail(contracts.CodeOCCConflict, "stale"))
	_, done = p.TrackOperation(ctx, "kernel.authorize")
	done(errors.New("signer offline"))

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Contains(t, spans[0].Attributes(), KeyCode.String(string(contracts.CodeOCCConflict)))
	assert.Contains(t, spans[1].Attributes(), KeyCode.String("internal"))
}

func TestNilProviderIsNoop(t *testing.T) {
	var p *Provider
	ctx, done := p.TrackOperation(context.Background(), "kernel.authorize")
	require.NotNil(t, ctx)
	p.RecordOutcome(ctx, "kernel.authorize", "allow")
	done(nil)
	require.NoError(t, p.Shutdown(ctx))
}
