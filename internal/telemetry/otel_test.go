package telemetry

import (
	"context"
	"testing"

	"example.com/backstage/services/stocksync/config"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

func TestSetupTracingDisabledInstallsPropagatorOnly(t *testing.T) {
	tp, shutdown, err := SetupTracing(context.Background(), config.OtelConfig{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, tp)
	require.NoError(t, shutdown(context.Background()))

	carrier := propagation.MapCarrier{
		"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
	}
	ctx := otel.GetTextMapPropagator().Extract(context.Background(), carrier)

	out := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, out)
	require.Equal(t, carrier["traceparent"], out["traceparent"])
}
