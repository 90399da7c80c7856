package telemetry

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitWithoutExporter(t *testing.T) {
	ctx := context.Background()
	providers, err := Init(ctx, Config{
		ServiceName: "scanfetch-test",
		Version:     "dev",
		Registerer:  prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, providers.Shutdown(ctx))
		require.NoError(t, providers.Shutdown(ctx))
	}()

	_, span := otel.Tracer("telemetry_test").Start(ctx, "probe")
	require.True(t, span.SpanContext().IsValid())
	span.End()

	require.Contains(t, otel.GetTextMapPropagator().Fields(), "traceparent")

	again, err := Init(ctx, Config{ServiceName: "other"})
	require.NoError(t, err)
	require.Same(t, providers, again)
}

func TestShutdownNil(t *testing.T) {
	t.Parallel()

	var p *Providers
	require.NoError(t, p.Shutdown(context.Background()))
}
