package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/fortressi/saga/internal/config"
)

func TestSetupNoopWithoutEndpoint(t *testing.T) {
	tp, shutdown, err := Setup(context.Background(), config.Telemetry{})
	require.NoError(t, err)
	require.NotNil(t, tp)

	_, isSDK := tp.(*sdktrace.TracerProvider)
	assert.False(t, isSDK)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupWithEndpoint(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Telemetry
	}{
		{"url", config.Telemetry{Endpoint: "http://192.0.2.1:4318", ServiceName: "saga-test"}},
		{"host port", config.Telemetry{Endpoint: "192.0.2.1:4318", Insecure: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tp, shutdown, err := Setup(context.Background(), tt.cfg)
			require.NoError(t, err)

			_, isSDK := tp.(*sdktrace.TracerProvider)
			assert.True(t, isSDK)

			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			// Nothing was recorded, so shutdown has nothing to export.
			_ = shutdown(ctx)
		})
	}
}

func TestExporterOptions(t *testing.T) {
	assert.Len(t, exporterOptions(config.Telemetry{Endpoint: "https://collector:4318"}), 1)
	assert.Len(t, exporterOptions(config.Telemetry{Endpoint: "collector:4318"}), 1)
	assert.Len(t, exporterOptions(config.Telemetry{Endpoint: "collector:4318", Insecure: true}), 2)
}
