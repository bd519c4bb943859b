package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/scrypster/entityres/internal/config"
)

func TestSetupTracing(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	tests := []struct {
		name string
		cfg  config.TracingConfig
	}{
		{"no exporter", config.TracingConfig{ServiceName: "entityres-test"}},
		{"otlp", config.TracingConfig{ServiceName: "entityres-test", OTLPEndpoint: "127.0.0.1:4317", OTLPInsecure: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shutdown, err := setupTracing(context.Background(), tt.cfg)
			require.NoError(t, err)
			assert.IsType(t, &sdktrace.TracerProvider{}, otel.GetTracerProvider())

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = shutdown(ctx)
		})
	}
}
