package obs

import (
	"context"
	"testing"

	"counselbook/internal/config"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitTracerDisabled(t *testing.T) {
	logger := zerolog.Nop()
	shutdown, err := InitTracer(context.Background(), config.TracingConfig{}, config.AppConfig{Name: "counselbook"}, &logger)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	_, span := Tracer().Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
}

func TestInitTracerEnabled(t *testing.T) {
	logger := zerolog.Nop()
	cfg := config.TracingConfig{Endpoint: "127.0.0.1:4317", Insecure: true}
	shutdown, err := InitTracer(context.Background(), cfg, config.AppConfig{Name: "counselbook", Version: "test"}, &logger)
	require.NoError(t, err)

	_, span := Tracer().Start(context.Background(), "booking.create")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = shutdown(ctx)
}
