package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSampleRate(t *testing.T) {
	table := []struct {
		raw      string
		expected float64
	}{
		{"", 0.1},
		{"0.5", 0.5},
		{" 1 ", 1},
		{"0", 0},
		{"-1", 0.1},
		{"2", 0.1},
		{"lots", 0.1},
	}
	for _, tt := range table {
		require.Equal(t, tt.expected, SampleRate(tt.raw), tt.raw)
	}
}

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	shutdown, err := Init(context.Background(), "sparkle-test")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
