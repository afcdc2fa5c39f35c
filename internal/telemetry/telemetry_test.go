package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSampler(t *testing.T) {
	tests := []struct {
		ratio    float64
		contains string
	}{
		{ratio: 1, contains: "AlwaysOnSampler"},
		{ratio: 2, contains: "AlwaysOnSampler"},
		{ratio: 0, contains: "AlwaysOffSampler"},
		{ratio: -1, contains: "AlwaysOffSampler"},
		{ratio: 0.25, contains: "TraceIDRatioBased{0.25}"},
	}

	for _, tt := range tests {
		require.Contains(t, sampler(tt.ratio).Description(), tt.contains)
	}
}

func TestGetMetrics(t *testing.T) {
	m := GetMetrics()
	require.Same(t, m, GetMetrics())

	// instruments are usable against the default no-op provider
	ctx := context.Background()
	m.PinsIssuedTotal.Add(ctx, 1)
	m.ModulesMounted.Add(ctx, -1)
	m.ModuleShutdownDuration.Record(ctx, 0.5)
}
