package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHealthCheckerReportsHealthyWithNoChecks(t *testing.T) {
	hc := NewHealthChecker()
	require.True(t, hc.IsHealthy())
	require.True(t, hc.IsReady())
}

func TestRunChecksMarksFailingComponentUnhealthy(t *testing.T) {
	hc := NewHealthChecker()
	hc.RegisterCheck("download-dir", func(context.Context) error { return errors.New("disk full") })
	hc.RunChecks(context.Background())

	require.False(t, hc.IsHealthy())
	require.False(t, hc.IsReady())

	health := hc.GetHealth()
	require.Equal(t, HealthStatusUnhealthy, health["download-dir"].Status)
}

func TestPingHealthCheckWrapsErrorWithComponentName(t *testing.T) {
	check := PingHealthCheck("registry", func(context.Context) error { return errors.New("boom") })
	err := check(context.Background())
	require.ErrorContains(t, err, "registry unreachable")
}
