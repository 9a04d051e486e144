package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestTransferBytesIncrementsCounter(t *testing.T) {
	before := testutil.ToFloat64(TransferBytes.WithLabelValues("client-metrics-a"))
	TransferBytes.WithLabelValues("client-metrics-a").Add(1024)
	after := testutil.ToFloat64(TransferBytes.WithLabelValues("client-metrics-a"))
	require.Equal(t, before+1024, after)
}

func TestTransferOutcomesIncrementsCounterAndObservesDuration(t *testing.T) {
	before := testutil.ToFloat64(TransferOutcomes.WithLabelValues("metrics-test-completed"))
	TransferOutcomes.WithLabelValues("metrics-test-completed").Inc()
	TransferDuration.WithLabelValues("metrics-test-completed").Observe(1.5)
	after := testutil.ToFloat64(TransferOutcomes.WithLabelValues("metrics-test-completed"))
	require.Equal(t, before+1, after)
}

func TestActiveTransfersGaugeSets(t *testing.T) {
	ActiveTransfers.Set(7)
	require.Equal(t, float64(7), testutil.ToFloat64(ActiveTransfers))
}

func TestConnectedEndpointsGaugeSets(t *testing.T) {
	ConnectedEndpoints.Set(3)
	require.Equal(t, float64(3), testutil.ToFloat64(ConnectedEndpoints))
}
