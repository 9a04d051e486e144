package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransferBytes tracks bytes received from an endpoint during a pull.
	TransferBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pullhub_transfer_bytes_total",
			Help: "Total bytes received from endpoints across all transfers",
		},
		[]string{"client_id"},
	)

	// TransferDuration tracks how long a transfer takes end to end.
	TransferDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pullhub_transfer_duration_seconds",
			Help:    "Duration of file transfers from creation to a terminal status",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 15), // 0.1s to ~27 minutes
		},
		[]string{"status"},
	)

	// ActiveTransfers tracks currently pending or in-progress transfers.
	ActiveTransfers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pullhub_active_transfers",
			Help: "Number of transfers currently pending or in progress",
		},
	)

	// TransferOutcomes tracks how transfers end.
	TransferOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pullhub_transfers_total",
			Help: "Total number of transfers by terminal status",
		},
		[]string{"status"},
	)

	// ConnectedEndpoints tracks the number of live WebSocket connections.
	ConnectedEndpoints = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pullhub_connected_endpoints",
			Help: "Number of currently connected endpoints",
		},
	)

	// FileSize tracks the declared size of files pulled through the hub.
	FileSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pullhub_file_size_bytes",
			Help:    "Size of files transferred through the hub",
			Buckets: prometheus.ExponentialBuckets(1024*1024, 2, 20), // 1MiB to 512GiB
		},
	)

	// ChunkChecksumVerifications tracks per-chunk checksum outcomes.
	ChunkChecksumVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pullhub_chunk_checksum_verifications_total",
			Help: "Total number of chunk checksum verifications by result",
		},
		[]string{"result"},
	)

	// ChunkRetryAttempts tracks RETRY_CHUNK dispatches by reason and outcome.
	ChunkRetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pullhub_chunk_retry_attempts_total",
			Help: "Total number of chunk retry attempts",
		},
		[]string{"reason", "outcome"},
	)

	// DispatchErrors tracks message-handling errors at the hub's dispatch boundary.
	DispatchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pullhub_dispatch_errors_total",
			Help: "Total number of errors encountered dispatching inbound frames",
		},
		[]string{"tag", "error_type"},
	)

	// HeartbeatTimeouts tracks endpoints terminated by the stale-connection sweep.
	HeartbeatTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pullhub_heartbeat_timeouts_total",
			Help: "Total number of endpoints terminated for missing heartbeats",
		},
	)
)
