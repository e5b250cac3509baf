package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Storage request metrics
	StorageRequestsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "storagehub_storage_requests_total",
			Help: "Storage requests observed by this provider, by state",
		},
		[]string{"state"},
	)

	FilesStored = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "storagehub_files_stored_total",
			Help: "Files currently present in the local forest",
		},
	)

	BytesStored = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "storagehub_bytes_stored_total",
			Help: "Bytes of file data currently held in the chunk store",
		},
	)

	// Proof metrics
	ProofsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storagehub_proofs_submitted_total",
			Help: "Proof submissions by outcome",
		},
		[]string{"outcome"},
	)

	ProofAssemblyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "storagehub_proof_assembly_duration_seconds",
			Help:    "Time taken to assemble a forest proof with its chunk proofs",
			Buckets: prometheus.DefBuckets,
		},
	)

	ChallengesMissedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "storagehub_challenges_missed_total",
			Help: "Challenge deadlines missed by this provider",
		},
	)

	// Transfer metrics
	ChunksTransferredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storagehub_chunks_transferred_total",
			Help: "Chunks sent or received over the peer protocol",
		},
		[]string{"direction"},
	)

	TransferFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storagehub_transfer_failures_total",
			Help: "Peer transfer failures by class",
		},
		[]string{"class"},
	)

	// Transaction manager metrics
	ExtrinsicsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storagehub_extrinsics_total",
			Help: "Extrinsic lifecycle transitions by state",
		},
		[]string{"state"},
	)

	ExtrinsicRetipsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "storagehub_extrinsic_retips_total",
			Help: "Extrinsics re-submitted with a higher tip",
		},
	)

	// Chain metrics
	BestTick = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "storagehub_best_tick",
			Help: "Best tick observed from the chain",
		},
	)

	FinalizedTick = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "storagehub_finalized_tick",
			Help: "Latest finalized tick observed from the chain",
		},
	)

	ReorgsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "storagehub_reorgs_total",
			Help: "Reorgs the coordinator has rewound through",
		},
	)

	// Payment metrics
	UsersChargedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "storagehub_users_charged_total",
			Help: "Users charged through payment streams",
		},
	)

	ChargeAmountTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "storagehub_charge_amount_total",
			Help: "Total balance charged through payment streams",
		},
	)
)

func init() {
	prometheus.MustRegister(
		StorageRequestsTotal,
		FilesStored,
		BytesStored,
		ProofsSubmittedTotal,
		ProofAssemblyDuration,
		ChallengesMissedTotal,
		ChunksTransferredTotal,
		TransferFailuresTotal,
		ExtrinsicsTotal,
		ExtrinsicRetipsTotal,
		BestTick,
		FinalizedTick,
		ReorgsTotal,
		UsersChargedTotal,
		ChargeAmountTotal,
	)
}

// StartMetricsServer starts the Prometheus metrics HTTP server on the given port
func StartMetricsServer(port int) error {
	http.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, nil)
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time in the given histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}
