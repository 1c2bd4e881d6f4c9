package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Operation metrics
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpnadm_operations_total",
			Help: "Total number of engine operations by command and outcome",
		},
		[]string{"command", "outcome"},
	)

	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vpnadm_operation_duration_seconds",
			Help:    "Engine operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	// User metrics
	UsersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vpnadm_users_total",
			Help: "Total number of user records by protocol",
		},
		[]string{"protocol"},
	)

	// Rotation metrics
	RotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpnadm_key_rotations_total",
			Help: "Total number of key rotations by outcome",
		},
		[]string{"outcome"},
	)

	// Container health metrics
	ContainerHealthy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vpnadm_container_healthy",
			Help: "Whether the endpoint container passed its last combined probe (1 = healthy)",
		},
	)

	LastProbeTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vpnadm_last_probe_timestamp_seconds",
			Help: "Unix timestamp of the last health probe",
		},
	)

	// Audit metrics
	DiscrepanciesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vpnadm_audit_discrepancies",
			Help: "Discrepancies found by the last audit pass, by kind",
		},
		[]string{"kind"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(OperationsTotal)
	prometheus.MustRegister(OperationDuration)
	prometheus.MustRegister(UsersTotal)
	prometheus.MustRegister(RotationsTotal)
	prometheus.MustRegister(ContainerHealthy)
	prometheus.MustRegister(LastProbeTimestamp)
	prometheus.MustRegister(DiscrepanciesTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
