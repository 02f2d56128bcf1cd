package reconciliation

import "github.com/prometheus/client_golang/prometheus"

const subsystem = "reconciliation"

// Finding kinds reported by the findings gauge.
const (
	findingMismatch    = "ledger_mismatch"
	findingStuckEscrow = "stuck_escrow"
)

var (
	findingsGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "bazaar",
		Subsystem: subsystem,
		Name:      "findings",
		Help:      "Problems found by the last reconciliation run, by kind.",
	}, []string{"kind"})

	healthyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bazaar",
		Subsystem: subsystem,
		Name:      "healthy",
		Help:      "1 when the last reconciliation run found nothing wrong, else 0.",
	})

	escrowedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bazaar",
		Subsystem: subsystem,
		Name:      "escrowed_minor_units",
		Help:      "Total held in order escrows at the last reconciliation run.",
	})

	runSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bazaar",
		Subsystem: subsystem,
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	})

	runErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bazaar",
		Subsystem: subsystem,
		Name:      "errors_total",
		Help:      "Reconciliation runs or escrow lookups that failed.",
	})
)

func init() {
	prometheus.MustRegister(findingsGauge, healthyGauge, escrowedGauge, runSeconds, runErrors)
}

func observe(r *Report) {
	findingsGauge.WithLabelValues(findingMismatch).Set(float64(r.Mismatches))
	findingsGauge.WithLabelValues(findingStuckEscrow).Set(float64(len(r.StuckEscrows)))
	escrowedGauge.Set(float64(r.Totals.Escrowed))
	if r.Healthy() {
		healthyGauge.Set(1)
	} else {
		healthyGauge.Set(0)
	}
}
