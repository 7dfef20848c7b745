package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "callsignal"

// Metrics holds every collector the pipeline reports to. Collectors are
// registered on the Registerer passed to New so tests can use an isolated
// registry.
type Metrics struct {
	IngestOutcomes     *prometheus.CounterVec
	AttributionMatches *prometheus.CounterVec
	EnqueueOutcomes    *prometheus.CounterVec
	DispatchOutcomes   *prometheus.CounterVec
	DispatchClaimed    *prometheus.CounterVec
	StuckRecovered     prometheus.Counter
	ReconcileRuns      *prometheus.CounterVec
	ReconcileDrift     prometheus.Histogram
	CacheCorrections   prometheus.Counter
	DegradedTotal      *prometheus.CounterVec
	JobSkips           *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IngestOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingest_outcomes_total",
				Help:      "Ingestion gate outcomes per site.",
			},
			[]string{"site", "outcome"},
		),
		AttributionMatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attribution_matches_total",
				Help:      "Call attribution attempts by result.",
			},
			[]string{"outcome"},
		),
		EnqueueOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conversion_enqueue_total",
				Help:      "Conversion enqueue results by reason.",
			},
			[]string{"outcome"},
		),
		DispatchOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_outcomes_total",
				Help:      "Dispatch results per provider.",
			},
			[]string{"provider", "outcome"},
		),
		DispatchClaimed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_claimed_total",
				Help:      "Queue rows claimed for dispatch per provider.",
			},
			[]string{"provider"},
		),
		StuckRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_stuck_recovered_total",
			Help:      "PROCESSING rows returned to RETRY by the recovery sweep.",
		}),
		ReconcileRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_runs_total",
				Help:      "Usage reconciliation jobs by result.",
			},
			[]string{"outcome"},
		),
		ReconcileDrift: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_drift_events",
			Help:      "Absolute drift between the usage cache and the ledger.",
			Buckets:   []float64{0, 1, 5, 10, 50, 100, 500, 1000, 10000},
		}),
		CacheCorrections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_cache_corrections_total",
			Help:      "Usage cache overwrites performed by the reconciler.",
		}),
		DegradedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "degraded_total",
				Help:      "Best-effort operations that fell back to a degraded result.",
			},
			[]string{"component", "reason"},
		),
		JobSkips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_skips_total",
				Help:      "Scheduled job invocations skipped because the job lock was held.",
			},
			[]string{"job"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Histogram of handled request durations in seconds.",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"route", "method", "status"},
		),
	}
	reg.MustRegister(
		m.IngestOutcomes,
		m.AttributionMatches,
		m.EnqueueOutcomes,
		m.DispatchOutcomes,
		m.DispatchClaimed,
		m.StuckRecovered,
		m.ReconcileRuns,
		m.ReconcileDrift,
		m.CacheCorrections,
		m.DegradedTotal,
		m.JobSkips,
		m.RequestDuration,
	)
	return m
}

// Degraded counts a best-effort fallback.
func (m *Metrics) Degraded(component, reason string) {
	m.DegradedTotal.WithLabelValues(component, reason).Inc()
}
