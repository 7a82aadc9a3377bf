package agenttrail

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides Prometheus-compatible metrics for the durable
// step-execution runtime, continuing metrics.go's PrometheusMetrics shape
// (gauges/histograms/counters registered at construction, namespaced,
// guarded for concurrent use by the Prometheus client itself).
//
// Exposed series (all namespaced "agenttrail_"):
//
//  1. claims_total (counter): successful ClaimCall insertions, labeled by
//     step and phase. Use: throughput of new (non-deduplicated) work.
//  2. cache_hits_total (counter): calls served by wait-for-existing rather
//     than a fresh claim, labeled by step. Use: dedup effectiveness.
//  3. compensations_total (counter): compensation calls invoked, labeled by
//     step and outcome (success/error).
//  4. budget_exceeded_total (counter): BudgetExceeded raised, labeled by
//     run name.
//  5. wait_for_existing_seconds (histogram): time spent blocked on an
//     existing claim before it resolved.
type Metrics struct {
	claims          *prometheus.CounterVec
	cacheHits       *prometheus.CounterVec
	compensations   *prometheus.CounterVec
	budgetExceeded  *prometheus.CounterVec
	waitForExisting prometheus.Histogram
}

// NewMetrics creates and registers all runtime metrics with registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		claims: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agenttrail_claims_total",
			Help: "Successful call claims, by step and phase.",
		}, []string{"step", "phase"}),
		cacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agenttrail_cache_hits_total",
			Help: "Calls served from an existing claim rather than a fresh execution, by step.",
		}, []string{"step"}),
		compensations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agenttrail_compensations_total",
			Help: "Compensation calls invoked during saga rollback, by step and outcome.",
		}, []string{"step", "outcome"}),
		budgetExceeded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agenttrail_budget_exceeded_total",
			Help: "BudgetExceeded errors raised, by run name.",
		}, []string{"run_name"}),
		waitForExisting: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "agenttrail_wait_for_existing_seconds",
			Help:    "Time spent blocked on an existing claim before it resolved.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
	}
}

func (m *Metrics) recordClaim(step string, phase Phase) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(step, string(phase)).Inc()
}

func (m *Metrics) recordCacheHit(step string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(step).Inc()
}

func (m *Metrics) recordCompensation(step, outcome string) {
	if m == nil {
		return
	}
	m.compensations.WithLabelValues(step, outcome).Inc()
}

func (m *Metrics) recordBudgetExceeded(runName string) {
	if m == nil {
		return
	}
	m.budgetExceeded.WithLabelValues(runName).Inc()
}

func (m *Metrics) observeWaitForExisting(d time.Duration) {
	if m == nil {
		return
	}
	m.waitForExisting.Observe(d.Seconds())
}
