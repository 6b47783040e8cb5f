// Package metrics provides Prometheus metrics for the phase planning and
// execution engine: planning outcomes, phase execution, integrity checks,
// and quality reviews.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds all Prometheus collectors for the engine
type Metrics struct {
	// Planning
	PlansGeneratedTotal *prometheus.CounterVec // labels: complexity, outcome
	PlanPhaseCount      prometheus.Histogram
	PlanningDuration    prometheus.Histogram

	// Phase execution
	PhasesTotal        *prometheus.CounterVec // labels: domain, status
	PhaseDuration      *prometheus.HistogramVec
	PhaseFilesProduced prometheus.Histogram
	ActiveBuildsGauge  prometheus.Gauge
	RollbacksTotal     prometheus.Counter

	// Integrity
	IntegrityChecksTotal *prometheus.CounterVec // labels: check, outcome
	FileConflictsTotal   prometheus.Counter

	// Quality review
	ReviewsTotal   *prometheus.CounterVec // labels: strictness, outcome
	ReviewScore    prometheus.Histogram
	AutoFixesTotal prometheus.Counter

	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// Get returns the process-wide metrics singleton.
func Get() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			PlansGeneratedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "phaseforge_plans_generated_total",
				Help: "Phase plans generated, by complexity and outcome",
			}, []string{"complexity", "outcome"}),
			PlanPhaseCount: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "phaseforge_plan_phase_count",
				Help:    "Number of phases per generated plan",
				Buckets: prometheus.LinearBuckets(1, 2, 10),
			}),
			PlanningDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "phaseforge_planning_duration_seconds",
				Help:    "Time spent generating a phase plan",
				Buckets: prometheus.DefBuckets,
			}),

			PhasesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "phaseforge_phases_total",
				Help: "Phase executions, by domain and terminal status",
			}, []string{"domain", "status"}),
			PhaseDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "phaseforge_phase_duration_seconds",
				Help:    "Wall-clock duration of phase execution",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			}, []string{"domain"}),
			PhaseFilesProduced: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "phaseforge_phase_files_produced",
				Help:    "Files produced per completed phase",
				Buckets: prometheus.LinearBuckets(1, 3, 10),
			}),
			ActiveBuildsGauge: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "phaseforge_active_builds",
				Help: "Build sessions currently executing",
			}),
			RollbacksTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "phaseforge_rollbacks_total",
				Help: "Snapshot rollbacks performed",
			}),

			IntegrityChecksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "phaseforge_integrity_checks_total",
				Help: "Integrity checks run, by check name and outcome",
			}, []string{"check", "outcome"}),
			FileConflictsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "phaseforge_file_conflicts_total",
				Help: "Cross-phase file conflicts detected",
			}),

			ReviewsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "phaseforge_quality_reviews_total",
				Help: "Quality reviews run, by strictness and outcome",
			}, []string{"strictness", "outcome"}),
			ReviewScore: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "phaseforge_quality_review_score",
				Help:    "Quality review scores (0-100)",
				Buckets: prometheus.LinearBuckets(0, 10, 11),
			}),
			AutoFixesTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "phaseforge_review_auto_fixes_total",
				Help: "Reviewer auto-fixes merged back into accumulated state",
			}),

			HTTPRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "phaseforge_http_requests_total",
				Help: "HTTP requests, by method, path, and status",
			}, []string{"method", "path", "status"}),
			HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "phaseforge_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			}, []string{"method", "path"}),
		}
	})
	return instance
}

// ObservePhase records a terminal phase outcome.
func (m *Metrics) ObservePhase(domain, status string, duration time.Duration, filesProduced int) {
	m.PhasesTotal.WithLabelValues(domain, status).Inc()
	if duration > 0 {
		m.PhaseDuration.WithLabelValues(domain).Observe(duration.Seconds())
	}
	if filesProduced > 0 {
		m.PhaseFilesProduced.Observe(float64(filesProduced))
	}
}

// ObserveIntegrityCheck records one integrity check run.
func (m *Metrics) ObserveIntegrityCheck(check string, passed bool) {
	outcome := "passed"
	if !passed {
		outcome = "failed"
	}
	m.IntegrityChecksTotal.WithLabelValues(check, outcome).Inc()
}
