package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mirador_risk"

const (
	// OutcomeCompleted labels investigations that reached COMPLETED.
	OutcomeCompleted = "completed"
	// OutcomeFailed labels investigations that hit a structural error.
	OutcomeFailed = "failed"
	// OutcomeCancelled labels investigations cancelled by their owner.
	OutcomeCancelled = "cancelled"

	// TaskSuccess labels a domain task that returned a result.
	TaskSuccess = "success"
	// TaskAbsent labels a domain task degraded to an absent score.
	TaskAbsent = "absent"
	// TaskDiscarded labels a result that arrived after the investigation ended.
	TaskDiscarded = "discarded"
)

var (
	investigationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "investigations_total",
			Help:      "Investigations that reached a terminal state, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	investigationDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "investigation_seconds",
			Help:      "Time from start to terminal state in seconds.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
	)

	investigationsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "investigations_running",
			Help:      "Investigations currently holding an execution slot.",
		},
	)

	domainTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "domain_tasks_total",
			Help:      "Domain agent tasks by domain and outcome.",
		},
		[]string{"domain", "outcome"},
	)

	domainAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "domain_attempts_total",
			Help:      "Individual domain agent calls including retries.",
		},
		[]string{"domain"},
	)

	detectionRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detection_runs_total",
			Help:      "Detection runs by detector and terminal status.",
		},
		[]string{"detector", "status"},
	)

	anomaliesRaisedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_raised_total",
			Help:      "Anomaly events created, by detector and severity.",
		},
		[]string{"detector", "severity"},
	)

	guardrailDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guardrail_decisions_total",
			Help:      "Guardrail evaluations by resulting action.",
		},
		[]string{"decision"},
	)

	stateRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_requests_total",
			Help:      "State polling requests by result (ok, not_modified, forbidden, not_found, error).",
		},
		[]string{"result"},
	)
)

// Register attaches mirador-risk collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		investigationsTotal,
		investigationDurationSeconds,
		investigationsRunning,
		domainTasksTotal,
		domainAttemptsTotal,
		detectionRunsTotal,
		anomaliesRaisedTotal,
		guardrailDecisionsTotal,
		stateRequestsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveInvestigation records a terminal investigation.
func ObserveInvestigation(duration time.Duration, outcome string) {
	investigationsTotal.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	investigationDurationSeconds.Observe(duration.Seconds())
}

// InvestigationSlot tracks slot acquisition (+1) and release (-1).
func InvestigationSlot(delta float64) {
	investigationsRunning.Add(delta)
}

// DomainTask counts a finished domain task.
func DomainTask(domain, outcome string) {
	domainTasksTotal.WithLabelValues(domain, outcome).Inc()
}

// DomainAttempt counts one agent call.
func DomainAttempt(domain string) {
	domainAttemptsTotal.WithLabelValues(domain).Inc()
}

// DetectionRun counts a finished detection run.
func DetectionRun(detector, status string) {
	detectionRunsTotal.WithLabelValues(detector, status).Inc()
}

// AnomalyRaised counts a created anomaly event.
func AnomalyRaised(detector, severity string) {
	anomaliesRaisedTotal.WithLabelValues(detector, severity).Inc()
}

// GuardrailDecision counts one guardrail evaluation.
func GuardrailDecision(decision string) {
	guardrailDecisionsTotal.WithLabelValues(decision).Inc()
}

// StateRequest counts one state lookup.
func StateRequest(result string) {
	stateRequestsTotal.WithLabelValues(result).Inc()
}
