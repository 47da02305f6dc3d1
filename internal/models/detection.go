package models

import (
	"sort"
	"strings"
	"time"
)

// DetectorParams carries the algorithm and guardrail knobs for a detector.
type DetectorParams struct {
	// KThreshold is the normalized score above which a window is anomalous.
	KThreshold float64 `yaml:"k_threshold" json:"k_threshold"`
	// Sensitivity is the shift allowance as a multiple of sigma.
	Sensitivity float64 `yaml:"sensitivity" json:"sensitivity"`
	// ThresholdSigma is the alert threshold as a multiple of sigma.
	ThresholdSigma float64 `yaml:"threshold_sigma" json:"threshold_sigma"`
	// BaselineFraction is the leading share of the series used to estimate mean and sigma.
	BaselineFraction    float64       `yaml:"baseline_fraction" json:"baseline_fraction"`
	PersistenceRequired int           `yaml:"persistence_required" json:"persistence_required"`
	ClearThreshold      float64       `yaml:"clear_threshold" json:"clear_threshold"`
	Cooldown            time.Duration `yaml:"cooldown" json:"cooldown"`
	Window              time.Duration `yaml:"window" json:"window"`
	Lookback            time.Duration `yaml:"lookback" json:"lookback"`
}

// Detector is a scheduled statistical detector definition.
type Detector struct {
	ID       string         `yaml:"id" json:"id"`
	Type     string         `yaml:"type" json:"type"`
	CohortBy []string       `yaml:"cohort_by" json:"cohort_by"`
	Metrics  []string       `yaml:"metrics" json:"metrics"`
	Params   DetectorParams `yaml:"params" json:"params"`
	Schedule string         `yaml:"schedule" json:"schedule"`
	Enabled  bool           `yaml:"enabled" json:"enabled"`
}

// RunStatus is the lifecycle of one detection run.
type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunSucceeded RunStatus = "SUCCEEDED"
	RunPartial   RunStatus = "PARTIAL"
	RunFailed    RunStatus = "FAILED"
	RunSkipped   RunStatus = "SKIPPED"
)

// Terminal reports whether the run is finished.
func (s RunStatus) Terminal() bool { return s != RunRunning }

// DetectionRun records one windowed execution of a detector.
type DetectionRun struct {
	ID               string    `json:"id" db:"id"`
	DetectorID       string    `json:"detector_id" db:"detector_id"`
	WindowFrom       time.Time `json:"window_from" db:"window_from"`
	WindowTo         time.Time `json:"window_to" db:"window_to"`
	Status           RunStatus `json:"status" db:"status"`
	CohortsEvaluated int       `json:"cohorts_evaluated" db:"cohorts_evaluated"`
	CohortsFailed    int       `json:"cohorts_failed" db:"cohorts_failed"`
	Anomalies        int       `json:"anomalies" db:"anomalies"`
	Error            string    `json:"error,omitempty" db:"error"`
	StartedAt        time.Time `json:"started_at" db:"started_at"`
	FinishedAt       time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

// AnomalyStatus is the triage state of an anomaly event.
type AnomalyStatus string

const (
	AnomalyNew     AnomalyStatus = "NEW"
	AnomalyTriaged AnomalyStatus = "TRIAGED"
	AnomalyClosed  AnomalyStatus = "CLOSED"
)

// Severity buckets an anomaly score for triage.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// SeverityFor maps a normalized score to a severity relative to the raise threshold.
func SeverityFor(score, kThreshold float64) Severity {
	if kThreshold <= 0 {
		kThreshold = 1
	}
	switch {
	case score >= 2*kThreshold:
		return SeverityCritical
	case score >= 1.25*kThreshold:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Cohort is a set of dimension values a metric is grouped by.
type Cohort map[string]string

// Key renders the cohort as a stable "k=v,k=v" string.
func (c Cohort) Key() string {
	if len(c) == 0 {
		return "*"
	}
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+c[k])
	}
	return strings.Join(parts, ",")
}

// AnomalyEvent is a raised anomaly for one cohort and metric. Never deleted.
type AnomalyEvent struct {
	ID         string        `json:"id"`
	RunID      string        `json:"run_id"`
	DetectorID string        `json:"detector_id"`
	Cohort     Cohort        `json:"cohort"`
	WindowFrom time.Time     `json:"window_from"`
	WindowTo   time.Time     `json:"window_to"`
	Metric     string        `json:"metric"`
	Observed   float64       `json:"observed"`
	Expected   float64       `json:"expected"`
	Score      float64       `json:"score"`
	Severity   Severity      `json:"severity"`
	Status     AnomalyStatus `json:"status"`
	PersistedN int           `json:"persisted_n"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// GuardrailKey is the keyed-state identity for one cohort and metric. Detectors watching the
// same cohort and metric share it.
func GuardrailKey(cohort Cohort, metric string) string {
	return cohort.Key() + "|" + metric
}

// SeriesPoint is one windowed observation from the detection data source.
type SeriesPoint struct {
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Value       float64   `json:"metric_value"`
}

// CohortSeries is the time series for one cohort.
type CohortSeries struct {
	Cohort Cohort        `json:"cohort"`
	Points []SeriesPoint `json:"points"`
}

// Values extracts the metric values in order.
func (s CohortSeries) Values() []float64 {
	out := make([]float64, len(s.Points))
	for i, p := range s.Points {
		out[i] = p.Value
	}
	return out
}
