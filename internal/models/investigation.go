package models

import (
	"sort"
	"time"
)

// Status is the investigation lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether the lifecycle allows moving from s to next.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusFailed || next == StatusCancelled
	case StatusRunning:
		return next.Terminal()
	default:
		return false
	}
}

// Domain names one analytical perspective on an entity.
type Domain string

const (
	DomainNetwork        Domain = "network"
	DomainDevice         Domain = "device"
	DomainLocation       Domain = "location"
	DomainLogs           Domain = "logs"
	DomainAuthentication Domain = "authentication"
)

// AllDomains lists the full domain set in canonical order.
func AllDomains() []Domain {
	return []Domain{DomainNetwork, DomainDevice, DomainLocation, DomainLogs, DomainAuthentication}
}

// Valid reports whether d is one of the known domains.
func (d Domain) Valid() bool {
	for _, known := range AllDomains() {
		if d == known {
			return true
		}
	}
	return false
}

// EntityRef identifies the subject under investigation.
type EntityRef struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// TimeWindow bounds the signal window for analysis.
type TimeWindow struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Valid reports whether both ends are set and ordered.
func (w TimeWindow) Valid() bool {
	return !w.From.IsZero() && !w.To.IsZero() && w.To.After(w.From)
}

// DomainResult is one domain agent's contribution. Written once per domain, overwritten on retry.
type DomainResult struct {
	RiskScore   Score          `json:"risk_score"`
	Confidence  float64        `json:"confidence"`
	Thoughts    string         `json:"thoughts"`
	RawSignals  map[string]any `json:"raw_signals,omitempty"`
	Attempts    int            `json:"attempts"`
	CompletedAt time.Time      `json:"completed_at"`
}

// AbsentResult builds a result for a domain that could not contribute.
func AbsentResult(reason string, attempts int, at time.Time) DomainResult {
	if reason == "" {
		reason = "domain produced no result"
	}
	return DomainResult{
		RiskScore:   NoScore(),
		Thoughts:    reason,
		Attempts:    attempts,
		CompletedAt: at,
	}
}

// Evidence is an immutable append-only record attached to an investigation.
type Evidence struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Content   string            `json:"content"`
	Source    string            `json:"source"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// ToolExecution records one domain agent invocation.
type ToolExecution struct {
	Domain    Domain        `json:"domain"`
	Attempt   int           `json:"attempt"`
	Outcome   string        `json:"outcome"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// Phase names the orchestrator's current stage.
type Phase string

const (
	PhaseCreated     Phase = "created"
	PhaseDispatching Phase = "dispatching"
	PhaseAnalyzing   Phase = "analyzing"
	PhaseFusing      Phase = "fusing"
	PhaseFinalized   Phase = "finalized"
)

// Progress is the free-form progress payload exposed to clients.
type Progress struct {
	Phase            Phase           `json:"phase"`
	PercentComplete  float64         `json:"percent_complete"`
	DomainsCompleted []Domain        `json:"domains_completed"`
	ToolExecutions   []ToolExecution `json:"tool_executions,omitempty"`
	Evidence         []Evidence      `json:"evidence,omitempty"`
}

// Investigation is the aggregate owned by the orchestrator while RUNNING.
type Investigation struct {
	ID               string                  `json:"id"`
	OwnerID          string                  `json:"owner_id"`
	Entity           EntityRef               `json:"entity"`
	Window           TimeWindow              `json:"window"`
	Segment          string                  `json:"segment,omitempty"`
	Domains          []Domain                `json:"domains"`
	Status           Status                  `json:"status"`
	Version          int64                   `json:"version"`
	Findings         map[Domain]DomainResult `json:"domain_findings"`
	FinalRiskScore   float64                 `json:"final_risk_score"`
	Breakdown        []WeightedContribution  `json:"breakdown,omitempty"`
	Recommendations  []string                `json:"recommendations,omitempty"`
	Progress         Progress                `json:"progress"`
	Error            string                  `json:"error,omitempty"`
	TriggerAnomalyID string                  `json:"trigger_anomaly_id,omitempty"`
	CreatedAt        time.Time               `json:"created_at"`
	UpdatedAt        time.Time               `json:"updated_at"`
	CompletedAt      time.Time               `json:"completed_at,omitempty"`
}

// WeightedContribution is one auditable line of the fused score.
type WeightedContribution struct {
	Domain       Domain  `json:"domain"`
	Weight       float64 `json:"weight"`
	Score        Score   `json:"score"`
	Confidence   float64 `json:"confidence"`
	Contribution float64 `json:"contribution"`
	Included     bool    `json:"included"`
	Excluded     string  `json:"excluded,omitempty"`
}

// Clone returns a deep copy safe to hand to readers.
func (inv *Investigation) Clone() *Investigation {
	if inv == nil {
		return nil
	}
	out := *inv
	out.Domains = append([]Domain(nil), inv.Domains...)
	out.Breakdown = append([]WeightedContribution(nil), inv.Breakdown...)
	out.Recommendations = append([]string(nil), inv.Recommendations...)
	out.Findings = make(map[Domain]DomainResult, len(inv.Findings))
	for d, r := range inv.Findings {
		if r.RawSignals != nil {
			signals := make(map[string]any, len(r.RawSignals))
			for k, v := range r.RawSignals {
				signals[k] = v
			}
			r.RawSignals = signals
		}
		out.Findings[d] = r
	}
	out.Progress.DomainsCompleted = append([]Domain(nil), inv.Progress.DomainsCompleted...)
	out.Progress.ToolExecutions = append([]ToolExecution(nil), inv.Progress.ToolExecutions...)
	out.Progress.Evidence = append([]Evidence(nil), inv.Progress.Evidence...)
	return &out
}

// CompletedDomains returns the domains that have a stored result, in canonical order.
func (inv *Investigation) CompletedDomains() []Domain {
	done := make([]Domain, 0, len(inv.Findings))
	for d := range inv.Findings {
		done = append(done, d)
	}
	order := make(map[Domain]int, len(inv.Domains))
	for i, d := range inv.Domains {
		order[d] = i
	}
	sort.Slice(done, func(i, j int) bool {
		oi, iok := order[done[i]]
		oj, jok := order[done[j]]
		if iok && jok {
			return oi < oj
		}
		if iok != jok {
			return iok
		}
		return done[i] < done[j]
	})
	return done
}
