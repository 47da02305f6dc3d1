package agents

import (
	"context"
	"strings"
	"time"

	"github.com/miradorstack/mirador-risk/internal/models"
	"github.com/miradorstack/mirador-risk/internal/repo"
)

// DefaultAnalyzePath is appended to an agent's base URL.
const DefaultAnalyzePath = "/v1/analyze"

// HTTPAgent delegates analysis to a remote domain service.
type HTTPAgent struct {
	domain models.Domain
	client *repo.Client
	path   string
	now    func() time.Time
}

// NewHTTPAgent wraps client for domain.
func NewHTTPAgent(domain models.Domain, client *repo.Client, path string) *HTTPAgent {
	if path == "" {
		path = DefaultAnalyzePath
	}
	return &HTTPAgent{domain: domain, client: client, path: path, now: time.Now}
}

type analyzePayload struct {
	Domain     models.Domain     `json:"domain"`
	EntityType string            `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Window     models.TimeWindow `json:"time_window"`
	Context    map[string]any    `json:"investigation_context,omitempty"`
}

type analyzeResponse struct {
	RiskScore  *float64       `json:"risk_score"`
	Confidence float64        `json:"confidence"`
	Thoughts   string         `json:"thoughts"`
	RawSignals map[string]any `json:"raw_signals"`
}

func (a *HTTPAgent) Analyze(ctx context.Context, req AnalyzeRequest) (models.DomainResult, error) {
	if err := req.Validate(); err != nil {
		return models.DomainResult{}, err
	}
	payload := analyzePayload{
		Domain:     a.domain,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Window:     req.Window,
		Context:    req.Context,
	}
	var resp analyzeResponse
	if err := a.client.PostJSON(ctx, a.path, payload, &resp); err != nil {
		return models.DomainResult{}, err
	}

	result := models.DomainResult{
		Confidence:  clampUnit(resp.Confidence),
		Thoughts:    strings.TrimSpace(resp.Thoughts),
		RawSignals:  resp.RawSignals,
		CompletedAt: a.now().UTC(),
	}
	if resp.RiskScore == nil {
		result.RiskScore = models.NoScore()
		if result.Thoughts == "" {
			result.Thoughts = a.client.Name() + " returned no score"
		}
		return result, nil
	}
	result.RiskScore = models.SomeScore(clampUnit(*resp.RiskScore))
	return result, nil
}

func clampUnit(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

var _ Agent = (*HTTPAgent)(nil)
