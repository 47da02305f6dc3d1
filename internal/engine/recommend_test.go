package engine

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/miradorstack/mirador-risk/internal/models"
)

func writeRules(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	return path
}

func sampleInvestigation() *models.Investigation {
	return &models.Investigation{
		ID:             "inv-1",
		Entity:         models.EntityRef{Type: "user", Value: "u-42"},
		Segment:        "card_not_present",
		FinalRiskScore: 0.82,
		Findings: map[models.Domain]models.DomainResult{
			models.DomainNetwork: {RiskScore: models.SomeScore(0.9)},
			models.DomainDevice:  {RiskScore: models.NoScore()},
		},
	}
}

func TestRuleEngineRecommend(t *testing.T) {
	path := writeRules(t, `rules:
  - id: high-risk
    match:
      min_score: 0.8
    recommendations: ["Hold pending transactions", "Require step-up authentication"]
  - id: network-driven
    match:
      entity_type: USER
      domains_above:
        network: 0.7
    recommendations: ["Block source IP range", "Require step-up authentication"]
  - id: device-driven
    match:
      domains_above:
        device: 0.5
    recommendations: ["Quarantine device fingerprint"]
  - id: low-risk
    match:
      max_score: 0.3
    recommendations: ["Close without action"]
`)

	engine, err := NewRuleEngine(path, slog.New(slog.NewTextHandler(os.Stdout, nil)))
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}

	recs := engine.Recommend(sampleInvestigation())
	want := []string{"Hold pending transactions", "Require step-up authentication", "Block source IP range"}
	if len(recs) != len(want) {
		t.Fatalf("expected %v, got %v", want, recs)
	}
	for i := range want {
		if recs[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, recs)
		}
	}
}

func TestRuleEngineTriggeredMatch(t *testing.T) {
	path := writeRules(t, `rules:
  - id: detector-origin
    match:
      triggered: true
      segment: card_not_present
    recommendations: ["Review the triggering anomaly"]
`)
	engine, err := NewRuleEngine(path, nil)
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}
	inv := sampleInvestigation()
	if recs := engine.Recommend(inv); len(recs) != 0 {
		t.Fatalf("expected no recommendation for manual investigation, got %v", recs)
	}
	inv.TriggerAnomalyID = "anom-1"
	if recs := engine.Recommend(inv); len(recs) != 1 {
		t.Fatalf("expected triggered recommendation, got %v", recs)
	}
}

func TestRuleEngineRejectsInvalidRules(t *testing.T) {
	cases := map[string]string{
		"id is required": "rules:\n  - recommendations: [x]\n",
		"duplicate id":   "rules:\n  - id: a\n    recommendations: [x]\n  - id: a\n    recommendations: [y]\n",
		"recommendation": "rules:\n  - id: a\n",
		"exceeds":        "rules:\n  - id: a\n    match: {min_score: 0.9, max_score: 0.1}\n    recommendations: [x]\n",
		"unknown domain": "rules:\n  - id: a\n    match:\n      domains_above: {weather: 0.1}\n    recommendations: [x]\n",
	}
	for want, body := range cases {
		_, err := NewRuleEngine(writeRules(t, body), nil)
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error containing %q, got %v", want, err)
		}
	}
}

func TestRuleEngineNoFile(t *testing.T) {
	engine, err := NewRuleEngine("non-existent", nil)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if engine != nil {
		t.Fatalf("expected nil engine when file missing")
	}
	if recs := engine.Recommend(sampleInvestigation()); recs != nil {
		t.Fatalf("nil engine should not recommend, got %v", recs)
	}
}

func TestShippedRulesAreValid(t *testing.T) {
	engine, err := NewRuleEngine(filepath.Join("..", "..", "configs", "rules", "recommendations.yaml"), nil)
	if err != nil {
		t.Fatalf("shipped rules: %v", err)
	}
	if engine == nil || len(engine.rules) == 0 {
		t.Fatal("expected shipped rules to load")
	}
}
