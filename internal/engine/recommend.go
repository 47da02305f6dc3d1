package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-risk/internal/models"
)

// RuleEngine attaches analyst recommendations to finalized investigations.
type RuleEngine struct {
	rules  []Rule
	logger *slog.Logger
}

// Rule represents a single recommendation rule.
type Rule struct {
	ID              string    `yaml:"id"`
	Match           RuleMatch `yaml:"match"`
	Recommendations []string  `yaml:"recommendations"`
}

// RuleMatch defines optional attributes for rule matching. Every set attribute must hold.
type RuleMatch struct {
	MinScore     *float64           `yaml:"min_score"`
	MaxScore     *float64           `yaml:"max_score"`
	EntityType   string             `yaml:"entity_type"`
	Segment      string             `yaml:"segment"`
	DomainsAbove map[string]float64 `yaml:"domains_above"`
	Triggered    *bool              `yaml:"triggered"`
}

// RuleConfigFile is the YAML root structure.
type RuleConfigFile struct {
	Rules []Rule `yaml:"rules"`
}

// NewRuleEngine loads rules from the provided path. If path is empty or missing, returns nil engine.
func NewRuleEngine(path string, logger *slog.Logger) (*RuleEngine, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var cfg RuleConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := validateRules(cfg.Rules); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("recommendation rules loaded", slog.String("path", path), slog.Int("rules", len(cfg.Rules)))
	return &RuleEngine{rules: cfg.Rules, logger: logger}, nil
}

func validateRules(rules []Rule) error {
	seen := make(map[string]struct{}, len(rules))
	for i, rule := range rules {
		if rule.ID == "" {
			return fmt.Errorf("rule %d: id is required", i)
		}
		if _, dup := seen[rule.ID]; dup {
			return fmt.Errorf("rule %q: duplicate id", rule.ID)
		}
		seen[rule.ID] = struct{}{}
		if len(rule.Recommendations) == 0 {
			return fmt.Errorf("rule %q: at least one recommendation is required", rule.ID)
		}
		if rule.Match.MinScore != nil && rule.Match.MaxScore != nil && *rule.Match.MinScore > *rule.Match.MaxScore {
			return fmt.Errorf("rule %q: min_score exceeds max_score", rule.ID)
		}
		for d := range rule.Match.DomainsAbove {
			if !models.Domain(strings.ToLower(d)).Valid() {
				return fmt.Errorf("rule %q: unknown domain %q", rule.ID, d)
			}
		}
	}
	return nil
}

// Recommend returns the deduplicated recommendations of every rule matching inv, in rule order.
func (e *RuleEngine) Recommend(inv *models.Investigation) []string {
	if e == nil || inv == nil {
		return nil
	}

	matched := make([]string, 0)
	for _, rule := range e.rules {
		if !rule.Match.matches(inv) {
			continue
		}
		e.logger.Debug("recommendation rule matched",
			slog.String("rule", rule.ID),
			slog.String("investigation_id", inv.ID))
		matched = appendUnique(matched, rule.Recommendations...)
	}
	return matched
}

func (m RuleMatch) matches(inv *models.Investigation) bool {
	if m.MinScore != nil && inv.FinalRiskScore < *m.MinScore {
		return false
	}
	if m.MaxScore != nil && inv.FinalRiskScore > *m.MaxScore {
		return false
	}
	if m.EntityType != "" && !strings.EqualFold(m.EntityType, inv.Entity.Type) {
		return false
	}
	if m.Segment != "" && !strings.EqualFold(m.Segment, inv.Segment) {
		return false
	}
	if m.Triggered != nil && *m.Triggered != (inv.TriggerAnomalyID != "") {
		return false
	}
	return domainsAbove(m.DomainsAbove, inv.Findings)
}

// domainsAbove requires each listed domain to carry a present score at or above its threshold.
func domainsAbove(thresholds map[string]float64, findings map[models.Domain]models.DomainResult) bool {
	for name, floor := range thresholds {
		res, ok := findings[models.Domain(strings.ToLower(name))]
		if !ok {
			return false
		}
		score, present := res.RiskScore.Get()
		if !present || score < floor {
			return false
		}
	}
	return true
}

func appendUnique(existing []string, additions ...string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, rec := range existing {
		seen[rec] = struct{}{}
	}
	for _, item := range additions {
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		existing = append(existing, item)
		seen[item] = struct{}{}
	}
	return existing
}
