package agents

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/yl2chen/cidranger"

	"github.com/miradorstack/mirador-risk/internal/models"
	"github.com/miradorstack/mirador-risk/internal/utils"
)

// NetworkRule tags a CIDR block with a risk weight.
type NetworkRule struct {
	CIDR  string  `yaml:"cidr"`
	Label string  `yaml:"label"`
	Risk  float64 `yaml:"risk"`
}

type networkEntry struct {
	ipNet net.IPNet
	label string
	risk  float64
}

func (e networkEntry) Network() net.IPNet { return e.ipNet }

// NetworkAgent scores an IP address against a table of risky ranges held in a prefix trie.
type NetworkAgent struct {
	ranger   cidranger.Ranger
	baseline float64
	rules    int
	now      func() time.Time
}

// NewNetworkAgent builds the agent from rules. baseline is the score for addresses that match nothing.
func NewNetworkAgent(rules []NetworkRule, baseline float64) (*NetworkAgent, error) {
	ranger := cidranger.NewPCTrieRanger()
	for _, rule := range rules {
		_, ipNet, err := net.ParseCIDR(strings.TrimSpace(rule.CIDR))
		if err != nil {
			return nil, fmt.Errorf("network rule %q: %w", rule.CIDR, err)
		}
		if err := ranger.Insert(networkEntry{ipNet: *ipNet, label: rule.Label, risk: clampUnit(rule.Risk)}); err != nil {
			return nil, fmt.Errorf("network rule %q: %w", rule.CIDR, err)
		}
	}
	return &NetworkAgent{ranger: ranger, baseline: clampUnit(baseline), rules: len(rules), now: time.Now}, nil
}

func (a *NetworkAgent) Analyze(ctx context.Context, req AnalyzeRequest) (models.DomainResult, error) {
	if err := req.Validate(); err != nil {
		return models.DomainResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return models.DomainResult{}, err
	}
	ip := addressFor(req)
	if ip == nil {
		return models.DomainResult{}, utils.TerminalError("agents.Network", "entity carries no IP address", nil).
			With("entity_type", req.EntityType)
	}

	entries, err := a.ranger.ContainingNetworks(ip)
	if err != nil {
		return models.DomainResult{}, utils.TerminalError("agents.Network", "range lookup", err)
	}

	matches := make([]networkEntry, 0, len(entries))
	for _, entry := range entries {
		if ne, ok := entry.(networkEntry); ok {
			matches = append(matches, ne)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].risk > matches[j].risk })

	result := models.DomainResult{
		Confidence:  0.6,
		RiskScore:   models.SomeScore(a.baseline),
		CompletedAt: a.now().UTC(),
		RawSignals: map[string]any{
			"ip":            ip.String(),
			"rules_checked": a.rules,
		},
	}
	if len(matches) == 0 {
		result.Thoughts = fmt.Sprintf("%s is outside every tracked risky range", ip)
		return result, nil
	}

	labels := make([]string, 0, len(matches))
	for _, m := range matches {
		ipNet := m.Network()
		labels = append(labels, fmt.Sprintf("%s (%s)", m.label, ipNet.String()))
	}
	result.RiskScore = models.SomeScore(matches[0].risk)
	result.Confidence = 0.9
	result.Thoughts = fmt.Sprintf("%s falls in %s", ip, strings.Join(labels, ", "))
	result.RawSignals["matched_ranges"] = labels
	return result, nil
}

func addressFor(req AnalyzeRequest) net.IP {
	if strings.EqualFold(req.EntityType, "ip") {
		return net.ParseIP(strings.TrimSpace(req.EntityID))
	}
	if raw, ok := req.Context["ip"].(string); ok {
		return net.ParseIP(strings.TrimSpace(raw))
	}
	return nil
}

var _ Agent = (*NetworkAgent)(nil)
