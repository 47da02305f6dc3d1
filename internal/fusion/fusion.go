// Package fusion combines per-domain risk scores into one investigation score.
package fusion

import (
	"fmt"
	"math"
	"sort"

	"github.com/miradorstack/mirador-risk/internal/models"
)

// Precision is the number of decimals the fused score is rounded to.
const Precision = 2

// Result is the fused score plus an auditable per-domain breakdown.
type Result struct {
	Score        float64
	Raw          float64
	Contributing int
	TotalWeight  float64
	Breakdown    []models.WeightedContribution
}

// Compute returns the weight-renormalized average over domains with a present score.
// Absent domains are excluded from numerator and denominator alike.
func Compute(findings map[models.Domain]models.DomainResult, weights Weights) Result {
	domains := make([]models.Domain, 0, len(findings))
	for d := range findings {
		domains = append(domains, d)
	}
	sort.Slice(domains, func(i, j int) bool { return domains[i] < domains[j] })

	var res Result
	var numerator float64
	for _, d := range domains {
		finding := findings[d]
		w := weights[d]
		line := models.WeightedContribution{
			Domain:     d,
			Weight:     w,
			Score:      finding.RiskScore,
			Confidence: finding.Confidence,
		}
		v, ok := finding.RiskScore.Get()
		switch {
		case !ok:
			line.Excluded = "score absent"
		case w <= 0:
			line.Excluded = "domain carries no weight"
		default:
			line.Included = true
			line.Contribution = w * v
			numerator += line.Contribution
			res.TotalWeight += w
			res.Contributing++
		}
		res.Breakdown = append(res.Breakdown, line)
	}
	if res.Contributing == 0 || res.TotalWeight == 0 {
		return res
	}
	res.Raw = numerator / res.TotalWeight
	res.Score = Round(clamp(res.Raw))
	return res
}

// AdjustForConfidence pulls score toward 0.5 in proportion to (1 - confidence).
func AdjustForConfidence(score, confidence float64) float64 {
	confidence = clamp(confidence)
	return 0.5 + (score-0.5)*confidence
}

// roundingSlack absorbs binary representation error so that halves round up (0.575 -> 0.58).
const roundingSlack = 1e-9

// Round rounds half up to Precision decimals.
func Round(v float64) float64 {
	scale := math.Pow10(Precision)
	return math.Floor(v*scale+0.5+roundingSlack) / scale
}

func clamp(v float64) float64 {
	switch {
	case v < 0 || math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// MismatchError reports a stored score that disagrees with a recomputation.
type MismatchError struct {
	InvestigationID string
	Stored          float64
	Recomputed      float64
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("fusion: investigation %s stored score %.4f differs from recomputed %.4f",
		e.InvestigationID, e.Stored, e.Recomputed)
}

// CheckConsistency recomputes the fused score from stored findings and compares it to the
// persisted value.
func CheckConsistency(inv *models.Investigation, weights Weights, eps float64) error {
	if inv == nil || inv.Status != models.StatusCompleted {
		return nil
	}
	if eps <= 0 {
		eps = 1e-9
	}
	recomputed := Compute(inv.Findings, weights).Score
	if math.Abs(recomputed-inv.FinalRiskScore) > eps {
		return &MismatchError{InvestigationID: inv.ID, Stored: inv.FinalRiskScore, Recomputed: recomputed}
	}
	return nil
}
