package detect

import (
	"math"

	"github.com/miradorstack/mirador-risk/internal/models"
)

// TypeZScore is the registry name for the z-score spike detector.
const TypeZScore = "zscore"

// ZScore flags points far from the reference mean, normalized by the sigma threshold.
type ZScore struct {
	k         float64
	threshold float64
	baseline  float64
}

// NewZScore creates a z-score detector with a 2.5 sigma default.
func NewZScore(params models.DetectorParams) *ZScore {
	return &ZScore{
		k:         orDefault(params.KThreshold, defaultK),
		threshold: orDefault(params.ThresholdSigma, 2.5),
		baseline:  orDefault(params.BaselineFraction, defaultBaseline),
	}
}

func (z *ZScore) Detect(series []float64) (Result, error) {
	if err := checkSeries("detect.ZScore", series); err != nil {
		return Result{}, err
	}
	ref := baseline(series, z.baseline)
	mu := mean(ref)
	sigma := stdDev(ref, mu)

	scores := make([]float64, len(series))
	for i, x := range series {
		scores[i] = math.Abs(x-mu) / sigma / z.threshold
	}
	indices, first := anomalies(scores, z.k)
	return Result{
		Scores:           scores,
		AnomalyIndices:   indices,
		ChangepointIndex: first,
		Evidence: map[string]any{
			"mu":          mu,
			"sigma":       sigma,
			"sigma_limit": z.threshold,
			"baseline_n":  len(ref),
		},
	}, nil
}
