package detect

import (
	"math"

	"github.com/miradorstack/mirador-risk/internal/models"
)

// TypeCUSUM is the registry name for the cumulative-deviation shift detector.
const TypeCUSUM = "cusum"

const (
	defaultSensitivity    = 0.75
	defaultThresholdSigma = 5.0
	defaultK              = 1.0
	defaultBaseline       = 0.5
)

// CUSUM detects sustained level shifts. Single-point spikes are absorbed by the delta allowance.
type CUSUM struct {
	k         float64
	delta     float64
	threshold float64
	baseline  float64
}

// NewCUSUM constructs a cumulative-deviation detector; zero params take defaults.
func NewCUSUM(params models.DetectorParams) *CUSUM {
	return &CUSUM{
		k:         orDefault(params.KThreshold, defaultK),
		delta:     orDefault(params.Sensitivity, defaultSensitivity),
		threshold: orDefault(params.ThresholdSigma, defaultThresholdSigma),
		baseline:  orDefault(params.BaselineFraction, defaultBaseline),
	}
}

// Detect runs the two-sided CUSUM over series using mean and sigma from the reference period.
func (c *CUSUM) Detect(series []float64) (Result, error) {
	if err := checkSeries("detect.CUSUM", series); err != nil {
		return Result{}, err
	}

	ref := baseline(series, c.baseline)
	mu := mean(ref)
	sigma := stdDev(ref, mu)
	delta := c.delta * sigma
	threshold := c.threshold * sigma

	scores := make([]float64, len(series))
	var sPos, sNeg, maxPos, maxNeg float64
	for i, x := range series {
		sPos = math.Max(0, (x-mu-delta)+sPos)
		sNeg = math.Max(0, (mu-x-delta)+sNeg)
		maxPos = math.Max(maxPos, sPos)
		maxNeg = math.Max(maxNeg, sNeg)
		scores[i] = math.Max(sPos, sNeg) / threshold
	}

	indices, changepoint := anomalies(scores, c.k)
	direction := "none"
	if changepoint >= 0 {
		direction = "up"
		if series[changepoint] < mu {
			direction = "down"
		}
	}
	return Result{
		Scores:           scores,
		AnomalyIndices:   indices,
		ChangepointIndex: changepoint,
		Evidence: map[string]any{
			"mu":          mu,
			"sigma":       sigma,
			"delta":       delta,
			"threshold":   threshold,
			"k_threshold": c.k,
			"max_s_pos":   maxPos,
			"max_s_neg":   maxNeg,
			"direction":   direction,
			"baseline_n":  len(ref),
			"changepoint": changepoint,
		},
	}, nil
}
