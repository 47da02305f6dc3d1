package detect

import (
	"math"

	"github.com/miradorstack/mirador-risk/internal/models"
)

// TypeMAD is the registry name for the median-deviation detector.
const TypeMAD = "mad"

// MAD scores deviation from the median in units of mean absolute deviation.
// It tolerates outliers in the reference period better than ZScore.
type MAD struct {
	k         float64
	threshold float64
	baseline  float64
}

// NewMAD creates a median-deviation detector with a cutoff of 3 deviations.
func NewMAD(params models.DetectorParams) *MAD {
	return &MAD{
		k:         orDefault(params.KThreshold, defaultK),
		threshold: orDefault(params.ThresholdSigma, 3),
		baseline:  orDefault(params.BaselineFraction, defaultBaseline),
	}
}

func (m *MAD) Detect(series []float64) (Result, error) {
	if err := checkSeries("detect.MAD", series); err != nil {
		return Result{}, err
	}
	ref := baseline(series, m.baseline)
	median := percentile(ref, 0.5)
	dev := meanAbsoluteDeviation(ref, median)
	if dev == 0 {
		dev = 1
	}

	scores := make([]float64, len(series))
	for i, x := range series {
		scores[i] = math.Abs(x-median) / dev / m.threshold
	}
	indices, first := anomalies(scores, m.k)
	return Result{
		Scores:           scores,
		AnomalyIndices:   indices,
		ChangepointIndex: first,
		Evidence: map[string]any{
			"median":     median,
			"mad":        dev,
			"baseline_n": len(ref),
		},
	}, nil
}
