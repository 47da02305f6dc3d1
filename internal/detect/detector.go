package detect

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/miradorstack/mirador-risk/internal/models"
	"github.com/miradorstack/mirador-risk/internal/utils"
)

// Result is the output of one detector invocation over a series.
type Result struct {
	// Scores has one entry per input point.
	Scores []float64
	// AnomalyIndices are the positions whose score exceeds the detector's k threshold.
	AnomalyIndices []int
	// ChangepointIndex is the first anomalous position, or -1.
	ChangepointIndex int
	Evidence         map[string]any
}

// Latest returns the score at the most recent point.
func (r Result) Latest() float64 {
	if len(r.Scores) == 0 {
		return 0
	}
	return r.Scores[len(r.Scores)-1]
}

// Detector scores a numeric series.
type Detector interface {
	Detect(series []float64) (Result, error)
}

// Factory builds a detector from its configured params.
type Factory func(params models.DetectorParams) Detector

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{
		TypeCUSUM:  func(p models.DetectorParams) Detector { return NewCUSUM(p) },
		TypeZScore: func(p models.DetectorParams) Detector { return NewZScore(p) },
		TypeMAD:    func(p models.DetectorParams) Detector { return NewMAD(p) },
	}
)

// Register adds or replaces a detector type.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(name)] = factory
}

// Types lists the registered detector type names.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New resolves a detector for the given type.
func New(typ string, params models.DetectorParams) (Detector, error) {
	registryMu.RLock()
	factory, ok := registry[strings.ToLower(typ)]
	registryMu.RUnlock()
	if !ok {
		return nil, utils.ValidationError("detect.New", fmt.Sprintf("unknown detector type %q", typ))
	}
	return factory(params), nil
}

func checkSeries(op string, series []float64) error {
	if len(series) == 0 {
		return utils.ValidationError(op, "empty series")
	}
	if !finite(series) {
		return utils.ValidationError(op, "series contains NaN or Inf")
	}
	return nil
}

func anomalies(scores []float64, k float64) ([]int, int) {
	indices := make([]int, 0)
	for i, s := range scores {
		if s > k {
			indices = append(indices, i)
		}
	}
	if len(indices) == 0 {
		return indices, -1
	}
	return indices, indices[0]
}

func orDefault(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}
