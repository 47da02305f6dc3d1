package fusion

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/miradorstack/mirador-risk/internal/models"
)

const weightTolerance = 1e-6

// Weights maps each domain to its share of the fused score.
type Weights map[models.Domain]float64

// DefaultWeights returns the reference weighting over all five domains.
func DefaultWeights() Weights {
	return Weights{
		models.DomainNetwork:        0.25,
		models.DomainLogs:           0.25,
		models.DomainDevice:         0.20,
		models.DomainLocation:       0.15,
		models.DomainAuthentication: 0.15,
	}
}

// Validate checks that every known domain is keyed, weights are non-negative and they sum to 1.
// A zero weight is allowed and keeps a domain out of the fused score.
func (w Weights) Validate() error {
	if len(w) == 0 {
		return errors.New("fusion: no weights configured")
	}
	var errs []error
	for _, d := range models.AllDomains() {
		if _, ok := w[d]; !ok {
			errs = append(errs, fmt.Errorf("fusion: no weight for domain %s", d))
		}
	}
	var sum float64
	for d, v := range w {
		if !d.Valid() {
			errs = append(errs, fmt.Errorf("fusion: unknown domain %q", d))
			continue
		}
		if v < 0 || math.IsNaN(v) {
			errs = append(errs, fmt.Errorf("fusion: weight for %s must be non-negative", d))
			continue
		}
		sum += v
	}
	if math.Abs(sum-1) > weightTolerance {
		errs = append(errs, fmt.Errorf("fusion: weights sum to %.6f, want 1.0", sum))
	}
	return errors.Join(errs...)
}

// Clone copies the weights.
func (w Weights) Clone() Weights {
	out := make(Weights, len(w))
	for d, v := range w {
		out[d] = v
	}
	return out
}

// WeightTable resolves weights per segment, falling back to the default table.
type WeightTable struct {
	Default  Weights
	Segments map[string]Weights
}

// NewWeightTable builds a validated table. A nil default uses DefaultWeights.
func NewWeightTable(def Weights, segments map[string]Weights) (*WeightTable, error) {
	if def == nil {
		def = DefaultWeights()
	}
	table := &WeightTable{Default: def.Clone(), Segments: make(map[string]Weights, len(segments))}
	for name, w := range segments {
		table.Segments[strings.ToLower(name)] = w.Clone()
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}

// Validate checks the default and every segment override.
func (t *WeightTable) Validate() error {
	var errs []error
	if err := t.Default.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("default: %w", err))
	}
	for name, w := range t.Segments {
		if err := w.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("segment %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Resolve returns the weights for segment.
func (t *WeightTable) Resolve(segment string) Weights {
	if t == nil {
		return DefaultWeights()
	}
	if w, ok := t.Segments[strings.ToLower(segment)]; ok && segment != "" {
		return w
	}
	return t.Default
}
