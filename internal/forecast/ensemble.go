package forecast

import (
	"fmt"
	"math"
	"time"
)

// defaultCorrelation recovers part of the covariance mass the
// independence assumption discards: member models see the same ocean,
// so their errors are far from independent.
const defaultCorrelation = 0.5

// Ensemble combines member models as a normalized weighted average of
// their point forecasts. Combined variance is the independence term
// sum(w_i^2 * s_i^2) plus a configured pairwise-correlation penalty
// rho * sum_{i!=j}(w_i * w_j * s_i * s_j).
type Ensemble struct {
	members     []Model
	weights     []float64
	correlation float64
}

// NewEnsemble builds an ensemble over members. A nil or mismatched
// weights slice means equal weighting; weights are normalized to sum
// to one.
func NewEnsemble(members []Model, weights []float64, correlation float64) *Ensemble {
	if len(weights) != len(members) {
		weights = make([]float64, len(members))
		for i := range weights {
			weights[i] = 1
		}
	}
	var sum float64
	for _, w := range weights {
		sum += w
	}
	normalized := make([]float64, len(weights))
	for i, w := range weights {
		normalized[i] = w / sum
	}
	return &Ensemble{members: members, weights: normalized, correlation: correlation}
}

func (e *Ensemble) Type() string { return ModelEnsemble }

func (e *Ensemble) Fit(history []Sample) error {
	for _, m := range e.members {
		if err := m.Fit(history); err != nil {
			return fmt.Errorf("ensemble member %s: %w", m.Type(), err)
		}
	}
	return nil
}

func (e *Ensemble) Step(base time.Time, horizon time.Duration) (float64, float64) {
	var value, variance float64
	stds := make([]float64, len(e.members))
	for i, m := range e.members {
		v, s := m.Step(base, horizon)
		value += e.weights[i] * v
		variance += e.weights[i] * e.weights[i] * s * s
		stds[i] = s
	}
	if e.correlation > 0 {
		var cross float64
		for i := range stds {
			for j := range stds {
				if i != j {
					cross += e.weights[i] * e.weights[j] * stds[i] * stds[j]
				}
			}
		}
		variance += e.correlation * cross
	}
	return value, math.Sqrt(variance)
}
