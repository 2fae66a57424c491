package forecast

import (
	"math"
	"time"
)

// Climatology forecasts the fitted annual cycle: intercept plus one
// sin/cos harmonic over day of year. Its uncertainty is the residual
// scatter around the cycle, which does not grow with horizon.
type Climatology struct {
	coef     []float64 // intercept, sin, cos
	residStd float64
}

func NewClimatology() *Climatology { return &Climatology{} }

func (c *Climatology) Type() string { return ModelClimatology }

func (c *Climatology) basis(t time.Time) []float64 {
	a := seasonalAngle(t)
	return []float64{1, math.Sin(a), math.Cos(a)}
}

func (c *Climatology) Fit(history []Sample) error {
	if len(history) < 4 {
		return &InsufficientHistoryError{Have: len(history), Need: 4}
	}

	coef, ok := fitLeastSquares(history, c.basis)
	if !ok {
		// Degenerate sampling: fall back to a flat mean.
		coef = []float64{meanOf(history), 0, 0}
	}
	c.coef = coef

	var ss float64
	for _, s := range history {
		r := s.Value - c.at(s.Time)
		ss += r * r
	}
	c.residStd = math.Sqrt(ss / float64(len(history)))
	return nil
}

func (c *Climatology) at(t time.Time) float64 {
	x := c.basis(t)
	var v float64
	for i, b := range x {
		v += c.coef[i] * b
	}
	return v
}

func (c *Climatology) Step(base time.Time, horizon time.Duration) (float64, float64) {
	return c.at(base.Add(horizon)), c.residStd
}
