package forecast

import (
	"math"
	"time"
)

// maxAR1Coefficient keeps the fitted residual process strictly
// stationary; a coefficient at 1 would never widen the forecast
// variance.
const maxAR1Coefficient = 0.99

// SeasonalTrend forecasts an annual harmonic plus a linear warming (or
// cooling) trend, with an AR(1) model over the residuals. The last
// observed residual decays into the forecast at the fitted persistence,
// and the forecast variance grows from near zero toward the stationary
// residual variance, which makes the uncertainty widen with horizon by
// construction.
type SeasonalTrend struct {
	coef     []float64 // intercept, sin, cos, slope per day
	origin   time.Time
	phi      float64
	residStd float64

	lastResidual float64
	lastTime     time.Time
}

func NewSeasonalTrend() *SeasonalTrend { return &SeasonalTrend{} }

func (m *SeasonalTrend) Type() string { return ModelSeasonalTrend }

func (m *SeasonalTrend) basis(t time.Time) []float64 {
	a := seasonalAngle(t)
	days := t.Sub(m.origin).Hours() / 24
	return []float64{1, math.Sin(a), math.Cos(a), days}
}

func (m *SeasonalTrend) Fit(history []Sample) error {
	if len(history) < 10 {
		return &InsufficientHistoryError{Have: len(history), Need: 10}
	}
	m.origin = history[0].Time

	coef, ok := fitLeastSquares(history, m.basis)
	if !ok {
		coef = []float64{meanOf(history), 0, 0, 0}
	}
	m.coef = coef

	residuals := make([]float64, len(history))
	var ss float64
	for i, s := range history {
		residuals[i] = s.Value - m.deterministic(s.Time)
		ss += residuals[i] * residuals[i]
	}
	m.residStd = math.Sqrt(ss / float64(len(residuals)))

	// Lag-1 autocorrelation over consecutive-day pairs only; gapped
	// pairs would understate the persistence.
	var num, den float64
	for i := 1; i < len(history); i++ {
		gap := history[i].Time.Sub(history[i-1].Time)
		if gap != 24*time.Hour {
			continue
		}
		num += residuals[i] * residuals[i-1]
		den += residuals[i-1] * residuals[i-1]
	}
	if den > 0 {
		m.phi = num / den
	}
	if m.phi < 0 {
		m.phi = 0
	}
	if m.phi > maxAR1Coefficient {
		m.phi = maxAR1Coefficient
	}

	m.lastResidual = residuals[len(residuals)-1]
	m.lastTime = last(history).Time
	return nil
}

func (m *SeasonalTrend) deterministic(t time.Time) float64 {
	x := m.basis(t)
	var v float64
	for i, b := range x {
		v += m.coef[i] * b
	}
	return v
}

func (m *SeasonalTrend) Step(base time.Time, horizon time.Duration) (float64, float64) {
	target := base.Add(horizon)
	days := target.Sub(m.lastTime).Hours() / 24
	if days < 0 {
		days = 0
	}

	decay := math.Pow(m.phi, days)
	value := m.deterministic(target) + decay*m.lastResidual
	variance := m.residStd * m.residStd * (1 - decay*decay)
	return value, math.Sqrt(variance)
}
