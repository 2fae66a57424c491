package forecast

import (
	"math"
	"time"
)

// Persistence forecasts the last observed value at every horizon. Its
// uncertainty grows like a random walk: the typical day-over-day change
// scaled by the square root of the horizon in days. Gapped histories
// are handled by normalizing each change to daily scale before pooling.
type Persistence struct {
	lastValue float64
	lastTime  time.Time
	dailyStd  float64
}

func NewPersistence() *Persistence { return &Persistence{} }

func (p *Persistence) Type() string { return ModelPersistence }

func (p *Persistence) Fit(history []Sample) error {
	if len(history) < 2 {
		return &InsufficientHistoryError{Have: len(history), Need: 2}
	}
	end := last(history)
	p.lastValue = end.Value
	p.lastTime = end.Time

	// Var(change over k days) = k * dailyVar for a random walk, so each
	// squared change is divided by its gap before averaging.
	var ss float64
	var n int
	for i := 1; i < len(history); i++ {
		gapDays := history[i].Time.Sub(history[i-1].Time).Hours() / 24
		if gapDays <= 0 {
			continue
		}
		d := history[i].Value - history[i-1].Value
		ss += d * d / gapDays
		n++
	}
	if n > 0 {
		p.dailyStd = math.Sqrt(ss / float64(n))
	}
	return nil
}

func (p *Persistence) Step(base time.Time, horizon time.Duration) (float64, float64) {
	days := base.Add(horizon).Sub(p.lastTime).Hours() / 24
	if days < 0 {
		days = 0
	}
	return p.lastValue, p.dailyStd * math.Sqrt(days)
}
