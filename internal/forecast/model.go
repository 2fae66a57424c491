// Package forecast implements sea-surface-temperature prediction over
// the daily aggregate series: a pluggable model abstraction, a set of
// statistical models, an ensemble combiner, and rolling-origin
// validation that feeds per-horizon skill back into served forecasts.
package forecast

import (
	"fmt"
	"time"
)

// Model type names, as stored in the registry and requested over the
// API.
const (
	ModelPersistence   = "persistence"
	ModelClimatology   = "climatology"
	ModelSeasonalTrend = "seasonal_trend"
	ModelEnsemble      = "ensemble"
)

// Sample is one point of model input history, in time order.
type Sample struct {
	Time  time.Time
	Value float64
}

// Model fits an ordered history and predicts one step at a time. Step
// horizons are measured from the fit's last sample; implementations
// return a point value plus a one-sigma uncertainty and must not widen
// their own std non-monotonically (the engine additionally clamps).
type Model interface {
	Type() string
	Fit(history []Sample) error
	Step(base time.Time, horizon time.Duration) (value, std float64)
}

// InsufficientHistoryError reports a fit or forecast attempt below the
// minimum history window. Returned typed so callers can distinguish it
// from internal failures.
type InsufficientHistoryError struct {
	Key  string
	Have int
	Need int
}

func (e *InsufficientHistoryError) Error() string {
	return fmt.Sprintf("forecast: %s has %d daily periods of history, need %d", e.Key, e.Have, e.Need)
}

// UnknownModelError reports a requested model type the registry does
// not carry.
type UnknownModelError struct {
	Type string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("forecast: unknown model type %q", e.Type)
}

// last returns the final sample of a fitted history.
func last(history []Sample) Sample {
	return history[len(history)-1]
}

// meanOf is the arithmetic mean of the sample values.
func meanOf(history []Sample) float64 {
	var sum float64
	for _, s := range history {
		sum += s.Value
	}
	return sum / float64(len(history))
}
