package forecast

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/bluesphere/oceantemp/internal/models"
	"github.com/bluesphere/oceantemp/internal/store"
	"github.com/bluesphere/oceantemp/internal/temporal"
)

// EngineConfig bounds forecast generation.
type EngineConfig struct {
	// MinHistory is the number of daily periods required before any
	// model is fitted.
	MinHistory int
	// MaxHorizonHours caps a single request.
	MaxHorizonHours int
	// HistoryDays is the lookback window loaded for fitting.
	HistoryDays int
	// ReliabilityTau is the e-folding horizon of reported reliability.
	ReliabilityTau time.Duration
	// AlertPercentile sets the climatological threshold used to count
	// anomaly alerts in the forecast summary.
	AlertPercentile float64
	BaselinePeriod  models.BaselinePeriod
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MinHistory:      30,
		MaxHorizonHours: 336,
		HistoryDays:     1095,
		ReliabilityTau:  168 * time.Hour,
		AlertPercentile: 0.90,
		BaselinePeriod:  models.BaselinePeriod{StartYear: 1991, EndYear: 2020},
	}
}

// Engine serves forecasts over the daily aggregate series. It is
// stateless per request: history is loaded, a model is fitted, steps
// are generated, nothing is cached here.
type Engine struct {
	store    *store.Store
	registry *Registry
	cfg      EngineConfig
}

func NewEngine(st *store.Store, registry *Registry, cfg EngineConfig) *Engine {
	return &Engine{store: st, registry: registry, cfg: cfg}
}

// MaxHorizonHours reports the per-request horizon cap, so callers can
// reject oversized requests before any history is loaded.
func (e *Engine) MaxHorizonHours() int { return e.cfg.MaxHorizonHours }

// Request is one forecast invocation. A zero BaseTime means "now"; an
// empty ModelType selects the ensemble.
type Request struct {
	Key          string
	BaseTime     time.Time
	HorizonHours int
	ModelType    string
}

// Summary condenses a prediction list for the response envelope.
type Summary struct {
	TempRangeC       [2]float64 `json:"temp_range_c"`
	MeanUncertaintyC float64    `json:"mean_uncertainty_c"`
	AnomalyAlerts    int        `json:"anomaly_alerts"`
}

// Result is a complete forecast: the steps, their condensed summary,
// and the identity of the model that produced them. Record is nil when
// the model type has never been validated.
type Result struct {
	ModelType   string
	ModelID     string
	Record      *models.ForecastModel
	Predictions []models.Prediction
	Summary     Summary
}

// Predict generates one prediction per hour up to the requested
// horizon. The reported std is clamped monotone non-decreasing across
// the horizon. The context is checked every step so a disconnected
// client abandons the computation promptly.
func (e *Engine) Predict(ctx context.Context, req Request) (*Result, error) {
	if req.HorizonHours < 1 || req.HorizonHours > e.cfg.MaxHorizonHours {
		return nil, fmt.Errorf("forecast: horizon %d outside 1..%d hours", req.HorizonHours, e.cfg.MaxHorizonHours)
	}
	modelType := req.ModelType
	if modelType == "" {
		modelType = ModelEnsemble
	}
	model, err := e.registry.New(modelType)
	if err != nil {
		return nil, err
	}

	base := req.BaseTime
	if base.IsZero() {
		base = time.Now()
	}
	base = base.UTC().Truncate(time.Hour)

	historyStart := base.AddDate(0, 0, -e.cfg.HistoryDays)
	means, err := e.store.GetDailyMeans(req.Key, historyStart, base)
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", req.Key, err)
	}
	if len(means) < e.cfg.MinHistory {
		return nil, &InsufficientHistoryError{Key: req.Key, Have: len(means), Need: e.cfg.MinHistory}
	}
	history := make([]Sample, len(means))
	for i, m := range means {
		history[i] = Sample{Time: m.Date, Value: m.MeanC}
	}

	if err := model.Fit(history); err != nil {
		return nil, fmt.Errorf("fit %s for %s: %w", modelType, req.Key, err)
	}

	modelID := modelType + ":dev"
	var record *models.ForecastModel
	var skill []models.SkillBucket
	if rec, buckets, ok := e.registry.Record(modelType); ok {
		record = &rec
		skill = buckets
		modelID = fmt.Sprintf("%s:%s", modelType, rec.Version)
	}

	baselines, err := e.store.GetBaselines(req.Key, e.cfg.BaselinePeriod, models.GranularityDayOfYear)
	if err != nil {
		return nil, fmt.Errorf("load baselines %s: %w", req.Key, err)
	}
	alertZ := temporal.ZScore(e.cfg.AlertPercentile)

	result := &Result{ModelType: modelType, ModelID: modelID, Record: record}
	var prevStd, sumStd float64
	for h := 1; h <= req.HorizonHours; h++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		horizon := time.Duration(h) * time.Hour
		value, std := model.Step(base, horizon)
		if std < prevStd {
			std = prevStd
		}
		prevStd = std

		target := base.Add(horizon)
		result.Predictions = append(result.Predictions, models.Prediction{
			Key:          req.Key,
			BaseTime:     base,
			TargetTime:   target,
			HorizonHours: h,
			ValueC:       value,
			Uncertainty:  models.Uncertainty{Std: std, CI68: std, CI95: 1.96 * std},
			Skill: models.Skill{
				ExpectedError: expectedError(skill, h, std),
				Reliability:   reliability(h, e.cfg.ReliabilityTau),
			},
			ModelID: modelID,
		})

		if h == 1 || value < result.Summary.TempRangeC[0] {
			result.Summary.TempRangeC[0] = value
		}
		if h == 1 || value > result.Summary.TempRangeC[1] {
			result.Summary.TempRangeC[1] = value
		}
		sumStd += std
		if bl, ok := baselines[temporal.RingPosition(target)]; ok &&
			!bl.Insufficient && bl.StdC > 0 && value >= bl.MeanC+alertZ*bl.StdC {
			result.Summary.AnomalyAlerts++
		}
	}
	result.Summary.MeanUncertaintyC = sumStd / float64(req.HorizonHours)

	return result, nil
}

// reliability decays exponentially in horizon, bounded in (0, 1].
func reliability(horizonHours int, tau time.Duration) float64 {
	return math.Exp(-float64(horizonHours) / tau.Hours())
}

// expectedError picks the validation RMSE of the smallest horizon
// bucket covering the step, or the last bucket for steps beyond it.
// With no validation record the model's own std stands in, so the
// field is always populated.
func expectedError(skill []models.SkillBucket, horizonHours int, fallback float64) float64 {
	if len(skill) == 0 {
		return fallback
	}
	for _, b := range skill {
		if horizonHours <= b.BucketHours {
			return b.RMSE
		}
	}
	return skill[len(skill)-1].RMSE
}
