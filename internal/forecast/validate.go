package forecast

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/bluesphere/oceantemp/internal/models"
	"github.com/bluesphere/oceantemp/internal/store"
	"github.com/bluesphere/oceantemp/internal/temporal"
)

// ValidatorConfig controls rolling-origin backtesting.
type ValidatorConfig struct {
	// MinHistory is the fit window required before an origin is usable.
	MinHistory int
	// WindowDays bounds how far back origins are drawn from.
	WindowDays int
	// OriginStride is the spacing, in daily samples, between successive
	// backtest origins.
	OriginStride int
	// Horizons are the verified lead times in hours; they double as the
	// persisted skill bucket bounds.
	Horizons []int
}

func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MinHistory:   30,
		WindowDays:   365,
		OriginStride: 7,
		Horizons:     []int{24, 72, 168, 336},
	}
}

// Validator backtests every registered model against what actually
// happened: fit on history up to each origin, predict at each horizon,
// compare with the daily aggregate that materialized. Results are
// persisted as a new model version and fed back into the registry so
// served forecasts report real skill.
type Validator struct {
	store    *store.Store
	registry *Registry
	cfg      ValidatorConfig
}

func NewValidator(st *store.Store, registry *Registry, cfg ValidatorConfig) *Validator {
	return &Validator{store: st, registry: registry, cfg: cfg}
}

// Run validates all registered model types as of the given date. Models
// are isolated: one type's failure does not stop the others. Types with
// no verifiable forecasts are skipped without a record.
func (v *Validator) Run(ctx context.Context, asOf time.Time) ([]models.ForecastModel, error) {
	asOf = temporal.DayStart(asOf)

	maxHorizonDays := 0
	for _, h := range v.cfg.Horizons {
		if d := (h + 23) / 24; d > maxHorizonDays {
			maxHorizonDays = d
		}
	}
	loadStart := asOf.AddDate(0, 0, -(v.cfg.WindowDays + v.cfg.MinHistory + maxHorizonDays))

	keys, err := v.store.AggregateKeysInRange(models.ResolutionDaily, loadStart, asOf)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}

	histories := make(map[string][]Sample, len(keys))
	actuals := make(map[string]map[time.Time]float64, len(keys))
	for _, key := range keys {
		means, err := v.store.GetDailyMeans(key, loadStart, asOf)
		if err != nil {
			return nil, fmt.Errorf("load history %s: %w", key, err)
		}
		if len(means) <= v.cfg.MinHistory {
			continue
		}
		samples := make([]Sample, len(means))
		byDay := make(map[time.Time]float64, len(means))
		for i, m := range means {
			samples[i] = Sample{Time: m.Date, Value: m.MeanC}
			byDay[m.Date] = m.MeanC
		}
		histories[key] = samples
		actuals[key] = byDay
	}

	var out []models.ForecastModel
	var firstErr error
	failed := 0
	for _, modelType := range v.registry.Types() {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		record, buckets, err := v.validateModel(ctx, modelType, keys, histories, actuals, asOf)
		if err != nil {
			failed++
			log.Printf("validate: %s: %v", modelType, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if record == nil {
			log.Printf("validate: %s: no verifiable forecasts in window, skipping", modelType)
			continue
		}

		if err := v.persist(record, buckets); err != nil {
			failed++
			log.Printf("validate: %s: %v", modelType, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		v.registry.SetRecord(*record, buckets)
		out = append(out, *record)
	}
	if firstErr != nil {
		return out, fmt.Errorf("validate: %d model types failed: %w", failed, firstErr)
	}
	return out, nil
}

type bucketAccumulator struct {
	sqErr  float64
	absErr float64
	n      int
}

func (v *Validator) validateModel(ctx context.Context, modelType string, keys []string, histories map[string][]Sample, actuals map[string]map[time.Time]float64, asOf time.Time) (*models.ForecastModel, []models.SkillBucket, error) {
	perBucket := make(map[int]*bucketAccumulator, len(v.cfg.Horizons))
	for _, h := range v.cfg.Horizons {
		perBucket[h] = &bucketAccumulator{}
	}
	var errs, observed []float64

	for _, key := range keys {
		samples, ok := histories[key]
		if !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		for i := v.cfg.MinHistory; i < len(samples); i += v.cfg.OriginStride {
			model, err := v.registry.New(modelType)
			if err != nil {
				return nil, nil, err
			}
			if err := model.Fit(samples[:i]); err != nil {
				continue
			}
			base := samples[i-1].Time

			for _, h := range v.cfg.Horizons {
				horizon := time.Duration(h) * time.Hour
				actual, ok := actuals[key][base.Add(horizon)]
				if !ok {
					continue
				}
				predicted, _ := model.Step(base, horizon)
				e := predicted - actual

				acc := perBucket[h]
				acc.sqErr += e * e
				acc.absErr += math.Abs(e)
				acc.n++
				errs = append(errs, e)
				observed = append(observed, actual)
			}
		}
	}

	if len(errs) == 0 {
		return nil, nil, nil
	}

	var sse, sae float64
	for _, e := range errs {
		sse += e * e
		sae += math.Abs(e)
	}
	n := float64(len(errs))
	record := &models.ForecastModel{
		Type:      modelType,
		Version:   asOf.Format("2006.01.02"),
		TrainedAt: time.Now().UTC(),
	}
	record.RMSE = nullFloat(math.Sqrt(sse / n))
	record.MAE = nullFloat(sae / n)

	// R^2 against the observed mean; meaningless when the observations
	// do not vary.
	var meanObs, sst float64
	for _, a := range observed {
		meanObs += a
	}
	meanObs /= n
	for _, a := range observed {
		sst += (a - meanObs) * (a - meanObs)
	}
	if sst > 0 {
		record.R2 = nullFloat(1 - sse/sst)
	}

	var buckets []models.SkillBucket
	for _, h := range v.cfg.Horizons {
		acc := perBucket[h]
		if acc.n == 0 {
			continue
		}
		buckets = append(buckets, models.SkillBucket{
			BucketHours: h,
			RMSE:        math.Sqrt(acc.sqErr / float64(acc.n)),
			MAE:         acc.absErr / float64(acc.n),
			Samples:     acc.n,
		})
	}
	return record, buckets, nil
}

func (v *Validator) persist(record *models.ForecastModel, buckets []models.SkillBucket) error {
	if err := v.store.UpsertForecastModel(record); err != nil {
		return fmt.Errorf("persist model: %w", err)
	}
	for i := range buckets {
		buckets[i].ModelID = record.ID
		if err := v.store.UpsertSkillBucket(buckets[i]); err != nil {
			return fmt.Errorf("persist skill bucket %dh: %w", buckets[i].BucketHours, err)
		}
	}
	return nil
}

func nullFloat(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: true}
}
