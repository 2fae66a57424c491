// Package temporal implements the derived-data pipeline: calendar
// roll-ups of raw observations, climatological baselines, anomaly
// series and marine-heatwave detection. Everything here is
// deterministic and idempotent; reprocessing a window converges on the
// same rows.
package temporal

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/bluesphere/oceantemp/internal/models"
	"github.com/bluesphere/oceantemp/internal/store"
)

// AggregateConfig controls roll-up behavior.
type AggregateConfig struct {
	// CompletenessFloor marks aggregates computed from thinner coverage
	// as low confidence. Rows are never dropped for low coverage.
	CompletenessFloor float64
	// GapTolerance bounds linear interpolation across missing cadence
	// slots in the daily roll-up. Gaps longer than this stay missing.
	GapTolerance time.Duration
	// DefaultCadence is assumed for keys registered without one.
	DefaultCadence time.Duration
}

func DefaultAggregateConfig() AggregateConfig {
	return AggregateConfig{
		CompletenessFloor: 0.5,
		GapTolerance:      6 * time.Hour,
		DefaultCadence:    time.Hour,
	}
}

// Aggregator computes daily roll-ups from raw observations and monthly
// and yearly roll-ups from the tier below. Coarser tiers never re-scan
// raw data.
type Aggregator struct {
	store *store.Store
	cfg   AggregateConfig
}

func NewAggregator(st *store.Store, cfg AggregateConfig) *Aggregator {
	return &Aggregator{store: st, cfg: cfg}
}

// RunStats summarizes a batch run over many keys. Skipped counts keys
// that had no input to work from (for example no baselines yet).
type RunStats struct {
	Keys    int
	Failed  int
	Skipped int
}

func (s RunStats) String() string {
	return fmt.Sprintf("keys=%d failed=%d skipped=%d", s.Keys, s.Failed, s.Skipped)
}

func (a *Aggregator) cadence(k *models.Key) time.Duration {
	if k != nil && k.CadenceMinutes > 0 {
		return time.Duration(k.CadenceMinutes) * time.Minute
	}
	return a.cfg.DefaultCadence
}

// ComputeDaily rolls one key's clean observations for one UTC day onto
// the key's cadence grid, interpolates tolerable gaps, and returns the
// aggregate. Returns nil when the day has no usable samples.
func (a *Aggregator) ComputeDaily(ctx context.Context, key *models.Key, day time.Time) (*models.Aggregate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dayStart := DayStart(day)
	dayEnd := dayStart.AddDate(0, 0, 1)

	obs, err := a.store.GetCleanObservations(key.Key, dayStart, dayEnd)
	if err != nil {
		return nil, fmt.Errorf("load observations %s: %w", key.Key, err)
	}

	step := a.cadence(key)
	expected := int(dayEnd.Sub(dayStart) / step)
	if expected < 1 {
		expected = 1
	}

	values, filled := gridSamples(obs, dayStart, step, expected)
	interpolateGaps(values, filled, step, a.cfg.GapTolerance)

	var (
		sum      float64
		minV     float64
		maxV     float64
		nSamples int
	)
	for i, ok := range filled {
		if !ok {
			continue
		}
		v := values[i]
		if nSamples == 0 || v < minV {
			minV = v
		}
		if nSamples == 0 || v > maxV {
			maxV = v
		}
		sum += v
		nSamples++
	}
	if nSamples == 0 {
		return nil, nil
	}

	completeness := float64(nSamples) / float64(expected)
	return &models.Aggregate{
		Key:           key.Key,
		Resolution:    models.ResolutionDaily,
		PeriodStart:   dayStart,
		PeriodEnd:     dayEnd,
		MeanC:         sum / float64(nSamples),
		MinC:          minV,
		MaxC:          maxV,
		SampleCount:   nSamples,
		Completeness:  completeness,
		LowConfidence: completeness < a.cfg.CompletenessFloor,
		ComputedAt:    time.Now().UTC(),
	}, nil
}

// gridSamples buckets observations onto the cadence grid. Multiple
// readings in one slot (several sources, or a faster sensor) average.
func gridSamples(obs []models.Observation, start time.Time, step time.Duration, n int) ([]float64, []bool) {
	values := make([]float64, n)
	counts := make([]int, n)
	for _, o := range obs {
		if !o.SSTC.Valid {
			continue
		}
		idx := int(o.ObservedAt.Sub(start) / step)
		if idx < 0 || idx >= n {
			continue
		}
		values[idx] += o.SSTC.Float64
		counts[idx]++
	}
	filled := make([]bool, n)
	for i, c := range counts {
		if c > 0 {
			values[i] /= float64(c)
			filled[i] = true
		}
	}
	return values, filled
}

// interpolateGaps fills runs of missing slots bounded by observed slots
// on both sides, linearly, when the run is within tolerance. Leading and
// trailing gaps have no bracket and stay missing.
func interpolateGaps(values []float64, filled []bool, step, tolerance time.Duration) {
	maxRun := int(tolerance / step)
	if maxRun < 1 {
		return
	}

	prev := -1
	for i := 0; i < len(filled); i++ {
		if !filled[i] {
			continue
		}
		if prev >= 0 {
			run := i - prev - 1
			if run > 0 && run <= maxRun {
				span := float64(i - prev)
				for j := prev + 1; j < i; j++ {
					frac := float64(j-prev) / span
					values[j] = values[prev] + frac*(values[i]-values[prev])
					filled[j] = true
				}
			}
		}
		prev = i
	}
}

// RunDaily recomputes daily aggregates for every key that has raw data
// on the given UTC day. Keys fail independently; the returned error
// joins per-key failures after all keys have been attempted.
func (a *Aggregator) RunDaily(ctx context.Context, day time.Time) (RunStats, error) {
	dayStart := DayStart(day)
	dayEnd := dayStart.AddDate(0, 0, 1)

	keys, err := a.store.ObservationKeysInRange(dayStart, dayEnd)
	if err != nil {
		return RunStats{}, fmt.Errorf("list keys: %w", err)
	}

	var stats RunStats
	var firstErr error
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Keys++
		if err := a.Reaggregate(ctx, key, models.ResolutionDaily, dayStart); err != nil {
			stats.Failed++
			log.Printf("aggregate: daily %s %s: %v", key, dayStart.Format("2006-01-02"), err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return stats, fmt.Errorf("daily aggregation: %d/%d keys failed: %w", stats.Failed, stats.Keys, firstErr)
	}
	return stats, nil
}

// Reaggregate recomputes one key's aggregate for the period containing
// the anchor time at the given resolution and persists it, replacing
// whatever the period held. A period with no usable input ends up with
// no row.
func (a *Aggregator) Reaggregate(ctx context.Context, key, resolution string, anchor time.Time) error {
	k, err := a.store.GetKey(key)
	if err != nil {
		return err
	}
	if k == nil {
		return fmt.Errorf("key %s not registered", key)
	}

	var (
		start, end time.Time
		agg        *models.Aggregate
	)
	switch resolution {
	case models.ResolutionDaily:
		start = DayStart(anchor)
		end = start.AddDate(0, 0, 1)
		agg, err = a.ComputeDaily(ctx, k, start)
	case models.ResolutionMonthly:
		start = MonthStart(anchor)
		end = start.AddDate(0, 1, 0)
		agg, err = a.ComputeMonthly(ctx, k, start)
	case models.ResolutionYearly:
		start = YearStart(anchor)
		end = start.AddDate(1, 0, 0)
		agg, err = a.ComputeYearly(ctx, k, start)
	default:
		return fmt.Errorf("unknown resolution %q", resolution)
	}
	if err != nil {
		return err
	}

	var rows []models.Aggregate
	if agg != nil {
		rows = append(rows, *agg)
	}
	return a.store.ReplaceAggregates(key, resolution, start, end, rows)
}

// ComputeMonthly rolls the daily aggregates of one calendar month up,
// weighting by sample count so partial days do not skew the mean.
func (a *Aggregator) ComputeMonthly(ctx context.Context, key *models.Key, month time.Time) (*models.Aggregate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	monthStart := MonthStart(month)
	monthEnd := monthStart.AddDate(0, 1, 0)

	dailies, err := a.store.GetAggregates(key.Key, models.ResolutionDaily, monthStart, monthEnd)
	if err != nil {
		return nil, fmt.Errorf("load dailies %s: %w", key.Key, err)
	}
	if len(dailies) == 0 {
		return nil, nil
	}

	perDay := int(24 * time.Hour / a.cadence(key))
	days := int(monthEnd.Sub(monthStart).Hours() / 24)
	return a.rollUp(key.Key, models.ResolutionMonthly, monthStart, monthEnd, dailies, days*perDay), nil
}

// ComputeYearly rolls the monthly aggregates of one calendar year up.
func (a *Aggregator) ComputeYearly(ctx context.Context, key *models.Key, year time.Time) (*models.Aggregate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	yearStart := YearStart(year)
	yearEnd := yearStart.AddDate(1, 0, 0)

	monthlies, err := a.store.GetAggregates(key.Key, models.ResolutionMonthly, yearStart, yearEnd)
	if err != nil {
		return nil, fmt.Errorf("load monthlies %s: %w", key.Key, err)
	}
	if len(monthlies) == 0 {
		return nil, nil
	}

	perDay := int(24 * time.Hour / a.cadence(key))
	days := int(yearEnd.Sub(yearStart).Hours() / 24)
	return a.rollUp(key.Key, models.ResolutionYearly, yearStart, yearEnd, monthlies, days*perDay), nil
}

func (a *Aggregator) rollUp(key, resolution string, start, end time.Time, parts []models.Aggregate, expected int) *models.Aggregate {
	var (
		weightedSum float64
		samples     int
		minV        = parts[0].MinC
		maxV        = parts[0].MaxC
	)
	for _, p := range parts {
		weightedSum += p.MeanC * float64(p.SampleCount)
		samples += p.SampleCount
		if p.MinC < minV {
			minV = p.MinC
		}
		if p.MaxC > maxV {
			maxV = p.MaxC
		}
	}
	if samples == 0 {
		return nil
	}

	completeness := float64(samples) / float64(expected)
	return &models.Aggregate{
		Key:           key,
		Resolution:    resolution,
		PeriodStart:   start,
		PeriodEnd:     end,
		MeanC:         weightedSum / float64(samples),
		MinC:          minV,
		MaxC:          maxV,
		SampleCount:   samples,
		Completeness:  completeness,
		LowConfidence: completeness < a.cfg.CompletenessFloor,
		ComputedAt:    time.Now().UTC(),
	}
}

// RunMonthly recomputes monthly aggregates for every key with daily
// rows in the month.
func (a *Aggregator) RunMonthly(ctx context.Context, month time.Time) (RunStats, error) {
	monthStart := MonthStart(month)
	monthEnd := monthStart.AddDate(0, 1, 0)
	return a.runRollUp(ctx, models.ResolutionDaily, models.ResolutionMonthly, monthStart, monthEnd,
		func(ctx context.Context, k *models.Key) (*models.Aggregate, error) {
			return a.ComputeMonthly(ctx, k, monthStart)
		})
}

// RunYearly recomputes yearly aggregates for every key with monthly
// rows in the year.
func (a *Aggregator) RunYearly(ctx context.Context, year time.Time) (RunStats, error) {
	yearStart := YearStart(year)
	yearEnd := yearStart.AddDate(1, 0, 0)
	return a.runRollUp(ctx, models.ResolutionMonthly, models.ResolutionYearly, yearStart, yearEnd,
		func(ctx context.Context, k *models.Key) (*models.Aggregate, error) {
			return a.ComputeYearly(ctx, k, yearStart)
		})
}

func (a *Aggregator) runRollUp(ctx context.Context, sourceRes, targetRes string, start, end time.Time, compute func(context.Context, *models.Key) (*models.Aggregate, error)) (RunStats, error) {
	keys, err := a.store.AggregateKeysInRange(sourceRes, start, end)
	if err != nil {
		return RunStats{}, fmt.Errorf("list keys: %w", err)
	}

	var stats RunStats
	var firstErr error
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Keys++

		k, err := a.store.GetKey(key)
		if err == nil && k == nil {
			err = fmt.Errorf("key %s not registered", key)
		}
		var agg *models.Aggregate
		if err == nil {
			agg, err = compute(ctx, k)
		}
		if err == nil {
			var rows []models.Aggregate
			if agg != nil {
				rows = append(rows, *agg)
			}
			err = a.store.ReplaceAggregates(key, targetRes, start, end, rows)
		}
		if err != nil {
			stats.Failed++
			log.Printf("aggregate: %s %s %s: %v", targetRes, key, start.Format("2006-01"), err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return stats, fmt.Errorf("%s aggregation: %d/%d keys failed: %w", targetRes, stats.Failed, stats.Keys, firstErr)
	}
	return stats, nil
}

// DayStart truncates to UTC midnight.
func DayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// MonthStart truncates to the first of the UTC month.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// YearStart truncates to January 1 of the UTC year.
func YearStart(t time.Time) time.Time {
	return time.Date(t.UTC().Year(), 1, 1, 0, 0, 0, 0, time.UTC)
}
