package temporal

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/bluesphere/oceantemp/internal/models"
	"github.com/bluesphere/oceantemp/internal/store"
)

// ringSize is the number of day-of-year positions. Dates are mapped
// through a leap reference year so Feb 29 owns position 60 and Mar 1
// always lands on 61, keeping the ring aligned across leap and common
// years.
const ringSize = 366

// RingPosition returns the leap-aligned day-of-year position (1..366)
// for a date.
func RingPosition(t time.Time) int {
	return time.Date(2000, t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).YearDay()
}

// BaselineConfig controls climatology computation.
type BaselineConfig struct {
	Period      models.BaselinePeriod
	Granularity string
	// SmoothingDays is the half-width of the circular window pooled
	// around each day-of-year position. Ignored for month granularity.
	SmoothingDays int
	// MinYearsFraction of the period's years must contribute to a
	// position, else the row is flagged insufficient.
	MinYearsFraction float64
}

func DefaultBaselineConfig() BaselineConfig {
	return BaselineConfig{
		Period:           models.BaselinePeriod{StartYear: 1991, EndYear: 2020},
		Granularity:      models.GranularityDayOfYear,
		SmoothingDays:    5,
		MinYearsFraction: 0.7,
	}
}

// BaselineBuilder computes per-key climatological normals from daily
// aggregates.
type BaselineBuilder struct {
	store *store.Store
	cfg   BaselineConfig
}

func NewBaselineBuilder(st *store.Store, cfg BaselineConfig) *BaselineBuilder {
	return &BaselineBuilder{store: st, cfg: cfg}
}

// MinYears is the distinct-year gate below which a position is flagged
// insufficient.
func (b *BaselineBuilder) MinYears() int {
	return int(math.Ceil(b.cfg.MinYearsFraction * float64(b.cfg.Period.Years())))
}

// Period returns the reference period the builder computes against.
func (b *BaselineBuilder) Period() models.BaselinePeriod {
	return b.cfg.Period
}

// ComputeKey builds the baseline rows for one key across the reference
// period. Positions with no samples at all produce no row; positions
// below the year gate are flagged, not dropped.
func (b *BaselineBuilder) ComputeKey(ctx context.Context, key string) ([]models.Baseline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Date(b.cfg.Period.StartYear, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(b.cfg.Period.EndYear+1, 1, 1, 0, 0, 0, 0, time.UTC)

	means, err := b.store.GetDailyMeans(key, start, end)
	if err != nil {
		return nil, fmt.Errorf("load daily means %s: %w", key, err)
	}
	if len(means) == 0 {
		return nil, nil
	}

	switch b.cfg.Granularity {
	case models.GranularityDayOfYear:
		return b.dayOfYearBaselines(key, means), nil
	case models.GranularityMonth:
		return b.monthBaselines(key, means), nil
	default:
		return nil, fmt.Errorf("unknown baseline granularity %q", b.cfg.Granularity)
	}
}

func (b *BaselineBuilder) dayOfYearBaselines(key string, means []store.DailyMean) []models.Baseline {
	values := make([][]float64, ringSize+1)
	years := make([][]int, ringSize+1)
	for _, m := range means {
		pos := RingPosition(m.Date)
		values[pos] = append(values[pos], m.MeanC)
		years[pos] = append(years[pos], m.Date.UTC().Year())
	}

	minYears := b.MinYears()
	var out []models.Baseline
	for pos := 1; pos <= ringSize; pos++ {
		var window []float64
		yearSet := make(map[int]struct{})
		for off := -b.cfg.SmoothingDays; off <= b.cfg.SmoothingDays; off++ {
			wp := ((pos+off-1)%ringSize+ringSize)%ringSize + 1
			window = append(window, values[wp]...)
			for _, y := range years[wp] {
				yearSet[y] = struct{}{}
			}
		}
		if len(window) == 0 {
			continue
		}

		mean, std := meanStd(window)
		out = append(out, models.Baseline{
			Key:          key,
			Period:       b.cfg.Period,
			Granularity:  models.GranularityDayOfYear,
			Position:     pos,
			MeanC:        mean,
			StdC:         std,
			SampleYears:  len(yearSet),
			Insufficient: len(yearSet) < minYears,
		})
	}
	return out
}

func (b *BaselineBuilder) monthBaselines(key string, means []store.DailyMean) []models.Baseline {
	values := make([][]float64, 13)
	years := make([]map[int]struct{}, 13)
	for i := range years {
		years[i] = make(map[int]struct{})
	}
	for _, m := range means {
		mo := int(m.Date.UTC().Month())
		values[mo] = append(values[mo], m.MeanC)
		years[mo][m.Date.UTC().Year()] = struct{}{}
	}

	minYears := b.MinYears()
	var out []models.Baseline
	for mo := 1; mo <= 12; mo++ {
		if len(values[mo]) == 0 {
			continue
		}
		mean, std := meanStd(values[mo])
		out = append(out, models.Baseline{
			Key:          key,
			Period:       b.cfg.Period,
			Granularity:  models.GranularityMonth,
			Position:     mo,
			MeanC:        mean,
			StdC:         std,
			SampleYears:  len(years[mo]),
			Insufficient: len(years[mo]) < minYears,
		})
	}
	return out
}

func meanStd(xs []float64) (mean, std float64) {
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(len(xs)))
}

// Run recomputes baselines for every key with daily aggregates inside
// the reference period.
func (b *BaselineBuilder) Run(ctx context.Context) (RunStats, error) {
	start := time.Date(b.cfg.Period.StartYear, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(b.cfg.Period.EndYear+1, 1, 1, 0, 0, 0, 0, time.UTC)

	keys, err := b.store.AggregateKeysInRange(models.ResolutionDaily, start, end)
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

		rows, err := b.ComputeKey(ctx, key)
		if err == nil {
			err = b.store.ReplaceBaselines(key, b.cfg.Period, b.cfg.Granularity, rows)
		}
		if err != nil {
			stats.Failed++
			log.Printf("baseline: %s %s: %v", key, b.cfg.Period.Label(), err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return stats, fmt.Errorf("baselines: %d/%d keys failed: %w", stats.Failed, stats.Keys, firstErr)
	}
	return stats, nil
}
