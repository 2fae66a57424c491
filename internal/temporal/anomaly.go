package temporal

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/bluesphere/oceantemp/internal/models"
	"github.com/bluesphere/oceantemp/internal/store"
)

// AnomalyConfig names the baseline an anomaly series is computed
// against.
type AnomalyConfig struct {
	Period      models.BaselinePeriod
	Granularity string
}

func DefaultAnomalyConfig() AnomalyConfig {
	return AnomalyConfig{
		Period:      models.BaselinePeriod{StartYear: 1991, EndYear: 2020},
		Granularity: models.GranularityDayOfYear,
	}
}

// AnomalyCalculator derives observed-minus-baseline series from daily
// aggregates. It fails closed: a key without baselines produces no
// anomaly rows rather than rows against a fabricated normal.
type AnomalyCalculator struct {
	store *store.Store
	cfg   AnomalyConfig
}

func NewAnomalyCalculator(st *store.Store, cfg AnomalyConfig) *AnomalyCalculator {
	return &AnomalyCalculator{store: st, cfg: cfg}
}

func (c *AnomalyCalculator) position(date time.Time) int {
	if c.cfg.Granularity == models.GranularityMonth {
		return int(date.UTC().Month())
	}
	return RingPosition(date)
}

// ComputeKey returns the anomaly rows for one key over [start, end).
// Days whose calendar position has no baseline, or an insufficient one,
// are skipped. Days with a zero-variance baseline still produce a row,
// with a null standardized anomaly. A nil (as opposed to empty) result
// means the key has no baselines at all.
func (c *AnomalyCalculator) ComputeKey(ctx context.Context, key string, start, end time.Time) ([]models.Anomaly, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	baselines, err := c.store.GetBaselines(key, c.cfg.Period, c.cfg.Granularity)
	if err != nil {
		return nil, fmt.Errorf("load baselines %s: %w", key, err)
	}
	if len(baselines) == 0 {
		return nil, nil
	}

	means, err := c.store.GetDailyMeans(key, start, end)
	if err != nil {
		return nil, fmt.Errorf("load daily means %s: %w", key, err)
	}

	out := []models.Anomaly{}
	for _, m := range means {
		bl, ok := baselines[c.position(m.Date)]
		if !ok || bl.Insufficient {
			continue
		}

		row := models.Anomaly{
			Key:            key,
			Date:           DayStart(m.Date),
			BaselinePeriod: c.cfg.Period.Label(),
			ObservedC:      m.MeanC,
			BaselineMeanC:  bl.MeanC,
			BaselineStdC:   bl.StdC,
			AnomalyC:       m.MeanC - bl.MeanC,
		}
		if bl.StdC > 0 {
			row.StdAnomaly = sql.NullFloat64{Float64: row.AnomalyC / bl.StdC, Valid: true}
		}
		out = append(out, row)
	}
	return out, nil
}

// Run recomputes anomalies for every key with daily aggregates in the
// window. Keys without baselines are skipped, leaving any previous rows
// untouched.
func (c *AnomalyCalculator) Run(ctx context.Context, start, end time.Time) (RunStats, error) {
	start, end = DayStart(start), DayStart(end)

	keys, err := c.store.AggregateKeysInRange(models.ResolutionDaily, start, end)
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

		rows, err := c.ComputeKey(ctx, key, start, end)
		if err == nil && rows == nil {
			stats.Skipped++
			log.Printf("anomaly: %s: no usable baselines for %s, skipping", key, c.cfg.Period.Label())
			continue
		}
		if err == nil {
			err = c.store.ReplaceAnomalies(key, c.cfg.Period.Label(), start, end, rows)
		}
		if err != nil {
			stats.Failed++
			log.Printf("anomaly: %s: %v", key, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return stats, fmt.Errorf("anomalies: %d/%d keys failed: %w", stats.Failed, stats.Keys, firstErr)
	}
	return stats, nil
}
