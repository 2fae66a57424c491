package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bluesphere/oceantemp/internal/forecast"
	"github.com/bluesphere/oceantemp/internal/temporal"
)

// PartitionAll marks a run covering every key in the store.
const PartitionAll = "all"

// Schedule holds the cron expressions (standard five-field specs) for
// the recurring jobs.
type Schedule struct {
	Aggregate string
	Anomalies string
	Baselines string
	Validate  string
}

// DefaultSchedule staggers the jobs: aggregation hourly, anomaly and
// heatwave refresh nightly, baselines on the first of the month, model
// validation weekly on Mondays.
func DefaultSchedule() Schedule {
	return Schedule{
		Aggregate: "10 * * * *",
		Anomalies: "30 2 * * *",
		Baselines: "0 4 1 * *",
		Validate:  "0 5 * * 1",
	}
}

// CacheInvalidator drops cached API responses by entity prefix after a
// recompute. The API cache satisfies it; nil disables invalidation.
type CacheInvalidator interface {
	InvalidatePrefix(prefix string)
}

// Scheduler drives the recurring recomputations through a Runner.
type Scheduler struct {
	runner    *Runner
	agg       *temporal.Aggregator
	baselines *temporal.BaselineBuilder
	anomalies *temporal.AnomalyCalculator
	heatwaves *temporal.HeatwaveDetector
	validator *forecast.Validator
	cache     CacheInvalidator
	schedule  Schedule

	anomalyWindowDays  int
	heatwaveWindowDays int

	now func() time.Time
}

func NewScheduler(runner *Runner, agg *temporal.Aggregator, baselines *temporal.BaselineBuilder,
	anomalies *temporal.AnomalyCalculator, heatwaves *temporal.HeatwaveDetector,
	validator *forecast.Validator, cache CacheInvalidator, schedule Schedule) *Scheduler {
	return &Scheduler{
		runner:             runner,
		agg:                agg,
		baselines:          baselines,
		anomalies:          anomalies,
		heatwaves:          heatwaves,
		validator:          validator,
		cache:              cache,
		schedule:           schedule,
		anomalyWindowDays:  90,
		heatwaveWindowDays: 365,
		now:                time.Now,
	}
}

// Run catches up immediately so a fresh deployment serves data without
// waiting for the first firing, then hands the recurring schedule to
// cron until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.runAggregation(ctx)
	s.runAnomalyRefresh(ctx)

	c := cron.New()
	entries := []struct {
		name string
		spec string
		fn   func()
	}{
		{"aggregate", s.schedule.Aggregate, func() { s.runAggregation(ctx) }},
		{"anomalies", s.schedule.Anomalies, func() { s.runAnomalyRefresh(ctx) }},
		{"baselines", s.schedule.Baselines, func() { s.runBaselines(ctx) }},
		{"validate", s.schedule.Validate, func() { s.runValidation(ctx) }},
	}
	for _, e := range entries {
		if _, err := c.AddFunc(e.spec, e.fn); err != nil {
			return fmt.Errorf("schedule %s %q: %w", e.name, e.spec, err)
		}
	}
	c.Start()

	<-ctx.Done()
	log.Println("scheduler: shutting down")
	<-c.Stop().Done()
	return nil
}

// runAggregation recomputes the daily grids for yesterday and today,
// then the current month and year roll-ups. Yesterday is included so
// late-arriving observations keep folding in across the UTC day
// boundary.
func (s *Scheduler) runAggregation(ctx context.Context) {
	now := s.now().UTC()
	today := temporal.DayStart(now)

	for _, day := range []time.Time{today.AddDate(0, 0, -1), today} {
		day := day
		s.report(JobAggregateDaily, s.runner.Run(ctx, JobAggregateDaily, PartitionAll, day.Format("2006-01-02"),
			func(ctx context.Context) (string, error) {
				stats, err := s.agg.RunDaily(ctx, day)
				return stats.String(), err
			}))
	}

	month := temporal.MonthStart(now)
	s.report(JobAggregateMonthly, s.runner.Run(ctx, JobAggregateMonthly, PartitionAll, month.Format("2006-01"),
		func(ctx context.Context) (string, error) {
			stats, err := s.agg.RunMonthly(ctx, month)
			return stats.String(), err
		}))

	year := temporal.YearStart(now)
	s.report(JobAggregateYearly, s.runner.Run(ctx, JobAggregateYearly, PartitionAll, year.Format("2006"),
		func(ctx context.Context) (string, error) {
			stats, err := s.agg.RunYearly(ctx, year)
			return stats.String(), err
		}))

	s.invalidate("temperatures", "availability", "summary")
}

// runAnomalyRefresh recomputes anomalies over the recent window, then
// re-detects heatwaves over a trailing year so events straddling the
// window edge keep their identity.
func (s *Scheduler) runAnomalyRefresh(ctx context.Context) {
	now := s.now().UTC()
	end := temporal.DayStart(now).AddDate(0, 0, 1)

	aStart := end.AddDate(0, 0, -s.anomalyWindowDays)
	s.report(JobCalculateAnomalies, s.runner.Run(ctx, JobCalculateAnomalies, PartitionAll, periodLabel(aStart, end),
		func(ctx context.Context) (string, error) {
			stats, err := s.anomalies.Run(ctx, aStart, end)
			return stats.String(), err
		}))
	s.invalidate("anomalies", "summary")

	hStart := end.AddDate(0, 0, -s.heatwaveWindowDays)
	s.report(JobDetectHeatwaves, s.runner.Run(ctx, JobDetectHeatwaves, PartitionAll, periodLabel(hStart, end),
		func(ctx context.Context) (string, error) {
			stats, err := s.heatwaves.Run(ctx, hStart, end)
			return stats.String(), err
		}))
	s.invalidate("heatwaves")
}

func (s *Scheduler) runBaselines(ctx context.Context) {
	s.report(JobCalculateBaselines, s.runner.Run(ctx, JobCalculateBaselines, PartitionAll, s.baselines.Period().Label(),
		func(ctx context.Context) (string, error) {
			stats, err := s.baselines.Run(ctx)
			return stats.String(), err
		}))
}

func (s *Scheduler) runValidation(ctx context.Context) {
	asOf := s.now().UTC()
	s.report(JobValidateModels, s.runner.Run(ctx, JobValidateModels, PartitionAll, asOf.Format("2006.01.02"),
		func(ctx context.Context) (string, error) {
			records, err := s.validator.Run(ctx, asOf)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("models=%d", len(records)), nil
		}))
	s.invalidate("models", "forecast")
}

// Trigger runs one batch job immediately, outside the cron cadence,
// and blocks until it finishes. start and end bound the recompute for
// the jobs that take a window (end exclusive); zero values select the
// same defaults the cron entries use. The daily/monthly/yearly
// aggregation jobs recompute the single period containing start. The
// returned label identifies the period the run covered.
// ErrRecomputationConflict passes through when the same recompute is
// already in flight.
func (s *Scheduler) Trigger(ctx context.Context, job string, start, end time.Time) (string, error) {
	now := s.now().UTC()

	var (
		period   string
		task     Task
		prefixes []string
	)
	switch job {
	case JobAggregateDaily:
		day := temporal.DayStart(now)
		if !start.IsZero() {
			day = temporal.DayStart(start.UTC())
		}
		period = day.Format("2006-01-02")
		task = func(ctx context.Context) (string, error) {
			stats, err := s.agg.RunDaily(ctx, day)
			return stats.String(), err
		}
		prefixes = []string{"temperatures", "availability", "summary"}

	case JobAggregateMonthly:
		month := temporal.MonthStart(now)
		if !start.IsZero() {
			month = temporal.MonthStart(start.UTC())
		}
		period = month.Format("2006-01")
		task = func(ctx context.Context) (string, error) {
			stats, err := s.agg.RunMonthly(ctx, month)
			return stats.String(), err
		}
		prefixes = []string{"temperatures", "availability", "summary"}

	case JobAggregateYearly:
		year := temporal.YearStart(now)
		if !start.IsZero() {
			year = temporal.YearStart(start.UTC())
		}
		period = year.Format("2006")
		task = func(ctx context.Context) (string, error) {
			stats, err := s.agg.RunYearly(ctx, year)
			return stats.String(), err
		}
		prefixes = []string{"temperatures", "availability", "summary"}

	case JobCalculateAnomalies:
		wStart, wEnd := s.window(start, end, s.anomalyWindowDays, now)
		period = periodLabel(wStart, wEnd)
		task = func(ctx context.Context) (string, error) {
			stats, err := s.anomalies.Run(ctx, wStart, wEnd)
			return stats.String(), err
		}
		prefixes = []string{"anomalies", "summary"}

	case JobDetectHeatwaves:
		wStart, wEnd := s.window(start, end, s.heatwaveWindowDays, now)
		period = periodLabel(wStart, wEnd)
		task = func(ctx context.Context) (string, error) {
			stats, err := s.heatwaves.Run(ctx, wStart, wEnd)
			return stats.String(), err
		}
		prefixes = []string{"heatwaves"}

	case JobCalculateBaselines:
		period = s.baselines.Period().Label()
		task = func(ctx context.Context) (string, error) {
			stats, err := s.baselines.Run(ctx)
			return stats.String(), err
		}

	case JobValidateModels:
		period = now.Format("2006.01.02")
		task = func(ctx context.Context) (string, error) {
			records, err := s.validator.Run(ctx, now)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("models=%d", len(records)), nil
		}
		prefixes = []string{"models", "forecast"}

	default:
		return "", fmt.Errorf("unknown job %q", job)
	}

	err := s.runner.Run(ctx, job, PartitionAll, period, task)
	if !errors.Is(err, ErrRecomputationConflict) {
		s.invalidate(prefixes...)
	}
	return period, err
}

// window resolves an explicit recompute window, falling back to the
// trailing default ending tomorrow.
func (s *Scheduler) window(start, end time.Time, defaultDays int, now time.Time) (time.Time, time.Time) {
	if !start.IsZero() && !end.IsZero() {
		return temporal.DayStart(start.UTC()), temporal.DayStart(end.UTC())
	}
	wEnd := temporal.DayStart(now).AddDate(0, 0, 1)
	return wEnd.AddDate(0, 0, -defaultDays), wEnd
}

func (s *Scheduler) report(job string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, ErrRecomputationConflict):
		log.Printf("scheduler: %s skipped: %v", job, err)
	case errors.Is(err, context.Canceled):
	default:
		log.Printf("scheduler: %s: %v", job, err)
	}
}

func (s *Scheduler) invalidate(prefixes ...string) {
	if s.cache == nil {
		return
	}
	for _, p := range prefixes {
		s.cache.InvalidatePrefix(p)
	}
}

func periodLabel(start, end time.Time) string {
	return start.Format("2006-01-02") + ".." + end.Format("2006-01-02")
}
