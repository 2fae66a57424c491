package jobs

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/bluesphere/oceantemp/internal/forecast"
	"github.com/bluesphere/oceantemp/internal/models"
	"github.com/bluesphere/oceantemp/internal/store"
	"github.com/bluesphere/oceantemp/internal/temporal"
)

type prefixRecorder struct {
	mu       sync.Mutex
	prefixes []string
}

func (p *prefixRecorder) InvalidatePrefix(prefix string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prefixes = append(p.prefixes, prefix)
}

func (p *prefixRecorder) has(prefix string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, got := range p.prefixes {
		if got == prefix {
			return true
		}
	}
	return false
}

func newTestScheduler(t *testing.T, st *store.Store, cache CacheInvalidator) *Scheduler {
	t.Helper()
	registry := forecast.NewRegistry()
	return NewScheduler(
		newTestRunner(t, st),
		temporal.NewAggregator(st, temporal.DefaultAggregateConfig()),
		temporal.NewBaselineBuilder(st, temporal.DefaultBaselineConfig()),
		temporal.NewAnomalyCalculator(st, temporal.DefaultAnomalyConfig()),
		temporal.NewHeatwaveDetector(st, temporal.DefaultHeatwaveConfig()),
		forecast.NewValidator(st, registry, forecast.DefaultValidatorConfig()),
		cache,
		DefaultSchedule(),
	)
}

func seedKey(t *testing.T, st *store.Store, id string) models.Key {
	t.Helper()
	k := models.Key{
		Key:            models.StationKey(id),
		Kind:           models.KeyKindStation,
		Name:           "Buoy " + id,
		Latitude:       34.7,
		Longitude:      -72.7,
		Dataset:        "ndbc",
		CadenceMinutes: 60,
		Active:         true,
	}
	if err := st.UpsertKey(k); err != nil {
		t.Fatalf("UpsertKey: %v", err)
	}
	return k
}

func seedFullDay(t *testing.T, st *store.Store, key string, day time.Time, sst float64) {
	t.Helper()
	for h := 0; h < 24; h++ {
		obs := models.Observation{
			Key:        key,
			ObservedAt: day.Add(time.Duration(h) * time.Hour),
			SSTC:       sql.NullFloat64{Float64: sst, Valid: true},
			Source:     "ndbc",
		}
		if err := st.InsertObservation(obs); err != nil {
			t.Fatalf("InsertObservation: %v", err)
		}
	}
}

func seedDaily(t *testing.T, st *store.Store, key string, day time.Time, mean float64) {
	t.Helper()
	day = temporal.DayStart(day)
	agg := models.Aggregate{
		Key:          key,
		Resolution:   models.ResolutionDaily,
		PeriodStart:  day,
		PeriodEnd:    day.AddDate(0, 0, 1),
		MeanC:        mean,
		MinC:         mean - 1,
		MaxC:         mean + 1,
		SampleCount:  24,
		Completeness: 1,
		ComputedAt:   time.Now().UTC(),
	}
	if err := st.ReplaceAggregates(key, models.ResolutionDaily, day, day.AddDate(0, 0, 1), []models.Aggregate{agg}); err != nil {
		t.Fatalf("ReplaceAggregates: %v", err)
	}
}

// seedBaselines replaces the key's day-of-year baselines in one shot;
// positions maps ring position to mean, all with std 1.
func seedBaselines(t *testing.T, st *store.Store, key string, positions map[int]float64) {
	t.Helper()
	period := models.BaselinePeriod{StartYear: 1991, EndYear: 2020}
	var bls []models.Baseline
	for pos, mean := range positions {
		bls = append(bls, models.Baseline{
			Key:         key,
			Period:      period,
			Granularity: models.GranularityDayOfYear,
			Position:    pos,
			MeanC:       mean,
			StdC:        1.0,
			SampleYears: 25,
		})
	}
	if err := st.ReplaceBaselines(key, period, models.GranularityDayOfYear, bls); err != nil {
		t.Fatalf("ReplaceBaselines: %v", err)
	}
}

func TestSchedulerAggregationPass(t *testing.T) {
	st := newTestStore(t)
	cache := &prefixRecorder{}
	sched := newTestScheduler(t, st, cache)
	sched.now = func() time.Time { return time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC) }

	k := seedKey(t, st, "41001")
	yesterday := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	seedFullDay(t, st, k.Key, yesterday, 22.0)

	sched.runAggregation(context.Background())

	dailies, err := st.GetAggregates(k.Key, models.ResolutionDaily, yesterday, yesterday.AddDate(0, 0, 2))
	if err != nil {
		t.Fatalf("GetAggregates daily: %v", err)
	}
	if len(dailies) != 1 {
		t.Fatalf("got %d daily rows, want 1", len(dailies))
	}
	if dailies[0].MeanC != 22.0 || dailies[0].SampleCount != 24 {
		t.Errorf("daily = mean %.2f count %d, want 22.00 / 24", dailies[0].MeanC, dailies[0].SampleCount)
	}

	monthStart := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	monthlies, err := st.GetAggregates(k.Key, models.ResolutionMonthly, monthStart, monthStart.AddDate(0, 1, 0))
	if err != nil {
		t.Fatalf("GetAggregates monthly: %v", err)
	}
	if len(monthlies) != 1 {
		t.Fatalf("got %d monthly rows, want 1", len(monthlies))
	}
	if monthlies[0].SampleCount != 24 || !monthlies[0].LowConfidence {
		t.Errorf("monthly = count %d lowConfidence %v, want 24 / true", monthlies[0].SampleCount, monthlies[0].LowConfidence)
	}

	yearStart := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	yearlies, err := st.GetAggregates(k.Key, models.ResolutionYearly, yearStart, yearStart.AddDate(1, 0, 0))
	if err != nil {
		t.Fatalf("GetAggregates yearly: %v", err)
	}
	if len(yearlies) != 1 {
		t.Fatalf("got %d yearly rows, want 1", len(yearlies))
	}

	runs, err := st.RecentJobRuns(10)
	if err != nil {
		t.Fatalf("RecentJobRuns: %v", err)
	}
	if len(runs) != 4 {
		t.Fatalf("got %d job runs, want 4", len(runs))
	}
	for _, run := range runs {
		if run.Status != models.JobStatusSuccess {
			t.Errorf("%s %s: status = %s", run.Job, run.Period.String, run.Status)
		}
	}

	for _, prefix := range []string{"temperatures", "availability", "summary"} {
		if !cache.has(prefix) {
			t.Errorf("cache prefix %q not invalidated", prefix)
		}
	}
}

func TestSchedulerAnomalyRefresh(t *testing.T) {
	st := newTestStore(t)
	cache := &prefixRecorder{}
	sched := newTestScheduler(t, st, cache)
	sched.now = func() time.Time { return time.Date(2025, 6, 4, 10, 0, 0, 0, time.UTC) }

	k := seedKey(t, st, "41001")
	days := []time.Time{
		time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC),
	}
	positions := make(map[int]float64)
	for i, day := range days {
		seedDaily(t, st, k.Key, day, 21.0+float64(i))
		positions[temporal.RingPosition(day)] = 20.0
	}
	seedBaselines(t, st, k.Key, positions)

	sched.runAnomalyRefresh(context.Background())

	anomalies, err := st.GetAnomalies(k.Key, "1991-2020", days[0], days[2].AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("GetAnomalies: %v", err)
	}
	if len(anomalies) != 3 {
		t.Fatalf("got %d anomaly rows, want 3", len(anomalies))
	}
	for i, a := range anomalies {
		want := 1.0 + float64(i)
		if a.AnomalyC != want {
			t.Errorf("day %d: anomaly = %.2f, want %.2f", i, a.AnomalyC, want)
		}
	}

	runs, err := st.RecentJobRuns(10)
	if err != nil {
		t.Fatalf("RecentJobRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d job runs, want 2", len(runs))
	}
	seen := map[string]bool{}
	for _, run := range runs {
		if run.Status != models.JobStatusSuccess {
			t.Errorf("%s: status = %s note %s", run.Job, run.Status, run.Note.String)
		}
		seen[run.Job] = true
	}
	if !seen[JobCalculateAnomalies] || !seen[JobDetectHeatwaves] {
		t.Errorf("jobs recorded = %v", seen)
	}

	for _, prefix := range []string{"anomalies", "heatwaves", "summary"} {
		if !cache.has(prefix) {
			t.Errorf("cache prefix %q not invalidated", prefix)
		}
	}
}
