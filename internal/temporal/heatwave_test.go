package temporal

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/bluesphere/oceantemp/internal/models"
)

func TestZScore(t *testing.T) {
	tests := []struct {
		p    float64
		want float64
	}{
		{0.5, 0},
		{0.90, 1.2815515655},
		{0.95, 1.6448536270},
		{0.99, 2.3263478740},
	}
	for _, tc := range tests {
		if got := ZScore(tc.p); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("ZScore(%v) = %v, want %v", tc.p, got, tc.want)
		}
	}
}

func TestEventID_Deterministic(t *testing.T) {
	day := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	a := EventID("station:41001", day)
	b := EventID("station:41001", day.Add(5*time.Hour)) // same calendar day
	if a != b {
		t.Errorf("same key and day produced different IDs: %s vs %s", a, b)
	}
	if a == EventID("station:41001", day.AddDate(0, 0, 1)) {
		t.Error("different start days should produce different IDs")
	}
	if a == EventID("station:41002", day) {
		t.Error("different keys should produce different IDs")
	}
	if len(a) != 36 {
		t.Errorf("ID %q is not a UUID string", a)
	}
}

func TestSeverityFor(t *testing.T) {
	bands := SeverityBands{StrongAt: 2, SevereAt: 3, ExtremeAt: 4}
	tests := []struct {
		exceed float64
		want   string
	}{
		{-0.5, models.SeverityModerate},
		{0, models.SeverityModerate},
		{1.99, models.SeverityModerate},
		{2, models.SeverityStrong},
		{2.9, models.SeverityStrong},
		{3, models.SeveritySevere},
		{3.99, models.SeveritySevere},
		{4, models.SeverityExtreme},
		{6.2, models.SeverityExtreme},
	}
	for _, tc := range tests {
		if got := severityFor(tc.exceed, bands); got != tc.want {
			t.Errorf("severityFor(%v) = %q, want %q", tc.exceed, got, tc.want)
		}
	}
}

// scenarioSamples builds consecutive day samples against a single
// baseline; NaN marks a day with no usable value.
func scenarioSamples(start time.Time, mean, std float64, values []float64) []daySample {
	out := make([]daySample, len(values))
	for i, v := range values {
		s := daySample{date: start.AddDate(0, 0, i)}
		if !math.IsNaN(v) {
			s.value, s.mean, s.std, s.ok = v, mean, std, true
		}
		out[i] = s
	}
	return out
}

func scenarioConfig(minDuration, gapTolerance int) HeatwaveConfig {
	return HeatwaveConfig{
		Period:       models.BaselinePeriod{StartYear: 2019, EndYear: 2020},
		Granularity:  models.GranularityDayOfYear,
		Percentile:   0.90,
		MinDuration:  minDuration,
		GapTolerance: gapTolerance,
		Bands:        SeverityBands{StrongAt: 2, SevereAt: 3, ExtremeAt: 4},
	}
}

func TestDetectEvents_SingleEvent(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	// Threshold at p90 over (26.7184, 1.0) is ~28.0: the middle five
	// days qualify, the bookends do not.
	samples := scenarioSamples(start, 26.7184, 1.0, []float64{27, 28, 29, 30, 29, 28, 27})

	events := detectEvents("station:41001", samples, scenarioConfig(3, 1))
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	ev := events[0]

	wantStart := start.AddDate(0, 0, 1)
	wantEnd := start.AddDate(0, 0, 5)
	if !ev.StartDate.Equal(wantStart) || !ev.EndDate.Equal(wantEnd) {
		t.Errorf("event span %s..%s, want %s..%s",
			ev.StartDate.Format("2006-01-02"), ev.EndDate.Format("2006-01-02"),
			wantStart.Format("2006-01-02"), wantEnd.Format("2006-01-02"))
	}
	if ev.DurationDays != 5 {
		t.Errorf("DurationDays = %d, want 5", ev.DurationDays)
	}
	if math.Abs(ev.MaxIntensityC-3.2816) > 1e-9 {
		t.Errorf("MaxIntensityC = %v, want 3.2816", ev.MaxIntensityC)
	}
	if math.Abs(ev.MeanIntensityC-2.0816) > 1e-9 {
		t.Errorf("MeanIntensityC = %v, want 2.0816", ev.MeanIntensityC)
	}
	if math.Abs(ev.CumulativeIntensity-10.408) > 1e-9 {
		t.Errorf("CumulativeIntensity = %v, want 10.408", ev.CumulativeIntensity)
	}
	if math.Abs(ev.PeakStdAnomaly-3.2816) > 1e-9 {
		t.Errorf("PeakStdAnomaly = %v, want 3.2816", ev.PeakStdAnomaly)
	}
	// Peak exceeds the threshold by just over two standard deviations.
	if ev.Severity != models.SeverityStrong {
		t.Errorf("Severity = %q, want %q", ev.Severity, models.SeverityStrong)
	}
	if ev.ID != EventID("station:41001", wantStart) {
		t.Errorf("ID = %s, want derived from key and start date", ev.ID)
	}
	if ev.BaselinePeriod != "2019-2020" || ev.ThresholdPercentile != 0.90 {
		t.Errorf("provenance = %q/%v", ev.BaselinePeriod, ev.ThresholdPercentile)
	}
}

func TestDetectEvents_RunTooShort(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	samples := scenarioSamples(start, 26.7184, 1.0, []float64{27, 29, 29, 27, 29, 27})

	events := detectEvents("station:41001", samples, scenarioConfig(3, 1))
	if len(events) != 0 {
		t.Fatalf("len(events) = %d, want 0 for runs below the duration gate", len(events))
	}
}

func TestDetectEvents_LongGapSplits(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	samples := scenarioSamples(start, 26.7184, 1.0,
		[]float64{29, 29, 29, 27, 27, 29, 29, 29})

	events := detectEvents("station:41001", samples, scenarioConfig(3, 1))
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2 (gap exceeds tolerance)", len(events))
	}
	if !events[0].StartDate.Equal(start) || !events[0].EndDate.Equal(start.AddDate(0, 0, 2)) {
		t.Errorf("first event %s..%s, want day 1..3",
			events[0].StartDate.Format("2006-01-02"), events[0].EndDate.Format("2006-01-02"))
	}
	if !events[1].StartDate.Equal(start.AddDate(0, 0, 5)) || !events[1].EndDate.Equal(start.AddDate(0, 0, 7)) {
		t.Errorf("second event %s..%s, want day 6..8",
			events[1].StartDate.Format("2006-01-02"), events[1].EndDate.Format("2006-01-02"))
	}
	if events[0].DurationDays != 3 || events[1].DurationDays != 3 {
		t.Errorf("durations %d/%d, want 3/3", events[0].DurationDays, events[1].DurationDays)
	}
}

func TestDetectEvents_ShortGapBridged(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	samples := scenarioSamples(start, 26.7184, 1.0,
		[]float64{29, 29, 29, 27, 29, 29})

	events := detectEvents("station:41001", samples, scenarioConfig(3, 1))
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1 (gap within tolerance)", len(events))
	}
	ev := events[0]
	if ev.DurationDays != 6 {
		t.Errorf("DurationDays = %d, want 6", ev.DurationDays)
	}
	if !ev.EndDate.Equal(start.AddDate(0, 0, 5)) {
		t.Errorf("EndDate = %s, want day 6", ev.EndDate.Format("2006-01-02"))
	}
	// The non-qualifying bridged day still has a value, so it pulls the
	// mean intensity down: (5*2.2816 + 0.2816) / 6.
	want := (5*2.2816 + 0.2816) / 6
	if math.Abs(ev.MeanIntensityC-want) > 1e-9 {
		t.Errorf("MeanIntensityC = %v, want %v", ev.MeanIntensityC, want)
	}
}

func TestDetectEvents_MissingDayBreaksCandidate(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	nan := math.NaN()
	samples := scenarioSamples(start, 26.7184, 1.0,
		[]float64{29, 29, nan, 29, 29})

	events := detectEvents("station:41001", samples, scenarioConfig(3, 1))
	if len(events) != 0 {
		t.Fatalf("len(events) = %d, want 0 (missing day resets a candidate run)", len(events))
	}
}

func TestDetectEvents_MissingDayBridgedWhileActive(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	nan := math.NaN()
	samples := scenarioSamples(start, 26.7184, 1.0,
		[]float64{29, 29, 29, nan, 29})

	events := detectEvents("station:41001", samples, scenarioConfig(3, 1))
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.DurationDays != 5 {
		t.Errorf("DurationDays = %d, want 5 (missing day counts toward duration)", ev.DurationDays)
	}
	// Four observed days contribute to intensity, the missing one does
	// not.
	if math.Abs(ev.CumulativeIntensity-4*2.2816) > 1e-9 {
		t.Errorf("CumulativeIntensity = %v, want %v", ev.CumulativeIntensity, 4*2.2816)
	}
	if math.Abs(ev.MeanIntensityC-2.2816) > 1e-9 {
		t.Errorf("MeanIntensityC = %v, want 2.2816", ev.MeanIntensityC)
	}
}

func TestDetectKey_NoBaselinesIsNil(t *testing.T) {
	st := newTestStore(t)
	key := registerKey(t, st, "41001", 60)
	d := NewHeatwaveDetector(st, DefaultHeatwaveConfig())

	day := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	insertDaily(t, st, key.Key, day, 29.0, 24)

	events, err := d.DetectKey(context.Background(), key.Key, day, day.AddDate(0, 0, 7))
	if err != nil {
		t.Fatalf("DetectKey: %v", err)
	}
	if events != nil {
		t.Errorf("events = %v, want nil for key without baselines", events)
	}
}

func TestHeatwaveRun_DetectsAndPersists(t *testing.T) {
	st := newTestStore(t)
	key := registerKey(t, st, "41001", 60)

	cfg := scenarioConfig(3, 1)
	d := NewHeatwaveDetector(st, cfg)

	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 7)

	var baselines []models.Baseline
	for day := start; day.Before(end); day = day.AddDate(0, 0, 1) {
		baselines = append(baselines, models.Baseline{
			Key: key.Key, Period: cfg.Period, Granularity: cfg.Granularity,
			Position: RingPosition(day), MeanC: 26.7184, StdC: 1.0, SampleYears: 2,
		})
	}
	if err := st.ReplaceBaselines(key.Key, cfg.Period, cfg.Granularity, baselines); err != nil {
		t.Fatal(err)
	}
	for i, v := range []float64{27, 28, 29, 30, 29, 28, 27} {
		insertDaily(t, st, key.Key, start.AddDate(0, 0, i), v, 24)
	}

	stats, err := d.Run(context.Background(), start, end)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Keys != 1 || stats.Failed != 0 || stats.Skipped != 0 {
		t.Errorf("stats = %+v, want 1 key processed", stats)
	}

	got, err := st.GetHeatwavesForKey(key.Key, cfg.Period.Label(), start, end)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("len(got) = %d, want 1", len(got))
	}
	ev := got[0]
	if !ev.StartDate.Equal(start.AddDate(0, 0, 1)) || ev.DurationDays != 5 {
		t.Errorf("event %s duration %d, want start day 2 duration 5",
			ev.StartDate.Format("2006-01-02"), ev.DurationDays)
	}
	if ev.Severity != models.SeverityStrong {
		t.Errorf("Severity = %q, want %q", ev.Severity, models.SeverityStrong)
	}

	// Rerunning converges on the same single event under the same ID.
	if _, err := d.Run(context.Background(), start, end); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	again, err := st.GetHeatwavesForKey(key.Key, cfg.Period.Label(), start, end)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 1 || again[0].ID != ev.ID {
		t.Errorf("rerun produced %d events (ID %s), want the original %s",
			len(again), again[0].ID, ev.ID)
	}
}
