package forecast

import (
	"math"
	"testing"
	"time"
)

func TestClimatology_RecoversAnnualCycle(t *testing.T) {
	start := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	curve := func(tm time.Time) float64 {
		return 15 + 3*math.Sin(seasonalAngle(tm))
	}
	history := make([]Sample, 730)
	for i := range history {
		tm := start.AddDate(0, 0, i)
		history[i] = Sample{Time: tm, Value: curve(tm)}
	}

	c := NewClimatology()
	if err := c.Fit(history); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if c.residStd > 1e-6 {
		t.Errorf("residStd = %v, want ~0 on noiseless harmonic data", c.residStd)
	}

	base := last(history).Time
	for _, horizon := range []time.Duration{24 * time.Hour, 30 * 24 * time.Hour, 180 * 24 * time.Hour} {
		target := base.Add(horizon)
		got, std := c.Step(base, horizon)
		if want := curve(target); math.Abs(got-want) > 1e-6 {
			t.Errorf("Step(+%v) = %v, want %v", horizon, got, want)
		}
		if std > 1e-6 {
			t.Errorf("Step(+%v) std = %v, want ~0", horizon, std)
		}
	}
}

func TestClimatology_ConstantSeries(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	history := make([]Sample, 365)
	for i := range history {
		history[i] = Sample{Time: start.AddDate(0, 0, i), Value: 18.5}
	}

	c := NewClimatology()
	if err := c.Fit(history); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	got, std := c.Step(last(history).Time, 72*time.Hour)
	if math.Abs(got-18.5) > 1e-6 {
		t.Errorf("Step = %v, want 18.5", got)
	}
	if std > 1e-6 {
		t.Errorf("std = %v, want ~0", std)
	}
}

func TestClimatology_TooShort(t *testing.T) {
	c := NewClimatology()
	if err := c.Fit(dailySamples(time.Now(), []float64{1, 2, 3})); err == nil {
		t.Fatal("Fit on 3 samples should fail")
	}
}
