package forecast

import (
	"math"
	"testing"
	"time"
)

func TestSeasonalTrend_RecoversTrendAndCycle(t *testing.T) {
	start := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	curve := func(tm time.Time) float64 {
		days := tm.Sub(start).Hours() / 24
		return 10 + 0.01*days + 2*math.Sin(seasonalAngle(tm))
	}
	history := make([]Sample, 1095)
	for i := range history {
		tm := start.AddDate(0, 0, i)
		history[i] = Sample{Time: tm, Value: curve(tm)}
	}

	m := NewSeasonalTrend()
	if err := m.Fit(history); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if m.residStd > 1e-6 {
		t.Errorf("residStd = %v, want ~0 on noiseless data", m.residStd)
	}
	if math.Abs(m.coef[3]-0.01) > 1e-9 {
		t.Errorf("fitted slope = %v, want 0.01", m.coef[3])
	}

	base := last(history).Time
	for _, horizon := range []time.Duration{24 * time.Hour, 14 * 24 * time.Hour} {
		target := base.Add(horizon)
		got, _ := m.Step(base, horizon)
		if want := curve(target); math.Abs(got-want) > 1e-6 {
			t.Errorf("Step(+%v) = %v, want %v (trend must extrapolate)", horizon, got, want)
		}
	}
}

func TestSeasonalTrend_StdWidensMonotonically(t *testing.T) {
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	// Alternating residual around a flat level; enough scatter to give a
	// nonzero stationary variance.
	history := make([]Sample, 400)
	for i := range history {
		v := 16.0
		if i%2 == 0 {
			v += 1
		} else {
			v -= 1
		}
		history[i] = Sample{Time: start.AddDate(0, 0, i), Value: v}
	}

	m := NewSeasonalTrend()
	if err := m.Fit(history); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if m.phi < 0 || m.phi > maxAR1Coefficient {
		t.Errorf("phi = %v outside [0, %v]", m.phi, maxAR1Coefficient)
	}

	base := last(history).Time
	var prev float64
	for h := 1; h <= 336; h++ {
		_, std := m.Step(base, time.Duration(h)*time.Hour)
		if std < prev {
			t.Fatalf("std shrank at %dh: %v < %v", h, std, prev)
		}
		prev = std
	}
	if prev > m.residStd+1e-9 {
		t.Errorf("std at max horizon = %v, must stay within stationary residual std %v", prev, m.residStd)
	}
}

func TestSeasonalTrend_TooShort(t *testing.T) {
	m := NewSeasonalTrend()
	if err := m.Fit(dailySamples(time.Now(), []float64{1, 2, 3, 4, 5})); err == nil {
		t.Fatal("Fit on 5 samples should fail")
	}
}
