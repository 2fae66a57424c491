package forecast

import (
	"context"
	"math"
	"testing"
	"time"
)

func TestValidator_BacktestsAndPersists(t *testing.T) {
	st := setupStore(t)
	key := seedKey(t, st, "41001")

	asOf := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	// A smooth ramp with a weak annual cycle; every model should manage
	// a sane backtest on it.
	seedHistory(t, st, key, asOf, 200, func(i int) float64 {
		return 18 + 0.01*float64(i) + math.Sin(2*math.Pi*float64(i)/365.25)
	})

	registry := NewRegistry()
	cfg := ValidatorConfig{
		MinHistory:   30,
		WindowDays:   200,
		OriginStride: 14,
		Horizons:     []int{24, 72},
	}
	v := NewValidator(st, registry, cfg)

	records, err := v.Run(context.Background(), asOf)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("len(records) = %d, want all 4 model types", len(records))
	}

	for _, rec := range records {
		if rec.ID == 0 {
			t.Errorf("%s: record not persisted (ID 0)", rec.Type)
		}
		if rec.Version != "2025.06.01" {
			t.Errorf("%s: version = %q", rec.Type, rec.Version)
		}
		if !rec.RMSE.Valid || rec.RMSE.Float64 < 0 {
			t.Errorf("%s: RMSE = %+v", rec.Type, rec.RMSE)
		}
		if !rec.MAE.Valid || rec.MAE.Float64 > rec.RMSE.Float64+1e-9 {
			t.Errorf("%s: MAE %+v exceeds RMSE %+v", rec.Type, rec.MAE, rec.RMSE)
		}

		stored, err := st.LatestModelByType(rec.Type)
		if err != nil {
			t.Fatal(err)
		}
		if stored == nil || stored.ID != rec.ID {
			t.Errorf("%s: latest stored = %+v, want ID %d", rec.Type, stored, rec.ID)
		}

		buckets, err := st.GetSkillBuckets(rec.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(buckets) != 2 {
			t.Errorf("%s: %d skill buckets, want 2", rec.Type, len(buckets))
		}
		for _, b := range buckets {
			if b.Samples == 0 {
				t.Errorf("%s: bucket %dh has no samples", rec.Type, b.BucketHours)
			}
		}

		if _, _, ok := registry.Record(rec.Type); !ok {
			t.Errorf("%s: registry not refreshed", rec.Type)
		}
	}

	// On a near-deterministic ramp, persistence should verify tightly.
	for _, rec := range records {
		if rec.Type == ModelPersistence && rec.RMSE.Float64 > 0.5 {
			t.Errorf("persistence RMSE = %v on a smooth ramp, want < 0.5", rec.RMSE.Float64)
		}
	}
}

func TestValidator_NoDataSkipsQuietly(t *testing.T) {
	st := setupStore(t)
	registry := NewRegistry()
	v := NewValidator(st, registry, DefaultValidatorConfig())

	records, err := v.Run(context.Background(), time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("records = %v, want none without history", records)
	}
	if _, _, ok := registry.Record(ModelPersistence); ok {
		t.Error("registry should stay empty without validation data")
	}
}

func TestValidator_RerunSameDayIsIdempotent(t *testing.T) {
	st := setupStore(t)
	key := seedKey(t, st, "41001")

	asOf := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	seedHistory(t, st, key, asOf, 120, func(i int) float64 { return 20 + 0.01*float64(i) })

	registry := NewRegistry()
	cfg := ValidatorConfig{MinHistory: 30, WindowDays: 120, OriginStride: 14, Horizons: []int{24}}
	v := NewValidator(st, registry, cfg)

	first, err := v.Run(context.Background(), asOf)
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	second, err := v.Run(context.Background(), asOf)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("run sizes differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Errorf("%s: rerun minted a new row: %d vs %d", first[i].Type, first[i].ID, second[i].ID)
		}
	}
}
