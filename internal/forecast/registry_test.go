package forecast

import (
	"database/sql"
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/bluesphere/oceantemp/internal/models"
)

func TestRegistry_Types(t *testing.T) {
	r := NewRegistry()
	want := []string{ModelClimatology, ModelEnsemble, ModelPersistence, ModelSeasonalTrend}
	if got := r.Types(); !reflect.DeepEqual(got, want) {
		t.Errorf("Types() = %v, want %v", got, want)
	}
}

func TestRegistry_UnknownModel(t *testing.T) {
	r := NewRegistry()
	_, err := r.New("oracle")
	var unknown *UnknownModelError
	if !errors.As(err, &unknown) {
		t.Fatalf("err = %v, want UnknownModelError", err)
	}
	if unknown.Type != "oracle" {
		t.Errorf("Type = %q, want oracle", unknown.Type)
	}
}

func TestRegistry_EnsembleUsesSkillWeights(t *testing.T) {
	r := NewRegistry()
	r.SetRecord(models.ForecastModel{
		Type:      ModelPersistence,
		Version:   "2025.08.01",
		TrainedAt: time.Now().UTC(),
		RMSE:      sql.NullFloat64{Float64: 0.5, Valid: true},
	}, nil)

	m, err := r.New(ModelEnsemble)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e, ok := m.(*Ensemble)
	if !ok {
		t.Fatalf("ensemble factory returned %T", m)
	}

	// Persistence weight 1/0.5^2 = 4, the unvalidated members 1 each;
	// normalized 4/6, 1/6, 1/6.
	if math.Abs(e.weights[0]-4.0/6) > 1e-9 {
		t.Errorf("persistence weight = %v, want %v", e.weights[0], 4.0/6)
	}
	if math.Abs(e.weights[1]-1.0/6) > 1e-9 || math.Abs(e.weights[2]-1.0/6) > 1e-9 {
		t.Errorf("unvalidated weights = %v/%v, want 1/6 each", e.weights[1], e.weights[2])
	}
}

func TestRegistry_RecordRoundTrip(t *testing.T) {
	r := NewRegistry()
	if _, _, ok := r.Record(ModelClimatology); ok {
		t.Fatal("fresh registry should have no records")
	}

	rec := models.ForecastModel{
		ID:        7,
		Type:      ModelClimatology,
		Version:   "2025.08.01",
		TrainedAt: time.Now().UTC(),
		RMSE:      sql.NullFloat64{Float64: 0.8, Valid: true},
	}
	skill := []models.SkillBucket{{ModelID: 7, BucketHours: 24, RMSE: 0.6, MAE: 0.5, Samples: 40}}
	r.SetRecord(rec, skill)

	got, gotSkill, ok := r.Record(ModelClimatology)
	if !ok {
		t.Fatal("record not found after SetRecord")
	}
	if got.ID != 7 || got.Version != "2025.08.01" {
		t.Errorf("record = %+v", got)
	}
	if len(gotSkill) != 1 || gotSkill[0].BucketHours != 24 {
		t.Errorf("skill = %+v", gotSkill)
	}
}
