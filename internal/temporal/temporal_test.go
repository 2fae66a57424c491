package temporal

import (
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bluesphere/oceantemp/internal/models"
	"github.com/bluesphere/oceantemp/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	st := store.New(db)
	if err := st.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st
}

func registerKey(t *testing.T, st *store.Store, id string, cadenceMinutes int) models.Key {
	t.Helper()
	k := models.Key{
		Key:            models.StationKey(id),
		Kind:           models.KeyKindStation,
		Name:           "Buoy " + id,
		Latitude:       34.7,
		Longitude:      -72.7,
		Dataset:        "ndbc",
		CadenceMinutes: cadenceMinutes,
		Active:         true,
	}
	if err := st.UpsertKey(k); err != nil {
		t.Fatalf("UpsertKey: %v", err)
	}
	return k
}

func insertReading(t *testing.T, st *store.Store, key string, at time.Time, sst float64) {
	t.Helper()
	obs := models.Observation{
		Key:        key,
		ObservedAt: at,
		SSTC:       sql.NullFloat64{Float64: sst, Valid: true},
		Source:     "ndbc",
	}
	if err := st.InsertObservation(obs); err != nil {
		t.Fatalf("InsertObservation: %v", err)
	}
}

func insertDaily(t *testing.T, st *store.Store, key string, day time.Time, mean float64, count int) {
	t.Helper()
	day = DayStart(day)
	agg := models.Aggregate{
		Key:          key,
		Resolution:   models.ResolutionDaily,
		PeriodStart:  day,
		PeriodEnd:    day.AddDate(0, 0, 1),
		MeanC:        mean,
		MinC:         mean - 1,
		MaxC:         mean + 1,
		SampleCount:  count,
		Completeness: float64(count) / 24,
		ComputedAt:   time.Now().UTC(),
	}
	if err := st.ReplaceAggregates(key, models.ResolutionDaily, day, day.AddDate(0, 0, 1), []models.Aggregate{agg}); err != nil {
		t.Fatalf("ReplaceAggregates: %v", err)
	}
}
