package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/bluesphere/oceantemp/internal/models"
)

// ReplaceAggregates atomically swaps the aggregate rows for one key,
// resolution and period window. Rerunning a roll-up therefore converges
// on the same rows instead of accumulating duplicates.
func (s *Store) ReplaceAggregates(key, resolution string, start, end time.Time, aggs []models.Aggregate) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		DELETE FROM aggregates
		WHERE key = ? AND resolution = ? AND period_start >= ? AND period_start < ?
	`, key, resolution, start.UTC(), end.UTC()); err != nil {
		return fmt.Errorf("clear aggregates %s/%s: %w", key, resolution, err)
	}

	for _, a := range aggs {
		if _, err := tx.Exec(`
			INSERT INTO aggregates (key, resolution, period_start, period_end, mean_sst_c, min_sst_c, max_sst_c, sample_count, completeness, low_confidence, computed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, a.Key, a.Resolution, a.PeriodStart.UTC(), a.PeriodEnd.UTC(), a.MeanC, a.MinC, a.MaxC,
			a.SampleCount, a.Completeness, a.LowConfidence, a.ComputedAt.UTC()); err != nil {
			return fmt.Errorf("insert aggregate %s/%s@%s: %w", a.Key, a.Resolution, a.PeriodStart.Format("2006-01-02"), err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetAggregates(key, resolution string, start, end time.Time) ([]models.Aggregate, error) {
	rows, err := s.db.Query(`
		SELECT key, resolution, period_start, period_end, mean_sst_c, min_sst_c, max_sst_c, sample_count, completeness, low_confidence, computed_at
		FROM aggregates
		WHERE key = ? AND resolution = ? AND period_start >= ? AND period_start < ?
		ORDER BY period_start ASC
	`, key, resolution, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAggregates(rows)
}

func scanAggregates(rows *sql.Rows) ([]models.Aggregate, error) {
	var aggs []models.Aggregate
	for rows.Next() {
		var a models.Aggregate
		if err := rows.Scan(&a.Key, &a.Resolution, &a.PeriodStart, &a.PeriodEnd, &a.MeanC, &a.MinC, &a.MaxC,
			&a.SampleCount, &a.Completeness, &a.LowConfidence, &a.ComputedAt); err != nil {
			return nil, err
		}
		aggs = append(aggs, a)
	}
	return aggs, rows.Err()
}

// AggregateRow is an aggregate joined with key metadata for serving.
type AggregateRow struct {
	models.Aggregate
	Latitude  float64
	Longitude float64
	Dataset   string
}

func (s *Store) QueryAggregates(resolution string, start, end time.Time, keys []string, bbox *models.BBox, dataset string, limit, offset int) ([]AggregateRow, error) {
	q := `
		SELECT a.key, a.resolution, a.period_start, a.period_end, a.mean_sst_c, a.min_sst_c, a.max_sst_c,
		       a.sample_count, a.completeness, a.low_confidence, a.computed_at,
		       k.latitude, k.longitude, k.dataset
		FROM aggregates a
		JOIN keys k ON a.key = k.key
		WHERE a.resolution = ? AND a.period_start >= ? AND a.period_start < ?`
	args := []any{resolution, start.UTC(), end.UTC()}
	if len(keys) > 0 {
		q += " AND a.key IN (" + placeholders(len(keys)) + ")"
		for _, k := range keys {
			args = append(args, k)
		}
	}
	if bbox != nil {
		q += " AND k.latitude >= ? AND k.latitude <= ? AND k.longitude >= ? AND k.longitude <= ?"
		args = append(args, bbox.MinLat, bbox.MaxLat, bbox.MinLon, bbox.MaxLon)
	}
	if dataset != "" {
		q += " AND k.dataset = ?"
		args = append(args, dataset)
	}
	q += " ORDER BY a.period_start ASC, a.key ASC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []AggregateRow
	for rows.Next() {
		var r AggregateRow
		if err := rows.Scan(&r.Key, &r.Resolution, &r.PeriodStart, &r.PeriodEnd, &r.MeanC, &r.MinC, &r.MaxC,
			&r.SampleCount, &r.Completeness, &r.LowConfidence, &r.ComputedAt,
			&r.Latitude, &r.Longitude, &r.Dataset); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, 2*n-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}

// HasAggregates reports whether any aggregate rows exist at the given
// resolution for the range and filters.
func (s *Store) HasAggregates(resolution string, start, end time.Time, bbox *models.BBox, dataset string) (bool, error) {
	q := `
		SELECT 1 FROM aggregates a
		JOIN keys k ON a.key = k.key
		WHERE a.resolution = ? AND a.period_start >= ? AND a.period_start < ?`
	args := []any{resolution, start.UTC(), end.UTC()}
	if bbox != nil {
		q += " AND k.latitude >= ? AND k.latitude <= ? AND k.longitude >= ? AND k.longitude <= ?"
		args = append(args, bbox.MinLat, bbox.MaxLat, bbox.MinLon, bbox.MaxLon)
	}
	if dataset != "" {
		q += " AND k.dataset = ?"
		args = append(args, dataset)
	}
	q += " LIMIT 1"

	var one int
	err := s.db.QueryRow(q, args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// AggregateKeysInRange returns the distinct keys with aggregate rows at
// the given resolution in [start, end), sorted. Roll-ups and derived
// computations use it to walk only keys that have source rows.
func (s *Store) AggregateKeysInRange(resolution string, start, end time.Time) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT key FROM aggregates
		WHERE resolution = ? AND period_start >= ? AND period_start < ?
		ORDER BY key ASC
	`, resolution, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// DailyMean is the slim view of a daily aggregate used by the baseline
// and forecast engines, which only need date and mean.
type DailyMean struct {
	Date        time.Time
	MeanC       float64
	SampleCount int64
}

func (s *Store) GetDailyMeans(key string, start, end time.Time) ([]DailyMean, error) {
	rows, err := s.db.Query(`
		SELECT period_start, mean_sst_c, sample_count
		FROM aggregates
		WHERE key = ? AND resolution = ? AND period_start >= ? AND period_start < ?
		ORDER BY period_start ASC
	`, key, models.ResolutionDaily, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var means []DailyMean
	for rows.Next() {
		var m DailyMean
		if err := rows.Scan(&m.Date, &m.MeanC, &m.SampleCount); err != nil {
			return nil, err
		}
		means = append(means, m)
	}
	return means, rows.Err()
}

// AvailabilityRow describes per-key data coverage: the raw observation
// span plus how many aggregate rows exist at the requested resolution.
type AvailabilityRow struct {
	Key              models.Key
	FirstObservation sql.NullTime
	LastObservation  sql.NullTime
	ObservationCount int64
	AggregateRows    int64
}

func (s *Store) Availability(resolution string, bbox *models.BBox, dataset string) ([]AvailabilityRow, error) {
	q := `
		SELECT k.key, k.kind, k.name, k.latitude, k.longitude, k.dataset, k.cadence_minutes, k.active,
		       MIN(o.observed_at), MAX(o.observed_at), COUNT(o.id),
		       (SELECT COUNT(*) FROM aggregates a WHERE a.key = k.key AND a.resolution = ?)
		FROM keys k
		LEFT JOIN observations o ON o.key = k.key
		WHERE k.active = TRUE`
	args := []any{resolution}
	if bbox != nil {
		q += " AND k.latitude >= ? AND k.latitude <= ? AND k.longitude >= ? AND k.longitude <= ?"
		args = append(args, bbox.MinLat, bbox.MaxLat, bbox.MinLon, bbox.MaxLon)
	}
	if dataset != "" {
		q += " AND k.dataset = ?"
		args = append(args, dataset)
	}
	q += " GROUP BY k.key ORDER BY k.key ASC"

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []AvailabilityRow
	for rows.Next() {
		var r AvailabilityRow
		if err := rows.Scan(&r.Key.Key, &r.Key.Kind, &r.Key.Name, &r.Key.Latitude, &r.Key.Longitude,
			&r.Key.Dataset, &r.Key.CadenceMinutes, &r.Key.Active,
			&r.FirstObservation, &r.LastObservation, &r.ObservationCount, &r.AggregateRows); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}
