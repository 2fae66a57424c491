package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/bluesphere/oceantemp/internal/models"
)

// ReplaceAnomalies atomically swaps the anomaly rows for one key,
// baseline period and date window.
func (s *Store) ReplaceAnomalies(key, baselinePeriod string, start, end time.Time, anomalies []models.Anomaly) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		DELETE FROM anomalies
		WHERE key = ? AND baseline_period = ? AND date >= ? AND date < ?
	`, key, baselinePeriod, start.UTC(), end.UTC()); err != nil {
		return fmt.Errorf("clear anomalies %s %s: %w", key, baselinePeriod, err)
	}

	for _, a := range anomalies {
		if _, err := tx.Exec(`
			INSERT INTO anomalies (key, date, baseline_period, observed_c, baseline_mean_c, baseline_std_c, anomaly_c, std_anomaly)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, a.Key, a.Date.UTC(), a.BaselinePeriod, a.ObservedC, a.BaselineMeanC, a.BaselineStdC,
			a.AnomalyC, a.StdAnomaly); err != nil {
			return fmt.Errorf("insert anomaly %s@%s: %w", a.Key, a.Date.Format("2006-01-02"), err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetAnomalies(key, baselinePeriod string, start, end time.Time) ([]models.Anomaly, error) {
	rows, err := s.db.Query(`
		SELECT key, date, baseline_period, observed_c, baseline_mean_c, baseline_std_c, anomaly_c, std_anomaly
		FROM anomalies
		WHERE key = ? AND baseline_period = ? AND date >= ? AND date < ?
		ORDER BY date ASC
	`, key, baselinePeriod, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAnomalies(rows)
}

func scanAnomalies(rows *sql.Rows) ([]models.Anomaly, error) {
	var anomalies []models.Anomaly
	for rows.Next() {
		var a models.Anomaly
		if err := rows.Scan(&a.Key, &a.Date, &a.BaselinePeriod, &a.ObservedC, &a.BaselineMeanC,
			&a.BaselineStdC, &a.AnomalyC, &a.StdAnomaly); err != nil {
			return nil, err
		}
		anomalies = append(anomalies, a)
	}
	return anomalies, rows.Err()
}

// AnomalyRow is an anomaly joined with key metadata for serving.
type AnomalyRow struct {
	models.Anomaly
	Latitude  float64
	Longitude float64
	Dataset   string
}

// QueryAnomalies serves the anomaly endpoint. minStdAnomaly, when set,
// keeps only rows whose |std_anomaly| meets the threshold; rows with a
// NULL std_anomaly never match a threshold.
func (s *Store) QueryAnomalies(baselinePeriod string, start, end time.Time, keys []string, bbox *models.BBox, dataset string, minStdAnomaly *float64, limit, offset int) ([]AnomalyRow, error) {
	q := `
		SELECT a.key, a.date, a.baseline_period, a.observed_c, a.baseline_mean_c, a.baseline_std_c, a.anomaly_c, a.std_anomaly,
		       k.latitude, k.longitude, k.dataset
		FROM anomalies a
		JOIN keys k ON a.key = k.key
		WHERE a.baseline_period = ? AND a.date >= ? AND a.date < ?`
	args := []any{baselinePeriod, start.UTC(), end.UTC()}
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
	if minStdAnomaly != nil {
		q += " AND a.std_anomaly IS NOT NULL AND ABS(a.std_anomaly) >= ?"
		args = append(args, *minStdAnomaly)
	}
	q += " ORDER BY a.date ASC, a.key ASC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []AnomalyRow
	for rows.Next() {
		var r AnomalyRow
		if err := rows.Scan(&r.Key, &r.Date, &r.BaselinePeriod, &r.ObservedC, &r.BaselineMeanC,
			&r.BaselineStdC, &r.AnomalyC, &r.StdAnomaly,
			&r.Latitude, &r.Longitude, &r.Dataset); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *Store) HasAnomalies(baselinePeriod string, start, end time.Time, bbox *models.BBox, dataset string) (bool, error) {
	q := `
		SELECT 1 FROM anomalies a
		JOIN keys k ON a.key = k.key
		WHERE a.baseline_period = ? AND a.date >= ? AND a.date < ?`
	args := []any{baselinePeriod, start.UTC(), end.UTC()}
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

// MeanAnomaly returns the mean temperature anomaly across all matching
// rows, NULL when none match.
func (s *Store) MeanAnomaly(baselinePeriod string, start, end time.Time, bbox *models.BBox, dataset string) (sql.NullFloat64, error) {
	q := `
		SELECT AVG(a.anomaly_c)
		FROM anomalies a
		JOIN keys k ON a.key = k.key
		WHERE a.baseline_period = ? AND a.date >= ? AND a.date < ?`
	args := []any{baselinePeriod, start.UTC(), end.UTC()}
	if bbox != nil {
		q += " AND k.latitude >= ? AND k.latitude <= ? AND k.longitude >= ? AND k.longitude <= ?"
		args = append(args, bbox.MinLat, bbox.MaxLat, bbox.MinLon, bbox.MaxLon)
	}
	if dataset != "" {
		q += " AND k.dataset = ?"
		args = append(args, dataset)
	}

	var mean sql.NullFloat64
	err := s.db.QueryRow(q, args...).Scan(&mean)
	return mean, err
}

// CountStdAnomaliesAtLeast counts rows whose |std_anomaly| is at or
// above z in the window. Used for anomaly alerting in summaries.
func (s *Store) CountStdAnomaliesAtLeast(baselinePeriod string, start, end time.Time, bbox *models.BBox, dataset string, z float64) (int64, error) {
	q := `
		SELECT COUNT(*)
		FROM anomalies a
		JOIN keys k ON a.key = k.key
		WHERE a.baseline_period = ? AND a.date >= ? AND a.date < ?
		  AND a.std_anomaly IS NOT NULL AND ABS(a.std_anomaly) >= ?`
	args := []any{baselinePeriod, start.UTC(), end.UTC(), z}
	if bbox != nil {
		q += " AND k.latitude >= ? AND k.latitude <= ? AND k.longitude >= ? AND k.longitude <= ?"
		args = append(args, bbox.MinLat, bbox.MaxLat, bbox.MinLon, bbox.MaxLon)
	}
	if dataset != "" {
		q += " AND k.dataset = ?"
		args = append(args, dataset)
	}

	var count int64
	err := s.db.QueryRow(q, args...).Scan(&count)
	return count, err
}
