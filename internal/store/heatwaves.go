package store

import (
	"fmt"
	"time"

	"github.com/bluesphere/oceantemp/internal/models"
)

// ReplaceHeatwaves atomically swaps the heatwave events for one key and
// baseline period whose start date falls in [start, end). Detection is
// deterministic, so reruns land on identical event IDs.
func (s *Store) ReplaceHeatwaves(key, baselinePeriod string, start, end time.Time, events []models.HeatwaveEvent) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		DELETE FROM heatwave_events
		WHERE key = ? AND baseline_period = ? AND start_date >= ? AND start_date < ?
	`, key, baselinePeriod, start.UTC(), end.UTC()); err != nil {
		return fmt.Errorf("clear heatwaves %s %s: %w", key, baselinePeriod, err)
	}

	for _, e := range events {
		if _, err := tx.Exec(`
			INSERT INTO heatwave_events (id, key, start_date, end_date, duration_days, max_intensity_c, mean_intensity_c, cumulative_intensity, peak_std_anomaly, severity, threshold_percentile, baseline_period)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, e.ID, e.Key, e.StartDate.UTC(), e.EndDate.UTC(), e.DurationDays,
			e.MaxIntensityC, e.MeanIntensityC, e.CumulativeIntensity, e.PeakStdAnomaly,
			e.Severity, e.ThresholdPercentile, e.BaselinePeriod); err != nil {
			return fmt.Errorf("insert heatwave %s: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

// HeatwaveRow is a heatwave event joined with key metadata for serving.
type HeatwaveRow struct {
	models.HeatwaveEvent
	Latitude  float64
	Longitude float64
	Dataset   string
}

// QueryHeatwaves returns events overlapping [start, end): an event
// matches when it starts before the window closes and ends at or after
// the window opens. minDuration and minPercentile keep only events at
// least that long or detected at least that strictly; zero disables
// either filter.
func (s *Store) QueryHeatwaves(baselinePeriod string, start, end time.Time, keys []string, bbox *models.BBox, dataset, severity string, minDuration int, minPercentile float64, limit, offset int) ([]HeatwaveRow, error) {
	q := `
		SELECT h.id, h.key, h.start_date, h.end_date, h.duration_days, h.max_intensity_c, h.mean_intensity_c,
		       h.cumulative_intensity, h.peak_std_anomaly, h.severity, h.threshold_percentile, h.baseline_period,
		       k.latitude, k.longitude, k.dataset
		FROM heatwave_events h
		JOIN keys k ON h.key = k.key
		WHERE h.baseline_period = ? AND h.start_date < ? AND h.end_date >= ?`
	args := []any{baselinePeriod, end.UTC(), start.UTC()}
	if len(keys) > 0 {
		q += " AND h.key IN (" + placeholders(len(keys)) + ")"
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
	if severity != "" {
		q += " AND h.severity = ?"
		args = append(args, severity)
	}
	if minDuration > 0 {
		q += " AND h.duration_days >= ?"
		args = append(args, minDuration)
	}
	if minPercentile > 0 {
		q += " AND h.threshold_percentile >= ?"
		args = append(args, minPercentile)
	}
	q += " ORDER BY h.start_date ASC, h.key ASC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []HeatwaveRow
	for rows.Next() {
		var r HeatwaveRow
		if err := rows.Scan(&r.ID, &r.HeatwaveEvent.Key, &r.StartDate, &r.EndDate, &r.DurationDays,
			&r.MaxIntensityC, &r.MeanIntensityC, &r.CumulativeIntensity, &r.PeakStdAnomaly,
			&r.Severity, &r.ThresholdPercentile, &r.HeatwaveEvent.BaselinePeriod,
			&r.Latitude, &r.Longitude, &r.Dataset); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *Store) GetHeatwavesForKey(key, baselinePeriod string, start, end time.Time) ([]models.HeatwaveEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, key, start_date, end_date, duration_days, max_intensity_c, mean_intensity_c,
		       cumulative_intensity, peak_std_anomaly, severity, threshold_percentile, baseline_period
		FROM heatwave_events
		WHERE key = ? AND baseline_period = ? AND start_date < ? AND end_date >= ?
		ORDER BY start_date ASC
	`, key, baselinePeriod, end.UTC(), start.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.HeatwaveEvent
	for rows.Next() {
		var e models.HeatwaveEvent
		if err := rows.Scan(&e.ID, &e.Key, &e.StartDate, &e.EndDate, &e.DurationDays,
			&e.MaxIntensityC, &e.MeanIntensityC, &e.CumulativeIntensity, &e.PeakStdAnomaly,
			&e.Severity, &e.ThresholdPercentile, &e.BaselinePeriod); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountHeatwavesOverlapping counts events overlapping the window.
func (s *Store) CountHeatwavesOverlapping(baselinePeriod string, start, end time.Time, bbox *models.BBox, dataset string) (int64, error) {
	q := `
		SELECT COUNT(*)
		FROM heatwave_events h
		JOIN keys k ON h.key = k.key
		WHERE h.baseline_period = ? AND h.start_date < ? AND h.end_date >= ?`
	args := []any{baselinePeriod, end.UTC(), start.UTC()}
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
