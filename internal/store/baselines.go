package store

import (
	"database/sql"
	"fmt"

	"github.com/bluesphere/oceantemp/internal/models"
)

// ReplaceBaselines atomically swaps all baseline rows for one key,
// reference period and granularity.
func (s *Store) ReplaceBaselines(key string, period models.BaselinePeriod, granularity string, baselines []models.Baseline) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		DELETE FROM baselines
		WHERE key = ? AND period_start_year = ? AND period_end_year = ? AND granularity = ?
	`, key, period.StartYear, period.EndYear, granularity); err != nil {
		return fmt.Errorf("clear baselines %s %s: %w", key, period.Label(), err)
	}

	for _, b := range baselines {
		if _, err := tx.Exec(`
			INSERT INTO baselines (key, period_start_year, period_end_year, granularity, position, mean_sst_c, std_sst_c, sample_years, insufficient)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, b.Key, b.Period.StartYear, b.Period.EndYear, b.Granularity, b.Position,
			b.MeanC, b.StdC, b.SampleYears, b.Insufficient); err != nil {
			return fmt.Errorf("insert baseline %s %s pos %d: %w", b.Key, b.Period.Label(), b.Position, err)
		}
	}
	return tx.Commit()
}

// GetBaselines returns the baseline rows for one key, period and
// granularity keyed by calendar position.
func (s *Store) GetBaselines(key string, period models.BaselinePeriod, granularity string) (map[int]models.Baseline, error) {
	rows, err := s.db.Query(`
		SELECT key, period_start_year, period_end_year, granularity, position, mean_sst_c, std_sst_c, sample_years, insufficient
		FROM baselines
		WHERE key = ? AND period_start_year = ? AND period_end_year = ? AND granularity = ?
	`, key, period.StartYear, period.EndYear, granularity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[int]models.Baseline)
	for rows.Next() {
		var b models.Baseline
		if err := rows.Scan(&b.Key, &b.Period.StartYear, &b.Period.EndYear, &b.Granularity, &b.Position,
			&b.MeanC, &b.StdC, &b.SampleYears, &b.Insufficient); err != nil {
			return nil, err
		}
		result[b.Position] = b
	}
	return result, rows.Err()
}

// HasBaselines reports whether any baseline rows exist for the period.
// An empty key matches any key.
func (s *Store) HasBaselines(key string, period models.BaselinePeriod) (bool, error) {
	q := `SELECT 1 FROM baselines WHERE period_start_year = ? AND period_end_year = ?`
	args := []any{period.StartYear, period.EndYear}
	if key != "" {
		q += " AND key = ?"
		args = append(args, key)
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
