package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/bluesphere/oceantemp/internal/models"
)

// maxGoodQC is the highest quality-control flag still treated as good
// data. Provider conventions use 0..2 for pass/adjusted/estimated and
// 3+ for failed checks.
const maxGoodQC = 2

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) UpsertKey(k models.Key) error {
	_, err := s.db.Exec(`
		INSERT INTO keys (key, kind, name, latitude, longitude, dataset, cadence_minutes, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			kind = excluded.kind,
			name = excluded.name,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			dataset = excluded.dataset,
			cadence_minutes = excluded.cadence_minutes,
			active = excluded.active
	`, k.Key, k.Kind, k.Name, k.Latitude, k.Longitude, k.Dataset, k.CadenceMinutes, k.Active)
	return err
}

func (s *Store) GetKey(key string) (*models.Key, error) {
	row := s.db.QueryRow(`
		SELECT key, kind, name, latitude, longitude, dataset, cadence_minutes, active
		FROM keys WHERE key = ?
	`, key)

	var k models.Key
	err := row.Scan(&k.Key, &k.Kind, &k.Name, &k.Latitude, &k.Longitude, &k.Dataset, &k.CadenceMinutes, &k.Active)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// KeyFilter narrows ListKeys. The zero value matches all active keys.
type KeyFilter struct {
	Dataset         string
	BBox            *models.BBox
	IncludeInactive bool
}

func (s *Store) ListKeys(f KeyFilter) ([]models.Key, error) {
	q := `SELECT key, kind, name, latitude, longitude, dataset, cadence_minutes, active FROM keys`
	var conds []string
	var args []any

	if !f.IncludeInactive {
		conds = append(conds, "active = TRUE")
	}
	if f.Dataset != "" {
		conds = append(conds, "dataset = ?")
		args = append(args, f.Dataset)
	}
	if f.BBox != nil {
		conds = append(conds, "latitude >= ? AND latitude <= ? AND longitude >= ? AND longitude <= ?")
		args = append(args, f.BBox.MinLat, f.BBox.MaxLat, f.BBox.MinLon, f.BBox.MaxLon)
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY key ASC"

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []models.Key
	for rows.Next() {
		var k models.Key
		if err := rows.Scan(&k.Key, &k.Kind, &k.Name, &k.Latitude, &k.Longitude, &k.Dataset, &k.CadenceMinutes, &k.Active); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// InsertObservation upserts one raw reading. Re-ingesting the same
// (key, observed_at, source) triple replaces the stored value, so a
// corrected reading from a provider supersedes the original.
func (s *Store) InsertObservation(obs models.Observation) error {
	_, err := s.db.Exec(`
		INSERT INTO observations (key, observed_at, sst_c, qc_flag, source, quality_flags)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key, observed_at, source) DO UPDATE SET
			sst_c = excluded.sst_c,
			qc_flag = excluded.qc_flag,
			quality_flags = excluded.quality_flags
	`, obs.Key, obs.ObservedAt.UTC(), obs.SSTC, obs.QCFlag, obs.Source, obs.QualityFlags)
	return err
}

// InsertObservations upserts a batch in one transaction so a partially
// processed ingest batch never leaves half its rows behind.
func (s *Store) InsertObservations(obs []models.Observation) error {
	if len(obs) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO observations (key, observed_at, sst_c, qc_flag, source, quality_flags)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key, observed_at, source) DO UPDATE SET
			sst_c = excluded.sst_c,
			qc_flag = excluded.qc_flag,
			quality_flags = excluded.quality_flags
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, o := range obs {
		if _, err := stmt.Exec(o.Key, o.ObservedAt.UTC(), o.SSTC, o.QCFlag, o.Source, o.QualityFlags); err != nil {
			return fmt.Errorf("insert observation %s @ %s: %w", o.Key, o.ObservedAt, err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetObservations(key string, start, end time.Time) ([]models.Observation, error) {
	rows, err := s.db.Query(`
		SELECT id, key, observed_at, sst_c, qc_flag, source, quality_flags, created_at
		FROM observations
		WHERE key = ? AND observed_at >= ? AND observed_at < ?
		ORDER BY observed_at ASC, source ASC
	`, key, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanObservations(rows)
}

// GetCleanObservations returns observations in [start, end) that passed
// provider QC and carry no local validation flags.
func (s *Store) GetCleanObservations(key string, start, end time.Time) ([]models.Observation, error) {
	rows, err := s.db.Query(`
		SELECT id, key, observed_at, sst_c, qc_flag, source, quality_flags, created_at
		FROM observations
		WHERE key = ? AND observed_at >= ? AND observed_at < ?
		  AND qc_flag <= ?
		  AND quality_flags IS NULL
		  AND sst_c IS NOT NULL
		ORDER BY observed_at ASC, source ASC
	`, key, start.UTC(), end.UTC(), maxGoodQC)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanObservations(rows)
}

func scanObservations(rows *sql.Rows) ([]models.Observation, error) {
	var observations []models.Observation
	for rows.Next() {
		var obs models.Observation
		if err := rows.Scan(&obs.ID, &obs.Key, &obs.ObservedAt, &obs.SSTC, &obs.QCFlag, &obs.Source, &obs.QualityFlags, &obs.CreatedAt); err != nil {
			return nil, err
		}
		observations = append(observations, obs)
	}
	return observations, rows.Err()
}

// ObservationKeysInRange returns the distinct keys with any raw reading
// in [start, end). Aggregation uses it to recompute only touched keys.
func (s *Store) ObservationKeysInRange(start, end time.Time) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT key FROM observations
		WHERE observed_at >= ? AND observed_at < ?
		ORDER BY key ASC
	`, start.UTC(), end.UTC())
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

// HasObservationsInRange reports whether any raw data exists for the
// range and filters. The API uses it to tell "not yet computed" apart
// from "no data exists".
func (s *Store) HasObservationsInRange(start, end time.Time, bbox *models.BBox, dataset string) (bool, error) {
	q := `
		SELECT 1 FROM observations o
		JOIN keys k ON o.key = k.key
		WHERE o.observed_at >= ? AND o.observed_at < ?`
	args := []any{start.UTC(), end.UTC()}
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

// RawRow is an observation joined with its key metadata for serving.
type RawRow struct {
	models.Observation
	Latitude  float64
	Longitude float64
	Dataset   string
}

func (s *Store) GetRawRows(start, end time.Time, keys []string, bbox *models.BBox, dataset string, limit, offset int) ([]RawRow, error) {
	q := `
		SELECT o.id, o.key, o.observed_at, o.sst_c, o.qc_flag, o.source, o.quality_flags, o.created_at,
		       k.latitude, k.longitude, k.dataset
		FROM observations o
		JOIN keys k ON o.key = k.key
		WHERE o.observed_at >= ? AND o.observed_at < ?`
	args := []any{start.UTC(), end.UTC()}
	if len(keys) > 0 {
		q += " AND o.key IN (" + placeholders(len(keys)) + ")"
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
	q += " ORDER BY o.observed_at ASC, o.key ASC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []RawRow
	for rows.Next() {
		var r RawRow
		if err := rows.Scan(&r.ID, &r.Key, &r.ObservedAt, &r.SSTC, &r.QCFlag, &r.Source, &r.QualityFlags, &r.CreatedAt,
			&r.Latitude, &r.Longitude, &r.Dataset); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// PruneObservations deletes raw observations older than the cutoff and
// returns the number removed. Derived aggregates are retained, so this
// bounds raw-table growth without losing served history.
func (s *Store) PruneObservations(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM observations WHERE observed_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
