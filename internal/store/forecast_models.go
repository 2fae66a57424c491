package store

import (
	"database/sql"

	"github.com/bluesphere/oceantemp/internal/models"
)

// UpsertForecastModel stores a trained model's validation scores and
// fills in the row ID. Revalidating the same (type, version) replaces
// the scores in place.
func (s *Store) UpsertForecastModel(m *models.ForecastModel) error {
	_, err := s.db.Exec(`
		INSERT INTO forecast_models (model_type, version, trained_at, rmse, mae, r2)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(model_type, version) DO UPDATE SET
			trained_at = excluded.trained_at,
			rmse = excluded.rmse,
			mae = excluded.mae,
			r2 = excluded.r2
	`, m.Type, m.Version, m.TrainedAt.UTC(), m.RMSE, m.MAE, m.R2)
	if err != nil {
		return err
	}
	return s.db.QueryRow(`
		SELECT id FROM forecast_models WHERE model_type = ? AND version = ?
	`, m.Type, m.Version).Scan(&m.ID)
}

func (s *Store) UpsertSkillBucket(b models.SkillBucket) error {
	_, err := s.db.Exec(`
		INSERT INTO forecast_skill (model_id, bucket_hours, rmse, mae, samples)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(model_id, bucket_hours) DO UPDATE SET
			rmse = excluded.rmse,
			mae = excluded.mae,
			samples = excluded.samples
	`, b.ModelID, b.BucketHours, b.RMSE, b.MAE, b.Samples)
	return err
}

func (s *Store) GetForecastModels() ([]models.ForecastModel, error) {
	rows, err := s.db.Query(`
		SELECT id, model_type, version, trained_at, rmse, mae, r2
		FROM forecast_models
		ORDER BY model_type ASC, trained_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []models.ForecastModel
	for rows.Next() {
		var m models.ForecastModel
		if err := rows.Scan(&m.ID, &m.Type, &m.Version, &m.TrainedAt, &m.RMSE, &m.MAE, &m.R2); err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func (s *Store) GetForecastModel(id int64) (*models.ForecastModel, error) {
	row := s.db.QueryRow(`
		SELECT id, model_type, version, trained_at, rmse, mae, r2
		FROM forecast_models WHERE id = ?
	`, id)

	var m models.ForecastModel
	err := row.Scan(&m.ID, &m.Type, &m.Version, &m.TrainedAt, &m.RMSE, &m.MAE, &m.R2)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// LatestModelByType returns the most recently validated model of a
// type, or nil when the type has never been validated.
func (s *Store) LatestModelByType(modelType string) (*models.ForecastModel, error) {
	row := s.db.QueryRow(`
		SELECT id, model_type, version, trained_at, rmse, mae, r2
		FROM forecast_models
		WHERE model_type = ?
		ORDER BY trained_at DESC
		LIMIT 1
	`, modelType)

	var m models.ForecastModel
	err := row.Scan(&m.ID, &m.Type, &m.Version, &m.TrainedAt, &m.RMSE, &m.MAE, &m.R2)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) GetSkillBuckets(modelID int64) ([]models.SkillBucket, error) {
	rows, err := s.db.Query(`
		SELECT model_id, bucket_hours, rmse, mae, samples
		FROM forecast_skill
		WHERE model_id = ?
		ORDER BY bucket_hours ASC
	`, modelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var buckets []models.SkillBucket
	for rows.Next() {
		var b models.SkillBucket
		if err := rows.Scan(&b.ModelID, &b.BucketHours, &b.RMSE, &b.MAE, &b.Samples); err != nil {
			return nil, err
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}
