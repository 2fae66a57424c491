package store

import (
	"database/sql"
	"time"

	"github.com/bluesphere/oceantemp/internal/models"
)

// StartJobRun records the beginning of a recomputation attempt and
// returns the row so the caller can complete it later.
func (s *Store) StartJobRun(job string, partition, period *string, attempt int) (*models.JobRun, error) {
	run := &models.JobRun{
		Job:       job,
		Status:    models.JobStatusRunning,
		StartedAt: time.Now().UTC(),
		Attempt:   attempt,
	}
	if partition != nil {
		run.Partition = sql.NullString{String: *partition, Valid: true}
	}
	if period != nil {
		run.Period = sql.NullString{String: *period, Valid: true}
	}

	result, err := s.db.Exec(`
		INSERT INTO job_runs (job, partition_key, period, status, started_at, attempt)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.Job, run.Partition, run.Period, run.Status, run.StartedAt, run.Attempt)
	if err != nil {
		return nil, err
	}

	run.ID, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return run, nil
}

// CompleteJobRun marks a run finished with the given status and note.
func (s *Store) CompleteJobRun(run *models.JobRun, status, note string) error {
	if run == nil {
		return nil
	}

	run.Status = status
	run.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	if note != "" {
		run.Note = sql.NullString{String: note, Valid: true}
	}

	_, err := s.db.Exec(`
		UPDATE job_runs SET status = ?, finished_at = ?, note = ? WHERE id = ?
	`, run.Status, run.FinishedAt, run.Note, run.ID)
	return err
}

// LatestSuccessfulRun returns the most recent successful run of a job,
// or nil when the job has never succeeded. Freshness reporting keys off
// this.
func (s *Store) LatestSuccessfulRun(job string) (*models.JobRun, error) {
	row := s.db.QueryRow(`
		SELECT id, job, partition_key, period, status, started_at, finished_at, note, attempt
		FROM job_runs
		WHERE job = ? AND status = ?
		ORDER BY started_at DESC
		LIMIT 1
	`, job, models.JobStatusSuccess)

	var run models.JobRun
	err := row.Scan(&run.ID, &run.Job, &run.Partition, &run.Period, &run.Status,
		&run.StartedAt, &run.FinishedAt, &run.Note, &run.Attempt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// RecentJobRuns returns the latest runs across all jobs, newest first.
func (s *Store) RecentJobRuns(limit int) ([]models.JobRun, error) {
	rows, err := s.db.Query(`
		SELECT id, job, partition_key, period, status, started_at, finished_at, note, attempt
		FROM job_runs
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.JobRun
	for rows.Next() {
		var run models.JobRun
		if err := rows.Scan(&run.ID, &run.Job, &run.Partition, &run.Period, &run.Status,
			&run.StartedAt, &run.FinishedAt, &run.Note, &run.Attempt); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// RecentFailures returns failed runs for surfacing in health output.
func (s *Store) RecentFailures(limit int) ([]models.JobRun, error) {
	rows, err := s.db.Query(`
		SELECT id, job, partition_key, period, status, started_at, finished_at, note, attempt
		FROM job_runs
		WHERE status = ?
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, models.JobStatusError, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.JobRun
	for rows.Next() {
		var run models.JobRun
		if err := rows.Scan(&run.ID, &run.Job, &run.Partition, &run.Period, &run.Status,
			&run.StartedAt, &run.FinishedAt, &run.Note, &run.Attempt); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
