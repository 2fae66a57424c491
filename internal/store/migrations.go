package store

import (
	"database/sql"
	"fmt"
	"log"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema: key registry and raw observations",
		SQL: `
CREATE TABLE IF NOT EXISTS keys (
    key TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    name TEXT,
    latitude REAL,
    longitude REAL,
    dataset TEXT NOT NULL DEFAULT '',
    active BOOLEAN DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS observations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    key TEXT NOT NULL,
    observed_at DATETIME NOT NULL,
    sst_c REAL,
    qc_flag INTEGER NOT NULL DEFAULT 0,
    source TEXT NOT NULL DEFAULT '',
    quality_flags TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(key, observed_at, source)
);

CREATE INDEX IF NOT EXISTS idx_obs_key_time ON observations(key, observed_at);
CREATE INDEX IF NOT EXISTS idx_obs_time ON observations(observed_at);
`,
	},
	{
		Version:     2,
		Description: "Job run tracking",
		SQL: `
CREATE TABLE IF NOT EXISTS job_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job TEXT NOT NULL,
    partition_key TEXT,
    period TEXT,
    status TEXT NOT NULL,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    note TEXT,
    attempt INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_job_runs_job_time ON job_runs(job, started_at);
`,
	},
	{
		Version:     3,
		Description: "Multi-resolution aggregates",
		SQL: `
CREATE TABLE IF NOT EXISTS aggregates (
    key TEXT NOT NULL,
    resolution TEXT NOT NULL,
    period_start DATETIME NOT NULL,
    period_end DATETIME NOT NULL,
    mean_sst_c REAL NOT NULL,
    min_sst_c REAL NOT NULL,
    max_sst_c REAL NOT NULL,
    sample_count INTEGER NOT NULL,
    completeness REAL NOT NULL,
    low_confidence BOOLEAN NOT NULL DEFAULT FALSE,
    computed_at DATETIME NOT NULL,
    PRIMARY KEY (key, resolution, period_start)
);

CREATE INDEX IF NOT EXISTS idx_agg_res_period ON aggregates(resolution, period_start);
`,
	},
	{
		Version:     4,
		Description: "Climate baselines and anomalies",
		SQL: `
CREATE TABLE IF NOT EXISTS baselines (
    key TEXT NOT NULL,
    period_start_year INTEGER NOT NULL,
    period_end_year INTEGER NOT NULL,
    granularity TEXT NOT NULL,
    position INTEGER NOT NULL,
    mean_sst_c REAL NOT NULL,
    std_sst_c REAL NOT NULL,
    sample_years INTEGER NOT NULL,
    insufficient BOOLEAN NOT NULL DEFAULT FALSE,
    PRIMARY KEY (key, period_start_year, period_end_year, granularity, position)
);

CREATE TABLE IF NOT EXISTS anomalies (
    key TEXT NOT NULL,
    date DATE NOT NULL,
    baseline_period TEXT NOT NULL,
    observed_c REAL NOT NULL,
    baseline_mean_c REAL NOT NULL,
    baseline_std_c REAL NOT NULL,
    anomaly_c REAL NOT NULL,
    std_anomaly REAL,
    PRIMARY KEY (key, date, baseline_period)
);

CREATE INDEX IF NOT EXISTS idx_anomalies_date ON anomalies(date);
`,
	},
	{
		Version:     5,
		Description: "Marine heatwave events",
		SQL: `
CREATE TABLE IF NOT EXISTS heatwave_events (
    id TEXT PRIMARY KEY,
    key TEXT NOT NULL,
    start_date DATE NOT NULL,
    end_date DATE NOT NULL,
    duration_days INTEGER NOT NULL,
    max_intensity_c REAL NOT NULL,
    mean_intensity_c REAL NOT NULL,
    cumulative_intensity REAL NOT NULL,
    peak_std_anomaly REAL NOT NULL,
    severity TEXT NOT NULL,
    threshold_percentile REAL NOT NULL,
    baseline_period TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_heatwaves_key_start ON heatwave_events(key, start_date);
CREATE INDEX IF NOT EXISTS idx_heatwaves_dates ON heatwave_events(start_date, end_date);
`,
	},
	{
		Version:     6,
		Description: "Forecast model registry and per-horizon skill",
		SQL: `
CREATE TABLE IF NOT EXISTS forecast_models (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    model_type TEXT NOT NULL,
    version TEXT NOT NULL,
    trained_at DATETIME NOT NULL,
    rmse REAL,
    mae REAL,
    r2 REAL,
    UNIQUE(model_type, version)
);

CREATE TABLE IF NOT EXISTS forecast_skill (
    model_id INTEGER NOT NULL REFERENCES forecast_models(id),
    bucket_hours INTEGER NOT NULL,
    rmse REAL NOT NULL,
    mae REAL NOT NULL,
    samples INTEGER NOT NULL,
    PRIMARY KEY (model_id, bucket_hours)
);
`,
	},
	{
		Version:     7,
		Description: "Per-key sampling cadence for expected-count accounting",
		SQL: `
ALTER TABLE keys ADD COLUMN cadence_minutes INTEGER NOT NULL DEFAULT 60;
`,
	},
	{
		Version:     8,
		Description: "Dead-letter archive for dropped ingest payloads",
		SQL: `
CREATE TABLE IF NOT EXISTS rejected_tuples (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    received_at TIMESTAMP NOT NULL,
    source TEXT NOT NULL,
    reason TEXT NOT NULL,
    key TEXT,
    payload_compressed BLOB NOT NULL,
    payload_hash TEXT NOT NULL UNIQUE
);

CREATE INDEX IF NOT EXISTS idx_rejected_received ON rejected_tuples(received_at);
`,
	},
}

func (s *Store) Migrate() error {
	if err := s.ensureMigrationsTable(); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		log.Printf("migrations: applying %d - %s", m.Version, m.Description)

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Description, time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}

		log.Printf("migrations: completed %d", m.Version)
	}

	return nil
}

func (s *Store) ensureMigrationsTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME
		)
	`)
	return err
}

func (s *Store) getAppliedMigrations() (map[int]bool, error) {
	rows, err := s.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (s *Store) MigrationVersion() (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
