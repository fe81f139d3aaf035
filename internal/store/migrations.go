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
		Description: "Initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS sites (
    site_id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    active BOOLEAN DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS readings (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    site_id TEXT NOT NULL,
    sampled_at DATETIME,
    surface_temp REAL,
    middle_temp REAL,
    bottom_temp REAL,
    ph REAL,
    ammonia REAL,
    nitrate REAL,
    phosphate REAL,
    dissolved_oxygen REAL,
    sulfide REAL,
    carbon_dioxide REAL,
    weather_condition TEXT,
    wind_direction TEXT,
    air_temperature REAL,
    quality_flags TEXT NOT NULL DEFAULT '',
    import_run_id INTEGER,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_readings_site ON readings(site_id);
CREATE INDEX IF NOT EXISTS idx_readings_sampled ON readings(sampled_at);
`,
	},
	{
		Version:     2,
		Description: "Add import audit tables",
		SQL: `
CREATE TABLE IF NOT EXISTS import_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    source TEXT NOT NULL,
    scheme TEXT NOT NULL,
    response_size_bytes INTEGER,
    records_parsed INTEGER,
    records_stored INTEGER,
    records_flagged INTEGER,
    parse_errors INTEGER,
    success BOOLEAN NOT NULL DEFAULT FALSE,
    error_message TEXT
);

CREATE TABLE IF NOT EXISTS raw_payloads (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    import_run_id INTEGER,
    fetched_at DATETIME NOT NULL,
    source TEXT NOT NULL,
    payload_compressed BLOB NOT NULL,
    payload_hash TEXT NOT NULL UNIQUE,
    schema_version INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_import_runs_started ON import_runs(started_at);
`,
	},
	{
		Version:     3,
		Description: "Add pipeline run results",
		SQL: `
CREATE TABLE IF NOT EXISTS pipeline_runs (
    id TEXT PRIMARY KEY,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    source TEXT,
    reading_count INTEGER NOT NULL DEFAULT 0,
    window_length INTEGER NOT NULL,
    epochs INTEGER NOT NULL,
    seed INTEGER NOT NULL,
    variants_ok INTEGER NOT NULL DEFAULT 0,
    variants_failed INTEGER NOT NULL DEFAULT 0,
    success BOOLEAN NOT NULL DEFAULT FALSE,
    error_message TEXT,
    summary TEXT
);

CREATE TABLE IF NOT EXISTS run_metrics (
    run_id TEXT NOT NULL REFERENCES pipeline_runs(id),
    position INTEGER NOT NULL,
    model TEXT NOT NULL,
    horizon TEXT NOT NULL,
    mae REAL,
    mse REAL,
    rmse REAL,
    r2 REAL,
    PRIMARY KEY (run_id, model, horizon)
);

CREATE TABLE IF NOT EXISTS run_predictions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES pipeline_runs(id),
    site TEXT NOT NULL,
    model TEXT NOT NULL,
    horizon TEXT NOT NULL,
    pred_surface_temp REAL,
    pred_middle_temp REAL,
    pred_bottom_temp REAL,
    pred_ph REAL,
    pred_ammonia REAL,
    pred_nitrate REAL,
    pred_phosphate REAL,
    pred_dissolved_oxygen REAL,
    pred_sulfide REAL,
    pred_carbon_dioxide REAL
);

CREATE INDEX IF NOT EXISTS idx_pipeline_runs_started ON pipeline_runs(started_at);
CREATE INDEX IF NOT EXISTS idx_run_predictions_run ON run_predictions(run_id, site, horizon);
`,
	},
	{
		Version:     4,
		Description: "Deduplicate readings and record run horizons",
		SQL: `
ALTER TABLE readings ADD COLUMN source TEXT;
ALTER TABLE readings ADD COLUMN source_row INTEGER;

DELETE FROM readings
WHERE sampled_at IS NOT NULL
  AND id NOT IN (
    SELECT MIN(id) FROM readings WHERE sampled_at IS NOT NULL GROUP BY site_id, sampled_at
  );

CREATE UNIQUE INDEX IF NOT EXISTS idx_readings_site_sampled ON readings(site_id, sampled_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_readings_source_row ON readings(source, source_row) WHERE sampled_at IS NULL;

ALTER TABLE pipeline_runs ADD COLUMN horizons TEXT;
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
