package store

import (
	"database/sql"
	"time"
)

// ImportRun records one fetch-and-load of a reading source for auditing.
type ImportRun struct {
	ID                int64
	StartedAt         time.Time
	FinishedAt        sql.NullTime
	Source            string
	Scheme            string // "file", "http", "ftp"
	ResponseSizeBytes sql.NullInt64
	RecordsParsed     sql.NullInt64
	RecordsStored     sql.NullInt64
	RecordsFlagged    sql.NullInt64
	ParseErrors       sql.NullInt64
	Success           bool
	ErrorMessage      sql.NullString
}

// StartImportRun creates a new import run record and returns it.
func (s *Store) StartImportRun(source, scheme string) (*ImportRun, error) {
	run := &ImportRun{
		StartedAt: time.Now().UTC(),
		Source:    source,
		Scheme:    scheme,
	}

	result, err := s.db.Exec(`
		INSERT INTO import_runs (started_at, source, scheme, success)
		VALUES (?, ?, ?, FALSE)
	`, run.StartedAt, run.Source, run.Scheme)
	if err != nil {
		return nil, err
	}

	run.ID, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return run, nil
}

// CompleteImportRun updates the import run with results.
func (s *Store) CompleteImportRun(run *ImportRun) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}

	_, err := s.db.Exec(`
		UPDATE import_runs SET
			finished_at = ?,
			response_size_bytes = ?,
			records_parsed = ?,
			records_stored = ?,
			records_flagged = ?,
			parse_errors = ?,
			success = ?,
			error_message = ?
		WHERE id = ?
	`, run.FinishedAt, run.ResponseSizeBytes, run.RecordsParsed, run.RecordsStored,
		run.RecordsFlagged, run.ParseErrors, run.Success, run.ErrorMessage, run.ID)
	return err
}

// GetImportRun returns an import run by ID, or nil if it does not exist.
func (s *Store) GetImportRun(id int64) (*ImportRun, error) {
	var r ImportRun
	err := s.db.QueryRow(`
		SELECT id, started_at, finished_at, source, scheme, response_size_bytes,
			   records_parsed, records_stored, records_flagged, parse_errors,
			   success, error_message
		FROM import_runs
		WHERE id = ?
	`, id).Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Source, &r.Scheme,
		&r.ResponseSizeBytes, &r.RecordsParsed, &r.RecordsStored, &r.RecordsFlagged,
		&r.ParseErrors, &r.Success, &r.ErrorMessage)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetRecentImportRuns returns the latest import runs, newest first.
func (s *Store) GetRecentImportRuns(limit int) ([]ImportRun, error) {
	rows, err := s.db.Query(`
		SELECT id, started_at, finished_at, source, scheme, response_size_bytes,
			   records_parsed, records_stored, records_flagged, parse_errors,
			   success, error_message
		FROM import_runs
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ImportRun
	for rows.Next() {
		var r ImportRun
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Source, &r.Scheme,
			&r.ResponseSizeBytes, &r.RecordsParsed, &r.RecordsStored, &r.RecordsFlagged,
			&r.ParseErrors, &r.Success, &r.ErrorMessage); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
