package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lox/waterquality/internal/models"
)

// StartPipelineRun records the start of a forecasting run and assigns it an ID.
func (s *Store) StartPipelineRun(source string, windowLength, epochs int, seed int64) (*models.PipelineRun, error) {
	run := &models.PipelineRun{
		ID:           uuid.NewString(),
		StartedAt:    time.Now().UTC(),
		WindowLength: windowLength,
		Epochs:       epochs,
		Seed:         seed,
	}
	if source != "" {
		run.Source = sql.NullString{String: source, Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT INTO pipeline_runs (id, started_at, source, window_length, epochs, seed, success)
		VALUES (?, ?, ?, ?, ?, ?, FALSE)
	`, run.ID, run.StartedAt, run.Source, run.WindowLength, run.Epochs, run.Seed)
	if err != nil {
		return nil, fmt.Errorf("insert pipeline run: %w", err)
	}
	return run, nil
}

// CompletePipelineRun stores the outcome counters of run.
func (s *Store) CompletePipelineRun(run *models.PipelineRun) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}

	var horizons sql.NullString
	if len(run.Horizons) > 0 {
		b, err := json.Marshal(run.Horizons)
		if err != nil {
			return fmt.Errorf("encode horizons: %w", err)
		}
		horizons = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.db.Exec(`
		UPDATE pipeline_runs SET
			finished_at = ?,
			reading_count = ?,
			variants_ok = ?,
			variants_failed = ?,
			success = ?,
			error_message = ?,
			summary = ?,
			horizons = ?
		WHERE id = ?
	`, run.FinishedAt, run.ReadingCount, run.VariantsOK, run.VariantsFailed,
		run.Success, run.ErrorMessage, run.Summary, horizons, run.ID)
	return err
}

// nullIfNonFinite stores NaN and infinities as NULL.
func nullIfNonFinite(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

// orNaN reads a NULL score back as NaN.
func orNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

// SaveRunResult stores the metrics and prediction tables of a run in one
// transaction. Metrics keep their order through a position column.
func (s *Store) SaveRunResult(runID string, metrics []models.MetricsRow, preds []models.PredictionRow) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for i, m := range metrics {
		if _, err := tx.Exec(`
			INSERT INTO run_metrics (run_id, position, model, horizon, mae, mse, rmse, r2)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, runID, i, m.Model, m.Horizon, nullIfNonFinite(m.MAE), nullIfNonFinite(m.MSE),
			nullIfNonFinite(m.RMSE), m.R2); err != nil {
			return fmt.Errorf("insert metrics %s/%s: %w", m.Model, m.Horizon, err)
		}
	}

	cols := make([]string, 0, models.NumParameters)
	for _, p := range models.WaterParameters {
		cols = append(cols, p.PredColumn())
	}
	stmt, err := tx.Prepare(`
		INSERT INTO run_predictions (run_id, site, model, horizon, ` + strings.Join(cols, ", ") + `)
		VALUES (?, ?, ?, ?` + strings.Repeat(", ?", len(cols)) + `)
	`)
	if err != nil {
		return fmt.Errorf("prepare prediction insert: %w", err)
	}
	defer stmt.Close()

	args := make([]any, 4+len(cols))
	for i, p := range preds {
		if len(p.Values) != len(cols) {
			return fmt.Errorf("prediction %d has %d values, want %d", i, len(p.Values), len(cols))
		}
		args[0], args[1], args[2], args[3] = runID, p.Site, p.Model, p.Horizon
		for j, v := range p.Values {
			args[4+j] = nullIfNonFinite(v)
		}
		if _, err := stmt.Exec(args...); err != nil {
			return fmt.Errorf("insert prediction %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run result: %w", err)
	}
	return nil
}

const pipelineRunColumns = `id, started_at, finished_at, source, reading_count, window_length, epochs, seed, variants_ok, variants_failed, success, error_message, summary, horizons`

func scanPipelineRun(row *sql.Row) (*models.PipelineRun, error) {
	var r models.PipelineRun
	var horizons sql.NullString
	err := row.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Source, &r.ReadingCount,
		&r.WindowLength, &r.Epochs, &r.Seed, &r.VariantsOK, &r.VariantsFailed,
		&r.Success, &r.ErrorMessage, &r.Summary, &horizons)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if horizons.Valid {
		if err := json.Unmarshal([]byte(horizons.String), &r.Horizons); err != nil {
			return nil, fmt.Errorf("decode horizons of run %s: %w", r.ID, err)
		}
	}
	return &r, nil
}

// GetLatestRun returns the most recent successful pipeline run, or nil.
func (s *Store) GetLatestRun() (*models.PipelineRun, error) {
	return scanPipelineRun(s.db.QueryRow(`
		SELECT ` + pipelineRunColumns + `
		FROM pipeline_runs
		WHERE success = TRUE
		ORDER BY started_at DESC
		LIMIT 1
	`))
}

func (s *Store) GetRun(id string) (*models.PipelineRun, error) {
	return scanPipelineRun(s.db.QueryRow(`
		SELECT `+pipelineRunColumns+`
		FROM pipeline_runs
		WHERE id = ?
	`, id))
}

func (s *Store) GetRunMetrics(runID string) ([]models.MetricsRow, error) {
	rows, err := s.db.Query(`
		SELECT model, horizon, mae, mse, rmse, r2
		FROM run_metrics
		WHERE run_id = ?
		ORDER BY position
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var metrics []models.MetricsRow
	for rows.Next() {
		var m models.MetricsRow
		var mae, mse, rmse sql.NullFloat64
		if err := rows.Scan(&m.Model, &m.Horizon, &mae, &mse, &rmse, &m.R2); err != nil {
			return nil, err
		}
		m.MAE, m.MSE, m.RMSE = orNaN(mae), orNaN(mse), orNaN(rmse)
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

// PredictionFilter narrows GetRunPredictions. Empty fields match everything.
type PredictionFilter struct {
	Site    string
	Horizon string
	Model   string
}

// GetRunPredictions returns a run's prediction rows in stored order.
func (s *Store) GetRunPredictions(runID string, f PredictionFilter) ([]models.PredictionRow, error) {
	cols := make([]string, 0, models.NumParameters)
	for _, p := range models.WaterParameters {
		cols = append(cols, p.PredColumn())
	}

	query := `SELECT site, model, horizon, ` + strings.Join(cols, ", ") + ` FROM run_predictions WHERE run_id = ?`
	args := []any{runID}
	if f.Site != "" {
		query += ` AND site = ?`
		args = append(args, f.Site)
	}
	if f.Horizon != "" {
		query += ` AND horizon = ?`
		args = append(args, f.Horizon)
	}
	if f.Model != "" {
		query += ` AND model = ?`
		args = append(args, f.Model)
	}
	query += ` ORDER BY id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var preds []models.PredictionRow
	for rows.Next() {
		p := models.PredictionRow{Values: make([]float64, len(cols))}
		vals := make([]sql.NullFloat64, len(cols))
		dest := []any{&p.Site, &p.Model, &p.Horizon}
		for i := range vals {
			dest = append(dest, &vals[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		for i, v := range vals {
			p.Values[i] = orNaN(v)
		}
		preds = append(preds, p)
	}
	return preds, rows.Err()
}
