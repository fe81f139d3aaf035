package api

import (
	"database/sql"
	"math"
	"time"

	"github.com/lox/waterquality/internal/models"
	"github.com/lox/waterquality/internal/store"
	"github.com/lox/waterquality/internal/verify"
)

type SiteView struct {
	SiteID   string `json:"site_id"`
	Name     string `json:"name"`
	Readings int    `json:"readings"`
}

type RunView struct {
	ID             string     `json:"id"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at"`
	Source         *string    `json:"source"`
	ReadingCount   int        `json:"reading_count"`
	WindowLength   int        `json:"window_length"`
	Epochs         int        `json:"epochs"`
	Seed           int64      `json:"seed"`
	VariantsOK     int        `json:"variants_ok"`
	VariantsFailed int        `json:"variants_failed"`
	Summary        *string    `json:"summary"`
}

type ImportView struct {
	StartedAt     time.Time `json:"started_at"`
	Source        string    `json:"source"`
	Success       bool      `json:"success"`
	RecordsStored *int64    `json:"records_stored"`
	Error         *string   `json:"error,omitempty"`
}

type SiteHealth struct {
	SiteID   string `json:"site_id"`
	Readings int    `json:"readings"`
}

type HealthStatus struct {
	Status     string       `json:"status"`
	Readings   int          `json:"readings"`
	Sites      []SiteHealth `json:"sites"`
	LatestRun  *RunView     `json:"latest_run"`
	LastImport *ImportView  `json:"last_import"`
	Errors     []string     `json:"errors,omitempty"`
}

// MetricsView is the wide metrics table. Missing cells are null.
type MetricsView struct {
	RunID   string           `json:"run_id"`
	Columns []string         `json:"columns"`
	Rows    []MetricsRowView `json:"rows"`
}

type MetricsRowView struct {
	Model  string     `json:"model"`
	Values []*float64 `json:"values"`
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid || math.IsNaN(v.Float64) || math.IsInf(v.Float64, 0) {
		return nil
	}
	f := v.Float64
	return &f
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func newRunView(r *models.PipelineRun) *RunView {
	v := &RunView{
		ID:             r.ID,
		StartedAt:      r.StartedAt,
		Source:         nullString(r.Source),
		ReadingCount:   r.ReadingCount,
		WindowLength:   r.WindowLength,
		Epochs:         r.Epochs,
		Seed:           r.Seed,
		VariantsOK:     r.VariantsOK,
		VariantsFailed: r.VariantsFailed,
		Summary:        nullString(r.Summary),
	}
	if r.FinishedAt.Valid {
		t := r.FinishedAt.Time
		v.FinishedAt = &t
	}
	return v
}

func newImportView(r store.ImportRun) *ImportView {
	v := &ImportView{
		StartedAt: r.StartedAt,
		Source:    r.Source,
		Success:   r.Success,
		Error:     nullString(r.ErrorMessage),
	}
	if r.RecordsStored.Valid {
		n := r.RecordsStored.Int64
		v.RecordsStored = &n
	}
	return v
}

func newMetricsView(runID string, t *verify.WideTable) MetricsView {
	v := MetricsView{RunID: runID, Columns: t.Columns, Rows: make([]MetricsRowView, 0, len(t.Rows))}
	for _, r := range t.Rows {
		row := MetricsRowView{Model: r.Model, Values: make([]*float64, len(r.Values))}
		for i, val := range r.Values {
			row.Values[i] = nullFloat(val)
		}
		v.Rows = append(v.Rows, row)
	}
	return v
}

// predictionView flattens a prediction into pred_<parameter> fields.
func predictionView(p models.PredictionRow) map[string]any {
	v := make(map[string]any, models.NumParameters+3)
	v["site"] = p.Site
	v["model"] = p.Model
	v["horizon"] = p.Horizon
	for i, param := range models.WaterParameters {
		if i < len(p.Values) {
			v[param.PredColumn()] = nullFloat(sql.NullFloat64{Float64: p.Values[i], Valid: true})
		} else {
			v[param.PredColumn()] = nil
		}
	}
	return v
}
