package verify

import (
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/lox/waterquality/internal/models"
)

// Metric column prefixes of the wide table, in column order.
var MetricNames = []string{"Final MAE", "Final MSE", "Final RMSE", "R2 Score"}

// MetricsRow builds the metrics row of one variant for one horizon.
func MetricsRow(model, horizon string, s Scores) models.MetricsRow {
	return models.MetricsRow{
		Model:   model,
		Horizon: horizon,
		MAE:     s.MAE,
		MSE:     s.MSE,
		RMSE:    s.RMSE,
		R2:      s.R2,
	}
}

// PredictionRows pairs every window's prediction with its site label, the
// variant name and the horizon label.
func PredictionRows(model, horizon string, sites []string, preds [][]float64) ([]models.PredictionRow, error) {
	if len(sites) != len(preds) {
		return nil, fmt.Errorf("prediction rows: %d sites for %d predictions", len(sites), len(preds))
	}
	rows := make([]models.PredictionRow, len(preds))
	for i, p := range preds {
		if len(p) != models.NumParameters {
			return nil, fmt.Errorf("prediction rows: window %d has %d values, want %d", i, len(p), models.NumParameters)
		}
		rows[i] = models.PredictionRow{
			Site:    sites[i],
			Model:   model,
			Horizon: horizon,
			Values:  append([]float64(nil), p...),
		}
	}
	return rows, nil
}

// ColumnName is the wide-table column for a metric at a horizon.
func ColumnName(metric, horizon string) string {
	return metric + " - " + horizon
}

// WideRow is one model's scores across all horizons, aligned with
// WideTable.Columns.
type WideRow struct {
	Model  string
	Values []sql.NullFloat64
}

// WideTable is the metrics table keyed by model name.
type WideTable struct {
	Columns []string
	Rows    []WideRow
}

// Value looks up a cell by model and column name.
func (t *WideTable) Value(model, column string) (sql.NullFloat64, bool) {
	col := -1
	for i, c := range t.Columns {
		if c == column {
			col = i
			break
		}
	}
	if col < 0 {
		return sql.NullFloat64{}, false
	}
	for _, r := range t.Rows {
		if r.Model == model {
			return r.Values[col], true
		}
	}
	return sql.NullFloat64{}, false
}

// Widen merges per-horizon metrics rows into one row per model. Models
// listed in order come first, in that order; any other model follows in
// first-seen order, and a model without rows is left out. Columns are
// grouped by horizon in the order given, then by metric. Missing
// combinations are invalid cells.
func Widen(rows []models.MetricsRow, horizons, order []string) *WideTable {
	t := &WideTable{}
	for _, h := range horizons {
		for _, m := range MetricNames {
			t.Columns = append(t.Columns, ColumnName(m, h))
		}
	}

	horizonIndex := make(map[string]int, len(horizons))
	for k, label := range horizons {
		if _, dup := horizonIndex[label]; !dup {
			horizonIndex[label] = k
		}
	}

	byModel := make(map[string][]sql.NullFloat64)
	var seen []string
	for _, r := range rows {
		vals, ok := byModel[r.Model]
		if !ok {
			vals = make([]sql.NullFloat64, len(t.Columns))
			byModel[r.Model] = vals
			seen = append(seen, r.Model)
		}
		h, ok := horizonIndex[r.Horizon]
		if !ok {
			continue
		}
		base := h * len(MetricNames)
		vals[base] = finite(r.MAE)
		vals[base+1] = finite(r.MSE)
		vals[base+2] = finite(r.RMSE)
		vals[base+3] = r.R2
	}

	placed := make(map[string]bool, len(byModel))
	for _, name := range append(append([]string(nil), order...), seen...) {
		vals, ok := byModel[name]
		if !ok || placed[name] {
			continue
		}
		placed[name] = true
		t.Rows = append(t.Rows, WideRow{Model: name, Values: vals})
	}
	return t
}

func finite(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

// WriteMetricsCSV writes the wide table with a leading "model" column.
// Missing values are written as empty cells.
func WriteMetricsCSV(w io.Writer, t *WideTable) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(append([]string{"model"}, t.Columns...)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, r := range t.Rows {
		rec := make([]string, 0, len(r.Values)+1)
		rec = append(rec, r.Model)
		for _, v := range r.Values {
			rec = append(rec, formatNull(v))
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write row %s: %w", r.Model, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// PredictionHeader is the column order of the long predictions table.
func PredictionHeader() []string {
	header := make([]string, 0, models.NumParameters+3)
	for _, p := range models.WaterParameters {
		header = append(header, p.PredColumn())
	}
	return append(header, "site", "model", "horizon")
}

// WritePredictionsCSV writes the long predictions table. Non-finite values
// are written as empty cells.
func WritePredictionsCSV(w io.Writer, rows []models.PredictionRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(PredictionHeader()); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, r := range rows {
		rec := make([]string, 0, models.NumParameters+3)
		for _, v := range r.Values {
			rec = append(rec, formatNull(finite(v)))
		}
		rec = append(rec, r.Site, r.Model, r.Horizon)
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write prediction: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatNull(v sql.NullFloat64) string {
	if !v.Valid {
		return ""
	}
	return strconv.FormatFloat(v.Float64, 'g', -1, 64)
}
