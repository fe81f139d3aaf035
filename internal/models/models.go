package models

import (
	"database/sql"
	"time"
)

// Parameter is one of the water-quality parameters the models forecast.
type Parameter string

const (
	SurfaceTemp     Parameter = "surface_temp"
	MiddleTemp      Parameter = "middle_temp"
	BottomTemp      Parameter = "bottom_temp"
	PH              Parameter = "ph"
	Ammonia         Parameter = "ammonia"
	Nitrate         Parameter = "nitrate"
	Phosphate       Parameter = "phosphate"
	DissolvedOxygen Parameter = "dissolved_oxygen"
	Sulfide         Parameter = "sulfide"
	CarbonDioxide   Parameter = "carbon_dioxide"
)

// WaterParameters lists the forecast targets in column order.
var WaterParameters = []Parameter{
	SurfaceTemp,
	MiddleTemp,
	BottomTemp,
	PH,
	Ammonia,
	Nitrate,
	Phosphate,
	DissolvedOxygen,
	Sulfide,
	CarbonDioxide,
}

// NumParameters is the width of every target and prediction vector.
var NumParameters = len(WaterParameters)

// PredColumn returns the prediction table column name for p.
func (p Parameter) PredColumn() string {
	return "pred_" + string(p)
}

// External covariate column names.
const (
	ColWeatherCondition = "weather_condition"
	ColWindDirection    = "wind_direction"
	ColAirTemperature   = "air_temperature"
)

type Site struct {
	SiteID string
	Name   string
	Active bool
}

// Reading is one row of the time-ordered measurement table.
type Reading struct {
	ID              int64
	SiteID          string
	SampledAt       sql.NullTime
	SurfaceTemp     sql.NullFloat64
	MiddleTemp      sql.NullFloat64
	BottomTemp      sql.NullFloat64
	PH              sql.NullFloat64
	Ammonia         sql.NullFloat64
	Nitrate         sql.NullFloat64
	Phosphate       sql.NullFloat64
	DissolvedOxygen sql.NullFloat64
	Sulfide         sql.NullFloat64
	CarbonDioxide   sql.NullFloat64

	WeatherCondition sql.NullString
	WindDirection    sql.NullString
	AirTemperature   sql.NullFloat64

	QualityFlags string
	// SourceRow is the 1-based data row the reading was decoded from, or 0.
	SourceRow int
	CreatedAt time.Time
}

// Value returns the reading's value for p.
func (r Reading) Value(p Parameter) sql.NullFloat64 {
	switch p {
	case SurfaceTemp:
		return r.SurfaceTemp
	case MiddleTemp:
		return r.MiddleTemp
	case BottomTemp:
		return r.BottomTemp
	case PH:
		return r.PH
	case Ammonia:
		return r.Ammonia
	case Nitrate:
		return r.Nitrate
	case Phosphate:
		return r.Phosphate
	case DissolvedOxygen:
		return r.DissolvedOxygen
	case Sulfide:
		return r.Sulfide
	case CarbonDioxide:
		return r.CarbonDioxide
	}
	return sql.NullFloat64{}
}

// SetValue assigns v to parameter p.
func (r *Reading) SetValue(p Parameter, v sql.NullFloat64) {
	switch p {
	case SurfaceTemp:
		r.SurfaceTemp = v
	case MiddleTemp:
		r.MiddleTemp = v
	case BottomTemp:
		r.BottomTemp = v
	case PH:
		r.PH = v
	case Ammonia:
		r.Ammonia = v
	case Nitrate:
		r.Nitrate = v
	case Phosphate:
		r.Phosphate = v
	case DissolvedOxygen:
		r.DissolvedOxygen = v
	case Sulfide:
		r.Sulfide = v
	case CarbonDioxide:
		r.CarbonDioxide = v
	}
}

// Horizon is a forecast distance expressed as a row offset.
type Horizon struct {
	Label string // "Next Week", "Next Month", "Next Year"
	Gap   int
}

// DefaultHorizons assumes weekly samples.
var DefaultHorizons = []Horizon{
	{Label: "Next Week", Gap: 1},
	{Label: "Next Month", Gap: 4},
	{Label: "Next Year", Gap: 52},
}

// PredictionRow is one model output, tagged for display. Values holds the
// predicted parameters in WaterParameters order.
type PredictionRow struct {
	Site    string
	Model   string
	Horizon string
	Values  []float64
}

// Pred returns the predicted value of p.
func (r PredictionRow) Pred(p Parameter) float64 {
	for i, wp := range WaterParameters {
		if wp == p && i < len(r.Values) {
			return r.Values[i]
		}
	}
	return 0
}

// MetricsRow holds the aggregate scores of one variant for one horizon.
// R2 is invalid when the coefficient of determination is undefined.
type MetricsRow struct {
	Model   string
	Horizon string
	MAE     float64
	MSE     float64
	RMSE    float64
	R2      sql.NullFloat64
}

// PipelineRun records one invocation of the forecasting pipeline.
type PipelineRun struct {
	ID             string
	StartedAt      time.Time
	FinishedAt     sql.NullTime
	Source         sql.NullString
	ReadingCount   int
	WindowLength   int
	Epochs         int
	Seed           int64
	VariantsOK     int
	VariantsFailed int
	Success        bool
	ErrorMessage   sql.NullString
	Summary        sql.NullString
	// Horizons lists the configured horizon labels in order, including
	// horizons that produced no windows.
	Horizons []string
}
