package ingest

import (
	"encoding/json"

	"github.com/lox/waterquality/internal/models"
)

const (
	FlagTempOutOfRange     = "temp_out_of_range"
	FlagPHOutOfRange       = "ph_out_of_range"
	FlagNegativeNutrient   = "negative_concentration"
	FlagDissolvedOxygen    = "dissolved_oxygen_unlikely"
	FlagAirTempOutOfRange  = "air_temp_out_of_range"
	FlagNoWaterMeasurement = "no_water_measurement"
)

var concentrations = []models.Parameter{
	models.Ammonia,
	models.Nitrate,
	models.Phosphate,
	models.Sulfide,
	models.CarbonDioxide,
}

// ValidateReading returns quality flags for implausible values. Flags are
// advisory; flagged readings are still stored and used.
func ValidateReading(r *models.Reading) []string {
	var flags []string

	for _, p := range []models.Parameter{models.SurfaceTemp, models.MiddleTemp, models.BottomTemp} {
		if v := r.Value(p); v.Valid && (v.Float64 < 0 || v.Float64 > 45) {
			flags = append(flags, FlagTempOutOfRange)
			break
		}
	}

	if r.PH.Valid && (r.PH.Float64 < 0 || r.PH.Float64 > 14) {
		flags = append(flags, FlagPHOutOfRange)
	}

	for _, p := range concentrations {
		if v := r.Value(p); v.Valid && v.Float64 < 0 {
			flags = append(flags, FlagNegativeNutrient)
			break
		}
	}

	if r.DissolvedOxygen.Valid && (r.DissolvedOxygen.Float64 < 0 || r.DissolvedOxygen.Float64 > 20) {
		flags = append(flags, FlagDissolvedOxygen)
	}

	if r.AirTemperature.Valid && (r.AirTemperature.Float64 < 5 || r.AirTemperature.Float64 > 45) {
		flags = append(flags, FlagAirTempOutOfRange)
	}

	measured := false
	for _, p := range models.WaterParameters {
		if r.Value(p).Valid {
			measured = true
			break
		}
	}
	if !measured {
		flags = append(flags, FlagNoWaterMeasurement)
	}

	return flags
}

func QualityFlagsToJSON(flags []string) string {
	if len(flags) == 0 {
		return ""
	}
	b, _ := json.Marshal(flags)
	return string(b)
}
