package ingest

import (
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/lox/waterquality/internal/models"
)

const (
	colSiteID    = "site_id"
	colSampledAt = "sampled_at"
)

// headerAliases maps normalized spreadsheet headers onto column names.
var headerAliases = map[string]string{
	"site":                colSiteID,
	"station":             colSiteID,
	"date":                colSampledAt,
	"sample_date":         colSampledAt,
	"sampled":             colSampledAt,
	"timestamp":           colSampledAt,
	"temperature_surface": string(models.SurfaceTemp),
	"temperature_middle":  string(models.MiddleTemp),
	"temperature_bottom":  string(models.BottomTemp),
	"do":                  string(models.DissolvedOxygen),
	"co2":                 string(models.CarbonDioxide),
	"weather":             models.ColWeatherCondition,
	"air_temp":            models.ColAirTemperature,
	"wind":                models.ColWindDirection,
	"ammonia_nh3":         string(models.Ammonia),
	"phosphate_po4":       string(models.Phosphate),
	"nitrate_no3":         string(models.Nitrate),
	"sulfide_h2s":         string(models.Sulfide),
	"dissolved_oxygen_do": string(models.DissolvedOxygen),
	"carbon_dioxide_co2":  string(models.CarbonDioxide),
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"1/2/2006",
	"01/02/2006",
	"January 2006",
	"Jan 2006",
}

// DecodeResult holds the readings of a CSV table and the problems found
// while decoding it.
type DecodeResult struct {
	Readings    []models.Reading
	ParseErrors []string
}

func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
	h = strings.NewReplacer(" ", "_", "-", "_", "(", "", ")", "", ".", "").Replace(h)
	if alias, ok := headerAliases[h]; ok {
		return alias
	}
	return h
}

func isMissing(cell string) bool {
	switch strings.ToLower(strings.TrimSpace(cell)) {
	case "", "na", "n/a", "nan", "null", "-":
		return true
	}
	return false
}

// DecodeCSV reads a readings table with a header row. Missing cells are
// blank, "NA" or "nan". Unparseable numbers are treated as missing and
// reported; rows without a site are skipped. Rows keep file order. Sample
// times without a zone are read in loc.
func DecodeCSV(r io.Reader, loc *time.Location) (*DecodeResult, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode csv: empty input")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, h := range header {
		name := normalizeHeader(h)
		if _, dup := index[name]; !dup {
			index[name] = i
		}
	}
	if _, ok := index[colSiteID]; !ok {
		return nil, fmt.Errorf("decode csv: missing %s column", colSiteID)
	}

	res := &DecodeResult{}
	line := 1
	for {
		rec, err := cr.Read()
		line++
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read line %d: %w", line, err)
		}

		cell := func(name string) (string, bool) {
			i, ok := index[name]
			if !ok || i >= len(rec) || isMissing(rec[i]) {
				return "", false
			}
			return strings.TrimSpace(rec[i]), true
		}
		number := func(name string) sql.NullFloat64 {
			s, ok := cell(name)
			if !ok {
				return sql.NullFloat64{}
			}
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				res.ParseErrors = append(res.ParseErrors, fmt.Sprintf("line %d: %s: invalid number %q", line, name, s))
				return sql.NullFloat64{}
			}
			return sql.NullFloat64{Float64: v, Valid: true}
		}
		text := func(name string) sql.NullString {
			s, ok := cell(name)
			return sql.NullString{String: s, Valid: ok}
		}

		site, ok := cell(colSiteID)
		if !ok {
			res.ParseErrors = append(res.ParseErrors, fmt.Sprintf("line %d: missing site", line))
			continue
		}

		reading := models.Reading{SiteID: strings.ToUpper(site), SourceRow: line - 1}
		if s, ok := cell(colSampledAt); ok {
			t, err := parseTime(s, loc)
			if err != nil {
				res.ParseErrors = append(res.ParseErrors, fmt.Sprintf("line %d: %v", line, err))
			} else {
				reading.SampledAt = sql.NullTime{Time: t, Valid: true}
			}
		}
		for _, p := range models.WaterParameters {
			reading.SetValue(p, number(string(p)))
		}
		reading.WeatherCondition = text(models.ColWeatherCondition)
		reading.WindDirection = text(models.ColWindDirection)
		reading.AirTemperature = number(models.ColAirTemperature)

		res.Readings = append(res.Readings, reading)
	}
	return res, nil
}

func parseTime(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}
