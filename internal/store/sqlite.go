package store

import (
	"database/sql"
	"fmt"

	"github.com/lox/waterquality/internal/models"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) UpsertSite(site models.Site) error {
	_, err := s.db.Exec(`
		INSERT INTO sites (site_id, name, active)
		VALUES (?, ?, ?)
		ON CONFLICT(site_id) DO UPDATE SET
			name = excluded.name,
			active = excluded.active
	`, site.SiteID, site.Name, site.Active)
	return err
}

// EnsureSite inserts an active site if it is not already known. It returns
// true when a new site was created.
func (s *Store) EnsureSite(siteID string) (bool, error) {
	result, err := s.db.Exec(`
		INSERT INTO sites (site_id, name, active)
		VALUES (?, ?, TRUE)
		ON CONFLICT(site_id) DO NOTHING
	`, siteID, siteID)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) GetActiveSites() ([]models.Site, error) {
	rows, err := s.db.Query(`SELECT site_id, name, active FROM sites WHERE active = TRUE ORDER BY site_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sites []models.Site
	for rows.Next() {
		var site models.Site
		if err := rows.Scan(&site.SiteID, &site.Name, &site.Active); err != nil {
			return nil, err
		}
		sites = append(sites, site)
	}
	return sites, rows.Err()
}

const readingColumns = `site_id, sampled_at, surface_temp, middle_temp, bottom_temp, ph, ammonia, nitrate, phosphate, dissolved_oxygen, sulfide, carbon_dioxide, weather_condition, wind_direction, air_temperature, quality_flags`

// InsertReadings stores a batch of readings from source in one transaction,
// tagging them with the import run that produced them. A reading already
// stored for the same site and sample time is skipped. Untimed readings are
// keyed by their source and row instead, and are always inserted when either
// is unknown. It returns the number of readings actually stored.
func (s *Store) InsertReadings(runID *int64, source string, readings []models.Reading) (int, error) {
	var importRunID sql.NullInt64
	if runID != nil {
		importRunID = sql.NullInt64{Int64: *runID, Valid: true}
	}
	var src sql.NullString
	if source != "" {
		src = sql.NullString{String: source, Valid: true}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO readings (` + readingColumns + `, import_run_id, source, source_row)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	stored := 0
	for i, r := range readings {
		sampledAt := r.SampledAt
		if sampledAt.Valid {
			sampledAt.Time = sampledAt.Time.UTC()
		}
		var row sql.NullInt64
		if r.SourceRow > 0 {
			row = sql.NullInt64{Int64: int64(r.SourceRow), Valid: true}
		}
		result, err := stmt.Exec(r.SiteID, sampledAt,
			r.SurfaceTemp, r.MiddleTemp, r.BottomTemp, r.PH, r.Ammonia, r.Nitrate,
			r.Phosphate, r.DissolvedOxygen, r.Sulfide, r.CarbonDioxide,
			r.WeatherCondition, r.WindDirection, r.AirTemperature, r.QualityFlags,
			importRunID, src, row)
		if err != nil {
			return 0, fmt.Errorf("insert reading %d: %w", i, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("insert reading %d: %w", i, err)
		}
		stored += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit readings: %w", err)
	}
	return stored, nil
}

// GetReadings returns every stored reading in time order. Readings without a
// sample time follow the timed ones, and ties keep insertion order.
func (s *Store) GetReadings() ([]models.Reading, error) {
	rows, err := s.db.Query(`
		SELECT id, ` + readingColumns + `, created_at
		FROM readings
		ORDER BY sampled_at IS NULL, sampled_at, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readings []models.Reading
	for rows.Next() {
		var r models.Reading
		if err := rows.Scan(&r.ID, &r.SiteID, &r.SampledAt,
			&r.SurfaceTemp, &r.MiddleTemp, &r.BottomTemp, &r.PH, &r.Ammonia, &r.Nitrate,
			&r.Phosphate, &r.DissolvedOxygen, &r.Sulfide, &r.CarbonDioxide,
			&r.WeatherCondition, &r.WindDirection, &r.AirTemperature, &r.QualityFlags,
			&r.CreatedAt); err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

func (s *Store) CountReadings() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM readings`).Scan(&n)
	return n, err
}

// SiteReadingCount is the number of readings stored for one site.
type SiteReadingCount struct {
	SiteID string
	Count  int
}

func (s *Store) CountReadingsBySite() ([]SiteReadingCount, error) {
	rows, err := s.db.Query(`
		SELECT s.site_id, COUNT(r.id)
		FROM sites s
		LEFT JOIN readings r ON r.site_id = s.site_id
		GROUP BY s.site_id
		ORDER BY s.site_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []SiteReadingCount
	for rows.Next() {
		var c SiteReadingCount
		if err := rows.Scan(&c.SiteID, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}
