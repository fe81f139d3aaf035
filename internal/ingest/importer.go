package ingest

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/lox/waterquality/internal/metrics"
	"github.com/lox/waterquality/internal/models"
	"github.com/lox/waterquality/internal/store"
)

// Importer loads reading tables from a source into the store.
type Importer struct {
	store  *store.Store
	client *http.Client
	loc    *time.Location
}

func NewImporter(s *store.Store, client *http.Client, loc *time.Location) *Importer {
	return &Importer{store: s, client: client, loc: loc}
}

// ImportResult summarises one import.
type ImportResult struct {
	RunID       int64
	Parsed      int
	Stored      int
	Flagged     int
	NewSites    []string
	ParseErrors []string
	// Unchanged is set when the payload matched a previous import and
	// nothing was stored.
	Unchanged bool
}

// Import fetches source, keeps the raw payload, decodes and validates the
// readings, registers unknown sites and stores the readings. Every attempt is
// recorded as an import run. A payload identical to one an earlier run loaded
// successfully is not imported again, and readings already stored are
// skipped.
func (im *Importer) Import(ctx context.Context, source string) (*ImportResult, error) {
	src, err := ParseSource(source, im.client)
	if err != nil {
		return nil, err
	}

	run, err := im.store.StartImportRun(src.String(), src.Scheme())
	if err != nil {
		log.Printf("ingest: start import run: %v", err)
	}

	res, err := im.importFrom(ctx, src, run)
	im.complete(run, err)
	return res, err
}

func (im *Importer) importFrom(ctx context.Context, src Source, run *store.ImportRun) (*ImportResult, error) {
	var runID *int64
	if run != nil {
		runID = &run.ID
	}

	body, err := src.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", src, err)
	}
	if run != nil {
		run.ResponseSizeBytes = sql.NullInt64{Int64: int64(len(body)), Valid: true}
	}

	payloadID, err := im.store.StoreRawPayload(runID, src.String(), body)
	if err != nil {
		log.Printf("ingest: store raw payload: %v", err)
	} else if payloadID == 0 {
		loaded, err := im.alreadyLoaded(body, runID)
		if err != nil {
			log.Printf("ingest: check previous payload: %v", err)
		} else if loaded {
			log.Printf("ingest: %s unchanged since last import, skipping", src)
			res := &ImportResult{Unchanged: true}
			if run != nil {
				res.RunID = run.ID
			}
			return res, nil
		} else {
			log.Printf("ingest: %s matches a payload that was never loaded, retrying", src)
		}
	}

	return im.load(body, src.String(), run)
}

// alreadyLoaded reports whether the stored copy of body belongs to an import
// run that succeeded. A payload left behind by a failed run is handed over
// to runID so the retry owns it.
func (im *Importer) alreadyLoaded(body []byte, runID *int64) (bool, error) {
	p, err := im.store.GetRawPayloadByHash(store.PayloadHash(body))
	if err != nil || p == nil {
		return false, err
	}
	if p.ImportRunID.Valid {
		prev, err := im.store.GetImportRun(p.ImportRunID.Int64)
		if err != nil {
			return false, err
		}
		if prev != nil && prev.Success {
			return true, nil
		}
	}
	if runID != nil {
		if err := im.store.LinkRawPayload(p.ID, *runID); err != nil {
			return false, err
		}
	}
	return false, nil
}

// Replay re-decodes a stored raw payload and loads any readings missing from
// the store under the payload's original source. It is recorded as an import
// run like any other.
func (im *Importer) Replay(payloadID int64) (*ImportResult, error) {
	body, source, err := im.store.GetRawPayload(payloadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("raw payload %d not found", payloadID)
	}
	if err != nil {
		return nil, fmt.Errorf("read raw payload %d: %w", payloadID, err)
	}

	run, err := im.store.StartImportRun(fmt.Sprintf("payload:%d", payloadID), "replay")
	if err != nil {
		log.Printf("ingest: start import run: %v", err)
	}
	if run != nil {
		run.ResponseSizeBytes = sql.NullInt64{Int64: int64(len(body)), Valid: true}
	}

	res, err := im.load(body, source, run)
	im.complete(run, err)
	return res, err
}

// load decodes, validates and stores body.
func (im *Importer) load(body []byte, source string, run *store.ImportRun) (*ImportResult, error) {
	res := &ImportResult{}
	var runID *int64
	if run != nil {
		res.RunID = run.ID
		runID = &run.ID
	}

	decoded, err := DecodeCSV(bytes.NewReader(body), im.loc)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", source, err)
	}
	res.ParseErrors = decoded.ParseErrors
	res.Parsed = len(decoded.Readings)
	if len(decoded.ParseErrors) > 0 {
		log.Printf("ingest: %d parse errors in %s (first: %s)", len(decoded.ParseErrors), source, decoded.ParseErrors[0])
	}

	for i := range decoded.Readings {
		r := &decoded.Readings[i]
		flags := ValidateReading(r)
		if len(flags) == 0 {
			continue
		}
		r.QualityFlags = QualityFlagsToJSON(flags)
		res.Flagged++
		for _, f := range flags {
			metrics.ReadingsFlagged.WithLabelValues(f).Inc()
		}
	}
	if res.Flagged > 0 {
		log.Printf("ingest: flagged %d of %d readings", res.Flagged, res.Parsed)
	}

	seen := make(map[string]bool)
	for _, r := range decoded.Readings {
		if seen[r.SiteID] {
			continue
		}
		seen[r.SiteID] = true
		created, err := im.store.EnsureSite(r.SiteID)
		if err != nil {
			return nil, fmt.Errorf("register site %s: %w", r.SiteID, err)
		}
		if created {
			log.Printf("ingest: registered new site %s", r.SiteID)
			res.NewSites = append(res.NewSites, r.SiteID)
		}
	}

	stored, err := im.store.InsertReadings(runID, source, decoded.Readings)
	if err != nil {
		return nil, fmt.Errorf("store readings: %w", err)
	}
	res.Stored = stored
	for _, r := range decoded.Readings {
		metrics.ReadingsImported.WithLabelValues(r.SiteID).Inc()
	}

	if run != nil {
		run.RecordsParsed = sql.NullInt64{Int64: int64(res.Parsed), Valid: true}
		run.RecordsStored = sql.NullInt64{Int64: int64(res.Stored), Valid: true}
		run.RecordsFlagged = sql.NullInt64{Int64: int64(res.Flagged), Valid: true}
		run.ParseErrors = sql.NullInt64{Int64: int64(len(res.ParseErrors)), Valid: true}
	}
	if skipped := res.Parsed - res.Stored; skipped > 0 {
		log.Printf("ingest: imported %d readings from %s, %d already stored", res.Stored, source, skipped)
	} else {
		log.Printf("ingest: imported %d readings from %s", res.Stored, source)
	}
	return res, nil
}

func (im *Importer) complete(run *store.ImportRun, err error) {
	if run == nil {
		return
	}
	if err != nil {
		run.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
	}
	run.Success = err == nil
	if cerr := im.store.CompleteImportRun(run); cerr != nil {
		log.Printf("ingest: complete import run: %v", cerr)
	}
}

// Load fetches and decodes source without touching the store.
func Load(ctx context.Context, source string, client *http.Client, loc *time.Location) ([]models.Reading, error) {
	src, err := ParseSource(source, client)
	if err != nil {
		return nil, err
	}
	body, err := src.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", src, err)
	}
	decoded, err := DecodeCSV(bytes.NewReader(body), loc)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", src, err)
	}
	if len(decoded.ParseErrors) > 0 {
		log.Printf("ingest: %d parse errors in %s (first: %s)", len(decoded.ParseErrors), src, decoded.ParseErrors[0])
	}
	return decoded.Readings, nil
}
