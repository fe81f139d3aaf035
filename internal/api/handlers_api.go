package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/lox/waterquality/internal/forecast"
	"github.com/lox/waterquality/internal/models"
	"github.com/lox/waterquality/internal/store"
	"github.com/lox/waterquality/internal/verify"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthStatus{Status: "ok", Sites: []SiteHealth{}}

	counts, err := s.store.CountReadingsBySite()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "error": err.Error()})
		return
	}
	for _, c := range counts {
		health.Readings += c.Count
		health.Sites = append(health.Sites, SiteHealth{SiteID: c.SiteID, Readings: c.Count})
	}

	if run, err := s.store.GetLatestRun(); err != nil {
		health.Errors = append(health.Errors, "latest run: "+err.Error())
	} else if run != nil {
		health.LatestRun = newRunView(run)
	}

	if imports, err := s.store.GetRecentImportRuns(1); err != nil {
		health.Errors = append(health.Errors, "import runs: "+err.Error())
	} else if len(imports) > 0 {
		health.LastImport = newImportView(imports[0])
		if !imports[0].Success {
			health.Status = "degraded"
		}
	}

	if len(health.Errors) > 0 {
		health.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleAPISites(w http.ResponseWriter, r *http.Request) {
	sites, err := s.store.GetActiveSites()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	counts, err := s.store.CountReadingsBySite()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	byID := make(map[string]int, len(counts))
	for _, c := range counts {
		byID[c.SiteID] = c.Count
	}

	views := make([]SiteView, 0, len(sites))
	for _, st := range sites {
		views = append(views, SiteView{SiteID: st.SiteID, Name: st.Name, Readings: byID[st.SiteID]})
	}
	writeJSON(w, http.StatusOK, views)
}

// runFromRequest resolves the ?run= parameter, defaulting to the latest
// successful run. It writes the error response itself and returns nil.
func (s *Server) runFromRequest(w http.ResponseWriter, r *http.Request) *models.PipelineRun {
	var (
		run *models.PipelineRun
		err error
	)
	if id := r.URL.Query().Get("run"); id != "" {
		run, err = s.store.GetRun(id)
	} else {
		run, err = s.store.GetLatestRun()
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "no pipeline run found")
		return nil
	}
	return run
}

func (s *Server) handleAPILatestRun(w http.ResponseWriter, r *http.Request) {
	run := s.runFromRequest(w, r)
	if run == nil {
		return
	}
	writeJSON(w, http.StatusOK, newRunView(run))
}

func (s *Server) handleAPIMetrics(w http.ResponseWriter, r *http.Request) {
	run := s.runFromRequest(w, r)
	if run == nil {
		return
	}
	rows, err := s.store.GetRunMetrics(run.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	horizons := run.Horizons
	if len(horizons) == 0 {
		// Runs recorded before horizons were stored.
		seen := make(map[string]bool)
		for _, m := range rows {
			if !seen[m.Horizon] {
				seen[m.Horizon] = true
				horizons = append(horizons, m.Horizon)
			}
		}
	}
	writeJSON(w, http.StatusOK, newMetricsView(run.ID, verify.Widen(rows, horizons, forecast.VariantNames())))
}

func (s *Server) handleAPIPredictions(w http.ResponseWriter, r *http.Request) {
	run := s.runFromRequest(w, r)
	if run == nil {
		return
	}
	q := r.URL.Query()
	preds, err := s.store.GetRunPredictions(run.ID, store.PredictionFilter{
		Site:    q.Get("site"),
		Horizon: q.Get("horizon"),
		Model:   q.Get("model"),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]map[string]any, 0, len(preds))
	for _, p := range preds {
		views = append(views, predictionView(p))
	}
	writeJSON(w, http.StatusOK, views)
}
