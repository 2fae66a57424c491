package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/bluesphere/oceantemp/internal/ingest"
	"github.com/bluesphere/oceantemp/internal/jobs"
	"github.com/bluesphere/oceantemp/internal/models"
)

// healthStaleAfter is how long a key may go without an observation
// before it counts against /health.
const healthStaleAfter = 48 * time.Hour

type healthResponse struct {
	Status           string `json:"status"`
	MigrationVersion int    `json:"migration_version"`
	ActiveKeys       int    `json:"active_keys"`
	StaleKeys        int    `json:"stale_keys"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	version, err := s.store.MigrationVersion()
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(healthResponse{Status: "error"})
		return
	}
	rows, err := s.store.Availability(models.ResolutionDaily, nil, "")
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(healthResponse{Status: "error"})
		return
	}

	resp := healthResponse{Status: "ok", MigrationVersion: version}
	cutoff := s.clock.Now().Add(-healthStaleAfter)
	for _, row := range rows {
		resp.ActiveKeys++
		if !row.LastObservation.Valid || row.LastObservation.Time.Before(cutoff) {
			resp.StaleKeys++
		}
	}
	if resp.StaleKeys > 0 {
		resp.Status = "degraded"
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// statusJobs is the fixed roster /status reports on, with the cadence
// each job is expected to keep.
var statusJobs = []struct {
	name     string
	cadence  string
	interval time.Duration
}{
	{jobs.JobAggregateDaily, "hourly", time.Hour},
	{jobs.JobAggregateMonthly, "hourly", time.Hour},
	{jobs.JobAggregateYearly, "hourly", time.Hour},
	{jobs.JobCalculateAnomalies, "daily", 24 * time.Hour},
	{jobs.JobDetectHeatwaves, "daily", 24 * time.Hour},
	{jobs.JobCalculateBaselines, "monthly", 31 * 24 * time.Hour},
	{jobs.JobValidateModels, "weekly", 7 * 24 * time.Hour},
	{ingest.JobIngest, "continuous", 24 * time.Hour},
}

type statusEntry struct {
	Name      string `json:"name"`
	Cadence   string `json:"cadence"`
	LastRun   string `json:"last_run,omitempty"`
	Note      string `json:"note,omitempty"`
	Freshness string `json:"freshness"`
}

// handleStatus reports per-job freshness: green within twice the
// expected cadence, yellow within four times, red beyond that or when
// the job has never succeeded.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := s.clock.Now()
	entries := make([]statusEntry, 0, len(statusJobs))
	for _, job := range statusJobs {
		entry := statusEntry{Name: job.name, Cadence: job.cadence, Freshness: "red"}
		run, err := s.store.LatestSuccessfulRun(job.name)
		if err != nil {
			writeFailure(w, err)
			return
		}
		if run != nil && run.FinishedAt.Valid {
			entry.LastRun = run.FinishedAt.Time.UTC().Format(time.RFC3339)
			entry.Note = run.Note.String
			entry.Freshness = freshnessFor(now.Sub(run.FinishedAt.Time), job.interval)
		}
		entries = append(entries, entry)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

func freshnessFor(age, interval time.Duration) string {
	switch {
	case age <= 2*interval:
		return "green"
	case age <= 4*interval:
		return "yellow"
	default:
		return "red"
	}
}

var recomputableJobs = map[string]bool{
	jobs.JobAggregateDaily:     true,
	jobs.JobAggregateMonthly:   true,
	jobs.JobAggregateYearly:    true,
	jobs.JobCalculateBaselines: true,
	jobs.JobCalculateAnomalies: true,
	jobs.JobDetectHeatwaves:    true,
	jobs.JobValidateModels:     true,
}

type recomputeRequest struct {
	Job       string `json:"job"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

type recomputeResponse struct {
	Job    string `json:"job"`
	Period string `json:"period"`
	Status string `json:"status"`
}

// handleRecompute re-runs one batch job on demand, synchronously. A
// period already being recomputed answers 409.
func (s *Server) handleRecompute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, kindValidation, "recompute requests must be POSTed")
		return
	}
	if s.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, kindInternal, "recompute is not available on this instance")
		return
	}
	var req recomputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, validationf("request body must be JSON: %v", err))
		return
	}
	if !recomputableJobs[req.Job] {
		writeFailure(w, validationf("job %q is not recomputable", req.Job))
		return
	}
	if (req.StartDate == "") != (req.EndDate == "") {
		writeFailure(w, validationf("start_date and end_date must be provided together"))
		return
	}

	var start, end time.Time
	if req.StartDate != "" {
		var err error
		if start, err = parseDate(req.StartDate, "start_date"); err != nil {
			writeFailure(w, err)
			return
		}
		if end, err = parseDate(req.EndDate, "end_date"); err != nil {
			writeFailure(w, err)
			return
		}
		if end.Before(start) {
			writeFailure(w, validationf("start_date must not be after end_date"))
			return
		}
		end = end.AddDate(0, 0, 1)
	}

	period, err := s.scheduler.Trigger(r.Context(), req.Job, start, end)
	if err != nil {
		writeFailure(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(recomputeResponse{Job: req.Job, Period: period, Status: "completed"})
}
