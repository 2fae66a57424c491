package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bluesphere/oceantemp/internal/forecast"
	"github.com/bluesphere/oceantemp/internal/metrics"
	"github.com/bluesphere/oceantemp/internal/models"
)

type forecastRequest struct {
	StationID          string     `json:"station_id"`
	BaseTime           *time.Time `json:"base_time"`
	HorizonHours       int        `json:"forecast_horizon_hours"`
	ModelType          string     `json:"model_type"`
	IncludeUncertainty *bool      `json:"include_uncertainty"`
}

type forecastPoint struct {
	TargetTime   string              `json:"target_time"`
	HorizonHours int                 `json:"horizon_hours"`
	ValueC       float64             `json:"predicted_sst_c"`
	Uncertainty  *models.Uncertainty `json:"uncertainty,omitempty"`
	Skill        models.Skill        `json:"skill"`
}

type forecastModelMeta struct {
	Type      string   `json:"type"`
	ModelID   string   `json:"model_id"`
	Version   string   `json:"version,omitempty"`
	TrainedAt string   `json:"trained_at,omitempty"`
	RMSE      *float64 `json:"rmse,omitempty"`
	MAE       *float64 `json:"mae,omitempty"`
	R2        *float64 `json:"r2,omitempty"`
}

type forecastResponse struct {
	Key          string            `json:"key"`
	BaseTime     string            `json:"base_time"`
	HorizonHours int               `json:"horizon_hours"`
	Model        forecastModelMeta `json:"model"`
	Predictions  []forecastPoint   `json:"predictions"`
	Summary      forecast.Summary  `json:"summary"`
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, kindValidation, "forecast requests must be POSTed")
		return
	}
	var req forecastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, validationf("request body must be JSON: %v", err))
		return
	}
	if req.StationID == "" {
		writeFailure(w, validationf("station_id is required"))
		return
	}
	key := req.StationID
	if models.KindOf(key) == "" {
		key = models.StationKey(key)
	}
	if req.HorizonHours < 1 || req.HorizonHours > s.engine.MaxHorizonHours() {
		writeFailure(w, validationf("forecast_horizon_hours must be between 1 and %d, got %d",
			s.engine.MaxHorizonHours(), req.HorizonHours))
		return
	}
	base := s.clock.Now().UTC()
	if req.BaseTime != nil {
		base = req.BaseTime.UTC()
	}
	includeUncertainty := req.IncludeUncertainty == nil || *req.IncludeUncertainty

	cacheKey := fmt.Sprintf("%s|%s|%d|%s|%t",
		key, base.Truncate(time.Hour).Format(time.RFC3339), req.HorizonHours, req.ModelType, includeUncertainty)
	if body, ok := s.cached(entityForecast, cacheKey); ok {
		writeBody(w, body)
		return
	}

	result, err := s.engine.Predict(r.Context(), forecast.Request{
		Key:          key,
		BaseTime:     base,
		HorizonHours: req.HorizonHours,
		ModelType:    req.ModelType,
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	metrics.ForecastsServed.WithLabelValues(result.ModelType).Inc()

	resp := forecastResponse{
		Key:          key,
		HorizonHours: req.HorizonHours,
		Model:        modelMeta(result.ModelType, result.ModelID, result.Record),
		Predictions:  make([]forecastPoint, 0, len(result.Predictions)),
		Summary:      result.Summary,
	}
	if len(result.Predictions) > 0 {
		resp.BaseTime = result.Predictions[0].BaseTime.UTC().Format(time.RFC3339)
	}
	for _, p := range result.Predictions {
		fp := forecastPoint{
			TargetTime:   p.TargetTime.UTC().Format(time.RFC3339),
			HorizonHours: p.HorizonHours,
			ValueC:       p.ValueC,
			Skill:        p.Skill,
		}
		if includeUncertainty {
			u := p.Uncertainty
			fp.Uncertainty = &u
		}
		resp.Predictions = append(resp.Predictions, fp)
	}
	s.respond(w, entityForecast, cacheKey, resp)
}

func modelMeta(modelType, modelID string, rec *models.ForecastModel) forecastModelMeta {
	m := forecastModelMeta{Type: modelType, ModelID: modelID}
	if rec != nil {
		m.Version = rec.Version
		m.TrainedAt = rec.TrainedAt.UTC().Format(time.RFC3339)
		m.RMSE = nullFloatPtr(rec.RMSE)
		m.MAE = nullFloatPtr(rec.MAE)
		m.R2 = nullFloatPtr(rec.R2)
	}
	return m
}

// modelGuidance is served alongside detailed model listings so clients
// can pick a model type without reading the docs.
var modelGuidance = map[string]string{
	forecast.ModelPersistence:   "Strongest inside 24-48 h; assumes current conditions hold.",
	forecast.ModelClimatology:   "Long-horizon reference; ignores current conditions entirely.",
	forecast.ModelSeasonalTrend: "Tracks the seasonal cycle plus multi-year trend; best from 3 to 14 days.",
	forecast.ModelEnsemble:      "Skill-weighted blend of the component models; the default choice.",
}

type modelEntry struct {
	ID        int64            `json:"id"`
	Type      string           `json:"type"`
	Version   string           `json:"version"`
	TrainedAt string           `json:"trained_at"`
	RMSE      *float64         `json:"rmse"`
	MAE       *float64         `json:"mae"`
	R2        *float64         `json:"r2"`
	Skill     []skillBucketDTO `json:"skill_by_horizon,omitempty"`
	Guidance  string           `json:"guidance,omitempty"`
}

type skillBucketDTO struct {
	BucketHours int     `json:"bucket_hours"`
	RMSE        float64 `json:"rmse"`
	MAE         float64 `json:"mae"`
	Samples     int     `json:"samples"`
}

type modelsResponse struct {
	Count          int          `json:"count"`
	AvailableTypes []string     `json:"available_types"`
	Models         []modelEntry `json:"models"`
}

// handleModels lists the newest validated record per model type, or a
// single record by id.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cacheKey := q.Encode()
	if body, ok := s.cached(entityModels, cacheKey); ok {
		writeBody(w, body)
		return
	}

	detailed := q.Get("detailed") == "true"
	var records []models.ForecastModel
	if raw := q.Get("model_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeFailure(w, validationf("model_id must be an integer, got %q", raw))
			return
		}
		rec, err := s.store.GetForecastModel(id)
		if err != nil {
			writeFailure(w, err)
			return
		}
		if rec != nil {
			records = append(records, *rec)
		}
	} else {
		all, err := s.store.GetForecastModels()
		if err != nil {
			writeFailure(w, err)
			return
		}
		// Rows arrive ordered by type then trained_at descending, so
		// the first row of each type is the newest.
		seen := make(map[string]bool)
		for _, rec := range all {
			if seen[rec.Type] {
				continue
			}
			seen[rec.Type] = true
			records = append(records, rec)
		}
	}

	resp := modelsResponse{
		AvailableTypes: s.registry.Types(),
		Models:         make([]modelEntry, 0, len(records)),
	}
	for _, rec := range records {
		e := modelEntry{
			ID:        rec.ID,
			Type:      rec.Type,
			Version:   rec.Version,
			TrainedAt: rec.TrainedAt.UTC().Format(time.RFC3339),
			RMSE:      nullFloatPtr(rec.RMSE),
			MAE:       nullFloatPtr(rec.MAE),
			R2:        nullFloatPtr(rec.R2),
		}
		if detailed {
			buckets, err := s.store.GetSkillBuckets(rec.ID)
			if err != nil {
				writeFailure(w, err)
				return
			}
			for _, b := range buckets {
				e.Skill = append(e.Skill, skillBucketDTO{
					BucketHours: b.BucketHours,
					RMSE:        b.RMSE,
					MAE:         b.MAE,
					Samples:     b.Samples,
				})
			}
			e.Guidance = modelGuidance[rec.Type]
		}
		resp.Models = append(resp.Models, e)
	}
	resp.Count = len(resp.Models)
	s.respond(w, entityModels, cacheKey, resp)
}
