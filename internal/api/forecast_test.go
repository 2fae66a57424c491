package api_test

import (
	"database/sql"
	"net/http"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluesphere/oceantemp/internal/models"
)

type forecastPayload struct {
	Key          string `json:"key"`
	BaseTime     string `json:"base_time"`
	HorizonHours int    `json:"forecast_horizon_hours"`
	Model        struct {
		Type    string `json:"type"`
		ModelID string `json:"model_id"`
	} `json:"model"`
	Predictions []struct {
		TargetTime   string  `json:"target_time"`
		HorizonHours int     `json:"horizon_hours"`
		ValueC       float64 `json:"predicted_sst_c"`
		Uncertainty  *struct {
			Std  float64 `json:"std"`
			CI95 float64 `json:"ci95"`
		} `json:"uncertainty"`
		Skill struct {
			ExpectedError float64 `json:"expected_error"`
			Reliability   float64 `json:"reliability"`
		} `json:"skill"`
	} `json:"predictions"`
	Summary struct {
		TempRangeC [2]float64 `json:"temp_range_c"`
	} `json:"summary"`
}

func TestForecast_Persistence(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	key := seedKey(t, st, "41001", 34.7, -72.7)

	// 40 flat days of history ending at the base time: persistence
	// should keep forecasting the last value.
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	seedDailyAggregates(t, st, key, base.AddDate(0, 0, -40), 40, 18.0)

	srv := newServer(t, st)
	body := `{"station_id":"41001","base_time":"2024-06-01T00:00:00Z","forecast_horizon_hours":24,"model_type":"persistence"}`
	w := postJSON(t, srv, "/api/forecast", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp forecastPayload
	decodeJSON(t, w, &resp)
	assert.Equal(t, key, resp.Key)
	assert.Equal(t, "2024-06-01T00:00:00Z", resp.BaseTime)
	assert.Equal(t, 24, resp.HorizonHours)
	assert.Equal(t, "persistence", resp.Model.Type)
	assert.Equal(t, "persistence:dev", resp.Model.ModelID, "no validated version on record yet")
	require.Len(t, resp.Predictions, 24)

	first := resp.Predictions[0]
	assert.Equal(t, 1, first.HorizonHours)
	assert.Equal(t, "2024-06-01T01:00:00Z", first.TargetTime)
	assert.InDelta(t, 18.0, first.ValueC, 1e-6)
	require.NotNil(t, first.Uncertainty)
	assert.Greater(t, first.Skill.Reliability, 0.0)
	assert.LessOrEqual(t, first.Skill.Reliability, 1.0)

	assert.InDelta(t, 18.0, resp.Summary.TempRangeC[0], 1e-6)
	assert.InDelta(t, 18.0, resp.Summary.TempRangeC[1], 1e-6)

	// Clients can opt out of the uncertainty block.
	w = postJSON(t, srv, "/api/forecast",
		`{"station_id":"41001","base_time":"2024-06-01T00:00:00Z","forecast_horizon_hours":6,"model_type":"persistence","include_uncertainty":false}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var lean forecastPayload
	decodeJSON(t, w, &lean)
	require.Len(t, lean.Predictions, 6)
	assert.Nil(t, lean.Predictions[0].Uncertainty)
}

func TestForecast_InsufficientHistory(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	key := seedKey(t, st, "41001", 34.7, -72.7)

	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	seedDailyAggregates(t, st, key, base.AddDate(0, 0, -10), 10, 18.0)

	srv := newServer(t, st)
	w := postJSON(t, srv, "/api/forecast",
		`{"station_id":"41001","base_time":"2024-06-01T00:00:00Z","forecast_horizon_hours":24}`)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
	assert.Equal(t, "insufficient_data", errorKind(t, w))
}

func TestForecast_UnknownModel(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	seedKey(t, st, "41001", 34.7, -72.7)

	srv := newServer(t, st)
	w := postJSON(t, srv, "/api/forecast",
		`{"station_id":"41001","forecast_horizon_hours":24,"model_type":"magic"}`)
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	assert.Equal(t, "validation", errorKind(t, w))
}

func TestForecast_Validation(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	seedKey(t, st, "41001", 34.7, -72.7)
	srv := newServer(t, st)

	w := get(t, srv, "/api/forecast")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	cases := []struct {
		name string
		body string
	}{
		{"zero horizon", `{"station_id":"41001","forecast_horizon_hours":0}`},
		{"horizon above cap", `{"station_id":"41001","forecast_horizon_hours":1000}`},
		{"missing station", `{"forecast_horizon_hours":24}`},
		{"malformed body", `{"station_id":`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := postJSON(t, srv, "/api/forecast", tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Equal(t, "validation", errorKind(t, w))
		})
	}
}

type modelsPayload struct {
	Count          int      `json:"count"`
	AvailableTypes []string `json:"available_types"`
	Models         []struct {
		ID             int64    `json:"id"`
		Type           string   `json:"type"`
		Version        string   `json:"version"`
		RMSE           *float64 `json:"rmse"`
		SkillByHorizon []struct {
			BucketHours int     `json:"bucket_hours"`
			RMSE        float64 `json:"rmse"`
		} `json:"skill_by_horizon"`
		Guidance string `json:"guidance"`
	} `json:"models"`
}

func TestModels_Listing(t *testing.T) {
	t.Parallel()
	st := openStore(t)

	older := models.ForecastModel{
		Type: "persistence", Version: "2024.05.01",
		TrainedAt: day(2024, 5, 1),
		RMSE:      sql.NullFloat64{Float64: 0.7, Valid: true},
	}
	require.NoError(t, st.UpsertForecastModel(&older))
	newer := models.ForecastModel{
		Type: "persistence", Version: "2024.06.01",
		TrainedAt: day(2024, 6, 1),
		RMSE:      sql.NullFloat64{Float64: 0.5, Valid: true},
		MAE:       sql.NullFloat64{Float64: 0.4, Valid: true},
	}
	require.NoError(t, st.UpsertForecastModel(&newer))
	clim := models.ForecastModel{
		Type: "climatology", Version: "2024.06.01",
		TrainedAt: day(2024, 6, 1),
		RMSE:      sql.NullFloat64{Float64: 1.1, Valid: true},
	}
	require.NoError(t, st.UpsertForecastModel(&clim))
	require.NoError(t, st.UpsertSkillBucket(models.SkillBucket{
		ModelID: newer.ID, BucketHours: 24, RMSE: 0.5, MAE: 0.4, Samples: 40,
	}))

	srv := newServer(t, st)

	// Only the newest version per type is listed.
	w := get(t, srv, "/api/models")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp modelsPayload
	decodeJSON(t, w, &resp)
	assert.Equal(t, 2, resp.Count)
	assert.True(t, sort.StringsAreSorted(resp.AvailableTypes))
	assert.Equal(t, []string{"climatology", "ensemble", "persistence", "seasonal_trend"}, resp.AvailableTypes)
	require.Len(t, resp.Models, 2)
	assert.Equal(t, "climatology", resp.Models[0].Type)
	assert.Equal(t, "persistence", resp.Models[1].Type)
	assert.Equal(t, "2024.06.01", resp.Models[1].Version)
	require.NotNil(t, resp.Models[1].RMSE)
	assert.InDelta(t, 0.5, *resp.Models[1].RMSE, 1e-9)
	assert.Empty(t, resp.Models[1].SkillByHorizon)
	assert.Empty(t, resp.Models[1].Guidance)

	// detailed=true adds skill buckets and guidance prose.
	w = get(t, srv, "/api/models?detailed=true")
	require.Equal(t, http.StatusOK, w.Code)
	var detailed modelsPayload
	decodeJSON(t, w, &detailed)
	require.Len(t, detailed.Models, 2)
	require.Len(t, detailed.Models[1].SkillByHorizon, 1)
	assert.Equal(t, 24, detailed.Models[1].SkillByHorizon[0].BucketHours)
	assert.NotEmpty(t, detailed.Models[1].Guidance)

	// model_id narrows to one record.
	w = get(t, srv, "/api/models?model_id="+strconv.FormatInt(clim.ID, 10))
	require.Equal(t, http.StatusOK, w.Code)
	var single modelsPayload
	decodeJSON(t, w, &single)
	require.Equal(t, 1, single.Count)
	assert.Equal(t, "climatology", single.Models[0].Type)

	w = get(t, srv, "/api/models?model_id=abc")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = get(t, srv, "/api/models?model_id=99999")
	require.Equal(t, http.StatusOK, w.Code)
	var missing modelsPayload
	decodeJSON(t, w, &missing)
	assert.Equal(t, 0, missing.Count)
}
