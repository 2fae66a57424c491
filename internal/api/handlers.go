package api

import (
	"database/sql"
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"time"

	"github.com/bluesphere/oceantemp/internal/models"
)

// Pagination defaults and caps per endpoint.
const (
	defaultRowLimit   = 5000
	maxRowLimit       = 10000
	defaultEventLimit = 1000
	maxEventLimit     = 5000

	// statsRowLimit bounds how many aggregate rows feed the summary
	// statistics.
	statsRowLimit = 10000
)

func (s *Server) cached(entity, key string) ([]byte, bool) {
	if s.cache == nil {
		return nil, false
	}
	return s.cache.Get(entity, key)
}

// respond renders the payload, caching the body for the entity.
func (s *Server) respond(w http.ResponseWriter, entity, key string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if s.cache != nil {
		s.cache.Put(entity, key, body)
	}
	writeBody(w, body)
}

func writeBody(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

// temperaturePoint is one row of the temperatures payload. Aggregate
// rows carry the avg/min/max block; raw rows carry a single sst_c with
// its QC flag and source.
type temperaturePoint struct {
	Key           string   `json:"key"`
	Date          string   `json:"date"`
	Lat           float64  `json:"lat"`
	Lon           float64  `json:"lon"`
	SSTC          *float64 `json:"sst_c,omitempty"`
	QCFlag        *int     `json:"qc_flag,omitempty"`
	Source        string   `json:"source,omitempty"`
	AvgSSTC       *float64 `json:"avg_sst_c,omitempty"`
	MinSSTC       *float64 `json:"min_sst_c,omitempty"`
	MaxSSTC       *float64 `json:"max_sst_c,omitempty"`
	SampleCount   *int     `json:"sample_count,omitempty"`
	Completeness  *float64 `json:"completeness,omitempty"`
	LowConfidence *bool    `json:"low_confidence,omitempty"`
	Dataset       string   `json:"dataset"`
}

type temperatureResponse struct {
	Count      int                `json:"count"`
	Resolution string             `json:"resolution"`
	StartDate  string             `json:"start_date"`
	EndDate    string             `json:"end_date"`
	BBox       []float64          `json:"bbox"`
	Dataset    string             `json:"dataset,omitempty"`
	Data       []temperaturePoint `json:"data"`
}

func (s *Server) handleTemperatures(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cacheKey := q.Encode()
	if body, ok := s.cached(entityTemperatures, cacheKey); ok {
		writeBody(w, body)
		return
	}

	rq, err := parseRangeQuery(q)
	if err != nil {
		writeFailure(w, err)
		return
	}
	resolution, err := parseResolution(q, models.ResolutionMonthly, true)
	if err != nil {
		writeFailure(w, err)
		return
	}
	limit, offset, err := parseLimitOffset(q, defaultRowLimit, maxRowLimit)
	if err != nil {
		writeFailure(w, err)
		return
	}

	resp := temperatureResponse{
		Resolution: resolution,
		StartDate:  rq.Start.Format(dateLayout),
		EndDate:    rq.End.Format(dateLayout),
		BBox:       rq.bboxSlice(),
		Dataset:    rq.Dataset,
		Data:       []temperaturePoint{},
	}

	if resolution == resolutionRaw {
		rows, err := s.store.GetRawRows(rq.Start, rq.queryEnd(), rq.Keys, rq.BBox, rq.Dataset, limit, offset)
		if err != nil {
			writeFailure(w, err)
			return
		}
		for _, row := range rows {
			p := temperaturePoint{
				Key:     row.Key,
				Date:    row.ObservedAt.UTC().Format(time.RFC3339),
				Lat:     row.Latitude,
				Lon:     row.Longitude,
				QCFlag:  iptr(row.QCFlag),
				Source:  row.Source,
				Dataset: row.Dataset,
			}
			p.SSTC = nullFloatPtr(row.SSTC)
			resp.Data = append(resp.Data, p)
		}
	} else {
		rows, err := s.store.QueryAggregates(resolution, rq.Start, rq.queryEnd(), rq.Keys, rq.BBox, rq.Dataset, limit, offset)
		if err != nil {
			writeFailure(w, err)
			return
		}
		if len(rows) == 0 {
			notYet, err := s.aggregatesPending(resolution, rq)
			if err != nil {
				writeFailure(w, err)
				return
			}
			if notYet {
				writeError(w, http.StatusAccepted, kindNotYetComputed,
					"observations exist for this window but aggregates have not been computed yet")
				return
			}
		}
		for _, row := range rows {
			resp.Data = append(resp.Data, temperaturePoint{
				Key:           row.Key,
				Date:          row.PeriodStart.UTC().Format(dateLayout),
				Lat:           row.Latitude,
				Lon:           row.Longitude,
				AvgSSTC:       fptr(row.MeanC),
				MinSSTC:       fptr(row.MinC),
				MaxSSTC:       fptr(row.MaxC),
				SampleCount:   iptr(row.SampleCount),
				Completeness:  fptr(row.Completeness),
				LowConfidence: bptr(row.LowConfidence),
				Dataset:       row.Dataset,
			})
		}
	}

	resp.Count = len(resp.Data)
	s.respond(w, entityTemperatures, cacheKey, resp)
}

// aggregatesPending reports whether an empty aggregate result means
// "not materialized yet" rather than "no data exists": raw
// observations are present but no aggregate row at this resolution
// covers the window.
func (s *Server) aggregatesPending(resolution string, rq rangeQuery) (bool, error) {
	has, err := s.store.HasAggregates(resolution, rq.Start, rq.queryEnd(), rq.BBox, rq.Dataset)
	if err != nil || has {
		return false, err
	}
	return s.store.HasObservationsInRange(rq.Start, rq.queryEnd(), rq.BBox, rq.Dataset)
}

type anomalyPoint struct {
	Key            string   `json:"key"`
	Date           string   `json:"date"`
	Lat            float64  `json:"lat"`
	Lon            float64  `json:"lon"`
	ObservedC      float64  `json:"observed_c"`
	BaselineMeanC  float64  `json:"baseline_mean_c"`
	AnomalyC       float64  `json:"anomaly_c"`
	StdAnomaly     *float64 `json:"std_anomaly"`
	BaselinePeriod string   `json:"baseline_period"`
	Dataset        string   `json:"dataset"`
}

type anomalyResponse struct {
	Count          int            `json:"count"`
	BaselinePeriod string         `json:"baseline_period"`
	StartDate      string         `json:"start_date"`
	EndDate        string         `json:"end_date"`
	BBox           []float64      `json:"bbox"`
	Data           []anomalyPoint `json:"data"`
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cacheKey := q.Encode()
	if body, ok := s.cached(entityAnomalies, cacheKey); ok {
		writeBody(w, body)
		return
	}

	rq, err := parseRangeQuery(q)
	if err != nil {
		writeFailure(w, err)
		return
	}
	period, err := parseBaselineParam(q, s.baseline)
	if err != nil {
		writeFailure(w, err)
		return
	}
	threshold, err := parseThreshold(q)
	if err != nil {
		writeFailure(w, err)
		return
	}
	limit, offset, err := parseLimitOffset(q, defaultRowLimit, maxRowLimit)
	if err != nil {
		writeFailure(w, err)
		return
	}

	label := period.Label()
	rows, err := s.store.QueryAnomalies(label, rq.Start, rq.queryEnd(), rq.Keys, rq.BBox, rq.Dataset, threshold, limit, offset)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if len(rows) == 0 {
		notYet, err := s.anomaliesPending(label, rq)
		if err != nil {
			writeFailure(w, err)
			return
		}
		if notYet {
			writeError(w, http.StatusAccepted, kindNotYetComputed,
				"daily aggregates exist but anomalies against baseline "+label+" have not been computed yet")
			return
		}
	}

	resp := anomalyResponse{
		BaselinePeriod: label,
		StartDate:      rq.Start.Format(dateLayout),
		EndDate:        rq.End.Format(dateLayout),
		BBox:           rq.bboxSlice(),
		Data:           make([]anomalyPoint, 0, len(rows)),
	}
	for _, row := range rows {
		resp.Data = append(resp.Data, anomalyPoint{
			Key:            row.Key,
			Date:           row.Date.UTC().Format(dateLayout),
			Lat:            row.Latitude,
			Lon:            row.Longitude,
			ObservedC:      row.ObservedC,
			BaselineMeanC:  row.BaselineMeanC,
			AnomalyC:       row.AnomalyC,
			StdAnomaly:     nullFloatPtr(row.StdAnomaly),
			BaselinePeriod: row.BaselinePeriod,
			Dataset:        row.Dataset,
		})
	}
	resp.Count = len(resp.Data)
	s.respond(w, entityAnomalies, cacheKey, resp)
}

// anomaliesPending: empty is "not yet computed" only when no anomaly
// row for the baseline covers the window while daily aggregates do.
// A key with an insufficient baseline legitimately yields nothing, but
// then sibling keys in the window still carry rows once the job ran.
func (s *Server) anomaliesPending(label string, rq rangeQuery) (bool, error) {
	has, err := s.store.HasAnomalies(label, rq.Start, rq.queryEnd(), rq.BBox, rq.Dataset)
	if err != nil || has {
		return false, err
	}
	return s.store.HasAggregates(models.ResolutionDaily, rq.Start, rq.queryEnd(), rq.BBox, rq.Dataset)
}

type heatwaveEventPayload struct {
	ID                  string  `json:"id"`
	Key                 string  `json:"key"`
	StartDate           string  `json:"start_date"`
	EndDate             string  `json:"end_date"`
	DurationDays        int     `json:"duration_days"`
	Lat                 float64 `json:"lat"`
	Lon                 float64 `json:"lon"`
	MaxIntensityC       float64 `json:"max_intensity_c"`
	MeanIntensityC      float64 `json:"mean_intensity_c"`
	CumulativeIntensity float64 `json:"cumulative_intensity"`
	PeakStdAnomaly      float64 `json:"peak_std_anomaly"`
	Severity            string  `json:"severity"`
	ThresholdPercentile float64 `json:"threshold_percentile"`
	BaselinePeriod      string  `json:"baseline_period"`
	Dataset             string  `json:"dataset"`
}

type heatwaveResponse struct {
	Count               int                    `json:"count"`
	StartDate           string                 `json:"start_date"`
	EndDate             string                 `json:"end_date"`
	MinDuration         int                    `json:"min_duration"`
	ThresholdPercentile int                    `json:"threshold_percentile"`
	BaselinePeriod      string                 `json:"baseline_period"`
	BBox                []float64              `json:"bbox"`
	Events              []heatwaveEventPayload `json:"events"`
}

func (s *Server) handleHeatwaves(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cacheKey := q.Encode()
	if body, ok := s.cached(entityHeatwaves, cacheKey); ok {
		writeBody(w, body)
		return
	}

	rq, err := parseRangeQuery(q)
	if err != nil {
		writeFailure(w, err)
		return
	}
	period, err := parseBaselineParam(q, s.baseline)
	if err != nil {
		writeFailure(w, err)
		return
	}
	minDuration, err := parseIntParam(q, "min_duration", 5, 3, 365)
	if err != nil {
		writeFailure(w, err)
		return
	}
	percentile, err := parseIntParam(q, "threshold_percentile", 90, 85, 99)
	if err != nil {
		writeFailure(w, err)
		return
	}
	severity := q.Get("severity")
	switch severity {
	case "", models.SeverityModerate, models.SeverityStrong, models.SeveritySevere, models.SeverityExtreme:
	default:
		writeFailure(w, validationf("severity %q is not one of moderate, strong, severe, extreme", severity))
		return
	}
	limit, offset, err := parseLimitOffset(q, defaultEventLimit, maxEventLimit)
	if err != nil {
		writeFailure(w, err)
		return
	}

	label := period.Label()
	rows, err := s.store.QueryHeatwaves(label, rq.Start, rq.queryEnd(), rq.Keys, rq.BBox, rq.Dataset,
		severity, minDuration, float64(percentile), limit, offset)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if len(rows) == 0 {
		// No events is the normal case; only report not-yet-computed
		// when the anomaly pipeline itself has not covered the window.
		notYet, err := s.anomaliesPending(label, rq)
		if err != nil {
			writeFailure(w, err)
			return
		}
		if notYet {
			writeError(w, http.StatusAccepted, kindNotYetComputed,
				"heatwave detection against baseline "+label+" has not covered this window yet")
			return
		}
	}

	resp := heatwaveResponse{
		StartDate:           rq.Start.Format(dateLayout),
		EndDate:             rq.End.Format(dateLayout),
		MinDuration:         minDuration,
		ThresholdPercentile: percentile,
		BaselinePeriod:      label,
		BBox:                rq.bboxSlice(),
		Events:              make([]heatwaveEventPayload, 0, len(rows)),
	}
	for _, row := range rows {
		resp.Events = append(resp.Events, heatwaveEventPayload{
			ID:                  row.ID,
			Key:                 row.Key,
			StartDate:           row.StartDate.UTC().Format(dateLayout),
			EndDate:             row.EndDate.UTC().Format(dateLayout),
			DurationDays:        row.DurationDays,
			Lat:                 row.Latitude,
			Lon:                 row.Longitude,
			MaxIntensityC:       row.MaxIntensityC,
			MeanIntensityC:      row.MeanIntensityC,
			CumulativeIntensity: row.CumulativeIntensity,
			PeakStdAnomaly:      row.PeakStdAnomaly,
			Severity:            row.Severity,
			ThresholdPercentile: row.ThresholdPercentile,
			BaselinePeriod:      row.BaselinePeriod,
			Dataset:             row.Dataset,
		})
	}
	resp.Count = len(resp.Events)
	s.respond(w, entityHeatwaves, cacheKey, resp)
}

type availabilityEntry struct {
	Key              string   `json:"key"`
	Kind             string   `json:"kind"`
	Name             string   `json:"name"`
	Lat              float64  `json:"lat"`
	Lon              float64  `json:"lon"`
	Dataset          string   `json:"dataset"`
	CadenceMinutes   int      `json:"cadence_minutes"`
	FirstObservation string   `json:"first_observation,omitempty"`
	LastObservation  string   `json:"last_observation,omitempty"`
	ObservationCount int64    `json:"observation_count"`
	AggregateRows    int64    `json:"aggregate_rows"`
	Coverage         *float64 `json:"coverage"`
}

type availabilityResponse struct {
	Count      int                 `json:"count"`
	Resolution string              `json:"resolution"`
	Dataset    string              `json:"dataset,omitempty"`
	Data       []availabilityEntry `json:"data"`
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cacheKey := q.Encode()
	if body, ok := s.cached(entityAvailability, cacheKey); ok {
		writeBody(w, body)
		return
	}

	resolution, err := parseResolution(q, models.ResolutionDaily, false)
	if err != nil {
		writeFailure(w, err)
		return
	}
	bbox, err := parseBBox(q.Get("bbox"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	dataset := q.Get("dataset")

	rows, err := s.store.Availability(resolution, bbox, dataset)
	if err != nil {
		writeFailure(w, err)
		return
	}

	resp := availabilityResponse{
		Resolution: resolution,
		Dataset:    dataset,
		Data:       make([]availabilityEntry, 0, len(rows)),
	}
	for _, row := range rows {
		e := availabilityEntry{
			Key:              row.Key.Key,
			Kind:             row.Key.Kind,
			Name:             row.Key.Name,
			Lat:              row.Key.Latitude,
			Lon:              row.Key.Longitude,
			Dataset:          row.Key.Dataset,
			CadenceMinutes:   row.Key.CadenceMinutes,
			FirstObservation: nullTimeStr(row.FirstObservation),
			LastObservation:  nullTimeStr(row.LastObservation),
			ObservationCount: row.ObservationCount,
			AggregateRows:    row.AggregateRows,
		}
		if row.FirstObservation.Valid && row.LastObservation.Valid && row.AggregateRows > 0 {
			span := periodsBetween(resolution, row.FirstObservation.Time, row.LastObservation.Time)
			cov := math.Round(float64(row.AggregateRows)/float64(span)*1000) / 1000
			e.Coverage = &cov
		}
		resp.Data = append(resp.Data, e)
	}
	resp.Count = len(resp.Data)
	s.respond(w, entityAvailability, cacheKey, resp)
}

// periodsBetween counts inclusive calendar periods spanned by two
// instants at the given resolution.
func periodsBetween(resolution string, first, last time.Time) int {
	f, l := first.UTC(), last.UTC()
	switch resolution {
	case models.ResolutionMonthly:
		return (l.Year()-f.Year())*12 + int(l.Month()) - int(f.Month()) + 1
	case models.ResolutionYearly:
		return l.Year() - f.Year() + 1
	default:
		fd := time.Date(f.Year(), f.Month(), f.Day(), 0, 0, 0, 0, time.UTC)
		ld := time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, time.UTC)
		return int(ld.Sub(fd).Hours()/24) + 1
	}
}

type summaryResponse struct {
	Period        periodBlock   `json:"period"`
	SpatialBounds []float64     `json:"spatial_bounds"`
	Dataset       string        `json:"dataset,omitempty"`
	Resolution    string        `json:"resolution"`
	Statistics    *summaryStats `json:"statistics"`
	Message       string        `json:"message,omitempty"`
}

type periodBlock struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

type summaryStats struct {
	Count                 int             `json:"count"`
	TemperatureStatistics tempStats       `json:"temperature_statistics"`
	SpatialCoverage       spatialCoverage `json:"spatial_coverage"`
	AnomalyStatistics     *anomalyStats   `json:"anomaly_statistics"`
	HeatwaveEvents        int64           `json:"heatwave_events"`
}

type tempStats struct {
	MeanSSTC   float64 `json:"mean_sst_c"`
	MedianSSTC float64 `json:"median_sst_c"`
	MinSSTC    float64 `json:"min_sst_c"`
	MaxSSTC    float64 `json:"max_sst_c"`
	StdSSTC    float64 `json:"std_sst_c"`
}

type spatialCoverage struct {
	UniqueLocations int        `json:"unique_locations"`
	LatRange        [2]float64 `json:"lat_range"`
	LonRange        [2]float64 `json:"lon_range"`
}

type anomalyStats struct {
	BaselinePeriod     string  `json:"baseline_period"`
	MeanAnomalyC       float64 `json:"mean_anomaly_c"`
	ValuesBeyond2Sigma int64   `json:"values_beyond_2_sigma"`
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cacheKey := q.Encode()
	if body, ok := s.cached(entitySummary, cacheKey); ok {
		writeBody(w, body)
		return
	}

	rq, err := parseRangeQuery(q)
	if err != nil {
		writeFailure(w, err)
		return
	}
	resolution, err := parseResolution(q, models.ResolutionMonthly, false)
	if err != nil {
		writeFailure(w, err)
		return
	}
	period, err := parseBaselineParam(q, s.baseline)
	if err != nil {
		writeFailure(w, err)
		return
	}

	resp := summaryResponse{
		Period:        periodBlock{StartDate: rq.Start.Format(dateLayout), EndDate: rq.End.Format(dateLayout)},
		SpatialBounds: rq.bboxSlice(),
		Dataset:       rq.Dataset,
		Resolution:    resolution,
	}

	rows, err := s.store.QueryAggregates(resolution, rq.Start, rq.queryEnd(), nil, rq.BBox, rq.Dataset, statsRowLimit, 0)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if len(rows) == 0 {
		resp.Message = "no data available for the requested window"
		s.respond(w, entitySummary, cacheKey, resp)
		return
	}

	means := make([]float64, len(rows))
	locations := make(map[string]struct{}, len(rows))
	st := tempStats{MinSSTC: rows[0].MinC, MaxSSTC: rows[0].MaxC}
	cov := spatialCoverage{
		LatRange: [2]float64{rows[0].Latitude, rows[0].Latitude},
		LonRange: [2]float64{rows[0].Longitude, rows[0].Longitude},
	}
	for i, row := range rows {
		means[i] = row.MeanC
		st.MinSSTC = math.Min(st.MinSSTC, row.MinC)
		st.MaxSSTC = math.Max(st.MaxSSTC, row.MaxC)
		cov.LatRange[0] = math.Min(cov.LatRange[0], row.Latitude)
		cov.LatRange[1] = math.Max(cov.LatRange[1], row.Latitude)
		cov.LonRange[0] = math.Min(cov.LonRange[0], row.Longitude)
		cov.LonRange[1] = math.Max(cov.LonRange[1], row.Longitude)
		locations[row.Key] = struct{}{}
	}
	st.MeanSSTC = meanOf(means)
	st.MedianSSTC = medianOf(means)
	st.StdSSTC = stddevOf(means, st.MeanSSTC)
	cov.UniqueLocations = len(locations)

	stats := &summaryStats{
		Count:                 len(rows),
		TemperatureStatistics: st,
		SpatialCoverage:       cov,
	}

	label := period.Label()
	meanAnom, err := s.store.MeanAnomaly(label, rq.Start, rq.queryEnd(), rq.BBox, rq.Dataset)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if meanAnom.Valid {
		extremes, err := s.store.CountStdAnomaliesAtLeast(label, rq.Start, rq.queryEnd(), rq.BBox, rq.Dataset, 2.0)
		if err != nil {
			writeFailure(w, err)
			return
		}
		stats.AnomalyStatistics = &anomalyStats{
			BaselinePeriod:     label,
			MeanAnomalyC:       meanAnom.Float64,
			ValuesBeyond2Sigma: extremes,
		}
	}
	events, err := s.store.CountHeatwavesOverlapping(label, rq.Start, rq.queryEnd(), rq.BBox, rq.Dataset)
	if err != nil {
		writeFailure(w, err)
		return
	}
	stats.HeatwaveEvents = events

	resp.Statistics = stats
	s.respond(w, entitySummary, cacheKey, resp)
}

func meanOf(vs []float64) float64 {
	var sum float64
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

func medianOf(vs []float64) float64 {
	sorted := append([]float64(nil), vs...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// stddevOf is the sample standard deviation, zero for fewer than two
// values.
func stddevOf(vs []float64, mu float64) float64 {
	if len(vs) < 2 {
		return 0
	}
	var sum float64
	for _, v := range vs {
		d := v - mu
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(vs)-1))
}

func fptr(v float64) *float64 { return &v }
func iptr(v int) *int         { return &v }
func bptr(v bool) *bool       { return &v }

func nullFloatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullTimeStr(v sql.NullTime) string {
	if !v.Valid {
		return ""
	}
	return v.Time.UTC().Format(time.RFC3339)
}
