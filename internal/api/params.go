package api

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bluesphere/oceantemp/internal/models"
)

const dateLayout = "2006-01-02"

// resolutionRaw is only meaningful on the read side: raw rows are
// served straight from observations, everything else from aggregates.
const resolutionRaw = "raw"

// rangeQuery is the window/filter block shared by the windowed read
// endpoints. Start and End are inclusive calendar days as given by the
// client; storage queries use the half-open [Start, queryEnd()).
type rangeQuery struct {
	Start   time.Time
	End     time.Time
	BBox    *models.BBox
	Keys    []string
	Dataset string
}

func (q rangeQuery) queryEnd() time.Time {
	return q.End.AddDate(0, 0, 1)
}

// bboxSlice echoes the box in request order, or nil for no filter.
func (q rangeQuery) bboxSlice() []float64 {
	if q.BBox == nil {
		return nil
	}
	return []float64{q.BBox.MinLon, q.BBox.MinLat, q.BBox.MaxLon, q.BBox.MaxLat}
}

func parseRangeQuery(v url.Values) (rangeQuery, error) {
	var q rangeQuery
	var err error
	if q.Start, err = parseDate(v.Get("start_date"), "start_date"); err != nil {
		return q, err
	}
	if q.End, err = parseDate(v.Get("end_date"), "end_date"); err != nil {
		return q, err
	}
	if q.End.Before(q.Start) {
		return q, validationf("start_date must not be after end_date")
	}
	if q.BBox, err = parseBBox(v.Get("bbox")); err != nil {
		return q, err
	}
	if q.Keys, err = parseKeys(v.Get("key")); err != nil {
		return q, err
	}
	q.Dataset = v.Get("dataset")
	return q, nil
}

func parseDate(s, name string) (time.Time, error) {
	if s == "" {
		return time.Time{}, validationf("%s is required (YYYY-MM-DD)", name)
	}
	t, err := time.ParseInLocation(dateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, validationf("%s must be a YYYY-MM-DD date, got %q", name, s)
	}
	return t, nil
}

// parseBBox parses "minLon,minLat,maxLon,maxLat". Empty means no
// spatial filter.
func parseBBox(s string) (*models.BBox, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, validationf("bbox must be minLon,minLat,maxLon,maxLat")
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, validationf("bbox component %q is not a number", p)
		}
		vals[i] = f
	}
	b := &models.BBox{MinLon: vals[0], MinLat: vals[1], MaxLon: vals[2], MaxLat: vals[3]}
	if err := b.Validate(); err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}
	return b, nil
}

// parseKeys parses a comma-separated list of canonical series keys.
func parseKeys(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	keys := make([]string, 0, len(parts))
	for _, p := range parts {
		k := strings.TrimSpace(p)
		if models.KindOf(k) == "" {
			return nil, validationf("key %q is not a canonical series key (station:ID or cell:LAT,LON)", k)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func parseResolution(v url.Values, def string, allowRaw bool) (string, error) {
	s := v.Get("resolution")
	if s == "" {
		return def, nil
	}
	switch s {
	case models.ResolutionDaily, models.ResolutionMonthly, models.ResolutionYearly:
		return s, nil
	case resolutionRaw:
		if allowRaw {
			return s, nil
		}
	}
	return "", validationf("resolution %q is not supported here", s)
}

func parseLimitOffset(v url.Values, def, max int) (limit, offset int, err error) {
	limit = def
	if s := v.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return 0, 0, validationf("limit must be a positive integer")
		}
		if n > max {
			return 0, 0, validationf("limit must be at most %d", max)
		}
		limit = n
	}
	if s := v.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return 0, 0, validationf("offset must be a non-negative integer")
		}
		offset = n
	}
	return limit, offset, nil
}

func parseIntParam(v url.Values, name string, def, min, max int) (int, error) {
	s := v.Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, validationf("%s must be an integer", name)
	}
	if n < min || n > max {
		return 0, validationf("%s must be between %d and %d", name, min, max)
	}
	return n, nil
}

// parseThreshold parses the optional minimum |standardized anomaly|
// filter. Nil means no filter.
func parseThreshold(v url.Values) (*float64, error) {
	s := v.Get("threshold")
	if s == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return nil, validationf("threshold must be a non-negative number")
	}
	return &f, nil
}

func parseBaselineParam(v url.Values, def models.BaselinePeriod) (models.BaselinePeriod, error) {
	s := v.Get("baseline_period")
	if s == "" {
		return def, nil
	}
	p, err := models.ParseBaselinePeriod(s)
	if err != nil {
		return p, validationf("baseline_period must be YYYY-YYYY, got %q", s)
	}
	return p, nil
}
