package models

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Key kinds. A station key identifies a point sensor (moored buoy, ship,
// tide gauge); a cell key identifies a grid cell at the configured bin
// resolution. Both share the same canonical string form so every derived
// table joins on a single TEXT column.
const (
	KeyKindStation = "station"
	KeyKindCell    = "cell"
)

// Aggregate resolutions.
const (
	ResolutionDaily   = "daily"
	ResolutionMonthly = "monthly"
	ResolutionYearly  = "yearly"
)

// Baseline granularities.
const (
	GranularityDayOfYear = "day_of_year"
	GranularityMonth     = "month"
)

// Key is the registry entry for a spatial partition. The canonical Key
// string ("station:41001", "cell:-36.50,146.50") is the identity used by
// observations and all derived tables; the rest is metadata for bbox
// filtering and expected-count accounting.
type Key struct {
	Key            string
	Kind           string
	Name           string
	Latitude       float64
	Longitude      float64
	Dataset        string
	CadenceMinutes int
	Active         bool
}

// StationKey returns the canonical key for a station identifier.
func StationKey(stationID string) string {
	return KeyKindStation + ":" + stationID
}

// CellKey returns the canonical key for a grid cell centred on the given
// bin coordinates. Bins are formatted to two decimals so keys are stable
// regardless of how the caller derived them.
func CellKey(latBin, lonBin float64) string {
	return fmt.Sprintf("%s:%.2f,%.2f", KeyKindCell, latBin, lonBin)
}

// KindOf reports the kind prefix of a canonical key, or "" if the key is
// not in canonical form.
func KindOf(key string) string {
	kind, _, ok := strings.Cut(key, ":")
	if !ok {
		return ""
	}
	switch kind {
	case KeyKindStation, KeyKindCell:
		return kind
	}
	return ""
}

// Observation is one raw reading. Append-only; re-ingesting the same
// (key, observed_at, source) triple supersedes the previous value.
type Observation struct {
	ID           int64
	Key          string
	ObservedAt   time.Time
	SSTC         sql.NullFloat64
	QCFlag       int
	Source       string
	QualityFlags sql.NullString
	CreatedAt    time.Time
}

// Aggregate is one roll-up row. PeriodEnd is exclusive. Completeness is
// sample count over the expected count for the period; rows below the
// configured floor carry LowConfidence but are never dropped.
type Aggregate struct {
	Key           string
	Resolution    string
	PeriodStart   time.Time
	PeriodEnd     time.Time
	MeanC         float64
	MinC          float64
	MaxC          float64
	SampleCount   int
	Completeness  float64
	LowConfidence bool
	ComputedAt    time.Time
}

// BaselinePeriod is an inclusive year range, e.g. 1991-2020.
type BaselinePeriod struct {
	StartYear int
	EndYear   int
}

// Label renders the period in the form used by baseline_period columns
// and API parameters ("1991-2020").
func (p BaselinePeriod) Label() string {
	return fmt.Sprintf("%d-%d", p.StartYear, p.EndYear)
}

// Years returns the number of years the period spans.
func (p BaselinePeriod) Years() int {
	return p.EndYear - p.StartYear + 1
}

// ParseBaselinePeriod parses a "YYYY-YYYY" label.
func ParseBaselinePeriod(s string) (BaselinePeriod, error) {
	var p BaselinePeriod
	if _, err := fmt.Sscanf(s, "%d-%d", &p.StartYear, &p.EndYear); err != nil {
		return p, fmt.Errorf("parse baseline period %q: %w", s, err)
	}
	if p.StartYear < 1800 || p.EndYear < p.StartYear {
		return p, fmt.Errorf("parse baseline period %q: years out of order", s)
	}
	return p, nil
}

// Baseline is the climatological normal for one key and calendar
// position. Position is a day-of-year ring index (1..366, leap-aligned)
// or a month (1..12) depending on granularity. Insufficient marks
// positions whose sample did not meet the minimum-years gate; they are
// retained for inspection but excluded from anomaly computation.
type Baseline struct {
	Key          string
	Period       BaselinePeriod
	Granularity  string
	Position     int
	MeanC        float64
	StdC         float64
	SampleYears  int
	Insufficient bool
}

// Anomaly is one observed-minus-baseline deviation for a daily
// aggregate. StdAnomaly is null when the baseline std is not positive.
type Anomaly struct {
	Key            string
	Date           time.Time
	BaselinePeriod string
	ObservedC      float64
	BaselineMeanC  float64
	BaselineStdC   float64
	AnomalyC       float64
	StdAnomaly     sql.NullFloat64
}

// Heatwave severity tiers, ordered. Band boundaries are configuration;
// the four-tier ordering is fixed.
const (
	SeverityModerate = "moderate"
	SeverityStrong   = "strong"
	SeveritySevere   = "severe"
	SeverityExtreme  = "extreme"
)

// HeatwaveEvent is one closed marine-heatwave event. Intensities are
// relative to the climatological mean (the same frame as Anomaly);
// PeakStdAnomaly carries the standardized peak used for severity.
// Dates are inclusive calendar days.
type HeatwaveEvent struct {
	ID                  string
	Key                 string
	StartDate           time.Time
	EndDate             time.Time
	DurationDays        int
	MaxIntensityC       float64
	MeanIntensityC      float64
	CumulativeIntensity float64
	PeakStdAnomaly      float64
	Severity            string
	ThresholdPercentile float64
	BaselinePeriod      string
}

// ForecastModel is a registry entry for a trained/validated model
// version. Immutable once written; superseded by a new version.
type ForecastModel struct {
	ID        int64
	Type      string
	Version   string
	TrainedAt time.Time
	RMSE      sql.NullFloat64
	MAE       sql.NullFloat64
	R2        sql.NullFloat64
}

// SkillBucket is a per-horizon-bucket validation result for a model.
// BucketHours is the upper bound of the bucket (24, 72, 168, 336).
type SkillBucket struct {
	ModelID     int64
	BucketHours int
	RMSE        float64
	MAE         float64
	Samples     int
}

// Uncertainty bounds for one forecast step. CI68/CI95 are half-widths.
type Uncertainty struct {
	Std  float64 `json:"std"`
	CI68 float64 `json:"ci68"`
	CI95 float64 `json:"ci95"`
}

// Skill reports forecast trustworthiness for one step: ExpectedError is
// the model's validation RMSE for the step's horizon bucket, Reliability
// decays with horizon in (0, 1].
type Skill struct {
	ExpectedError float64 `json:"expected_error"`
	Reliability   float64 `json:"reliability"`
}

// Prediction is one forecast step. Derived and ephemeral; always
// reproducible from model + history.
type Prediction struct {
	Key          string      `json:"key"`
	BaseTime     time.Time   `json:"base_time"`
	TargetTime   time.Time   `json:"target_time"`
	HorizonHours int         `json:"horizon_hours"`
	ValueC       float64     `json:"predicted_sst_c"`
	Uncertainty  Uncertainty `json:"uncertainty"`
	Skill        Skill       `json:"skill"`
	ModelID      string      `json:"model_id"`
}

// JobRun statuses.
const (
	JobStatusRunning = "running"
	JobStatusSuccess = "success"
	JobStatusError   = "error"
)

// JobRun records one batch job execution for operational visibility.
type JobRun struct {
	ID         int64
	Job        string
	Partition  sql.NullString
	Period     sql.NullString
	Status     string
	StartedAt  time.Time
	FinishedAt sql.NullTime
	Note       sql.NullString
	Attempt    int
}

// BBox is a geographic bounding box, minLon/minLat/maxLon/maxLat.
type BBox struct {
	MinLon float64
	MinLat float64
	MaxLon float64
	MaxLat float64
}

// Contains reports whether the point lies inside the box (inclusive).
func (b BBox) Contains(lat, lon float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lon >= b.MinLon && lon <= b.MaxLon
}

// Validate checks coordinate ranges and ordering.
func (b BBox) Validate() error {
	if b.MinLat < -90 || b.MaxLat > 90 {
		return fmt.Errorf("bbox latitude out of range [-90, 90]")
	}
	if b.MinLon < -180 || b.MaxLon > 180 {
		return fmt.Errorf("bbox longitude out of range [-180, 180]")
	}
	if b.MinLat >= b.MaxLat || b.MinLon >= b.MaxLon {
		return fmt.Errorf("bbox min must be less than max")
	}
	return nil
}
