package temporal

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/bluesphere/oceantemp/internal/models"
	"github.com/bluesphere/oceantemp/internal/store"
)

// heatwaveNamespace seeds deterministic event IDs: the same key and
// start date always hash to the same UUID, so reprocessing replaces
// events instead of minting new identities.
var heatwaveNamespace = uuid.MustParse("3f1c0f6e-9d2a-4b7e-8c15-6a71d94dcb42")

// EventID derives the stable identifier for an event.
func EventID(key string, start time.Time) string {
	return uuid.NewSHA1(heatwaveNamespace, []byte(key+"|"+start.UTC().Format("2006-01-02"))).String()
}

// SeverityBands are the exceedance boundaries, in baseline standard
// deviations above the threshold, between the four severity tiers.
// Boundaries are configurable; the tier ordering is not.
type SeverityBands struct {
	StrongAt  float64
	SevereAt  float64
	ExtremeAt float64
}

func severityFor(exceedStd float64, b SeverityBands) string {
	switch {
	case exceedStd >= b.ExtremeAt:
		return models.SeverityExtreme
	case exceedStd >= b.SevereAt:
		return models.SeveritySevere
	case exceedStd >= b.StrongAt:
		return models.SeverityStrong
	default:
		return models.SeverityModerate
	}
}

// HeatwaveConfig controls detection.
type HeatwaveConfig struct {
	Period      models.BaselinePeriod
	Granularity string
	// Percentile sets the daily exceedance threshold, mapped to a
	// standard-normal quantile over the baseline distribution.
	Percentile float64
	// MinDuration is the number of consecutive qualifying days required
	// before a run becomes an event.
	MinDuration int
	// GapTolerance is the number of consecutive non-qualifying days an
	// active event may bridge without closing.
	GapTolerance int
	Bands        SeverityBands
}

func DefaultHeatwaveConfig() HeatwaveConfig {
	return HeatwaveConfig{
		Period:       models.BaselinePeriod{StartYear: 1991, EndYear: 2020},
		Granularity:  models.GranularityDayOfYear,
		Percentile:   0.90,
		MinDuration:  5,
		GapTolerance: 2,
		Bands:        SeverityBands{StrongAt: 2, SevereAt: 3, ExtremeAt: 4},
	}
}

// ZScore maps a percentile to the standard normal quantile.
func ZScore(p float64) float64 {
	return math.Sqrt2 * math.Erfinv(2*p-1)
}

// HeatwaveDetector scans daily aggregates against baselines for
// marine-heatwave events.
type HeatwaveDetector struct {
	store *store.Store
	cfg   HeatwaveConfig
}

func NewHeatwaveDetector(st *store.Store, cfg HeatwaveConfig) *HeatwaveDetector {
	return &HeatwaveDetector{store: st, cfg: cfg}
}

// daySample is one day of detector input. ok means the day has both an
// aggregate value and a usable (sufficient, positive-variance)
// baseline; days without are never qualifying but still advance the
// calendar.
type daySample struct {
	date  time.Time
	value float64
	mean  float64
	std   float64
	ok    bool
}

// DetectKey runs detection for one key over [start, end). A nil result
// with no error means the key has no baselines and was skipped.
// Events in progress at the end of the window are closed at their last
// qualifying day; a longer window reopens them on the next run.
func (d *HeatwaveDetector) DetectKey(ctx context.Context, key string, start, end time.Time) ([]models.HeatwaveEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	baselines, err := d.store.GetBaselines(key, d.cfg.Period, d.cfg.Granularity)
	if err != nil {
		return nil, fmt.Errorf("load baselines %s: %w", key, err)
	}
	if len(baselines) == 0 {
		return nil, nil
	}

	start, end = DayStart(start), DayStart(end)
	means, err := d.store.GetDailyMeans(key, start, end)
	if err != nil {
		return nil, fmt.Errorf("load daily means %s: %w", key, err)
	}
	byDay := make(map[time.Time]float64, len(means))
	for _, m := range means {
		byDay[DayStart(m.Date)] = m.MeanC
	}

	var samples []daySample
	for day := start; day.Before(end); day = day.AddDate(0, 0, 1) {
		s := daySample{date: day}
		value, haveValue := byDay[day]
		pos := RingPosition(day)
		if d.cfg.Granularity == models.GranularityMonth {
			pos = int(day.Month())
		}
		bl, haveBaseline := baselines[pos]
		if haveValue && haveBaseline && !bl.Insufficient && bl.StdC > 0 {
			s.value = value
			s.mean = bl.MeanC
			s.std = bl.StdC
			s.ok = true
		}
		samples = append(samples, s)
	}

	events := detectEvents(key, samples, d.cfg)
	if events == nil {
		events = []models.HeatwaveEvent{}
	}
	return events, nil
}

// detectEvents walks consecutive day samples through the detection
// state machine. A run of MinDuration qualifying days opens an event;
// an open event bridges up to GapTolerance non-qualifying days and
// closes at its last qualifying day.
func detectEvents(key string, samples []daySample, cfg HeatwaveConfig) []models.HeatwaveEvent {
	z := ZScore(cfg.Percentile)

	qualifies := func(s daySample) bool {
		return s.ok && s.value >= s.mean+z*s.std
	}

	var events []models.HeatwaveEvent
	const (
		stateNormal = iota
		stateCandidate
		stateActive
	)
	state := stateNormal
	var startIdx, lastQual, run, gap int

	closeEvent := func() {
		events = append(events, buildEvent(key, samples[startIdx:lastQual+1], cfg, z))
		state = stateNormal
	}

	for i, s := range samples {
		q := qualifies(s)
		switch state {
		case stateNormal:
			if q {
				startIdx, lastQual, run = i, i, 1
				if run >= cfg.MinDuration {
					state = stateActive
					gap = 0
				} else {
					state = stateCandidate
				}
			}
		case stateCandidate:
			if !q {
				state = stateNormal
				continue
			}
			lastQual = i
			run++
			if run >= cfg.MinDuration {
				state = stateActive
				gap = 0
			}
		case stateActive:
			if q {
				lastQual = i
				gap = 0
				continue
			}
			gap++
			if gap > cfg.GapTolerance {
				closeEvent()
			}
		}
	}
	if state == stateActive {
		closeEvent()
	}
	return events
}

// buildEvent computes the metrics for a closed event. The slice spans
// start..lastQualifying inclusive; bridged days with values contribute
// to intensity, bridged missing days only to duration.
func buildEvent(key string, days []daySample, cfg HeatwaveConfig, z float64) models.HeatwaveEvent {
	var (
		sum     float64
		count   int
		maxInt  float64
		peakStd float64
	)
	for _, s := range days {
		if !s.ok {
			continue
		}
		intensity := s.value - s.mean
		if count == 0 || intensity > maxInt {
			maxInt = intensity
		}
		stdAnom := intensity / s.std
		if count == 0 || stdAnom > peakStd {
			peakStd = stdAnom
		}
		sum += intensity
		count++
	}

	start := days[0].date
	end := days[len(days)-1].date
	mean := 0.0
	if count > 0 {
		mean = sum / float64(count)
	}

	return models.HeatwaveEvent{
		ID:                  EventID(key, start),
		Key:                 key,
		StartDate:           start,
		EndDate:             end,
		DurationDays:        len(days),
		MaxIntensityC:       maxInt,
		MeanIntensityC:      mean,
		CumulativeIntensity: sum,
		PeakStdAnomaly:      peakStd,
		Severity:            severityFor(peakStd-z, cfg.Bands),
		ThresholdPercentile: cfg.Percentile,
		BaselinePeriod:      cfg.Period.Label(),
	}
}

// Run recomputes heatwave events for every key with daily aggregates in
// the window. The window should be long enough to contain whole events;
// events spanning its start are truncated at the boundary.
func (d *HeatwaveDetector) Run(ctx context.Context, start, end time.Time) (RunStats, error) {
	start, end = DayStart(start), DayStart(end)

	keys, err := d.store.AggregateKeysInRange(models.ResolutionDaily, start, end)
	if err != nil {
		return RunStats{}, fmt.Errorf("list keys: %w", err)
	}

	var stats RunStats
	var firstErr error
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Keys++

		events, err := d.DetectKey(ctx, key, start, end)
		if err == nil && events == nil {
			stats.Skipped++
			log.Printf("heatwave: %s: no usable baselines for %s, skipping", key, d.cfg.Period.Label())
			continue
		}
		if err == nil {
			err = d.store.ReplaceHeatwaves(key, d.cfg.Period.Label(), start, end, events)
		}
		if err != nil {
			stats.Failed++
			log.Printf("heatwave: %s: %v", key, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return stats, fmt.Errorf("heatwaves: %d/%d keys failed: %w", stats.Failed, stats.Keys, firstErr)
	}
	return stats, nil
}
