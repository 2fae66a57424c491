package ingest

import (
	"encoding/json"
	"time"
)

const (
	FlagTempOutOfRange = "temp_out_of_range"
	FlagLatOutOfRange  = "lat_out_of_range"
	FlagLonOutOfRange  = "lon_out_of_range"
	FlagTimeInFuture   = "time_in_future"
)

// Seawater freezes near -1.9 °C and no open-ocean surface reading
// plausibly exceeds 40 °C; sentinel values like 99.9 or 999 land far
// outside this window and get flagged with everything else.
const (
	minPlausibleSST = -3.0
	maxPlausibleSST = 40.0
)

// flaggedQC is the flag rows are escalated to when local validation
// fails, past the provider-QC threshold the clean filter accepts.
const flaggedQC = 4

// futureTolerance absorbs provider clock skew before a timestamp is
// flagged as being from the future.
const futureTolerance = time.Hour

// ValidateTuple returns the quality flags for a tuple. Flagged tuples
// are stored, not dropped; the flags travel with the row.
func ValidateTuple(t Tuple, now time.Time) []string {
	var flags []string

	if t.SSTC != nil && (*t.SSTC < minPlausibleSST || *t.SSTC > maxPlausibleSST) {
		flags = append(flags, FlagTempOutOfRange)
	}

	if t.Lat != nil && (*t.Lat < -90 || *t.Lat > 90) {
		flags = append(flags, FlagLatOutOfRange)
	}

	if t.Lon != nil && (*t.Lon < -180 || *t.Lon > 180) {
		flags = append(flags, FlagLonOutOfRange)
	}

	if !t.Time.IsZero() && t.Time.After(now.Add(futureTolerance)) {
		flags = append(flags, FlagTimeInFuture)
	}

	return flags
}

func QualityFlagsToJSON(flags []string) string {
	if len(flags) == 0 {
		return ""
	}
	b, _ := json.Marshal(flags)
	return string(b)
}
