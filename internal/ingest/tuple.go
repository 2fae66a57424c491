// Package ingest moves already-parsed observation tuples into the
// store: a Kafka consumer for streaming feeds and an NDJSON importer
// for backfills. Provider wire formats are decoded upstream; this
// package only validates, registers keys on first sight and persists.
package ingest

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bluesphere/oceantemp/internal/models"
	"github.com/bluesphere/oceantemp/internal/store"
)

// Tuple is the wire schema shared by the Kafka consumer and the file
// importer: one observation per JSON object. Either key or station_id
// names the series; station_id is shorthand for a station key.
type Tuple struct {
	Key       string    `json:"key,omitempty"`
	StationID string    `json:"station_id,omitempty"`
	Time      time.Time `json:"time"`
	SSTC      *float64  `json:"sst_c"`
	QCFlag    int       `json:"qc_flag,omitempty"`
	Source    string    `json:"source,omitempty"`
	Dataset   string    `json:"dataset,omitempty"`

	// Registration fields, used the first time a key is seen.
	Name           string   `json:"name,omitempty"`
	Lat            *float64 `json:"lat,omitempty"`
	Lon            *float64 `json:"lon,omitempty"`
	CadenceMinutes int      `json:"cadence_minutes,omitempty"`
}

// DecodeTuple parses and structurally checks one tuple. Tuples without
// an identity, a timestamp or a value are unusable and rejected here;
// implausible values pass decode and are flagged instead.
func DecodeTuple(data []byte) (Tuple, error) {
	var t Tuple
	if err := json.Unmarshal(data, &t); err != nil {
		return Tuple{}, fmt.Errorf("parse tuple: %w", err)
	}
	if t.Key == "" && t.StationID == "" {
		return Tuple{}, errors.New("tuple has neither key nor station_id")
	}
	if t.Time.IsZero() {
		return Tuple{}, errors.New("tuple missing time")
	}
	if t.SSTC == nil {
		return Tuple{}, errors.New("tuple missing sst_c")
	}
	return t, nil
}

// SeriesKey resolves the canonical series key the tuple belongs to.
func (t Tuple) SeriesKey() string {
	if t.Key != "" {
		return t.Key
	}
	return models.StationKey(t.StationID)
}

// Observation converts the tuple to a storable row. Local validation
// flags escalate the QC flag past the clean threshold so flagged rows
// are kept for the raw view but never feed aggregation.
func (t Tuple) Observation(now time.Time) (models.Observation, []string) {
	flags := ValidateTuple(t, now)

	obs := models.Observation{
		Key:        t.SeriesKey(),
		ObservedAt: t.Time.UTC(),
		SSTC:       sql.NullFloat64{Float64: *t.SSTC, Valid: true},
		QCFlag:     t.QCFlag,
		Source:     t.Source,
	}
	if obs.Source == "" {
		obs.Source = "unknown"
	}
	if len(flags) > 0 {
		if obs.QCFlag < flaggedQC {
			obs.QCFlag = flaggedQC
		}
		obs.QualityFlags = sql.NullString{String: QualityFlagsToJSON(flags), Valid: true}
	}
	return obs, flags
}

// KeyRecord returns the registry row implied by the tuple for
// first-sight registration. ok is false when the tuple carries no
// position, in which case an unknown key cannot be registered.
func (t Tuple) KeyRecord() (models.Key, bool) {
	if t.Lat == nil || t.Lon == nil {
		return models.Key{}, false
	}

	key := t.SeriesKey()
	k := models.Key{
		Key:            key,
		Kind:           models.KindOf(key),
		Name:           t.Name,
		Latitude:       *t.Lat,
		Longitude:      *t.Lon,
		Dataset:        t.Dataset,
		CadenceMinutes: t.CadenceMinutes,
		Active:         true,
	}
	if k.Name == "" {
		k.Name = key
	}
	return k, true
}

// keyCache registers series keys on first sight and remembers them so
// steady-state ingestion skips the registry lookup.
type keyCache struct {
	store *store.Store
	known map[string]struct{}
}

func newKeyCache(st *store.Store) keyCache {
	return keyCache{store: st, known: make(map[string]struct{})}
}

// ensure registers the tuple's key if it has never been seen. ok is
// false when the key is unknown and the tuple cannot register it; err
// reports storage failures only.
func (kc *keyCache) ensure(tup Tuple) (bool, error) {
	key := tup.SeriesKey()
	if _, seen := kc.known[key]; seen {
		return true, nil
	}

	existing, err := kc.store.GetKey(key)
	if err != nil {
		return false, err
	}
	if existing == nil {
		k, can := tup.KeyRecord()
		if !can {
			return false, nil
		}
		if err := kc.store.UpsertKey(k); err != nil {
			return false, err
		}
	}
	kc.known[key] = struct{}{}
	return true, nil
}
