package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	_ "modernc.org/sqlite"

	"github.com/bluesphere/oceantemp/internal/models"
	"github.com/bluesphere/oceantemp/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	st := store.New(db)
	if err := st.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st
}

func f(v float64) *float64 { return &v }

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func TestValidateTuple(t *testing.T) {
	tests := []struct {
		name      string
		tup       Tuple
		wantFlags []string
	}{
		{
			name: "valid tuple - no flags",
			tup: Tuple{
				StationID: "41001",
				Time:      testNow.Add(-time.Hour),
				SSTC:      f(22.5),
				Lat:       f(34.7),
				Lon:       f(-72.7),
			},
			wantFlags: nil,
		},
		{
			name:      "sst too cold",
			tup:       Tuple{StationID: "41001", Time: testNow, SSTC: f(-3.5)},
			wantFlags: []string{FlagTempOutOfRange},
		},
		{
			name:      "sst too hot",
			tup:       Tuple{StationID: "41001", Time: testNow, SSTC: f(41.0)},
			wantFlags: []string{FlagTempOutOfRange},
		},
		{
			name:      "sst at cold boundary - valid",
			tup:       Tuple{StationID: "41001", Time: testNow, SSTC: f(-3.0)},
			wantFlags: nil,
		},
		{
			name:      "sst at hot boundary - valid",
			tup:       Tuple{StationID: "41001", Time: testNow, SSTC: f(40.0)},
			wantFlags: nil,
		},
		{
			name:      "sentinel 999 flagged",
			tup:       Tuple{StationID: "41001", Time: testNow, SSTC: f(999.0)},
			wantFlags: []string{FlagTempOutOfRange},
		},
		{
			name:      "latitude out of range",
			tup:       Tuple{StationID: "41001", Time: testNow, SSTC: f(20.0), Lat: f(91.0), Lon: f(0)},
			wantFlags: []string{FlagLatOutOfRange},
		},
		{
			name:      "longitude out of range",
			tup:       Tuple{StationID: "41001", Time: testNow, SSTC: f(20.0), Lat: f(0), Lon: f(-180.5)},
			wantFlags: []string{FlagLonOutOfRange},
		},
		{
			name:      "future time beyond tolerance",
			tup:       Tuple{StationID: "41001", Time: testNow.Add(2 * time.Hour), SSTC: f(20.0)},
			wantFlags: []string{FlagTimeInFuture},
		},
		{
			name:      "future time within tolerance - valid",
			tup:       Tuple{StationID: "41001", Time: testNow.Add(30 * time.Minute), SSTC: f(20.0)},
			wantFlags: nil,
		},
		{
			name: "multiple flags",
			tup: Tuple{
				StationID: "41001",
				Time:      testNow.Add(3 * time.Hour),
				SSTC:      f(55.0),
				Lat:       f(-95.0),
			},
			wantFlags: []string{FlagTempOutOfRange, FlagLatOutOfRange, FlagTimeInFuture},
		},
		{
			name:      "missing position - no position flags",
			tup:       Tuple{StationID: "41001", Time: testNow, SSTC: f(20.0)},
			wantFlags: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ValidateTuple(tt.tup, testNow)
			sort.Strings(got)
			want := append([]string(nil), tt.wantFlags...)
			sort.Strings(want)
			if len(got) != len(want) {
				t.Fatalf("ValidateTuple() = %v, want %v", got, want)
			}
			for i := range want {
				if got[i] != want[i] {
					t.Fatalf("ValidateTuple() = %v, want %v", got, want)
				}
			}
		})
	}
}

func TestDecodeTuple(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
		check   func(t *testing.T, tup Tuple)
	}{
		{
			name: "full tuple",
			data: `{"station_id":"41001","time":"2025-06-15T10:00:00Z","sst_c":22.5,"qc_flag":1,"source":"ndbc","lat":34.7,"lon":-72.7,"dataset":"ndbc","cadence_minutes":60}`,
			check: func(t *testing.T, tup Tuple) {
				if tup.SeriesKey() != "station:41001" {
					t.Errorf("SeriesKey() = %q, want station:41001", tup.SeriesKey())
				}
				if tup.SSTC == nil || *tup.SSTC != 22.5 {
					t.Errorf("SSTC = %v, want 22.5", tup.SSTC)
				}
				if tup.QCFlag != 1 {
					t.Errorf("QCFlag = %d, want 1", tup.QCFlag)
				}
			},
		},
		{
			name: "explicit cell key",
			data: `{"key":"cell:-36.50,146.50","time":"2025-06-15T10:00:00Z","sst_c":18.0}`,
			check: func(t *testing.T, tup Tuple) {
				if tup.SeriesKey() != "cell:-36.50,146.50" {
					t.Errorf("SeriesKey() = %q", tup.SeriesKey())
				}
			},
		},
		{
			name:    "no identity",
			data:    `{"time":"2025-06-15T10:00:00Z","sst_c":20.0}`,
			wantErr: true,
		},
		{
			name:    "missing time",
			data:    `{"station_id":"41001","sst_c":20.0}`,
			wantErr: true,
		},
		{
			name:    "missing sst",
			data:    `{"station_id":"41001","time":"2025-06-15T10:00:00Z"}`,
			wantErr: true,
		},
		{
			name:    "null sst",
			data:    `{"station_id":"41001","time":"2025-06-15T10:00:00Z","sst_c":null}`,
			wantErr: true,
		},
		{
			name:    "malformed json",
			data:    `{"station_id":`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tup, err := DecodeTuple([]byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeTuple() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil {
				tt.check(t, tup)
			}
		})
	}
}

func TestTupleObservation(t *testing.T) {
	t.Run("clean tuple keeps provider qc", func(t *testing.T) {
		tup := Tuple{StationID: "41001", Time: testNow.Add(-time.Hour), SSTC: f(22.5), QCFlag: 1, Source: "ndbc"}
		obs, flags := tup.Observation(testNow)
		if len(flags) != 0 {
			t.Fatalf("flags = %v, want none", flags)
		}
		if obs.QCFlag != 1 {
			t.Errorf("QCFlag = %d, want 1", obs.QCFlag)
		}
		if obs.QualityFlags.Valid {
			t.Errorf("QualityFlags = %q, want null", obs.QualityFlags.String)
		}
		if obs.Source != "ndbc" {
			t.Errorf("Source = %q", obs.Source)
		}
	})

	t.Run("flagged tuple escalates qc", func(t *testing.T) {
		tup := Tuple{StationID: "41001", Time: testNow, SSTC: f(999.0), QCFlag: 0}
		obs, flags := tup.Observation(testNow)
		if len(flags) != 1 {
			t.Fatalf("flags = %v, want 1", flags)
		}
		if obs.QCFlag != flaggedQC {
			t.Errorf("QCFlag = %d, want %d", obs.QCFlag, flaggedQC)
		}
		var parsed []string
		if !obs.QualityFlags.Valid {
			t.Fatal("QualityFlags not set")
		}
		if err := json.Unmarshal([]byte(obs.QualityFlags.String), &parsed); err != nil {
			t.Fatalf("unmarshal quality flags: %v", err)
		}
		if len(parsed) != 1 || parsed[0] != FlagTempOutOfRange {
			t.Errorf("stored flags = %v", parsed)
		}
	})

	t.Run("missing source defaults", func(t *testing.T) {
		tup := Tuple{StationID: "41001", Time: testNow, SSTC: f(20.0)}
		obs, _ := tup.Observation(testNow)
		if obs.Source != "unknown" {
			t.Errorf("Source = %q, want unknown", obs.Source)
		}
	})

	t.Run("provider qc already failed stays", func(t *testing.T) {
		tup := Tuple{StationID: "41001", Time: testNow, SSTC: f(999.0), QCFlag: 9}
		obs, _ := tup.Observation(testNow)
		if obs.QCFlag != 9 {
			t.Errorf("QCFlag = %d, want 9 preserved", obs.QCFlag)
		}
	})
}

func TestTupleKeyRecord(t *testing.T) {
	t.Run("with position", func(t *testing.T) {
		tup := Tuple{StationID: "41001", Name: "East Hatteras", Lat: f(34.7), Lon: f(-72.7), Dataset: "ndbc", CadenceMinutes: 60}
		k, ok := tup.KeyRecord()
		if !ok {
			t.Fatal("KeyRecord() not ok")
		}
		if k.Key != "station:41001" || k.Kind != models.KeyKindStation {
			t.Errorf("key = %q kind = %q", k.Key, k.Kind)
		}
		if k.Name != "East Hatteras" || !k.Active {
			t.Errorf("name = %q active = %v", k.Name, k.Active)
		}
	})

	t.Run("name defaults to key", func(t *testing.T) {
		tup := Tuple{StationID: "41001", Lat: f(34.7), Lon: f(-72.7)}
		k, ok := tup.KeyRecord()
		if !ok || k.Name != "station:41001" {
			t.Errorf("name = %q ok = %v", k.Name, ok)
		}
	})

	t.Run("no position", func(t *testing.T) {
		tup := Tuple{StationID: "41001", Lat: f(34.7)}
		if _, ok := tup.KeyRecord(); ok {
			t.Error("KeyRecord() ok without full position")
		}
	})
}

func TestImporter(t *testing.T) {
	st := newTestStore(t)
	im := NewImporter(st)
	im.now = func() time.Time { return testNow }

	input := strings.Join([]string{
		`# backfill for station 41001`,
		`{"station_id":"41001","time":"2025-06-14T10:00:00Z","sst_c":22.5,"qc_flag":1,"source":"ndbc","lat":34.7,"lon":-72.7,"dataset":"ndbc","cadence_minutes":60}`,
		``,
		`{"station_id":"41001","time":"2025-06-14T11:00:00Z","sst_c":999.0,"source":"ndbc"}`,
		`not json at all`,
		`{"station_id":"99999","time":"2025-06-14T10:00:00Z","sst_c":20.0}`,
		`{"station_id":"41001","time":"2025-06-14T12:00:00Z","sst_c":22.7,"qc_flag":1,"source":"ndbc"}`,
	}, "\n")

	stats, err := im.ImportReader(context.Background(), strings.NewReader(input))
	if err != nil {
		t.Fatalf("ImportReader: %v", err)
	}
	if stats.Stored != 3 || stats.Flagged != 1 || stats.Dropped != 2 {
		t.Fatalf("stats = %+v, want stored 3 flagged 1 dropped 2", stats)
	}

	k, err := st.GetKey("station:41001")
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	if k == nil {
		t.Fatal("key not auto-registered")
	}
	if k.CadenceMinutes != 60 || k.Dataset != "ndbc" {
		t.Errorf("registered key = %+v", k)
	}

	day := time.Date(2025, 6, 14, 0, 0, 0, 0, time.UTC)
	all, err := st.GetObservations("station:41001", day, day.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("GetObservations: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d observations, want 3", len(all))
	}

	clean, err := st.GetCleanObservations("station:41001", day, day.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("GetCleanObservations: %v", err)
	}
	if len(clean) != 2 {
		t.Fatalf("got %d clean observations, want 2 (sentinel excluded)", len(clean))
	}

	rejects, err := st.RecentRejected(10)
	if err != nil {
		t.Fatalf("RecentRejected: %v", err)
	}
	if len(rejects) != 2 {
		t.Fatalf("got %d archived rejects, want 2", len(rejects))
	}
	reasons := map[string]int{}
	for _, r := range rejects {
		reasons[r.Reason]++
		if r.Source != "import" {
			t.Errorf("reject source = %q, want import", r.Source)
		}
	}
	if reasons[store.RejectMalformed] != 1 || reasons[store.RejectUnregisteredKey] != 1 {
		t.Errorf("reject reasons = %v", reasons)
	}
}

func TestImporterIdempotent(t *testing.T) {
	st := newTestStore(t)
	im := NewImporter(st)
	im.now = func() time.Time { return testNow }

	input := `{"station_id":"41001","time":"2025-06-14T10:00:00Z","sst_c":22.5,"source":"ndbc","lat":34.7,"lon":-72.7}`

	for i := 0; i < 2; i++ {
		if _, err := im.ImportReader(context.Background(), strings.NewReader(input)); err != nil {
			t.Fatalf("import %d: %v", i, err)
		}
	}

	day := time.Date(2025, 6, 14, 0, 0, 0, 0, time.UTC)
	all, err := st.GetObservations("station:41001", day, day.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("GetObservations: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("got %d observations after re-import, want 1", len(all))
	}
}

func TestConsumerHandle(t *testing.T) {
	st := newTestStore(t)
	c := &Consumer{
		keys:  newKeyCache(st),
		store: st,
		topic: "sst.observations",
		now:   func() time.Time { return testNow },
	}

	t.Run("stores valid message", func(t *testing.T) {
		msg := kafka.Message{
			Topic: "sst.observations",
			Value: []byte(`{"station_id":"41001","time":"2025-06-14T10:00:00Z","sst_c":22.5,"source":"ndbc","lat":34.7,"lon":-72.7}`),
		}
		ok, err := c.handle(msg)
		if err != nil {
			t.Fatalf("handle: %v", err)
		}
		if !ok {
			t.Fatal("message dropped")
		}

		day := time.Date(2025, 6, 14, 0, 0, 0, 0, time.UTC)
		obs, err := st.GetObservations("station:41001", day, day.AddDate(0, 0, 1))
		if err != nil {
			t.Fatalf("GetObservations: %v", err)
		}
		if len(obs) != 1 || obs[0].SSTC.Float64 != 22.5 {
			t.Fatalf("stored = %+v", obs)
		}
	})

	t.Run("drops malformed message", func(t *testing.T) {
		ok, err := c.handle(kafka.Message{Value: []byte(`{{`)})
		if err != nil {
			t.Fatalf("handle: %v", err)
		}
		if ok {
			t.Fatal("malformed message not dropped")
		}

		rejects, err := st.RecentRejected(10)
		if err != nil {
			t.Fatalf("RecentRejected: %v", err)
		}
		if len(rejects) != 1 {
			t.Fatalf("got %d archived rejects, want 1", len(rejects))
		}
		if rejects[0].Reason != store.RejectMalformed || rejects[0].Source != "kafka:sst.observations" {
			t.Errorf("archived = %+v", rejects[0])
		}
	})

	t.Run("drops unknown key without position", func(t *testing.T) {
		msg := kafka.Message{Value: []byte(`{"station_id":"55555","time":"2025-06-14T10:00:00Z","sst_c":20.0}`)}
		ok, err := c.handle(msg)
		if err != nil {
			t.Fatalf("handle: %v", err)
		}
		if ok {
			t.Fatal("unregisterable message not dropped")
		}

		rejects, err := st.RecentRejected(1)
		if err != nil {
			t.Fatalf("RecentRejected: %v", err)
		}
		if len(rejects) != 1 || rejects[0].Reason != store.RejectUnregisteredKey {
			t.Fatalf("archived = %+v", rejects)
		}
		if rejects[0].Key.String != "station:55555" {
			t.Errorf("archived key = %q, want station:55555", rejects[0].Key.String)
		}
	})
}
