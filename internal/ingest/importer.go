package ingest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bluesphere/oceantemp/internal/metrics"
	"github.com/bluesphere/oceantemp/internal/models"
	"github.com/bluesphere/oceantemp/internal/store"
)

const importBatchSize = 500

// Importer loads NDJSON tuple files: one JSON object per line, blank
// lines and #-comment lines skipped. Used for backfills and ops
// tooling; the schema is the same as the Kafka topic's.
type Importer struct {
	store *store.Store
	keys  keyCache
	now   func() time.Time
}

func NewImporter(st *store.Store) *Importer {
	return &Importer{store: st, keys: newKeyCache(st), now: time.Now}
}

func (im *Importer) archive(reason string, key *string, line string) {
	if _, err := im.store.ArchiveRejected("import", reason, key, []byte(line)); err != nil {
		log.Printf("import: archive rejected: %v", err)
	}
}

type ImportStats struct {
	Stored  int
	Flagged int
	Dropped int
}

func (s ImportStats) String() string {
	return fmt.Sprintf("stored=%d flagged=%d dropped=%d", s.Stored, s.Flagged, s.Dropped)
}

func (im *Importer) ImportFile(ctx context.Context, path string) (ImportStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return ImportStats{}, err
	}
	defer f.Close()

	stats, err := im.ImportReader(ctx, f)
	if err != nil {
		return stats, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return stats, nil
}

// ImportReader ingests tuples line by line, flushing to the store in
// transactional batches. Malformed lines are logged and dropped; the
// rest of the file still loads.
func (im *Importer) ImportReader(ctx context.Context, r io.Reader) (ImportStats, error) {
	var stats ImportStats
	batch := make([]models.Observation, 0, importBatchSize)

	flush := func() error {
		if err := im.store.InsertObservations(batch); err != nil {
			return fmt.Errorf("store batch: %w", err)
		}
		batch = batch[:0]
		return nil
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	line := 0
	for sc.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		tup, err := DecodeTuple([]byte(text))
		if err != nil {
			log.Printf("import: line %d: %v", line, err)
			metrics.ObservationsRejected.WithLabelValues("import", store.RejectMalformed).Inc()
			im.archive(store.RejectMalformed, nil, text)
			stats.Dropped++
			continue
		}

		ok, err := im.keys.ensure(tup)
		if err != nil {
			return stats, fmt.Errorf("line %d: register %s: %w", line, tup.SeriesKey(), err)
		}
		if !ok {
			log.Printf("import: line %d: unknown key %s with no position", line, tup.SeriesKey())
			metrics.ObservationsRejected.WithLabelValues("import", store.RejectUnregisteredKey).Inc()
			key := tup.SeriesKey()
			im.archive(store.RejectUnregisteredKey, &key, text)
			stats.Dropped++
			continue
		}

		obs, flags := tup.Observation(im.now())
		batch = append(batch, obs)
		stats.Stored++
		if len(flags) > 0 {
			stats.Flagged++
		}
		metrics.ObservationsIngested.WithLabelValues(obs.Source).Inc()

		if len(batch) >= importBatchSize {
			if err := flush(); err != nil {
				return stats, err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return stats, err
	}
	if err := flush(); err != nil {
		return stats, err
	}
	return stats, nil
}
