package store

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"time"
)

// Rejection reasons recorded by the ingest dead-letter archive.
const (
	RejectMalformed       = "malformed"
	RejectUnregisteredKey = "unregistered_key"
)

// RejectedTuple is one archived ingest payload that could not be
// stored. The payload is kept compressed so a batch can be replayed
// through the importer once the producer or the key registry is fixed.
type RejectedTuple struct {
	ID          int64
	ReceivedAt  time.Time
	Source      string
	Reason      string
	Key         sql.NullString
	PayloadHash string
}

// ArchiveRejected stores a dropped payload with the drop reason.
// Duplicate payloads archive once, so a poison message offered on every
// restart does not grow the table. Returns the row ID, 0 for a
// duplicate.
func (s *Store) ArchiveRejected(source, reason string, key *string, payload []byte) (int64, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return 0, fmt.Errorf("compress payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return 0, fmt.Errorf("close gzip: %w", err)
	}

	hash := sha256.Sum256(payload)

	var keyNull sql.NullString
	if key != nil {
		keyNull = sql.NullString{String: *key, Valid: true}
	}

	res, err := s.db.Exec(`
		INSERT INTO rejected_tuples (received_at, source, reason, key, payload_compressed, payload_hash)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(payload_hash) DO NOTHING
	`, time.Now().UTC(), source, reason, keyNull, buf.Bytes(), hex.EncodeToString(hash[:]))
	if err != nil {
		return 0, fmt.Errorf("archive rejected tuple: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	return res.LastInsertId()
}

// GetRejectedPayload returns the decompressed payload of one archived
// tuple.
func (s *Store) GetRejectedPayload(id int64) ([]byte, error) {
	var compressed []byte
	err := s.db.QueryRow(`SELECT payload_compressed FROM rejected_tuples WHERE id = ?`, id).Scan(&compressed)
	if err != nil {
		return nil, err
	}

	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	defer gz.Close()
	return io.ReadAll(gz)
}

// RecentRejected lists the newest archived tuples, payloads omitted.
func (s *Store) RecentRejected(limit int) ([]RejectedTuple, error) {
	rows, err := s.db.Query(`
		SELECT id, received_at, source, reason, key, payload_hash
		FROM rejected_tuples
		ORDER BY received_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tuples []RejectedTuple
	for rows.Next() {
		var t RejectedTuple
		if err := rows.Scan(&t.ID, &t.ReceivedAt, &t.Source, &t.Reason, &t.Key, &t.PayloadHash); err != nil {
			return nil, err
		}
		tuples = append(tuples, t)
	}
	return tuples, rows.Err()
}

// RejectedStats summarizes the dead-letter archive.
type RejectedStats struct {
	Total    int64
	ByReason map[string]int64
	Oldest   sql.NullTime
	Newest   sql.NullTime
}

func (s *Store) GetRejectedStats() (*RejectedStats, error) {
	stats := &RejectedStats{ByReason: make(map[string]int64)}

	row := s.db.QueryRow(`
		SELECT COUNT(*), MIN(received_at), MAX(received_at) FROM rejected_tuples
	`)
	if err := row.Scan(&stats.Total, &stats.Oldest, &stats.Newest); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT reason, COUNT(*) FROM rejected_tuples GROUP BY reason
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var reason string
		var count int64
		if err := rows.Scan(&reason, &count); err != nil {
			return nil, err
		}
		stats.ByReason[reason] = count
	}
	return stats, rows.Err()
}

// PruneRejected deletes archived tuples received before the cutoff and
// returns the number removed.
func (s *Store) PruneRejected(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM rejected_tuples WHERE received_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
