package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/bluesphere/oceantemp/internal/metrics"
	"github.com/bluesphere/oceantemp/internal/models"
	"github.com/bluesphere/oceantemp/internal/store"
)

// JobIngest names the consumer session in job_runs, so /status reports
// streaming freshness alongside the batch jobs.
const JobIngest = "INGEST_OBSERVATIONS"

// sessionMaxAge bounds one consumer session. Long-lived sessions are
// split so completed runs keep appearing while messages flow; freshness
// reporting needs finished runs, not a years-old "running" row.
const sessionMaxAge = time.Hour

// ConsumerConfig wires the Kafka transport for observation tuples.
type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	MaxWait time.Duration
}

// Consumer reads observation tuples from Kafka and persists them.
// Offsets are committed only after the message is stored, so a crash
// re-delivers rather than drops.
type Consumer struct {
	reader *kafka.Reader
	keys   keyCache
	store  *store.Store
	topic  string
	now    func() time.Time
}

func NewConsumer(cfg ConsumerConfig, st *store.Store) *Consumer {
	maxWait := cfg.MaxWait
	if maxWait == 0 {
		maxWait = 500 * time.Millisecond
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     maxWait,
		StartOffset: kafka.FirstOffset,
	})

	return &Consumer{
		reader: r,
		keys:   newKeyCache(st),
		store:  st,
		topic:  cfg.Topic,
		now:    time.Now,
	}
}

// Run consumes until ctx is cancelled. The session is recorded as a
// JobRun: success with stored/dropped counts on clean shutdown, error
// when the transport or the store fails. Transport failures leave the
// current offset uncommitted.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()

	topic := c.topic
	run, err := c.store.StartJobRun(JobIngest, &topic, nil, 1)
	if err != nil {
		return fmt.Errorf("start job run: %w", err)
	}

	log.Printf("ingest: consuming %s", topic)
	sessionStart := c.now()
	var stored, dropped int64
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				c.complete(run, models.JobStatusSuccess, fmt.Sprintf("stored=%d dropped=%d", stored, dropped))
				log.Println("ingest: shutting down")
				return nil
			}
			ferr := fmt.Errorf("fetch %s: %w", topic, err)
			c.complete(run, models.JobStatusError, ferr.Error())
			return ferr
		}

		ok, err := c.handle(msg)
		if err != nil {
			c.complete(run, models.JobStatusError, err.Error())
			return err
		}
		if ok {
			stored++
		} else {
			dropped++
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			cerr := fmt.Errorf("commit %s: %w", topic, err)
			c.complete(run, models.JobStatusError, cerr.Error())
			return cerr
		}

		if c.now().Sub(sessionStart) >= sessionMaxAge {
			c.complete(run, models.JobStatusSuccess, fmt.Sprintf("stored=%d dropped=%d", stored, dropped))
			run, err = c.store.StartJobRun(JobIngest, &topic, nil, 1)
			if err != nil {
				return fmt.Errorf("start job run: %w", err)
			}
			sessionStart = c.now()
			stored, dropped = 0, 0
		}
	}
}

// handle stores one message. A false return means the message was
// dropped as unusable; the offset still advances so one poison message
// cannot wedge the topic. A non-nil error is a storage failure and the
// message must be redelivered.
func (c *Consumer) handle(msg kafka.Message) (bool, error) {
	tup, err := DecodeTuple(msg.Value)
	if err != nil {
		metrics.ObservationsRejected.WithLabelValues(c.topic, store.RejectMalformed).Inc()
		log.Printf("ingest: drop %s offset %d: %v", msg.Topic, msg.Offset, err)
		c.archive(store.RejectMalformed, nil, msg.Value)
		return false, nil
	}

	ok, err := c.keys.ensure(tup)
	if err != nil {
		return false, fmt.Errorf("register %s: %w", tup.SeriesKey(), err)
	}
	if !ok {
		metrics.ObservationsRejected.WithLabelValues(c.topic, store.RejectUnregisteredKey).Inc()
		log.Printf("ingest: drop %s offset %d: unknown key %s with no position", msg.Topic, msg.Offset, tup.SeriesKey())
		key := tup.SeriesKey()
		c.archive(store.RejectUnregisteredKey, &key, msg.Value)
		return false, nil
	}

	obs, flags := tup.Observation(c.now())
	if err := c.store.InsertObservation(obs); err != nil {
		return false, fmt.Errorf("store %s: %w", obs.Key, err)
	}

	metrics.ObservationsIngested.WithLabelValues(obs.Source).Inc()
	if len(flags) > 0 {
		log.Printf("ingest: flagged %s @ %s: %v", obs.Key, obs.ObservedAt.Format(time.RFC3339), flags)
	}
	return true, nil
}

// archive dead-letters a dropped payload. Best effort: an archive
// failure must not wedge the topic, the drop is already logged.
func (c *Consumer) archive(reason string, key *string, payload []byte) {
	if _, err := c.store.ArchiveRejected("kafka:"+c.topic, reason, key, payload); err != nil {
		log.Printf("ingest: archive rejected: %v", err)
	}
}

func (c *Consumer) complete(run *models.JobRun, status, note string) {
	if err := c.store.CompleteJobRun(run, status, note); err != nil {
		log.Printf("ingest: record run: %v", err)
	}
}
