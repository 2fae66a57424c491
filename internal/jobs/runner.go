// Package jobs coordinates the batch recomputations that keep the
// derived tables (aggregates, baselines, anomalies, heatwaves, model
// skill) up to date. A Runner executes one job at a time per
// (job, partition, period) triple, records every attempt as a JobRun
// row, and retries transient failures with bounded exponential backoff.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bluesphere/oceantemp/internal/metrics"
	"github.com/bluesphere/oceantemp/internal/models"
	"github.com/bluesphere/oceantemp/internal/store"
)

// Job names as recorded in job_runs and exposed by /status.
const (
	JobAggregateDaily     = "AGGREGATE_DAILY"
	JobAggregateMonthly   = "AGGREGATE_MONTHLY"
	JobAggregateYearly    = "AGGREGATE_YEARLY"
	JobCalculateBaselines = "CALCULATE_BASELINES"
	JobCalculateAnomalies = "CALCULATE_ANOMALIES"
	JobDetectHeatwaves    = "DETECT_HEATWAVES"
	JobValidateModels     = "VALIDATE_MODELS"
)

// ErrRecomputationConflict is returned when a run is requested while
// another run of the same (job, partition, period) is still in flight.
// The caller skips; it never overwrites concurrently.
var ErrRecomputationConflict = errors.New("recomputation already in flight")

// Task performs the work of one job run. The returned note is stored on
// the JobRun row on success (key counts, windows, whatever is useful in
// /status output). Returning an error marks the attempt failed and
// triggers a retry; wrap with backoff.Permanent to fail without retry.
type Task func(ctx context.Context) (note string, err error)

// Runner serializes and records batch job executions.
type Runner struct {
	store *store.Store

	mu       sync.Mutex
	inflight map[string]struct{}

	// maxRetries is the number of retries after the first attempt.
	maxRetries uint64
	newBackOff func() backoff.BackOff
}

func NewRunner(st *store.Store) *Runner {
	return &Runner{
		store:      st,
		inflight:   make(map[string]struct{}),
		maxRetries: 2,
		newBackOff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 2 * time.Second
			bo.MaxInterval = time.Minute
			return bo
		},
	}
}

// Run executes task under the job ledger: at most one in-flight run per
// (job, partition, period), a JobRun row per attempt, and up to three
// attempts total with exponential backoff between them.
func (r *Runner) Run(ctx context.Context, job, partition, period string, task Task) error {
	key := job + "|" + partition + "|" + period

	r.mu.Lock()
	if _, busy := r.inflight[key]; busy {
		r.mu.Unlock()
		metrics.JobRuns.WithLabelValues(job, "conflict").Inc()
		return fmt.Errorf("%s %s %s: %w", job, partition, period, ErrRecomputationConflict)
	}
	r.inflight[key] = struct{}{}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.inflight, key)
		r.mu.Unlock()
	}()

	attempt := 0
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempt++

		run, err := r.store.StartJobRun(job, optional(partition), optional(period), attempt)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("start job run: %w", err))
		}

		start := time.Now()
		note, taskErr := task(ctx)
		metrics.JobDuration.WithLabelValues(job).Observe(time.Since(start).Seconds())

		if taskErr != nil {
			metrics.JobRuns.WithLabelValues(job, models.JobStatusError).Inc()
			if err := r.store.CompleteJobRun(run, models.JobStatusError, taskErr.Error()); err != nil {
				log.Printf("jobs: %s: record failure: %v", job, err)
			}
			return taskErr
		}

		metrics.JobRuns.WithLabelValues(job, models.JobStatusSuccess).Inc()
		if err := r.store.CompleteJobRun(run, models.JobStatusSuccess, note); err != nil {
			log.Printf("jobs: %s: record success: %v", job, err)
		}
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(r.newBackOff(), r.maxRetries), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		return fmt.Errorf("%s %s %s: %w", job, partition, period, err)
	}
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
