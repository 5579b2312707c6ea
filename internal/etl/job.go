// Package etl implements one fetch, transform and load pass over the providers.
package etl

import (
	"context"
	"fmt"
	"time"

	"github.com/0xPuncker/price-watcher/internal/provider"
	"github.com/0xPuncker/price-watcher/pkg/types"
	"github.com/0xPuncker/price-watcher/pkg/utils"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Store is the persistence the job writes to
type Store interface {
	SaveBatch(ctx context.Context, records []types.PriceRecord) (int, error)
	RecordRun(ctx context.Context, run types.JobRun) error
}

type Config struct {
	// FetchAttempts bounds retries of timeouts and unreachable providers within one run
	FetchAttempts int
	FetchBackoff  time.Duration
	RecordTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		FetchAttempts: 3,
		FetchBackoff:  500 * time.Millisecond,
		RecordTimeout: 5 * time.Second,
	}
}

type Job struct {
	logger   *logrus.Logger
	provider provider.Client
	store    Store
	config   Config
	now      func() time.Time
}

func NewJob(logger *logrus.Logger, client provider.Client, store Store, config Config) *Job {
	defaults := DefaultConfig()
	if config.FetchAttempts <= 0 {
		config.FetchAttempts = defaults.FetchAttempts
	}
	if config.FetchBackoff <= 0 {
		config.FetchBackoff = defaults.FetchBackoff
	}
	if config.RecordTimeout <= 0 {
		config.RecordTimeout = defaults.RecordTimeout
	}

	return &Job{
		logger:   logger,
		provider: client,
		store:    store,
		config:   config,
		now:      time.Now,
	}
}

// Run executes one pass and always returns a finished JobRun. Errors never
// escape: they become a Failure outcome.
func (j *Job) Run(ctx context.Context, trigger types.RunTrigger) types.JobRun {
	run := types.JobRun{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		StartTime: j.now().UTC(),
	}
	logger := j.logger.WithFields(logrus.Fields{
		"run_id":  run.ID,
		"trigger": string(trigger),
	})
	logger.Info("ETL run started")

	run.Outcome = j.execute(ctx, logger, &run)
	run.EndTime = j.now().UTC()

	j.record(ctx, logger, run)

	fields := logrus.Fields{
		"duration": utils.FormatDuration(run.Duration()),
		"ingested": run.RecordsIngested,
		"skipped":  run.RecordsSkipped,
		"sources":  run.Sources,
	}
	if run.Outcome.IsSuccess() {
		logger.WithFields(fields).Info("ETL run succeeded")
	} else {
		fields["reason"] = run.Outcome.Reason
		logger.WithFields(fields).Error("ETL run failed")
	}
	return run
}

func (j *Job) execute(ctx context.Context, logger *logrus.Entry, run *types.JobRun) types.Outcome {
	snapshot, err := j.fetch(ctx, logger)
	if err != nil {
		return types.Failure(fmt.Sprintf("fetch: %v", err))
	}
	run.Sources = snapshot.Sources
	if len(run.Sources) == 0 && snapshot.Source != "" {
		run.Sources = []string{snapshot.Source}
	}

	records, rejected, err := Transform(snapshot)
	run.RecordsSkipped = len(rejected)
	for _, r := range rejected {
		logger.WithFields(logrus.Fields{
			"source": r.Record.Source,
			"symbol": r.Record.Symbol,
			"reason": r.Reason,
		}).Warn("Skipping invalid record")
	}
	if err != nil {
		return types.Failure(fmt.Sprintf("transform: %v", err))
	}

	written, err := j.store.SaveBatch(ctx, records)
	if err != nil {
		return types.Failure(fmt.Sprintf("load: %v", err))
	}
	run.RecordsIngested = written

	return types.Success()
}

// fetch retries transient provider errors a bounded number of times
func (j *Job) fetch(ctx context.Context, logger *logrus.Entry) (*types.RawSnapshot, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = j.config.FetchBackoff
	policy.MaxInterval = 10 * j.config.FetchBackoff

	operation := func() (*types.RawSnapshot, error) {
		snapshot, err := j.provider.FetchLatest(ctx)
		if err != nil && !provider.IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		return snapshot, err
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(j.config.FetchAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.WithFields(logrus.Fields{
				"error":      err.Error(),
				"next_retry": next.String(),
			}).Warn("Provider fetch failed, retrying")
		}),
	)
}

// record persists the run log entry. A failure here does not change the outcome.
func (j *Job) record(ctx context.Context, logger *logrus.Entry, run types.JobRun) {
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), j.config.RecordTimeout)
	defer cancel()

	if err := j.store.RecordRun(recordCtx, run); err != nil {
		logger.Errorf("Failed to record run: %v", err)
	}
}
