package types

import (
	"fmt"
	"time"
)

// RunStatus is the outcome of a single ingestion run
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunFailure RunStatus = "failure"
)

// RunTrigger records what started a run
type RunTrigger string

const (
	TriggerScheduled RunTrigger = "scheduled"
	TriggerManual    RunTrigger = "manual"
)

// Outcome is Success or Failure(reason)
type Outcome struct {
	Status RunStatus `json:"status"`
	Reason string    `json:"reason,omitempty"`
}

func Success() Outcome {
	return Outcome{Status: RunSuccess}
}

func Failure(reason string) Outcome {
	return Outcome{Status: RunFailure, Reason: reason}
}

func (o Outcome) IsSuccess() bool {
	return o.Status == RunSuccess
}

// JobRun is the observability record of one fetch-transform-load run.
// It is never read back by later runs.
type JobRun struct {
	ID              string     `json:"id"`
	Trigger         RunTrigger `json:"trigger"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         time.Time  `json:"end_time"`
	Outcome         Outcome    `json:"outcome"`
	RecordsIngested int        `json:"records_ingested"`
	RecordsSkipped  int        `json:"records_skipped"`
	Sources         []string   `json:"sources,omitempty"`
}

func (r JobRun) Duration() time.Duration {
	if r.EndTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// ScheduleConfig represents the ETL schedule
type ScheduleConfig struct {
	Interval time.Duration `json:"interval"`
	Jitter   time.Duration `json:"jitter"`
}

func (c ScheduleConfig) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("schedule interval must be positive, got %s", c.Interval)
	}
	if c.Jitter < 0 {
		return fmt.Errorf("schedule jitter cannot be negative, got %s", c.Jitter)
	}
	if c.Jitter >= c.Interval {
		return fmt.Errorf("schedule jitter %s must be smaller than the interval %s", c.Jitter, c.Interval)
	}
	return nil
}

// IngestionCheckpoint marks a file whose contents were loaded. The digest
// is the key, so a renamed copy of the same file is still recognised.
type IngestionCheckpoint struct {
	FileHash    string    `json:"file_hash"`
	SourceFile  string    `json:"source_file"`
	Records     int       `json:"records"`
	ProcessedAt time.Time `json:"processed_at"`
}
