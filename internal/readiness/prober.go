// Package readiness blocks startup until the storage dependency accepts connections.
package readiness

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/0xPuncker/price-watcher/pkg/types"
	"github.com/cenkalti/backoff/v5"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

var (
	// ErrAborted is returned when the caller cancels before the target is ready
	ErrAborted = errors.New("readiness probe aborted")
	// ErrGaveUp is returned only when a finite MaxAttempts is configured and exhausted
	ErrGaveUp = errors.New("readiness probe gave up")
)

// Check performs one lightweight connectivity attempt against the target
type Check func(ctx context.Context, target types.ConnectionTarget) error

type Config struct {
	PollInterval   time.Duration
	MaxInterval    time.Duration
	MaxAttempts    int
	AttemptTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval:   2 * time.Second,
		MaxInterval:    30 * time.Second,
		AttemptTimeout: 5 * time.Second,
	}
}

type Prober struct {
	logger *logrus.Logger
	config Config
	check  Check
}

// New builds a prober. A nil check pings PostgreSQL.
func New(logger *logrus.Logger, config Config, check Check) *Prober {
	defaults := DefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.MaxInterval < config.PollInterval {
		config.MaxInterval = config.PollInterval
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = defaults.AttemptTimeout
	}
	if check == nil {
		check = PingPostgres
	}

	return &Prober{
		logger: logger,
		config: config,
		check:  check,
	}
}

// WaitUntilReady returns nil exactly once, after the first successful check.
// It retries with capped exponential backoff and never gives up on its own
// unless MaxAttempts is set.
func (p *Prober) WaitUntilReady(ctx context.Context, target types.ConnectionTarget) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.config.PollInterval
	policy.MaxInterval = p.config.MaxInterval
	policy.Multiplier = 2
	policy.RandomizationFactor = 0.1

	attempt := 0
	operation := func() (int, error) {
		attempt++

		attemptCtx, cancel := context.WithTimeout(ctx, p.config.AttemptTimeout)
		defer cancel()

		if err := p.check(attemptCtx, target); err != nil {
			if ctx.Err() != nil {
				return attempt, backoff.Permanent(ctx.Err())
			}
			return attempt, err
		}
		return attempt, nil
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(0),
		// called after every failed attempt that will be retried
		backoff.WithNotify(func(err error, next time.Duration) {
			p.logger.WithFields(logrus.Fields{
				"attempt":    attempt,
				"target":     target.String(),
				"error":      err.Error(),
				"next_retry": next.String(),
			}).Warn("Storage not ready yet")
		}),
	}
	if p.config.MaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(uint(p.config.MaxAttempts)))
	}

	attempts, err := backoff.Retry(ctx, operation, opts...)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w after %d attempts: %w", ErrAborted, attempt, context.Cause(ctx))
		}
		p.logger.WithFields(logrus.Fields{
			"attempts": attempt,
			"target":   target.String(),
			"error":    err.Error(),
		}).Error("Storage never became ready")
		return fmt.Errorf("%w after %d attempts: %w", ErrGaveUp, attempt, err)
	}

	p.logger.WithFields(logrus.Fields{
		"attempts": attempts,
		"target":   target.String(),
	}).Info("Storage is ready")

	return nil
}

// PingPostgres opens a session, pings it and closes it again
func PingPostgres(ctx context.Context, target types.ConnectionTarget) error {
	db, err := sql.Open("postgres", target.DSN())
	if err != nil {
		return fmt.Errorf("open connection: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}
