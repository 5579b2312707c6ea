// Package supervisor sequences startup and owns the lifetime of the
// scheduler and the API server.
package supervisor

import (
	"context"
	"errors"
	"fmt"

	"github.com/0xPuncker/price-watcher/internal/schema"
	"github.com/0xPuncker/price-watcher/pkg/types"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrShutdown means the operator asked the process to stop
	ErrShutdown = errors.New("shutdown requested")
	// ErrStartupAborted means the service never reached the point of serving
	ErrStartupAborted  = errors.New("startup aborted")
	ErrServerExited    = errors.New("api server exited")
	ErrSchedulerExited = errors.New("scheduler exited")
)

type Prober interface {
	WaitUntilReady(ctx context.Context, target types.ConnectionTarget) error
}

type SchemaInitializer interface {
	EnsureSchema(ctx context.Context, target types.ConnectionTarget, d schema.Descriptor) error
}

// Task is a long-lived component that runs until ctx is cancelled
type Task interface {
	Run(ctx context.Context) error
}

// Notifier is told about fatal exits. It is optional.
type Notifier interface {
	NotifyFatal(ctx context.Context, err error)
}

type Supervisor struct {
	logger     *logrus.Logger
	target     types.ConnectionTarget
	descriptor schema.Descriptor
	prober     Prober
	schema     SchemaInitializer
	scheduler  Task
	server     Task
	notifier   Notifier
}

type Options struct {
	Target     types.ConnectionTarget
	Descriptor schema.Descriptor
	Prober     Prober
	Schema     SchemaInitializer
	Scheduler  Task
	Server     Task
	Notifier   Notifier
}

func New(logger *logrus.Logger, opts Options) *Supervisor {
	return &Supervisor{
		logger:     logger,
		target:     opts.Target,
		descriptor: opts.Descriptor,
		prober:     opts.Prober,
		schema:     opts.Schema,
		scheduler:  opts.Scheduler,
		server:     opts.Server,
		notifier:   opts.Notifier,
	}
}

// Start blocks for the life of the process. It never returns nil: a clean
// operator stop is ErrShutdown, anything else is fatal.
func (s *Supervisor) Start(ctx context.Context) error {
	s.logger.WithField("target", s.target.String()).Info("Waiting for storage")
	if err := s.prober.WaitUntilReady(ctx, s.target); err != nil {
		return s.fail(ctx, s.startupError(ctx, "readiness", err))
	}

	s.logger.Info("Ensuring schema")
	if err := s.schema.EnsureSchema(ctx, s.target, s.descriptor); err != nil {
		return s.fail(ctx, s.startupError(ctx, "schema", err))
	}

	s.logger.Info("Starting scheduler and API server")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.supervise(ctx, gctx, "scheduler", s.scheduler, ErrSchedulerExited)
	})
	g.Go(func() error {
		return s.supervise(ctx, gctx, "server", s.server, ErrServerExited)
	})

	if err := g.Wait(); err != nil {
		return s.fail(ctx, err)
	}

	s.logger.Info("Shutdown complete")
	return ErrShutdown
}

// supervise runs one task and turns any exit not caused by cancellation into a fatal error
func (s *Supervisor) supervise(parent, gctx context.Context, name string, task Task, exited error) error {
	err := task.Run(gctx)

	logger := s.logger.WithField("task", name)
	switch {
	case parent.Err() != nil:
		if err != nil {
			logger.Warnf("Task stopped with error during shutdown: %v", err)
		} else {
			logger.Info("Task stopped")
		}
		return nil
	case gctx.Err() != nil && err == nil:
		logger.Info("Task stopped after a sibling failed")
		return nil
	case err != nil:
		logger.Errorf("Task exited: %v", err)
		return fmt.Errorf("%w: %w", exited, err)
	default:
		logger.Error("Task exited unexpectedly")
		return exited
	}
}

func (s *Supervisor) startupError(ctx context.Context, stage string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w during %s: %w", ErrShutdown, ErrStartupAborted, stage, err)
	}
	return fmt.Errorf("%w during %s: %w", ErrStartupAborted, stage, err)
}

func (s *Supervisor) fail(ctx context.Context, err error) error {
	if errors.Is(err, ErrShutdown) {
		s.logger.Infof("Stopped before startup completed: %v", err)
		return err
	}
	if s.notifier != nil {
		s.notifier.NotifyFatal(context.WithoutCancel(ctx), err)
	}
	return err
}
