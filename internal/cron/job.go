package cron

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/0xPuncker/price-watcher/pkg/types"
	"github.com/0xPuncker/price-watcher/pkg/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "idle"
	}
}

var (
	ErrRunInProgress    = errors.New("an ETL run is already in progress")
	ErrStopped          = errors.New("scheduler is stopped")
	ErrAlreadyStarted   = errors.New("scheduler already started")
	ErrSchedulerCrashed = errors.New("scheduler crashed")
)

// Runner executes one ETL pass and reports how it went
type Runner interface {
	Run(ctx context.Context, trigger types.RunTrigger) types.JobRun
}

type Config struct {
	Schedule    types.ScheduleConfig
	GracePeriod time.Duration
	HistorySize int
	Registerer  prometheus.Registerer
}

const (
	defaultGracePeriod = 30 * time.Second
	defaultHistorySize = 50
)

// Scheduler runs the ETL job on a fixed wall-clock cadence, never more than
// one run at a time.
type Scheduler struct {
	cron    *cron.Cron
	logger  *logrus.Logger
	job     Runner
	config  Config
	entryID cron.EntryID
	metrics *Metrics

	state   atomic.Int32
	started atomic.Bool
	crashed chan error

	runCtx     context.Context
	cancelRuns context.CancelFunc

	mu        sync.RWMutex
	runDone   chan struct{}
	history   []types.JobRun
	observers []func(types.JobRun)
}

func NewScheduler(logger *logrus.Logger, job Runner, config Config) (*Scheduler, error) {
	if err := config.Schedule.Validate(); err != nil {
		return nil, fmt.Errorf("invalid schedule: %w", err)
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = defaultGracePeriod
	}
	if config.HistorySize <= 0 {
		config.HistorySize = defaultHistorySize
	}

	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cron.PrintfLogger(logger)),
		),
		logger:  logger,
		job:     job,
		config:  config,
		metrics: NewMetrics(config.Registerer),
		crashed: make(chan error, 1),
	}
	s.runCtx, s.cancelRuns = context.WithCancel(context.Background())
	s.entryID = s.cron.Schedule(newIntervalSchedule(config.Schedule), cron.FuncJob(s.tick))

	return s, nil
}

// OnRunComplete registers fn to be called with every finished run
func (s *Scheduler) OnRunComplete(fn func(types.JobRun)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Run starts the engine and blocks until ctx is cancelled or a run panics.
// A graceful stop returns nil.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	s.cron.Start()
	s.logger.WithFields(logrus.Fields{
		"interval":     s.config.Schedule.Interval.String(),
		"jitter":       s.config.Schedule.Jitter.String(),
		"grace_period": s.config.GracePeriod.String(),
	}).Info("Scheduler started...")

	select {
	case <-ctx.Done():
		s.stop()
		return nil
	case err := <-s.crashed:
		s.stop()
		return err
	}
}

// TriggerNow starts a manual run in the background, honouring single flight
func (s *Scheduler) TriggerNow() error {
	if err := s.begin(); err != nil {
		return err
	}
	s.logger.Info("Manual ETL run triggered")
	go s.execute(types.TriggerManual)
	return nil
}

func (s *Scheduler) tick() {
	if err := s.begin(); err != nil {
		if errors.Is(err, ErrRunInProgress) {
			s.metrics.SkippedTicks.Inc()
			s.logger.WithField("interval", s.config.Schedule.Interval.String()).
				Warn("Previous ETL run still in progress, skipping tick")
		}
		return
	}
	s.execute(types.TriggerScheduled)
}

// begin moves Idle to Running. The in-flight marker is set under the same
// lock so stop never misses a run that just started.
func (s *Scheduler) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		if State(s.state.Load()) == StateStopped {
			return ErrStopped
		}
		return ErrRunInProgress
	}
	s.runDone = make(chan struct{})
	s.metrics.Running.Set(1)
	return nil
}

func (s *Scheduler) execute(trigger types.RunTrigger) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(logrus.Fields{
				"trigger": string(trigger),
				"panic":   fmt.Sprint(r),
				"stack":   string(debug.Stack()),
			}).Error("ETL run panicked")
			s.finish(nil)

			select {
			case s.crashed <- fmt.Errorf("%w: run panicked: %v", ErrSchedulerCrashed, r):
			default:
			}
		}
	}()

	run := s.job.Run(s.runCtx, trigger)
	s.finish(&run)
}

// finish moves Running back to Idle whatever the outcome
func (s *Scheduler) finish(run *types.JobRun) {
	s.mu.Lock()
	if run != nil {
		s.history = append(s.history, *run)
		if len(s.history) > s.config.HistorySize {
			s.history = slices.Clone(s.history[len(s.history)-s.config.HistorySize:])
		}
	}
	s.state.CompareAndSwap(int32(StateRunning), int32(StateIdle))
	if s.runDone != nil {
		close(s.runDone)
		s.runDone = nil
	}
	s.metrics.Running.Set(0)
	observers := slices.Clone(s.observers)
	s.mu.Unlock()

	if run == nil {
		return
	}

	s.metrics.observe(*run)
	for _, fn := range observers {
		fn(*run)
	}
}

// stop halts the engine and waits up to the grace period for an in-flight run
func (s *Scheduler) stop() {
	s.mu.Lock()
	s.state.Store(int32(StateStopped))
	inflight := s.runDone
	s.mu.Unlock()

	cronDone := s.cron.Stop().Done()
	drained := make(chan struct{})
	go func() {
		<-cronDone
		if inflight != nil {
			<-inflight
		}
		close(drained)
	}()

	timer := time.NewTimer(s.config.GracePeriod)
	defer timer.Stop()

	select {
	case <-drained:
		s.logger.Info("Scheduler stopped")
	case <-timer.C:
		s.logger.WithField("grace_period", utils.FormatDuration(s.config.GracePeriod)).
			Warn("Grace period elapsed, abandoning in-flight ETL run")
	}
	s.cancelRuns()
}

func (s *Scheduler) State() State {
	return State(s.state.Load())
}

func (s *Scheduler) IsRunning() bool {
	return s.started.Load() && s.State() != StateStopped
}

// LastRun returns the most recently finished run
func (s *Scheduler) LastRun() (types.JobRun, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.history) == 0 {
		return types.JobRun{}, false
	}
	return s.history[len(s.history)-1], true
}

// History returns up to n finished runs, newest first
func (s *Scheduler) History(n int) []types.JobRun {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 || n > len(s.history) {
		n = len(s.history)
	}
	runs := make([]types.JobRun, 0, n)
	for i := len(s.history) - 1; i >= len(s.history)-n; i-- {
		runs = append(runs, s.history[i])
	}
	return runs
}

// NextRun is zero until the engine has started and after it stopped
func (s *Scheduler) NextRun() time.Time {
	if !s.IsRunning() {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

// Status is the scheduler snapshot served by the API
type Status struct {
	State      string        `json:"state"`
	Interval   string        `json:"interval"`
	Jitter     string        `json:"jitter,omitempty"`
	LastRun    *types.JobRun `json:"last_run,omitempty"`
	NextRun    *time.Time    `json:"next_run,omitempty"`
	NextRunIn  string        `json:"next_run_in,omitempty"`
	RecentRuns int           `json:"recent_runs"`
}

func (s *Scheduler) Status() Status {
	status := Status{
		State:    s.State().String(),
		Interval: s.config.Schedule.Interval.String(),
	}
	if s.config.Schedule.Jitter > 0 {
		status.Jitter = s.config.Schedule.Jitter.String()
	}
	if last, ok := s.LastRun(); ok {
		status.LastRun = &last
	}
	if next := s.NextRun(); !next.IsZero() {
		status.NextRun = &next
		status.NextRunIn = utils.FormatDuration(time.Until(next))
	}

	s.mu.RLock()
	status.RecentRuns = len(s.history)
	s.mu.RUnlock()

	return status
}
