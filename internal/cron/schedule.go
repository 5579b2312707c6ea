package cron

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/0xPuncker/price-watcher/pkg/types"
)

// intervalSchedule is a cron.Schedule firing every interval, anchored on the
// first fire time rather than on run completion. The first call to Next
// returns its argument so the engine fires immediately on start.
type intervalSchedule struct {
	mu       sync.Mutex
	interval time.Duration
	jitter   time.Duration
	anchor   time.Time
	jitterFn func(max time.Duration) time.Duration
}

func newIntervalSchedule(cfg types.ScheduleConfig) *intervalSchedule {
	return &intervalSchedule{
		interval: cfg.Interval,
		jitter:   cfg.Jitter,
		jitterFn: func(max time.Duration) time.Duration {
			return rand.N(max)
		},
	}
}

func (s *intervalSchedule) Next(t time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.anchor.IsZero() {
		s.anchor = t
		return t
	}

	next := s.anchor.Add(s.interval)
	// slots missed while the process was suspended are dropped, not replayed
	for !next.After(t) {
		next = next.Add(s.interval)
	}
	s.anchor = next

	if s.jitter > 0 {
		return next.Add(s.jitterFn(s.jitter))
	}
	return next
}
