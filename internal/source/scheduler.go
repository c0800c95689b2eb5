package source

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/readystack/readystackgo/internal/clock"
	"github.com/readystack/readystackgo/internal/logging"
	"github.com/readystack/readystackgo/internal/store"
)

// pollInterval is how often the scheduler checks for due sources. Cron
// schedules have minute granularity, so checking more often buys nothing.
const pollInterval = time.Minute

// Scheduler syncs sources on their cron schedules. Sources without a
// schedule stay manual only.
type Scheduler struct {
	registry *Registry
	log      *logging.Logger
	clock    clock.Clock
	kick     chan struct{}

	mu        sync.Mutex
	attempted map[string]time.Time // last attempt per source, failures included
}

// NewScheduler creates a Scheduler.
func NewScheduler(reg *Registry, log *logging.Logger, clk clock.Clock) *Scheduler {
	return &Scheduler{
		registry:  reg,
		log:       log.Component("source"),
		clock:     clk,
		kick:      make(chan struct{}, 1),
		attempted: make(map[string]time.Time),
	}
}

// Kick asks the scheduler to re-check schedules now, typically after a
// source was added or its schedule changed.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run checks for due sources once immediately, then at every poll interval.
// Exits when ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.CheckDue(ctx)
	for {
		select {
		case <-s.clock.After(pollInterval):
			s.CheckDue(ctx)
		case <-s.kick:
			s.CheckDue(ctx)
		case <-ctx.Done():
			s.log.Info("source scheduler stopped")
			return nil
		}
	}
}

// CheckDue syncs every enabled source whose schedule has come around since
// its last attempt. It returns how many syncs succeeded.
func (s *Scheduler) CheckDue(ctx context.Context) int {
	sources, err := s.registry.ListSources()
	if err != nil {
		s.log.Error("list sources", "error", err)
		return 0
	}

	ran := 0
	now := s.clock.Now()
	for _, src := range sources {
		if ctx.Err() != nil {
			break
		}
		if !s.due(src, now) {
			continue
		}
		s.markAttempt(src.ID, now)
		if _, err := s.registry.Sync(ctx, src.ID); err != nil {
			continue // Sync already logged and counted the failure
		}
		ran++
	}
	return ran
}

// due reports whether the source's cron schedule has fired since the last
// sync attempt. A source that has never been synced is due immediately.
func (s *Scheduler) due(src store.StackSource, now time.Time) bool {
	if !src.Enabled || src.SyncSchedule == "" {
		return false
	}
	sched, err := cron.ParseStandard(src.SyncSchedule)
	if err != nil {
		s.log.Warn("invalid sync schedule", "source", src.ID, "schedule", src.SyncSchedule, "error", err)
		return false
	}
	last := src.LastSyncedAt
	if attempt := s.lastAttempt(src.ID); attempt.After(last) {
		last = attempt
	}
	next := sched.Next(last)
	return !next.IsZero() && !next.After(now)
}

func (s *Scheduler) markAttempt(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempted[id] = at
}

func (s *Scheduler) lastAttempt(id string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempted[id]
}
