package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BadgerOps/artsync/internal/engine"
	"github.com/BadgerOps/artsync/internal/store"
)

// DueTaskLister finds cron tasks whose next execution time has passed.
type DueTaskLister interface {
	ListDueTasks(ctx context.Context, now time.Time) ([]store.Task, error)
}

// SchedulerOptions tunes a Scheduler. A non-positive PurgeInterval disables
// retention purging.
type SchedulerOptions struct {
	PollInterval  time.Duration
	PurgeInterval time.Duration
	Logger        *slog.Logger
}

// Scheduler triggers due cron tasks and purges expired records on a timer.
// The engine itself has no timers; this loop is what serve runs.
type Scheduler struct {
	due       DueTaskLister
	orch      *engine.Orchestrator
	lifecycle *engine.Lifecycle

	pollInterval  time.Duration
	purgeInterval time.Duration
	now           func() time.Time
	logger        *slog.Logger

	runs sync.WaitGroup
}

// NewScheduler creates a Scheduler.
func NewScheduler(due DueTaskLister, orch *engine.Orchestrator, lifecycle *engine.Lifecycle, opts SchedulerOptions) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	return &Scheduler{
		due:           due,
		orch:          orch,
		lifecycle:     lifecycle,
		pollInterval:  opts.PollInterval,
		purgeInterval: opts.PurgeInterval,
		now:           time.Now,
		logger:        opts.Logger,
	}
}

// Run polls until ctx is cancelled. Runs already started are not cancelled
// with it; use Wait to let them finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "poll_interval", s.pollInterval, "purge_interval", s.purgeInterval)

	egrp, ctx := errgroup.WithContext(ctx)

	egrp.Go(func() error {
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		s.Tick(ctx)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	})

	if s.purgeInterval > 0 {
		egrp.Go(func() error {
			ticker := time.NewTicker(s.purgeInterval)
			defer ticker.Stop()

			s.Purge(ctx)
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					s.Purge(ctx)
				}
			}
		})
	}

	err := egrp.Wait()
	s.logger.Info("scheduler stopped")
	return err
}

// Tick starts a run for every due task and returns how many were started.
func (s *Scheduler) Tick(ctx context.Context) int {
	tasks, err := s.due.ListDueTasks(ctx, s.now())
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("failed to list due tasks", "error", err)
		}
		return 0
	}

	started := 0
	for _, task := range tasks {
		run, err := s.orch.Start(context.WithoutCancel(ctx), task.Key, engine.TriggerSchedule)
		if err != nil {
			// Another trigger won the race or the task changed since the query.
			if errors.Is(err, store.ErrConflict) || errors.Is(err, engine.ErrIllegalTransition) || errors.Is(err, engine.ErrTaskDisabled) {
				s.logger.Debug("due task not started", "task_key", task.Key, "reason", err)
				continue
			}
			s.logger.Error("failed to start scheduled run", "task_key", task.Key, "error", err)
			continue
		}
		started++

		s.runs.Add(1)
		go func() {
			defer s.runs.Done()
			if _, err := run.Wait(); err != nil {
				s.logger.Error("scheduled run aborted", "task_key", run.TaskKey, "run_key", run.RunKey, "error", err)
			}
		}()
	}
	return started
}

// Purge removes expired records and returns how many were removed.
func (s *Scheduler) Purge(ctx context.Context) int {
	n, err := s.lifecycle.PurgeExpiredRecords(ctx, s.now())
	if err != nil && ctx.Err() == nil {
		s.logger.Error("failed to purge expired records", "error", err)
	}
	return n
}

// Wait blocks until every run started by the scheduler has finished.
func (s *Scheduler) Wait() {
	s.runs.Wait()
}
