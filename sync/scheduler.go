package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// ScheduleConfig holds cron expressions for the background jobs
type ScheduleConfig struct {
	Sweep         string
	Prune         string
	RetentionDays int
}

// Scheduler manages cron-based sweeps and journal pruning
type Scheduler struct {
	cron         *cron.Cron
	orchestrator *Orchestrator
	journal      Journal
	cfg          ScheduleConfig
	mu           sync.Mutex
	running      bool
}

// NewScheduler creates a new scheduler. journal may be nil, which disables pruning.
func NewScheduler(orchestrator *Orchestrator, journal Journal, cfg ScheduleConfig) *Scheduler {
	return &Scheduler{
		cron:         cron.New(),
		orchestrator: orchestrator,
		journal:      journal,
		cfg:          cfg,
	}
}

// Start registers the jobs and starts the cron loop
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	if s.cfg.Sweep != "" {
		if _, err := s.cron.AddFunc(s.cfg.Sweep, s.runScheduledSweep); err != nil {
			return fmt.Errorf("adding sweep schedule %q: %w", s.cfg.Sweep, err)
		}
	}

	if s.cfg.Prune != "" && s.journal != nil {
		if _, err := s.cron.AddFunc(s.cfg.Prune, func() {
			if _, err := s.journal.Prune(s.cfg.RetentionDays); err != nil {
				slog.Warn("Failed to prune journal", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("adding prune schedule %q: %w", s.cfg.Prune, err)
		}
	}

	s.cron.Start()
	s.running = true

	slog.Info("Sync scheduler started", "sweep", s.cfg.Sweep, "prune", s.cfg.Prune)
	return nil
}

// Stop gracefully stops the scheduler, waiting for running jobs
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	slog.Info("Stopping sync scheduler")
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.running = false
	slog.Info("Sync scheduler stopped")
}

// IsRunning reports whether the cron loop is active
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) runScheduledSweep() {
	slog.Info("Starting scheduled sweep")

	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	run, err := s.orchestrator.RunSweep(ctx, "schedule")
	switch {
	case errors.Is(err, ErrSweepRunning):
		slog.Info("Skipping scheduled sweep, one is already running")
	case err != nil:
		slog.Error("Scheduled sweep failed", "error", err)
	default:
		slog.Info("Scheduled sweep completed", "created", run.Summary.Created, "updated", run.Summary.Updated, "errors", run.Summary.Errors)
	}
}
