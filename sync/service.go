package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/axl/reportsync/airtable"
	"github.com/axl/reportsync/config"
	"github.com/axl/reportsync/google"
	"github.com/axl/reportsync/migrations"
	"github.com/axl/reportsync/ratelimit"
	"github.com/axl/reportsync/trigger"
	"github.com/pocketbase/pocketbase/core"
	"google.golang.org/api/sheets/v4"
)

// Service holds the engine's components, built once from configuration
type Service struct {
	Config       config.Config
	Source       *SheetsAPISource
	Remote       *airtable.Client
	Backend      *trigger.Client
	Journal      *RunLog
	Reconciler   *Reconciler
	Dispatcher   *Dispatcher
	Queue        *EditQueue
	Orchestrator *Orchestrator
	Scheduler    *Scheduler
}

// NewService reads the service account key and builds every component
func NewService(ctx context.Context, app core.App, cfg config.Config) (*Service, error) {
	if !cfg.SheetConfigured() {
		return nil, fmt.Errorf("sheet is not configured (spreadsheet id required)")
	}
	sheetsService, err := google.NewSheetsClient(ctx, cfg.Sheet.KeyFile)
	if err != nil {
		return nil, err
	}
	return NewServiceWithSheets(app, cfg, sheetsService)
}

// NewServiceWithSheets builds the components around an existing Sheets client
func NewServiceWithSheets(app core.App, cfg config.Config, sheetsService *sheets.Service) (*Service, error) {
	if err := migrations.EnsureCollections(app); err != nil {
		return nil, fmt.Errorf("preparing journal collections: %w", err)
	}

	remote, err := airtable.NewClient(airtable.Config{
		BaseURL:   cfg.Airtable.BaseURL,
		BaseID:    cfg.Airtable.BaseID,
		TableName: cfg.Airtable.TableName,
		APIKey:    cfg.Airtable.APIKey,
		Timeout:   cfg.Airtable.Timeout,
		RateLimit: rateLimitFor(cfg.Airtable.APIDelay),
	})
	if err != nil {
		return nil, err
	}

	backend, err := trigger.NewClient(cfg.Dispatch.Endpoint, cfg.Dispatch.Timeout)
	if err != nil {
		return nil, err
	}

	source := NewSheetsAPISource(sheetsService, SheetsConfig{
		SpreadsheetID: cfg.Sheet.SpreadsheetID,
		Worksheet:     cfg.Sheet.Worksheet,
		SkipHeaderRow: cfg.Sync.SkipHeaderRow,
		DateColumns:   cfg.Sheet.DateColumns,
	})

	journal := NewRunLog(app)

	reconciler := NewReconciler(remote, ReconcilerConfig{
		BatchSize:         cfg.Sync.BatchSize,
		BatchPause:        cfg.Sync.BatchPause,
		UniqueField:       cfg.Sync.UniqueField,
		FieldMapping:      cfg.FieldMapping,
		Policy:            Policy{CreateNew: cfg.Sync.CreateNew, UpdateExisting: cfg.Sync.UpdateExisting},
		AbortOnIndexError: cfg.Sync.AbortOnIndexError,
	})

	dispatcher, err := NewDispatcher(source, backend, journal, DispatcherConfig{
		CompanyColumn: cfg.Dispatch.CompanyColumn,
		StatusColumn:  cfg.Dispatch.StatusColumn,
		MarkerColumn:  cfg.Dispatch.MarkerColumn,
		TargetStatus:  cfg.Dispatch.TargetStatus,
	})
	if err != nil {
		return nil, err
	}

	orchestrator := NewOrchestrator(source, reconciler, journal)

	return &Service{
		Config:       cfg,
		Source:       source,
		Remote:       remote,
		Backend:      backend,
		Journal:      journal,
		Reconciler:   reconciler,
		Dispatcher:   dispatcher,
		Queue:        NewEditQueue(dispatcher, cfg.Dispatch.QueueSize, queueTimeoutFor(cfg.Dispatch.Timeout)),
		Orchestrator: orchestrator,
		Scheduler: NewScheduler(orchestrator, journal, ScheduleConfig{
			Sweep:         cfg.Schedule.Sweep,
			Prune:         cfg.Schedule.Prune,
			RetentionDays: cfg.Schedule.RetentionDays,
		}),
	}, nil
}

// rateLimitFor applies the configured per-call delay to the default backoff policy
func rateLimitFor(delay time.Duration) *ratelimit.Config {
	rl := ratelimit.DefaultConfig()
	if delay > 0 {
		rl.APIDelay = delay
	}
	return rl
}

// queueTimeoutFor leaves room for the marker write after a dispatch that ran
// to the backend timeout
func queueTimeoutFor(dispatch time.Duration) time.Duration {
	if dispatch <= 0 {
		return 0
	}
	return dispatch + MarkerWriteTimeout
}

// API returns the HTTP handlers for this service
func (s *Service) API() *API {
	return &API{
		Orchestrator: s.Orchestrator,
		Dispatcher:   s.Dispatcher,
		Queue:        s.Queue,
		Backend:      s.Backend,
		WebhookToken: s.Config.Dispatch.WebhookToken,
	}
}

// Start registers the routes and starts the edit queue and the scheduler
func (s *Service) Start(e *core.ServeEvent) error {
	s.API().RegisterRoutes(e)
	s.Queue.Start()
	if err := s.Scheduler.Start(); err != nil {
		s.Queue.Stop()
		return err
	}
	slog.Info("Report sync service started",
		"spreadsheet", s.Source.SpreadsheetID(),
		"worksheet", s.Source.Worksheet(),
		"table", s.Remote.TableName(),
		"endpoint", s.Backend.Endpoint(),
	)
	return nil
}

// Stop stops the scheduler and drains the edit queue
func (s *Service) Stop() {
	s.Scheduler.Stop()
	s.Queue.Stop()
}
