// Package sync reconciles the source sheet with the remote record store and
// dispatches ready rows to the report backend.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrSweepRunning is returned when a sweep is requested while one is in progress
var ErrSweepRunning = errors.New("sweep already in progress")

// sweepTimeout bounds a background sweep
const sweepTimeout = 30 * time.Minute

// Status is the sweep state reported by the API
type Status struct {
	Running bool     `json:"running"`
	Current *SyncRun `json:"current,omitempty"`
	Last    *SyncRun `json:"last,omitempty"`
}

// Orchestrator runs sweeps one at a time. Overlapping requests in this process
// are refused rather than queued.
type Orchestrator struct {
	source     SheetSource
	reconciler *Reconciler
	journal    Journal

	mu      sync.RWMutex
	current *SyncRun
	last    *SyncRun
}

// NewOrchestrator creates an orchestrator. journal may be nil.
func NewOrchestrator(source SheetSource, reconciler *Reconciler, journal Journal) *Orchestrator {
	return &Orchestrator{source: source, reconciler: reconciler, journal: journal}
}

// IsRunning reports whether a sweep is in progress
func (o *Orchestrator) IsRunning() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.current != nil
}

// GetStatus returns copies of the current and last sweep
func (o *Orchestrator) GetStatus() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()

	status := Status{Running: o.current != nil}
	if o.current != nil {
		c := *o.current
		status.Current = &c
	}
	if o.last != nil {
		l := *o.last
		status.Last = &l
	} else if lr, ok := o.journal.(interface{ LastRun() (*SyncRun, error) }); ok {
		if run, err := lr.LastRun(); err == nil {
			status.Last = run
		}
	}
	return status
}

func (o *Orchestrator) begin(triggerName string) (*SyncRun, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != nil {
		return nil, ErrSweepRunning
	}
	o.current = &SyncRun{Trigger: triggerName, Status: statusRunning, StartTime: time.Now()}
	return o.current, nil
}

// progress publishes the counters of the sweep in flight
func (o *Orchestrator) progress(stats Stats) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != nil {
		o.current.Summary = stats
	}
}

func (o *Orchestrator) end(run SyncRun) {
	o.mu.Lock()
	o.current = nil
	o.last = &run
	o.mu.Unlock()

	if o.journal != nil {
		if err := o.journal.RecordRun(run); err != nil {
			slog.Warn("Failed to record sync run", "error", err)
		}
	}
}

// RunSweep reads the sheet and reconciles it, blocking until done. Row level
// failures are in the returned run; an error means the sweep did not complete.
func (o *Orchestrator) RunSweep(ctx context.Context, triggerName string) (SyncRun, error) {
	placeholder, err := o.begin(triggerName)
	if err != nil {
		return SyncRun{}, err
	}

	run, err := o.sweep(ctx, triggerName, placeholder.StartTime)
	o.end(run)
	return run, err
}

func (o *Orchestrator) sweep(ctx context.Context, triggerName string, started time.Time) (run SyncRun, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Sweep panicked", "trigger", triggerName, "panic", r)
			err = fmt.Errorf("panic: %v", r)
			run = failedRun(triggerName, started, err)
		}
	}()

	table, err := o.source.ReadTable(ctx)
	if err != nil {
		slog.Error("Sweep failed reading sheet", "trigger", triggerName, "error", err)
		return failedRun(triggerName, started, err), err
	}

	run, err = o.reconciler.RunWithProgress(ctx, table, triggerName, o.progress)
	if err != nil {
		slog.Error("Sweep failed", "trigger", triggerName, "error", err)
	}
	return run, err
}

// StartSweep runs a sweep in the background with its own timeout, so an HTTP
// request ending does not cancel it.
func (o *Orchestrator) StartSweep(triggerName string) error {
	placeholder, err := o.begin(triggerName)
	if err != nil {
		return err
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()

		run, _ := o.sweep(ctx, triggerName, placeholder.StartTime)
		o.end(run)
	}()
	return nil
}

func failedRun(triggerName string, started time.Time, err error) SyncRun {
	end := time.Now()
	return SyncRun{
		Trigger:   triggerName,
		Status:    statusFailed,
		StartTime: started,
		EndTime:   &end,
		Summary:   Stats{Duration: int(end.Sub(started).Seconds())},
		Error:     err.Error(),
	}
}

// PreviewRow shows what a sweep would write for one sheet row
func (o *Orchestrator) PreviewRow(ctx context.Context, row int) (Preview, error) {
	if row <= 1 {
		return Preview{}, fmt.Errorf("row %d is the header row", row)
	}
	headers, values, err := o.source.ReadRow(ctx, row)
	if err != nil {
		return Preview{}, err
	}
	return o.reconciler.PreviewRow(ctx, headers, SheetRow{Number: row, Values: values})
}

// HealthChecker probes a downstream service
type HealthChecker interface {
	Health(ctx context.Context) error
}

// HeaderMapping reports where one sheet header goes
type HeaderMapping struct {
	Header string `json:"header"`
	Field  string `json:"field,omitempty"`
	Mapped bool   `json:"mapped"`
}

// CheckReport summarizes connectivity and mapping coverage
type CheckReport struct {
	RemoteRecords  int             `json:"remote_records"`
	RemoteError    string          `json:"remote_error,omitempty"`
	SheetRows      int             `json:"sheet_rows"`
	SheetError     string          `json:"sheet_error,omitempty"`
	Headers        []HeaderMapping `json:"headers"`
	Unmapped       int             `json:"unmapped"`
	UnusedFields   []string        `json:"unused_fields,omitempty"`
	BackendHealthy bool            `json:"backend_healthy"`
	BackendError   string          `json:"backend_error,omitempty"`
}

// OK reports whether every probe succeeded
func (r CheckReport) OK() bool {
	return r.RemoteError == "" && r.SheetError == "" && (r.BackendHealthy || r.BackendError == "")
}

// Check probes the remote store, the sheet and the backend, and reports which
// sheet headers have a remote field. backend may be nil.
func (o *Orchestrator) Check(ctx context.Context, backend HealthChecker) CheckReport {
	var report CheckReport

	if records, err := o.reconciler.store.ListRecords(ctx); err != nil {
		report.RemoteError = err.Error()
	} else {
		report.RemoteRecords = len(records)
	}

	table, err := o.source.ReadTable(ctx)
	if err != nil {
		report.SheetError = err.Error()
	} else {
		report.SheetRows = len(table.Rows)
		used := make(map[string]bool)
		for _, h := range table.Headers {
			if h == "" {
				continue
			}
			field, ok := o.reconciler.cfg.FieldMapping[h]
			report.Headers = append(report.Headers, HeaderMapping{Header: h, Field: field, Mapped: ok})
			if ok {
				used[h] = true
			} else {
				report.Unmapped++
			}
		}
		for h := range o.reconciler.cfg.FieldMapping {
			if !used[h] {
				report.UnusedFields = append(report.UnusedFields, h)
			}
		}
		sort.Strings(report.UnusedFields)
	}

	if backend != nil {
		if err := backend.Health(ctx); err != nil {
			report.BackendError = err.Error()
		} else {
			report.BackendHealthy = true
		}
	}

	slog.Info("Connection check",
		"remote_records", report.RemoteRecords,
		"sheet_rows", report.SheetRows,
		"unmapped_headers", report.Unmapped,
		"backend_healthy", report.BackendHealthy,
	)
	return report
}
