package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/axl/reportsync/airtable"
	"github.com/axl/reportsync/ratelimit"
)

// Sweep run statuses
const (
	statusRunning = "running"
	statusSuccess = "success"
	statusFailed  = "failed"
)

// RemoteStore is the remote record store a sweep reconciles against
type RemoteStore interface {
	RemoteLister
	CreateRecord(ctx context.Context, fields map[string]string) (airtable.Record, error)
	UpdateRecord(ctx context.Context, recordID string, fields map[string]string) (airtable.Record, error)
}

// Policy selects which remote writes a sweep may issue
type Policy struct {
	CreateNew      bool
	UpdateExisting bool
}

// ReconcilerConfig is fixed at construction
type ReconcilerConfig struct {
	BatchSize         int
	BatchPause        time.Duration
	UniqueField       string
	FieldMapping      map[string]string
	Policy            Policy
	AbortOnIndexError bool
}

// Action is the decision taken for one row
type Action string

// Row actions
const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionSkip   Action = "skip"
)

// Stats holds counters for a sweep. Seen equals the sum of the other four.
type Stats struct {
	Seen     int `json:"seen"`
	Created  int `json:"created"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
	Errors   int `json:"errors"`
	Duration int `json:"duration"` // Duration in seconds
}

// RowError records one failed row write
type RowError struct {
	Row    int    `json:"row"`
	Key    string `json:"key"`
	Action Action `json:"action"`
	Error  string `json:"error"`
	Status int    `json:"status,omitempty"`
}

// SyncRun is the outcome of one sweep
type SyncRun struct {
	Trigger       string     `json:"trigger"`
	Status        string     `json:"status"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	Summary       Stats      `json:"summary"`
	IndexDegraded bool       `json:"index_degraded"`
	Error         string     `json:"error,omitempty"`
	RowErrors     []RowError `json:"row_errors,omitempty"`
}

// Reconciler upserts sheet rows into the remote store in batches
type Reconciler struct {
	store RemoteStore
	cfg   ReconcilerConfig
}

// NewReconciler creates a reconciler
func NewReconciler(store RemoteStore, cfg ReconcilerConfig) *Reconciler {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 10
	}
	return &Reconciler{store: store, cfg: cfg}
}

// Run reconciles every row of table against a fresh remote snapshot. Row write
// failures are counted and never stop the sweep. An error is returned only when
// the sweep could not run to the end: the index fetch failed with
// AbortOnIndexError set, or ctx was cancelled between batches.
func (r *Reconciler) Run(ctx context.Context, table *Table, triggerName string) (SyncRun, error) {
	return r.RunWithProgress(ctx, table, triggerName, nil)
}

// ProgressFunc receives the running counters after each row
type ProgressFunc func(Stats)

// RunWithProgress is Run reporting its counters to progress as rows complete.
// progress may be nil.
func (r *Reconciler) RunWithProgress(ctx context.Context, table *Table, triggerName string, progress ProgressFunc) (SyncRun, error) {
	run := SyncRun{Trigger: triggerName, Status: statusRunning, StartTime: time.Now()}

	idx, err := LoadRemoteIndex(ctx, r.store, r.cfg.UniqueField)
	if err != nil {
		run.IndexDegraded = true
		if r.cfg.AbortOnIndexError {
			r.finish(&run, err)
			return run, err
		}
		slog.Warn("Remote index unavailable, existing records will be treated as new", "error", err)
	}

	rows := table.Rows
	batches := (len(rows) + r.cfg.BatchSize - 1) / r.cfg.BatchSize
	slog.Info("Starting sweep", "trigger", triggerName, "rows", len(rows), "batches", batches, "remote_records", idx.Len())

	for b := 0; b < batches; b++ {
		if b > 0 {
			if err := ratelimit.Pause(ctx, r.cfg.BatchPause); err != nil {
				r.finish(&run, err)
				return run, err
			}
		}

		start := b * r.cfg.BatchSize
		end := min(start+r.cfg.BatchSize, len(rows))
		slog.Debug("Processing batch", "batch", b+1, "of", batches, "rows", fmt.Sprintf("%d-%d", start+1, end))

		for _, row := range rows[start:end] {
			r.processRow(ctx, table.Headers, row, idx, &run)
			if progress != nil {
				progress(run.Summary)
			}
		}
	}

	r.finish(&run, nil)
	slog.Info("Sweep complete",
		"trigger", triggerName,
		"stats", fmt.Sprintf("seen=%d, created=%d, updated=%d, skipped=%d, errors=%d",
			run.Summary.Seen, run.Summary.Created, run.Summary.Updated, run.Summary.Skipped, run.Summary.Errors),
		"index_degraded", run.IndexDegraded,
	)
	return run, nil
}

func (r *Reconciler) processRow(ctx context.Context, headers []string, row SheetRow, idx *RemoteIndex, run *SyncRun) {
	run.Summary.Seen++

	rec := Normalize(headers, row.Values, r.cfg.FieldMapping)
	action, existing := r.Classify(rec, idx)
	key := rec[r.cfg.UniqueField]

	var err error
	switch action {
	case ActionUpdate:
		_, err = r.store.UpdateRecord(ctx, existing.ID, rec)
	case ActionCreate:
		_, err = r.store.CreateRecord(ctx, rec)
	case ActionSkip:
		run.Summary.Skipped++
		slog.Debug("Skipped row", "row", row.Number, "key", key)
		return
	}

	if err != nil {
		run.Summary.Errors++
		rowErr := RowError{Row: row.Number, Key: key, Action: action, Error: err.Error()}
		var apiErr *airtable.APIError
		if errors.As(err, &apiErr) {
			rowErr.Status = apiErr.StatusCode
		}
		run.RowErrors = append(run.RowErrors, rowErr)
		slog.Error("Row write failed", "row", row.Number, "key", key, "action", action, "error", err)
		return
	}

	if action == ActionUpdate {
		run.Summary.Updated++
	} else {
		run.Summary.Created++
	}
	slog.Debug("Row written", "row", row.Number, "key", key, "action", action)
}

// Classify decides what a sweep would do with a normalized record
func (r *Reconciler) Classify(rec NormalizedRecord, idx *RemoteIndex) (Action, airtable.Record) {
	key := rec[r.cfg.UniqueField]
	if key == "" {
		return ActionSkip, airtable.Record{}
	}
	if existing, found := idx.Find(key); found {
		if r.cfg.Policy.UpdateExisting {
			return ActionUpdate, existing
		}
		return ActionSkip, airtable.Record{}
	}
	if r.cfg.Policy.CreateNew {
		return ActionCreate, airtable.Record{}
	}
	return ActionSkip, airtable.Record{}
}

// Preview is what a sweep would write for one row
type Preview struct {
	Row      int              `json:"row"`
	Key      string           `json:"key"`
	Action   Action           `json:"action"`
	RecordID string           `json:"record_id,omitempty"`
	Fields   NormalizedRecord `json:"fields"`
}

// PreviewRow normalizes one row and classifies it against a fresh snapshot
// without writing anything.
func (r *Reconciler) PreviewRow(ctx context.Context, headers []string, row SheetRow) (Preview, error) {
	idx, err := LoadRemoteIndex(ctx, r.store, r.cfg.UniqueField)
	if err != nil {
		return Preview{}, err
	}

	rec := Normalize(headers, row.Values, r.cfg.FieldMapping)
	action, existing := r.Classify(rec, idx)
	return Preview{
		Row:      row.Number,
		Key:      rec[r.cfg.UniqueField],
		Action:   action,
		RecordID: existing.ID,
		Fields:   rec,
	}, nil
}

func (r *Reconciler) finish(run *SyncRun, err error) {
	end := time.Now()
	run.EndTime = &end
	run.Summary.Duration = int(end.Sub(run.StartTime).Seconds())
	if err != nil {
		run.Status = statusFailed
		run.Error = err.Error()
		return
	}
	run.Status = statusSuccess
}
