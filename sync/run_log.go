package sync

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/axl/reportsync/migrations"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/types"
)

// pruneBatch caps how many records one prune pass deletes per collection
const pruneBatch = 1000

// Journal stores sweep and dispatch history
type Journal interface {
	DispatchJournal
	RecordRun(run SyncRun) error
	Prune(retentionDays int) (int, error)
}

// RunLog is the PocketBase-backed Journal. It is history only; the tracking
// cell decides whether a row was dispatched.
type RunLog struct {
	app core.App
}

// NewRunLog creates a run log on the given app
func NewRunLog(app core.App) *RunLog {
	return &RunLog{app: app}
}

// RecordRun stores one sweep
func (l *RunLog) RecordRun(run SyncRun) error {
	collection, err := l.app.FindCollectionByNameOrId(migrations.SyncRunsCollection)
	if err != nil {
		return fmt.Errorf("finding %s collection: %w", migrations.SyncRunsCollection, err)
	}

	record := core.NewRecord(collection)
	record.Set("trigger", run.Trigger)
	record.Set("status", run.Status)
	record.Set("started", run.StartTime)
	if run.EndTime != nil {
		record.Set("finished", *run.EndTime)
	}
	record.Set("seen", run.Summary.Seen)
	record.Set("created_count", run.Summary.Created)
	record.Set("updated_count", run.Summary.Updated)
	record.Set("skipped", run.Summary.Skipped)
	record.Set("error_count", run.Summary.Errors)
	record.Set("duration", run.Summary.Duration)
	record.Set("index_degraded", run.IndexDegraded)
	record.Set("error", run.Error)
	if len(run.RowErrors) > 0 {
		record.Set("row_errors", run.RowErrors)
	}

	if err := l.app.Save(record); err != nil {
		return fmt.Errorf("saving sync run: %w", err)
	}
	return nil
}

// RecordDispatch stores one dispatch decision
func (l *RunLog) RecordDispatch(ev ChangeEvent, res DispatchResult) error {
	collection, err := l.app.FindCollectionByNameOrId(migrations.DispatchEventsCollection)
	if err != nil {
		return fmt.Errorf("finding %s collection: %w", migrations.DispatchEventsCollection, err)
	}

	record := core.NewRecord(collection)
	record.Set("request_id", res.RequestID)
	record.Set("spreadsheet_id", ev.SpreadsheetID)
	record.Set("worksheet", ev.Worksheet)
	record.Set("row_number", res.Row)
	record.Set("company_name", res.Company)
	record.Set("source", ev.Source)
	record.Set("outcome", res.Outcome.String())
	record.Set("marker", res.Marker)
	record.Set("reason", res.Reason)

	if err := l.app.Save(record); err != nil {
		return fmt.Errorf("saving dispatch event: %w", err)
	}
	return nil
}

// LastRun returns the most recent stored sweep, or nil if there is none
func (l *RunLog) LastRun() (*SyncRun, error) {
	records, err := l.app.FindRecordsByFilter(migrations.SyncRunsCollection, "", "-started", 1, 0)
	if err != nil {
		return nil, fmt.Errorf("loading last sync run: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	return runFromRecord(records[0]), nil
}

// runFromRecord decodes a stored sweep
func runFromRecord(r *core.Record) *SyncRun {
	run := &SyncRun{
		Trigger:   r.GetString("trigger"),
		Status:    r.GetString("status"),
		StartTime: r.GetDateTime("started").Time(),
		Summary: Stats{
			Seen:     r.GetInt("seen"),
			Created:  r.GetInt("created_count"),
			Updated:  r.GetInt("updated_count"),
			Skipped:  r.GetInt("skipped"),
			Errors:   r.GetInt("error_count"),
			Duration: r.GetInt("duration"),
		},
		IndexDegraded: r.GetBool("index_degraded"),
		Error:         r.GetString("error"),
	}
	if finished := r.GetDateTime("finished"); !finished.IsZero() {
		end := finished.Time()
		run.EndTime = &end
	}
	if err := r.UnmarshalJSONField("row_errors", &run.RowErrors); err != nil {
		slog.Warn("Ignoring unreadable row errors of sync run", "id", r.Id, "error", err)
		run.RowErrors = nil
	}
	return run
}

// DispatchHistory returns the recorded decisions for one row, newest first
func (l *RunLog) DispatchHistory(spreadsheetID, worksheet string, row, limit int) ([]*core.Record, error) {
	return l.app.FindRecordsByFilter(
		migrations.DispatchEventsCollection,
		"spreadsheet_id = {:sheet} && worksheet = {:tab} && row_number = {:row}",
		"-created",
		limit,
		0,
		map[string]any{"sheet": spreadsheetID, "tab": worksheet, "row": row},
	)
}

// Prune deletes sweep and dispatch records older than retentionDays
func (l *RunLog) Prune(retentionDays int) (int, error) {
	cutoff, err := types.ParseDateTime(time.Now().AddDate(0, 0, -retentionDays))
	if err != nil {
		return 0, fmt.Errorf("computing prune cutoff: %w", err)
	}
	cutoffStr := cutoff.String()

	slog.Info("Pruning journal", "cutoff", cutoffStr, "retentionDays", retentionDays)

	total := 0
	for _, name := range []string{migrations.SyncRunsCollection, migrations.DispatchEventsCollection} {
		records, err := l.app.FindRecordsByFilter(
			name,
			fmt.Sprintf("created < '%s'", cutoffStr),
			"-created",
			pruneBatch,
			0,
		)
		if err != nil {
			return total, fmt.Errorf("finding old %s: %w", name, err)
		}

		deleted := 0
		for _, record := range records {
			if err := l.app.Delete(record); err != nil {
				slog.Warn("Failed to delete journal record", "collection", name, "recordId", record.Id, "error", err)
			} else {
				deleted++
			}
		}
		total += deleted
		slog.Info("Pruned journal", "collection", name, "deleted", deleted, "found", len(records))
	}
	return total, nil
}
