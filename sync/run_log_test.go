package sync

import (
	"testing"
	"time"

	"github.com/axl/reportsync/migrations"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tests"
	"github.com/pocketbase/pocketbase/tools/types"
)

func newTestRunLog(t *testing.T) *RunLog {
	t.Helper()
	app, err := tests.NewTestApp()
	if err != nil {
		t.Fatalf("Failed to create test app: %v", err)
	}
	t.Cleanup(app.Cleanup)

	if err := migrations.EnsureCollections(app); err != nil {
		t.Fatalf("EnsureCollections() error = %v", err)
	}
	return NewRunLog(app)
}

func TestRunLog_RecordAndLoadRun(t *testing.T) {
	log := newTestRunLog(t)

	if last, err := log.LastRun(); err != nil || last != nil {
		t.Fatalf("LastRun() on empty journal = %+v, %v", last, err)
	}

	start := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	end := start.Add(42 * time.Second)
	run := SyncRun{
		Trigger:       "schedule",
		Status:        statusSuccess,
		StartTime:     start,
		EndTime:       &end,
		Summary:       Stats{Seen: 5, Created: 1, Updated: 2, Skipped: 1, Errors: 1, Duration: 42},
		IndexDegraded: true,
		RowErrors:     []RowError{{Row: 4, Key: "Row3", Action: ActionCreate, Error: "422", Status: 422}},
	}
	if err := log.RecordRun(run); err != nil {
		t.Fatalf("RecordRun() error = %v", err)
	}

	last, err := log.LastRun()
	if err != nil {
		t.Fatalf("LastRun() error = %v", err)
	}
	if last == nil {
		t.Fatal("LastRun() returned nil")
	}
	if last.Summary != run.Summary || !last.IndexDegraded || last.Trigger != "schedule" {
		t.Errorf("last = %+v", last)
	}
	if !last.StartTime.Equal(start) || last.EndTime == nil || !last.EndTime.Equal(end) {
		t.Errorf("times = %v / %v", last.StartTime, last.EndTime)
	}
	if len(last.RowErrors) != 1 || last.RowErrors[0].Row != 4 {
		t.Errorf("RowErrors = %+v", last.RowErrors)
	}
}

func TestRunFromRecord_UnreadableRowErrors(t *testing.T) {
	log := newTestRunLog(t)
	collection, err := log.app.FindCollectionByNameOrId(migrations.SyncRunsCollection)
	if err != nil {
		t.Fatal(err)
	}

	record := core.NewRecord(collection)
	record.Set("trigger", "manual")
	record.Set("seen", 3)
	record.Set("row_errors", types.JSONRaw(`{"row":"not a list"}`))

	run := runFromRecord(record)
	if run.Trigger != "manual" || run.Summary.Seen != 3 {
		t.Errorf("run = %+v", run)
	}
	if run.RowErrors != nil {
		t.Errorf("RowErrors = %+v, want nil", run.RowErrors)
	}
}

func TestRunLog_RecordDispatch(t *testing.T) {
	log := newTestRunLog(t)

	ev := ChangeEvent{SpreadsheetID: "sheet123", Worksheet: "Sheet1", Row: 7, Source: "edit"}
	res := DispatchResult{RequestID: "req-1", Row: 7, Company: "Acme", Outcome: OutcomeDispatchRequested, Marker: MarkerProcessing}
	if err := log.RecordDispatch(ev, res); err != nil {
		t.Fatalf("RecordDispatch() error = %v", err)
	}

	history, err := log.DispatchHistory("sheet123", "Sheet1", 7, 10)
	if err != nil {
		t.Fatalf("DispatchHistory() error = %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("len(history) = %d", len(history))
	}
	rec := history[0]
	if rec.GetString("outcome") != "dispatch-requested" || rec.GetString("marker") != "Processing…" || rec.GetString("request_id") != "req-1" {
		t.Errorf("record = %v", rec.FieldsData())
	}
}

func TestRunLog_Prune(t *testing.T) {
	log := newTestRunLog(t)

	now := time.Now()
	if err := log.RecordRun(SyncRun{Trigger: "manual", Status: statusSuccess, StartTime: now, EndTime: &now}); err != nil {
		t.Fatal(err)
	}
	if err := log.RecordDispatch(ChangeEvent{SpreadsheetID: "s", Row: 2}, DispatchResult{Row: 2}); err != nil {
		t.Fatal(err)
	}

	deleted, err := log.Prune(7)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if deleted != 0 {
		t.Errorf("fresh records pruned: %d", deleted)
	}

	// A negative window puts the cutoff in the future
	deleted, err = log.Prune(-1)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}
}
