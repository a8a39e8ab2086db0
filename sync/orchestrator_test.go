package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/axl/reportsync/airtable"
)

// gatedStore blocks ListRecords until released so a sweep can be held open
type gatedStore struct {
	*fakeRemoteStore
	gate chan struct{}
}

func (g *gatedStore) ListRecords(ctx context.Context) ([]airtable.Record, error) {
	<-g.gate
	return g.fakeRemoteStore.ListRecords(ctx)
}

func newTestOrchestrator(t *testing.T, store RemoteStore, journal Journal) (*Orchestrator, *MockSheetSource) {
	t.Helper()
	sheet := NewMockSheetSource([]string{"Company Name", "Status", "Website"})
	sheet.AddRow("Acme", "New", "https://acme.test")
	sheet.AddRow("Globex", "Reviewed - Promising", "")
	sheet.AddRow("", "New", "")
	return NewOrchestrator(sheet, newTestReconciler(store, nil), journal), sheet
}

// TestOrchestratorRunSweep tests a synchronous sweep end to end
func TestOrchestratorRunSweep(t *testing.T) {
	store := newFakeRemoteStore("Company Name")
	store.seed("Acme")
	journal := &fakeJournal{}
	o, _ := newTestOrchestrator(t, store, journal)

	run, err := o.RunSweep(context.Background(), "manual")
	if err != nil {
		t.Fatalf("RunSweep() error = %v", err)
	}
	if run.Summary.Seen != 3 || run.Summary.Updated != 1 || run.Summary.Created != 1 || run.Summary.Skipped != 1 {
		t.Errorf("Summary = %+v", run.Summary)
	}
	if o.IsRunning() {
		t.Error("sweep should not be running after RunSweep returns")
	}

	status := o.GetStatus()
	if status.Last == nil || status.Last.Summary.Seen != 3 {
		t.Errorf("Last = %+v", status.Last)
	}
	if len(journal.runs) != 1 || journal.runs[0].Status != statusSuccess {
		t.Errorf("journal runs = %+v", journal.runs)
	}
}

// TestOrchestratorRejectsOverlap tests that only one sweep runs at a time
func TestOrchestratorRejectsOverlap(t *testing.T) {
	gated := &gatedStore{fakeRemoteStore: newFakeRemoteStore("Company Name"), gate: make(chan struct{})}
	o, _ := newTestOrchestrator(t, gated, nil)

	if err := o.StartSweep("api"); err != nil {
		t.Fatalf("StartSweep() error = %v", err)
	}
	if !o.IsRunning() {
		t.Error("sweep should be running")
	}
	if err := o.StartSweep("api"); !errors.Is(err, ErrSweepRunning) {
		t.Errorf("second StartSweep() = %v, want ErrSweepRunning", err)
	}
	if _, err := o.RunSweep(context.Background(), "schedule"); !errors.Is(err, ErrSweepRunning) {
		t.Errorf("RunSweep() during sweep = %v, want ErrSweepRunning", err)
	}
	if status := o.GetStatus(); !status.Running || status.Current == nil || status.Current.Trigger != "api" {
		t.Errorf("status = %+v", status)
	}

	close(gated.gate)
	waitFor(t, func() bool { return !o.IsRunning() })

	if last := o.GetStatus().Last; last == nil || last.Summary.Created != 2 {
		t.Errorf("Last = %+v", last)
	}
}

// createGatedStore blocks CreateRecord until released
type createGatedStore struct {
	*fakeRemoteStore
	gate chan struct{}
}

func (g *createGatedStore) CreateRecord(ctx context.Context, fields map[string]string) (airtable.Record, error) {
	<-g.gate
	return g.fakeRemoteStore.CreateRecord(ctx, fields)
}

// TestOrchestratorStatusShowsProgress tests that the running sweep reports live counters
func TestOrchestratorStatusShowsProgress(t *testing.T) {
	store := &createGatedStore{fakeRemoteStore: newFakeRemoteStore("Company Name"), gate: make(chan struct{})}
	store.seed("Acme")
	o, _ := newTestOrchestrator(t, store, nil)

	if err := o.StartSweep("api"); err != nil {
		t.Fatalf("StartSweep() error = %v", err)
	}
	waitFor(t, func() bool {
		status := o.GetStatus()
		return status.Current != nil && status.Current.Summary.Updated == 1
	})
	if current := o.GetStatus().Current; current.Summary.Seen != 1 || current.Summary.Created != 0 {
		t.Errorf("Current.Summary = %+v", current.Summary)
	}

	close(store.gate)
	waitFor(t, func() bool { return !o.IsRunning() })
	if last := o.GetStatus().Last; last == nil || last.Summary.Seen != 3 || last.Summary.Created != 1 {
		t.Errorf("Last = %+v", last)
	}
}

// TestOrchestratorSheetReadFailure tests that a sheet failure is recorded
func TestOrchestratorSheetReadFailure(t *testing.T) {
	journal := &fakeJournal{}
	o, sheet := newTestOrchestrator(t, newFakeRemoteStore("Company Name"), journal)
	sheet.ReadErr = errBoom

	run, err := o.RunSweep(context.Background(), "schedule")
	if !errors.Is(err, errBoom) {
		t.Fatalf("err = %v", err)
	}
	if run.Status != statusFailed || run.Error == "" || run.EndTime == nil {
		t.Errorf("run = %+v", run)
	}
	if len(journal.runs) != 1 || journal.runs[0].Status != statusFailed {
		t.Errorf("journal = %+v", journal.runs)
	}
	if o.IsRunning() {
		t.Error("failed sweep left running flag set")
	}
}

// TestOrchestratorPreviewRow tests the single row preview
func TestOrchestratorPreviewRow(t *testing.T) {
	store := newFakeRemoteStore("Company Name")
	store.seed("Globex")
	o, _ := newTestOrchestrator(t, store, nil)

	p, err := o.PreviewRow(context.Background(), 3)
	if err != nil {
		t.Fatalf("PreviewRow() error = %v", err)
	}
	if p.Action != ActionUpdate || p.Key != "Globex" || p.Fields["Status"] != "Reviewed - Promising" {
		t.Errorf("preview = %+v", p)
	}

	if _, err := o.PreviewRow(context.Background(), 1); err == nil {
		t.Error("expected error for header row")
	}
}

type healthFunc func(ctx context.Context) error

func (f healthFunc) Health(ctx context.Context) error { return f(ctx) }

// TestOrchestratorCheck tests the connection and mapping report
func TestOrchestratorCheck(t *testing.T) {
	store := newFakeRemoteStore("Company Name")
	store.seed("Acme", "Globex")

	sheet := NewMockSheetSource([]string{"Company Name", "Status", "Notes", ""})
	sheet.AddRow("Acme", "New", "call back")
	o := NewOrchestrator(sheet, newTestReconciler(store, nil), nil)

	report := o.Check(context.Background(), healthFunc(func(context.Context) error { return nil }))
	if report.RemoteRecords != 2 || report.SheetRows != 1 {
		t.Errorf("report = %+v", report)
	}
	if len(report.Headers) != 3 || report.Unmapped != 1 {
		t.Errorf("headers = %+v, unmapped = %d", report.Headers, report.Unmapped)
	}
	if report.Headers[2].Header != "Notes" || report.Headers[2].Mapped {
		t.Errorf("Notes mapping = %+v", report.Headers[2])
	}
	if len(report.UnusedFields) != 1 || report.UnusedFields[0] != "Website" {
		t.Errorf("UnusedFields = %v", report.UnusedFields)
	}
	if !report.BackendHealthy || !report.OK() {
		t.Errorf("report should be healthy: %+v", report)
	}

	store.listErr = errBoom
	report = o.Check(context.Background(), healthFunc(func(context.Context) error { return errors.New("status 503") }))
	if report.RemoteError == "" || report.BackendHealthy || report.BackendError == "" || report.OK() {
		t.Errorf("report should show failures: %+v", report)
	}
}

// TestOrchestratorStatusFallsBackToJournal tests status after a restart
func TestOrchestratorStatusFallsBackToJournal(t *testing.T) {
	log := newTestRunLog(t)
	end := time.Now()
	if err := log.RecordRun(SyncRun{Trigger: "schedule", Status: statusSuccess, StartTime: end.Add(-time.Second), EndTime: &end, Summary: Stats{Seen: 9, Created: 9}}); err != nil {
		t.Fatal(err)
	}

	o, _ := newTestOrchestrator(t, newFakeRemoteStore("Company Name"), log)
	status := o.GetStatus()
	if status.Last == nil || status.Last.Summary.Seen != 9 {
		t.Errorf("Last = %+v", status.Last)
	}
}
