package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/axl/reportsync/config"
	"github.com/axl/reportsync/trigger"
	"github.com/google/uuid"
)

// MarkerWriteTimeout bounds the tracking cell write that follows a dispatch
const MarkerWriteTimeout = 30 * time.Second

// ChangeEvent reports that a row of the source sheet was edited
type ChangeEvent struct {
	SpreadsheetID string `json:"spreadsheet_id"`
	Worksheet     string `json:"worksheet_name"`
	Row           int    `json:"row"`
	Source        string `json:"source,omitempty"`
}

// DispatchOutcome is the closed set of results of handling one event
type DispatchOutcome int

// Dispatch outcomes
const (
	OutcomeNotEligible DispatchOutcome = iota
	OutcomeDispatchRequested
	OutcomeDispatchFailed
	OutcomeAlreadyProcessing
	OutcomeAlreadyDone
)

func (o DispatchOutcome) String() string {
	switch o {
	case OutcomeNotEligible:
		return "not-eligible"
	case OutcomeDispatchRequested:
		return "dispatch-requested"
	case OutcomeDispatchFailed:
		return "dispatch-failed"
	case OutcomeAlreadyProcessing:
		return "already-processing"
	case OutcomeAlreadyDone:
		return "already-done"
	default:
		return fmt.Sprintf("DispatchOutcome(%d)", int(o))
	}
}

// MarshalText encodes the outcome by name
func (o DispatchOutcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// DispatchResult describes what happened to one event
type DispatchResult struct {
	RequestID string          `json:"request_id,omitempty"`
	Row       int             `json:"row"`
	Company   string          `json:"company,omitempty"`
	Outcome   DispatchOutcome `json:"outcome"`
	Marker    string          `json:"marker,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

// Trigger is the downstream report backend
type Trigger interface {
	Process(ctx context.Context, req trigger.Request) (trigger.Response, error)
}

// DispatchJournal records dispatch decisions
type DispatchJournal interface {
	RecordDispatch(ev ChangeEvent, res DispatchResult) error
}

// DispatcherConfig is fixed at construction
type DispatcherConfig struct {
	CompanyColumn string
	StatusColumn  string
	MarkerColumn  string
	TargetStatus  string
}

// Dispatcher sends a row to the report backend at most once. The tracking
// cell is the gate: once it holds any text the row is never sent again until
// an operator clears it.
type Dispatcher struct {
	source    SheetSource
	tracker   *RowStateTracker
	trigger   Trigger
	journal   DispatchJournal
	cfg       DispatcherConfig
	companyAt int
	statusAt  int
	markerAt  int
	now       func() time.Time
}

// NewDispatcher creates a dispatcher. journal may be nil.
func NewDispatcher(source SheetSource, trig Trigger, journal DispatchJournal, cfg DispatcherConfig) (*Dispatcher, error) {
	companyAt, err := config.ColumnIndex(cfg.CompanyColumn)
	if err != nil {
		return nil, fmt.Errorf("company column: %w", err)
	}
	statusAt, err := config.ColumnIndex(cfg.StatusColumn)
	if err != nil {
		return nil, fmt.Errorf("status column: %w", err)
	}
	markerAt, err := config.ColumnIndex(cfg.MarkerColumn)
	if err != nil {
		return nil, fmt.Errorf("marker column: %w", err)
	}

	return &Dispatcher{
		source:    source,
		tracker:   NewRowStateTracker(source, cfg.MarkerColumn),
		trigger:   trig,
		journal:   journal,
		cfg:       cfg,
		companyAt: companyAt,
		statusAt:  statusAt,
		markerAt:  markerAt,
		now:       time.Now,
	}, nil
}

// Tracker returns the tracker for the dispatch column
func (d *Dispatcher) Tracker() *RowStateTracker {
	return d.tracker
}

// Eligibility applies the dispatch predicate to the three gate cells
func Eligibility(company, status, target string, marker DispatchState) (DispatchOutcome, string) {
	switch {
	case company == "":
		return OutcomeNotEligible, "missing company name"
	case status != target:
		return OutcomeNotEligible, fmt.Sprintf("status is %q", status)
	case marker.Kind == MarkerInProgress:
		return OutcomeAlreadyProcessing, "marker is " + marker.Text
	case marker.Handled():
		return OutcomeAlreadyDone, "marker is " + marker.Text
	}
	return OutcomeDispatchRequested, ""
}

// Handle processes one change event. Downstream failures are written to the
// tracking cell and reported in the result; an error is returned only when the
// sheet could not be read or the marker could not be written.
func (d *Dispatcher) Handle(ctx context.Context, ev ChangeEvent) (DispatchResult, error) {
	res := DispatchResult{Row: ev.Row, Outcome: OutcomeNotEligible}

	if ev.Row <= 1 {
		res.Reason = "header row"
		slog.Debug("Ignoring edit on header row", "row", ev.Row)
		return res, nil
	}
	if (ev.SpreadsheetID != "" && ev.SpreadsheetID != d.source.SpreadsheetID()) ||
		(ev.Worksheet != "" && ev.Worksheet != d.source.Worksheet()) {
		res.Reason = "edit is for a different sheet"
		slog.Debug("Ignoring edit on other sheet", "spreadsheet", ev.SpreadsheetID, "worksheet", ev.Worksheet)
		return res, nil
	}
	ev.SpreadsheetID = d.source.SpreadsheetID()
	ev.Worksheet = d.source.Worksheet()

	headers, values, err := d.source.ReadRow(ctx, ev.Row)
	if err != nil {
		return res, fmt.Errorf("reading row %d: %w", ev.Row, err)
	}

	res.Company = CellText(cellAt(values, d.companyAt))
	status := statusText(cellAt(values, d.statusAt))
	marker := ParseMarker(CellText(cellAt(values, d.markerAt)))

	res.Outcome, res.Reason = Eligibility(res.Company, status, d.cfg.TargetStatus, marker)
	if res.Outcome != OutcomeDispatchRequested {
		res.Marker = marker.Text
		slog.Info("Row not dispatched", "row", ev.Row, "company", res.Company, "outcome", res.Outcome, "reason", res.Reason)
		d.record(ev, res)
		return res, nil
	}

	res.RequestID = uuid.NewString()
	slog.Info("Dispatching row", "row", ev.Row, "company", res.Company, "request_id", res.RequestID, "source", ev.Source)

	resp, callErr := d.trigger.Process(ctx, trigger.Request{
		SheetID:       d.source.SpreadsheetID(),
		WorksheetName: d.source.Worksheet(),
		CompanyName:   res.Company,
		RowNumber:     ev.Row,
		CompanyData:   RowData(headers, values),
		TriggerSource: trigger.SourceLabel,
		Timestamp:     d.now().UTC().Format(time.RFC3339Nano),
		RequestID:     res.RequestID,
	})

	switch {
	case callErr != nil:
		res.Outcome = OutcomeDispatchFailed
		res.Reason = callErr.Error()
		res.Marker = ErrorMarker(callErr.Error())
		slog.Error("Dispatch call failed", "row", ev.Row, "company", res.Company, "error", callErr)
	case !resp.Success:
		res.Outcome = OutcomeDispatchFailed
		res.Reason = resp.Error
		res.Marker = FailedMarker(resp.Error)
		slog.Warn("Dispatch rejected", "row", ev.Row, "company", res.Company, "error", resp.Error)
	default:
		res.Marker = MarkerProcessing
		slog.Info("Dispatch accepted", "row", ev.Row, "company", res.Company)
	}

	// The dispatch may have used up ctx; the marker must still land or the row
	// would be sent again on the next edit.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), MarkerWriteTimeout)
	defer cancel()
	if err := d.tracker.Write(writeCtx, ev.Row, res.Marker); err != nil {
		d.record(ev, res)
		return res, fmt.Errorf("writing marker for row %d: %w", ev.Row, err)
	}
	d.record(ev, res)
	return res, nil
}

// statusText keeps status strings exactly as typed so only an exact match
// with the target status dispatches
func statusText(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return CellText(v)
}

func (d *Dispatcher) record(ev ChangeEvent, res DispatchResult) {
	if d.journal == nil {
		return
	}
	if err := d.journal.RecordDispatch(ev, res); err != nil {
		slog.Warn("Failed to record dispatch event", "row", res.Row, "error", err)
	}
}
