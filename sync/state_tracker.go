package sync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Marker text written into the tracking column
const (
	MarkerProcessing      = "Processing…"
	markerProcessingASCII = "Processing..."
	failedPrefix          = "Failed: "
	errorPrefix           = "Error: "
	unknownReason         = "Unknown error"
)

// MarkerKind classifies the text found in a tracking cell
type MarkerKind int

// Marker kinds. Anything that is not blank counts as handled.
const (
	MarkerBlank MarkerKind = iota
	MarkerInProgress
	MarkerFailed
	MarkerError
	MarkerDone
)

func (k MarkerKind) String() string {
	switch k {
	case MarkerBlank:
		return "blank"
	case MarkerInProgress:
		return "processing"
	case MarkerFailed:
		return "failed"
	case MarkerError:
		return "error"
	case MarkerDone:
		return "done"
	default:
		return fmt.Sprintf("MarkerKind(%d)", int(k))
	}
}

// DispatchState is the parsed form of a tracking cell
type DispatchState struct {
	Kind   MarkerKind
	Reason string
	Text   string
}

// Handled reports whether the row must not be dispatched again
func (s DispatchState) Handled() bool {
	return s.Kind != MarkerBlank
}

// ParseMarker classifies tracking cell text. The report backend writes its own
// vocabulary ("yes", "failed: ...") into the same cell.
func ParseMarker(text string) DispatchState {
	trimmed := strings.TrimSpace(text)
	state := DispatchState{Text: text}

	lower := strings.ToLower(trimmed)
	switch {
	case trimmed == "":
		state.Kind = MarkerBlank
	case trimmed == MarkerProcessing || trimmed == markerProcessingASCII:
		state.Kind = MarkerInProgress
	case strings.HasPrefix(lower, strings.ToLower(failedPrefix)):
		state.Kind = MarkerFailed
		state.Reason = strings.TrimSpace(trimmed[len(failedPrefix):])
	case strings.HasPrefix(lower, strings.ToLower(errorPrefix)):
		state.Kind = MarkerError
		state.Reason = strings.TrimSpace(trimmed[len(errorPrefix):])
	default:
		state.Kind = MarkerDone
	}
	return state
}

// FailedMarker is written when the backend refuses a dispatch
func FailedMarker(reason string) string {
	return failedPrefix + reasonOrDefault(reason)
}

// ErrorMarker is written when the dispatch call itself fails
func ErrorMarker(reason string) string {
	return errorPrefix + reasonOrDefault(reason)
}

func reasonOrDefault(reason string) string {
	reason = strings.Join(strings.Fields(reason), " ")
	if reason == "" {
		return unknownReason
	}
	return reason
}

// CellStore reads and writes single cells
type CellStore interface {
	ReadCell(ctx context.Context, row int, column string) (string, error)
	WriteCell(ctx context.Context, row int, column, value string) error
}

// RowStateTracker owns the tracking column. The cell is the only record of
// whether a row has been dispatched; there is no retry or expiry.
type RowStateTracker struct {
	cells  CellStore
	column string
}

// NewRowStateTracker creates a tracker for the given column letters
func NewRowStateTracker(cells CellStore, column string) *RowStateTracker {
	return &RowStateTracker{cells: cells, column: column}
}

// Column returns the tracking column letters
func (t *RowStateTracker) Column() string {
	return t.column
}

// Read returns the raw marker text for a row
func (t *RowStateTracker) Read(ctx context.Context, row int) (string, error) {
	return t.cells.ReadCell(ctx, row, t.column)
}

// State reads and parses the marker for a row
func (t *RowStateTracker) State(ctx context.Context, row int) (DispatchState, error) {
	text, err := t.Read(ctx, row)
	if err != nil {
		return DispatchState{}, err
	}
	return ParseMarker(text), nil
}

// Write stores marker text for a row
func (t *RowStateTracker) Write(ctx context.Context, row int, marker string) error {
	return t.cells.WriteCell(ctx, row, t.column, marker)
}

// Reset clears the marker so the row can be dispatched again
func (t *RowStateTracker) Reset(ctx context.Context, row int) (previous string, err error) {
	if row <= 1 {
		return "", fmt.Errorf("row %d is the header row", row)
	}
	previous, err = t.Read(ctx, row)
	if err != nil {
		return "", err
	}
	if err := t.Write(ctx, row, ""); err != nil {
		return previous, err
	}
	slog.Info("Cleared dispatch marker", "row", row, "previous", previous)
	return previous, nil
}
