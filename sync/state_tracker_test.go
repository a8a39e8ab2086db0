package sync

import (
	"context"
	"testing"
)

func TestParseMarker(t *testing.T) {
	tests := []struct {
		text   string
		kind   MarkerKind
		reason string
	}{
		{"", MarkerBlank, ""},
		{"   ", MarkerBlank, ""},
		{"Processing…", MarkerInProgress, ""},
		{"Processing...", MarkerInProgress, ""},
		{"Failed: company not found", MarkerFailed, "company not found"},
		{"failed: PDF render crashed", MarkerFailed, "PDF render crashed"},
		{"Error: connection refused", MarkerError, "connection refused"},
		{"yes", MarkerDone, ""},
		{"Done 2024-03-05", MarkerDone, ""},
	}
	for _, tt := range tests {
		got := ParseMarker(tt.text)
		if got.Kind != tt.kind || got.Reason != tt.reason {
			t.Errorf("ParseMarker(%q) = %v/%q, want %v/%q", tt.text, got.Kind, got.Reason, tt.kind, tt.reason)
		}
		if got.Handled() != (tt.kind != MarkerBlank) {
			t.Errorf("ParseMarker(%q).Handled() = %v", tt.text, got.Handled())
		}
	}
}

func TestMarkerFormatting(t *testing.T) {
	tests := []struct {
		got  string
		want string
	}{
		{FailedMarker("company not found"), "Failed: company not found"},
		{FailedMarker(""), "Failed: Unknown error"},
		{ErrorMarker("dial tcp: refused"), "Error: dial tcp: refused"},
		{ErrorMarker("line one\nline two"), "Error: line one line two"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}

	// Written markers parse back to their kinds
	if ParseMarker(FailedMarker("x")).Kind != MarkerFailed {
		t.Error("FailedMarker does not parse as failed")
	}
	if ParseMarker(ErrorMarker("x")).Kind != MarkerError {
		t.Error("ErrorMarker does not parse as error")
	}
	if ParseMarker(MarkerProcessing).Kind != MarkerInProgress {
		t.Error("processing marker does not parse as in progress")
	}
}

func TestRowStateTracker_ReadWriteReset(t *testing.T) {
	sheet := NewMockSheetSource([]string{"Company", "Status"})
	sheet.AddRow("Acme", "Reviewed - Promising")
	tracker := NewRowStateTracker(sheet, "CV")
	ctx := context.Background()

	if err := tracker.Write(ctx, 2, "Processing…"); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	state, err := tracker.State(ctx, 2)
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if state.Kind != MarkerInProgress {
		t.Errorf("Kind = %v", state.Kind)
	}

	prev, err := tracker.Reset(ctx, 2)
	if err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if prev != "Processing…" {
		t.Errorf("previous = %q", prev)
	}
	if text, _ := tracker.Read(ctx, 2); text != "" {
		t.Errorf("marker after reset = %q", text)
	}

	if _, err := tracker.Reset(ctx, 1); err == nil {
		t.Error("expected error resetting the header row")
	}
}
