package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
	if cfg.Sync.BatchSize != 10 {
		t.Errorf("BatchSize = %d, want 10", cfg.Sync.BatchSize)
	}
	if cfg.Sync.BatchPause != 500*time.Millisecond {
		t.Errorf("BatchPause = %v, want 500ms", cfg.Sync.BatchPause)
	}
	if cfg.Dispatch.TargetStatus != "Reviewed - Promising" {
		t.Errorf("TargetStatus = %q", cfg.Dispatch.TargetStatus)
	}
	if got := cfg.FieldMapping["Problem Statement Commentary"]; got != "Problem Commentary" {
		t.Errorf("FieldMapping[Problem Statement Commentary] = %q, want %q", got, "Problem Commentary")
	}
	if len(cfg.FieldMapping) != 20 {
		t.Errorf("len(FieldMapping) = %d, want 20", len(cfg.FieldMapping))
	}
}

func TestParse_OverridesDefaults(t *testing.T) {
	doc := `
airtable:
  base_id: appXYZ
  api_delay: 250ms
sync:
  batch_size: 25
  batch_pause: 1s
  create_new: false
dispatch:
  marker_column: CX
sheet:
  date_columns: ["Founded", "Last Contact"]
field_mapping:
  Company: Company Name
  Stage: Status
`
	cfg, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Airtable.BaseID != "appXYZ" {
		t.Errorf("BaseID = %q", cfg.Airtable.BaseID)
	}
	if cfg.Airtable.APIDelay != 250*time.Millisecond {
		t.Errorf("APIDelay = %v", cfg.Airtable.APIDelay)
	}
	if cfg.Airtable.TableName != "Companies" {
		t.Errorf("TableName default lost: %q", cfg.Airtable.TableName)
	}
	if cfg.Sync.BatchSize != 25 || cfg.Sync.BatchPause != time.Second {
		t.Errorf("Sync = %+v", cfg.Sync)
	}
	if cfg.Sync.CreateNew {
		t.Error("CreateNew should be false")
	}
	if !cfg.Sync.UpdateExisting {
		t.Error("UpdateExisting default should survive partial sync block")
	}
	if cfg.Dispatch.MarkerColumn != "CX" || cfg.Dispatch.CompanyColumn != "A" {
		t.Errorf("Dispatch = %+v", cfg.Dispatch)
	}
	if len(cfg.Sheet.DateColumns) != 2 {
		t.Errorf("DateColumns = %v", cfg.Sheet.DateColumns)
	}
	if len(cfg.FieldMapping) != 2 || cfg.FieldMapping["Stage"] != "Status" {
		t.Errorf("FieldMapping should be replaced wholesale, got %v", cfg.FieldMapping)
	}
}

func TestParse_EmptyDocumentKeepsDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(nil) error = %v", err)
	}
	if len(cfg.FieldMapping) != 20 {
		t.Errorf("len(FieldMapping) = %d, want 20", len(cfg.FieldMapping))
	}
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("sync:\n  batchsize: 5\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"zero batch", func(c *Config) { c.Sync.BatchSize = 0 }, "batch_size"},
		{"bad marker column", func(c *Config) { c.Dispatch.MarkerColumn = "C1" }, "marker_column"},
		{"unmapped unique field", func(c *Config) { c.Sync.UniqueField = "Ticker" }, "unique field"},
		{"zero queue", func(c *Config) { c.Dispatch.QueueSize = 0 }, "queue_size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reportsync.yaml")
	if err := os.WriteFile(path, []byte("airtable:\n  base_id: fromfile\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv(envConfigFile, path)
	t.Setenv(envAirtableBase, "fromenv")
	t.Setenv(envAirtableKey, "key123")
	t.Setenv(envAbortOnIndex, "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Airtable.BaseID != "fromenv" {
		t.Errorf("BaseID = %q, want env override", cfg.Airtable.BaseID)
	}
	if !cfg.Sync.AbortOnIndexError {
		t.Error("AbortOnIndexError should come from env")
	}
	if !cfg.RemoteConfigured() {
		t.Error("RemoteConfigured() should be true")
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	t.Setenv(envConfigFile, filepath.Join(t.TempDir(), "nope.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestColumnIndex(t *testing.T) {
	tests := []struct {
		letters string
		want    int
	}{
		{"A", 0},
		{"B", 1},
		{"Z", 25},
		{"AA", 26},
		{"cv", 99},
	}
	for _, tt := range tests {
		got, err := ColumnIndex(tt.letters)
		if err != nil {
			t.Fatalf("ColumnIndex(%q) error = %v", tt.letters, err)
		}
		if got != tt.want {
			t.Errorf("ColumnIndex(%q) = %d, want %d", tt.letters, got, tt.want)
		}
		if back := ColumnLetter(got); back != strings.ToUpper(tt.letters) {
			t.Errorf("ColumnLetter(%d) = %q, want %q", got, back, strings.ToUpper(tt.letters))
		}
	}

	for _, bad := range []string{"", "1", "A-"} {
		if _, err := ColumnIndex(bad); err == nil {
			t.Errorf("ColumnIndex(%q) expected error", bad)
		}
	}
}
