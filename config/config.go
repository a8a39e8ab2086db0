// Package config builds the immutable configuration shared by the sweep and dispatch paths.
//
// Values come from an optional YAML file, then environment variables, then
// validation. The resulting Config is passed by value into constructors and is
// never read from ambient state afterwards.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	envConfigFile     = "REPORTSYNC_CONFIG"
	envAirtableKey    = "AIRTABLE_API_KEY"
	envAirtableBase   = "AIRTABLE_BASE_ID"
	envAirtableTable  = "AIRTABLE_TABLE_NAME"
	envSpreadsheet    = "GOOGLE_SHEETS_SPREADSHEET_ID"
	envWorksheet      = "GOOGLE_SHEETS_WORKSHEET"
	envKeyFile        = "GOOGLE_SERVICE_ACCOUNT_KEY_FILE"
	envReportEndpoint = "REPORT_API_ENDPOINT"
	envWebhookToken   = "DISPATCH_WEBHOOK_TOKEN"
	envSchedule       = "SYNC_SCHEDULE"
	envAbortOnIndex   = "SYNC_ABORT_ON_INDEX_ERROR"

	defaultConfigFile = "reportsync.yaml"
)

// Config is the complete runtime configuration
type Config struct {
	Airtable AirtableConfig `yaml:"airtable"`
	Sheet    SheetConfig    `yaml:"sheet"`
	Sync     SyncConfig     `yaml:"sync"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Schedule ScheduleConfig `yaml:"schedule"`

	// FieldMapping maps source sheet headers to remote store field names
	FieldMapping map[string]string `yaml:"field_mapping"`
}

// AirtableConfig identifies the remote record store
type AirtableConfig struct {
	BaseURL   string        `yaml:"base_url"`
	BaseID    string        `yaml:"base_id"`
	TableName string        `yaml:"table_name"`
	APIKey    string        `yaml:"api_key"`
	APIDelay  time.Duration `yaml:"api_delay"`
	Timeout   time.Duration `yaml:"timeout"`
}

// SheetConfig identifies the source spreadsheet
type SheetConfig struct {
	SpreadsheetID string   `yaml:"spreadsheet_id"`
	Worksheet     string   `yaml:"worksheet"`
	KeyFile       string   `yaml:"key_file"`
	DateColumns   []string `yaml:"date_columns"`
}

// SyncConfig controls reconciliation sweeps
type SyncConfig struct {
	BatchSize         int           `yaml:"batch_size"`
	BatchPause        time.Duration `yaml:"batch_pause"`
	UniqueField       string        `yaml:"unique_field"`
	CreateNew         bool          `yaml:"create_new"`
	UpdateExisting    bool          `yaml:"update_existing"`
	SkipHeaderRow     bool          `yaml:"skip_header_row"`
	AbortOnIndexError bool          `yaml:"abort_on_index_error"`
}

// DispatchConfig controls the edit-triggered dispatch path
type DispatchConfig struct {
	Endpoint      string        `yaml:"endpoint"`
	CompanyColumn string        `yaml:"company_column"`
	StatusColumn  string        `yaml:"status_column"`
	MarkerColumn  string        `yaml:"marker_column"`
	TargetStatus  string        `yaml:"target_status"`
	WebhookToken  string        `yaml:"webhook_token"`
	QueueSize     int           `yaml:"queue_size"`
	Timeout       time.Duration `yaml:"timeout"`
}

// ScheduleConfig controls cron jobs
type ScheduleConfig struct {
	Sweep         string `yaml:"sweep"`
	Prune         string `yaml:"prune"`
	RetentionDays int    `yaml:"retention_days"`
}

// DefaultFieldMapping is the sheet header to remote field table used when none is configured
func DefaultFieldMapping() map[string]string {
	return map[string]string{
		"Company Name":                 "Company Name",
		"Status":                       "Status",
		"Website":                      "Website",
		"Problem Statement":            "Problem Statement",
		"Problem Statement Commentary": "Problem Commentary",
		"Problem Statement Score":      "Problem Score",
		"Industry":                     "Industry",
		"Competitors":                  "Competitors",
		"Target Audience":              "Target Audience",
		"MVP":                          "MVP Status",
		"Progress":                     "Product Progress",
		"Founder Fit":                  "Founder Fit",
		"Team Growth":                  "Team Growth",
		"Traction":                     "Traction",
		"Pricing":                      "Pricing Model",
		"Location":                     "Location",
		"PDF_URL":                      "PDF URL",
		"One-Pager":                    "One-Pager Link",
		"Deep-Dive":                    "Deep-Dive Link",
		"Generated":                    "Reports Generated",
	}
}

// Default returns a configuration with every optional value filled in
func Default() Config {
	return Config{
		Airtable: AirtableConfig{
			BaseURL:   "https://api.airtable.com",
			TableName: "Companies",
			APIDelay:  200 * time.Millisecond,
			Timeout:   30 * time.Second,
		},
		Sheet: SheetConfig{
			Worksheet: "Sheet1",
			KeyFile:   "google_sheets.json",
		},
		Sync: SyncConfig{
			BatchSize:      10,
			BatchPause:     500 * time.Millisecond,
			UniqueField:    "Company Name",
			CreateNew:      true,
			UpdateExisting: true,
			SkipHeaderRow:  true,
		},
		Dispatch: DispatchConfig{
			CompanyColumn: "A",
			StatusColumn:  "B",
			MarkerColumn:  "CV",
			TargetStatus:  "Reviewed - Promising",
			QueueSize:     64,
			Timeout:       60 * time.Second,
		},
		Schedule: ScheduleConfig{
			Sweep:         "*/15 * * * *",
			Prune:         "0 3 * * *",
			RetentionDays: 7,
		},
		FieldMapping: DefaultFieldMapping(),
	}
}

// Load reads the config file named by REPORTSYNC_CONFIG (or reportsync.yaml when
// present), applies environment overrides and validates the result.
func Load() (Config, error) {
	path := strings.TrimSpace(os.Getenv(envConfigFile))
	explicit := path != ""
	if !explicit {
		path = defaultConfigFile
	}

	cfg := Default()
	data, err := os.ReadFile(path) //nolint:gosec // path is operator-controlled
	switch {
	case err == nil:
		if cfg, err = Parse(data); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
		// no file: defaults + environment
	default:
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults, rejecting unknown keys
func Parse(data []byte) (Config, error) {
	cfg := Default()
	fileMapping := cfg.FieldMapping
	cfg.FieldMapping = nil

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if len(cfg.FieldMapping) == 0 {
		cfg.FieldMapping = fileMapping
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Airtable.APIKey, envAirtableKey)
	setString(&c.Airtable.BaseID, envAirtableBase)
	setString(&c.Airtable.TableName, envAirtableTable)
	setString(&c.Sheet.SpreadsheetID, envSpreadsheet)
	setString(&c.Sheet.Worksheet, envWorksheet)
	setString(&c.Sheet.KeyFile, envKeyFile)
	setString(&c.Dispatch.Endpoint, envReportEndpoint)
	setString(&c.Dispatch.WebhookToken, envWebhookToken)
	setString(&c.Schedule.Sweep, envSchedule)

	if v := strings.TrimSpace(os.Getenv(envAbortOnIndex)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Sync.AbortOnIndexError = b
		}
	}
}

func setString(dst *string, env string) {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		*dst = v
	}
}

// Validate checks invariants every component relies on
func (c Config) Validate() error {
	var problems []string

	if c.Sync.BatchSize < 1 {
		problems = append(problems, "sync.batch_size must be at least 1")
	}
	if c.Sync.BatchPause < 0 {
		problems = append(problems, "sync.batch_pause must not be negative")
	}
	if strings.TrimSpace(c.Sync.UniqueField) == "" {
		problems = append(problems, "sync.unique_field is required")
	}
	if !c.mapsTo(c.Sync.UniqueField) {
		problems = append(problems, fmt.Sprintf("field_mapping has no header mapped to unique field %q", c.Sync.UniqueField))
	}
	for name, col := range map[string]string{
		"dispatch.company_column": c.Dispatch.CompanyColumn,
		"dispatch.status_column":  c.Dispatch.StatusColumn,
		"dispatch.marker_column":  c.Dispatch.MarkerColumn,
	} {
		if _, err := ColumnIndex(col); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", name, err))
		}
	}
	if c.Dispatch.QueueSize < 1 {
		problems = append(problems, "dispatch.queue_size must be at least 1")
	}
	if c.Schedule.RetentionDays < 1 {
		problems = append(problems, "schedule.retention_days must be at least 1")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c Config) mapsTo(field string) bool {
	for _, remote := range c.FieldMapping {
		if remote == field {
			return true
		}
	}
	return false
}

// RemoteConfigured reports whether the remote store credentials are present
func (c Config) RemoteConfigured() bool {
	return c.Airtable.APIKey != "" && c.Airtable.BaseID != "" && c.Airtable.TableName != ""
}

// SheetConfigured reports whether a source spreadsheet is configured
func (c Config) SheetConfigured() bool {
	return c.Sheet.SpreadsheetID != ""
}

// ColumnIndex converts a column letter ("A", "CV") to a zero-based index
func ColumnIndex(letters string) (int, error) {
	letters = strings.ToUpper(strings.TrimSpace(letters))
	if letters == "" {
		return 0, fmt.Errorf("empty column letter")
	}
	n := 0
	for _, r := range letters {
		if r < 'A' || r > 'Z' {
			return 0, fmt.Errorf("invalid column letter %q", letters)
		}
		n = n*26 + int(r-'A'+1)
	}
	return n - 1, nil
}

// ColumnLetter converts a zero-based index back to its column letters
func ColumnLetter(index int) string {
	n := index + 1
	var out []byte
	for n > 0 {
		n--
		out = append([]byte{byte('A' + n%26)}, out...)
		n /= 26
	}
	return string(out)
}
