package sync

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/axl/reportsync/ratelimit"
	"google.golang.org/api/sheets/v4"
)

// SheetRow is one data row with its 1-based sheet row number
type SheetRow struct {
	Number int
	Values []interface{}
}

// Table is a worksheet read in one call
type Table struct {
	Headers []string
	Rows    []SheetRow
}

// Row returns the row with the given sheet row number
func (t *Table) Row(number int) (SheetRow, bool) {
	for _, r := range t.Rows {
		if r.Number == number {
			return r, true
		}
	}
	return SheetRow{}, false
}

// SheetSource is access to the source worksheet (enables mocking)
type SheetSource interface {
	SpreadsheetID() string
	Worksheet() string
	ReadTable(ctx context.Context) (*Table, error)
	ReadRow(ctx context.Context, row int) (headers []string, values []interface{}, err error)
	ReadCell(ctx context.Context, row int, column string) (string, error)
	WriteCell(ctx context.Context, row int, column, value string) error
}

// Cells are read unformatted so numbers arrive as numbers and dates as serials
const (
	valueRender    = "UNFORMATTED_VALUE"
	dateTimeRender = "SERIAL_NUMBER"
)

// Date columns are found from the number format of the first data rows
const (
	dateSampleRows = 50
	dateFormatMask = "sheets(data(startColumn,rowData(values(effectiveFormat(numberFormat(type))))))"
)

// Spreadsheet serial day 0
var serialEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

// SheetsConfig identifies the worksheet read by SheetsAPISource
type SheetsConfig struct {
	SpreadsheetID string
	Worksheet     string
	SkipHeaderRow bool
	DateColumns   []string
	RateLimit     *ratelimit.Config
}

// SheetsAPISource implements SheetSource using the Google Sheets API
type SheetsAPISource struct {
	service     *sheets.Service
	cfg         SheetsConfig
	dateColumns map[string]bool
	limiter     *ratelimit.RateLimiter
}

// NewSheetsAPISource creates a sheet source
func NewSheetsAPISource(service *sheets.Service, cfg SheetsConfig) *SheetsAPISource {
	dates := make(map[string]bool, len(cfg.DateColumns))
	for _, c := range cfg.DateColumns {
		dates[strings.TrimSpace(c)] = true
	}
	return &SheetsAPISource{
		service:     service,
		cfg:         cfg,
		dateColumns: dates,
		limiter:     ratelimit.NewRateLimiter(cfg.RateLimit),
	}
}

// SpreadsheetID returns the spreadsheet this source reads
func (s *SheetsAPISource) SpreadsheetID() string { return s.cfg.SpreadsheetID }

// Worksheet returns the worksheet (tab) name
func (s *SheetsAPISource) Worksheet() string { return s.cfg.Worksheet }

// ReadTable reads the whole worksheet. The first row supplies headers; it is
// also returned as data when SkipHeaderRow is off.
func (s *SheetsAPISource) ReadTable(ctx context.Context) (*Table, error) {
	var values [][]interface{}
	err := s.limiter.ExecuteWithRetry(ctx, func() error {
		resp, err := s.service.Spreadsheets.Values.Get(s.cfg.SpreadsheetID, quoteSheet(s.cfg.Worksheet)).
			ValueRenderOption(valueRender).
			DateTimeRenderOption(dateTimeRender).
			Context(ctx).Do()
		if err != nil {
			return err
		}
		values = resp.Values
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading worksheet %s: %w", s.cfg.Worksheet, err)
	}
	if len(values) == 0 {
		return BuildTable(values, s.cfg.SkipHeaderRow, s.dateColumns), nil
	}
	headers := headerStrings(values[0])
	last := len(values)
	if last > dateSampleRows+1 {
		last = dateSampleRows + 1
	}
	return BuildTable(values, s.cfg.SkipHeaderRow, s.dateHeaders(ctx, headers, 2, last)), nil
}

// ReadRow reads the header row and one data row in a single call
func (s *SheetsAPISource) ReadRow(ctx context.Context, row int) ([]string, []interface{}, error) {
	if row < 1 {
		return nil, nil, fmt.Errorf("invalid row number %d", row)
	}
	sheet := quoteSheet(s.cfg.Worksheet)

	var ranges []*sheets.ValueRange
	err := s.limiter.ExecuteWithRetry(ctx, func() error {
		resp, err := s.service.Spreadsheets.Values.BatchGet(s.cfg.SpreadsheetID).
			Ranges(sheet+"!1:1", fmt.Sprintf("%s!%d:%d", sheet, row, row)).
			ValueRenderOption(valueRender).
			DateTimeRenderOption(dateTimeRender).
			Context(ctx).Do()
		if err != nil {
			return err
		}
		ranges = resp.ValueRanges
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("reading row %d: %w", row, err)
	}

	var headerRow, valueRow []interface{}
	if len(ranges) > 0 && ranges[0] != nil && len(ranges[0].Values) > 0 {
		headerRow = ranges[0].Values[0]
	}
	if len(ranges) > 1 && ranges[1] != nil && len(ranges[1].Values) > 0 {
		valueRow = ranges[1].Values[0]
	}

	headers := headerStrings(headerRow)
	if len(valueRow) == 0 {
		return headers, valueRow, nil
	}
	return headers, decodeDates(headers, valueRow, s.dateHeaders(ctx, headers, row, row)), nil
}

// dateHeaders returns the configured date columns plus every column whose
// cells in rows first..last are formatted as a date. A failed lookup falls
// back to the configured columns.
func (s *SheetsAPISource) dateHeaders(ctx context.Context, headers []string, first, last int) map[string]bool {
	if first > last {
		return s.dateColumns
	}
	a1 := fmt.Sprintf("%s!%d:%d", quoteSheet(s.cfg.Worksheet), first, last)

	var resp *sheets.Spreadsheet
	err := s.limiter.ExecuteWithRetry(ctx, func() error {
		var err error
		resp, err = s.service.Spreadsheets.Get(s.cfg.SpreadsheetID).
			Ranges(a1).
			Fields(dateFormatMask).
			Context(ctx).Do()
		return err
	})
	if err != nil {
		slog.Warn("Failed to read number formats, using configured date columns", "range", a1, "error", err)
		return s.dateColumns
	}

	detected := dateFormattedColumns(resp)
	if len(detected) == 0 {
		return s.dateColumns
	}
	out := make(map[string]bool, len(s.dateColumns)+len(detected))
	for h := range s.dateColumns {
		out[h] = true
	}
	for idx := range detected {
		if idx < len(headers) && headers[idx] != "" {
			out[headers[idx]] = true
		}
	}
	return out
}

// dateFormattedColumns returns the 0-based indexes of columns holding at
// least one DATE or DATE_TIME formatted cell
func dateFormattedColumns(ss *sheets.Spreadsheet) map[int]bool {
	cols := make(map[int]bool)
	if ss == nil {
		return cols
	}
	for _, sh := range ss.Sheets {
		if sh == nil {
			continue
		}
		for _, grid := range sh.Data {
			if grid == nil {
				continue
			}
			for _, rd := range grid.RowData {
				if rd == nil {
					continue
				}
				for i, cell := range rd.Values {
					if cell == nil || cell.EffectiveFormat == nil || cell.EffectiveFormat.NumberFormat == nil {
						continue
					}
					switch cell.EffectiveFormat.NumberFormat.Type {
					case "DATE", "DATE_TIME":
						cols[int(grid.StartColumn)+i] = true
					}
				}
			}
		}
	}
	return cols
}

// ReadCell reads a single cell as text
func (s *SheetsAPISource) ReadCell(ctx context.Context, row int, column string) (string, error) {
	a1 := fmt.Sprintf("%s!%s%d", quoteSheet(s.cfg.Worksheet), column, row)

	var text string
	err := s.limiter.ExecuteWithRetry(ctx, func() error {
		resp, err := s.service.Spreadsheets.Values.Get(s.cfg.SpreadsheetID, a1).
			ValueRenderOption("FORMATTED_VALUE").
			Context(ctx).Do()
		if err != nil {
			return err
		}
		text = ""
		if len(resp.Values) > 0 && len(resp.Values[0]) > 0 {
			text = CellText(resp.Values[0][0])
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("reading cell %s: %w", a1, err)
	}
	return text, nil
}

// WriteCell writes a single cell as raw text
func (s *SheetsAPISource) WriteCell(ctx context.Context, row int, column, value string) error {
	a1 := fmt.Sprintf("%s!%s%d", quoteSheet(s.cfg.Worksheet), column, row)
	valueRange := &sheets.ValueRange{
		Values: [][]interface{}{{value}},
	}

	err := s.limiter.ExecuteWithRetry(ctx, func() error {
		_, err := s.service.Spreadsheets.Values.Update(s.cfg.SpreadsheetID, a1, valueRange).
			ValueInputOption("RAW").
			Context(ctx).Do()
		return err
	})
	if err != nil {
		return fmt.Errorf("writing cell %s: %w", a1, err)
	}
	return nil
}

// BuildTable turns raw worksheet values into a Table
func BuildTable(values [][]interface{}, skipHeader bool, dateColumns map[string]bool) *Table {
	table := &Table{}
	if len(values) == 0 {
		return table
	}
	table.Headers = headerStrings(values[0])

	start := 0
	if skipHeader {
		start = 1
	}
	for i := start; i < len(values); i++ {
		table.Rows = append(table.Rows, SheetRow{
			Number: i + 1,
			Values: decodeDates(table.Headers, values[i], dateColumns),
		})
	}
	return table
}

func headerStrings(row []interface{}) []string {
	headers := make([]string, len(row))
	for i, v := range row {
		headers[i] = CellText(v)
	}
	return headers
}

// decodeDates replaces serial numbers in date columns with dates
func decodeDates(headers []string, row []interface{}, dateColumns map[string]bool) []interface{} {
	if len(dateColumns) == 0 {
		return row
	}
	out := make([]interface{}, len(row))
	copy(out, row)
	for i := 0; i < len(out) && i < len(headers); i++ {
		if !dateColumns[headers[i]] {
			continue
		}
		if serial, ok := out[i].(float64); ok {
			out[i] = SerialToTime(serial)
		}
	}
	return out
}

// SerialToTime converts a spreadsheet serial day number to a UTC time
func SerialToTime(serial float64) time.Time {
	seconds := math.Round(serial * 86400)
	return serialEpoch.Add(time.Duration(seconds) * time.Second)
}

func quoteSheet(name string) string {
	return "'" + strings.ReplaceAll(name, "'", "''") + "'"
}
