package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/axl/reportsync/airtable"
	"github.com/axl/reportsync/config"
	"github.com/axl/reportsync/trigger"
)

// MockSheetSource is an in-memory worksheet. Row 1 holds the headers.
type MockSheetSource struct {
	mu       sync.Mutex
	ID       string
	Tab      string
	rows     [][]interface{}
	ReadErr  error
	WriteErr error
	Writes   int
}

// NewMockSheetSource creates a sheet with a header row
func NewMockSheetSource(headers []string) *MockSheetSource {
	header := make([]interface{}, len(headers))
	for i, h := range headers {
		header[i] = h
	}
	return &MockSheetSource{ID: "sheet123", Tab: "Sheet1", rows: [][]interface{}{header}}
}

// AddRow appends a data row and returns its sheet row number
func (m *MockSheetSource) AddRow(values ...interface{}) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, values)
	return len(m.rows)
}

func (m *MockSheetSource) SpreadsheetID() string { return m.ID }
func (m *MockSheetSource) Worksheet() string     { return m.Tab }

func (m *MockSheetSource) ReadTable(_ context.Context) (*Table, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadErr != nil {
		return nil, m.ReadErr
	}
	return BuildTable(m.copyRows(), true, nil), nil
}

func (m *MockSheetSource) ReadRow(_ context.Context, row int) ([]string, []interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadErr != nil {
		return nil, nil, m.ReadErr
	}
	headers := headerStrings(m.rows[0])
	if row < 1 || row > len(m.rows) {
		return headers, nil, nil
	}
	return headers, append([]interface{}(nil), m.rows[row-1]...), nil
}

func (m *MockSheetSource) ReadCell(_ context.Context, row int, column string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadErr != nil {
		return "", m.ReadErr
	}
	idx, err := config.ColumnIndex(column)
	if err != nil {
		return "", err
	}
	if row < 1 || row > len(m.rows) {
		return "", nil
	}
	return CellText(cellAt(m.rows[row-1], idx)), nil
}

func (m *MockSheetSource) WriteCell(ctx context.Context, row int, column, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.WriteErr != nil {
		return m.WriteErr
	}
	idx, err := config.ColumnIndex(column)
	if err != nil {
		return err
	}
	for len(m.rows) < row {
		m.rows = append(m.rows, nil)
	}
	r := m.rows[row-1]
	for len(r) <= idx {
		r = append(r, nil)
	}
	r[idx] = value
	m.rows[row-1] = r
	m.Writes++
	return nil
}

// Cell returns the text at a row and column
func (m *MockSheetSource) Cell(row int, column string) string {
	text, _ := m.ReadCell(context.Background(), row, column)
	return text
}

func (m *MockSheetSource) copyRows() [][]interface{} {
	out := make([][]interface{}, len(m.rows))
	for i, r := range m.rows {
		out[i] = append([]interface{}(nil), r...)
	}
	return out
}

// fakeRemoteStore is an in-memory remote record store
type fakeRemoteStore struct {
	mu       sync.Mutex
	keyField string
	records  []airtable.Record
	nextID   int
	listErr  error
	failKeys map[string]error
	creates  int
	updates  int
}

func newFakeRemoteStore(keyField string) *fakeRemoteStore {
	return &fakeRemoteStore{keyField: keyField, failKeys: make(map[string]error)}
}

func (f *fakeRemoteStore) seed(keys ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		f.nextID++
		f.records = append(f.records, airtable.Record{
			ID:     fmt.Sprintf("rec%d", f.nextID),
			Fields: map[string]interface{}{f.keyField: k},
		})
	}
}

func (f *fakeRemoteStore) ListRecords(_ context.Context) ([]airtable.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]airtable.Record(nil), f.records...), nil
}

func (f *fakeRemoteStore) CreateRecord(_ context.Context, fields map[string]string) (airtable.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failKeys[fields[f.keyField]]; err != nil {
		return airtable.Record{}, err
	}
	f.nextID++
	rec := airtable.Record{ID: fmt.Sprintf("rec%d", f.nextID), Fields: toFieldMap(fields)}
	f.records = append(f.records, rec)
	f.creates++
	return rec, nil
}

func (f *fakeRemoteStore) UpdateRecord(_ context.Context, id string, fields map[string]string) (airtable.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failKeys[fields[f.keyField]]; err != nil {
		return airtable.Record{}, err
	}
	for i, rec := range f.records {
		if rec.ID != id {
			continue
		}
		merged := make(map[string]interface{}, len(rec.Fields))
		for k, v := range rec.Fields {
			merged[k] = v
		}
		for k, v := range fields {
			merged[k] = v
		}
		f.records[i].Fields = merged
		f.updates++
		return f.records[i], nil
	}
	return airtable.Record{}, &airtable.APIError{Op: "update", StatusCode: 404, Body: "NOT_FOUND"}
}

func toFieldMap(fields map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// fakeTrigger records dispatch calls
type fakeTrigger struct {
	mu    sync.Mutex
	calls []trigger.Request
	resp  trigger.Response
	err   error
}

func (f *fakeTrigger) Process(_ context.Context, req trigger.Request) (trigger.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return trigger.Response{}, f.err
	}
	return f.resp, nil
}

// hangingTrigger blocks until the caller gives up, like a backend that never answers
type hangingTrigger struct {
	calls int32
}

func (h *hangingTrigger) Process(ctx context.Context, _ trigger.Request) (trigger.Response, error) {
	atomic.AddInt32(&h.calls, 1)
	<-ctx.Done()
	return trigger.Response{}, &trigger.TransportError{Err: ctx.Err()}
}

func (f *fakeTrigger) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeJournal collects journal writes
type fakeJournal struct {
	mu         sync.Mutex
	dispatches []DispatchResult
	runs       []SyncRun
	pruned     int
}

func (f *fakeJournal) RecordDispatch(_ ChangeEvent, res DispatchResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatches = append(f.dispatches, res)
	return nil
}

func (f *fakeJournal) RecordRun(run SyncRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, run)
	return nil
}

func (f *fakeJournal) Prune(_ int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruned++
	return 0, nil
}

var errBoom = errors.New("boom")
