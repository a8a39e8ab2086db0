package sync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/axl/reportsync/airtable"
)

// RemoteLister fetches the full remote collection
type RemoteLister interface {
	ListRecords(ctx context.Context) ([]airtable.Record, error)
}

// RemoteIndex is a snapshot of the remote store taken at the start of a sweep.
// Writes made during the sweep are not reflected in it.
type RemoteIndex struct {
	keyField string
	records  []airtable.Record
	degraded bool
}

// LoadRemoteIndex fetches every remote record. On failure it logs and returns
// an empty, degraded index together with the error; callers that continue
// cannot tell an empty store from a failed fetch.
func LoadRemoteIndex(ctx context.Context, lister RemoteLister, keyField string) (*RemoteIndex, error) {
	records, err := lister.ListRecords(ctx)
	if err != nil {
		slog.Error("Failed to load remote records, continuing with empty index", "error", err)
		return &RemoteIndex{keyField: keyField, degraded: true}, fmt.Errorf("loading remote index: %w", err)
	}

	slog.Info("Loaded remote index", "records", len(records), "key_field", keyField)
	return &RemoteIndex{keyField: keyField, records: records}, nil
}

// NewRemoteIndex builds an index over records already in hand
func NewRemoteIndex(keyField string, records []airtable.Record) *RemoteIndex {
	return &RemoteIndex{keyField: keyField, records: records}
}

// Find returns the first record whose key field equals key exactly
func (i *RemoteIndex) Find(key string) (airtable.Record, bool) {
	if key == "" {
		return airtable.Record{}, false
	}
	for _, rec := range i.records {
		if v, ok := rec.StringField(i.keyField); ok && v == key {
			return rec, true
		}
	}
	return airtable.Record{}, false
}

// Len is the number of records in the snapshot
func (i *RemoteIndex) Len() int {
	return len(i.records)
}

// Degraded reports whether the snapshot is empty because the fetch failed
func (i *RemoteIndex) Degraded() bool {
	return i.degraded
}

// Records returns the snapshot
func (i *RemoteIndex) Records() []airtable.Record {
	return i.records
}
