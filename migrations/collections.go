// Package migrations creates the PocketBase collections the sync engine journals into
package migrations

import (
	"fmt"
	"log/slog"

	"github.com/pocketbase/pocketbase/core"
)

// Collection names
const (
	SyncRunsCollection       = "sync_runs"
	DispatchEventsCollection = "dispatch_events"
)

// EnsureCollections creates any missing journal collection. Existing
// collections are left untouched.
func EnsureCollections(app core.App) error {
	if err := ensure(app, SyncRunsCollection, syncRunFields, func(c *core.Collection) {
		c.AddIndex("idx_sync_runs_started", false, "started", "")
	}); err != nil {
		return err
	}
	return ensure(app, DispatchEventsCollection, dispatchEventFields, func(c *core.Collection) {
		c.AddIndex("idx_dispatch_events_row", false, "spreadsheet_id, worksheet, row_number", "")
	})
}

func ensure(app core.App, name string, fields func() []core.Field, indexes func(*core.Collection)) error {
	if _, err := app.FindCollectionByNameOrId(name); err == nil {
		return nil
	}

	collection := core.NewBaseCollection(name)
	collection.Fields.Add(fields()...)
	collection.Fields.Add(
		&core.AutodateField{Name: "created", OnCreate: true},
		&core.AutodateField{Name: "updated", OnCreate: true, OnUpdate: true},
	)
	indexes(collection)

	if err := app.Save(collection); err != nil {
		return fmt.Errorf("creating %s collection: %w", name, err)
	}
	slog.Info("Created collection", "name", name)
	return nil
}

func syncRunFields() []core.Field {
	return []core.Field{
		&core.TextField{Name: "trigger", Required: true, Max: 50},
		&core.TextField{Name: "status", Required: true, Max: 20},
		&core.DateField{Name: "started"},
		&core.DateField{Name: "finished"},
		&core.NumberField{Name: "seen", OnlyInt: true},
		&core.NumberField{Name: "created_count", OnlyInt: true},
		&core.NumberField{Name: "updated_count", OnlyInt: true},
		&core.NumberField{Name: "skipped", OnlyInt: true},
		&core.NumberField{Name: "error_count", OnlyInt: true},
		&core.NumberField{Name: "duration", OnlyInt: true},
		&core.BoolField{Name: "index_degraded"},
		&core.TextField{Name: "error"},
		&core.JSONField{Name: "row_errors", MaxSize: 1 << 20},
	}
}

func dispatchEventFields() []core.Field {
	return []core.Field{
		&core.TextField{Name: "request_id", Max: 64},
		&core.TextField{Name: "spreadsheet_id", Required: true},
		&core.TextField{Name: "worksheet"},
		&core.NumberField{Name: "row_number", OnlyInt: true},
		&core.TextField{Name: "company_name"},
		&core.TextField{Name: "source", Max: 20},
		&core.TextField{Name: "outcome", Required: true, Max: 30},
		&core.TextField{Name: "marker"},
		&core.TextField{Name: "reason"},
	}
}
