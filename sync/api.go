package sync

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

// DispatchTokenHeader carries the shared secret sent by the sheet's edit hook
const DispatchTokenHeader = "X-Dispatch-Token"

// API holds the components behind the custom HTTP routes
type API struct {
	Orchestrator *Orchestrator
	Dispatcher   *Dispatcher
	Queue        *EditQueue
	Backend      HealthChecker
	WebhookToken string
}

// requireAuth wraps a handler function to require authentication
func requireAuth(handler func(*core.RequestEvent) error) func(*core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		if e.Auth == nil {
			return apis.NewUnauthorizedError("Authentication required", nil)
		}
		return handler(e)
	}
}

// requireDispatchToken accepts either the webhook token or an authenticated user.
// The sheet's edit hook has no PocketBase session, so it sends the token instead.
func requireDispatchToken(token string, handler func(*core.RequestEvent) error) func(*core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		if e.Auth != nil || tokenMatches(token, e.Request.Header.Get(DispatchTokenHeader)) {
			return handler(e)
		}
		return apis.NewUnauthorizedError("Invalid or missing dispatch token", nil)
	}
}

// tokenMatches compares in constant time. An unset token never matches.
func tokenMatches(want, got string) bool {
	if want == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

// RegisterRoutes sets up the sync and dispatch API endpoints
func (a *API) RegisterRoutes(e *core.ServeEvent) {
	// Sheet edit hook: one event per edited row
	e.Router.POST("/api/custom/dispatch/edit", requireDispatchToken(a.WebhookToken, a.handleEdit))

	// Manual dispatch and marker reset for a single row
	e.Router.POST("/api/custom/dispatch/row/{row}", requireAuth(a.handleDispatchRow))
	e.Router.POST("/api/custom/dispatch/reset/{row}", requireAuth(a.handleResetRow))

	// Sweep control
	e.Router.POST("/api/custom/sync/sweep", requireAuth(a.handleSweep))
	e.Router.GET("/api/custom/sync/status", requireAuth(a.handleStatus))
	e.Router.GET("/api/custom/sync/check", requireAuth(a.handleCheck))
	e.Router.GET("/api/custom/sync/preview/{row}", requireAuth(a.handlePreview))
}

func (a *API) handleEdit(e *core.RequestEvent) error {
	var ev ChangeEvent
	if err := e.BindBody(&ev); err != nil {
		return e.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "Invalid change event: " + err.Error(),
		})
	}
	if ev.Source == "" {
		ev.Source = "edit"
	}
	return a.submit(e, ev)
}

func (a *API) handleDispatchRow(e *core.RequestEvent) error {
	row, err := parseRow(e.Request.PathValue("row"))
	if err != nil {
		return e.JSON(http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
	}
	return a.submit(e, ChangeEvent{Row: row, Source: "manual"})
}

// submit routes every dispatch through the queue so rows are handled one at a time
func (a *API) submit(e *core.RequestEvent, ev ChangeEvent) error {
	res, err := a.Queue.Submit(e.Request.Context(), ev)
	if err != nil {
		status := submitErrorStatus(err)
		if status >= http.StatusInternalServerError {
			slog.Error("Dispatch failed", "row", ev.Row, "source", ev.Source, "error", err)
		}
		return e.JSON(status, map[string]interface{}{
			"error":  err.Error(),
			"result": res,
		})
	}
	return e.JSON(http.StatusOK, res)
}

// submitErrorStatus maps queue and dispatch errors to HTTP status codes
func submitErrorStatus(err error) int {
	switch {
	case errors.Is(err, ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrQueueStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusBadGateway
	}
}

func (a *API) handleResetRow(e *core.RequestEvent) error {
	row, err := parseRow(e.Request.PathValue("row"))
	if err != nil {
		return e.JSON(http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
	}

	tracker := a.Dispatcher.Tracker()
	previous, err := tracker.Reset(e.Request.Context(), row)
	if err != nil {
		slog.Error("Marker reset failed", "row", row, "error", err)
		return e.JSON(http.StatusBadGateway, map[string]interface{}{"error": err.Error()})
	}

	slog.Info("Marker reset", "row", row, "previous", previous)
	return e.JSON(http.StatusOK, map[string]interface{}{
		"row":      row,
		"column":   tracker.Column(),
		"previous": previous,
	})
}

func (a *API) handleSweep(e *core.RequestEvent) error {
	if err := a.Orchestrator.StartSweep("api"); err != nil {
		if errors.Is(err, ErrSweepRunning) {
			return e.JSON(http.StatusConflict, map[string]interface{}{
				"error":  err.Error(),
				"status": a.Orchestrator.GetStatus(),
			})
		}
		return e.JSON(http.StatusInternalServerError, map[string]interface{}{"error": err.Error()})
	}
	return e.JSON(http.StatusAccepted, map[string]interface{}{
		"message": "Sweep started",
	})
}

func (a *API) handleStatus(e *core.RequestEvent) error {
	return e.JSON(http.StatusOK, map[string]interface{}{
		"sweep":         a.Orchestrator.GetStatus(),
		"queue_pending": a.Queue.Pending(),
	})
}

func (a *API) handleCheck(e *core.RequestEvent) error {
	report := a.Orchestrator.Check(e.Request.Context(), a.Backend)
	status := http.StatusOK
	if !report.OK() {
		status = http.StatusBadGateway
	}
	return e.JSON(status, report)
}

func (a *API) handlePreview(e *core.RequestEvent) error {
	row, err := parseRow(e.Request.PathValue("row"))
	if err != nil {
		return e.JSON(http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
	}
	preview, err := a.Orchestrator.PreviewRow(e.Request.Context(), row)
	if err != nil {
		return e.JSON(http.StatusBadGateway, map[string]interface{}{"error": err.Error()})
	}
	return e.JSON(http.StatusOK, preview)
}

// parseRow validates a 1-based data row number from a path segment
func parseRow(raw string) (int, error) {
	row, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid row %q", raw)
	}
	if row <= 1 {
		return 0, fmt.Errorf("row %d is not a data row", row)
	}
	return row, nil
}
