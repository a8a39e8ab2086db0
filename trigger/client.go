// Package trigger calls the report backend that picks up rows for report generation
package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	processPath = "/google-sheets-process"
	healthPath  = "/health"

	// SourceLabel identifies this engine to the backend
	SourceLabel = "google_apps_script"
)

// Request is the payload of one dispatch
type Request struct {
	SheetID       string                 `json:"sheet_id"`
	WorksheetName string                 `json:"worksheet_name"`
	CompanyName   string                 `json:"company_name"`
	RowNumber     int                    `json:"row_number"`
	CompanyData   map[string]interface{} `json:"company_data"`
	TriggerSource string                 `json:"trigger_source"`
	Timestamp     string                 `json:"timestamp"`

	// RequestID is sent as X-Request-ID, not in the body
	RequestID string `json:"-"`
}

// Response is the backend's answer
type Response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// TransportError means the call did not produce a usable answer: the request
// failed, timed out, or the body was not the expected JSON.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is a transport failure
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// Client posts dispatch requests to the backend
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// NewClient creates a client for the backend at endpoint
func NewClient(endpoint string, timeout time.Duration) (*Client, error) {
	endpoint = strings.TrimSuffix(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("report backend endpoint is not configured")
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Endpoint returns the configured backend base URL
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Process sends one dispatch. An application-level refusal comes back as a
// Response with Success false and a nil error; anything else is a *TransportError.
func (c *Client) Process(ctx context.Context, req Request) (Response, error) {
	if req.TriggerSource == "" {
		req.TriggerSource = SourceLabel
	}
	if req.Timestamp == "" {
		req.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, &TransportError{Err: fmt.Errorf("encode dispatch payload: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+processPath, bytes.NewReader(payload))
	if err != nil {
		return Response{}, &TransportError{Err: fmt.Errorf("create dispatch request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.RequestID != "" {
		httpReq.Header.Set("X-Request-ID", req.RequestID)
	}

	slog.Debug("Calling report backend", "row", req.RowNumber, "company", req.CompanyName, "request_id", req.RequestID)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, &TransportError{Err: fmt.Errorf("dispatch request failed: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, &TransportError{Err: fmt.Errorf("read dispatch response: %w", err)}
	}

	var result Response
	if err := json.Unmarshal(body, &result); err != nil {
		return Response{}, &TransportError{
			Err: fmt.Errorf("unexpected dispatch response (status %d): %s", resp.StatusCode, truncate(string(body), 200)),
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		result.Success = false
		if result.Error == "" {
			result.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
	}
	return result, nil
}

// Health probes the backend's health endpoint
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+healthPath, http.NoBody)
	if err != nil {
		return fmt.Errorf("create health request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
