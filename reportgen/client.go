// Package reportgen is a client for the report backend's document generation endpoint
package reportgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"
)

// Report types accepted by the backend
const (
	OnePager = "one_pager"
	DeepDive = "deep_dive"
)

// Request describes one report to generate
type Request struct {
	CompanyName      string `json:"company_name"`
	CompanyURL       string `json:"company_url"`
	ReportType       string `json:"report_type"`
	PitchDeckContent string `json:"pitch_deck_content"`
	InternalNotes    string `json:"internal_notes"`
}

// Validate checks the request before it is sent
func (r Request) Validate() error {
	if strings.TrimSpace(r.CompanyName) == "" {
		return fmt.Errorf("company name is required")
	}
	if strings.TrimSpace(r.CompanyURL) == "" {
		return fmt.Errorf("company url is required")
	}
	if r.ReportType != OnePager && r.ReportType != DeepDive {
		return fmt.Errorf("invalid report type %q: must be %q or %q", r.ReportType, OnePager, DeepDive)
	}
	return nil
}

// Document is a generated report
type Document struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Error is the backend's failure answer
type Error struct {
	StatusCode int
	Detail     string
}

func (e *Error) Error() string {
	return fmt.Sprintf("report generation failed (status %d): %s", e.StatusCode, e.Detail)
}

// Client calls /generate-report
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// NewClient creates a client for the backend at endpoint. Reports take minutes
// to render, so timeout should be generous.
func NewClient(endpoint string, timeout time.Duration) (*Client, error) {
	endpoint = strings.TrimSuffix(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("report backend endpoint is not configured")
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{endpoint: endpoint, httpClient: &http.Client{Timeout: timeout}}, nil
}

// Generate requests a report and returns the rendered document
func (c *Client) Generate(ctx context.Context, req Request) (*Document, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode report request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/generate-report", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create report request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("report request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read report response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var failure struct {
			Detail string `json:"detail"`
		}
		detail := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &failure) == nil && failure.Detail != "" {
			detail = failure.Detail
		}
		return nil, &Error{StatusCode: resp.StatusCode, Detail: detail}
	}

	doc := &Document{
		ContentType: resp.Header.Get("Content-Type"),
		Data:        body,
		Filename:    filenameFromDisposition(resp.Header.Get("Content-Disposition")),
	}
	if doc.Filename == "" {
		doc.Filename = DefaultFilename(req.CompanyName, req.ReportType)
	}
	return doc, nil
}

// DefaultFilename builds the name the backend would give the document
func DefaultFilename(company, reportType string) string {
	safe := strings.NewReplacer(" ", "_", ".", "_", "/", "_").Replace(strings.TrimSpace(company))
	return fmt.Sprintf("%s_%s.pdf", safe, reportType)
}

func filenameFromDisposition(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	return params["filename"]
}
