// Package airtable provides a client for the remote record store the sheet is mirrored into
package airtable

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/axl/reportsync/ratelimit"
)

const (
	defaultBaseURL = "https://api.airtable.com"
	listPageSize   = 100
)

// Record is one remote row: an opaque id plus its field map
type Record struct {
	ID          string                 `json:"id"`
	Fields      map[string]interface{} `json:"fields"`
	CreatedTime string                 `json:"createdTime,omitempty"`
}

// StringField returns a field value when it is a string
func (r Record) StringField(name string) (string, bool) {
	v, ok := r.Fields[name].(string)
	return v, ok
}

// APIError is returned for any non-2xx response. It carries the HTTP status and
// the raw body so callers can log or surface them.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("airtable %s failed with status %d: %s", e.Op, e.StatusCode, strings.TrimSpace(e.Body))
}

// HTTPStatus lets the rate limiter recognise throttling responses
func (e *APIError) HTTPStatus() int {
	return e.StatusCode
}

// Config holds remote store configuration
type Config struct {
	BaseURL   string
	BaseID    string
	TableName string
	APIKey    string
	Timeout   time.Duration
	RateLimit *ratelimit.Config
}

// Client wraps remote store API interactions
type Client struct {
	baseURL    string
	baseID     string
	tableName  string
	apiKey     string
	httpClient *http.Client
	limiter    *ratelimit.RateLimiter
}

// NewClient creates a new remote store client
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" || cfg.BaseID == "" || cfg.TableName == "" {
		return nil, fmt.Errorf("missing required airtable configuration (api key, base id, table name)")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		baseID:     cfg.BaseID,
		tableName:  cfg.TableName,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    ratelimit.NewRateLimiter(cfg.RateLimit),
	}, nil
}

// TableName returns the configured table
func (c *Client) TableName() string {
	return c.tableName
}

func (c *Client) tableURL() string {
	return fmt.Sprintf("%s/v0/%s/%s", c.baseURL, url.PathEscape(c.baseID), url.PathEscape(c.tableName))
}

// ListRecords fetches every record in the table, following the offset cursor
// until the listing is exhausted.
func (c *Client) ListRecords(ctx context.Context) ([]Record, error) {
	var all []Record
	offset := ""

	for page := 1; ; page++ {
		params := url.Values{}
		params.Set("pageSize", fmt.Sprint(listPageSize))
		if offset != "" {
			params.Set("offset", offset)
		}

		body, err := c.do(ctx, "list", http.MethodGet, c.tableURL()+"?"+params.Encode(), nil)
		if err != nil {
			return nil, err
		}

		resp, err := decodeListResponse(body)
		if err != nil {
			return nil, fmt.Errorf("decode list page %d: %w", page, err)
		}
		all = append(all, resp.Records...)

		if resp.Offset == "" {
			break
		}
		offset = resp.Offset
	}

	slog.Debug("Listed remote records", "table", c.tableName, "count", len(all))
	return all, nil
}

// CreateRecord creates one record and returns it as written
func (c *Client) CreateRecord(ctx context.Context, fields map[string]string) (Record, error) {
	payload, err := json.Marshal(map[string]interface{}{"fields": fields})
	if err != nil {
		return Record{}, fmt.Errorf("encode create payload: %w", err)
	}

	body, err := c.do(ctx, "create", http.MethodPost, c.tableURL(), payload)
	if err != nil {
		return Record{}, err
	}
	return decodeRecord(body)
}

// UpdateRecord patches the given fields of an existing record
func (c *Client) UpdateRecord(ctx context.Context, recordID string, fields map[string]string) (Record, error) {
	if recordID == "" {
		return Record{}, errors.New("update requires a record id")
	}
	payload, err := json.Marshal(map[string]interface{}{"fields": fields})
	if err != nil {
		return Record{}, fmt.Errorf("encode update payload: %w", err)
	}

	body, err := c.do(ctx, "update", http.MethodPatch, c.tableURL()+"/"+url.PathEscape(recordID), payload)
	if err != nil {
		return Record{}, err
	}
	return decodeRecord(body)
}

// do issues one request under the rate limiter, retrying throttled responses
func (c *Client) do(ctx context.Context, op, method, fullURL string, payload []byte) ([]byte, error) {
	var body []byte

	err := c.limiter.ExecuteWithRetry(ctx, func() error {
		var reqBody io.Reader = http.NoBody
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
		if err != nil {
			return fmt.Errorf("create %s request: %w", op, err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%s request failed: %w", op, err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read %s response: %w", op, err)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			if resp.StatusCode == http.StatusTooManyRequests {
				slog.Warn("Airtable rate limited", "op", op, "delay", c.limiter.CurrentDelay())
			}
			return &APIError{Op: op, StatusCode: resp.StatusCode, Body: string(data)}
		}

		body = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}
