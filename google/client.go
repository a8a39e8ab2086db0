// Package google provides Google Sheets client initialization
package google

import (
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// DefaultKeyFile is used when no key file is configured
const DefaultKeyFile = "google_sheets.json"

// NewSheetsClient creates a Sheets API client from a service account key file.
// The scope allows reading rows and writing the tracking column.
func NewSheetsClient(ctx context.Context, keyFile string) (*sheets.Service, error) {
	credJSON, err := readCredentials(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to get credentials: %w", err)
	}
	return NewSheetsClientFromJSON(ctx, credJSON)
}

// NewSheetsClientFromJSON creates a Sheets API client from service account JSON
func NewSheetsClientFromJSON(ctx context.Context, credJSON []byte) (*sheets.Service, error) {
	config, err := google.JWTConfigFromJSON(credJSON, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("failed to parse credentials: %w", err)
	}

	srv, err := sheets.NewService(ctx, option.WithHTTPClient(config.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}
	return srv, nil
}

func readCredentials(keyFile string) ([]byte, error) {
	keyFile = strings.TrimSpace(keyFile)
	if keyFile == "" {
		keyFile = DefaultKeyFile
	}

	data, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file %s: %w", keyFile, err)
	}
	return data, nil
}
