package airtable

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Responses are validated against these schemas before being decoded, so a
// payload missing "records" or "fields" is a decode failure rather than an
// empty result.
const (
	recordSchemaURL = "https://schemas.reportsync.local/airtable/record.json"
	listSchemaURL   = "https://schemas.reportsync.local/airtable/list.json"

	recordSchemaJSON = `{
  "type": "object",
  "required": ["id", "fields"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "fields": {"type": "object"},
    "createdTime": {"type": "string"}
  }
}`

	listSchemaJSON = `{
  "type": "object",
  "required": ["records"],
  "properties": {
    "records": {"type": "array", "items": {"$ref": "record.json"}},
    "offset": {"type": "string"}
  }
}`
)

type schemas struct {
	record *jsonschema.Schema
	list   *jsonschema.Schema
}

var loadSchemas = sync.OnceValues(func() (*schemas, error) {
	c := jsonschema.NewCompiler()
	for u, src := range map[string]string{recordSchemaURL: recordSchemaJSON, listSchemaURL: listSchemaJSON} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", u, err)
		}
		if err := c.AddResource(u, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", u, err)
		}
	}

	record, err := c.Compile(recordSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile record schema: %w", err)
	}
	list, err := c.Compile(listSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile list schema: %w", err)
	}
	return &schemas{record: record, list: list}, nil
})

type listResponse struct {
	Records []Record `json:"records"`
	Offset  string   `json:"offset"`
}

func validate(schema *jsonschema.Schema, body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("unexpected response shape: %w", err)
	}
	return nil
}

func decodeListResponse(body []byte) (listResponse, error) {
	s, err := loadSchemas()
	if err != nil {
		return listResponse{}, err
	}
	if err := validate(s.list, body); err != nil {
		return listResponse{}, err
	}

	var resp listResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return listResponse{}, err
	}
	return resp, nil
}

func decodeRecord(body []byte) (Record, error) {
	s, err := loadSchemas()
	if err != nil {
		return Record{}, err
	}
	if err := validate(s.record, body); err != nil {
		return Record{}, err
	}

	var rec Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}
