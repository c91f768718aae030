package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const maxBodyBytes = 64 << 20

var (
	submitBatchSchema = mustSchema(`{
		"type": "object",
		"required": ["update"],
		"additionalProperties": false,
		"properties": {
			"update": {"type": "string", "minLength": 1}
		}
	}`)
	querySchema = mustSchema(`{
		"type": "object",
		"required": ["query"],
		"additionalProperties": false,
		"properties": {
			"query": {"type": "string", "minLength": 1},
			"timeout_ms": {"type": "integer", "minimum": -1, "maximum": 86400000}
		}
	}`)
)

func mustSchema(raw string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
	if err != nil {
		panic(fmt.Sprintf("server: invalid request schema: %v", err))
	}
	return s
}

type validationErrorItem struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

type validationError struct {
	Items []validationErrorItem
}

func (e *validationError) Error() string {
	parts := make([]string, 0, len(e.Items))
	for _, it := range e.Items {
		parts = append(parts, it.Path+": "+it.Message)
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

// decodeJSON validates the request body against schema and decodes it into v.
func decodeJSON(r *http.Request, schema *gojsonschema.Schema, v any) error {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	res, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if !res.Valid() {
		items := make([]validationErrorItem, 0, len(res.Errors()))
		for _, item := range res.Errors() {
			items = append(items, validationErrorItem{Path: item.Field(), Message: item.Description()})
		}
		return &validationError{Items: items}
	}
	return json.Unmarshal(body, v)
}
