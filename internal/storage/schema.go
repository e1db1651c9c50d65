package storage

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// buildResultJSONSchema returns the JSON-Schema (draft 2020-12 subset) every
// persisted extraction result must satisfy. Kept as a generic map so the
// shape reads like the documents it constrains.
func buildResultJSONSchema() map[string]any {
	segment := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"type": map[string]any{
				"type": "string",
				"enum": []string{"text", "image", "audio", "frame", "element"},
			},
			"index":    map[string]any{"type": "integer", "minimum": 0},
			"page":     map[string]any{"type": "integer", "minimum": 1},
			"path":     map[string]any{"type": "string"},
			"start_ms": map[string]any{"type": "integer", "minimum": 0},
			"end_ms":   map[string]any{"type": "integer", "minimum": 0},
			"text":     map[string]any{"type": "string"},
			"features": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "number"},
			},
			"meta": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "string"},
			},
		},
		"required": []string{"type", "index"},
	}

	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"format": map[string]any{
				"type": "string",
				"enum": []string{"PDF", "IMAGE", "AUDIO", "VIDEO", "XML"},
			},
			"extractor_version": map[string]any{"type": "string", "minLength": 1},
			"metadata": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "string"},
			},
			"segments": map[string]any{
				"type":  "array",
				"items": segment,
			},
		},
		"required": []string{"format", "extractor_version", "segments"},
	}
}

// compileResultSchema compiles the schema once at store construction.
func compileResultSchema() (*jsonschema.Schema, error) {
	raw, err := json.Marshal(buildResultJSONSchema())
	if err != nil {
		return nil, fmt.Errorf("marshal result schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("result.schema.json", strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("add result schema resource: %w", err)
	}
	schema, err := c.Compile("result.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile result schema: %w", err)
	}
	return schema, nil
}
