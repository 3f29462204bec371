package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/joseph-ayodele/pii-anonymizer/constants"
)

// BuildPolicyJSONSchema returns the JSON-Schema for an authored policy document as a generic map.
func BuildPolicyJSONSchema() map[string]any {
	actions := []string{
		string(constants.ActionRedact),
		string(constants.ActionMask),
		string(constants.ActionReplace),
		string(constants.ActionEncrypt),
		string(constants.ActionHash),
	}

	rule := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []string{"type", "confidence_threshold", "action"},
		"properties": map[string]any{
			"type":                 map[string]any{"type": "string", "minLength": 1},
			"confidence_threshold": map[string]any{"type": "number", "minimum": 0.0, "maximum": 1.0},
			"action":               map[string]any{"type": "string", "enum": actions},
			"replacement":          map[string]any{"type": "string"},
			"mask": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"properties": map[string]any{
					"char":        map[string]any{"type": "string", "minLength": 1, "maxLength": 1},
					"keep_prefix": map[string]any{"type": "integer", "minimum": 0},
					"keep_suffix": map[string]any{"type": "integer", "minimum": 0},
				},
			},
		},
	}

	return map[string]any{
		"type":     "object",
		"required": []string{"name", "version", "detection"},
		"properties": map[string]any{
			"name":        map[string]any{"type": "string", "minLength": 1},
			"version":     map[string]any{"type": []string{"string", "number"}},
			"description": map[string]any{"type": "string"},
			"detection": map[string]any{
				"type":     "object",
				"required": []string{"entities"},
				"properties": map[string]any{
					"entities": map[string]any{"type": "array", "items": rule},
				},
			},
			"scope": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"properties": map[string]any{
					"file_types":    map[string]any{"type": "array", "items": map[string]any{"type": "string", "minLength": 1}},
					"max_file_size": map[string]any{"type": "string", "minLength": 1},
				},
			},
			"anonymization": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"properties": map[string]any{
					"default_action":  map[string]any{"type": "string", "enum": actions},
					"preserve_format": map[string]any{"type": "boolean"},
					"audit_trail":     map[string]any{"type": "boolean"},
				},
			},
		},
	}
}

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func documentSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		b, err := json.Marshal(BuildPolicyJSONSchema())
		if err != nil {
			schemaErr = fmt.Errorf("marshal schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("policy.json", bytes.NewReader(b)); err != nil {
			schemaErr = fmt.Errorf("add schema: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile("policy.json")
	})
	return compiledSchema, schemaErr
}
