package node

import (
	"fmt"
)

// FieldSpec describes one parameter of a node type's schema.
type FieldSpec struct {
	Name     string
	Type     string // "string", "number", "boolean", "object", "array"
	Required bool
}

// parameterSchemas holds the known parameter schemas by node type. Types
// without an entry skip validation entirely. Validation failures are
// non-fatal except for missing required fields: the node still runs with
// best-effort values.
var parameterSchemas = map[string][]FieldSpec{
	"httpRequest": {
		{Name: "url", Type: "string", Required: true},
		{Name: "method", Type: "string"},
		{Name: "headers", Type: "object"},
		{Name: "body", Type: "string"},
		{Name: "timeout", Type: "number"},
	},
	"llmChat": {
		{Name: "prompt", Type: "string", Required: true},
		{Name: "model", Type: "string"},
		{Name: "temperature", Type: "number"},
		{Name: "apiKey", Type: "string"},
	},
	"aiAgent": {
		{Name: "task", Type: "string"},
		{Name: "model", Type: "string"},
		{Name: "apiKey", Type: "string"},
	},
	"codeExecutor": {
		{Name: "code", Type: "string", Required: true},
		{Name: "language", Type: "string"},
	},
	"webhookResponse": {
		{Name: "statusCode", Type: "number"},
		{Name: "body", Type: "object"},
	},
	"console": {
		{Name: "message", Type: "string"},
	},
	"cronScheduler": {
		{Name: "frequency", Type: "string", Required: true},
		{Name: "interval", Type: "number"},
		{Name: "timezone", Type: "string"},
	},
	"googleMaps": {
		{Name: "query", Type: "string", Required: true},
		{Name: "mapsKey", Type: "string"},
	},
}

// ValidateParameters checks params against the schema for nodeType. The
// returned issues distinguish fatal problems (missing required field) from
// advisory ones (wrong type).
func ValidateParameters(nodeType string, params map[string]any) (fatal []string, warnings []string) {
	schema, ok := parameterSchemas[nodeType]
	if !ok {
		return nil, nil
	}
	for _, field := range schema {
		value, present := params[field.Name]
		if !present || value == nil || value == "" {
			if field.Required {
				fatal = append(fatal, fmt.Sprintf("missing required parameter %q", field.Name))
			}
			continue
		}
		if !typeMatches(field.Type, value) {
			warnings = append(warnings, fmt.Sprintf("parameter %q: expected %s, got %T", field.Name, field.Type, value))
		}
	}
	return fatal, warnings
}

func typeMatches(expected string, value any) bool {
	switch expected {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		switch value.(type) {
		case int, int64, float32, float64:
			return true
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	default:
		return true
	}
}
