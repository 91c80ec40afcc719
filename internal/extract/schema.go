package extract

import (
	"fmt"
	"strings"
)

// Field names containing any of these tokens tend to repeat across a
// document (one per line item, one per page), so they are declared as
// de-duplicated arrays instead of scalars.
var multiValueTokens = []string{"id", "number", "date", "name", "code", "reference"}

// IsMultiValue reports whether a requested field should be extracted as an
// array of all occurrences rather than a single value.
func IsMultiValue(field string) bool {
	f := strings.ToLower(field)
	for _, token := range multiValueTokens {
		if strings.Contains(f, token) {
			return true
		}
	}
	return false
}

// BuildFieldSchema produces a JSON Schema (2020-12 subset) describing the
// requested fields: multi-value fields as unique string arrays, the rest as
// nullable strings. The same schema is submitted to the remote API and used
// locally to validate fallback-tier output.
func BuildFieldSchema(fields []string, descriptions map[string]string) map[string]any {
	props := make(map[string]any, len(fields))
	for _, field := range fields {
		desc := descriptions[field]
		if desc == "" {
			desc = fmt.Sprintf("Extract %s from document", field)
		}
		if IsMultiValue(field) {
			props[field] = map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": desc + " (all occurrences)",
				"uniqueItems": true,
			}
		} else {
			props[field] = map[string]any{
				"type":        []any{"string", "null"},
				"description": desc,
			}
		}
	}
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           props,
	}
}

// EmptyResult returns the all-missing value map for a field list: null for
// scalars, an empty array for multi-value fields.
func EmptyResult(fields []string) map[string]any {
	out := make(map[string]any, len(fields))
	for _, field := range fields {
		if IsMultiValue(field) {
			out[field] = []any{}
		} else {
			out[field] = nil
		}
	}
	return out
}

// NormalizeFields trims a raw extraction map down to exactly the requested
// keys, filling absent fields with their empty value.
func NormalizeFields(raw map[string]any, fields []string) map[string]any {
	out := make(map[string]any, len(fields))
	for _, field := range fields {
		v, ok := raw[field]
		if !ok || v == nil {
			if IsMultiValue(field) {
				out[field] = []any{}
			} else {
				out[field] = nil
			}
			continue
		}
		out[field] = v
	}
	return out
}

// HasValues reports whether at least one requested field carries a usable
// (non-null, non-empty) value.
func HasValues(data map[string]any, fields []string) bool {
	for _, field := range fields {
		switch v := data[field].(type) {
		case nil:
		case string:
			if strings.TrimSpace(v) != "" {
				return true
			}
		case []any:
			if len(v) > 0 {
				return true
			}
		case []string:
			if len(v) > 0 {
				return true
			}
		default:
			return true
		}
	}
	return false
}
