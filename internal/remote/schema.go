package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/tablecrew/vitalsync/internal/vitality"
)

// The state endpoint is backed by a spreadsheet script, so its payload shape
// is only loosely guaranteed. Rows are validated against this schema before
// any field enters the data model; values may legitimately arrive as numbers
// or numeric strings and are coerced explicitly.
const statePayloadSchema = `{
	"type": "object",
	"required": ["ok"],
	"properties": {
		"ok": {"type": "boolean"},
		"rows": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["entityId"],
				"properties": {
					"entityId": {"type": "string"},
					"maxValue": {"type": ["number", "string"]},
					"currentValue": {"type": ["number", "string"]}
				}
			}
		}
	}
}`

var compiledStateSchema = mustCompileSchema("state-payload.json", statePayloadSchema)

func mustCompileSchema(name, src string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	return schema
}

// parseStatePayload turns the raw state response into typed rows. Any shape
// violation is an error; callers treat it like a failed fetch and keep the
// previous snapshot. Rows with an empty id or an unusable max are dropped
// individually, and current is clamped into [0, max] even when the store
// reports an out-of-range value.
func parseStatePayload(body []byte) ([]vitality.VitalityState, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("malformed state payload: %w", err)
	}
	if err := compiledStateSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("state payload rejected by schema: %w", err)
	}
	payload, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("malformed state payload: not an object")
	}
	if okFlag, _ := payload["ok"].(bool); !okFlag {
		return nil, &RemoteError{Reason: "state endpoint reported not ok"}
	}
	rawRows, _ := payload["rows"].([]any)
	rows := make([]vitality.VitalityState, 0, len(rawRows))
	for _, rawRow := range rawRows {
		rowMap, ok := rawRow.(map[string]any)
		if !ok {
			continue
		}
		id := vitality.CanonicalID(stringField(rowMap, "entityId"))
		if id == "" {
			continue
		}
		maxValue, ok := coerceInt(rowMap["maxValue"])
		if !ok || maxValue < 1 {
			continue
		}
		currentValue, ok := coerceInt(rowMap["currentValue"])
		if !ok {
			currentValue = maxValue
		}
		rows = append(rows, vitality.VitalityState{
			EntityID:     id,
			MaxValue:     maxValue,
			CurrentValue: vitality.ClampValue(currentValue, maxValue),
		})
	}
	return rows, nil
}

func stringField(row map[string]any, key string) string {
	value, _ := row[key].(string)
	return value
}

// coerceInt accepts the numeric shapes a loose JSON producer emits: JSON
// numbers (including the big-decimal values jsonschema.UnmarshalJSON
// produces), plain floats, and numeric strings.
func coerceInt(value any) (int, bool) {
	switch v := value.(type) {
	case json.Number:
		return coerceInt(v.String())
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return int(math.Round(v)), true
	case int:
		return v, true
	case int64:
		return int(v), true
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return 0, false
		}
		return int(math.Round(parsed)), true
	case fmt.Stringer:
		return coerceInt(v.String())
	default:
		return 0, false
	}
}
