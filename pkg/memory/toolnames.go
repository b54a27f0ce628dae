package memory

import (
	"strings"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// ParseToolNames decodes the stored tool-name array of an exchange. It never
// fails: unusable input is logged and coerced to an empty list, and non-string
// array elements are dropped.
func ParseToolNames(logger zerolog.Logger, exchangeID, raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}

	if !gjson.Valid(raw) {
		logger.Warn().
			Str("exchange_id", exchangeID).
			Str("raw", raw).
			Msg("Malformed tool_names JSON, using empty list")
		return []string{}
	}

	parsed := gjson.Parse(raw)
	if !parsed.IsArray() {
		logger.Warn().
			Str("exchange_id", exchangeID).
			Str("type", jsonTypeName(parsed)).
			Msg("tool_names is not an array, using empty list")
		return []string{}
	}

	names := []string{}
	total := 0
	parsed.ForEach(func(_, value gjson.Result) bool {
		total++
		if value.Type == gjson.String {
			names = append(names, value.Str)
		}
		return true
	})

	if len(names) != total {
		logger.Warn().
			Str("exchange_id", exchangeID).
			Int("original", total).
			Int("filtered", len(names)).
			Msg("Dropped non-string tool_names entries")
	}
	return names
}

func jsonTypeName(r gjson.Result) string {
	switch r.Type {
	case gjson.String:
		return "string"
	case gjson.Number:
		return "number"
	case gjson.True, gjson.False:
		return "boolean"
	case gjson.Null:
		return "null"
	}
	if r.IsObject() {
		return "object"
	}
	if r.IsArray() {
		return "array"
	}
	return "unknown"
}
