package variables

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/seekerhq/crawld/internal/domain"
)

// coerceScalar best-effort parses a substituted string into a typed
// value. Integers and floats take precedence over the numeric boolean
// forms, so "1" coerces to 1 rather than true; explicit boolean access
// goes through ConvertType. Parse failures fall back to the string.
func coerceScalar(s string) any {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return s
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v
		}
		return s
	}
	if i, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return int(i)
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return f
	}
	if b, ok := parseBoolWord(trimmed); ok {
		return b
	}
	return s
}

func parseBoolWord(s string) (bool, bool) {
	switch strings.ToLower(s) {
	case "true", "yes", "on", "1":
		return true, true
	case "false", "no", "off", "0":
		return false, true
	}
	return false, false
}

// ConvertType explicitly converts a value to a named target type:
// bool, int, float, str, list, or dict. Lists split comma-separated
// strings; dicts JSON-parse strings.
func ConvertType(value any, target string) (any, error) {
	switch target {
	case "str":
		return stringify(value), nil
	case "bool":
		switch v := value.(type) {
		case bool:
			return v, nil
		case int:
			return v != 0, nil
		case float64:
			return v != 0, nil
		case string:
			if b, ok := parseBoolWord(strings.TrimSpace(v)); ok {
				return b, nil
			}
			return nil, domain.E("variables.convert", domain.ErrInvalidArgument, "not a boolean: "+v)
		}
	case "int":
		switch v := value.(type) {
		case int:
			return v, nil
		case int64:
			return int(v), nil
		case float64:
			return int(v), nil
		case bool:
			if v {
				return 1, nil
			}
			return 0, nil
		case string:
			i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				if f, ferr := strconv.ParseFloat(strings.TrimSpace(v), 64); ferr == nil {
					return int(f), nil
				}
				return nil, domain.E("variables.convert", domain.ErrInvalidArgument, "not an integer: "+v)
			}
			return int(i), nil
		}
	case "float":
		switch v := value.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, domain.E("variables.convert", domain.ErrInvalidArgument, "not a float: "+v)
			}
			return f, nil
		}
	case "list":
		switch v := value.(type) {
		case []any:
			return v, nil
		case string:
			trimmed := strings.TrimSpace(v)
			if strings.HasPrefix(trimmed, "[") {
				var out []any
				if err := json.Unmarshal([]byte(trimmed), &out); err == nil {
					return out, nil
				}
			}
			parts := strings.Split(v, ",")
			out := make([]any, 0, len(parts))
			for _, p := range parts {
				out = append(out, strings.TrimSpace(p))
			}
			return out, nil
		default:
			return []any{value}, nil
		}
	case "dict":
		switch v := value.(type) {
		case map[string]any:
			return v, nil
		case string:
			var out map[string]any
			if err := json.Unmarshal([]byte(v), &out); err != nil {
				return nil, domain.E("variables.convert", domain.ErrInvalidArgument, "not an object: "+v)
			}
			return out, nil
		}
	default:
		return nil, domain.E("variables.convert", domain.ErrInvalidArgument, "unknown target type "+target)
	}
	return nil, domain.E("variables.convert", domain.ErrInvalidArgument, "unsupported conversion to "+target)
}
