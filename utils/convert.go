package utils

import (
	"fmt"
	"strconv"
)

// ToFloat64 safely converts any JSON-decoded value to float64
func ToFloat64(value interface{}) float64 {
	if value == nil {
		return 0
	}

	switch v := value.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case int32:
		return float64(v)
	case string:
		if v == "" {
			return 0
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		return 0
	default:
		strVal := fmt.Sprintf("%v", value)
		if f, err := strconv.ParseFloat(strVal, 64); err == nil {
			return f
		}
		return 0
	}
}

// ToInt64 safely converts any JSON-decoded value to int64
func ToInt64(value interface{}) int64 {
	if value == nil {
		return 0
	}

	switch v := value.(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case float32:
		return int64(v)
	case string:
		if v == "" {
			return 0
		}
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
		return 0
	default:
		strVal := fmt.Sprintf("%v", value)
		if i, err := strconv.ParseInt(strVal, 10, 64); err == nil {
			return i
		}
		return 0
	}
}

// ToInt safely converts any JSON-decoded value to int
func ToInt(value interface{}) int {
	return int(ToInt64(value))
}

// ToString safely converts any JSON-decoded value to string
func ToString(value interface{}) string {
	if value == nil {
		return ""
	}

	switch v := value.(type) {
	case string:
		return v
	case int, int64, int32:
		return fmt.Sprintf("%d", v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(v)
	case []byte:
		return string(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
