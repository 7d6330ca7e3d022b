package agents

import (
	"encoding/json"
	"time"
)

// Param helpers shared by the built-in agents. Missing or mistyped values
// yield the default.

func stringParam(m map[string]any, key, defaultVal string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return defaultVal
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	if b, ok := m[key].(bool); ok {
		return b
	}
	return defaultVal
}

func intParam(m map[string]any, key string, defaultVal int) int {
	switch n := m[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
	}
	return defaultVal
}

func durationParam(m map[string]any, key string, defaultVal time.Duration) time.Duration {
	switch v := m[key].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	case float64:
		return time.Duration(v) * time.Millisecond
	case int:
		return time.Duration(v) * time.Millisecond
	}
	return defaultVal
}
