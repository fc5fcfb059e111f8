// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package tools

import "math"

// StringParam returns params[key] as a string, or def.
func StringParam(params map[string]interface{}, key, def string) string {
	if s, ok := params[key].(string); ok && s != "" {
		return s
	}
	return def
}

// StringsParam returns params[key] as a string slice.
func StringsParam(params map[string]interface{}, key string) []string {
	out, _ := toStrings(params[key])
	return out
}

// IntParam returns params[key] as an int, or def.
func IntParam(params map[string]interface{}, key string, def int) int {
	if n, ok := toInt(params[key]); ok {
		return n
	}
	return def
}

func toStrings(v interface{}) ([]string, bool) {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...), true
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

func toInt(v interface{}) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int32:
		return int(t), true
	case int64:
		return int(t), true
	case float64:
		if t == math.Trunc(t) {
			return int(t), true
		}
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}
