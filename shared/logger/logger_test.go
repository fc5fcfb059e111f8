// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func decodeEntries(t *testing.T, buf *bytes.Buffer) []LogEntry {
	t.Helper()
	var entries []LogEntry
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry LogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("Failed to parse JSON log: %v\nOutput: %s", err, line)
		}
		entries = append(entries, entry)
	}
	return entries
}

// TestNew tests logger initialization
func TestNew(t *testing.T) {
	tests := []struct {
		name           string
		component      string
		instanceID     string
		expectedInstID string
	}{
		{name: "with instance ID set", component: "engine", instanceID: "instance-123", expectedInstID: "instance-123"},
		{name: "without instance ID", component: "planner", instanceID: "", expectedInstID: "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("INSTANCE_ID", tt.instanceID)

			l := New(tt.component)

			if l.Component != tt.component {
				t.Errorf("Expected component %s, got %s", tt.component, l.Component)
			}
			if l.InstanceID != tt.expectedInstID {
				t.Errorf("Expected instance ID %s, got %s", tt.expectedInstID, l.InstanceID)
			}
			if l.Container == "" {
				t.Error("Expected container to be set from hostname")
			}
		})
	}
}

// TestLogLevels tests all log level methods
func TestLogLevels(t *testing.T) {
	tests := []struct {
		name        string
		logFunc     func(*Logger, string, string, string, map[string]interface{})
		level       LogLevel
		scopeID     string
		executionID string
	}{
		{name: "Info log", logFunc: (*Logger).Info, level: INFO, scopeID: "case-1", executionID: "exec-1"},
		{name: "Error log", logFunc: (*Logger).Error, level: ERROR, scopeID: "case-2", executionID: "exec-2"},
		{name: "Warn log", logFunc: (*Logger).Warn, level: WARN, scopeID: "case-3", executionID: ""},
		{name: "Debug log", logFunc: (*Logger).Debug, level: DEBUG, scopeID: "", executionID: "exec-4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := NewWithWriter("test-component", &buf)
			l.MinLevel = DEBUG

			tt.logFunc(l, tt.scopeID, tt.executionID, "message", map[string]interface{}{"key": "value"})

			entries := decodeEntries(t, &buf)
			if len(entries) != 1 {
				t.Fatalf("Expected 1 entry, got %d", len(entries))
			}
			entry := entries[0]

			if entry.Level != tt.level {
				t.Errorf("Expected level %s, got %s", tt.level, entry.Level)
			}
			if entry.ScopeID != tt.scopeID {
				t.Errorf("Expected scope ID '%s', got '%s'", tt.scopeID, entry.ScopeID)
			}
			if entry.ExecutionID != tt.executionID {
				t.Errorf("Expected execution ID '%s', got '%s'", tt.executionID, entry.ExecutionID)
			}
			if entry.Fields["key"] != "value" {
				t.Errorf("Expected field key=value, got %v", entry.Fields["key"])
			}
			if _, err := time.Parse(time.RFC3339Nano, entry.Timestamp); err != nil {
				t.Errorf("Invalid timestamp format: %s", entry.Timestamp)
			}
		})
	}
}

func TestMinLevelFiltersEntries(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("engine", &buf)
	l.MinLevel = WARN

	l.Debug("", "", "dropped", nil)
	l.Info("", "", "dropped", nil)
	l.Warn("", "", "kept", nil)
	l.Error("", "", "kept", nil)

	entries := decodeEntries(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	for _, e := range entries {
		if e.Message != "kept" {
			t.Errorf("Unexpected entry %q", e.Message)
		}
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		" WARN ":  WARN,
		"error":   ERROR,
		"":        INFO,
		"verbose": INFO,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestWithAddsDefaultFields(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithWriter("engine", &buf)
	child := base.With(map[string]interface{}{"step_id": "risk"})

	child.Info("case-1", "exec-1", "step done", map[string]interface{}{"tool": "risk_assessment"})
	base.Info("case-1", "exec-1", "base entry", nil)

	entries := decodeEntries(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0].Fields["step_id"] != "risk" || entries[0].Fields["tool"] != "risk_assessment" {
		t.Errorf("Expected merged fields, got %v", entries[0].Fields)
	}
	if _, ok := entries[1].Fields["step_id"]; ok {
		t.Error("With must not mutate the parent logger")
	}
}

// TestInfoWithDuration tests the InfoWithDuration helper method
func TestInfoWithDuration(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("test-component", &buf)

	l.InfoWithDuration("case-1", "exec-1", "Execution completed", 1500*time.Microsecond, map[string]interface{}{
		"steps": 3,
	})

	entries := decodeEntries(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}
	if entries[0].Fields["duration_ms"] != 1.5 {
		t.Errorf("Expected duration_ms 1.5, got %v", entries[0].Fields["duration_ms"])
	}
	if entries[0].Fields["steps"] != float64(3) {
		t.Errorf("Expected steps field to be preserved, got %v", entries[0].Fields["steps"])
	}
}

// TestErrorWithCode tests the ErrorWithCode helper method
func TestErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("test-component", &buf)

	l.ErrorWithCode("case-1", "exec-1", "Request failed", 500, errors.New("database connection failed"), nil)

	entries := decodeEntries(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != ERROR {
		t.Errorf("Expected ERROR level, got %s", entry.Level)
	}
	if entry.Fields["status_code"] != float64(500) {
		t.Errorf("Expected status_code 500, got %v", entry.Fields["status_code"])
	}
	if entry.Fields["error"] != "database connection failed" {
		t.Errorf("Expected error message, got %v", entry.Fields["error"])
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	l.Info("", "", "ignored", nil)
}

// BenchmarkLog benchmarks the logging performance
func BenchmarkLog(b *testing.B) {
	var buf bytes.Buffer
	l := NewWithWriter("bench", &buf)
	fields := map[string]interface{}{"step_id": "risk", "tool": "risk_assessment"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		l.Info("case-1", "exec-1", "Step completed", fields)
	}
}
