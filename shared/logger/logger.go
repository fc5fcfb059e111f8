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
	"encoding/json"
	"io"
	"log"
	"os"
	"strings"
	"time"
)

// LogLevel represents the severity of a log entry
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

var levelRank = map[LogLevel]int{
	DEBUG: 0,
	INFO:  1,
	WARN:  2,
	ERROR: 3,
}

// Logger provides structured logging scoped to a component.
type Logger struct {
	Component  string
	InstanceID string
	Container  string
	MinLevel   LogLevel

	defaults map[string]interface{}
	out      *log.Logger
}

// LogEntry represents a structured log entry. ScopeID is the case scope
// (matter / document collection) and ExecutionID correlates every line
// written while an execution is running.
type LogEntry struct {
	Timestamp   string                 `json:"timestamp"`
	Level       LogLevel               `json:"level"`
	Component   string                 `json:"component"`
	InstanceID  string                 `json:"instance_id"`
	Container   string                 `json:"container"`
	ScopeID     string                 `json:"scope_id,omitempty"`
	ExecutionID string                 `json:"execution_id,omitempty"`
	Message     string                 `json:"message"`
	Fields      map[string]interface{} `json:"fields,omitempty"`
}

// New creates a new Logger for the specified component
func New(component string) *Logger {
	// Get instance ID from environment (set during deployment)
	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		instanceID = "unknown"
	}

	// Get container name from hostname
	container, err := os.Hostname()
	if err != nil {
		container = "unknown"
	}

	return &Logger{
		Component:  component,
		InstanceID: instanceID,
		Container:  container,
		MinLevel:   ParseLevel(os.Getenv("LOG_LEVEL")),
	}
}

// NewWithWriter creates a Logger that writes to w instead of the standard
// logger. Tests use it to capture output.
func NewWithWriter(component string, w io.Writer) *Logger {
	l := New(component)
	l.out = log.New(w, "", 0)
	return l
}

// ParseLevel converts a level name into a LogLevel. Unknown names map to INFO.
func ParseLevel(name string) LogLevel {
	switch LogLevel(strings.ToUpper(strings.TrimSpace(name))) {
	case DEBUG:
		return DEBUG
	case WARN:
		return WARN
	case ERROR:
		return ERROR
	default:
		return INFO
	}
}

// With returns a copy of the logger that adds fields to every entry.
func (l *Logger) With(fields map[string]interface{}) *Logger {
	merged := make(map[string]interface{}, len(l.defaults)+len(fields))
	for k, v := range l.defaults {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	child := *l
	child.defaults = merged
	return &child
}

// Enabled reports whether entries at level are written.
func (l *Logger) Enabled(level LogLevel) bool {
	min := l.MinLevel
	if min == "" {
		min = INFO
	}
	return levelRank[level] >= levelRank[min]
}

// Log creates a structured log entry and writes it to stdout
func (l *Logger) Log(level LogLevel, scopeID, executionID, message string, fields map[string]interface{}) {
	if l == nil || !l.Enabled(level) {
		return
	}

	if len(l.defaults) > 0 {
		merged := make(map[string]interface{}, len(l.defaults)+len(fields))
		for k, v := range l.defaults {
			merged[k] = v
		}
		for k, v := range fields {
			merged[k] = v
		}
		fields = merged
	}

	entry := LogEntry{
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		Level:       level,
		Component:   l.Component,
		InstanceID:  l.InstanceID,
		Container:   l.Container,
		ScopeID:     scopeID,
		ExecutionID: executionID,
		Message:     message,
		Fields:      fields,
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		log.Printf("ERROR: Failed to marshal log entry: %v", err)
		return
	}

	if l.out != nil {
		l.out.Println(string(jsonBytes))
		return
	}
	// Write JSON log to stdout (Docker will capture this)
	log.Println(string(jsonBytes))
}

// Info logs an informational message
func (l *Logger) Info(scopeID, executionID, message string, fields map[string]interface{}) {
	l.Log(INFO, scopeID, executionID, message, fields)
}

// Error logs an error message
func (l *Logger) Error(scopeID, executionID, message string, fields map[string]interface{}) {
	l.Log(ERROR, scopeID, executionID, message, fields)
}

// Warn logs a warning message
func (l *Logger) Warn(scopeID, executionID, message string, fields map[string]interface{}) {
	l.Log(WARN, scopeID, executionID, message, fields)
}

// Debug logs a debug message
func (l *Logger) Debug(scopeID, executionID, message string, fields map[string]interface{}) {
	l.Log(DEBUG, scopeID, executionID, message, fields)
}

// InfoWithDuration logs an info message with duration field
func (l *Logger) InfoWithDuration(scopeID, executionID, message string, duration time.Duration, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["duration_ms"] = float64(duration.Microseconds()) / 1000.0
	l.Info(scopeID, executionID, message, fields)
}

// ErrorWithCode logs an error with status code
func (l *Logger) ErrorWithCode(scopeID, executionID, message string, statusCode int, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["status_code"] = statusCode
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Error(scopeID, executionID, message, fields)
}

// Discard returns a logger that drops every entry.
func Discard(component string) *Logger {
	l := NewWithWriter(component, io.Discard)
	l.MinLevel = ERROR
	return l
}
