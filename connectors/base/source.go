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

// Package base holds helpers shared by the document source connectors.
package base

import (
	"fmt"
	"io"
	"strings"
)

// DefaultMaxObjectBytes caps the size of a fetched document.
const DefaultMaxObjectBytes int64 = 32 << 20

// ConnectorError represents errors specific to connector operations
type ConnectorError struct {
	ConnectorName string
	Operation     string
	Message       string
	Cause         error
}

func (e *ConnectorError) Error() string {
	if e.Cause != nil {
		return e.ConnectorName + "." + e.Operation + ": " + e.Message + " (cause: " + e.Cause.Error() + ")"
	}
	return e.ConnectorName + "." + e.Operation + ": " + e.Message
}

func (e *ConnectorError) Unwrap() error {
	return e.Cause
}

// NewConnectorError creates a new ConnectorError
func NewConnectorError(connectorName, operation, message string, cause error) *ConnectorError {
	return &ConnectorError{
		ConnectorName: connectorName,
		Operation:     operation,
		Message:       message,
		Cause:         cause,
	}
}

// ValidateLocation rejects empty buckets and keys that escape their prefix.
func ValidateLocation(connector, bucket, key string) error {
	if bucket == "" {
		return NewConnectorError(connector, "Fetch", "bucket is required", nil)
	}
	if key == "" {
		return NewConnectorError(connector, "Fetch", "object key is required", nil)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return NewConnectorError(connector, "Fetch", fmt.Sprintf("invalid object key %q", key), nil)
		}
	}
	return nil
}

// ReadObject reads body up to limit bytes and closes it. Larger objects are
// rejected rather than truncated.
func ReadObject(connector string, body io.ReadCloser, limit int64) ([]byte, error) {
	defer body.Close()
	if limit <= 0 {
		limit = DefaultMaxObjectBytes
	}
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, NewConnectorError(connector, "Fetch", "failed to read object content", err)
	}
	if int64(len(data)) > limit {
		return nil, NewConnectorError(connector, "Fetch", fmt.Sprintf("object exceeds %d bytes", limit), nil)
	}
	return data, nil
}
