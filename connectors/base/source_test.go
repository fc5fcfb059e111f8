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

package base

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestConnectorError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *ConnectorError
		wantMsg string
	}{
		{
			name: "with cause",
			err: &ConnectorError{
				ConnectorName: "s3",
				Operation:     "Fetch",
				Message:       "failed to get object",
				Cause:         errors.New("access denied"),
			},
			wantMsg: "s3.Fetch: failed to get object (cause: access denied)",
		},
		{
			name: "without cause",
			err: &ConnectorError{
				ConnectorName: "gcs",
				Operation:     "Fetch",
				Message:       "bucket is required",
			},
			wantMsg: "gcs.Fetch: bucket is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConnectorError_Unwrap(t *testing.T) {
	cause := errors.New("root")
	err := NewConnectorError("azureblob", "Fetch", "boom", cause)
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}
}

func TestValidateLocation(t *testing.T) {
	tests := []struct {
		bucket, key string
		wantErr     bool
	}{
		{"cases", "2024/lease.txt", false},
		{"", "lease.txt", true},
		{"cases", "", true},
		{"cases", "../secrets.txt", true},
		{"cases", "a/../../b", true},
		{"cases", "a/..b/c.txt", false},
	}
	for _, tt := range tests {
		err := ValidateLocation("s3", tt.bucket, tt.key)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateLocation(%q, %q) error = %v, wantErr %v", tt.bucket, tt.key, err, tt.wantErr)
		}
	}
}

func TestReadObject(t *testing.T) {
	data, err := ReadObject("s3", io.NopCloser(strings.NewReader("hello")), 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("got %q", data)
	}

	if _, err := ReadObject("s3", io.NopCloser(strings.NewReader("hello!")), 5); err == nil {
		t.Error("expected oversize object to be rejected")
	}
}
