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

// Package gcs reads case documents from Google Cloud Storage. Credentials
// come from a service account file, inline JSON, or Application Default
// Credentials.
package gcs

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"lexflow/platform/connectors/base"
)

const connectorName = "gcs"

// ObjectOpener opens a reader for bucket/key.
type ObjectOpener func(ctx context.Context, bucket, key string) (io.ReadCloser, error)

// Config configures the GCS source.
type Config struct {
	CredentialsFile string `yaml:"credentials_file"`
	CredentialsJSON string `yaml:"credentials_json"`
	Endpoint        string `yaml:"endpoint"`
	MaxObjectBytes  int64  `yaml:"max_object_bytes"`
}

// Source fetches objects addressed as gs://bucket/key.
type Source struct {
	open     ObjectOpener
	client   *storage.Client
	maxBytes int64
}

// NewSource creates a GCS client.
func NewSource(ctx context.Context, cfg Config) (*Source, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	} else if cfg.CredentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	}
	// Custom endpoint is used with the storage emulator.
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, base.NewConnectorError(connectorName, "Connect", "failed to create GCS client", err)
	}

	s := NewSourceWithOpener(func(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
		return client.Bucket(bucket).Object(key).NewReader(ctx)
	}, cfg.MaxObjectBytes)
	s.client = client
	return s, nil
}

// NewSourceWithOpener creates a source around a custom opener.
func NewSourceWithOpener(open ObjectOpener, maxBytes int64) *Source {
	return &Source{open: open, maxBytes: maxBytes}
}

// Scheme implements documents.Source.
func (s *Source) Scheme() string { return "gs" }

// Fetch implements documents.Source.
func (s *Source) Fetch(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := base.ValidateLocation(connectorName, bucket, key); err != nil {
		return nil, err
	}
	reader, err := s.open(ctx, bucket, key)
	if err != nil {
		return nil, base.NewConnectorError(connectorName, "Fetch", fmt.Sprintf("failed to read object: %s/%s", bucket, key), err)
	}
	return base.ReadObject(connectorName, reader, s.maxBytes)
}

// Close releases the underlying client.
func (s *Source) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
