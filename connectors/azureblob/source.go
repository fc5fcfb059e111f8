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

// Package azureblob reads case documents from Azure Blob Storage using a
// connection string, a shared key, or DefaultAzureCredential.
package azureblob

import (
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"lexflow/platform/connectors/base"
)

const connectorName = "azureblob"

// BlobDownloader opens a stream for container/blob.
type BlobDownloader func(ctx context.Context, container, blob string) (io.ReadCloser, error)

// Config configures the Azure Blob source.
type Config struct {
	AccountName        string `yaml:"account_name"`
	AccountKey         string `yaml:"account_key"`
	ConnectionString   string `yaml:"connection_string"`
	UseManagedIdentity bool   `yaml:"use_managed_identity"`
	MaxObjectBytes     int64  `yaml:"max_object_bytes"`
}

// Source fetches blobs addressed as azblob://container/blob.
type Source struct {
	download BlobDownloader
	maxBytes int64
}

// NewSource builds an azblob client from the configured auth method.
func NewSource(cfg Config) (*Source, error) {
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	return NewSourceWithDownloader(func(ctx context.Context, container, blob string) (io.ReadCloser, error) {
		resp, err := client.DownloadStream(ctx, container, blob, nil)
		if err != nil {
			return nil, err
		}
		return resp.Body, nil
	}, cfg.MaxObjectBytes), nil
}

func newClient(cfg Config) (*azblob.Client, error) {
	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)

	switch {
	case cfg.ConnectionString != "":
		client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
		if err != nil {
			return nil, base.NewConnectorError(connectorName, "Connect", "failed to create client from connection string", err)
		}
		return client, nil
	case cfg.AccountKey != "":
		if cfg.AccountName == "" {
			return nil, base.NewConnectorError(connectorName, "Connect", "account_name is required with account_key", nil)
		}
		cred, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if err != nil {
			return nil, base.NewConnectorError(connectorName, "Connect", "failed to create shared key credential", err)
		}
		client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
		if err != nil {
			return nil, base.NewConnectorError(connectorName, "Connect", "failed to create client", err)
		}
		return client, nil
	case cfg.UseManagedIdentity:
		if cfg.AccountName == "" {
			return nil, base.NewConnectorError(connectorName, "Connect", "account_name is required with managed identity", nil)
		}
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, base.NewConnectorError(connectorName, "Connect", "failed to create Azure credential", err)
		}
		client, err := azblob.NewClient(serviceURL, cred, nil)
		if err != nil {
			return nil, base.NewConnectorError(connectorName, "Connect", "failed to create client", err)
		}
		return client, nil
	default:
		return nil, base.NewConnectorError(connectorName, "Connect", "no authentication method provided", nil)
	}
}

// NewSourceWithDownloader creates a source around a custom downloader.
func NewSourceWithDownloader(download BlobDownloader, maxBytes int64) *Source {
	return &Source{download: download, maxBytes: maxBytes}
}

// Scheme implements documents.Source.
func (s *Source) Scheme() string { return "azblob" }

// Fetch implements documents.Source.
func (s *Source) Fetch(ctx context.Context, container, blob string) ([]byte, error) {
	if err := base.ValidateLocation(connectorName, container, blob); err != nil {
		return nil, err
	}
	body, err := s.download(ctx, container, blob)
	if err != nil {
		return nil, base.NewConnectorError(connectorName, "Fetch", fmt.Sprintf("failed to download blob: %s/%s", container, blob), err)
	}
	return base.ReadObject(connectorName, body, s.maxBytes)
}
