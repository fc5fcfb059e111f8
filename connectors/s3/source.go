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

// Package s3 reads case documents from Amazon S3 and S3-compatible storage
// (MinIO, DigitalOcean Spaces, Cloudflare R2). Credentials come from the
// config or, when empty, from the default AWS credential chain.
package s3

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"lexflow/platform/connectors/base"
)

const connectorName = "s3"

// ObjectGetter is the subset of the S3 client used by Source.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Config configures the S3 source.
type Config struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	MaxObjectBytes  int64  `yaml:"max_object_bytes"`
}

// Source fetches objects addressed as s3://bucket/key.
type Source struct {
	client   ObjectGetter
	maxBytes int64
}

// NewSource loads AWS configuration and creates an S3 client.
func NewSource(ctx context.Context, cfg Config) (*Source, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	optFns := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	// Use explicit credentials if provided, otherwise use default credential chain
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)
		optFns = append(optFns, config.WithCredentialsProvider(creds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, base.NewConnectorError(connectorName, "Connect", "failed to load AWS config", err)
	}

	var s3Options []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.ForcePathStyle {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return NewSourceWithClient(s3.NewFromConfig(awsCfg, s3Options...), cfg.MaxObjectBytes), nil
}

// NewSourceWithClient wraps an existing client.
func NewSourceWithClient(client ObjectGetter, maxBytes int64) *Source {
	return &Source{client: client, maxBytes: maxBytes}
}

// Scheme implements documents.Source.
func (s *Source) Scheme() string { return "s3" }

// Fetch implements documents.Source.
func (s *Source) Fetch(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := base.ValidateLocation(connectorName, bucket, key); err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, base.NewConnectorError(connectorName, "Fetch", fmt.Sprintf("failed to get object: %s/%s", bucket, key), err)
	}
	return base.ReadObject(connectorName, out.Body, s.maxBytes)
}
