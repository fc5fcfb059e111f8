// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretPrefix marks a configuration value that names a secret.
const SecretPrefix = "secret://"

// SecretsManager returns the key/value pairs stored under a secret id.
type SecretsManager interface {
	GetSecret(ctx context.Context, secretID string) (map[string]string, error)
}

// SecretValueGetter is the part of the Secrets Manager client used here.
type SecretValueGetter interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSSecretsManager reads secrets from AWS Secrets Manager with a TTL cache.
type AWSSecretsManager struct {
	client SecretValueGetter
	cache  map[string]*secretCacheEntry
	mu     sync.RWMutex
	ttl    time.Duration
	now    func() time.Time
}

type secretCacheEntry struct {
	value     map[string]string
	expiresAt time.Time
}

// NewAWSSecretsManager creates a client from the default AWS configuration.
func NewAWSSecretsManager(ctx context.Context, region string, ttl time.Duration) (*AWSSecretsManager, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewAWSSecretsManagerWithClient(secretsmanager.NewFromConfig(cfg), ttl), nil
}

// NewAWSSecretsManagerWithClient wraps an existing client.
func NewAWSSecretsManagerWithClient(client SecretValueGetter, ttl time.Duration) *AWSSecretsManager {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &AWSSecretsManager{
		client: client,
		cache:  make(map[string]*secretCacheEntry),
		ttl:    ttl,
		now:    time.Now,
	}
}

// GetSecret returns the secret as a map. A secret that is not a JSON object
// is returned under the key "value".
func (s *AWSSecretsManager) GetSecret(ctx context.Context, secretID string) (map[string]string, error) {
	s.mu.RLock()
	entry, ok := s.cache[secretID]
	s.mu.RUnlock()
	if ok && s.now().Before(entry.expiresAt) {
		return entry.value, nil
	}

	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(secretID)})
	if err != nil {
		return nil, fmt.Errorf("failed to get secret %s: %w", maskID(secretID), err)
	}
	if out.SecretString == nil {
		return nil, fmt.Errorf("secret %s has no string value", maskID(secretID))
	}

	var values map[string]string
	if err := json.Unmarshal([]byte(*out.SecretString), &values); err != nil {
		values = map[string]string{"value": *out.SecretString}
	}

	s.mu.Lock()
	s.cache[secretID] = &secretCacheEntry{value: values, expiresAt: s.now().Add(s.ttl)}
	s.mu.Unlock()
	log.Printf("[Config] Retrieved secret %s", maskID(secretID))
	return values, nil
}

// Invalidate drops a cached secret.
func (s *AWSSecretsManager) Invalidate(secretID string) {
	s.mu.Lock()
	delete(s.cache, secretID)
	s.mu.Unlock()
}

// EnvSecretsManager maps a secret id to environment variables named
// <ID>_<FIELD>, upper-cased with non-alphanumerics replaced by underscores.
type EnvSecretsManager struct {
	Getenv func(string) string
}

// GetSecret implements SecretsManager.
func (e EnvSecretsManager) GetSecret(_ context.Context, secretID string) (map[string]string, error) {
	getenv := e.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	prefix := envName(secretID)
	values := make(map[string]string)
	for _, field := range []string{"value", "api_key", "password", "url", "account_key", "secret_access_key"} {
		if v := getenv(prefix + "_" + envName(field)); v != "" {
			values[field] = v
		}
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("secret %s not found in environment", maskID(secretID))
	}
	return values, nil
}

// ResolveSecrets replaces every secret reference in the credential fields of
// the configuration with the referenced value.
func (c *Config) ResolveSecrets(ctx context.Context, sm SecretsManager) error {
	fields := map[string]*string{
		"database.url":                      &c.Database.URL,
		"redis.url":                         &c.Redis.URL,
		"llm.anthropic_api_key":             &c.LLM.AnthropicAPIKey,
		"documents.s3.secret_access_key":    &c.Documents.S3.SecretAccessKey,
		"documents.azure.account_key":       &c.Documents.Azure.AccountKey,
		"documents.azure.connection_string": &c.Documents.Azure.ConnectionString,
		"documents.gcs.credentials_file":    &c.Documents.GCS.CredentialsFile,
	}
	for name, dst := range fields {
		if !strings.HasPrefix(*dst, SecretPrefix) {
			continue
		}
		if sm == nil {
			return fmt.Errorf("%s references a secret but no secrets manager is configured", name)
		}
		id, field := ParseSecretRef(*dst)
		values, err := sm.GetSecret(ctx, id)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", name, err)
		}
		v, ok := values[field]
		if !ok {
			return fmt.Errorf("resolve %s: secret %s has no field %q", name, maskID(id), field)
		}
		*dst = v
	}
	return nil
}

// ParseSecretRef splits secret://<id>#<field>. The field defaults to
// "value".
func ParseSecretRef(ref string) (id, field string) {
	rest := strings.TrimPrefix(ref, SecretPrefix)
	if i := strings.LastIndex(rest, "#"); i >= 0 {
		return rest[:i], rest[i+1:]
	}
	return rest, "value"
}

// maskID shows only the last 8 characters of a secret id.
func maskID(id string) string {
	if len(id) <= 12 {
		return "***"
	}
	return "..." + id[len(id)-8:]
}

func envName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
