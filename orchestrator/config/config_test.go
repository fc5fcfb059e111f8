// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 0.7, cfg.Intent.ClarificationThreshold)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 3, cfg.Engine.RetryBudget)
	assert.Equal(t, 0.3, cfg.Evaluator.ErrorRateCeiling)
}

func TestLoad_FileWithEnvExpansion(t *testing.T) {
	t.Setenv("LEXFLOW_TEST_DB", "postgres://db:5432/lexflow")
	t.Setenv("PORT", "9090")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  url: ${LEXFLOW_TEST_DB}
redis:
  url: ${LEXFLOW_TEST_REDIS:-redis://localhost:6379/0}
cache:
  ttl: 30m
engine:
  max_parallelism: 8
  feedback_wait: 90s
intent:
  clarification_threshold: 0.65
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://db:5432/lexflow", cfg.Database.URL)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.Equal(t, 30*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 8, cfg.Engine.MaxParallelism)
	assert.Equal(t, 90*time.Second, cfg.Engine.FeedbackWait)
	assert.Equal(t, 0.65, cfg.Intent.ClarificationThreshold)
	assert.Equal(t, 9090, cfg.Server.Port, "environment wins over file")
	assert.Equal(t, 3, cfg.Engine.RetryBudget, "unset values keep defaults")
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine: [1, 2"), 0o600))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"ANTHROPIC_API_KEY": "sk-test",
		"BEDROCK_REGION":    "eu-central-1",
		"CORS_ORIGINS":      "https://app.example.com, https://admin.example.com",
		"MAX_PARALLELISM":   "2",
		"CACHE_TTL":         "10m",
		"LOG_LEVEL":         "DEBUG",
	}
	cfg := Default()

	require.NoError(t, cfg.ApplyEnv(func(k string) string { return env[k] }))

	assert.Equal(t, "sk-test", cfg.LLM.AnthropicAPIKey)
	assert.Equal(t, "eu-central-1", cfg.LLM.BedrockRegion)
	assert.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 2, cfg.Engine.MaxParallelism)
	assert.Equal(t, 10*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, "DEBUG", cfg.LogLevel)

	bad := Default()
	assert.Error(t, bad.ApplyEnv(func(k string) string {
		if k == "PORT" {
			return "eighty"
		}
		return ""
	}))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }, "port"},
		{"parallelism", func(c *Config) { c.Engine.MaxParallelism = 0 }, "max_parallelism"},
		{"timeout", func(c *Config) { c.Engine.TimeoutMinutes = 0 }, "timeout_minutes"},
		{"threshold range", func(c *Config) { c.Validator.ConfidenceThreshold = 1.5 }, "validator.confidence_threshold"},
		{"secrets provider", func(c *Config) { c.Secrets.Provider = "vault" }, "secrets provider"},
		{"azure account", func(c *Config) { c.Documents.Azure.Enabled = true }, "documents.azure"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("LEXFLOW_A", "alpha")

	assert.Equal(t, "alpha-alpha", expandEnvVars("${LEXFLOW_A}-$LEXFLOW_A"))
	assert.Equal(t, "fallback", expandEnvVars("${LEXFLOW_UNSET_VAR:-fallback}"))
	assert.Equal(t, "", expandEnvVars("${LEXFLOW_UNSET_VAR}"))
}

type fakeSecrets struct {
	values map[string]string
	calls  int
	err    error
}

func (f *fakeSecrets) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.values[aws.ToString(in.SecretId)]
	if !ok {
		return &secretsmanager.GetSecretValueOutput{}, nil
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(v)}, nil
}

func TestAWSSecretsManager(t *testing.T) {
	arn := "arn:aws:secretsmanager:eu-central-1:123:secret:lexflow"
	fake := &fakeSecrets{values: map[string]string{
		arn:      `{"api_key": "sk-live", "url": "postgres://prod"}`,
		"simple": "plain-token",
	}}
	sm := NewAWSSecretsManagerWithClient(fake, time.Minute)

	v, err := sm.GetSecret(context.Background(), arn)
	require.NoError(t, err)
	assert.Equal(t, "sk-live", v["api_key"])

	_, err = sm.GetSecret(context.Background(), arn)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.calls, "second read is cached")

	sm.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = sm.GetSecret(context.Background(), arn)
	require.NoError(t, err)
	assert.Equal(t, 2, fake.calls, "expired entries are refetched")

	v, err = sm.GetSecret(context.Background(), "simple")
	require.NoError(t, err)
	assert.Equal(t, "plain-token", v["value"])

	_, err = sm.GetSecret(context.Background(), "absent")
	assert.ErrorContains(t, err, "no string value")

	fake.err = errors.New("access denied")
	sm.Invalidate(arn)
	_, err = sm.GetSecret(context.Background(), arn)
	assert.ErrorContains(t, err, "access denied")
}

func TestResolveSecrets(t *testing.T) {
	arn := "arn:aws:secretsmanager:eu-central-1:123:secret:lexflow"
	sm := NewAWSSecretsManagerWithClient(&fakeSecrets{values: map[string]string{
		arn: `{"api_key": "sk-live", "url": "postgres://prod"}`,
	}}, time.Minute)

	cfg := Default()
	cfg.LLM.AnthropicAPIKey = "secret://" + arn + "#api_key"
	cfg.Database.URL = "secret://" + arn + "#url"
	cfg.Redis.URL = "redis://plain"

	require.NoError(t, cfg.ResolveSecrets(context.Background(), sm))
	assert.Equal(t, "sk-live", cfg.LLM.AnthropicAPIKey)
	assert.Equal(t, "postgres://prod", cfg.Database.URL)
	assert.Equal(t, "redis://plain", cfg.Redis.URL)

	cfg.Documents.Azure.AccountKey = "secret://" + arn + "#account_key"
	assert.ErrorContains(t, cfg.ResolveSecrets(context.Background(), sm), "no field")

	assert.ErrorContains(t, cfg.ResolveSecrets(context.Background(), nil), "no secrets manager")
}

func TestEnvSecretsManager(t *testing.T) {
	env := map[string]string{"LEXFLOW_PROD_API_KEY": "sk-env"}
	sm := EnvSecretsManager{Getenv: func(k string) string { return env[k] }}

	v, err := sm.GetSecret(context.Background(), "lexflow/prod")
	require.NoError(t, err)
	assert.Equal(t, "sk-env", v["api_key"])

	_, err = sm.GetSecret(context.Background(), "other")
	assert.Error(t, err)
}

func TestParseSecretRef(t *testing.T) {
	id, field := ParseSecretRef("secret://arn:aws:x#password")
	assert.Equal(t, "arn:aws:x", id)
	assert.Equal(t, "password", field)

	id, field = ParseSecretRef("secret://token")
	assert.Equal(t, "token", id)
	assert.Equal(t, "value", field)
}
