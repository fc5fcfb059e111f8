// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package config loads the orchestrator configuration from an optional YAML
// file and the environment. File values may reference environment variables
// as ${VAR} or ${VAR:-default}; string values of the form
// secret://<arn>#<field> are resolved through a SecretsManager.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete orchestrator configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Cache     CacheConfig     `yaml:"cache"`
	LLM       LLMConfig       `yaml:"llm"`
	Intent    IntentConfig    `yaml:"intent"`
	Engine    EngineConfig    `yaml:"engine"`
	Evaluator EvaluatorConfig `yaml:"evaluator"`
	Validator ValidatorConfig `yaml:"validator"`
	Feedback  FeedbackConfig  `yaml:"feedback"`
	Documents DocumentsConfig `yaml:"documents"`
	Secrets   SecretsConfig   `yaml:"secrets"`
	// DefinitionsDir holds workflow definition YAML files loaded at startup.
	DefinitionsDir string `yaml:"definitions_dir"`
	LogLevel       string `yaml:"log_level"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type RedisConfig struct {
	URL       string `yaml:"url"`
	KeyPrefix string `yaml:"key_prefix"`
}

type CacheConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type LLMConfig struct {
	AnthropicAPIKey string        `yaml:"anthropic_api_key"`
	AnthropicModel  string        `yaml:"anthropic_model"`
	BedrockRegion   string        `yaml:"bedrock_region"`
	BedrockModel    string        `yaml:"bedrock_model"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxTokens       int           `yaml:"max_tokens"`
}

type IntentConfig struct {
	ClarificationThreshold float64       `yaml:"clarification_threshold"`
	CacheTTL               time.Duration `yaml:"cache_ttl"`
	PromptVersion          string        `yaml:"prompt_version"`
	// ClarificationWait is how long an ambiguous request waits for the user
	// to answer the clarifying question. Zero returns the question at once.
	ClarificationWait time.Duration `yaml:"clarification_wait"`
}

type EngineConfig struct {
	MaxParallelism int `yaml:"max_parallelism"`
	// RetryBudget is the default max_retries of a step.
	RetryBudget int `yaml:"retry_budget"`
	// EscalateAfter is the retry count from which the replanner stops
	// choosing plain retries.
	EscalateAfter  int           `yaml:"escalate_after"`
	TimeoutMinutes int           `yaml:"timeout_minutes"`
	FeedbackWait   time.Duration `yaml:"feedback_wait"`
}

type EvaluatorConfig struct {
	AdaptationConfidence   float64 `yaml:"adaptation_confidence"`
	AdaptationCompleteness float64 `yaml:"adaptation_completeness"`
	AdaptationOverall      float64 `yaml:"adaptation_overall"`
	MaxIssues              int     `yaml:"max_issues"`
	HumanReviewConfidence  float64 `yaml:"human_review_confidence"`
	ValidationThreshold    float64 `yaml:"validation_threshold"`
	ErrorRateCeiling       float64 `yaml:"error_rate_ceiling"`
	MinSummaryWords        int     `yaml:"min_summary_words"`
}

type ValidatorConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	EvidencePassRatio   float64 `yaml:"evidence_pass_ratio"`
	AgreementThreshold  float64 `yaml:"agreement_threshold"`
}

type FeedbackConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type DocumentsConfig struct {
	MaxDocumentChars int         `yaml:"max_document_chars"`
	MaxObjectBytes   int64       `yaml:"max_object_bytes"`
	S3               S3Config    `yaml:"s3"`
	GCS              GCSConfig   `yaml:"gcs"`
	Azure            AzureConfig `yaml:"azure"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type GCSConfig struct {
	Enabled         bool   `yaml:"enabled"`
	CredentialsFile string `yaml:"credentials_file"`
	Endpoint        string `yaml:"endpoint"`
}

type AzureConfig struct {
	Enabled            bool   `yaml:"enabled"`
	AccountName        string `yaml:"account_name"`
	AccountKey         string `yaml:"account_key"`
	ConnectionString   string `yaml:"connection_string"`
	UseManagedIdentity bool   `yaml:"use_managed_identity"`
}

type SecretsConfig struct {
	Provider string        `yaml:"provider"`
	Region   string        `yaml:"region"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8081,
			CORSOrigins:     []string{"*"},
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{MaxOpenConns: 25, MaxIdleConns: 5},
		Redis:    RedisConfig{KeyPrefix: "lexflow:cache:"},
		Cache:    CacheConfig{TTL: time.Hour, SweepInterval: 5 * time.Minute},
		LLM: LLMConfig{
			AnthropicModel: "claude-sonnet-4-20250514",
			BedrockModel:   "anthropic.claude-3-5-sonnet-20240620-v1:0",
			Timeout:        2 * time.Minute,
			MaxTokens:      4096,
		},
		Intent: IntentConfig{ClarificationThreshold: 0.7, CacheTTL: time.Hour, PromptVersion: "v1"},
		Engine: EngineConfig{
			MaxParallelism: 4,
			RetryBudget:    3,
			EscalateAfter:  2,
			TimeoutMinutes: 30,
			FeedbackWait:   10 * time.Minute,
		},
		Evaluator: EvaluatorConfig{
			AdaptationConfidence:   0.5,
			AdaptationCompleteness: 0.6,
			AdaptationOverall:      0.6,
			MaxIssues:              2,
			HumanReviewConfidence:  0.5,
			ValidationThreshold:    0.7,
			ErrorRateCeiling:       0.3,
			MinSummaryWords:        30,
		},
		Validator: ValidatorConfig{ConfidenceThreshold: 0.7, EvidencePassRatio: 0.5, AgreementThreshold: 0.7},
		Feedback:  FeedbackConfig{TTL: 30 * time.Minute},
		Documents: DocumentsConfig{MaxDocumentChars: 12000, MaxObjectBytes: 32 << 20},
		Secrets:   SecretsConfig{Provider: "env", CacheTTL: 5 * time.Minute},
		LogLevel:  "INFO",
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// any) and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := cfg.Merge(data); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Merge overlays YAML content on the configuration after expanding
// environment references.
func (c *Config) Merge(data []byte) error {
	return yaml.Unmarshal([]byte(expandEnvVars(string(data))), c)
}

// ApplyEnv applies the environment overrides.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v := getenv("CORS_ORIGINS"); v != "" {
		c.Server.CORSOrigins = splitList(v)
	}
	setString(&c.Database.URL, getenv("DATABASE_URL"))
	setString(&c.Redis.URL, getenv("REDIS_URL"))
	setString(&c.LLM.AnthropicAPIKey, getenv("ANTHROPIC_API_KEY"))
	setString(&c.LLM.AnthropicModel, getenv("ANTHROPIC_MODEL"))
	setString(&c.LLM.BedrockRegion, getenv("BEDROCK_REGION"))
	setString(&c.LLM.BedrockModel, getenv("BEDROCK_MODEL"))
	setString(&c.LogLevel, getenv("LOG_LEVEL"))
	setString(&c.DefinitionsDir, getenv("DEFINITIONS_DIR"))
	setString(&c.Secrets.Provider, getenv("SECRETS_PROVIDER"))
	setString(&c.Secrets.Region, getenv("AWS_REGION"))
	if v := getenv("MAX_PARALLELISM"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid MAX_PARALLELISM %q: %w", v, err)
		}
		c.Engine.MaxParallelism = n
	}
	if v := getenv("CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid CACHE_TTL %q: %w", v, err)
		}
		c.Cache.TTL = d
	}
	return nil
}

// Validate checks ranges and required combinations.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Engine.MaxParallelism < 1 {
		return fmt.Errorf("engine.max_parallelism must be at least 1")
	}
	if c.Engine.RetryBudget < 0 {
		return fmt.Errorf("engine.retry_budget must not be negative")
	}
	if c.Engine.TimeoutMinutes < 1 {
		return fmt.Errorf("engine.timeout_minutes must be at least 1")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	thresholds := map[string]float64{
		"intent.clarification_threshold":    c.Intent.ClarificationThreshold,
		"evaluator.adaptation_confidence":   c.Evaluator.AdaptationConfidence,
		"evaluator.adaptation_completeness": c.Evaluator.AdaptationCompleteness,
		"evaluator.adaptation_overall":      c.Evaluator.AdaptationOverall,
		"evaluator.human_review_confidence": c.Evaluator.HumanReviewConfidence,
		"evaluator.validation_threshold":    c.Evaluator.ValidationThreshold,
		"evaluator.error_rate_ceiling":      c.Evaluator.ErrorRateCeiling,
		"validator.confidence_threshold":    c.Validator.ConfidenceThreshold,
		"validator.evidence_pass_ratio":     c.Validator.EvidencePassRatio,
		"validator.agreement_threshold":     c.Validator.AgreementThreshold,
	}
	for name, v := range thresholds {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be between 0 and 1, got %v", name, v)
		}
	}
	switch c.Secrets.Provider {
	case "", "env", "aws":
	default:
		return fmt.Errorf("invalid secrets provider %q", c.Secrets.Provider)
	}
	if c.Documents.Azure.Enabled && c.Documents.Azure.ConnectionString == "" && c.Documents.Azure.AccountName == "" {
		return fmt.Errorf("documents.azure requires account_name or connection_string")
	}
	return nil
}

// envVarRegex matches ${VAR_NAME} or $VAR_NAME patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars expands ${VAR}, ${VAR:-default} and $VAR references.
// Undefined variables without a default expand to the empty string.
func expandEnvVars(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		var varName string
		if strings.HasPrefix(match, "${") {
			varName = match[2 : len(match)-1]
		} else {
			varName = match[1:]
		}

		defaultVal := ""
		if idx := strings.Index(varName, ":-"); idx != -1 {
			defaultVal = varName[idx+2:]
			varName = varName[:idx]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultVal
	})
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
