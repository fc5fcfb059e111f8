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

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/cors"

	"lexflow/platform/connectors/azureblob"
	"lexflow/platform/connectors/gcs"
	"lexflow/platform/connectors/s3"
	"lexflow/platform/orchestrator/cache"
	"lexflow/platform/orchestrator/config"
	"lexflow/platform/orchestrator/documents"
	"lexflow/platform/orchestrator/engine"
	"lexflow/platform/orchestrator/evaluator"
	"lexflow/platform/orchestrator/events"
	"lexflow/platform/orchestrator/feedback"
	"lexflow/platform/orchestrator/graph"
	"lexflow/platform/orchestrator/intent"
	"lexflow/platform/orchestrator/llm"
	"lexflow/platform/orchestrator/metrics"
	"lexflow/platform/orchestrator/planner"
	"lexflow/platform/orchestrator/replanner"
	"lexflow/platform/orchestrator/store"
	"lexflow/platform/orchestrator/tasks"
	"lexflow/platform/orchestrator/tools"
	"lexflow/platform/orchestrator/validator"
	"lexflow/platform/orchestrator/workflow"
	"lexflow/platform/shared/logger"
)

// maintenanceInterval is how often closed streams and resolved feedback
// requests are pruned.
const maintenanceInterval = time.Minute

// service holds the wired components of a running orchestrator.
type service struct {
	cfg         *config.Config
	coordinator *Coordinator
	handler     http.Handler
	hub         *events.Hub
	queue       *feedback.Queue
	sweeper     *cache.Sweeper
	closers     []func() error
}

// Run starts the LexFlow Orchestrator and blocks until SIGINT or SIGTERM.
//
// Configuration is read from the YAML file named by CONFIG_FILE (optional)
// and the environment:
//   - PORT: HTTP server port (default: 8081)
//   - DATABASE_URL: PostgreSQL connection string (optional, in-memory otherwise)
//   - REDIS_URL: Redis cache URL (optional, in-memory otherwise)
//   - ANTHROPIC_API_KEY: Anthropic API key (optional)
//   - BEDROCK_REGION: AWS Bedrock region (optional)
//   - DEFINITIONS_DIR: directory of workflow definition YAML files (optional)
//   - SECRETS_PROVIDER: env or aws
func Run() {
	log.Println("Starting LexFlow Orchestrator...")

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := newService(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize orchestrator: %v", err)
	}
	if err := svc.serve(ctx); err != nil {
		log.Fatalf("Orchestrator stopped with error: %v", err)
	}
	log.Println("LexFlow Orchestrator stopped")
}

// newService resolves secrets and wires every component from cfg.
func newService(ctx context.Context, cfg *config.Config) (*service, error) {
	if err := resolveSecrets(ctx, cfg); err != nil {
		return nil, err
	}
	svc := &service{cfg: cfg}

	m := metrics.New()
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m.MustRegister(reg)

	repo, err := svc.openRepository(ctx)
	if err != nil {
		svc.close()
		return nil, err
	}
	if err := loadDefinitions(ctx, repo, cfg.DefinitionsDir); err != nil {
		svc.close()
		return nil, err
	}

	cc, err := svc.openCache(ctx, m)
	if err != nil {
		svc.close()
		return nil, err
	}

	provider := newLLMProvider(ctx, cfg.LLM, m)

	docs := documents.NewMemoryStore()
	loader := documents.NewLoader(docs, svc.documentSources(ctx)...)

	registry := tools.NewRegistry(logger.New("tools"))
	if err := tools.RegisterBuiltins(registry, tools.Deps{
		LLM:              provider,
		Documents:        docs,
		Retriever:        docs,
		MaxDocumentChars: cfg.Documents.MaxDocumentChars,
	}); err != nil {
		svc.close()
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	log.Printf("Tool registry initialized with %d tools", len(registry.Names()))

	resolver, err := graph.NewResolver(tasks.Prerequisites())
	if err != nil {
		svc.close()
		return nil, fmt.Errorf("invalid task catalog: %w", err)
	}

	var detector validator.ConflictDetector
	var verifier validator.Verifier
	if provider != nil {
		detector = &validator.LLMConflictDetector{Provider: provider}
		verifier = &validator.LLMVerifier{Provider: provider}
	}

	svc.queue = feedback.NewQueue(cfg.Feedback.TTL, logger.New("feedback"))
	svc.hub = events.NewHub(0)

	eng := engine.New(engine.Config{
		MaxParallelism: cfg.Engine.MaxParallelism,
		FeedbackWait:   cfg.Engine.FeedbackWait,
	}, engine.Deps{
		Tools: registry,
		Evaluator: evaluator.New(evaluator.Config{
			AdaptationConfidence:   cfg.Evaluator.AdaptationConfidence,
			AdaptationCompleteness: cfg.Evaluator.AdaptationCompleteness,
			AdaptationOverall:      cfg.Evaluator.AdaptationOverall,
			MaxIssues:              cfg.Evaluator.MaxIssues,
			HumanReviewConfidence:  cfg.Evaluator.HumanReviewConfidence,
			ValidationThreshold:    cfg.Evaluator.ValidationThreshold,
			ErrorRateCeiling:       cfg.Evaluator.ErrorRateCeiling,
			MinSummaryWords:        cfg.Evaluator.MinSummaryWords,
			DefaultConfidence:      evaluator.DefaultConfig().DefaultConfidence,
		}),
		Validator: validator.New(validator.Config{
			EvidencePassRatio:   cfg.Validator.EvidencePassRatio,
			ConfidenceThreshold: cfg.Validator.ConfidenceThreshold,
			AgreementThreshold:  cfg.Validator.AgreementThreshold,
		}, detector, verifier, logger.New("validator")),
		Replanner: replanner.New(replanner.Config{EscalateAfter: cfg.Engine.EscalateAfter}, logger.New("replanner")),
		Feedback:  svc.queue,
		Documents: docs,
		Recorder:  repo,
		LLM:       provider,
		Metrics:   m,
		Log:       logger.New("engine"),
	})

	svc.coordinator = NewCoordinator(CoordinatorConfig{
		RetryBudget:       cfg.Engine.RetryBudget,
		TimeoutMinutes:    cfg.Engine.TimeoutMinutes,
		ClarificationWait: cfg.Intent.ClarificationWait,
		ResultTTL:         cfg.Cache.TTL,
		PromptVersion:     cfg.Intent.PromptVersion,
	}, CoordinatorDeps{
		Classifier: intent.New(intent.Config{
			ClarificationThreshold: cfg.Intent.ClarificationThreshold,
			CacheTTL:               cfg.Intent.CacheTTL,
			PromptVersion:          cfg.Intent.PromptVersion,
		}, provider, cc, m, logger.New("intent")),
		Planner:    planner.New(resolver, registry, provider, logger.New("planner")),
		Engine:     eng,
		Repository: repo,
		Hub:        svc.hub,
		Cache:      cc,
		Feedback:   svc.queue,
		Documents:  docs,
		Loader:     loader,
		Metrics:    m,
		Log:        logger.New("coordinator"),
	})

	r := mux.NewRouter()
	NewHandler(svc.coordinator, svc.queue, repo, cc, reg).RegisterRoutes(r)
	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Execution-ID"},
		AllowCredentials: true,
	})
	svc.handler = c.Handler(r)
	return svc, nil
}

// serve runs the HTTP server and background maintenance until ctx is done,
// then shuts down gracefully.
func (s *service) serve(ctx context.Context) error {
	s.sweeper.Start(ctx)
	go s.maintain(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.Server.ReadTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("LexFlow Orchestrator listening on port %d", s.cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Println("Shutdown signal received, draining connections...")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	s.close()
	return serveErr
}

// maintain prunes closed event streams and settled feedback requests.
func (s *service) maintain(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			streams := s.hub.Prune(now)
			requests := s.queue.Prune(now.Add(-s.cfg.Feedback.TTL))
			if streams > 0 || requests > 0 {
				log.Printf("[Maintenance] Pruned %d event streams and %d feedback requests", streams, requests)
			}
		}
	}
}

// close stops the coordinator and background work, then releases
// connections in reverse order of opening.
func (s *service) close() {
	if s.coordinator != nil {
		s.coordinator.Close()
	}
	if s.sweeper != nil {
		s.sweeper.Stop()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			log.Printf("Error closing resource: %v", err)
		}
	}
	s.closers = nil
}

func resolveSecrets(ctx context.Context, cfg *config.Config) error {
	var sm config.SecretsManager = config.EnvSecretsManager{}
	if cfg.Secrets.Provider == "aws" {
		aws, err := config.NewAWSSecretsManager(ctx, cfg.Secrets.Region, cfg.Secrets.CacheTTL)
		if err != nil {
			return fmt.Errorf("failed to create AWS Secrets Manager client: %w", err)
		}
		sm = aws
		log.Printf("Using AWS Secrets Manager for secret references (region: %s)", cfg.Secrets.Region)
	}
	if err := cfg.ResolveSecrets(ctx, sm); err != nil {
		return fmt.Errorf("failed to resolve secrets: %w", err)
	}
	return nil
}

// openRepository connects to PostgreSQL when DATABASE_URL is set and falls
// back to the in-memory repository otherwise.
func (s *service) openRepository(ctx context.Context) (store.Repository, error) {
	if s.cfg.Database.URL == "" {
		log.Println("WARNING: DATABASE_URL is not set, executions are kept in memory only")
		return store.NewMemoryRepository(), nil
	}
	// SECURITY: Don't log DATABASE_URL contents as it may contain credentials
	log.Printf("DATABASE_URL is set (length: %d chars)", len(s.cfg.Database.URL))

	db, err := store.Connect(ctx, s.cfg.Database.URL, s.cfg.Database.MaxOpenConns, s.cfg.Database.MaxIdleConns)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, db.Close)

	repo := store.NewPostgresRepository(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	log.Println("PostgreSQL repository initialized")
	return repo, nil
}

// loadDefinitions registers the workflow definitions found in dir.
// Definitions that were already published keep their stored version.
func loadDefinitions(ctx context.Context, repo store.Repository, dir string) error {
	if dir == "" {
		return nil
	}
	defs, err := workflow.LoadDefinitions(dir)
	if err != nil {
		return err
	}
	loaded := 0
	for _, def := range defs {
		err := repo.SaveDefinition(ctx, def)
		switch {
		case errors.Is(err, store.ErrPublished):
			log.Printf("Workflow definition %s is published, keeping stored version", def.ID)
		case err != nil:
			return fmt.Errorf("failed to save definition %s: %w", def.ID, err)
		default:
			loaded++
		}
	}
	log.Printf("Loaded %d workflow definitions from %s", loaded, dir)
	return nil
}

// openCache connects to Redis when REDIS_URL is set and falls back to the
// in-memory cache otherwise.
func (s *service) openCache(ctx context.Context, m *metrics.Metrics) (cache.Cache, error) {
	var cc cache.Cache
	if s.cfg.Redis.URL != "" {
		client, err := cache.ConnectRedis(ctx, s.cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, client.Close)
		cc = cache.NewRedisCache(client, cache.RedisOptions{Prefix: s.cfg.Redis.KeyPrefix, DefaultTTL: s.cfg.Cache.TTL})
		log.Println("Redis cache initialized")
	} else {
		cc = cache.NewMemoryCache(s.cfg.Cache.TTL, nil)
		log.Println("REDIS_URL not set, using in-memory cache")
	}

	s.sweeper = cache.NewSweeper(cc, s.cfg.Cache.SweepInterval, logger.New("cache_sweeper"), m.CacheSweep)
	return cc, nil
}

// newLLMProvider routes between the configured providers, Anthropic first.
// It returns nil when no provider is configured; the classifier then falls
// back to its rules and the tools report the missing model.
func newLLMProvider(ctx context.Context, cfg config.LLMConfig, m *metrics.Metrics) llm.Provider {
	router := llm.NewRouter(
		llm.WithRouterLogger(logger.New("llm_router")),
		llm.WithCallObserver(func(provider, purpose string, latency time.Duration, tokens int, err error) {
			m.LLMCall(provider, err)
		}),
	)

	if cfg.AnthropicAPIKey != "" {
		p, err := llm.NewAnthropicProvider(llm.AnthropicConfig{
			Name:    "anthropic",
			APIKey:  cfg.AnthropicAPIKey,
			Model:   cfg.AnthropicModel,
			Timeout: cfg.Timeout,
		})
		if err != nil {
			log.Printf("Failed to initialize Anthropic provider: %v", err)
		} else {
			router.Register(p, 2)
			log.Printf("Anthropic provider registered (model: %s)", cfg.AnthropicModel)
		}
	}
	if cfg.BedrockRegion != "" {
		p, err := llm.NewBedrockProvider(ctx, cfg.BedrockRegion, cfg.BedrockModel)
		if err != nil {
			log.Printf("Failed to initialize Bedrock provider: %v", err)
		} else {
			router.Register(p, 1)
			log.Printf("Bedrock provider registered (region: %s, model: %s)", cfg.BedrockRegion, cfg.BedrockModel)
		}
	}

	if router.Len() == 0 {
		log.Println("WARNING: no LLM provider configured, classification uses rules only")
		return nil
	}
	return router
}

// documentSources builds the enabled object storage connectors. A connector
// that fails to initialize is skipped; imports from its scheme then fail
// with an unsupported scheme error.
func (s *service) documentSources(ctx context.Context) []documents.Source {
	cfg := s.cfg.Documents
	var sources []documents.Source
	if cfg.S3.Enabled {
		src, err := s3.NewSource(ctx, s3.Config{
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			ForcePathStyle:  cfg.S3.ForcePathStyle,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			MaxObjectBytes:  cfg.MaxObjectBytes,
		})
		if err != nil {
			log.Printf("Failed to initialize S3 document source: %v", err)
		} else {
			sources = append(sources, src)
		}
	}
	if cfg.GCS.Enabled {
		src, err := gcs.NewSource(ctx, gcs.Config{
			CredentialsFile: cfg.GCS.CredentialsFile,
			Endpoint:        cfg.GCS.Endpoint,
			MaxObjectBytes:  cfg.MaxObjectBytes,
		})
		if err != nil {
			log.Printf("Failed to initialize GCS document source: %v", err)
		} else {
			s.closers = append(s.closers, src.Close)
			sources = append(sources, src)
		}
	}
	if cfg.Azure.Enabled {
		src, err := azureblob.NewSource(azureblob.Config{
			AccountName:        cfg.Azure.AccountName,
			AccountKey:         cfg.Azure.AccountKey,
			ConnectionString:   cfg.Azure.ConnectionString,
			UseManagedIdentity: cfg.Azure.UseManagedIdentity,
			MaxObjectBytes:     cfg.MaxObjectBytes,
		})
		if err != nil {
			log.Printf("Failed to initialize Azure Blob document source: %v", err)
		} else {
			sources = append(sources, src)
		}
	}
	return sources
}
