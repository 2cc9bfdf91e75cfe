package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"agentflow/blueprint"
	"agentflow/common"
	"agentflow/domain"
	"agentflow/interaction"
	"agentflow/llm"
	"agentflow/memory"
	"agentflow/nats"
	"agentflow/orchestrator"
	"agentflow/secret_manager"
	"agentflow/srv"
	"agentflow/srv/jetstream"
	"agentflow/srv/postgres"
	"agentflow/srv/redis"
	"agentflow/srv/sqlite"
	"agentflow/telemetry"
	"agentflow/worker"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// app holds every long-lived component built from a Config.
type app struct {
	config       common.Config
	service      srv.Service
	locker       domain.SessionLocker
	definitions  *blueprint.DefinitionService
	catalog      *blueprint.AgentCatalog
	memory       *memory.Service
	summarizer   *memory.Summarizer
	gate         *interaction.Gate
	orchestrator *orchestrator.Orchestrator
	tools        *llm.ToolRegistry
	metrics      telemetry.MetricsSink

	closers []func() error
}

type appOptions struct {
	// Invoker replaces the OpenAI agent invoker when set.
	Invoker domain.AgentInvoker
	// SummaryModel replaces the OpenAI summary model when set.
	SummaryModel domain.SummaryModel
	Metrics      telemetry.MetricsSink
}

func newApp(ctx context.Context, config common.Config, opts appOptions) (_ *app, err error) {
	a := &app{config: config, tools: llm.NewToolRegistry(), metrics: opts.Metrics}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()
	if a.metrics == nil {
		a.metrics = telemetry.NoopMetricsSink{}
	}

	storage, err := openSqlite(config.Storage)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, storage.Close)

	var redisClient *goredis.Client
	if config.Storage.Streamer == "redis" || config.Storage.Locker == "redis" {
		redisClient = redis.NewClientFromConfig(config.Redis)
		a.closers = append(a.closers, redisClient.Close)
	}

	streamer, err := a.newStreamer(ctx, redisClient)
	if err != nil {
		return nil, err
	}

	switch config.Storage.QueueDriver {
	case "postgres":
		queue, err := postgres.NewJobQueue(ctx, config.Storage.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres job queue: %w", err)
		}
		a.closers = append(a.closers, func() error { queue.Close(); return nil })
		a.service = srv.NewDelegatorWithQueue(storage, streamer, queue)
	default:
		a.service = srv.NewDelegator(storage, streamer)
	}

	switch config.Storage.Locker {
	case "redis":
		a.locker = redis.NewSessionLocker(redisClient, config.Worker.LockTTL, config.Worker.LockRetryDelay)
	default:
		a.locker = srv.NewLocalSessionLocker()
	}

	// token counts are cached next to the locks when redis is available
	var tokenCache common.KeyValueStorage = a.service
	if redisClient != nil {
		tokenCache = redis.NewStorage(redisClient)
	}

	invoker := opts.Invoker
	summaryModel := opts.SummaryModel
	if invoker == nil || summaryModel == nil {
		llmConfig := config.LLM
		llmConfig.APIKey = resolveAPIKey(llmConfig)
		client := llm.NewOpenaiClient(llmConfig)
		if invoker == nil {
			invoker = llm.NewAgentInvoker(client, llmConfig)
		}
		if summaryModel == nil {
			summaryModel = llm.NewSummaryModel(client, llmConfig)
		}
	}

	compiler := blueprint.NewCompiler(blueprint.DefaultMaxCacheEntries)
	a.definitions = blueprint.NewDefinitionService(a.service, compiler)
	a.catalog = blueprint.NewAgentCatalog(a.service, config.LLM)
	a.memory = memory.NewService(a.service, config.Memory)
	if config.Summarizer.Enabled {
		estimator := memory.NewTokenEstimator(tokenCache, config.Summarizer.Tokenizer)
		a.summarizer = memory.NewSummarizer(a.service, estimator, summaryModel, a.service, a.metrics, config.Summarizer)
	}
	a.gate = interaction.NewGate(a.service, a.locker, config.Interaction)

	deps := orchestrator.Dependencies{
		Storage:     a.service,
		Locker:      a.locker,
		Compiler:    compiler,
		Definitions: a.definitions,
		Catalog:     a.catalog,
		Memory:      a.memory,
		Summarizer:  a.summarizer,
		Gate:        a.gate,
		Invoker:     invoker,
		Tools:       a.tools,
		Metrics:     a.metrics,
		Worker:      config.Worker,
		LLM:         config.LLM,
	}
	a.orchestrator = orchestrator.New(deps)

	return a, nil
}

// resolveAPIKey prefers the configured key, then OPENAI_API_KEY, then the
// configured secret managers. A missing key is not an error until a request
// is made.
func resolveAPIKey(config common.LLMConfig) string {
	if config.APIKey != "" {
		return config.APIKey
	}
	if key := os.Getenv(llm.OpenaiApiKeyEnv); key != "" {
		return key
	}
	if config.SecretManager == "" {
		return ""
	}
	secrets, err := secret_manager.ParseSecretManager(config.SecretManager)
	if err != nil {
		log.Warn().Err(err).Msg("Invalid llm.secret_manager")
		return ""
	}
	key, err := secrets.GetSecret(llm.OpenaiApiKeyEnv)
	if err != nil {
		log.Debug().Err(err).Msg("No API key found in secret managers")
		return ""
	}
	return key
}

func openSqlite(config common.StorageConfig) (*sqlite.Storage, error) {
	path := config.SqlitePath
	if path == "" {
		dataHome, err := common.GetDataHome()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve data home: %w", err)
		}
		path = filepath.Join(dataHome, "agentflow.db")
	}
	storage, err := sqlite.NewStorageFromPath(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite storage at %s: %w", path, err)
	}
	return storage, nil
}

func (a *app) newStreamer(ctx context.Context, redisClient *goredis.Client) (srv.Streamer, error) {
	switch a.config.Storage.Streamer {
	case "redis":
		return redis.NewStreamer(redisClient), nil
	case "jetstream":
		if a.config.Nats.Embedded {
			server, err := nats.NewEmbedded(a.config.Nats)
			if err != nil {
				return nil, err
			}
			if err := server.Start(ctx); err != nil {
				return nil, err
			}
			a.closers = append(a.closers, server.Stop)
		}
		conn, err := nats.GetConnection(a.config.Nats)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to nats: %w", err)
		}
		a.closers = append(a.closers, func() error { conn.Close(); return nil })
		return jetstream.NewStreamer(conn)
	default:
		return srv.NewMemoryStreamer(), nil
	}
}

func (a *app) newWorkerPool() *worker.Pool {
	var expirer worker.Expirer
	if a.config.Worker.ExpirySweep {
		expirer = a.gate
	}
	return worker.NewPool(a.config.Worker.Count, a.service, a.orchestrator, expirer, a.metrics, a.config.Worker)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if len(errs) > 0 {
		log.Warn().Errs("errors", errs).Msg("Errors while shutting down")
	}
	return errors.Join(errs...)
}
