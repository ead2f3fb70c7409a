// Command p8fsd is the composition root: it wires internal/storage,
// internal/embedding, internal/reverseindex, internal/tenantrepo,
// internal/rem, internal/llm, internal/notify, and internal/dreaming into
// one running process, then starts the Dreaming Worker's poll tick. It is
// not a feature surface in its own right — no business logic lives here,
// only construction and lifecycle, matching the teacher's main.go wiring
// style (signal handling, a banner, then handing off to the real work).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-redis/redis/v8"

	"github.com/p8fs/p8fs-core/internal/config"
	"github.com/p8fs/p8fs-core/internal/dreaming"
	"github.com/p8fs/p8fs-core/internal/embedding"
	"github.com/p8fs/p8fs-core/internal/extract"
	"github.com/p8fs/p8fs-core/internal/llm"
	"github.com/p8fs/p8fs-core/internal/models"
	"github.com/p8fs/p8fs-core/internal/notify"
	"github.com/p8fs/p8fs-core/internal/rem"
	"github.com/p8fs/p8fs-core/internal/reverseindex"
	"github.com/p8fs/p8fs-core/internal/secrets"
	"github.com/p8fs/p8fs-core/internal/storage"
	"github.com/p8fs/p8fs-core/internal/telemetry"
	"github.com/p8fs/p8fs-core/internal/tenantrepo"
)

const version = "0.1.0"

func main() {
	var (
		configPath  = flag.String("config", "", "path to a YAML config file (optional, overlays defaults)")
		sqliteDSN   = flag.String("sqlite-dsn", "", "override the SQLite DSN")
		badgerPath  = flag.String("badger-path", "", "override the Badger data directory")
		redisURL    = flag.String("redis-url", "", "override the Redis URL used for the embedding cache")
		ollamaURL   = flag.String("ollama-url", "", "override the Ollama base URL")
		slackToken  = flag.String("slack-token", "", "Slack bot token, stored under the config's slack_bot_token_ref")
		tickEvery   = flag.Duration("tick-interval", time.Minute, "how often the Dreaming Worker polls for completed batch jobs")
		maxAttempts = flag.Int("max-job-attempts", 0, "override max_job_attempts from config")
		queryStr    = flag.String("query", "", "run one REM query against the configured substrates and exit, instead of starting the daemon")
		queryTenant = flag.String("tenant", "", "tenant id the -query flag runs under")
	)
	flag.Parse()

	log := telemetry.New("p8fsd")
	log.Info("starting", "version", version)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Error(err, "config load failed")
		os.Exit(1)
	}
	if *sqliteDSN != "" {
		cfg.SQLiteDSN = *sqliteDSN
	}
	if *badgerPath != "" {
		cfg.BadgerPath = *badgerPath
	}
	if *redisURL != "" {
		cfg.RedisURL = *redisURL
	}
	if *maxAttempts > 0 {
		cfg.MaxJobAttempts = *maxAttempts
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	provider, err := storage.New(cfg)
	if err != nil {
		log.Error(err, "storage.New failed")
		os.Exit(1)
	}
	defer provider.Close()

	embeddingSvc, err := buildEmbeddingService(cfg)
	if err != nil {
		log.Error(err, "embedding service wiring failed")
		os.Exit(1)
	}

	secretStore := secrets.EnvStore{}

	resourceProvider := firstProviderID(cfg, "local-text")
	imageProvider := firstImageProviderID(cfg, resourceProvider)

	descriptors := []*models.ModelDescriptor{
		tenantrepo.ResourceDescriptor(resourceProvider),
		tenantrepo.MomentDescriptor(),
		tenantrepo.SessionDescriptor(),
		tenantrepo.ImageDescriptor(imageProvider),
		tenantrepo.JobDescriptor(),
	}
	for _, desc := range descriptors {
		if err := provider.EnsureTable(ctx, desc); err != nil {
			log.Error(err, "EnsureTable failed", "table", desc.TableName)
			os.Exit(1)
		}
	}

	index := reverseindex.New(provider, []string{"resources", "moments", "images"}, cfg.LookupScanSize, telemetry.New("reverseindex"))

	engine := rem.NewEngine(provider, index, embeddingSvc, map[string]rem.TableBinding{
		"resources": {Descriptor: tenantrepo.ResourceDescriptor(resourceProvider)},
		"moments":   {Descriptor: tenantrepo.MomentDescriptor()},
		"sessions":  {Descriptor: tenantrepo.SessionDescriptor()},
		"images":    {Descriptor: tenantrepo.ImageDescriptor(imageProvider)},
	})
	parser := rem.NewParser(cfg.DefaultTable)

	if *queryStr != "" {
		runOneShotQuery(ctx, log, parser, engine, *queryTenant, *queryStr)
		return
	}

	llmClient := llm.NewOllamaClient(ollamaConfig(*ollamaURL))

	var notifier notify.Sink
	if *slackToken != "" && cfg.SlackBotTokenRef != "" {
		mem := secrets.NewMemoryStore()
		mem.Set(cfg.SlackBotTokenRef, *slackToken)
		notifier = notify.NewSlackSink(mem, cfg.SlackBotTokenRef, "#p8fs-dreaming")
	} else if cfg.SlackBotTokenRef != "" {
		notifier = notify.NewSlackSink(secretStore, cfg.SlackBotTokenRef, "#p8fs-dreaming")
	}

	extractor := extract.NewLLMExtractor(llmClient)

	schedCfg := dreaming.DefaultConfig()
	schedCfg.TickInterval = *tickEvery
	if cfg.MaxJobAttempts > 0 {
		schedCfg.MaxAttempts = cfg.MaxJobAttempts
	}
	schedCfg.ResourceProvider = resourceProvider

	scheduler := dreaming.New(schedCfg, provider, embeddingSvc, index, extractor, llmClient, notifier, telemetry.New("dreaming"))
	defer scheduler.Stop()

	go scheduler.Start(ctx)

	log.Info("ready", "sqlite_dsn", cfg.SQLiteDSN, "badger_path", cfg.BadgerPath, "tick_interval", schedCfg.TickInterval.String())
	<-ctx.Done()
	log.Info("stopped")
}

// runOneShotQuery parses and executes a single REM query, printing each
// returned row's table and columns. This is the operator escape hatch for
// inspecting a running deployment's data without a separate query tool.
func runOneShotQuery(ctx context.Context, log logr.Logger, parser *rem.Parser, engine *rem.Engine, tenantID, query string) {
	if tenantID == "" {
		log.Error(fmt.Errorf("-tenant is required with -query"), "cannot run query")
		os.Exit(1)
	}
	plan, err := parser.Parse(query)
	if err != nil {
		log.Error(err, "query parse failed", "query", query)
		os.Exit(1)
	}
	rows, err := engine.Execute(ctx, tenantID, plan)
	if err != nil {
		log.Error(err, "query execution failed", "query", query)
		os.Exit(1)
	}
	for _, row := range rows {
		fmt.Printf("[%s] %v\n", row.Table, row.Data)
	}
	fmt.Printf("%d row(s)\n", len(rows))
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// buildEmbeddingService registers every provider listed in cfg.Providers,
// falling back to a single local-text provider when the list is empty.
// Default() already lists one provider, and Load overlays YAML on Default(),
// so the list is empty only when a YAML file sets it to an empty list.
func buildEmbeddingService(cfg *config.Config) (*embedding.Service, error) {
	var cache *embedding.Cache
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("p8fsd: parse redis url: %w", err)
		}
		cache = embedding.NewCache(redis.NewClient(opts), time.Hour)
	}

	svc := embedding.NewService(cache)
	if len(cfg.Providers) == 0 {
		svc.Register(embedding.NewLocalTextProvider("local-text", 384), 0)
		return svc, nil
	}
	for _, p := range cfg.Providers {
		if p.Endpoint == "" {
			svc.Register(embedding.NewLocalTextProvider(p.ID, p.Dimension), p.RequestsPerSec)
			continue
		}
		apiKey := ""
		if p.RequiresAPIKey && p.CredentialRef != "" {
			if v, ok := os.LookupEnv(p.CredentialRef); ok {
				apiKey = v
			}
		}
		svc.Register(embedding.NewRemoteTextProvider(p.ID, p.Endpoint, p.Dimension, p.RequiresAPIKey, apiKey), p.RequestsPerSec)
	}
	return svc, nil
}

func firstProviderID(cfg *config.Config, fallback string) string {
	if len(cfg.Providers) == 0 {
		return fallback
	}
	return cfg.Providers[0].ID
}

// firstImageProviderID picks a second provider id for the images table's
// caption embeddings when the config declares one, otherwise falls back to
// sharing the resource provider — the config schema doesn't yet distinguish
// text vs. image providers, so the second entry (if present) is assumed to
// be the image one.
func firstImageProviderID(cfg *config.Config, fallback string) string {
	if len(cfg.Providers) < 2 {
		return fallback
	}
	return cfg.Providers[1].ID
}

func ollamaConfig(baseURL string) *llm.OllamaConfig {
	cfg := llm.DefaultOllamaConfig()
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return cfg
}
