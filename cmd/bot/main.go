package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xaenox/threadkeeper/internal/bot"
	"github.com/xaenox/threadkeeper/internal/cache"
	"github.com/xaenox/threadkeeper/internal/classifier"
	"github.com/xaenox/threadkeeper/internal/dedupe"
	"github.com/xaenox/threadkeeper/internal/embeddings"
	"github.com/xaenox/threadkeeper/internal/metrics"
	"github.com/xaenox/threadkeeper/internal/resolver"
	"github.com/xaenox/threadkeeper/internal/storage"
	"github.com/xaenox/threadkeeper/pkg/config"
)

func main() {
	configPath := "config.yaml"
	if p := os.Getenv("THREADKEEPER_CONFIG"); p != "" {
		configPath = p
	}

	// Load configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		zap.NewExample().Fatal("Failed to load config", zap.Error(err), zap.String("path", configPath))
	}

	// Initialize logger
	var logger *zap.Logger
	if cfg.Logging.Development {
		logger, _ = zap.NewDevelopment()
	} else {
		logger, _ = zap.NewProduction()
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	var store storage.Storage
	if cfg.Database.UseInMemory {
		logger.Info("Using in-memory storage")
		store = storage.NewMemoryStorage()
	} else {
		logger.Info("Using PostgreSQL storage")
		dbConfig := storage.DatabaseConfig{
			Host:        cfg.Database.Host,
			Port:        cfg.Database.Port,
			User:        cfg.Database.User,
			Password:    cfg.Database.Password,
			DBName:      cfg.Database.DBName,
			SSLMode:     cfg.Database.SSLMode,
			UseInMemory: cfg.Database.UseInMemory,
		}
		store, err = storage.NewPostgresStorage(dbConfig, logger)
		if err != nil {
			logger.Fatal("Failed to initialize storage", zap.Error(err))
		}
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Remote embedding and classification when an API key is configured,
	// local feature hashing and keyword rules otherwise.
	var (
		embedder embeddings.Service
		intents  classifier.IntentClassifier
		entities classifier.EntityExtractor
	)
	if cfg.OpenAI.APIKey != "" {
		logger.Info("Using OpenAI signals",
			zap.String("model", cfg.OpenAI.Model),
			zap.String("embedding_model", cfg.OpenAI.EmbeddingModel))
		embedder = embeddings.NewOpenAIEmbedder(embeddings.OpenAIConfig{
			APIKey:    cfg.OpenAI.APIKey,
			BaseURL:   cfg.OpenAI.BaseURL,
			Model:     cfg.OpenAI.EmbeddingModel,
			RateLimit: cfg.OpenAI.RateLimit,
			Burst:     cfg.OpenAI.Burst,
		}, logger)
		gpt := classifier.NewGPTClassifier(
			cfg.OpenAI.APIKey,
			cfg.OpenAI.Model,
			cfg.OpenAI.MaxTokens,
			cfg.OpenAI.Temperature,
			cfg.Classifier.MaxEntities,
			logger,
		)
		intents, entities = gpt, gpt
	} else {
		logger.Info("Using local signals")
		embedder = embeddings.NewHashEmbedder(0)
		simple := classifier.NewSimpleClassifier(cfg.Classifier.MinConfidence, cfg.Classifier.MaxEntities)
		intents, entities = simple, simple
	}

	resolverCfg := cfg.Resolver.ToResolverConfig()
	resolverCfg.ApplyDefaults()

	// Initialize fingerprint ledger
	var ledger dedupe.Ledger
	if cfg.Redis.URL != "" {
		rl, err := dedupe.NewRedisLedgerFromURL(cfg.Redis.URL, resolverCfg.DedupeWindow)
		if err != nil {
			logger.Fatal("Failed to configure redis ledger", zap.Error(err))
		}
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rl.Ping(pingCtx); err != nil {
			logger.Warn("Redis not reachable yet, duplicates may slip through until it is", zap.Error(err))
		}
		cancel()
		defer rl.Close()
		ledger = rl
	} else {
		ledger = dedupe.NewMemoryLedger(0, resolverCfg.DedupeWindow)
	}

	threadCache, err := cache.New(store, cache.Config{
		Shards:        cfg.Cache.Shards,
		UsersPerShard: cfg.Cache.UsersPerShard,
		TTL:           cfg.Cache.TTL,
		DormantLimit:  resolverCfg.MaxDormantCandidates,
	}, m, logger)
	if err != nil {
		logger.Fatal("Failed to create thread cache", zap.Error(err))
	}

	manager, err := resolver.NewManager(resolverCfg, resolver.Deps{
		Threads:  store,
		Profiles: store,
		Cache:    threadCache,
		Signals:  resolver.DefaultSignals(embedder, intents, entities, resolverCfg.DecayTau),
		Ledger:   ledger,
		Metrics:  m,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("Failed to create resolver", zap.Error(err))
	}

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("Serving metrics", zap.String("addr", cfg.Metrics.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server stopped", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	// Initialize bot
	b, err := bot.New(cfg.Telegram.Token, manager, cfg.Telegram.RequestTimeout, logger)
	if err != nil {
		logger.Fatal("Failed to create bot", zap.Error(err))
	}

	// Start the bot
	if err := b.Start(ctx); err != nil {
		logger.Fatal("Bot error", zap.Error(err))
	}
	logger.Info("Shutting down")
}
