package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/schellrw/IFS-assistant/internal/api"
	"github.com/schellrw/IFS-assistant/internal/config"
	"github.com/schellrw/IFS-assistant/internal/conversation"
	"github.com/schellrw/IFS-assistant/internal/embedding"
	"github.com/schellrw/IFS-assistant/internal/persona"
	"github.com/schellrw/IFS-assistant/internal/provider"
	"github.com/schellrw/IFS-assistant/internal/store"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/ifs.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()
	logger.Info("Starting IFS assistant...", zap.String("config", cfgPath))

	ctx := context.Background()

	// Storage backend, fixed for the life of the process
	st, err := openStore(ctx, cfg.Storage, logger)
	if err != nil {
		logger.Fatal("failed to open storage", zap.String("backend", cfg.Storage.Backend), zap.Error(err))
	}
	logger.Info("Storage ready", zap.String("backend", st.Name()))

	// Embedding encoder with optional caches
	encoder, closeCaches := newEncoder(ctx, cfg.Embedding, logger)

	// Generation providers
	router := provider.NewRouter(logger)
	for _, pc := range cfg.Generation.Providers {
		if pc.APIKey == "" && pc.Type != "openai" {
			logger.Warn("Provider has no API key, skipping", zap.String("id", pc.ID), zap.String("type", pc.Type))
			continue
		}
		p, err := provider.New(provider.ProviderConfig{
			ID: pc.ID, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey,
			Model: pc.Model, Extra: pc.Extra,
			Timeout: cfg.Generation.Timeout(),
		}, logger)
		if err != nil {
			logger.Warn("Skipping provider", zap.String("id", pc.ID), zap.Error(err))
			continue
		}
		router.Register(p)
	}
	if cfg.Generation.Default != "" {
		router.SetDefault(cfg.Generation.Default)
	}
	router.SetFallbacks("", cfg.Generation.Fallbacks)
	if !router.Available() {
		logger.Warn("No generation provider configured, replies are disabled")
	}

	generator := persona.NewGenerator(router, persona.Options{
		HistoryWindow: cfg.Generation.HistoryWindow,
		MaxNewTokens:  cfg.Generation.MaxNewTokens,
		Temperature:   cfg.Generation.Temperature,
		TopP:          cfg.Generation.TopP,
		Timeout:       cfg.Generation.Timeout(),
	}, logger)

	svc := conversation.NewService(st, encoder, generator, logger)
	if !svc.EmbeddingAvailable(ctx) {
		logger.Warn("Embeddings disabled, semantic search will return 503")
	}

	handler := api.NewHandler(svc, st.Name(), logger)

	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("IFS assistant listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down IFS assistant...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	closeCaches()
	st.Close()
	logger.Info("IFS assistant stopped")
}

func newLogger(level string) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if level == "debug" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func openStore(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (store.Adapter, error) {
	switch cfg.Backend {
	case "postgres":
		pg, err := store.NewPostgres(ctx, cfg.Postgres.DSN, logger)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx, cfg.Postgres.MigrationsDir); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return pg, nil
	case "remote":
		return store.NewRemote(cfg.Remote.URL, cfg.Remote.APIKey, cfg.Remote.Schema, logger)
	default:
		logger.Warn("Using in-memory storage, data is lost on restart")
		return store.NewMemory(logger), nil
	}
}

// newEncoder builds the encoder and its cache tiers. The returned func
// releases the caches. A backend that cannot be built leaves the encoder
// unavailable rather than stopping startup.
func newEncoder(ctx context.Context, cfg config.EmbeddingConfig, logger *zap.Logger) (*embedding.Encoder, func()) {
	var closers []func()
	var tiers embedding.TieredCache

	if cfg.Cache.Size > 0 {
		mc, err := embedding.NewMemoryCache(cfg.Cache.Size, cfg.Cache.TTL())
		if err != nil {
			logger.Warn("In-process embedding cache disabled", zap.Error(err))
		} else {
			tiers = append(tiers, mc)
			closers = append(closers, mc.Close)
		}
	}
	if cfg.Cache.RedisURL != "" {
		rc, err := embedding.NewRedisCache(ctx, cfg.Cache.RedisURL, cfg.Cache.TTL())
		if err != nil {
			logger.Warn("Redis embedding cache unavailable", zap.Error(err))
		} else {
			tiers = append(tiers, rc)
			closers = append(closers, func() { rc.Close() })
		}
	}

	p, err := embedding.NewProvider(embedding.Config{
		Provider:      cfg.Provider,
		Endpoint:      cfg.Endpoint,
		Model:         cfg.Model,
		APIKey:        cfg.APIKey,
		Dimension:     cfg.Dimension,
		ModelPath:     cfg.ModelPath,
		TokenizerPath: cfg.TokenizerPath,
		RuntimePath:   cfg.RuntimePath,
	}, logger)
	if err != nil {
		logger.Warn("Embedding provider unavailable", zap.String("provider", cfg.Provider), zap.Error(err))
	}

	opts := embedding.EncoderOptions{
		Model:     cfg.Provider + "/" + cfg.Model,
		Dimension: cfg.Dimension,
		Timeout:   cfg.Timeout(),
	}
	if len(tiers) > 0 {
		opts.Cache = tiers
	}
	enc := embedding.NewEncoder(p, opts, logger)

	return enc, func() {
		for _, c := range closers {
			c()
		}
	}
}
