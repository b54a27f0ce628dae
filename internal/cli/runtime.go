package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/harun/episodic-memory/internal/config"
	"github.com/harun/episodic-memory/internal/logger"
	"github.com/harun/episodic-memory/internal/observability"
	"github.com/harun/episodic-memory/pkg/embedding"
	"github.com/harun/episodic-memory/pkg/memory"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// runtime bundles what every store-backed command needs.
type runtime struct {
	cfg    *config.Config
	log    *logger.Logger
	logger zerolog.Logger
	store  *memory.Store
	cache  *embedding.CachedProvider
}

// openRuntime loads config, builds the logger and opens the store. Console
// logs go to stderr so stdout carries only command output.
func openRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
		Stderr:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	rt := &runtime{cfg: cfg, log: log, logger: log.Zerolog()}

	if cfg.Metrics.AuditFile != "" {
		if err := observability.InitAuditLogger(cfg.Metrics.AuditFile); err != nil {
			rt.logger.Warn().Err(err).Str("file", cfg.Metrics.AuditFile).Msg("Audit log disabled")
		}
	}

	provider, cache, err := buildEmbeddingProvider(cfg.Embedding)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.cache = cache

	store, err := memory.NewStore(memory.Config{
		DBPath:             cfg.DBPath,
		ExportsDir:         cfg.ExportsDir,
		BackupsDir:         cfg.BackupsDir,
		EmbeddingDimension: cfg.Embedding.Dimension,
		EmbeddingProvider:  provider,
		EmbeddingTimeout:   time.Duration(cfg.Embedding.TimeoutSeconds) * time.Second,
		Logger:             log.Zerolog(),
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	if err := store.Open(ctx); err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to open memory store: %w", err)
	}
	rt.store = store
	return rt, nil
}

// buildEmbeddingProvider returns a nil provider for "none", which leaves the
// store in text-only search.
func buildEmbeddingProvider(cfg config.EmbeddingConfig) (memory.EmbeddingProvider, *embedding.CachedProvider, error) {
	switch cfg.Provider {
	case "", "none":
		return nil, nil, nil
	case "openai":
	default:
		return nil, nil, fmt.Errorf("unknown embedding provider: %s", cfg.Provider)
	}

	openai, err := embedding.NewOpenAIProvider(embedding.OpenAIConfig{
		APIKey:    cfg.APIKey,
		BaseURL:   cfg.BaseURL,
		Model:     cfg.Model,
		Dimension: cfg.Dimension,
	})
	if err != nil {
		return nil, nil, err
	}

	var provider memory.EmbeddingProvider = embedding.WithTimeout(openai, time.Duration(cfg.TimeoutSeconds)*time.Second)
	if cfg.CacheEntries <= 0 {
		return provider, nil, nil
	}
	cache, err := embedding.NewCachedProvider(provider, cfg.CacheEntries)
	if err != nil {
		return nil, nil, err
	}
	return cache, cache, nil
}

// Close releases the store, the embedding cache and the log file.
func (rt *runtime) Close() error {
	var errs []error
	if rt.store != nil {
		errs = append(errs, rt.store.Close())
	}
	if rt.cache != nil {
		rt.cache.Close()
	}
	errs = append(errs, observability.GetAuditLogger().Close())
	if rt.log != nil {
		errs = append(errs, rt.log.Close())
	}
	return errors.Join(errs...)
}

// withRuntime opens a runtime for the duration of fn.
func withRuntime(cmd *cobra.Command, fn func(ctx context.Context, rt *runtime) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
