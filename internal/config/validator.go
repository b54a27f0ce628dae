package config

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
	"github.com/robfig/cron/v3"
)

const maxEmbeddingDimension = 4096

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateEmbedding checks the embedding provider settings
func (v *Validator) ValidateEmbedding(cfg EmbeddingConfig) []error {
	var errs []error

	switch cfg.Provider {
	case "", "none":
	case "openai":
		if cfg.APIKey == "" && cfg.BaseURL == "" {
			errs = append(errs, fmt.Errorf("embedding: openai provider needs api_key or base_url"))
		}
		if strings.TrimSpace(cfg.Model) == "" {
			errs = append(errs, fmt.Errorf("embedding: model is required for the openai provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("embedding: invalid provider %s (must be one of: none, openai)", cfg.Provider))
	}

	if cfg.Dimension <= 0 || cfg.Dimension > maxEmbeddingDimension {
		errs = append(errs, fmt.Errorf("embedding: dimension must be between 1 and %d, got %d", maxEmbeddingDimension, cfg.Dimension))
	}
	if cfg.TimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("embedding: timeout_seconds must be >= 0"))
	}
	if cfg.CacheEntries < 0 {
		errs = append(errs, fmt.Errorf("embedding: cache_entries must be >= 0"))
	}
	return errs
}

// ValidateSchedule validates a cron expression. Empty disables the job.
func (v *Validator) ValidateSchedule(name, spec string) error {
	if spec == "" {
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("maintenance: invalid %s %q: %w", name, spec, err)
	}
	return nil
}

// ValidateExcludePatterns validates indexer glob patterns
func (v *Validator) ValidateExcludePatterns(patterns []string) []error {
	var errs []error
	for _, p := range patterns {
		if _, err := glob.Compile(p); err != nil {
			errs = append(errs, fmt.Errorf("indexer: invalid exclude pattern %q: %w", p, err))
		}
	}
	return errs
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if cfg.MaxStorageMB <= 0 {
		errors = append(errors, fmt.Errorf("max_storage_mb must be positive, got %g", cfg.MaxStorageMB))
	}

	errors = append(errors, v.ValidateEmbedding(cfg.Embedding)...)
	errors = append(errors, v.ValidateExcludePatterns(cfg.Indexer.Exclude)...)
	if cfg.Indexer.DebounceMs < 0 {
		errors = append(errors, fmt.Errorf("indexer: debounce_ms must be >= 0"))
	}

	if cfg.Maintenance.Enabled {
		for name, spec := range map[string]string{
			"backup_schedule": cfg.Maintenance.BackupSchedule,
			"prune_schedule":  cfg.Maintenance.PruneSchedule,
			"repair_schedule": cfg.Maintenance.RepairSchedule,
		} {
			if err := v.ValidateSchedule(name, spec); err != nil {
				errors = append(errors, err)
			}
		}
	}

	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		errors = append(errors, fmt.Errorf("gateway: port must be between 0 and 65535, got %d", cfg.Gateway.Port))
	}
	if cfg.Gateway.RateLimit < 0 {
		errors = append(errors, fmt.Errorf("gateway: rate_limit must be >= 0"))
	}
	if cfg.Gateway.RateLimit > 0 && cfg.Gateway.RateBurst <= 0 {
		errors = append(errors, fmt.Errorf("gateway: rate_burst must be positive when rate_limit is set"))
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
