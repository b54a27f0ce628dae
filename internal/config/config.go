package config

import (
	"encoding/json"
	"errors"
)

// Config represents the episodic-memory configuration
type Config struct {
	// Data directory holding the database, backups and exports
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Database file
	DBPath string `json:"db_path" mapstructure:"db_path"`

	// Directory of conversation logs to index
	ArchiveDir string `json:"archive_dir" mapstructure:"archive_dir"`

	ExportsDir string `json:"exports_dir" mapstructure:"exports_dir"`
	BackupsDir string `json:"backups_dir" mapstructure:"backups_dir"`

	// Storage cap enforced after every indexing batch
	MaxStorageMB float64 `json:"max_storage_mb" mapstructure:"max_storage_mb"`

	Embedding   EmbeddingConfig   `json:"embedding" mapstructure:"embedding"`
	Indexer     IndexerConfig     `json:"indexer" mapstructure:"indexer"`
	Maintenance MaintenanceConfig `json:"maintenance" mapstructure:"maintenance"`
	Gateway     GatewayConfig     `json:"gateway" mapstructure:"gateway"`
	Metrics     MetricsConfig     `json:"metrics" mapstructure:"metrics"`
	Logging     LoggingConfig     `json:"logging" mapstructure:"logging"`
}

// EmbeddingConfig selects and tunes the embedding provider
type EmbeddingConfig struct {
	Provider       string `json:"provider" mapstructure:"provider"` // none, openai
	Model          string `json:"model" mapstructure:"model"`
	APIKey         string `json:"api_key" mapstructure:"api_key"`
	BaseURL        string `json:"base_url" mapstructure:"base_url"`
	Dimension      int    `json:"dimension" mapstructure:"dimension"`
	TimeoutSeconds int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	CacheEntries   int64  `json:"cache_entries" mapstructure:"cache_entries"`
}

// IndexerConfig holds conversation indexing settings
type IndexerConfig struct {
	Exclude    []string `json:"exclude" mapstructure:"exclude"` // glob patterns over project directory names
	DebounceMs int      `json:"debounce_ms" mapstructure:"debounce_ms"`
	Watch      bool     `json:"watch" mapstructure:"watch"`
}

// MaintenanceConfig holds cron schedules for background jobs
type MaintenanceConfig struct {
	Enabled        bool   `json:"enabled" mapstructure:"enabled"`
	BackupSchedule string `json:"backup_schedule" mapstructure:"backup_schedule"`
	PruneSchedule  string `json:"prune_schedule" mapstructure:"prune_schedule"`
	RepairSchedule string `json:"repair_schedule" mapstructure:"repair_schedule"`
}

// GatewayConfig holds tool server configuration
type GatewayConfig struct {
	Host         string  `json:"host" mapstructure:"host"`
	Port         int     `json:"port" mapstructure:"port"`
	SharedSecret string  `json:"shared_secret" mapstructure:"shared_secret"`
	RateLimit    float64 `json:"rate_limit" mapstructure:"rate_limit"` // requests per second per client
	RateBurst    int     `json:"rate_burst" mapstructure:"rate_burst"`
}

// MetricsConfig controls the /metrics endpoint
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" mapstructure:"enabled"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns a config with default values. Paths are left empty
// and filled in by ResolvePaths.
func DefaultConfig() *Config {
	return &Config{
		MaxStorageMB: 500,
		Embedding: EmbeddingConfig{
			Provider:       "none",
			Model:          "text-embedding-3-small",
			Dimension:      384,
			TimeoutSeconds: 30,
			CacheEntries:   1024,
		},
		Indexer: IndexerConfig{
			Exclude:    []string{},
			DebounceMs: 500,
			Watch:      true,
		},
		Maintenance: MaintenanceConfig{
			Enabled:        true,
			BackupSchedule: "0 3 * * *",
			PruneSchedule:  "@hourly",
			RepairSchedule: "30 3 * * 0",
		},
		Gateway: GatewayConfig{
			Host:      "127.0.0.1",
			Port:      7717,
			RateLimit: 20,
			RateBurst: 40,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			MaxSize:   50,
			MaxAge:    14,
			Compress:  true,
			Redaction: true,
		},
	}
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	if masked.Embedding.APIKey != "" {
		masked.Embedding.APIKey = "***"
	}
	if masked.Gateway.SharedSecret != "" {
		masked.Gateway.SharedSecret = "***"
	}
	data, _ := json.MarshalIndent(&masked, "", "  ")
	return string(data)
}

// Validate checks the configuration and reports every problem at once
func (c *Config) Validate() error {
	return errors.Join(NewValidator().ValidateConfig(c)...)
}
