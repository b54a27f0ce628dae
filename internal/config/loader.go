package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix      = "EPISODIC_MEMORY"
	dataDirName    = ".episodic-memory"
	configFileName = "config.json"
	dbFileName     = "conversations.db"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader. An empty path means
// ~/.episodic-memory/config.json.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, dataDirName, configFileName)
}

// Load reads the config file when present, applies EPISODIC_MEMORY_*
// environment overrides and resolves paths.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to determine config path")
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	registerDefaults(v, DefaultConfig())

	if _, err := os.Stat(configPath); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := ResolvePaths(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// registerDefaults makes every key known to viper so environment variables
// override it even without a config file.
func registerDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("db_path", d.DBPath)
	v.SetDefault("archive_dir", d.ArchiveDir)
	v.SetDefault("exports_dir", d.ExportsDir)
	v.SetDefault("backups_dir", d.BackupsDir)
	v.SetDefault("max_storage_mb", d.MaxStorageMB)

	v.SetDefault("embedding.provider", d.Embedding.Provider)
	v.SetDefault("embedding.model", d.Embedding.Model)
	v.SetDefault("embedding.api_key", d.Embedding.APIKey)
	v.SetDefault("embedding.base_url", d.Embedding.BaseURL)
	v.SetDefault("embedding.dimension", d.Embedding.Dimension)
	v.SetDefault("embedding.timeout_seconds", d.Embedding.TimeoutSeconds)
	v.SetDefault("embedding.cache_entries", d.Embedding.CacheEntries)

	v.SetDefault("indexer.exclude", d.Indexer.Exclude)
	v.SetDefault("indexer.debounce_ms", d.Indexer.DebounceMs)
	v.SetDefault("indexer.watch", d.Indexer.Watch)

	v.SetDefault("maintenance.enabled", d.Maintenance.Enabled)
	v.SetDefault("maintenance.backup_schedule", d.Maintenance.BackupSchedule)
	v.SetDefault("maintenance.prune_schedule", d.Maintenance.PruneSchedule)
	v.SetDefault("maintenance.repair_schedule", d.Maintenance.RepairSchedule)

	v.SetDefault("gateway.host", d.Gateway.Host)
	v.SetDefault("gateway.port", d.Gateway.Port)
	v.SetDefault("gateway.shared_secret", d.Gateway.SharedSecret)
	v.SetDefault("gateway.rate_limit", d.Gateway.RateLimit)
	v.SetDefault("gateway.rate_burst", d.Gateway.RateBurst)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.audit_file", d.Metrics.AuditFile)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.console", d.Logging.Console)
	v.SetDefault("logging.pretty", d.Logging.Pretty)
	v.SetDefault("logging.max_size", d.Logging.MaxSize)
	v.SetDefault("logging.max_age", d.Logging.MaxAge)
	v.SetDefault("logging.compress", d.Logging.Compress)
	v.SetDefault("logging.redaction", d.Logging.Redaction)
}

// ResolvePaths expands ~ and fills empty paths from DataDir.
func ResolvePaths(cfg *Config) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	expand := func(p string) string {
		if p == "~" {
			return home
		}
		if strings.HasPrefix(p, "~/") {
			return filepath.Join(home, p[2:])
		}
		return p
	}

	cfg.DataDir = expand(cfg.DataDir)
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(home, dataDirName)
	}

	cfg.DBPath = expand(cfg.DBPath)
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, dbFileName)
	}

	cfg.ArchiveDir = expand(cfg.ArchiveDir)
	if cfg.ArchiveDir == "" {
		cfg.ArchiveDir = filepath.Join(home, ".claude", "projects")
	}

	cfg.ExportsDir = expand(cfg.ExportsDir)
	if cfg.ExportsDir == "" {
		cfg.ExportsDir = filepath.Join(filepath.Dir(cfg.DBPath), "exports")
	}

	cfg.BackupsDir = expand(cfg.BackupsDir)
	if cfg.BackupsDir == "" {
		cfg.BackupsDir = filepath.Join(filepath.Dir(cfg.DBPath), "backups")
	}

	cfg.Logging.File = expand(cfg.Logging.File)
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "episodic-memory.log")
	}

	cfg.Metrics.AuditFile = expand(cfg.Metrics.AuditFile)
	return nil
}

// Save writes the configuration to file, readable only by the owner
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to determine config path")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("data_dir", cfg.DataDir)
	v.Set("db_path", cfg.DBPath)
	v.Set("archive_dir", cfg.ArchiveDir)
	v.Set("exports_dir", cfg.ExportsDir)
	v.Set("backups_dir", cfg.BackupsDir)
	v.Set("max_storage_mb", cfg.MaxStorageMB)
	v.Set("embedding", cfg.Embedding)
	v.Set("indexer", cfg.Indexer)
	v.Set("maintenance", cfg.Maintenance)
	v.Set("gateway", cfg.Gateway)
	v.Set("metrics", cfg.Metrics)
	v.Set("logging", cfg.Logging)

	if err := v.WriteConfig(); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to write config file: %w", err)
		}
		if err := v.SafeWriteConfig(); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}

	if err := os.Chmod(configPath, 0600); err != nil {
		return fmt.Errorf("failed to restrict config permissions: %w", err)
	}
	return nil
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
