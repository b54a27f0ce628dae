package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

func init() {
	// Registers vec0 for every connection opened by go-sqlite3.
	sqlite_vec.Auto()
}

const (
	// DefaultEmbeddingDimension matches all-MiniLM-L6-v2.
	DefaultEmbeddingDimension = 384
	// DefaultEmbeddingTimeout bounds a single embedding call.
	DefaultEmbeddingTimeout = 30 * time.Second

	busyTimeoutMs = 5000
)

// VectorCapability records whether the vec0 index could be loaded. It is
// computed once per physical open.
type VectorCapability int

const (
	VectorUnavailable VectorCapability = iota
	VectorAvailable
)

func (c VectorCapability) String() string {
	if c == VectorAvailable {
		return "available"
	}
	return "unavailable"
}

// Config holds store configuration.
type Config struct {
	// DBPath is the physical database file.
	DBPath string
	// ExportsDir confines Export destinations. Defaults to <db dir>/exports.
	ExportsDir string
	// BackupsDir holds timestamped backups. Defaults to <db dir>/backups.
	BackupsDir string
	// EmbeddingDimension fixes the vec0 column width.
	EmbeddingDimension int
	// EmbeddingProvider is optional; without it search is text-only and
	// repair cannot regenerate embeddings.
	EmbeddingProvider EmbeddingProvider
	EmbeddingTimeout  time.Duration
	// DisableVectors forces text-only mode.
	DisableVectors bool
	// Migrations defaults to the embedded migration set.
	Migrations fs.FS
	Logger     zerolog.Logger
}

// Store owns the physical database handle. The handle is opened lazily and
// reopened on first use after Close.
type Store struct {
	cfg      Config
	logger   zerolog.Logger
	embedder EmbeddingProvider

	mu      sync.Mutex
	db      *sql.DB
	vectors VectorCapability
}

// NewStore validates cfg and returns an unopened store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if cfg.EmbeddingDimension == 0 {
		cfg.EmbeddingDimension = DefaultEmbeddingDimension
	}
	if cfg.EmbeddingDimension < 0 {
		return nil, fmt.Errorf("invalid embedding dimension: %d", cfg.EmbeddingDimension)
	}
	if cfg.EmbeddingTimeout <= 0 {
		cfg.EmbeddingTimeout = DefaultEmbeddingTimeout
	}
	if cfg.ExportsDir == "" {
		cfg.ExportsDir = filepath.Join(filepath.Dir(cfg.DBPath), "exports")
	}
	if cfg.BackupsDir == "" {
		cfg.BackupsDir = filepath.Join(filepath.Dir(cfg.DBPath), "backups")
	}
	if cfg.Migrations == nil {
		cfg.Migrations = MigrationFS()
	}

	return &Store{
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "memory-store").Logger(),
		embedder: cfg.EmbeddingProvider,
	}, nil
}

// Open brings the store up. Calling it on an open store is a no-op.
func (s *Store) Open(ctx context.Context) error {
	_, err := s.DB(ctx)
	return err
}

// DB returns the live handle, opening it if needed. Repeated calls return the
// same handle until Close.
func (s *Store) DB(ctx context.Context) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return s.db, nil
	}
	if err := s.openLocked(ctx); err != nil {
		return nil, err
	}
	return s.db, nil
}

// handle is the internal accessor used by every operation.
func (s *Store) handle(ctx context.Context) (*sql.DB, error) {
	return s.DB(ctx)
}

func (s *Store) openLocked(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.DBPath), 0700); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("%s?_busy_timeout=%d&_txlock=immediate", s.cfg.DBPath, busyTimeoutMs))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	// Enable WAL mode so searches are not blocked by an in-flight write
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s.vectors = s.loadVectorCapability(ctx, db)

	if _, err := Migrate(ctx, db, s.cfg.Migrations, s.logger); err != nil {
		db.Close()
		return err
	}

	if err := os.Chmod(s.cfg.DBPath, 0600); err != nil {
		s.logger.Warn().Err(err).Str("path", s.cfg.DBPath).Msg("Failed to restrict database permissions")
	}

	s.db = db
	s.logger.Info().
		Str("path", s.cfg.DBPath).
		Str("vectors", s.vectors.String()).
		Msg("Memory store opened")
	return nil
}

// loadVectorCapability probes sqlite-vec and creates the index table. Any
// failure leaves the store in text-only mode.
func (s *Store) loadVectorCapability(ctx context.Context, db *sql.DB) VectorCapability {
	if s.cfg.DisableVectors {
		s.logger.Info().Msg("Vector index disabled by configuration")
		return VectorUnavailable
	}

	var version string
	if err := db.QueryRowContext(ctx, "SELECT vec_version()").Scan(&version); err != nil {
		s.logger.Warn().Err(err).Msg("sqlite-vec not available, continuing in text-only mode")
		return VectorUnavailable
	}

	vectorSchema := fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS vec_exchanges USING vec0(
			id TEXT PRIMARY KEY,
			embedding float[%d]
		)
	`, s.cfg.EmbeddingDimension)
	if _, err := db.ExecContext(ctx, vectorSchema); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to create vector table, continuing in text-only mode")
		return VectorUnavailable
	}

	s.logger.Debug().Str("sqlite_vec", version).Msg("Vector index loaded")
	return VectorAvailable
}

// Close releases the handle. A later operation reopens it.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	s.vectors = VectorUnavailable
	s.logger.Info().Msg("Memory store closed")
	return err
}

// VectorCapability reports the capability computed by the last open.
func (s *Store) VectorCapability() VectorCapability {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vectors
}

func (s *Store) vectorsAvailable() bool {
	return s.VectorCapability() == VectorAvailable
}

// vectorsReady reopens a closed store before reporting the capability, so a
// search after Close sees the index again.
func (s *Store) vectorsReady(ctx context.Context) bool {
	if _, err := s.handle(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to open memory store")
		return false
	}
	return s.vectorsAvailable()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.cfg.DBPath
}

// ExportsDir returns the directory export destinations must resolve into.
func (s *Store) ExportsDir() string {
	return s.cfg.ExportsDir
}

// BackupsDir returns the directory holding timestamped backups.
func (s *Store) BackupsDir() string {
	return s.cfg.BackupsDir
}

// fileSize returns the size of the main database file.
func (s *Store) fileSize() (int64, error) {
	info, err := os.Stat(s.cfg.DBPath)
	if err != nil {
		return 0, fmt.Errorf("failed to stat database: %w", err)
	}
	return info.Size(), nil
}

// diskUsage is the main file plus any WAL not yet checkpointed.
func (s *Store) diskUsage() (int64, error) {
	size, err := s.fileSize()
	if err != nil {
		return 0, err
	}
	if info, err := os.Stat(s.cfg.DBPath + "-wal"); err == nil {
		size += info.Size()
	}
	return size, nil
}

// checkpoint folds the WAL back into the main file.
func checkpoint(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("failed to checkpoint WAL: %w", err)
	}
	return nil
}
