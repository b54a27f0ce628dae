package memory

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/harun/episodic-memory/internal/observability"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// migrationNamePattern extracts the zero-padded version prefix of a migration file.
var migrationNamePattern = regexp.MustCompile(`^(\d+)_.+\.sql$`)

const createMigrationsTableSQL = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		filename TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)
`

// Migration is one versioned schema change.
type Migration struct {
	Version  int
	Filename string
	SQL      string
}

// MigrationFS returns the migrations compiled into the binary.
func MigrationFS() fs.FS {
	sub, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		// The embed pattern guarantees the directory exists.
		panic(err)
	}
	return sub
}

// LoadMigrations reads every versioned .sql file at the root of fsys, sorted
// ascending by version. Files without a numeric prefix are ignored.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}

	seen := make(map[int]string)
	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationNamePattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		version, err := strconv.Atoi(match[1])
		if err != nil {
			return nil, fmt.Errorf("invalid migration version in %s: %w", entry.Name(), err)
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("duplicate migration version %d: %s and %s", version, prev, entry.Name())
		}
		seen[version] = entry.Name()

		content, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}
		migrations = append(migrations, Migration{
			Version:  version,
			Filename: entry.Name(),
			SQL:      string(content),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// ensureMigrationsTable creates the bookkeeping table. Safe on legacy stores.
func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, createMigrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}
	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// Migrate applies every migration in fsys that is not yet recorded in
// schema_migrations, in ascending version order. The first failure stops the
// run; already committed migrations stay committed. Returns the number applied.
func Migrate(ctx context.Context, db *sql.DB, fsys fs.FS, logger zerolog.Logger) (int, error) {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return 0, err
	}

	migrations, err := LoadMigrations(fsys)
	if err != nil {
		return 0, err
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		if err := applyMigration(ctx, db, m, logger); err != nil {
			logger.Error().
				Err(err).
				Int("version", m.Version).
				Str("filename", m.Filename).
				Msg("Migration failed")
			return count, err
		}
		observability.RecordMigrationApplied()
		logger.Info().
			Int("version", m.Version).
			Str("filename", m.Filename).
			Msg("Applied migration")
		count++
	}

	return count, nil
}

// applyMigration runs one migration and its bookkeeping insert inside an
// exclusive transaction on a dedicated connection.
func applyMigration(ctx context.Context, db *sql.DB, m Migration, logger zerolog.Logger) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("migration %s failed: acquire connection: %w", m.Filename, err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN EXCLUSIVE"); err != nil {
		return fmt.Errorf("migration %s failed: begin: %w", m.Filename, err)
	}

	runErr := func() error {
		if _, err := conn.ExecContext(ctx, m.SQL); err != nil {
			return err
		}
		_, err := conn.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, filename, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Filename, formatTime(time.Now()),
		)
		return err
	}()
	if runErr == nil {
		if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
			runErr = fmt.Errorf("commit: %w", err)
		} else {
			return nil
		}
	}

	if _, rbErr := conn.ExecContext(ctx, "ROLLBACK"); rbErr != nil {
		logger.Error().
			Err(rbErr).
			Str("filename", m.Filename).
			Msg("Rollback failed after migration error")
	}
	return fmt.Errorf("migration %s failed: %w", m.Filename, runErr)
}

// schemaVersion returns the highest applied migration version, 0 if none.
func schemaVersion(ctx context.Context, q queryer) (int, error) {
	var version int
	err := q.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}
