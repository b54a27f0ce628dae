package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/harun/episodic-memory/internal/observability"
	"github.com/mattn/go-sqlite3"
)

const (
	// MaxBackups is how many timestamped backups rotation keeps.
	MaxBackups = 5

	backupPagesPerStep = 100
	// backupTimeLayout sorts lexically and is safe in file names.
	backupTimeLayout = "2006-01-02T15-04-05.000000000Z"
)

// BackupInfo describes one timestamped backup file.
type BackupInfo struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Backup checkpoints the WAL and copies the live database to dest page by
// page. The store stays usable during the copy.
func (s *Store) Backup(ctx context.Context, dest string) (err error) {
	defer func() { observability.RecordBackup(err == nil) }()

	db, err := s.handle(ctx)
	if err != nil {
		return err
	}
	if err := checkpoint(ctx, db); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0700); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	if err := onlineBackup(ctx, db, dest); err != nil {
		return fmt.Errorf("backup to %s failed: %w", dest, err)
	}

	if err := os.Chmod(dest, 0600); err != nil {
		return fmt.Errorf("failed to restrict backup permissions: %w", err)
	}

	s.logger.Info().Str("destination", dest).Msg("Database backed up")
	return nil
}

func onlineBackup(ctx context.Context, src *sql.DB, dest string) error {
	destDB, err := sql.Open("sqlite3", dest)
	if err != nil {
		return err
	}
	defer destDB.Close()

	destConn, err := destDB.Conn(ctx)
	if err != nil {
		return err
	}
	defer destConn.Close()

	srcConn, err := src.Conn(ctx)
	if err != nil {
		return err
	}
	defer srcConn.Close()

	return destConn.Raw(func(destDriverConn any) error {
		return srcConn.Raw(func(srcDriverConn any) error {
			destSQLite, ok := destDriverConn.(*sqlite3.SQLiteConn)
			if !ok {
				return errors.New("destination is not a sqlite3 connection")
			}
			srcSQLite, ok := srcDriverConn.(*sqlite3.SQLiteConn)
			if !ok {
				return errors.New("source is not a sqlite3 connection")
			}

			bk, err := destSQLite.Backup("main", srcSQLite, "main")
			if err != nil {
				return err
			}
			for {
				done, err := bk.Step(backupPagesPerStep)
				if err != nil {
					bk.Finish()
					return err
				}
				if done {
					break
				}
				if err := ctx.Err(); err != nil {
					bk.Finish()
					return err
				}
			}
			return bk.Finish()
		})
	})
}

// backupBaseName is the database file name without extension.
func (s *Store) backupBaseName() string {
	base := filepath.Base(s.cfg.DBPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// CreateTimestampedBackup writes a backup into the backups directory and
// rotates old ones, keeping the newest MaxBackups.
func (s *Store) CreateTimestampedBackup(ctx context.Context) (string, error) {
	name := fmt.Sprintf("%s-%s.db", s.backupBaseName(), time.Now().UTC().Format(backupTimeLayout))
	dest := filepath.Join(s.cfg.BackupsDir, name)

	if err := s.Backup(ctx, dest); err != nil {
		return "", err
	}
	if err := s.rotateBackups(); err != nil {
		s.logger.Warn().Err(err).Msg("Backup rotation failed")
	}
	observability.RecordStoreAudit("backup", true, map[string]interface{}{"path": dest})
	return dest, nil
}

// backupNames returns backup file names, oldest first.
func (s *Store) backupNames() ([]string, error) {
	entries, err := os.ReadDir(s.cfg.BackupsDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	prefix := s.backupBaseName() + "-"
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".db") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) rotateBackups() error {
	names, err := s.backupNames()
	if err != nil {
		return err
	}
	if len(names) <= MaxBackups {
		return nil
	}

	var errs []error
	for _, name := range names[:len(names)-MaxBackups] {
		path := filepath.Join(s.cfg.BackupsDir, name)
		if err := os.Remove(path); err != nil {
			errs = append(errs, err)
			continue
		}
		for _, suffix := range []string{"-wal", "-shm"} {
			if err := os.Remove(path + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
				s.logger.Debug().Err(err).Str("path", path+suffix).Msg("Failed to remove backup sidecar")
			}
		}
		s.logger.Debug().Str("path", path).Msg("Rotated old backup")
	}
	return errors.Join(errs...)
}

// ListBackups returns timestamped backups, newest first.
func (s *Store) ListBackups() ([]BackupInfo, error) {
	names, err := s.backupNames()
	if err != nil {
		return nil, err
	}

	backups := make([]BackupInfo, 0, len(names))
	for i := len(names) - 1; i >= 0; i-- {
		path := filepath.Join(s.cfg.BackupsDir, names[i])
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		backups = append(backups, BackupInfo{Path: path, Size: info.Size(), ModTime: info.ModTime()})
	}
	return backups, nil
}
