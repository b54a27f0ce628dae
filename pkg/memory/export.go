package memory

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harun/episodic-memory/internal/observability"
	"github.com/tidwall/gjson"
	"github.com/xeipuuv/gojsonschema"
)

// ExportFormatVersion is written to metadata.version.
const ExportFormatVersion = "1.0"

// ErrPathTraversal is returned when an export destination resolves outside
// the exports directory.
var ErrPathTraversal = errors.New("export path escapes exports directory")

// ExportMetadata heads every export file.
type ExportMetadata struct {
	Version       string `json:"version"`
	SchemaVersion int    `json:"schema_version"`
	ExportedAt    string `json:"exported_at"`
	DatabasePath  string `json:"database_path"`
	ExchangeCount int    `json:"exchange_count"`
	SessionCount  int    `json:"session_count"`
}

// ExportResult describes a finished export.
type ExportResult struct {
	Path          string    `json:"path"`
	Bytes         int64     `json:"bytes"`
	ExchangeCount int       `json:"exchange_count"`
	SessionCount  int       `json:"session_count"`
	ExportedAt    time.Time `json:"exported_at"`
}

// ExportSchema is the JSON Schema every export file satisfies.
const ExportSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["metadata", "sessions", "exchanges"],
  "properties": {
    "metadata": {
      "type": "object",
      "required": ["version", "schema_version", "exported_at", "database_path", "exchange_count", "session_count"],
      "properties": {
        "version": {"type": "string"},
        "schema_version": {"type": "integer", "minimum": 0},
        "exported_at": {"type": "string"},
        "database_path": {"type": "string"},
        "exchange_count": {"type": "integer", "minimum": 0},
        "session_count": {"type": "integer", "minimum": 0}
      }
    },
    "sessions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "started_at", "exchange_count"]
      }
    },
    "exchanges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "session_id", "user_message", "assistant_message", "tool_names", "timestamp"],
        "properties": {
          "tool_names": {"type": "array", "items": {"type": "string"}}
        },
        "not": {"required": ["embedding"]}
      }
    }
  }
}`

// resolveExportPath makes path absolute (relative paths are taken from the
// exports directory) and rejects anything outside that directory.
func (s *Store) resolveExportPath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("export path is required")
	}

	dir, err := filepath.Abs(s.cfg.ExportsDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve exports directory: %w", err)
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve export path: %w", err)
	}

	rel, err := filepath.Rel(dir, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is not inside %s", ErrPathTraversal, path, dir)
	}
	return abs, nil
}

// Export streams all sessions and exchanges to path as one JSON document.
// Reads run in a single transaction so metadata counts match the arrays.
// Embeddings are omitted. A failed export leaves no file behind.
func (s *Store) Export(ctx context.Context, path string) (result *ExportResult, err error) {
	defer func() { observability.RecordExport(err == nil) }()

	dest, err := s.resolveExportPath(path)
	if err != nil {
		return nil, err
	}

	db, err := s.handle(ctx)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0700); err != nil {
		return nil, fmt.Errorf("failed to create exports directory: %w", err)
	}
	file, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create export file: %w", err)
	}

	exportedAt := time.Now().UTC()
	meta, err := s.writeExport(ctx, db, file, exportedAt)
	if closeErr := file.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("failed to close export file: %w", closeErr)
	}
	if err != nil {
		if rmErr := os.Remove(dest); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			s.logger.Warn().Err(rmErr).Str("path", dest).Msg("Failed to remove partial export")
		}
		return nil, err
	}

	if err := os.Chmod(dest, 0600); err != nil {
		return nil, fmt.Errorf("failed to restrict export permissions: %w", err)
	}
	info, err := os.Stat(dest)
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("path", dest).
		Int("exchanges", meta.ExchangeCount).
		Int("sessions", meta.SessionCount).
		Int64("bytes", info.Size()).
		Msg("Exported memory store")
	observability.RecordStoreAudit("export", true, map[string]interface{}{
		"path":      dest,
		"exchanges": meta.ExchangeCount,
	})

	return &ExportResult{
		Path:          dest,
		Bytes:         info.Size(),
		ExchangeCount: meta.ExchangeCount,
		SessionCount:  meta.SessionCount,
		ExportedAt:    exportedAt,
	}, nil
}

// CreateTimestampedExport exports to exports/export-<timestamp>.json.
func (s *Store) CreateTimestampedExport(ctx context.Context) (*ExportResult, error) {
	name := fmt.Sprintf("export-%s.json", time.Now().UTC().Format(backupTimeLayout))
	return s.Export(ctx, filepath.Join(s.cfg.ExportsDir, name))
}

func (s *Store) writeExport(ctx context.Context, db *sql.DB, w io.Writer, exportedAt time.Time) (ExportMetadata, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return ExportMetadata{}, fmt.Errorf("failed to acquire export connection: %w", err)
	}
	defer conn.Close()

	// Transactions from the pool take the write lock up front; a deferred
	// read transaction pins one snapshot without blocking writers.
	if _, err := conn.ExecContext(ctx, "BEGIN DEFERRED"); err != nil {
		return ExportMetadata{}, fmt.Errorf("failed to begin export transaction: %w", err)
	}
	defer conn.ExecContext(context.Background(), "ROLLBACK")

	meta := ExportMetadata{
		Version:      ExportFormatVersion,
		ExportedAt:   formatTime(exportedAt),
		DatabasePath: s.cfg.DBPath,
	}
	if meta.SchemaVersion, err = schemaVersion(ctx, conn); err != nil {
		return meta, err
	}
	if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM exchanges").Scan(&meta.ExchangeCount); err != nil {
		return meta, fmt.Errorf("failed to count exchanges: %w", err)
	}
	if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&meta.SessionCount); err != nil {
		return meta, fmt.Errorf("failed to count sessions: %w", err)
	}

	bw := bufio.NewWriter(w)
	jw := &jsonStreamWriter{w: bw}

	jw.raw(`{"metadata":`)
	jw.value(meta)
	jw.raw(`,"sessions":[`)
	if err := jw.err; err != nil {
		return meta, fmt.Errorf("failed to write export: %w", err)
	}

	sessions, err := s.streamRows(ctx, conn, jw, "SELECT "+sessionColumns+" FROM sessions ORDER BY started_at ASC, id ASC",
		func(row rowScanner) (any, error) { return scanSession(row) })
	if err != nil {
		return meta, err
	}

	jw.raw(`],"exchanges":[`)
	exchanges, err := s.streamRows(ctx, conn, jw, "SELECT "+exchangeColumns+" FROM exchanges ORDER BY timestamp ASC, id ASC",
		func(row rowScanner) (any, error) { return s.scanExchange(row) })
	if err != nil {
		return meta, err
	}
	jw.raw("]}\n")

	if jw.err == nil {
		jw.err = bw.Flush()
	}
	if jw.err != nil {
		return meta, fmt.Errorf("failed to write export: %w", jw.err)
	}

	if sessions != meta.SessionCount || exchanges != meta.ExchangeCount {
		return meta, fmt.Errorf("export snapshot mismatch: counted %d/%d, wrote %d/%d",
			meta.SessionCount, meta.ExchangeCount, sessions, exchanges)
	}
	return meta, nil
}

// streamRows writes each scanned row as a comma-separated array element and
// returns how many were written.
func (s *Store) streamRows(ctx context.Context, q queryer, jw *jsonStreamWriter, query string, scan func(rowScanner) (any, error)) (int, error) {
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to query export rows: %w", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return n, fmt.Errorf("failed to read export row: %w", err)
		}
		if n > 0 {
			jw.raw(",")
		}
		jw.value(v)
		if jw.err != nil {
			return n, fmt.Errorf("failed to write export: %w", jw.err)
		}
		n++
	}
	return n, rows.Err()
}

// jsonStreamWriter remembers the first write error so callers can check once.
type jsonStreamWriter struct {
	w   io.Writer
	err error
}

func (j *jsonStreamWriter) raw(s string) {
	if j.err != nil {
		return
	}
	_, j.err = io.WriteString(j.w, s)
}

func (j *jsonStreamWriter) value(v any) {
	if j.err != nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		j.err = err
		return
	}
	_, j.err = j.w.Write(data)
}

// ValidateExportFile checks an export file against ExportSchema and verifies
// that the metadata counts match the arrays.
func ValidateExportFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read export file: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(ExportSchema),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("export validation failed: %s", strings.Join(msgs, "; "))
	}

	counts := gjson.GetManyBytes(data,
		"metadata.exchange_count", "exchanges.#",
		"metadata.session_count", "sessions.#",
	)
	if counts[0].Int() != counts[1].Int() {
		return fmt.Errorf("export validation failed: metadata reports %d exchanges, file has %d",
			counts[0].Int(), counts[1].Int())
	}
	if counts[2].Int() != counts[3].Int() {
		return fmt.Errorf("export validation failed: metadata reports %d sessions, file has %d",
			counts[2].Int(), counts[3].Int())
	}
	return nil
}
