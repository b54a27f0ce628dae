package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/harun/episodic-memory/internal/observability"
)

// HistoricalImportKey marks completion of the one-time import of old logs.
const HistoricalImportKey = "historical_import_complete"

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Insert upserts ex by id. When ex carries an embedding and the vector index
// is available the paired index entry is replaced as well. The session counter
// is bumped only the first time an exchange id is seen.
func (s *Store) Insert(ctx context.Context, ex Exchange) error {
	if ex.ID == "" {
		return errors.New("exchange id is required")
	}
	if ex.SessionID == "" {
		return fmt.Errorf("exchange %s: session id is required", ex.ID)
	}
	if len(ex.Embedding) > 0 && len(ex.Embedding) != s.cfg.EmbeddingDimension {
		return fmt.Errorf("exchange %s: embedding has dimension %d, expected %d",
			ex.ID, len(ex.Embedding), s.cfg.EmbeddingDimension)
	}

	db, err := s.handle(ctx)
	if err != nil {
		return err
	}

	toolNames, err := encodeToolNames(ex.ToolNames)
	if err != nil {
		return err
	}
	blob, err := serializeEmbedding(ex.Embedding)
	if err != nil {
		return fmt.Errorf("failed to serialize embedding: %w", err)
	}
	if ex.IndexedAt.IsZero() {
		ex.IndexedAt = time.Now()
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var existing int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM exchanges WHERE id = ?", ex.ID).Scan(&existing); err != nil {
		return fmt.Errorf("failed to check exchange %s: %w", ex.ID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO exchanges (`+exchangeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_id = excluded.session_id,
			project_path = excluded.project_path,
			user_message = excluded.user_message,
			assistant_message = excluded.assistant_message,
			tool_names = excluded.tool_names,
			timestamp = excluded.timestamp,
			git_branch = excluded.git_branch,
			source_file = excluded.source_file,
			line_start = excluded.line_start,
			line_end = excluded.line_end,
			embedding = excluded.embedding,
			indexed_at = excluded.indexed_at
	`,
		ex.ID, ex.SessionID, nullIfEmpty(ex.ProjectPath), ex.UserMessage, ex.AssistantMessage, toolNames,
		formatTime(ex.Timestamp), nullIfEmpty(ex.GitBranch), ex.SourceFile, ex.LineStart, ex.LineEnd,
		blob, formatTime(ex.IndexedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert exchange %s: %w", ex.ID, err)
	}

	if existing == 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sessions (id, project_path, started_at, exchange_count)
			VALUES (?, ?, ?, 1)
			ON CONFLICT(id) DO UPDATE SET
				exchange_count = sessions.exchange_count + 1,
				project_path = COALESCE(sessions.project_path, excluded.project_path),
				started_at = MIN(sessions.started_at, excluded.started_at)
		`, ex.SessionID, nullIfEmpty(ex.ProjectPath), formatTime(ex.Timestamp))
		if err != nil {
			return fmt.Errorf("failed to upsert session %s: %w", ex.SessionID, err)
		}
	}

	if s.vectorsAvailable() {
		if blob != nil {
			if err := replaceVector(ctx, tx, ex.ID, blob); err != nil {
				return err
			}
		} else if existing > 0 {
			// The new version has no embedding; drop the stale projection.
			if _, err := tx.ExecContext(ctx, "DELETE FROM vec_exchanges WHERE id = ?", ex.ID); err != nil {
				return fmt.Errorf("failed to clear vector entry %s: %w", ex.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	observability.RecordInsert()
	return nil
}

// replaceVector writes one index entry. vec0 has no reliable upsert, so the
// old entry is deleted first.
func replaceVector(ctx context.Context, q queryer, id string, blob []byte) error {
	if _, err := q.ExecContext(ctx, "DELETE FROM vec_exchanges WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to clear vector entry %s: %w", id, err)
	}
	if _, err := q.ExecContext(ctx, "INSERT INTO vec_exchanges (id, embedding) VALUES (?, ?)", id, blob); err != nil {
		return fmt.Errorf("failed to insert vector entry %s: %w", id, err)
	}
	return nil
}

// GetExchange loads one exchange by id.
func (s *Store) GetExchange(ctx context.Context, id string) (*Exchange, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return nil, err
	}

	row := db.QueryRowContext(ctx, "SELECT "+exchangeColumns+" FROM exchanges WHERE id = ?", id)
	ex, err := s.scanExchange(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("exchange %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load exchange %s: %w", id, err)
	}
	return &ex, nil
}

// ListSessionExchanges returns a session's exchanges in conversation order.
func (s *Store) ListSessionExchanges(ctx context.Context, sessionID string) ([]Exchange, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		"SELECT "+exchangeColumns+" FROM exchanges WHERE session_id = ? ORDER BY timestamp ASC, line_start ASC",
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	exchanges := []Exchange{}
	for rows.Next() {
		ex, err := s.scanExchange(rows)
		if err != nil {
			return nil, err
		}
		exchanges = append(exchanges, ex)
	}
	return exchanges, rows.Err()
}

// DeleteBySession removes a session's exchanges and their index entries.
func (s *Store) DeleteBySession(ctx context.Context, sessionID string) (int, error) {
	return s.deleteWhere(ctx, "session_id = ?", sessionID)
}

// DeleteByDateRange removes exchanges with after <= timestamp <= before. A
// zero bound is open.
func (s *Store) DeleteByDateRange(ctx context.Context, after, before time.Time) (int, error) {
	clause, args := SearchFilters{After: after, Before: before}.where()
	if clause == "" {
		return 0, errors.New("date range requires at least one bound")
	}
	return s.deleteWhere(ctx, clause, args...)
}

// deleteWhere deletes matching index entries first, then the exchanges. A
// crash between the two steps can leave orphans; Repair removes them.
func (s *Store) deleteWhere(ctx context.Context, clause string, args ...any) (int, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return 0, err
	}

	if s.vectorsAvailable() {
		ids, err := selectIDs(ctx, db, "SELECT id FROM exchanges WHERE "+clause, args...)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Failed to collect vector ids for delete")
		} else {
			s.deleteVectors(ctx, db, ids)
		}
	}

	res, err := db.ExecContext(ctx, "DELETE FROM exchanges WHERE "+clause, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete exchanges: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// deleteVectors removes index entries, best-effort.
func (s *Store) deleteVectors(ctx context.Context, db *sql.DB, ids []string) {
	if len(ids) == 0 || !s.vectorsAvailable() {
		return
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to begin vector delete")
		return
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, "DELETE FROM vec_exchanges WHERE id = ?", id); err != nil {
			s.logger.Warn().Err(err).Str("exchange_id", id).Msg("Failed to delete vector entry")
			return
		}
	}
	if err := tx.Commit(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to commit vector delete")
	}
}

func selectIDs(ctx context.Context, q queryer, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListSessions returns all sessions, most recent first.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, "SELECT "+sessionColumns+" FROM sessions ORDER BY started_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// SetImportState records an idempotency marker.
func (s *Store) SetImportState(ctx context.Context, key, value string) error {
	db, err := s.handle(ctx)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO import_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to set import state %s: %w", key, err)
	}
	return nil
}

// GetImportState returns the marker value and whether it exists.
func (s *Store) GetImportState(ctx context.Context, key string) (string, bool, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return "", false, err
	}
	var value string
	err = db.QueryRowContext(ctx, "SELECT value FROM import_state WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read import state %s: %w", key, err)
	}
	return value, true, nil
}

// MarkHistoricalImportComplete sets the one-time import marker.
func (s *Store) MarkHistoricalImportComplete(ctx context.Context) error {
	return s.SetImportState(ctx, HistoricalImportKey, "true")
}
