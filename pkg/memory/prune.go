package memory

import (
	"context"
	"fmt"
	"math"

	"github.com/harun/episodic-memory/internal/observability"
)

// pruneTargetRatio is the fraction of the cap pruning aims for, so the next
// batch does not immediately trigger another prune.
const pruneTargetRatio = 0.9

// MegabytesToBytes converts the configured cap to bytes.
func MegabytesToBytes(mb float64) int64 {
	return int64(mb * 1024 * 1024)
}

// PruneToCapacity deletes the oldest exchanges when the database file exceeds
// capBytes, then compacts. The row count is estimated from the average row
// size, so one call may over- or under-shoot; repeated calls converge. The
// newest exchange is never removed. Returns the number of exchanges deleted.
func (s *Store) PruneToCapacity(ctx context.Context, capBytes int64) (int, error) {
	if capBytes <= 0 {
		return 0, fmt.Errorf("invalid capacity: %d bytes", capBytes)
	}

	db, err := s.handle(ctx)
	if err != nil {
		return 0, err
	}

	if err := checkpoint(ctx, db); err != nil {
		return 0, err
	}
	size, err := s.fileSize()
	if err != nil {
		return 0, err
	}
	if size <= capBytes {
		return 0, nil
	}

	var rows int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM exchanges").Scan(&rows); err != nil {
		return 0, fmt.Errorf("failed to count exchanges: %w", err)
	}
	if rows <= 1 {
		s.logger.Warn().
			Int64("size_bytes", size).
			Int64("cap_bytes", capBytes).
			Int("rows", rows).
			Msg("Database over capacity but nothing left to prune")
		return 0, nil
	}

	toDelete := rowsToPrune(size, capBytes, rows)

	ids, err := selectIDs(ctx, db,
		"SELECT id FROM exchanges ORDER BY timestamp ASC, id ASC LIMIT ?", toDelete)
	if err != nil {
		return 0, fmt.Errorf("failed to select exchanges to prune: %w", err)
	}
	if err := ValidateIDs(ids); err != nil {
		return 0, err
	}

	s.deleteVectors(ctx, db, ids)

	res, err := db.ExecContext(ctx,
		"DELETE FROM exchanges WHERE id IN ("+placeholders(len(ids))+")", idArgs(ids)...)
	if err != nil {
		observability.RecordStoreAudit("prune", false, map[string]interface{}{"error": err.Error()})
		return 0, fmt.Errorf("failed to delete pruned exchanges: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
		s.logger.Warn().Err(err).Msg("VACUUM after prune failed")
	} else if err := checkpoint(ctx, db); err != nil {
		s.logger.Warn().Err(err).Msg("Checkpoint after prune failed")
	}

	after, _ := s.fileSize()
	s.logger.Info().
		Int64("deleted", deleted).
		Int64("size_before", size).
		Int64("size_after", after).
		Int64("cap_bytes", capBytes).
		Msg("Pruned oldest exchanges")

	observability.RecordPrune(int(deleted))
	observability.RecordStoreAudit("prune", true, map[string]interface{}{
		"deleted":     deleted,
		"size_before": size,
		"size_after":  after,
		"cap_bytes":   capBytes,
	})
	return int(deleted), nil
}

// rowsToPrune estimates how many rows free enough space to reach the target,
// clamped to [1, min(rows-1, MaxIDBatch)].
func rowsToPrune(size, capBytes int64, rows int) int {
	target := float64(capBytes) * pruneTargetRatio
	bytesToFree := float64(size) - target
	avgRow := float64(size) / float64(rows)

	n := int(math.Ceil(bytesToFree / avgRow))
	if n < 1 {
		n = 1
	}
	if n > rows-1 {
		n = rows - 1
	}
	if n > MaxIDBatch {
		n = MaxIDBatch
	}
	return n
}

// ProjectStorage estimates one project's share of the database file.
type ProjectStorage struct {
	ProjectPath    string  `json:"project_path"`
	ExchangeCount  int     `json:"exchange_count"`
	TextBytes      int64   `json:"text_bytes"`
	Share          float64 `json:"share"`
	EstimatedBytes int64   `json:"estimated_bytes"`
}

// GetStorageBreakdown apportions the file size across projects by their share
// of stored message text. It is an estimate for display only.
func (s *Store) GetStorageBreakdown(ctx context.Context) ([]ProjectStorage, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT COALESCE(project_path, ''), COUNT(*),
			COALESCE(SUM(length(user_message) + length(assistant_message)), 0) AS text_bytes
		FROM exchanges
		GROUP BY project_path
		ORDER BY text_bytes DESC, project_path ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to read storage breakdown: %w", err)
	}
	defer rows.Close()

	breakdown := []ProjectStorage{}
	var totalText int64
	for rows.Next() {
		var ps ProjectStorage
		if err := rows.Scan(&ps.ProjectPath, &ps.ExchangeCount, &ps.TextBytes); err != nil {
			return nil, err
		}
		totalText += ps.TextBytes
		breakdown = append(breakdown, ps)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	size, err := s.fileSize()
	if err != nil {
		return nil, err
	}
	for i := range breakdown {
		if totalText > 0 {
			breakdown[i].Share = float64(breakdown[i].TextBytes) / float64(totalText)
		}
		breakdown[i].EstimatedBytes = int64(breakdown[i].Share * float64(size))
	}
	return breakdown, nil
}
