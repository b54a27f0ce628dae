package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/harun/episodic-memory/internal/observability"
)

const topProjectsLimit = 10

// ProjectCount is one row of the per-project breakdown.
type ProjectCount struct {
	ProjectPath string `json:"project_path"`
	Count       int    `json:"count"`
}

// Stats summarizes the store.
type Stats struct {
	TotalExchanges           int              `json:"total_exchanges"`
	TotalSessions            int              `json:"total_sessions"`
	OldestExchange           time.Time        `json:"oldest_exchange"`
	NewestExchange           time.Time        `json:"newest_exchange"`
	LastIndexed              time.Time        `json:"last_indexed"`
	TopProjects              []ProjectCount   `json:"top_projects"`
	HistoricalImportComplete bool             `json:"historical_import_complete"`
	DatabaseSizeBytes        int64            `json:"database_size_bytes"`
	SchemaVersion            int              `json:"schema_version"`
	Vectors                  VectorCapability `json:"-"`
}

// GetStats collects row counts, time bounds and the top projects by volume.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{TopProjects: []ProjectCount{}, Vectors: s.VectorCapability()}

	var oldest, newest, lastIndexed sql.NullString
	err = db.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(timestamp), MAX(timestamp), MAX(indexed_at)
		FROM exchanges
	`).Scan(&stats.TotalExchanges, &oldest, &newest, &lastIndexed)
	if err != nil {
		return nil, fmt.Errorf("failed to read exchange stats: %w", err)
	}
	stats.OldestExchange = parseTime(oldest.String)
	stats.NewestExchange = parseTime(newest.String)
	stats.LastIndexed = parseTime(lastIndexed.String)

	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&stats.TotalSessions); err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT COALESCE(project_path, ''), COUNT(*) AS n
		FROM exchanges
		GROUP BY project_path
		ORDER BY n DESC, project_path ASC
		LIMIT ?
	`, topProjectsLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to read project stats: %w", err)
	}
	for rows.Next() {
		var pc ProjectCount
		if err := rows.Scan(&pc.ProjectPath, &pc.Count); err != nil {
			rows.Close()
			return nil, err
		}
		stats.TopProjects = append(stats.TopProjects, pc)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	marker, ok, err := s.GetImportState(ctx, HistoricalImportKey)
	if err != nil {
		return nil, err
	}
	stats.HistoricalImportComplete = ok && marker == "true"

	if stats.SchemaVersion, err = schemaVersion(ctx, db); err != nil {
		return nil, err
	}

	if size, err := s.diskUsage(); err == nil {
		stats.DatabaseSizeBytes = size
	} else {
		s.logger.Warn().Err(err).Msg("Failed to read database size")
	}

	observability.SetExchangeCount(stats.TotalExchanges)
	return stats, nil
}

// SchemaVersion returns the highest applied migration version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return 0, err
	}
	return schemaVersion(ctx, db)
}
