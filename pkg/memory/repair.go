package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/harun/episodic-memory/internal/observability"
)

// CheckStatus is the outcome of one repair check.
type CheckStatus string

const (
	CheckOK      CheckStatus = "ok"
	CheckWarning CheckStatus = "warning"
	CheckError   CheckStatus = "error"
	CheckFixed   CheckStatus = "fixed"
	CheckSkipped CheckStatus = "skipped"
)

// Check names, in run order.
const (
	CheckIntegrity         = "integrity"
	CheckReferential       = "referential"
	CheckOrphanedVectors   = "orphaned_vectors"
	CheckStaleSources      = "stale_sources"
	CheckMissingEmbeddings = "missing_embeddings"
	CheckRebuildIndexes    = "rebuild_indexes"
	CheckReclaimSpace      = "reclaim_space"
)

const maxListedStaleSources = 10

// RepairOptions controls a repair run. Without Fix the run is a dry run and
// never mutates the store.
type RepairOptions struct {
	Fix bool
}

// RepairCheck is one entry of a repair report.
type RepairCheck struct {
	Name    string      `json:"name"`
	Status  CheckStatus `json:"status"`
	Details string      `json:"details"`
	Count   int         `json:"count"`
	// BytesSaved is set by space reclamation.
	BytesSaved int64 `json:"bytes_saved,omitempty"`
}

// RepairReport lists checks in run order.
type RepairReport struct {
	Checks      []RepairCheck `json:"checks"`
	TotalIssues int           `json:"total_issues"`
	DryRun      bool          `json:"dry_run"`
	Duration    time.Duration `json:"duration"`
}

func (r *RepairReport) add(check RepairCheck) {
	r.Checks = append(r.Checks, check)
	switch check.Status {
	case CheckWarning, CheckError, CheckFixed:
		r.TotalIssues += check.Count
	}
}

// Check returns the named check, if it ran.
func (r *RepairReport) Check(name string) (RepairCheck, bool) {
	for _, c := range r.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return RepairCheck{}, false
}

// Repair runs the integrity checks in order. A failed structural check ends
// the run with a single-entry report. Findings are reported, not returned as
// errors; an error means a fix could not be applied.
func (s *Store) Repair(ctx context.Context, opts RepairOptions) (*RepairReport, error) {
	start := time.Now()
	report := &RepairReport{Checks: []RepairCheck{}, DryRun: !opts.Fix}

	db, err := s.handle(ctx)
	if err != nil {
		return nil, err
	}

	logger := s.logger.With().Bool("dry_run", report.DryRun).Logger()
	logger.Info().Msg("Starting repair")

	integrity := s.checkIntegrity(ctx, db)
	report.add(integrity)
	if integrity.Status == CheckError {
		report.Duration = time.Since(start)
		observability.SetRepairIssues(report.TotalIssues)
		logger.Error().Str("details", integrity.Details).Msg("Structural integrity check failed, aborting repair")
		return report, nil
	}

	report.add(RepairCheck{
		Name:    CheckReferential,
		Status:  CheckOK,
		Details: "No relations beyond the structural check",
	})

	steps := []func(context.Context, *sql.DB, RepairOptions) (RepairCheck, error){
		s.checkOrphanedVectors,
		s.checkStaleSources,
		s.checkMissingEmbeddings,
		s.rebuildIndexes,
		s.reclaimSpace,
	}
	for _, step := range steps {
		check, err := step(ctx, db, opts)
		if err != nil {
			if opts.Fix {
				observability.RecordStoreAudit("repair_fix", false, map[string]interface{}{"error": err.Error()})
			}
			return nil, err
		}
		logger.Debug().
			Str("check", check.Name).
			Str("status", string(check.Status)).
			Int("count", check.Count).
			Msg("Repair check finished")
		report.add(check)
	}

	report.Duration = time.Since(start)
	observability.SetRepairIssues(report.TotalIssues)
	if opts.Fix {
		observability.RecordStoreAudit("repair_fix", true, map[string]interface{}{
			"total_issues": report.TotalIssues,
		})
	}
	logger.Info().
		Int("total_issues", report.TotalIssues).
		Dur("duration", report.Duration).
		Msg("Repair finished")
	return report, nil
}

func (s *Store) checkIntegrity(ctx context.Context, db *sql.DB) RepairCheck {
	check := RepairCheck{Name: CheckIntegrity}

	rows, err := db.QueryContext(ctx, "PRAGMA integrity_check")
	if err != nil {
		check.Status = CheckError
		check.Count = 1
		check.Details = fmt.Sprintf("integrity check could not run: %v", err)
		return check
	}
	defer rows.Close()

	var problems []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			problems = append(problems, err.Error())
			break
		}
		if line != "ok" {
			problems = append(problems, line)
		}
	}
	if err := rows.Err(); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		check.Status = CheckError
		check.Count = len(problems)
		check.Details = strings.Join(problems, "; ")
		return check
	}
	check.Status = CheckOK
	check.Details = "Database file is structurally sound"
	return check
}

func (s *Store) checkOrphanedVectors(ctx context.Context, db *sql.DB, opts RepairOptions) (RepairCheck, error) {
	check := RepairCheck{Name: CheckOrphanedVectors}
	if !s.vectorsAvailable() {
		check.Status = CheckSkipped
		check.Details = "Vector index unavailable"
		return check, nil
	}

	orphans, err := s.findOrphanedVectors(ctx, db)
	if err != nil {
		check.Status = CheckError
		check.Details = fmt.Sprintf("failed to scan vector index: %v", err)
		check.Count = 1
		return check, nil
	}

	if len(orphans) == 0 {
		check.Status = CheckOK
		check.Details = "No orphaned vector entries"
		return check, nil
	}

	check.Count = len(orphans)
	if !opts.Fix {
		check.Status = CheckWarning
		check.Details = fmt.Sprintf("%d vector entries reference missing exchanges", len(orphans))
		return check, nil
	}

	if err := deleteOrphans(ctx, db, orphans); err != nil {
		return check, err
	}
	check.Status = CheckFixed
	check.Details = fmt.Sprintf("Deleted %d orphaned vector entries", len(orphans))
	return check, nil
}

// findOrphanedVectors returns index ids with no matching exchange.
func (s *Store) findOrphanedVectors(ctx context.Context, db *sql.DB) ([]string, error) {
	ids, err := selectIDs(ctx, db, "SELECT id FROM vec_exchanges")
	if err != nil {
		return nil, err
	}

	var orphans []string
	for _, id := range ids {
		var exists int
		err := db.QueryRowContext(ctx, "SELECT 1 FROM exchanges WHERE id = ?", id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			orphans = append(orphans, id)
			continue
		}
		if err != nil {
			return nil, err
		}
	}
	return orphans, nil
}

func deleteOrphans(ctx context.Context, db *sql.DB, orphans []string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin orphan delete: %w", err)
	}
	for _, id := range orphans {
		if _, err := tx.ExecContext(ctx, "DELETE FROM vec_exchanges WHERE id = ?", id); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to delete orphaned vector %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit orphan delete: %w", err)
	}
	return nil
}

// checkStaleSources only reports; exchanges are kept when their log is gone.
func (s *Store) checkStaleSources(ctx context.Context, db *sql.DB, _ RepairOptions) (RepairCheck, error) {
	check := RepairCheck{Name: CheckStaleSources}

	sources, err := selectIDs(ctx, db,
		"SELECT DISTINCT source_file FROM exchanges WHERE source_file != '' AND substr(source_file, 1, ?) != ?",
		len(SessionSourcePrefix), SessionSourcePrefix)
	if err != nil {
		check.Status = CheckError
		check.Count = 1
		check.Details = fmt.Sprintf("failed to list source files: %v", err)
		return check, nil
	}

	var missing []string
	for _, source := range sources {
		if _, err := os.Stat(source); errors.Is(err, os.ErrNotExist) {
			missing = append(missing, source)
		}
	}

	if len(missing) == 0 {
		check.Status = CheckOK
		check.Details = fmt.Sprintf("All %d source files present", len(sources))
		return check, nil
	}

	listed := missing
	if len(listed) > maxListedStaleSources {
		listed = listed[:maxListedStaleSources]
	}
	check.Status = CheckWarning
	check.Count = len(missing)
	check.Details = fmt.Sprintf("%d source files no longer exist: %s", len(missing), strings.Join(listed, ", "))
	return check, nil
}

type missingEmbedding struct {
	id, user, assistant string
}

func (s *Store) checkMissingEmbeddings(ctx context.Context, db *sql.DB, opts RepairOptions) (RepairCheck, error) {
	check := RepairCheck{Name: CheckMissingEmbeddings}
	if !s.vectorsAvailable() {
		check.Status = CheckSkipped
		check.Details = "Vector index unavailable"
		return check, nil
	}

	var missing int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM exchanges WHERE embedding IS NULL").Scan(&missing); err != nil {
		check.Status = CheckError
		check.Count = 1
		check.Details = fmt.Sprintf("failed to count missing embeddings: %v", err)
		return check, nil
	}
	if missing == 0 {
		check.Status = CheckOK
		check.Details = "All exchanges have embeddings"
		return check, nil
	}

	check.Count = missing
	if !opts.Fix {
		check.Status = CheckWarning
		check.Details = fmt.Sprintf("%d exchanges have no embedding", missing)
		return check, nil
	}
	if s.embedder == nil {
		check.Status = CheckWarning
		check.Details = fmt.Sprintf("%d exchanges have no embedding; no embedding provider configured", missing)
		return check, nil
	}

	pending, err := loadMissingEmbeddings(ctx, db)
	if err != nil {
		return check, fmt.Errorf("failed to load exchanges without embeddings: %w", err)
	}

	regenerated := 0
	for _, row := range pending {
		text := EmbeddingText(Exchange{UserMessage: row.user, AssistantMessage: row.assistant})
		if err := s.regenerateEmbedding(ctx, db, row.id, text); err != nil {
			s.logger.Warn().Err(err).Str("exchange_id", row.id).Msg("Failed to regenerate embedding")
			continue
		}
		regenerated++
	}

	check.Count = len(pending)
	check.Details = fmt.Sprintf("Regenerated %d of %d embeddings", regenerated, len(pending))
	if regenerated == len(pending) {
		check.Status = CheckFixed
	} else {
		check.Status = CheckWarning
	}
	return check, nil
}

func loadMissingEmbeddings(ctx context.Context, db *sql.DB) ([]missingEmbedding, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT id, user_message, assistant_message FROM exchanges WHERE embedding IS NULL ORDER BY timestamp ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pending []missingEmbedding
	for rows.Next() {
		var m missingEmbedding
		if err := rows.Scan(&m.id, &m.user, &m.assistant); err != nil {
			return nil, err
		}
		pending = append(pending, m)
	}
	return pending, rows.Err()
}

// regenerateEmbedding writes the row blob and the index entry in one
// transaction.
func (s *Store) regenerateEmbedding(ctx context.Context, db *sql.DB, id, text string) error {
	vec, err := s.generateEmbedding(ctx, text)
	if err != nil {
		return err
	}
	blob, err := serializeEmbedding(vec)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "UPDATE exchanges SET embedding = ? WHERE id = ?", blob, id); err != nil {
		return err
	}
	if err := replaceVector(ctx, tx, id, blob); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) rebuildIndexes(ctx context.Context, db *sql.DB, opts RepairOptions) (RepairCheck, error) {
	check := RepairCheck{Name: CheckRebuildIndexes}
	if !opts.Fix {
		check.Status = CheckSkipped
		check.Details = "Dry run"
		return check, nil
	}
	if _, err := db.ExecContext(ctx, "REINDEX"); err != nil {
		return check, fmt.Errorf("failed to rebuild indexes: %w", err)
	}
	check.Status = CheckFixed
	check.Details = "Rebuilt all indexes"
	return check, nil
}

func (s *Store) reclaimSpace(ctx context.Context, db *sql.DB, opts RepairOptions) (RepairCheck, error) {
	check := RepairCheck{Name: CheckReclaimSpace}
	if !opts.Fix {
		check.Status = CheckSkipped
		check.Details = "Dry run"
		return check, nil
	}

	if err := checkpoint(ctx, db); err != nil {
		return check, err
	}
	before, err := s.fileSize()
	if err != nil {
		return check, err
	}
	if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
		return check, fmt.Errorf("failed to vacuum: %w", err)
	}
	if err := checkpoint(ctx, db); err != nil {
		return check, err
	}
	after, err := s.fileSize()
	if err != nil {
		return check, err
	}

	check.BytesSaved = before - after
	if check.BytesSaved < 0 {
		check.BytesSaved = 0
	}
	check.Status = CheckFixed
	check.Details = fmt.Sprintf("Reclaimed %d bytes", check.BytesSaved)
	return check, nil
}
