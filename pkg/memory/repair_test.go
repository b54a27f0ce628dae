package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// orphanVectors deletes exchange rows behind the store's back, leaving their
// index entries dangling.
func orphanVectors(t *testing.T, s *Store, ids ...string) {
	t.Helper()
	db, err := s.DB(context.Background())
	require.NoError(t, err)
	for _, id := range ids {
		_, err := db.Exec("DELETE FROM exchanges WHERE id = ?", id)
		require.NoError(t, err)
	}
}

func checkNames(report *RepairReport) []string {
	names := make([]string, len(report.Checks))
	for i, c := range report.Checks {
		names[i] = c.Name
	}
	return names
}

var allChecks = []string{
	CheckIntegrity,
	CheckReferential,
	CheckOrphanedVectors,
	CheckStaleSources,
	CheckMissingEmbeddings,
	CheckRebuildIndexes,
	CheckReclaimSpace,
}

func TestRepair_CleanStore(t *testing.T) {
	s := newTestStore(t)
	insertEmbedded(t, s, makeExchange("a", "s1", 0, "q", "a"))

	report, err := s.Repair(context.Background(), RepairOptions{})
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	assert.Equal(t, allChecks, checkNames(report))
	assert.Equal(t, 0, report.TotalIssues)

	for _, name := range []string{CheckIntegrity, CheckReferential, CheckOrphanedVectors, CheckStaleSources, CheckMissingEmbeddings} {
		check, ok := report.Check(name)
		require.True(t, ok)
		assert.Equal(t, CheckOK, check.Status, name)
	}
	for _, name := range []string{CheckRebuildIndexes, CheckReclaimSpace} {
		check, _ := report.Check(name)
		assert.Equal(t, CheckSkipped, check.Status, name)
	}
}

func TestRepair_DryRunReportsOrphansWithoutMutating(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"a", "b", "c", "d"} {
		insertEmbedded(t, s, makeExchange(id, "s1", 0, "question "+id, "answer "+id))
	}
	orphanVectors(t, s, "a", "b", "c")

	report, err := s.Repair(context.Background(), RepairOptions{})
	require.NoError(t, err)

	check, ok := report.Check(CheckOrphanedVectors)
	require.True(t, ok)
	assert.Equal(t, CheckWarning, check.Status)
	assert.Equal(t, 3, check.Count)
	assert.Equal(t, 3, report.TotalIssues)

	assert.Equal(t, 4, countRows(t, s, "SELECT COUNT(*) FROM vec_exchanges"))
}

func TestRepair_FixDeletesOrphans(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"a", "b"} {
		insertEmbedded(t, s, makeExchange(id, "s1", 0, "question "+id, "answer "+id))
	}
	orphanVectors(t, s, "a")

	report, err := s.Repair(context.Background(), RepairOptions{Fix: true})
	require.NoError(t, err)
	assert.False(t, report.DryRun)
	assert.Equal(t, allChecks, checkNames(report))

	check, _ := report.Check(CheckOrphanedVectors)
	assert.Equal(t, CheckFixed, check.Status)
	assert.Equal(t, 1, check.Count)

	assert.Equal(t, 1, countRows(t, s, "SELECT COUNT(*) FROM vec_exchanges"))
	assert.Equal(t, 0, countRows(t, s, "SELECT COUNT(*) FROM vec_exchanges WHERE id = 'a'"))

	rebuild, _ := report.Check(CheckRebuildIndexes)
	assert.Equal(t, CheckFixed, rebuild.Status)
	reclaim, _ := report.Check(CheckReclaimSpace)
	assert.Equal(t, CheckFixed, reclaim.Status)
	assert.GreaterOrEqual(t, reclaim.BytesSaved, int64(0))
}

func TestDeleteOrphans_RollsBackOnFailure(t *testing.T) {
	db := openRawDB(t)
	ctx := context.Background()

	_, err := db.Exec(`
		CREATE TABLE vec_exchanges (id TEXT PRIMARY KEY);
		INSERT INTO vec_exchanges (id) VALUES ('a'), ('b'), ('c');
		CREATE TRIGGER refuse_b BEFORE DELETE ON vec_exchanges WHEN old.id = 'b'
		BEGIN SELECT RAISE(ABORT, 'refused'); END;
	`)
	require.NoError(t, err)

	err = deleteOrphans(ctx, db, []string{"a", "b", "c"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to delete orphaned vector b")

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM vec_exchanges").Scan(&n))
	assert.Equal(t, 3, n)
}

func TestRepair_MissingEmbeddings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, makeExchange("a", "s1", 0, "one", "1")))
	require.NoError(t, s.Insert(ctx, makeExchange("b", "s1", time.Minute, "two", "2")))

	report, err := s.Repair(ctx, RepairOptions{})
	require.NoError(t, err)
	check, _ := report.Check(CheckMissingEmbeddings)
	assert.Equal(t, CheckWarning, check.Status)
	assert.Equal(t, 2, check.Count)
	assert.Equal(t, 0, countRows(t, s, "SELECT COUNT(*) FROM vec_exchanges"))

	report, err = s.Repair(ctx, RepairOptions{Fix: true})
	require.NoError(t, err)
	check, _ = report.Check(CheckMissingEmbeddings)
	assert.Equal(t, CheckFixed, check.Status)
	assert.Equal(t, "Regenerated 2 of 2 embeddings", check.Details)

	assert.Equal(t, 2, countRows(t, s, "SELECT COUNT(*) FROM vec_exchanges"))
	assert.Equal(t, 0, countRows(t, s, "SELECT COUNT(*) FROM exchanges WHERE embedding IS NULL"))
}

func TestRepair_MissingEmbeddingsProviderFailing(t *testing.T) {
	s := newTestStore(t, func(cfg *Config) {
		cfg.EmbeddingProvider = &failingEmbeddingProvider{dimension: testDimension}
	})
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, makeExchange("a", "s1", 0, "one", "1")))

	report, err := s.Repair(ctx, RepairOptions{Fix: true})
	require.NoError(t, err)

	check, _ := report.Check(CheckMissingEmbeddings)
	assert.Equal(t, CheckWarning, check.Status)
	assert.Equal(t, "Regenerated 0 of 1 embeddings", check.Details)
	assert.Equal(t, 1, countRows(t, s, "SELECT COUNT(*) FROM exchanges WHERE embedding IS NULL"))
}

func TestRepair_MissingEmbeddingsNoProvider(t *testing.T) {
	s := newTestStore(t, func(cfg *Config) { cfg.EmbeddingProvider = nil })
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, makeExchange("a", "s1", 0, "one", "1")))

	report, err := s.Repair(ctx, RepairOptions{Fix: true})
	require.NoError(t, err)

	check, _ := report.Check(CheckMissingEmbeddings)
	assert.Equal(t, CheckWarning, check.Status)
	assert.Contains(t, check.Details, "no embedding provider")
}

func TestRepair_StaleSourcesReportOnly(t *testing.T) {
	s := newTestStore(t, textOnly)
	ctx := context.Background()

	present := filepath.Join(t.TempDir(), "present.jsonl")
	require.NoError(t, os.WriteFile(present, []byte("{}\n"), 0600))

	live := makeExchange("live", "s1", 0, "q", "a")
	onDisk := makeExchange("disk", "s1", 0, "q", "a")
	onDisk.SourceFile = present
	gone := makeExchange("gone", "s1", 0, "q", "a")
	gone.SourceFile = "/nonexistent/logs/old.jsonl"
	for _, ex := range []Exchange{live, onDisk, gone} {
		require.NoError(t, s.Insert(ctx, ex))
	}

	report, err := s.Repair(ctx, RepairOptions{Fix: true})
	require.NoError(t, err)

	check, _ := report.Check(CheckStaleSources)
	assert.Equal(t, CheckWarning, check.Status)
	assert.Equal(t, 1, check.Count)
	assert.Contains(t, check.Details, "/nonexistent/logs/old.jsonl")

	_, err = s.GetExchange(ctx, "gone")
	assert.NoError(t, err)
}

func TestRepair_TextOnlySkipsVectorChecks(t *testing.T) {
	s := newTestStore(t, textOnly)
	require.NoError(t, s.Insert(context.Background(), makeExchange("a", "s1", 0, "q", "a")))

	report, err := s.Repair(context.Background(), RepairOptions{})
	require.NoError(t, err)
	assert.Equal(t, allChecks, checkNames(report))

	orphans, _ := report.Check(CheckOrphanedVectors)
	assert.Equal(t, CheckSkipped, orphans.Status)
	missing, _ := report.Check(CheckMissingEmbeddings)
	assert.Equal(t, CheckSkipped, missing.Status)
	assert.Equal(t, 0, report.TotalIssues)
}

func TestRepairReport_TotalIssuesCountsActionableStatuses(t *testing.T) {
	report := &RepairReport{}
	report.add(RepairCheck{Name: "a", Status: CheckWarning, Count: 2})
	report.add(RepairCheck{Name: "b", Status: CheckFixed, Count: 3})
	report.add(RepairCheck{Name: "c", Status: CheckError, Count: 1})
	report.add(RepairCheck{Name: "d", Status: CheckOK, Count: 9})
	report.add(RepairCheck{Name: "e", Status: CheckSkipped, Count: 9})

	assert.Equal(t, 6, report.TotalIssues)
	_, ok := report.Check("missing")
	assert.False(t, ok)
}
