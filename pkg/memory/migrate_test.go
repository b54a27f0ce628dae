package memory

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openRawDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "raw.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func quietLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).Level(zerolog.Disabled)
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name).Scan(&n))
	return n > 0
}

func TestLoadMigrations_SortsAndFilters(t *testing.T) {
	fsys := fstest.MapFS{
		"010_later.sql":  {Data: []byte("SELECT 1;")},
		"002_second.sql": {Data: []byte("SELECT 1;")},
		"001_first.sql":  {Data: []byte("SELECT 1;")},
		"README.md":      {Data: []byte("docs")},
		"notes_003.sql":  {Data: []byte("SELECT 1;")},
		"sub/004_x.sql":  {Data: []byte("SELECT 1;")},
	}

	migrations, err := LoadMigrations(fsys)
	require.NoError(t, err)
	require.Len(t, migrations, 3)
	assert.Equal(t, 1, migrations[0].Version)
	assert.Equal(t, 2, migrations[1].Version)
	assert.Equal(t, 10, migrations[2].Version)
	assert.Equal(t, "010_later.sql", migrations[2].Filename)
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"001_a.sql": {Data: []byte("SELECT 1;")},
		"1_b.sql":   {Data: []byte("SELECT 1;")},
	}

	_, err := LoadMigrations(fsys)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate migration version 1")
}

func TestMigrate_Idempotent(t *testing.T) {
	db := openRawDB(t)
	ctx := context.Background()

	applied, err := Migrate(ctx, db, MigrationFS(), quietLogger())
	require.NoError(t, err)
	embedded, err := LoadMigrations(MigrationFS())
	require.NoError(t, err)
	assert.Equal(t, len(embedded), applied)

	var rowsAfterFirst int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&rowsAfterFirst))

	applied, err = Migrate(ctx, db, MigrationFS(), quietLogger())
	require.NoError(t, err)
	assert.Equal(t, 0, applied)

	var rowsAfterSecond int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&rowsAfterSecond))
	assert.Equal(t, rowsAfterFirst, rowsAfterSecond)

	version, err := schemaVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, embedded[len(embedded)-1].Version, version)
}

func TestMigrate_ToleratesVersionGaps(t *testing.T) {
	db := openRawDB(t)
	ctx := context.Background()
	fsys := fstest.MapFS{
		"001_first.sql": {Data: []byte("CREATE TABLE first (id INTEGER PRIMARY KEY);")},
		"004_later.sql": {Data: []byte("CREATE TABLE later (id INTEGER PRIMARY KEY);")},
	}

	applied, err := Migrate(ctx, db, fsys, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, 2, applied)
	assert.True(t, tableExists(t, db, "first"))
	assert.True(t, tableExists(t, db, "later"))

	version, err := schemaVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 4, version)
}

func TestMigrate_FailedMigrationIsAtomic(t *testing.T) {
	db := openRawDB(t)
	ctx := context.Background()

	fsys := fstest.MapFS{
		"001_good.sql": {Data: []byte("CREATE TABLE good (id INTEGER PRIMARY KEY);")},
		"002_partial.sql": {Data: []byte(
			"CREATE TABLE half_done (id INTEGER PRIMARY KEY);\nTHIS IS NOT SQL;")},
		"003_never.sql": {Data: []byte("CREATE TABLE never (id INTEGER PRIMARY KEY);")},
	}

	applied, err := Migrate(ctx, db, fsys, quietLogger())
	require.Error(t, err)
	assert.Equal(t, 1, applied)
	assert.Contains(t, err.Error(), "002_partial.sql")

	assert.True(t, tableExists(t, db, "good"))
	assert.False(t, tableExists(t, db, "half_done"))
	assert.False(t, tableExists(t, db, "never"))

	var recorded int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = 2").Scan(&recorded))
	assert.Equal(t, 0, recorded)
}

func TestMigrate_ResumesAfterFix(t *testing.T) {
	db := openRawDB(t)
	ctx := context.Background()

	broken := fstest.MapFS{
		"001_good.sql": {Data: []byte("CREATE TABLE good (id INTEGER PRIMARY KEY);")},
		"002_bad.sql":  {Data: []byte("CREATE TABLE oops (;")},
	}
	_, err := Migrate(ctx, db, broken, quietLogger())
	require.Error(t, err)

	fixed := fstest.MapFS{
		"001_good.sql": broken["001_good.sql"],
		"002_bad.sql":  {Data: []byte("CREATE TABLE oops (id INTEGER PRIMARY KEY);")},
	}
	applied, err := Migrate(ctx, db, fixed, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	var rows int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&rows))
	assert.Equal(t, 2, rows)
}

func TestMigrate_AdoptsLegacyStore(t *testing.T) {
	db := openRawDB(t)
	ctx := context.Background()

	_, err := db.Exec(`
		CREATE TABLE exchanges (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			project_path TEXT,
			user_message TEXT NOT NULL,
			assistant_message TEXT NOT NULL,
			tool_names TEXT,
			timestamp TEXT NOT NULL,
			git_branch TEXT,
			source_file TEXT NOT NULL,
			line_start INTEGER NOT NULL,
			line_end INTEGER NOT NULL,
			embedding BLOB,
			indexed_at TEXT NOT NULL
		);
		INSERT INTO exchanges (id, session_id, user_message, assistant_message, timestamp, source_file, line_start, line_end, indexed_at)
		VALUES ('legacy-1', 's', 'old question', 'old answer', '2024-01-01T00:00:00.000Z', '/logs/a.jsonl', 1, 2, '2024-01-01T00:00:00.000Z');
	`)
	require.NoError(t, err)

	_, err = Migrate(ctx, db, MigrationFS(), quietLogger())
	require.NoError(t, err)

	var user string
	require.NoError(t, db.QueryRow("SELECT user_message FROM exchanges WHERE id = 'legacy-1'").Scan(&user))
	assert.Equal(t, "old question", user)
	assert.True(t, tableExists(t, db, "sessions"))
}
