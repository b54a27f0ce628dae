package memory

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackup_CopiesCommittedData(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertEmbedded(t, s, makeExchange("a", "s1", 0, "backed up question", "answer"))
	require.NoError(t, s.Insert(ctx, makeExchange("b", "s1", time.Minute, "second", "answer")))

	dest := filepath.Join(t.TempDir(), "copy", "backup.db")
	require.NoError(t, s.Backup(ctx, dest))

	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	copyDB, err := sql.Open("sqlite3", dest)
	require.NoError(t, err)
	defer copyDB.Close()

	var n int
	require.NoError(t, copyDB.QueryRow("SELECT COUNT(*) FROM exchanges").Scan(&n))
	assert.Equal(t, 2, n)
	require.NoError(t, copyDB.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n))
	assert.Greater(t, n, 0)

	// The source stays usable.
	require.NoError(t, s.Insert(ctx, makeExchange("c", "s1", 2*time.Minute, "after", "backup")))
}

func TestCreateTimestampedBackup_RotatesToMax(t *testing.T) {
	s := newTestStore(t, textOnly)
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, makeExchange("a", "s1", 0, "q", "a")))

	// Older backups already on disk, named the way rotation sorts them.
	require.NoError(t, os.MkdirAll(s.BackupsDir(), 0700))
	for i := 0; i < MaxBackups+1; i++ {
		name := fmt.Sprintf("conversations-2020-01-0%dT00-00-00.000000000Z.db", i+1)
		require.NoError(t, os.WriteFile(filepath.Join(s.BackupsDir(), name), []byte("old"), 0600))
	}
	unrelated := filepath.Join(s.BackupsDir(), "notes.txt")
	require.NoError(t, os.WriteFile(unrelated, []byte("keep"), 0600))

	path, err := s.CreateTimestampedBackup(ctx)
	require.NoError(t, err)
	assert.Equal(t, s.BackupsDir(), filepath.Dir(path))

	backups, err := s.ListBackups()
	require.NoError(t, err)
	require.Len(t, backups, MaxBackups)
	assert.Equal(t, path, backups[0].Path)

	_, err = os.Stat(filepath.Join(s.BackupsDir(), "conversations-2020-01-01T00-00-00.000000000Z.db"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(s.BackupsDir(), "conversations-2020-01-02T00-00-00.000000000Z.db"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(unrelated)
	assert.NoError(t, err)
}

func TestListBackups_NoDirectory(t *testing.T) {
	s := newTestStore(t, textOnly)

	backups, err := s.ListBackups()
	require.NoError(t, err)
	assert.Empty(t, backups)
}
