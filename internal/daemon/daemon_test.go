package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/episodic-memory/internal/config"
	"github.com/harun/episodic-memory/pkg/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConversation = `{"type":"user","sessionId":"sess-1","cwd":"/work/app","uuid":"u1","timestamp":"2025-03-01T10:00:00.000Z","message":{"role":"user","content":"How do I enable WAL mode?"}}
{"type":"assistant","sessionId":"sess-1","uuid":"a1","parentUuid":"u1","message":{"role":"assistant","content":"Run PRAGMA journal_mode=WAL."}}
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.DBPath = filepath.Join(dir, "conversations.db")
	cfg.ArchiveDir = filepath.Join(dir, "archive")
	cfg.ExportsDir = filepath.Join(dir, "exports")
	cfg.BackupsDir = filepath.Join(dir, "backups")
	cfg.Gateway.Port = 0
	cfg.Indexer.DebounceMs = 50
	return cfg
}

// createTestDaemon creates a daemon over a text-only store
func createTestDaemon(t *testing.T, cfg *config.Config) *Daemon {
	t.Helper()
	store, err := memory.NewStore(memory.Config{
		DBPath:         cfg.DBPath,
		ExportsDir:     cfg.ExportsDir,
		BackupsDir:     cfg.BackupsDir,
		DisableVectors: true,
		Logger:         zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, store.Open(context.Background()))
	t.Cleanup(func() { store.Close() })

	daemon, err := New(cfg, store, zerolog.Nop())
	require.NoError(t, err)
	return daemon
}

func TestNew(t *testing.T) {
	daemon := createTestDaemon(t, testConfig(t))

	assert.NotNil(t, daemon.indexer)
	assert.NotNil(t, daemon.gateway)
	assert.NotNil(t, daemon.scheduler)
	assert.NotNil(t, daemon.watcher)
	assert.NotNil(t, daemon.lifecycle)
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(testConfig(t), nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestNewWithoutOptionalComponents(t *testing.T) {
	cfg := testConfig(t)
	cfg.Maintenance.Enabled = false
	cfg.Indexer.Watch = false

	daemon := createTestDaemon(t, cfg)
	assert.Nil(t, daemon.scheduler)
	assert.Nil(t, daemon.watcher)
	assert.Nil(t, daemon.Scheduler())
}

func TestNewRejectsBadSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.Maintenance.BackupSchedule = "not a schedule"

	store, err := memory.NewStore(memory.Config{
		DBPath:         cfg.DBPath,
		DisableVectors: true,
		Logger:         zerolog.Nop(),
	})
	require.NoError(t, err)
	defer store.Close()

	_, err = New(cfg, store, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maintenance scheduler")
}

func TestDaemonStartStop(t *testing.T) {
	cfg := testConfig(t)
	daemon := createTestDaemon(t, cfg)

	require.NoError(t, daemon.Start())

	status := daemon.Status()
	assert.True(t, status.Running)
	assert.NotEmpty(t, status.GatewayAddr)
	assert.Len(t, status.Jobs, 3)

	pid, err := ReadPID(PIDFilePath(cfg.DataDir))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	assert.Error(t, daemon.Start(), "second start should fail")

	require.NoError(t, daemon.Stop())
	assert.False(t, daemon.Status().Running)

	_, err = os.Stat(PIDFilePath(cfg.DataDir))
	assert.True(t, os.IsNotExist(err))

	assert.Error(t, daemon.Stop(), "stopping a stopped daemon should fail")
}

func TestDaemonStatusBeforeStart(t *testing.T) {
	daemon := createTestDaemon(t, testConfig(t))

	status := daemon.Status()
	assert.False(t, status.Running)
	assert.Equal(t, time.Duration(0), status.Uptime)
	assert.Empty(t, status.GatewayAddr)
}

func TestDaemonIndexesArchiveOnStart(t *testing.T) {
	cfg := testConfig(t)
	projectDir := filepath.Join(cfg.ArchiveDir, "app")
	require.NoError(t, os.MkdirAll(projectDir, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "sess-1.jsonl"), []byte(testConversation), 0600))

	daemon := createTestDaemon(t, cfg)
	require.NoError(t, daemon.Start())
	defer daemon.Stop()

	require.Eventually(t, func() bool {
		stats, err := daemon.store.GetStats(context.Background())
		return err == nil && stats.TotalExchanges == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDaemonWatchesNewConversations(t *testing.T) {
	cfg := testConfig(t)
	projectDir := filepath.Join(cfg.ArchiveDir, "app")
	require.NoError(t, os.MkdirAll(projectDir, 0700))

	daemon := createTestDaemon(t, cfg)
	require.NoError(t, daemon.Start())
	defer daemon.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "sess-2.jsonl"), []byte(testConversation), 0600))

	require.Eventually(t, func() bool {
		results := daemon.store.TextSearch(context.Background(), "journal_mode", 10, memory.SearchFilters{})
		return len(results) == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDaemonStartsWithoutArchive(t *testing.T) {
	cfg := testConfig(t)
	cfg.ArchiveDir = filepath.Join(cfg.DataDir, "missing")

	daemon := createTestDaemon(t, cfg)
	require.NoError(t, daemon.Start())
	assert.True(t, daemon.Status().Running)
	require.NoError(t, daemon.Stop())
}
