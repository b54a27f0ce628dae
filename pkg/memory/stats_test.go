package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetStats_Empty(t *testing.T) {
	s := newTestStore(t, textOnly)

	stats, err := s.GetStats(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, stats.TotalExchanges)
	assert.Equal(t, 0, stats.TotalSessions)
	assert.True(t, stats.OldestExchange.IsZero())
	assert.NotNil(t, stats.TopProjects)
	assert.Empty(t, stats.TopProjects)
	assert.False(t, stats.HistoricalImportComplete)
	assert.Greater(t, stats.SchemaVersion, 0)
	assert.Greater(t, stats.DatabaseSizeBytes, int64(0))
	assert.Equal(t, VectorUnavailable, stats.Vectors)
}

func TestGetStats_Populated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	other := makeExchange("c", "s2", 2*time.Hour, "q", "a")
	other.ProjectPath = "/work/other"
	for _, ex := range []Exchange{
		makeExchange("a", "s1", 0, "q", "a"),
		makeExchange("b", "s1", time.Hour, "q", "a"),
		other,
	} {
		require.NoError(t, s.Insert(ctx, ex))
	}
	require.NoError(t, s.MarkHistoricalImportComplete(ctx))

	stats, err := s.GetStats(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, stats.TotalExchanges)
	assert.Equal(t, 2, stats.TotalSessions)
	assert.True(t, stats.OldestExchange.Equal(baseTime))
	assert.True(t, stats.NewestExchange.Equal(baseTime.Add(2*time.Hour)))
	assert.False(t, stats.LastIndexed.IsZero())
	assert.True(t, stats.HistoricalImportComplete)
	assert.Equal(t, VectorAvailable, stats.Vectors)

	require.Len(t, stats.TopProjects, 2)
	assert.Equal(t, ProjectCount{ProjectPath: "/work/project", Count: 2}, stats.TopProjects[0])
	assert.Equal(t, ProjectCount{ProjectPath: "/work/other", Count: 1}, stats.TopProjects[1])

	version, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, stats.SchemaVersion, version)
}
