package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsert_UpsertKeepsLatestValues(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ex := makeExchange("ex-1", "s1", 0, "first question", "first answer")
	ex.ToolNames = []string{"Read"}
	insertEmbedded(t, s, ex)

	ex.UserMessage = "edited question"
	ex.ToolNames = []string{"Read", "Edit"}
	insertEmbedded(t, s, ex)

	assert.Equal(t, 1, countRows(t, s, "SELECT COUNT(*) FROM exchanges"))
	assert.Equal(t, 1, countRows(t, s, "SELECT COUNT(*) FROM vec_exchanges"))

	got, err := s.GetExchange(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, "edited question", got.UserMessage)
	assert.Equal(t, []string{"Read", "Edit"}, got.ToolNames)
	assert.Len(t, got.Embedding, testDimension)
	assert.True(t, got.Timestamp.Equal(baseTime))

	sessions, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, 1, sessions[0].ExchangeCount)
}

func TestInsert_Validation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Insert(ctx, Exchange{SessionID: "s"})
	assert.Error(t, err)

	err = s.Insert(ctx, Exchange{ID: "x"})
	assert.Error(t, err)

	ex := makeExchange("x", "s", 0, "q", "a")
	ex.Embedding = make([]float32, testDimension+2)
	err = s.Insert(ctx, ex)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension")
}

func TestInsert_TextOnlySkipsVectorIndex(t *testing.T) {
	s := newTestStore(t, textOnly)
	ctx := context.Background()

	ex := makeExchange("ex-1", "s1", 0, "hello", "world")
	ex.Embedding = make([]float32, testDimension)
	ex.Embedding[0] = 1
	require.NoError(t, s.Insert(ctx, ex))

	got, err := s.GetExchange(ctx, "ex-1")
	require.NoError(t, err)
	assert.Len(t, got.Embedding, testDimension)
}

func TestInsert_ClearsStaleVectorWithoutEmbedding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ex := makeExchange("ex-1", "s1", 0, "hello", "world")
	insertEmbedded(t, s, ex)
	require.Equal(t, 1, countRows(t, s, "SELECT COUNT(*) FROM vec_exchanges"))

	require.NoError(t, s.Insert(ctx, ex))
	assert.Equal(t, 0, countRows(t, s, "SELECT COUNT(*) FROM vec_exchanges"))
}

func TestGetExchange_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetExchange(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListSessionExchanges_ConversationOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, makeExchange("b", "s1", time.Minute, "second", "2")))
	require.NoError(t, s.Insert(ctx, makeExchange("a", "s1", 0, "first", "1")))
	require.NoError(t, s.Insert(ctx, makeExchange("c", "s2", 0, "other", "3")))

	exchanges, err := s.ListSessionExchanges(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, exchanges, 2)
	assert.Equal(t, "a", exchanges[0].ID)
	assert.Equal(t, "b", exchanges[1].ID)
}

func TestDeleteBySession_RemovesVectorsFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	insertEmbedded(t, s, makeExchange("a", "s1", 0, "alpha", "one"))
	insertEmbedded(t, s, makeExchange("b", "s1", time.Minute, "beta", "two"))
	insertEmbedded(t, s, makeExchange("c", "s2", 0, "gamma", "three"))

	deleted, err := s.DeleteBySession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	assert.Equal(t, 1, countRows(t, s, "SELECT COUNT(*) FROM exchanges"))
	assert.Equal(t, 1, countRows(t, s, "SELECT COUNT(*) FROM vec_exchanges"))
	assert.Equal(t, 1, countRows(t, s, "SELECT COUNT(*) FROM vec_exchanges WHERE id = 'c'"))
}

func TestDeleteByDateRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"d0", "d1", "d2", "d3"} {
		insertEmbedded(t, s, makeExchange(id, "s", time.Duration(i)*24*time.Hour, "q "+id, "a "+id))
	}

	deleted, err := s.DeleteByDateRange(ctx, baseTime.Add(24*time.Hour), baseTime.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	_, err = s.GetExchange(ctx, "d1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetExchange(ctx, "d3")
	assert.NoError(t, err)
	assert.Equal(t, 2, countRows(t, s, "SELECT COUNT(*) FROM vec_exchanges"))

	_, err = s.DeleteByDateRange(ctx, time.Time{}, time.Time{})
	assert.Error(t, err)
}

func TestDeleteBySession_TextOnly(t *testing.T) {
	s := newTestStore(t, textOnly)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, makeExchange("a", "s1", 0, "alpha", "one")))

	deleted, err := s.DeleteBySession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
}

func TestImportState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.GetImportState(ctx, HistoricalImportKey)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.MarkHistoricalImportComplete(ctx))
	value, ok, err := s.GetImportState(ctx, HistoricalImportKey)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "true", value)

	require.NoError(t, s.SetImportState(ctx, "cursor", "42"))
	require.NoError(t, s.SetImportState(ctx, "cursor", "43"))
	value, _, err = s.GetImportState(ctx, "cursor")
	require.NoError(t, err)
	assert.Equal(t, "43", value)
}
