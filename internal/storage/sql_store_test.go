package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"komorebi/internal/logging"
	"komorebi/pkg/types"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "komorebi.db"), 2, logging.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func captureChunk(t *testing.T, store *SQLStore, content string, projectID *string) *types.Chunk {
	t.Helper()
	chunk := types.NewChunk(&types.ChunkDraft{Content: content, ProjectID: projectID})
	require.NoError(t, store.CreateChunk(context.Background(), chunk))
	return chunk
}

func TestSQLStore_CreateAndGetChunk(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	chunk := captureChunk(t, store, "fix login bug in session handler", nil)

	loaded, err := store.GetChunk(ctx, chunk.ID)
	require.NoError(t, err)
	assert.Equal(t, chunk.Content, loaded.Content)
	assert.Equal(t, types.StatusInbox, loaded.Status)
	assert.Nil(t, loaded.Summary)
	assert.WithinDuration(t, chunk.CreatedAt, loaded.CreatedAt, time.Millisecond)
}

func TestSQLStore_CreateChunk_Conflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	chunk := captureChunk(t, store, "first", nil)

	dup := types.NewChunk(&types.ChunkDraft{Content: "second"})
	dup.ID = chunk.ID
	err := store.CreateChunk(ctx, dup)
	assert.ErrorIs(t, err, types.ErrConflict)
}

func TestSQLStore_GetChunk_NotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetChunk(context.Background(), "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestSQLStore_UpdateChunk_StatusProgression(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	chunk := captureChunk(t, store, "needs processing", nil)

	summary := "a short summary"
	tokens := 12
	processed := types.StatusProcessed
	updated, err := store.UpdateChunk(ctx, chunk.ID, &types.ChunkPatch{
		Summary:    &summary,
		TokenCount: &tokens,
		Status:     &processed,
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusProcessed, updated.Status)
	assert.Equal(t, "a short summary", *updated.Summary)
	assert.Equal(t, 12, *updated.TokenCount)
	assert.False(t, updated.UpdatedAt.Before(chunk.UpdatedAt))

	// Regression is rejected.
	inbox := types.StatusInbox
	_, err = store.UpdateChunk(ctx, chunk.ID, &types.ChunkPatch{Status: &inbox})
	assert.ErrorIs(t, err, types.ErrConflict)

	// Content survives untouched.
	reloaded, err := store.GetChunk(ctx, chunk.ID)
	require.NoError(t, err)
	assert.Equal(t, "needs processing", reloaded.Content)
}

func TestSQLStore_RestoreChunk_RegressesStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	chunk := captureChunk(t, store, "archived by mistake", nil)

	archived := types.StatusArchived
	_, err := store.UpdateChunk(ctx, chunk.ID, &types.ChunkPatch{Status: &archived})
	require.NoError(t, err)

	require.NoError(t, store.RestoreChunk(ctx, chunk.ID, types.StatusInbox, []string{"kept"}))

	restored, err := store.GetChunk(ctx, chunk.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusInbox, restored.Status)
	assert.Equal(t, []string{"kept"}, restored.Tags)

	err = store.RestoreChunk(ctx, "missing", types.StatusInbox, nil)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestSQLStore_ListChunks_OrderingAndTotal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		captureChunk(t, store, "chunk content", nil)
	}

	chunks, total, err := store.ListChunks(ctx, nil, 3, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, chunks, 3)

	// Stable ordering: created_at desc, id desc.
	for i := 1; i < len(chunks); i++ {
		prev, cur := chunks[i-1], chunks[i]
		if prev.CreatedAt.Equal(cur.CreatedAt) {
			assert.Greater(t, prev.ID, cur.ID)
		} else {
			assert.True(t, prev.CreatedAt.After(cur.CreatedAt))
		}
	}
}

func TestSQLStore_ListChunks_FilterByStatusAndTag(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tagged := types.NewChunk(&types.ChunkDraft{Content: "tagged", Tags: []string{"bug"}})
	require.NoError(t, store.CreateChunk(ctx, tagged))
	captureChunk(t, store, "untagged", nil)

	tag := "bug"
	chunks, total, err := store.ListChunks(ctx, &ChunkFilter{Tag: &tag}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, chunks, 1)
	assert.Equal(t, tagged.ID, chunks[0].ID)

	inbox := types.StatusInbox
	_, total, err = store.ListChunks(ctx, &ChunkFilter{Status: &inbox}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestSQLStore_SearchChunks_Substring(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	match := captureChunk(t, store, "NullPointer exception in LoginHandler", nil)
	captureChunk(t, store, "unrelated note about groceries", nil)

	chunks, total, err := store.SearchChunks(ctx, &SearchQuery{Query: "nullpointer", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, chunks, 1)
	assert.Equal(t, match.ID, chunks[0].ID)

	// Summaries participate in the search too.
	summary := "investigating nullpointer crash"
	processed := types.StatusProcessed
	tokens := 4
	_, err = store.UpdateChunk(ctx, chunks[0].ID, &types.ChunkPatch{Summary: &summary, Status: &processed, TokenCount: &tokens})
	require.NoError(t, err)

	_, total, err = store.SearchChunks(ctx, &SearchQuery{Query: "crash", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestSQLStore_SearchChunks_EntityExists(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	chunk := captureChunk(t, store, "see https://docs.example.com for details", nil)
	captureChunk(t, store, "no entities here", nil)

	entities := []*types.Entity{
		types.NewEntity(chunk.ID, "", types.EntityURL, "https://docs.example.com", "", 0.95),
		types.NewEntity(chunk.ID, "", types.EntityURL, "https://other.example.com", "", 0.95),
	}
	// ProjectID is denormalised but not required for chunk-scoped search.
	for _, e := range entities {
		e.ProjectID = "p1"
	}
	_, err := store.BulkCreateEntities(ctx, entities)
	require.NoError(t, err)

	urlType := types.EntityURL
	chunks, total, err := store.SearchChunks(ctx, &SearchQuery{EntityType: &urlType, Limit: 10})
	require.NoError(t, err)
	// EXISTS semantics: the chunk appears once despite two URL entities.
	assert.Equal(t, 1, total)
	require.Len(t, chunks, 1)
	assert.Equal(t, chunk.ID, chunks[0].ID)

	value := "https://docs.example.com"
	_, total, err = store.SearchChunks(ctx, &SearchQuery{EntityType: &urlType, EntityValue: &value, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestSQLStore_GetAllContent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	project := types.NewProject("alpha", "")
	require.NoError(t, store.CreateProject(ctx, project))

	captureChunk(t, store, "in project", &project.ID)
	captureChunk(t, store, "outside project", nil)

	var all []ChunkContent
	require.NoError(t, store.GetAllContent(ctx, nil, func(c ChunkContent) bool {
		all = append(all, c)
		return true
	}))
	assert.Len(t, all, 2)

	var scoped []ChunkContent
	require.NoError(t, store.GetAllContent(ctx, &project.ID, func(c ChunkContent) bool {
		scoped = append(scoped, c)
		return true
	}))
	require.Len(t, scoped, 1)
	assert.Equal(t, "in project", scoped[0].Content)

	// Early termination.
	count := 0
	require.NoError(t, store.GetAllContent(ctx, nil, func(ChunkContent) bool {
		count++
		return false
	}))
	assert.Equal(t, 1, count)
}

func TestSQLStore_CountByStatusAndOldestInbox(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := captureChunk(t, store, "oldest", nil)
	time.Sleep(2 * time.Millisecond)
	captureChunk(t, store, "newer", nil)

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[types.StatusInbox])

	oldest, err := store.OldestInbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, oldest.ID)
}

func TestSQLStore_Projects_MonotonicDepth(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	project := types.NewProject("beta", "test project")
	require.NoError(t, store.CreateProject(ctx, project))

	project.CompactionDepth = 2
	now := time.Now().UTC()
	project.LastCompactionAt = &now
	require.NoError(t, store.UpdateProject(ctx, project))

	project.CompactionDepth = 1
	assert.ErrorIs(t, store.UpdateProject(ctx, project), types.ErrConflict)

	loaded, err := store.GetProject(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.CompactionDepth)
	require.NotNil(t, loaded.LastCompactionAt)
}

func TestSQLStore_BulkCreateEntities_Idempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	chunk := captureChunk(t, store, "content with https://example.com", nil)

	batch := []*types.Entity{
		types.NewEntity(chunk.ID, "p1", types.EntityURL, "https://example.com", "ctx", 0.95),
	}
	created, err := store.BulkCreateEntities(ctx, batch)
	require.NoError(t, err)
	assert.Len(t, created, 1)

	// Re-running extraction produces no duplicate rows.
	again := []*types.Entity{
		types.NewEntity(chunk.ID, "p1", types.EntityURL, "https://example.com", "ctx", 0.95),
	}
	created, err = store.BulkCreateEntities(ctx, again)
	require.NoError(t, err)
	assert.Empty(t, created)

	all, err := store.ListEntitiesByChunk(ctx, chunk.ID)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSQLStore_ListEntitiesByProject_Filters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	chunk := captureChunk(t, store, "errors and links", nil)
	_, err := store.BulkCreateEntities(ctx, []*types.Entity{
		types.NewEntity(chunk.ID, "p1", types.EntityURL, "https://a.example.com", "", 0.95),
		types.NewEntity(chunk.ID, "p1", types.EntityError, "NullPointerException", "", 0.62),
		types.NewEntity(chunk.ID, "p2", types.EntityURL, "https://b.example.com", "", 0.8),
	})
	require.NoError(t, err)

	entities, total, err := store.ListEntitiesByProject(ctx, "p1", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, entities, 2)

	errType := types.EntityError
	minConf := 0.9
	_, total, err = store.ListEntitiesByProject(ctx, "p1", &EntityFilter{Type: &errType})
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	_, total, err = store.ListEntitiesByProject(ctx, "p1", &EntityFilter{MinConfidence: &minConf})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestSQLStore_BulkActions_RoundTripAndUndoFlag(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	action := types.NewBulkAction(types.BulkArchive, `{"status":"inbox"}`, []types.ChunkSnapshot{
		{ID: "c1", Status: types.StatusInbox, Tags: []string{"x"}},
	})
	require.NoError(t, store.RecordBulkAction(ctx, action))

	loaded, err := store.GetBulkAction(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BulkArchive, loaded.ActionType)
	assert.Equal(t, 1, loaded.AffectedCount)
	require.Len(t, loaded.PreviousState, 1)
	assert.Equal(t, types.StatusInbox, loaded.PreviousState[0].Status)
	assert.False(t, loaded.Undone)

	require.NoError(t, store.MarkBulkActionUndone(ctx, action.ID))
	assert.ErrorIs(t, store.MarkBulkActionUndone(ctx, action.ID), types.ErrConflict)
	assert.ErrorIs(t, store.MarkBulkActionUndone(ctx, "missing"), types.ErrNotFound)
}
