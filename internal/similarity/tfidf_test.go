package similarity

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"komorebi/internal/storage"
	"komorebi/pkg/types"
)

// fakeChunkStore serves a fixed corpus; only the methods the Finder
// touches are implemented.
type fakeChunkStore struct {
	storage.ChunkStore
	corpus map[string]string
	order  []string
}

func newFakeChunkStore(pairs ...string) *fakeChunkStore {
	store := &fakeChunkStore{corpus: make(map[string]string)}
	for i := 0; i+1 < len(pairs); i += 2 {
		store.corpus[pairs[i]] = pairs[i+1]
		store.order = append(store.order, pairs[i])
	}
	return store
}

func (f *fakeChunkStore) GetChunk(_ context.Context, id string) (*types.Chunk, error) {
	content, ok := f.corpus[id]
	if !ok {
		return nil, fmt.Errorf("%w: chunk %s", types.ErrNotFound, id)
	}
	return &types.Chunk{ID: id, Content: content, Status: types.StatusInbox}, nil
}

func (f *fakeChunkStore) GetAllContent(_ context.Context, _ *string, fn func(storage.ChunkContent) bool) error {
	for _, id := range f.order {
		if !fn(storage.ChunkContent{ID: id, Content: f.corpus[id]}) {
			return nil
		}
	}
	return nil
}

func TestTokenize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{
			name:  "lowercases and splits on punctuation",
			input: "Fix login-bug in session/Handler",
			want:  []string{"fix", "login", "bug", "session", "handler"},
		},
		{
			name:  "drops short tokens and stopwords",
			input: "it is the DB and the api",
			want:  []string{"api"},
		},
		{
			name:  "keeps underscores as word characters",
			input: "call process_chunk twice",
			want:  []string{"call", "process_chunk", "twice"},
		},
		{
			name:  "empty input",
			input: "",
			want:  []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Tokenize(tt.input))
		})
	}
}

func TestFindRelated_RanksByOverlap(t *testing.T) {
	store := newFakeChunkStore(
		"a", "postgres connection pool exhausted under load testing",
		"b", "postgres connection pool tuning for heavy load",
		"c", "frontend button alignment broken on mobile safari",
		"d", "database connection leak during load spikes",
	)
	finder := NewFinder(store)

	matches, err := finder.FindRelated(context.Background(), "a", 5)
	require.NoError(t, err)
	require.NotEmpty(t, matches)

	assert.Equal(t, "b", matches[0].ChunkID, "closest overlap should rank first")
	for _, match := range matches {
		assert.NotEqual(t, "a", match.ChunkID, "target must never be returned")
		assert.Greater(t, match.Similarity, 0.01)
		assert.LessOrEqual(t, match.Similarity, 1.0)
		assert.LessOrEqual(t, len(match.SharedTerms), 3)
	}
}

func TestFindRelated_NoOverlapYieldsNothing(t *testing.T) {
	store := newFakeChunkStore(
		"a", "kubernetes ingress certificate rotation",
		"b", "birthday cake recipe with chocolate frosting",
	)
	finder := NewFinder(store)

	matches, err := finder.FindRelated(context.Background(), "a", 5)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestFindRelated_TopKLimit(t *testing.T) {
	pairs := []string{"doc0", "retry budget exceeded for upload worker"}
	for i := 1; i <= 5; i++ {
		pairs = append(pairs, fmt.Sprintf("doc%d", i), fmt.Sprintf("retry budget tuning attempt number%d", i))
	}
	for i := 6; i <= 9; i++ {
		pairs = append(pairs, fmt.Sprintf("doc%d", i), fmt.Sprintf("completely unrelated grocery list item%d", i))
	}
	store := newFakeChunkStore(pairs...)
	finder := NewFinder(store)

	matches, err := finder.FindRelated(context.Background(), "doc0", 3)
	require.NoError(t, err)
	assert.Len(t, matches, 3)
}

func TestFindRelated_UnknownTarget(t *testing.T) {
	finder := NewFinder(newFakeChunkStore("a", "some text"))

	_, err := finder.FindRelated(context.Background(), "missing", 5)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestSharedTerms_RankedByWeight(t *testing.T) {
	a := map[string]float64{"alpha": 3, "beta": 2, "gamma": 1, "delta": 0.5}
	b := map[string]float64{"alpha": 3, "beta": 2, "gamma": 1, "delta": 0.5}

	terms := sharedTerms(a, b)
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, terms)
}
