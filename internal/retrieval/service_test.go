package retrieval

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/tenantdb/internal/resolver"
	"github.com/scrypster/tenantdb/internal/session"
	"github.com/scrypster/tenantdb/pkg/types"
)

const (
	testDim = 4
	testDSN = "postgres://tenant/db"
)

type staticResolver struct {
	dsn string
	err error
}

func (r staticResolver) Resolve(context.Context, resolver.Request) (string, error) {
	return r.dsn, r.err
}

// mapEmbedder returns the vector registered for a text, or a vector built
// from the text length.
type mapEmbedder struct {
	vecs  map[string][]float32
	calls int
	err   error
}

func (m *mapEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := m.vecs[t]; ok {
			out[i] = v
			continue
		}
		out[i] = []float32{float32(len(t)), 0, 0, 0}
	}
	return out, nil
}

type failingStore struct{ *MemoryStore }

func (failingStore) Insert(context.Context, string, []types.Chunk) error {
	return errors.New("disk full")
}

func tenantReq(tenant string) resolver.Request {
	return resolver.Request{Session: &session.Claims{TenantID: tenant}}
}

func newTestService(emb Embedder, store ChunkStore) *Service {
	return NewService(emb, store, staticResolver{dsn: testDSN}, Config{Dimension: testDim, Chunker: Chunker{Size: 10, Overlap: 2}}, nil)
}

func TestScore(t *testing.T) {
	assert.Equal(t, 1.0, Score(0))
	assert.Equal(t, 0.5, Score(1))
	assert.Equal(t, 0.25, Score(3))
	assert.Greater(t, Score(0.1), Score(0.2))
}

func TestIndex_RejectsWrongDimensionBeforeInsert(t *testing.T) {
	store := NewMemoryStore()
	svc := newTestService(&mapEmbedder{}, store)

	results, err := svc.Index(context.Background(), tenantReq("t1"), IndexRequest{
		FileName: "notes.txt",
		Chunks: []ChunkInput{
			{Content: "ok", Embedding: []float32{1, 0, 0, 0}},
			{Content: "short", Embedding: []float32{1, 0}},
			{Content: "also ok", Embedding: []float32{0, 1, 0, 0}},
		},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.NotEmpty(t, results[0].ID)
	assert.ErrorIs(t, results[1].Err, ErrDimensionMismatch)
	assert.Empty(t, results[1].ID)
	assert.NotEmpty(t, results[2].ID)

	stored, err := store.Search(context.Background(), testDSN, "o", types.SearchFilter{})
	require.NoError(t, err)
	assert.Len(t, stored, 2, "the mismatched chunk never reaches the store")
}

func TestIndex_AllRejectedSkipsStore(t *testing.T) {
	svc := NewService(&mapEmbedder{}, failingStore{NewMemoryStore()}, staticResolver{err: errors.New("unused")}, Config{Dimension: testDim}, nil)
	results, err := svc.Index(context.Background(), tenantReq("t1"), IndexRequest{
		FileName: "f",
		Chunks:   []ChunkInput{{Content: "x", Embedding: []float32{1}}},
	})
	require.NoError(t, err)
	assert.ErrorIs(t, results[0].Err, ErrDimensionMismatch)
}

func TestIndex_StoreFailureIsWrapped(t *testing.T) {
	svc := newTestService(&mapEmbedder{}, failingStore{NewMemoryStore()})
	_, err := svc.Index(context.Background(), tenantReq("t1"), IndexRequest{
		FileName: "f",
		Chunks:   []ChunkInput{{Content: "x", Embedding: []float32{1, 0, 0, 0}}},
	})
	var re *Error
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "index", re.Op)
}

func TestIngest_ChunksEmbedsOnceAndIndexes(t *testing.T) {
	emb := &mapEmbedder{}
	store := NewMemoryStore()
	svc := newTestService(emb, store)

	text := strings.Repeat("abcd ", 6) // 30 runes, windows of 10 step 8
	results, err := svc.Ingest(context.Background(), tenantReq("t1"), IngestRequest{FileName: "a.txt", Text: text, ThreadID: "th1"})
	require.NoError(t, err)
	assert.Len(t, results, 4)
	assert.Equal(t, 1, emb.calls, "one embedding call per document")

	chunks, err := store.Search(context.Background(), testDSN, "abcd", types.SearchFilter{TenantID: "t1", ThreadID: "th1"})
	require.NoError(t, err)
	assert.Len(t, chunks, 4)
}

func TestIngest_EmptyTextIndexesNothing(t *testing.T) {
	emb := &mapEmbedder{}
	results, err := newTestService(emb, NewMemoryStore()).Ingest(context.Background(), tenantReq("t1"), IngestRequest{FileName: "a", Text: "   "})
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Zero(t, emb.calls)
}

func TestIngest_EmbedderFailureIsWrapped(t *testing.T) {
	emb := &mapEmbedder{err: errors.New("rate limited")}
	_, err := newTestService(emb, NewMemoryStore()).Ingest(context.Background(), tenantReq("t1"), IngestRequest{FileName: "a", Text: "hello"})
	var re *Error
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "embed", re.Op)
}

func TestSimilaritySearch_OrdersByScore(t *testing.T) {
	emb := &mapEmbedder{vecs: map[string][]float32{"query": {0, 0, 0, 0}}}
	svc := newTestService(emb, NewMemoryStore())
	ctx := context.Background()

	_, err := svc.Index(ctx, tenantReq("t1"), IndexRequest{
		FileName: "f",
		Chunks: []ChunkInput{
			{Content: "far", Embedding: []float32{3, 0, 0, 0}},
			{Content: "exact", Embedding: []float32{0, 0, 0, 0}},
			{Content: "near", Embedding: []float32{1, 0, 0, 0}},
		},
	})
	require.NoError(t, err)

	hits, err := svc.SimilaritySearch(ctx, tenantReq("t1"), Query{Text: "query", K: 3})
	require.NoError(t, err)
	require.Len(t, hits, 3)

	assert.Equal(t, "exact", hits[0].Chunk.Content)
	assert.Equal(t, 1.0, hits[0].Score)
	assert.Equal(t, "near", hits[1].Chunk.Content)
	assert.Equal(t, 0.5, hits[1].Score)
	assert.Equal(t, "far", hits[2].Chunk.Content)
	assert.Equal(t, 0.25, hits[2].Score)

	top, err := svc.SimilaritySearch(ctx, tenantReq("t1"), Query{Text: "query", K: 1})
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "exact", top[0].Chunk.Content)
}

func TestSimilaritySearch_ScopesByTenantThreadAndKnowledgeBase(t *testing.T) {
	emb := &mapEmbedder{vecs: map[string][]float32{"q": {0, 0, 0, 0}}}
	svc := newTestService(emb, NewMemoryStore())
	ctx := context.Background()
	vec := []float32{1, 1, 0, 0}

	index := func(req resolver.Request, content, thread string, kb bool) {
		_, err := svc.Index(ctx, req, IndexRequest{FileName: content, ThreadID: thread, AdminKB: kb,
			Chunks: []ChunkInput{{Content: content, Embedding: vec}}})
		require.NoError(t, err)
	}
	index(tenantReq("t1"), "t1-thread-a", "a", false)
	index(tenantReq("t1"), "t1-thread-b", "b", false)
	index(tenantReq("t2"), "t2-doc", "", false)
	index(tenantReq("admin"), "kb-doc", "", true)

	contents := func(q Query) []string {
		hits, err := svc.SimilaritySearch(ctx, tenantReq("t1"), q)
		require.NoError(t, err)
		var out []string
		for _, h := range hits {
			out = append(out, h.Chunk.Content)
		}
		return out
	}

	assert.ElementsMatch(t, []string{"t1-thread-a", "t1-thread-b"}, contents(Query{Text: "q", K: 10}))
	assert.ElementsMatch(t, []string{"t1-thread-a"}, contents(Query{Text: "q", K: 10, ThreadID: "a"}))
	assert.ElementsMatch(t, []string{"t1-thread-a", "kb-doc"}, contents(Query{Text: "q", K: 10, ThreadID: "a", IncludeKnowledgeBase: true}))
}

func TestSimilaritySearch_Validation(t *testing.T) {
	svc := newTestService(&mapEmbedder{vecs: map[string][]float32{"bad": {1}}}, NewMemoryStore())

	_, err := svc.SimilaritySearch(context.Background(), tenantReq("t1"), Query{Text: " "})
	assert.ErrorIs(t, err, ErrEmptyQuery)

	_, err = svc.SimilaritySearch(context.Background(), tenantReq("t1"), Query{Text: "bad"})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestSimilaritySearch_ResolveFailureIsWrapped(t *testing.T) {
	svc := NewService(&mapEmbedder{}, NewMemoryStore(), staticResolver{err: resolver.ErrNoConnection}, Config{Dimension: testDim}, nil)
	_, err := svc.SimilaritySearch(context.Background(), tenantReq("t1"), Query{Text: "abcd"})
	assert.ErrorIs(t, err, resolver.ErrNoConnection)
}

func TestSimpleSearch_CaseInsensitiveWithFilters(t *testing.T) {
	svc := newTestService(&mapEmbedder{}, NewMemoryStore())
	ctx := context.Background()
	for _, c := range []struct{ tenant, content string }{
		{"t1", "Postgres Vector index"},
		{"t1", "nothing relevant"},
		{"t2", "postgres for tenant two"},
	} {
		_, err := svc.Index(ctx, tenantReq(c.tenant), IndexRequest{FileName: "f",
			Chunks: []ChunkInput{{Content: c.content, Embedding: []float32{0, 0, 0, 0}}}})
		require.NoError(t, err)
	}

	got, err := svc.SimpleSearch(ctx, tenantReq("t1"), "POSTGRES", types.SearchFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Postgres Vector index", got[0].Content)

	_, err = svc.SimpleSearch(ctx, tenantReq("t1"), "", types.SearchFilter{})
	assert.ErrorIs(t, err, ErrEmptyQuery)
}
