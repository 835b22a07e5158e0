package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/sage/config"
	"github.com/kadirpekel/sage/databases"
)

// mockEmbedder returns a fixed vector for any text
type mockEmbedder struct {
	err error
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.err != nil {
		return nil, m.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

func (m *mockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vector, err := m.Embed(ctx, texts[i])
		if err != nil {
			return nil, err
		}
		vectors[i] = vector
	}
	return vectors, nil
}

func (m *mockEmbedder) GetDimension() int    { return 3 }
func (m *mockEmbedder) GetModelName() string { return "mock" }
func (m *mockEmbedder) Close() error         { return nil }

// mockDatabase serves canned semantic results
type mockDatabase struct {
	results   []databases.SearchResult
	searchErr error
	upserts   map[string][]float32
}

func newMockDatabase(results ...databases.SearchResult) *mockDatabase {
	return &mockDatabase{results: results, upserts: make(map[string][]float32)}
}

func (m *mockDatabase) Upsert(ctx context.Context, collection, id string, vector []float32, metadata map[string]interface{}) error {
	m.upserts[id] = vector
	return nil
}

func (m *mockDatabase) Search(ctx context.Context, collection string, vector []float32, topK int) ([]databases.SearchResult, error) {
	if m.searchErr != nil {
		return nil, m.searchErr
	}
	if len(m.results) > topK {
		return m.results[:topK], nil
	}
	return m.results, nil
}

func (m *mockDatabase) CreateCollection(ctx context.Context, collection string, vectorSize uint64) error {
	return nil
}
func (m *mockDatabase) Delete(ctx context.Context, collection, id string) error { return nil }
func (m *mockDatabase) DeleteCollection(ctx context.Context, collection string) error {
	return nil
}
func (m *mockDatabase) Close() error { return nil }

func testConfig() *config.RetrievalConfig {
	return &config.RetrievalConfig{
		Collection:     "test",
		TopK:           5,
		SemanticWeight: 0.7,
		LexicalWeight:  0.3,
		Normalization:  "minmax",
	}
}

func newTestEngine(t *testing.T, cfg *config.RetrievalConfig, embedder *mockEmbedder, database *mockDatabase) *Engine {
	t.Helper()
	lexical, err := NewLexicalIndex()
	require.NoError(t, err)
	t.Cleanup(func() { lexical.Close() })

	engine, err := NewEngine(cfg, embedder, database, lexical, nil)
	require.NoError(t, err)
	return engine
}

func semResult(id, content string, score float32) databases.SearchResult {
	return databases.SearchResult{ID: id, Content: content, Score: score}
}

func TestSearch_ResultLengthBoundedByK(t *testing.T) {
	cfg := testConfig()
	cfg.TopK = 2
	db := newMockDatabase(
		semResult("a", "alpha document", 0.9),
		semResult("b", "beta document", 0.8),
		semResult("c", "gamma document", 0.7),
	)
	engine := newTestEngine(t, cfg, &mockEmbedder{}, db)

	chunks, degraded, err := engine.Search(context.Background(), "document")
	require.NoError(t, err)
	assert.False(t, degraded)
	assert.LessOrEqual(t, len(chunks), 2)
}

func TestSearch_Deterministic(t *testing.T) {
	db := newMockDatabase(
		semResult("b", "beta", 0.8),
		semResult("a", "alpha", 0.8),
	)
	engine := newTestEngine(t, testConfig(), &mockEmbedder{}, db)

	first, _, err := engine.Search(context.Background(), "query")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, _, err := engine.Search(context.Background(), "query")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	// Equal combined scores break ties by id ascending
	require.Len(t, first, 2)
	assert.Equal(t, "a", first[0].ID)
	assert.Equal(t, "b", first[1].ID)
}

func TestSearch_SortedByCombinedScore(t *testing.T) {
	db := newMockDatabase(
		semResult("low", "low score", 0.2),
		semResult("high", "high score", 0.9),
		semResult("mid", "mid score", 0.5),
	)
	engine := newTestEngine(t, testConfig(), &mockEmbedder{}, db)

	chunks, _, err := engine.Search(context.Background(), "score")
	require.NoError(t, err)
	for i := 1; i < len(chunks); i++ {
		assert.GreaterOrEqual(t, chunks[i-1].CombinedScore, chunks[i].CombinedScore)
	}
}

func TestSearch_SemanticBranchFailureDegrades(t *testing.T) {
	db := newMockDatabase()
	db.searchErr = errors.New("vector store down")
	engine := newTestEngine(t, testConfig(), &mockEmbedder{}, db)

	// Lexical branch still has documents
	require.NoError(t, engine.lexical.Index(Document{ID: "d1", Content: "refund policy window"}))
	require.NoError(t, engine.lexical.Index(Document{ID: "d2", Content: "refund exceptions"}))

	chunks, degraded, err := engine.Search(context.Background(), "refund")
	require.NoError(t, err)
	assert.True(t, degraded)
	assert.NotEmpty(t, chunks)
	for _, chunk := range chunks {
		assert.Zero(t, chunk.SemanticScore, "failed branch contributes zero scores")
		assert.Greater(t, chunk.LexicalScore, 0.0)
	}
}

func TestSearch_LexicalBranchEmptyUsesSemantic(t *testing.T) {
	db := newMockDatabase(semResult("a", "alpha", 0.9))
	engine := newTestEngine(t, testConfig(), &mockEmbedder{}, db)

	chunks, degraded, err := engine.Search(context.Background(), "anything")
	require.NoError(t, err)
	assert.False(t, degraded, "an empty branch is not a failed branch")
	require.Len(t, chunks, 1)
	assert.Equal(t, "a", chunks[0].ID)
}

func TestSearch_BothBranchesFailReturnsEmpty(t *testing.T) {
	db := newMockDatabase()
	db.searchErr = errors.New("vector store down")
	embedder := &mockEmbedder{}
	engine := newTestEngine(t, testConfig(), embedder, db)

	// Empty lexical index returns no hits; that alone is not a failure,
	// so force the semantic branch down via the embedder too.
	embedder.err = errors.New("embeddings down")

	chunks, _, err := engine.Search(context.Background(), "query")
	assert.NoError(t, err, "no-context is a valid outcome, not an error")
	assert.Empty(t, chunks)
}

func TestSearch_ScoreThresholdFiltersSemanticHits(t *testing.T) {
	cfg := testConfig()
	cfg.ScoreThreshold = 0.5
	db := newMockDatabase(
		semResult("keep", "above threshold", 0.8),
		semResult("drop", "below threshold", 0.2),
	)
	engine := newTestEngine(t, cfg, &mockEmbedder{}, db)

	chunks, _, err := engine.Search(context.Background(), "threshold")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "keep", chunks[0].ID)
}

func TestNormalize_MinMax(t *testing.T) {
	engine := newTestEngine(t, testConfig(), &mockEmbedder{}, newMockDatabase())

	norm := engine.normalize([]branchHit{
		{ID: "a", Score: 10},
		{ID: "b", Score: 5},
		{ID: "c", Score: 0},
	})
	assert.Equal(t, []float64{1.0, 0.5, 0.0}, norm)
}

func TestNormalize_MinMaxEqualScores(t *testing.T) {
	engine := newTestEngine(t, testConfig(), &mockEmbedder{}, newMockDatabase())

	norm := engine.normalize([]branchHit{
		{ID: "a", Score: 3},
		{ID: "b", Score: 3},
	})
	assert.Equal(t, []float64{1.0, 1.0}, norm)
}

func TestNormalize_Rank(t *testing.T) {
	cfg := testConfig()
	cfg.Normalization = "rank"
	engine := newTestEngine(t, cfg, &mockEmbedder{}, newMockDatabase())

	norm := engine.normalize([]branchHit{
		{ID: "a", Score: 100},
		{ID: "b", Score: 1},
	})
	assert.InDelta(t, 1.0/61.0, norm[0], 1e-9)
	assert.InDelta(t, 1.0/62.0, norm[1], 1e-9)
}

func TestFuse_WeightedCombination(t *testing.T) {
	engine := newTestEngine(t, testConfig(), &mockEmbedder{}, newMockDatabase())

	chunks := engine.fuse(
		[]branchHit{{ID: "both", Content: "x", Score: 1.0}},
		[]branchHit{{ID: "both", Content: "x", Score: 1.0}},
	)
	require.Len(t, chunks, 1)
	// 0.7*1.0 + 0.3*1.0 with single-hit minmax collapsing to 1.0
	assert.InDelta(t, 1.0, chunks[0].CombinedScore, 1e-9)
}

func TestIndex_WritesBothBranches(t *testing.T) {
	db := newMockDatabase()
	engine := newTestEngine(t, testConfig(), &mockEmbedder{}, db)

	err := engine.Index(context.Background(), Document{
		ID:      "doc-1",
		Content: "refund policy",
		Source:  "policies.md",
	})
	require.NoError(t, err)

	assert.Contains(t, db.upserts, "doc-1")
	count, err := engine.lexical.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}

// recordingDatabase captures the candidate depth requested per search
type recordingDatabase struct {
	*mockDatabase
	lastTopK int
}

func (r *recordingDatabase) Search(ctx context.Context, collection string, vector []float32, topK int) ([]databases.SearchResult, error) {
	r.lastTopK = topK
	return r.mockDatabase.Search(ctx, collection, vector, topK)
}

func TestSearch_BranchesOverfetchTwiceK(t *testing.T) {
	cfg := testConfig()
	db := &recordingDatabase{mockDatabase: newMockDatabase(
		semResult("a", "alpha document", 0.9),
	)}
	lexical, err := NewLexicalIndex()
	require.NoError(t, err)
	t.Cleanup(func() { lexical.Close() })

	engine, err := NewEngine(cfg, &mockEmbedder{}, db, lexical, nil)
	require.NoError(t, err)

	_, _, err = engine.Search(context.Background(), "document")
	require.NoError(t, err)
	assert.Equal(t, cfg.TopK*2, db.lastTopK, "each branch fetches twice the final window")
}

func TestSearch_CombinedScoreRescuesDeepCandidate(t *testing.T) {
	// "deep" sits at semantic rank 6 with k=5; its lexical match must
	// lift it into the final window with a non-zero semantic score.
	cfg := testConfig()
	db := newMockDatabase(
		semResult("a", "alpha", 0.90),
		semResult("b", "beta", 0.85),
		semResult("c", "gamma", 0.80),
		semResult("d", "delta", 0.75),
		semResult("e", "epsilon", 0.50),
		semResult("deep", "zebra habitat", 0.45),
		semResult("g", "eta", 0.40),
	)
	engine := newTestEngine(t, cfg, &mockEmbedder{}, db)
	require.NoError(t, engine.lexical.Index(Document{ID: "deep", Content: "zebra habitat"}))

	chunks, degraded, err := engine.Search(context.Background(), "zebra")
	require.NoError(t, err)
	assert.False(t, degraded)

	var found *RetrievedChunk
	for i := range chunks {
		if chunks[i].ID == "deep" {
			found = &chunks[i]
		}
	}
	require.NotNil(t, found, "candidate beyond single-branch top k must still be fusable")
	assert.Greater(t, found.SemanticScore, 0.0, "semantic contribution survives the over-fetch")
	assert.Greater(t, found.LexicalScore, 0.0)
}

// cappedReranker records how many candidates it is handed
type cappedReranker struct {
	received int
}

func (r *cappedReranker) Rerank(ctx context.Context, query string, chunks []RetrievedChunk) ([]RetrievedChunk, error) {
	r.received = len(chunks)
	return chunks, nil
}

func TestSearch_RerankDepthCappedAtTwiceK(t *testing.T) {
	cfg := testConfig()
	cfg.TopK = 2
	cfg.Rerank = true
	cfg.RerankTopN = 50

	// Four semantic-only and four lexical-only documents fuse into more
	// candidates than one branch can fetch
	db := newMockDatabase(
		semResult("s1", "first semantic", 0.9),
		semResult("s2", "second semantic", 0.8),
		semResult("s3", "third semantic", 0.7),
		semResult("s4", "fourth semantic", 0.6),
	)

	lexical, err := NewLexicalIndex()
	require.NoError(t, err)
	t.Cleanup(func() { lexical.Close() })
	for _, id := range []string{"l1", "l2", "l3", "l4"} {
		require.NoError(t, lexical.Index(Document{ID: id, Content: "zebra passage " + id}))
	}

	reranker := &cappedReranker{}
	engine, err := NewEngine(cfg, &mockEmbedder{}, db, lexical, reranker)
	require.NoError(t, err)

	_, _, err = engine.Search(context.Background(), "zebra")
	require.NoError(t, err)
	assert.Equal(t, cfg.TopK*2, reranker.received, "reranker sees at most twice the final window")
}
