// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kadirpekel/sage/config"
	"github.com/kadirpekel/sage/databases"
	"github.com/kadirpekel/sage/embedders"
)

// Normalization modes for branch score fusion
const (
	NormalizationMinMax = "minmax"
	NormalizationRank   = "rank"
)

// rrfOffset dampens the influence of top ranks in reciprocal rank fusion
const rrfOffset = 60

// Engine performs hybrid retrieval over a vector database and a keyword
// index. Both branches run concurrently; a single failed branch degrades
// the result set instead of failing the search.
type Engine struct {
	config   *config.RetrievalConfig
	embedder embedders.EmbedderProvider
	database databases.DatabaseProvider
	lexical  *LexicalIndex
	reranker Reranker
}

// NewEngine creates a hybrid retrieval engine. The reranker may be nil,
// in which case fused order is final.
func NewEngine(cfg *config.RetrievalConfig, embedder embedders.EmbedderProvider, database databases.DatabaseProvider, lexical *LexicalIndex, reranker Reranker) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("retrieval config cannot be nil")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retrieval config: %w", err)
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder cannot be nil")
	}
	if database == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}
	if lexical == nil {
		return nil, fmt.Errorf("lexical index cannot be nil")
	}
	return &Engine{
		config:   cfg,
		embedder: embedder,
		database: database,
		lexical:  lexical,
		reranker: reranker,
	}, nil
}

// Index writes a document into both retrieval branches
func (e *Engine) Index(ctx context.Context, doc Document) error {
	if doc.ID == "" {
		return fmt.Errorf("document id cannot be empty")
	}

	vector, err := e.embedder.Embed(ctx, doc.Content)
	if err != nil {
		return fmt.Errorf("failed to embed document %s: %w", doc.ID, err)
	}

	metadata := make(map[string]interface{}, len(doc.Metadata)+2)
	for key, value := range doc.Metadata {
		metadata[key] = value
	}
	metadata["content"] = doc.Content
	if doc.Source != "" {
		metadata["source"] = doc.Source
	}

	if err := e.database.Upsert(ctx, e.config.Collection, doc.ID, vector, metadata); err != nil {
		return fmt.Errorf("failed to upsert document %s: %w", doc.ID, err)
	}

	if err := e.lexical.Index(doc); err != nil {
		return fmt.Errorf("failed to index document %s into lexical branch: %w", doc.ID, err)
	}

	return nil
}

// Delete removes a document from both retrieval branches
func (e *Engine) Delete(ctx context.Context, id string) error {
	if err := e.database.Delete(ctx, e.config.Collection, id); err != nil {
		return err
	}
	return e.lexical.Delete(id)
}

// Search runs both branches concurrently and fuses the results. The
// returned degraded flag is true when exactly one branch failed; when
// both fail the result is empty with no error.
func (e *Engine) Search(ctx context.Context, query string) ([]RetrievedChunk, bool, error) {
	if query == "" {
		return nil, false, fmt.Errorf("query cannot be empty")
	}

	// Each branch over-fetches to twice the final window so a document
	// ranked just outside top k in both branches can still win on
	// combined score.
	fetchK := e.config.TopK * 2

	branchCtx, cancel := context.WithTimeout(ctx, time.Duration(e.config.BranchTimeout)*time.Second)
	defer cancel()

	var (
		wg           sync.WaitGroup
		semanticHits []branchHit
		semanticErr  error
		lexicalHits  []branchHit
		lexicalErr   error
	)

	wg.Add(2)

	go func() {
		defer wg.Done()
		semanticHits, semanticErr = e.searchSemantic(branchCtx, query, fetchK)
	}()

	go func() {
		defer wg.Done()
		lexicalHits, lexicalErr = e.lexical.Search(query, fetchK)
	}()

	wg.Wait()

	if semanticErr != nil && lexicalErr != nil {
		slog.Warn("Both retrieval branches failed",
			"semantic_error", semanticErr,
			"lexical_error", lexicalErr)
		return []RetrievedChunk{}, false, nil
	}

	degraded := false
	if semanticErr != nil {
		slog.Warn("Semantic branch failed, continuing with lexical results only", "error", semanticErr)
		semanticHits = nil
		degraded = true
	}
	if lexicalErr != nil {
		slog.Warn("Lexical branch failed, continuing with semantic results only", "error", lexicalErr)
		lexicalHits = nil
		degraded = true
	}

	chunks := e.fuse(semanticHits, lexicalHits)

	if e.config.Rerank && e.reranker != nil && len(chunks) > 1 {
		// Rerank depth never exceeds the per-branch fetch depth
		topN := e.config.RerankTopN
		if topN > fetchK {
			topN = fetchK
		}
		if topN > len(chunks) {
			topN = len(chunks)
		}
		reranked, err := e.reranker.Rerank(ctx, query, chunks[:topN])
		if err != nil {
			slog.Warn("Reranking failed, keeping fused order", "error", err)
		} else {
			chunks = append(reranked, chunks[topN:]...)
		}
	}

	if len(chunks) > e.config.TopK {
		chunks = chunks[:e.config.TopK]
	}

	return chunks, degraded, nil
}

// searchSemantic embeds the query and searches the vector database.
// Hits below the configured similarity threshold are discarded.
func (e *Engine) searchSemantic(ctx context.Context, query string, k int) ([]branchHit, error) {
	vector, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	results, err := e.database.Search(ctx, e.config.Collection, vector, k)
	if err != nil {
		return nil, err
	}

	hits := make([]branchHit, 0, len(results))
	for _, result := range results {
		if e.config.ScoreThreshold > 0 && float64(result.Score) < e.config.ScoreThreshold {
			continue
		}
		source := ""
		if s, ok := result.Metadata["source"].(string); ok {
			source = s
		}
		hits = append(hits, branchHit{
			ID:       result.ID,
			Content:  result.Content,
			Source:   source,
			Score:    float64(result.Score),
			Metadata: result.Metadata,
		})
	}

	return hits, nil
}

// fuse normalizes branch scores, merges hits by document id and sorts by
// weighted combined score. Ties break on id so results are deterministic.
func (e *Engine) fuse(semanticHits, lexicalHits []branchHit) []RetrievedChunk {
	semanticNorm := e.normalize(semanticHits)
	lexicalNorm := e.normalize(lexicalHits)

	merged := make(map[string]*RetrievedChunk)

	for i, hit := range semanticHits {
		merged[hit.ID] = &RetrievedChunk{
			ID:            hit.ID,
			Content:       hit.Content,
			Source:        hit.Source,
			SemanticScore: semanticNorm[i],
			Metadata:      hit.Metadata,
		}
	}

	for i, hit := range lexicalHits {
		if chunk, exists := merged[hit.ID]; exists {
			chunk.LexicalScore = lexicalNorm[i]
			continue
		}
		merged[hit.ID] = &RetrievedChunk{
			ID:           hit.ID,
			Content:      hit.Content,
			Source:       hit.Source,
			LexicalScore: lexicalNorm[i],
			Metadata:     hit.Metadata,
		}
	}

	chunks := make([]RetrievedChunk, 0, len(merged))
	for _, chunk := range merged {
		chunk.CombinedScore = e.config.SemanticWeight*chunk.SemanticScore +
			e.config.LexicalWeight*chunk.LexicalScore
		chunks = append(chunks, *chunk)
	}

	sort.Slice(chunks, func(i, j int) bool {
		if chunks[i].CombinedScore != chunks[j].CombinedScore {
			return chunks[i].CombinedScore > chunks[j].CombinedScore
		}
		return chunks[i].ID < chunks[j].ID
	})

	return chunks
}

// normalize maps raw branch scores into [0,1] per the configured mode.
// Hits are assumed to be in rank order for rank normalization.
func (e *Engine) normalize(hits []branchHit) []float64 {
	norm := make([]float64, len(hits))
	if len(hits) == 0 {
		return norm
	}

	switch e.config.Normalization {
	case NormalizationRank:
		for i := range hits {
			norm[i] = 1.0 / float64(i+rrfOffset+1)
		}

	default: // minmax
		min, max := hits[0].Score, hits[0].Score
		for _, hit := range hits[1:] {
			if hit.Score < min {
				min = hit.Score
			}
			if hit.Score > max {
				max = hit.Score
			}
		}
		if max == min {
			for i := range norm {
				norm[i] = 1.0
			}
			return norm
		}
		for i, hit := range hits {
			norm[i] = (hit.Score - min) / (max - min)
		}
	}

	return norm
}
