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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kadirpekel/sage/llms"
)

// Reranker reorders retrieved chunks by relevance to the query
type Reranker interface {
	Rerank(ctx context.Context, query string, chunks []RetrievedChunk) ([]RetrievedChunk, error)
}

const rerankPromptTemplate = `You are a relevance ranker. Given a query and a numbered list of passages, rank the passages from most to least relevant to the query.

Query: %s

Passages:
%s

Respond with ONLY a JSON array of passage numbers ordered from most to least relevant, for example: [2, 0, 1]`

// maxPassageChars bounds the prompt size per passage
const maxPassageChars = 500

// LLMReranker uses a language model to reorder candidates. Positions
// returned by the model map back onto chunk indices; an unusable response
// keeps the original order.
type LLMReranker struct {
	provider llms.LLMProvider
}

// NewLLMReranker creates a reranker backed by the given provider
func NewLLMReranker(provider llms.LLMProvider) (*LLMReranker, error) {
	if provider == nil {
		return nil, fmt.Errorf("LLM provider cannot be nil")
	}
	return &LLMReranker{provider: provider}, nil
}

// Rerank asks the model for a relevance ordering of the chunks. On any
// model or parse failure the original order is returned with an error so
// the caller can decide whether to degrade.
func (r *LLMReranker) Rerank(ctx context.Context, query string, chunks []RetrievedChunk) ([]RetrievedChunk, error) {
	if len(chunks) <= 1 {
		return chunks, nil
	}

	var passages strings.Builder
	for i, chunk := range chunks {
		content := chunk.Content
		if len(content) > maxPassageChars {
			content = content[:maxPassageChars]
		}
		fmt.Fprintf(&passages, "[%d] %s\n", i, content)
	}

	prompt := fmt.Sprintf(rerankPromptTemplate, query, passages.String())

	messages := []llms.Message{
		{Role: "user", Content: prompt},
	}

	text, _, _, err := r.provider.Generate(ctx, messages, nil)
	if err != nil {
		return chunks, fmt.Errorf("reranker generation failed: %w", err)
	}

	order, err := parseRankOrder(text, len(chunks))
	if err != nil {
		return chunks, fmt.Errorf("reranker returned unusable ranking: %w", err)
	}

	reranked := make([]RetrievedChunk, 0, len(chunks))
	for _, idx := range order {
		reranked = append(reranked, chunks[idx])
	}

	return reranked, nil
}

// parseRankOrder extracts a permutation of [0,n) from the model output.
// Indices out of range are dropped; missing indices are appended in
// original order so every chunk survives reranking.
func parseRankOrder(text string, n int) ([]int, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array found in response")
	}

	var indices []int
	if err := json.Unmarshal([]byte(text[start:end+1]), &indices); err != nil {
		return nil, fmt.Errorf("failed to parse ranking: %w", err)
	}

	seen := make(map[int]bool, n)
	order := make([]int, 0, n)
	for _, idx := range indices {
		if idx < 0 || idx >= n || seen[idx] {
			continue
		}
		seen[idx] = true
		order = append(order, idx)
	}

	if len(order) == 0 {
		return nil, fmt.Errorf("ranking contained no valid indices")
	}

	for i := 0; i < n; i++ {
		if !seen[i] {
			order = append(order, i)
		}
	}

	return order, nil
}

var _ Reranker = (*LLMReranker)(nil)
