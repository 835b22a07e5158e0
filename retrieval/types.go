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

// Package retrieval implements hybrid document retrieval. A semantic branch
// searches a vector database with query embeddings while a lexical branch
// searches a keyword index; results are merged with weighted score fusion
// and optionally reranked by a language model.
package retrieval

// Document represents a document to be indexed into both branches
type Document struct {
	ID       string                 `json:"id"`
	Content  string                 `json:"content"`
	Source   string                 `json:"source,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// RetrievedChunk represents a single retrieval result after fusion
type RetrievedChunk struct {
	ID            string                 `json:"id"`
	Content       string                 `json:"content"`
	Source        string                 `json:"source,omitempty"`
	SemanticScore float64                `json:"semantic_score"` // Normalized semantic branch score
	LexicalScore  float64                `json:"lexical_score"`  // Normalized lexical branch score
	CombinedScore float64                `json:"combined_score"` // Weighted fusion score
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// branchHit is a raw per-branch result before normalization
type branchHit struct {
	ID       string
	Content  string
	Source   string
	Score    float64
	Metadata map[string]interface{}
}
