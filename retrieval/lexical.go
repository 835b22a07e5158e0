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
	"fmt"
	"sync"

	"github.com/blevesearch/bleve"
)

// lexicalDocument is the shape stored in the keyword index
type lexicalDocument struct {
	Content string `json:"content"`
	Source  string `json:"source"`
}

// LexicalIndex is a full-text keyword index backed by bleve. Document
// content lives in the index so hits can be returned without a second
// store lookup.
type LexicalIndex struct {
	index bleve.Index
	mu    sync.RWMutex
	docs  map[string]Document // id -> original document
}

// NewLexicalIndex creates an in-memory keyword index
func NewLexicalIndex() (*LexicalIndex, error) {
	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create lexical index: %w", err)
	}
	return &LexicalIndex{
		index: index,
		docs:  make(map[string]Document),
	}, nil
}

// Index adds or replaces a document in the keyword index
func (l *LexicalIndex) Index(doc Document) error {
	if doc.ID == "" {
		return fmt.Errorf("document id cannot be empty")
	}

	entry := lexicalDocument{
		Content: doc.Content,
		Source:  doc.Source,
	}
	if err := l.index.Index(doc.ID, entry); err != nil {
		return fmt.Errorf("failed to index document %s: %w", doc.ID, err)
	}

	l.mu.Lock()
	l.docs[doc.ID] = doc
	l.mu.Unlock()

	return nil
}

// Delete removes a document from the keyword index
func (l *LexicalIndex) Delete(id string) error {
	if err := l.index.Delete(id); err != nil {
		return fmt.Errorf("failed to delete document %s: %w", id, err)
	}

	l.mu.Lock()
	delete(l.docs, id)
	l.mu.Unlock()

	return nil
}

// Search runs a keyword query and returns up to k hits with raw BM25 scores
func (l *LexicalIndex) Search(query string, k int) ([]branchHit, error) {
	q := bleve.NewMatchQuery(query)
	searchReq := bleve.NewSearchRequestOptions(q, k, 0, false)

	res, err := l.index.Search(searchReq)
	if err != nil {
		return nil, fmt.Errorf("lexical search failed: %w", err)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	hits := make([]branchHit, 0, len(res.Hits))
	for _, hit := range res.Hits {
		doc, exists := l.docs[hit.ID]
		if !exists {
			continue
		}
		hits = append(hits, branchHit{
			ID:       hit.ID,
			Content:  doc.Content,
			Source:   doc.Source,
			Score:    hit.Score,
			Metadata: doc.Metadata,
		})
	}

	return hits, nil
}

// Count returns the number of indexed documents
func (l *LexicalIndex) Count() (uint64, error) {
	return l.index.DocCount()
}

// Close releases the underlying index
func (l *LexicalIndex) Close() error {
	return l.index.Close()
}
