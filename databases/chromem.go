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

package databases

import (
	"context"
	"fmt"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/kadirpekel/sage/config"
)

// chromemDatabaseProvider is an embedded vector database implementation.
// Useful for local development and tests where no Qdrant instance exists.
type chromemDatabaseProvider struct {
	db     *chromem.DB
	config *config.DatabaseProviderConfig
	mu     sync.Mutex
}

// NewChromemDatabaseProviderFromConfig creates a new embedded vector database
// from config. With a path set the database persists to disk, otherwise it is
// memory only.
func NewChromemDatabaseProviderFromConfig(cfg *config.DatabaseProviderConfig) (DatabaseProvider, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var db *chromem.DB
	var err error

	if cfg.Path != "" {
		db, err = chromem.NewPersistentDB(cfg.Path, false)
		if err != nil {
			return nil, fmt.Errorf("failed to open persistent chromem db: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	return &chromemDatabaseProvider{
		db:     db,
		config: cfg,
	}, nil
}

// externalEmbeddingFunc rejects implicit embedding; vectors are always
// supplied by the embedders package.
func externalEmbeddingFunc(_ context.Context, _ string) ([]float32, error) {
	return nil, fmt.Errorf("embeddings must be provided externally")
}

func (db *chromemDatabaseProvider) collection(name string) (*chromem.Collection, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.db.GetOrCreateCollection(name, nil, externalEmbeddingFunc)
}

// Upsert adds or updates a vector in the database
func (db *chromemDatabaseProvider) Upsert(ctx context.Context, collection string, id string, vector []float32, metadata map[string]interface{}) error {
	col, err := db.collection(collection)
	if err != nil {
		return fmt.Errorf("failed to get collection: %w", err)
	}

	// chromem metadata is string keyed and string valued
	meta := make(map[string]string, len(metadata))
	content := ""
	for key, value := range metadata {
		str := fmt.Sprintf("%v", value)
		if key == "content" {
			content = str
		}
		meta[key] = str
	}

	doc := chromem.Document{
		ID:        id,
		Content:   content,
		Embedding: vector,
		Metadata:  meta,
	}

	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("failed to add document: %w", err)
	}

	return nil
}

// Search performs vector similarity search
func (db *chromemDatabaseProvider) Search(ctx context.Context, collection string, queryVector []float32, topK int) ([]SearchResult, error) {
	col, err := db.collection(collection)
	if err != nil {
		return nil, fmt.Errorf("failed to get collection: %w", err)
	}

	// chromem rejects result counts beyond the collection size
	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	if topK > count {
		topK = count
	}

	queryResults, err := col.QueryEmbedding(ctx, queryVector, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query collection: %w", err)
	}

	results := make([]SearchResult, 0, len(queryResults))
	for _, qr := range queryResults {
		metadata := make(map[string]interface{}, len(qr.Metadata))
		for key, value := range qr.Metadata {
			metadata[key] = value
		}

		results = append(results, SearchResult{
			ID:       qr.ID,
			Score:    qr.Similarity,
			Content:  qr.Content,
			Metadata: metadata,
		})
	}

	return results, nil
}

// CreateCollection creates a collection if it doesn't exist
func (db *chromemDatabaseProvider) CreateCollection(ctx context.Context, collection string, vectorSize uint64) error {
	if _, err := db.collection(collection); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

// Delete removes a document from the database
func (db *chromemDatabaseProvider) Delete(ctx context.Context, collection string, id string) error {
	col, err := db.collection(collection)
	if err != nil {
		return fmt.Errorf("failed to get collection: %w", err)
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("failed to delete document %s: %w", id, err)
	}
	return nil
}

// DeleteCollection removes a collection
func (db *chromemDatabaseProvider) DeleteCollection(ctx context.Context, collection string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.db.DeleteCollection(collection); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	return nil
}

// Close releases resources
func (db *chromemDatabaseProvider) Close() error {
	return nil
}
