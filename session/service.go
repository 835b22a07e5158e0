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

// Package session maintains bounded per-session conversational history
// and derives the context windows other components consume.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/sage/config"
	"github.com/kadirpekel/sage/llms"
)

// Service is the session context manager. History is mutated only
// through Append; all reads go through derived context windows.
type Service struct {
	store        Store
	reformulator *Reformulator
	windowSize   int

	// Per-session append locks so concurrent appends to the same
	// session keep turn order while different sessions don't contend.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewService creates a session service backed by the given store.
// llm may be nil when reformulation is disabled.
func NewService(cfg *config.SessionConfig, llm llms.LLMProvider) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("session config is required")
	}

	var store Store
	var err error
	switch cfg.Store {
	case "sqlite":
		store, err = NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to create sqlite store: %w", err)
		}
	default:
		store = NewInMemoryStore()
	}

	var reformulator *Reformulator
	if cfg.Reformulate {
		if llm == nil {
			store.Close()
			return nil, fmt.Errorf("reformulation requires an LLM provider")
		}
		reformulator = NewReformulator(llm, defaultConditioningTurns)
	}

	return &Service{
		store:        store,
		reformulator: reformulator,
		windowSize:   cfg.WindowSize,
		locks:        make(map[string]*sync.Mutex),
	}, nil
}

// NewServiceWithStore creates a session service over an existing store
func NewServiceWithStore(store Store, reformulator *Reformulator, windowSize int) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if windowSize <= 0 {
		return nil, fmt.Errorf("windowSize must be positive")
	}
	return &Service{
		store:        store,
		reformulator: reformulator,
		windowSize:   windowSize,
		locks:        make(map[string]*sync.Mutex),
	}, nil
}

func (s *Service) sessionLock(sessionID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	lock, exists := s.locks[sessionID]
	if !exists {
		lock = &sync.Mutex{}
		s.locks[sessionID] = lock
	}
	return lock
}

// GetContext returns the derived context window for a session,
// most-recent-last. Unknown sessions yield an empty window.
func (s *Service) GetContext(sessionID string) (ContextWindow, error) {
	if sessionID == "" {
		return ContextWindow{}, fmt.Errorf("sessionID cannot be empty")
	}

	turns, err := s.store.GetRecent(sessionID, s.windowSize)
	if err != nil {
		return ContextWindow{}, fmt.Errorf("failed to load session: %w", err)
	}

	entries := make([]ContextEntry, 0, len(turns))
	for _, turn := range turns {
		entries = append(entries, ContextEntry{Role: turn.Role, Text: turn.Content})
	}
	return ContextWindow{SessionID: sessionID, Entries: entries}, nil
}

// Reformulate rewrites rawQuery into a standalone query using the
// session's context window. Falls back to rawQuery on any failure.
func (s *Service) Reformulate(ctx context.Context, sessionID, rawQuery string) string {
	if s.reformulator == nil {
		return rawQuery
	}

	window, err := s.GetContext(sessionID)
	if err != nil {
		return rawQuery
	}
	return s.reformulator.Reformulate(ctx, window, rawQuery)
}

// Append appends a turn to the session and evicts oldest turns beyond
// the configured window size.
func (s *Service) Append(sessionID string, turn Turn) error {
	if sessionID == "" {
		return fmt.Errorf("sessionID cannot be empty")
	}

	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if turn.ID == "" {
		turn.ID = uuid.New().String()
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}

	if err := s.store.Append(sessionID, turn); err != nil {
		return fmt.Errorf("failed to append turn: %w", err)
	}
	return s.store.Trim(sessionID, s.windowSize)
}

// DeleteSession removes a session's history
func (s *Service) DeleteSession(sessionID string) error {
	if err := s.store.Delete(sessionID); err != nil {
		return err
	}

	s.locksMu.Lock()
	delete(s.locks, sessionID)
	s.locksMu.Unlock()
	return nil
}

// Close releases the underlying store
func (s *Service) Close() error {
	return s.store.Close()
}
