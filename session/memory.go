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

package session

import (
	"fmt"
	"sync"
	"time"
)

// sessionData holds turns and metadata for a single session
type sessionData struct {
	Turns     []Turn
	CreatedAt time.Time
	UpdatedAt time.Time
}

// InMemoryStore provides an in-memory implementation of Store.
// Suitable for deployments that don't need history to survive restarts.
type InMemoryStore struct {
	sessions map[string]*sessionData
	mu       sync.RWMutex
}

// NewInMemoryStore creates a new in-memory session store
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]*sessionData),
	}
}

// Append adds a turn to the end of a session's history
func (s *InMemoryStore) Append(sessionID string, turn Turn) error {
	if sessionID == "" {
		return fmt.Errorf("sessionID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		session = &sessionData{
			Turns:     make([]Turn, 0),
			CreatedAt: time.Now(),
		}
		s.sessions[sessionID] = session
	}

	session.Turns = append(session.Turns, turn)
	session.UpdatedAt = time.Now()
	return nil
}

// GetRecent returns up to limit most recent turns in append order
func (s *InMemoryStore) GetRecent(sessionID string, limit int) ([]Turn, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("sessionID cannot be empty")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return []Turn{}, nil
	}

	turns := session.Turns
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}

	// Copy so callers can't mutate stored history
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out, nil
}

// Count returns the number of turns in a session
func (s *InMemoryStore) Count(sessionID string) (int, error) {
	if sessionID == "" {
		return 0, fmt.Errorf("sessionID cannot be empty")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return 0, nil
	}
	return len(session.Turns), nil
}

// Trim evicts oldest turns so at most keep remain
func (s *InMemoryStore) Trim(sessionID string, keep int) error {
	if sessionID == "" {
		return fmt.Errorf("sessionID cannot be empty")
	}
	if keep < 0 {
		keep = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return nil
	}

	if len(session.Turns) > keep {
		evicted := len(session.Turns) - keep
		session.Turns = append([]Turn{}, session.Turns[evicted:]...)
		session.UpdatedAt = time.Now()
	}
	return nil
}

// Delete removes a session and its turns
func (s *InMemoryStore) Delete(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("sessionID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, sessionID)
	return nil
}

// SessionCount returns the number of active sessions
func (s *InMemoryStore) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.sessions)
}

// Close implements Store
func (s *InMemoryStore) Close() error {
	return nil
}
