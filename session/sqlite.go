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
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const createTurnsTableSQL = `
CREATE TABLE IF NOT EXISTS session_turns (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id VARCHAR(255) NOT NULL,
    turn_id VARCHAR(255) NOT NULL,
    role VARCHAR(50) NOT NULL,
    content TEXT NOT NULL,
    tool_call_json TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_turns_session_id ON session_turns(session_id);
CREATE INDEX IF NOT EXISTS idx_turns_session_seq ON session_turns(session_id, seq);
`

// SQLiteStore persists session history in a SQLite database so it
// survives process restarts.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteStore opens (creating if needed) a SQLite-backed session store
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// SQLite handles concurrent writers poorly; serialize at the pool level
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createTurnsTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Append adds a turn to the end of a session's history
func (s *SQLiteStore) Append(sessionID string, turn Turn) error {
	if sessionID == "" {
		return fmt.Errorf("sessionID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var toolCallJSON sql.NullString
	if turn.ToolCall != nil {
		data, err := json.Marshal(turn.ToolCall)
		if err != nil {
			return fmt.Errorf("failed to marshal tool call: %w", err)
		}
		toolCallJSON = sql.NullString{String: string(data), Valid: true}
	}

	ts := turn.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err := s.db.Exec(
		`INSERT INTO session_turns (session_id, turn_id, role, content, tool_call_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, turn.ID, turn.Role, turn.Content, toolCallJSON, ts,
	)
	if err != nil {
		return fmt.Errorf("failed to append turn: %w", err)
	}
	return nil
}

// GetRecent returns up to limit most recent turns in append order
func (s *SQLiteStore) GetRecent(sessionID string, limit int) ([]Turn, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("sessionID cannot be empty")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT turn_id, role, content, tool_call_json, created_at
	          FROM session_turns WHERE session_id = ? ORDER BY seq`
	args := []interface{}{sessionID}
	if limit > 0 {
		// Take last N by descending seq, then reverse in memory
		query = `SELECT turn_id, role, content, tool_call_json, created_at FROM (
		           SELECT seq, turn_id, role, content, tool_call_json, created_at
		           FROM session_turns WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		         ) ORDER BY seq`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	turns := make([]Turn, 0)
	for rows.Next() {
		var turn Turn
		var toolCallJSON sql.NullString
		if err := rows.Scan(&turn.ID, &turn.Role, &turn.Content, &toolCallJSON, &turn.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		if toolCallJSON.Valid && toolCallJSON.String != "" {
			var record ToolCallRecord
			if err := json.Unmarshal([]byte(toolCallJSON.String), &record); err == nil {
				turn.ToolCall = &record
			}
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate turns: %w", err)
	}
	return turns, nil
}

// Count returns the number of turns in a session
func (s *SQLiteStore) Count(sessionID string) (int, error) {
	if sessionID == "" {
		return 0, fmt.Errorf("sessionID cannot be empty")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM session_turns WHERE session_id = ?`, sessionID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count turns: %w", err)
	}
	return count, nil
}

// Trim evicts oldest turns so at most keep remain
func (s *SQLiteStore) Trim(sessionID string, keep int) error {
	if sessionID == "" {
		return fmt.Errorf("sessionID cannot be empty")
	}
	if keep < 0 {
		keep = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`DELETE FROM session_turns WHERE session_id = ? AND seq NOT IN (
		   SELECT seq FROM session_turns WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		 )`,
		sessionID, sessionID, keep,
	)
	if err != nil {
		return fmt.Errorf("failed to trim turns: %w", err)
	}
	return nil
}

// Delete removes a session and its turns
func (s *SQLiteStore) Delete(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("sessionID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM session_turns WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
