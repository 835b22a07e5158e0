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

import "time"

// Role constants for turns
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCallRecord captures a tool invocation made during a turn
type ToolCallRecord struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
	Result    string `json:"result,omitempty"`
}

// Turn is a single entry in a session's history. Turns are immutable
// once appended.
type Turn struct {
	ID        string          `json:"id"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	ToolCall  *ToolCallRecord `json:"tool_call,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ContextEntry is a single {role, text} pair in a derived context window
type ContextEntry struct {
	Role string
	Text string
}

// ContextWindow is the derived view of a session handed to other
// components. Entries are ordered most-recent-last.
type ContextWindow struct {
	SessionID string
	Entries   []ContextEntry
}

// IsEmpty reports whether the window has no entries
func (w ContextWindow) IsEmpty() bool {
	return len(w.Entries) == 0
}

// Tail returns the last n entries of the window
func (w ContextWindow) Tail(n int) []ContextEntry {
	if n <= 0 || len(w.Entries) <= n {
		return w.Entries
	}
	return w.Entries[len(w.Entries)-n:]
}

// TruncateChars drops oldest entries until the total text length fits
// within budget. Entries are never split; a single oversized entry is
// kept as-is.
func (w ContextWindow) TruncateChars(budget int) ContextWindow {
	if budget <= 0 {
		return w
	}

	total := 0
	cut := len(w.Entries)
	for i := len(w.Entries) - 1; i >= 0; i-- {
		total += len(w.Entries[i].Text)
		if total > budget && cut < len(w.Entries) {
			break
		}
		cut = i
	}

	return ContextWindow{SessionID: w.SessionID, Entries: w.Entries[cut:]}
}

// Store is the persistence boundary for session history
type Store interface {
	// Append adds a turn to the end of a session's history
	Append(sessionID string, turn Turn) error

	// GetRecent returns up to limit most recent turns in append order.
	// limit <= 0 returns all turns.
	GetRecent(sessionID string, limit int) ([]Turn, error)

	// Count returns the number of turns in a session
	Count(sessionID string) (int, error)

	// Trim evicts oldest turns so at most keep remain
	Trim(sessionID string, keep int) error

	// Delete removes a session and its turns
	Delete(sessionID string) error

	// Close releases store resources
	Close() error
}
