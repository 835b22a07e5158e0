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

package orchestrator

import (
	"time"

	"github.com/kadirpekel/sage/llms"
)

// Request lifecycle states
const (
	StateReceived      = "received"
	StateReformulating = "reformulating"
	StateRouting       = "routing"
	StateRetrieving    = "retrieving"
	StateGenerating    = "generating"
	StateCaching       = "caching"
	StateCompleted     = "completed"
	StateFailed        = "failed"
)

// RequestTrace records what happened to one request, for observability.
// Degraded-mode conditions land here rather than in the returned error.
type RequestTrace struct {
	RequestID         string     `json:"request_id"`
	SessionID         string     `json:"session_id"`
	State             string     `json:"state"`
	AgentID           string     `json:"agent_id,omitempty"`
	RawQuery          string     `json:"raw_query"`
	StandaloneQuery   string     `json:"standalone_query,omitempty"`
	RetrievalDegraded bool       `json:"retrieval_degraded,omitempty"`
	RetrievalEmpty    bool       `json:"retrieval_empty,omitempty"`
	EvidenceCount     int        `json:"evidence_count"`
	ToolRounds        int        `json:"tool_rounds"`
	ToolsUsed         []string   `json:"tools_used,omitempty"`
	ToolFailures      int        `json:"tool_failures,omitempty"`
	CacheHit          bool       `json:"cache_hit"`
	Truncated         bool       `json:"truncated,omitempty"`
	Usage             llms.Usage `json:"usage"`
	StartedAt         time.Time  `json:"started_at"`
	CompletedAt       time.Time  `json:"completed_at,omitempty"`
	Error             string     `json:"error,omitempty"`
}

// Duration returns the request's wall-clock time
func (t *RequestTrace) Duration() time.Duration {
	if t.CompletedAt.IsZero() {
		return time.Since(t.StartedAt)
	}
	return t.CompletedAt.Sub(t.StartedAt)
}

// Provenance identifies one evidence chunk sent to the provider
type Provenance struct {
	ChunkID string  `json:"chunk_id"`
	Source  string  `json:"source,omitempty"`
	Score   float64 `json:"score"`
}

// Answer is the result of one orchestrated request
type Answer struct {
	Text       string       `json:"text"`
	AgentID    string       `json:"agent_id"`
	Truncated  bool         `json:"truncated,omitempty"` // Tool-use loop hit its round bound
	ToolsUsed  []string     `json:"tools_used,omitempty"`
	Provenance []Provenance `json:"provenance,omitempty"`
	Usage      llms.Usage   `json:"usage"`
	Cached     bool         `json:"-"` // Served from the response cache
}
