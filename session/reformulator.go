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
	"context"
	"log/slog"
	"strings"

	"github.com/kadirpekel/sage/llms"
)

const reformulateInstructions = `Given a chat history and the latest user question, formulate a standalone question which can be understood without the chat history. Do NOT answer the question, just reformulate it if needed.`

// defaultConditioningTurns bounds how much history the rewrite prompt sees
const defaultConditioningTurns = 6

// Reformulator rewrites follow-up queries into standalone queries using
// the language model. It never fails: any provider error falls back to
// the raw query.
type Reformulator struct {
	llm               llms.LLMProvider
	conditioningTurns int
}

// NewReformulator creates a reformulator conditioned on the last n turns.
// n <= 0 uses the default.
func NewReformulator(llm llms.LLMProvider, conditioningTurns int) *Reformulator {
	if conditioningTurns <= 0 {
		conditioningTurns = defaultConditioningTurns
	}
	return &Reformulator{
		llm:               llm,
		conditioningTurns: conditioningTurns,
	}
}

// Reformulate returns a standalone form of rawQuery. An empty window
// returns rawQuery unchanged.
func (r *Reformulator) Reformulate(ctx context.Context, window ContextWindow, rawQuery string) string {
	if window.IsEmpty() {
		return rawQuery
	}

	messages := []llms.Message{
		{Role: "system", Content: reformulateInstructions},
	}
	for _, entry := range window.Tail(r.conditioningTurns) {
		role := entry.Role
		// Tool turns read as assistant context for the rewrite model
		if role == RoleTool {
			role = RoleAssistant
		}
		messages = append(messages, llms.Message{Role: role, Content: entry.Text})
	}
	messages = append(messages, llms.Message{Role: "user", Content: rawQuery})

	text, _, _, err := r.llm.Generate(ctx, messages, nil)
	if err != nil {
		slog.Warn("Query reformulation failed, using raw query",
			"session", window.SessionID,
			"error", err)
		return rawQuery
	}

	standalone := strings.TrimSpace(text)
	if standalone == "" {
		return rawQuery
	}
	return standalone
}
