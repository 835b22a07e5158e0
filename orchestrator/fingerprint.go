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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/kadirpekel/sage/retrieval"
	"github.com/kadirpekel/sage/session"
)

// fieldSep keeps adjacent fingerprint fields from colliding
const fieldSep = "\x1f"

// Fingerprint derives the cache key for one unit of work. A change in
// the standalone query, the session context, the selected agent, or the
// retrieved evidence produces a different key, so stale entries age out
// without explicit invalidation.
func Fingerprint(standaloneQuery, contextDigest, agentID, retrievalDigest string) string {
	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(strings.ToLower(standaloneQuery))))
	h.Write([]byte(fieldSep))
	h.Write([]byte(contextDigest))
	h.Write([]byte(fieldSep))
	h.Write([]byte(agentID))
	h.Write([]byte(fieldSep))
	h.Write([]byte(retrievalDigest))
	return hex.EncodeToString(h.Sum(nil))
}

// ContextDigest hashes a context window's entries in order
func ContextDigest(window session.ContextWindow) string {
	h := sha256.New()
	for _, entry := range window.Entries {
		h.Write([]byte(entry.Role))
		h.Write([]byte(fieldSep))
		h.Write([]byte(entry.Text))
		h.Write([]byte(fieldSep))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// RetrievalDigest hashes the evidence set: chunk ids, content, and the
// order they arrived in.
func RetrievalDigest(chunks []retrieval.RetrievedChunk) string {
	h := sha256.New()
	for _, chunk := range chunks {
		h.Write([]byte(chunk.ID))
		h.Write([]byte(fieldSep))
		h.Write([]byte(chunk.Content))
		h.Write([]byte(fieldSep))
		fmt.Fprintf(h, "%.6f", chunk.CombinedScore)
		h.Write([]byte(fieldSep))
	}
	return hex.EncodeToString(h.Sum(nil))
}
