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

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/kadirpekel/sage/config"
	"github.com/kadirpekel/sage/llms"
)

const classifierPromptTemplate = `Classify the user query into exactly one of the following categories. Respond with ONLY the category id, nothing else.

Categories:
%s
Query: %s`

// Router maps each query to exactly one agent profile. Keyword scoring
// decides first; an optional LLM classifier breaks an all-zero score;
// everything else falls back to the default profile.
type Router struct {
	store          *ProfileStore
	defaultProfile string
	classifier     llms.LLMProvider // nil disables LLM classification
}

// NewRouter creates a router over the given profile store.
// classifier may be nil when cfg.LLMClassifier is false.
func NewRouter(cfg *config.RouterConfig, store *ProfileStore, classifier llms.LLMProvider) (*Router, error) {
	if cfg == nil {
		return nil, fmt.Errorf("router config is required")
	}
	if store == nil {
		return nil, fmt.Errorf("profile store is required")
	}
	if _, exists := store.Get(cfg.DefaultProfile); !exists {
		return nil, fmt.Errorf("default profile '%s' does not exist", cfg.DefaultProfile)
	}
	if cfg.LLMClassifier && classifier == nil {
		return nil, fmt.Errorf("llm_classifier requires an LLM provider")
	}

	router := &Router{
		store:          store,
		defaultProfile: cfg.DefaultProfile,
	}
	if cfg.LLMClassifier {
		router.classifier = classifier
	}
	return router, nil
}

// SelectAgent chooses the profile for a query. It never fails: an
// ambiguous or failed classification yields the default profile.
func (r *Router) SelectAgent(ctx context.Context, query string) Profile {
	profiles := r.store.List()

	best, score := r.scoreByKeywords(query, profiles)
	if score > 0 {
		return best
	}

	if r.classifier != nil {
		if profile, ok := r.classify(ctx, query, profiles); ok {
			return profile
		}
	}

	fallback, exists := r.store.Get(r.defaultProfile)
	if !exists && len(profiles) > 0 {
		// Default was removed by a reload; pick deterministically
		return profiles[0]
	}
	return fallback
}

// scoreByKeywords counts keyword hits per profile. Ties break by
// priority descending, then profile id ascending.
func (r *Router) scoreByKeywords(query string, profiles []Profile) (Profile, int) {
	lowered := strings.ToLower(query)

	type scored struct {
		profile Profile
		hits    int
	}
	ranked := make([]scored, 0, len(profiles))
	for _, profile := range profiles {
		hits := 0
		for _, keyword := range profile.Keywords {
			if keyword != "" && strings.Contains(lowered, strings.ToLower(keyword)) {
				hits++
			}
		}
		ranked = append(ranked, scored{profile: profile, hits: hits})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].hits != ranked[j].hits {
			return ranked[i].hits > ranked[j].hits
		}
		if ranked[i].profile.Priority != ranked[j].profile.Priority {
			return ranked[i].profile.Priority > ranked[j].profile.Priority
		}
		return ranked[i].profile.ID < ranked[j].profile.ID
	})

	if len(ranked) == 0 {
		return Profile{}, 0
	}
	return ranked[0].profile, ranked[0].hits
}

// classify asks the LLM to pick a profile id from the configured set
func (r *Router) classify(ctx context.Context, query string, profiles []Profile) (Profile, bool) {
	var categories strings.Builder
	for _, profile := range profiles {
		fmt.Fprintf(&categories, "- %s: %s\n", profile.ID, firstSentence(profile.Instructions))
	}

	prompt := fmt.Sprintf(classifierPromptTemplate, categories.String(), query)
	text, _, _, err := r.classifier.Generate(ctx, []llms.Message{
		{Role: "user", Content: prompt},
	}, nil)
	if err != nil {
		slog.Warn("LLM classification failed, using default profile", "error", err)
		return Profile{}, false
	}

	answer := strings.ToLower(strings.TrimSpace(text))
	for _, profile := range profiles {
		if answer == strings.ToLower(profile.ID) {
			return profile, true
		}
	}

	slog.Warn("LLM classifier returned unknown profile id", "answer", answer)
	return Profile{}, false
}

func firstSentence(text string) string {
	if idx := strings.IndexAny(text, ".\n"); idx > 0 {
		return text[:idx+1]
	}
	return text
}
