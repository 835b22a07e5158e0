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

// Package agent selects an agent profile for each query and bounds the
// tools and retrieval behavior that profile permits.
package agent

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kadirpekel/sage/config"
)

// Profile describes how requests routed to it are handled: the system
// instructions, the permitted tool subset, and whether retrieval runs.
type Profile struct {
	ID           string
	Instructions string
	Keywords     []string
	Tools        []string // empty means all tools
	Retrieval    bool
	Priority     int
}

// AllowsTool reports whether the profile permits a tool by name.
// A profile with no tool list allows every tool.
func (p *Profile) AllowsTool(name string) bool {
	if len(p.Tools) == 0 {
		return true
	}
	for _, allowed := range p.Tools {
		if allowed == name {
			return true
		}
	}
	return false
}

// DefaultProfiles returns the built-in profile set used when no
// profiles are configured.
func DefaultProfiles() map[string]Profile {
	return map[string]Profile{
		"research": {
			ID:           "research",
			Instructions: "You are a research assistant. Ground every claim in the retrieved evidence and cite the source of each fact you use. Say so explicitly when the evidence does not cover the question.",
			Keywords:     []string{"search", "research", "find", "lookup", "what is"},
			Retrieval:    true,
			Priority:     10,
		},
		"coding": {
			ID:           "coding",
			Instructions: "You are a coding assistant. Prefer working code over prose. When evidence snippets are provided, base your answer on them and mention which snippet you used.",
			Keywords:     []string{"code", "programming", "function", "debug", "implement"},
			Retrieval:    true,
			Priority:     10,
		},
		"data_analysis": {
			ID:           "data_analysis",
			Instructions: "You are a data analysis assistant. Be precise with numbers, state the assumptions behind any calculation, and use tools for anything beyond trivial arithmetic.",
			Keywords:     []string{"data", "analyze", "statistics", "chart", "graph"},
			Retrieval:    true,
			Priority:     10,
		},
		"general": {
			ID:           "general",
			Instructions: "You are a helpful assistant. Answer clearly and concisely, using the provided evidence and tools when they help.",
			Retrieval:    true,
			Priority:     0,
		},
	}
}

// ProfileStore holds the active profile set. Reload swaps the whole set
// atomically so in-flight selections see a consistent snapshot.
type ProfileStore struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewProfileStore builds a store from configuration, falling back to
// the built-in profiles when none are configured.
func NewProfileStore(cfg *config.RouterConfig) (*ProfileStore, error) {
	store := &ProfileStore{}

	if cfg == nil || len(cfg.Profiles) == 0 {
		store.profiles = DefaultProfiles()
		return store, nil
	}

	profiles, err := profilesFromConfig(cfg.Profiles)
	if err != nil {
		return nil, err
	}
	store.profiles = profiles
	return store, nil
}

func profilesFromConfig(configs map[string]config.ProfileConfig) (map[string]Profile, error) {
	profiles := make(map[string]Profile, len(configs))
	for id, pc := range configs {
		if id == "" {
			return nil, fmt.Errorf("profile id cannot be empty")
		}
		profiles[id] = Profile{
			ID:           id,
			Instructions: pc.Instructions,
			Keywords:     pc.Keywords,
			Tools:        pc.Tools,
			Retrieval:    pc.Retrieval,
			Priority:     pc.Priority,
		}
	}
	return profiles, nil
}

// Get returns a profile by id
func (s *ProfileStore) Get(id string) (Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	profile, exists := s.profiles[id]
	return profile, exists
}

// List returns all profiles sorted by id
func (s *ProfileStore) List() []Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	profiles := make([]Profile, 0, len(s.profiles))
	for _, profile := range s.profiles {
		profiles = append(profiles, profile)
	}
	sort.Slice(profiles, func(i, j int) bool {
		return profiles[i].ID < profiles[j].ID
	})
	return profiles
}

// Reload replaces the active profile set atomically
func (s *ProfileStore) Reload(configs map[string]config.ProfileConfig) error {
	profiles, err := profilesFromConfig(configs)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.profiles = profiles
	s.mu.Unlock()
	return nil
}
