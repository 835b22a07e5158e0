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

package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kadirpekel/sage/config"
	"github.com/kadirpekel/sage/registry"
)

// ToolEntry represents a complete tool entry with all metadata
type ToolEntry struct {
	Tool       Tool
	Source     ToolSource
	SourceType string
	Name       string
}

// ToolRegistryError represents a tool registry error
type ToolRegistryError struct {
	Component string
	Action    string
	Message   string
	Err       error
}

func (e *ToolRegistryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Component, e.Action, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Component, e.Action, e.Message)
}

func (e *ToolRegistryError) Unwrap() error {
	return e.Err
}

func NewToolRegistryError(component, action, message string, err error) *ToolRegistryError {
	return &ToolRegistryError{
		Component: component,
		Action:    action,
		Message:   message,
		Err:       err,
	}
}

// ToolRegistry aggregates tools from multiple sources. Discovered tool
// lists are cached and refreshed lazily once the discovery TTL expires.
// Each source carries its own circuit breaker.
type ToolRegistry struct {
	*registry.BaseRegistry[ToolEntry]

	discoveryTTL time.Duration
	breakerCfg   config.BreakerConfig

	mu            sync.RWMutex
	sources       map[string]ToolSource
	breakers      map[string]*CircuitBreaker
	lastDiscovery time.Time
}

// NewToolRegistry creates a new tool registry
func NewToolRegistry(toolCfg *config.ToolConfigs) *ToolRegistry {
	cfg := config.ToolConfigs{}
	if toolCfg != nil {
		cfg = *toolCfg
	}
	cfg.SetDefaults()

	return &ToolRegistry{
		BaseRegistry: registry.NewBaseRegistry[ToolEntry](),
		discoveryTTL: time.Duration(cfg.DiscoveryTTL) * time.Second,
		breakerCfg:   cfg.Breaker,
		sources:      make(map[string]ToolSource),
		breakers:     make(map[string]*CircuitBreaker),
	}
}

// NewToolRegistryWithConfig creates a registry and populates it with the
// configured sources, discovering their tools.
func NewToolRegistryWithConfig(toolCfg *config.ToolConfigs) (*ToolRegistry, error) {
	r := NewToolRegistry(toolCfg)

	for name, sourceCfg := range toolCfg.Sources {
		var source ToolSource
		var err error

		switch sourceCfg.Type {
		case "local":
			source = NewLocalToolSource(name)
		case "mcp":
			source, err = NewMCPToolSource(name, &sourceCfg)
		case "mcp-http":
			source, err = NewMCPHTTPToolSource(name, &sourceCfg)
		default:
			return nil, fmt.Errorf("unsupported tool source type: %s", sourceCfg.Type)
		}

		if err != nil {
			return nil, fmt.Errorf("failed to create %s source '%s': %w", sourceCfg.Type, name, err)
		}

		if err := r.RegisterSource(source); err != nil {
			return nil, fmt.Errorf("failed to register source '%s': %w", name, err)
		}
	}

	if err := r.DiscoverAllTools(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to discover tools: %w", err)
	}

	return r, nil
}

// RegisterSource adds a tool source to the registry
func (r *ToolRegistry) RegisterSource(source ToolSource) error {
	name := source.GetName()
	if name == "" {
		return NewToolRegistryError("ToolRegistry", "RegisterSource", "source name cannot be empty", nil)
	}

	r.mu.Lock()
	r.sources[name] = source
	r.breakers[name] = NewCircuitBreaker(name,
		r.breakerCfg.FailureThreshold,
		time.Duration(r.breakerCfg.Cooldown)*time.Second)
	r.mu.Unlock()

	return nil
}

// DiscoverAllTools discovers tools from all registered sources and
// rebuilds the tool table. A source that fails discovery keeps the
// registry usable with the remaining sources.
func (r *ToolRegistry) DiscoverAllTools(ctx context.Context) error {
	r.mu.RLock()
	sources := make(map[string]ToolSource, len(r.sources))
	for name, source := range r.sources {
		sources[name] = source
	}
	r.mu.RUnlock()

	r.Clear()

	for sourceName, source := range sources {
		if err := source.DiscoverTools(ctx); err != nil {
			slog.Warn("Failed to discover tools from source", "source", sourceName, "error", err)
			continue
		}

		for _, toolInfo := range source.ListTools() {
			tool, exists := source.GetTool(toolInfo.Name)
			if !exists {
				slog.Warn("Tool listed but not available", "tool", toolInfo.Name, "source", sourceName)
				continue
			}

			if _, exists := r.Get(toolInfo.Name); exists {
				slog.Warn("Tool name conflict, skipping", "tool", toolInfo.Name, "source", sourceName)
				continue
			}

			entry := ToolEntry{
				Tool:       tool,
				Source:     source,
				SourceType: source.GetType(),
				Name:       toolInfo.Name,
			}

			if err := r.Register(toolInfo.Name, entry); err != nil {
				return NewToolRegistryError("ToolRegistry", "DiscoverAllTools",
					fmt.Sprintf("failed to register tool %s", toolInfo.Name), err)
			}
		}
	}

	r.mu.Lock()
	r.lastDiscovery = time.Now()
	r.mu.Unlock()

	return nil
}

// refreshIfStale rediscovers tools once the discovery TTL has elapsed
func (r *ToolRegistry) refreshIfStale(ctx context.Context) {
	r.mu.RLock()
	stale := r.discoveryTTL > 0 && time.Since(r.lastDiscovery) > r.discoveryTTL
	r.mu.RUnlock()

	if !stale {
		return
	}

	if err := r.DiscoverAllTools(ctx); err != nil {
		slog.Warn("Tool rediscovery failed, keeping stale tool list", "error", err)
	}
}

// GetTool retrieves a tool by name
func (r *ToolRegistry) GetTool(name string) (Tool, error) {
	entry, exists := r.Get(name)
	if !exists {
		return nil, NewToolRegistryError("ToolRegistry", "GetTool",
			fmt.Sprintf("tool %s not found", name), nil)
	}
	return entry.Tool, nil
}

// ListTools returns all reachable tools, refreshing stale discoveries.
// Tools from a source whose circuit is open are excluded until the
// cooldown elapses.
func (r *ToolRegistry) ListTools(ctx context.Context) []ToolInfo {
	r.refreshIfStale(ctx)

	var tools []ToolInfo
	for _, entry := range r.List() {
		sourceName := entry.Source.GetName()
		if breaker, exists := r.Breaker(sourceName); exists && !breaker.Available() {
			continue
		}
		info := entry.Tool.GetInfo()
		info.Source = sourceName
		tools = append(tools, info)
	}

	// Sort tools by name for consistent output
	sort.Slice(tools, func(i, j int) bool {
		return tools[i].Name < tools[j].Name
	})

	return tools
}

// GetToolSource returns the source name that provides a specific tool
func (r *ToolRegistry) GetToolSource(toolName string) (string, error) {
	entry, exists := r.Get(toolName)
	if !exists {
		return "", NewToolRegistryError("ToolRegistry", "GetToolSource",
			fmt.Sprintf("tool %s not found", toolName), nil)
	}
	return entry.Source.GetName(), nil
}

// Source returns a registered tool source by name
func (r *ToolRegistry) Source(name string) (ToolSource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	source, exists := r.sources[name]
	return source, exists
}

// Breaker returns the circuit breaker guarding a source
func (r *ToolRegistry) Breaker(sourceName string) (*CircuitBreaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	breaker, exists := r.breakers[sourceName]
	return breaker, exists
}

// RemoveSource removes a source and all its tools
func (r *ToolRegistry) RemoveSource(sourceName string) error {
	for _, entry := range r.List() {
		if entry.Source.GetName() == sourceName {
			if err := r.Remove(entry.Name); err != nil {
				return NewToolRegistryError("ToolRegistry", "RemoveSource",
					fmt.Sprintf("failed to remove tool %s", entry.Name), err)
			}
		}
	}

	r.mu.Lock()
	delete(r.sources, sourceName)
	delete(r.breakers, sourceName)
	r.mu.Unlock()

	return nil
}
