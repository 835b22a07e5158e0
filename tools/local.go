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
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
)

// LocalToolSource manages built-in tools registered in process
type LocalToolSource struct {
	name  string
	tools map[string]Tool
	mu    sync.RWMutex
}

// NewLocalToolSource creates a new local tool source
func NewLocalToolSource(name string) *LocalToolSource {
	if name == "" {
		name = "local"
	}

	return &LocalToolSource{
		name:  name,
		tools: make(map[string]Tool),
	}
}

// GetName returns the source name
func (s *LocalToolSource) GetName() string {
	return s.name
}

// GetType returns the source type
func (s *LocalToolSource) GetType() string {
	return "local"
}

// RegisterTool adds a tool to the local source
func (s *LocalToolSource) RegisterTool(tool Tool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := tool.GetName()
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}

	if _, exists := s.tools[name]; exists {
		return fmt.Errorf("tool %s already registered in source %s", name, s.name)
	}

	s.tools[name] = tool
	return nil
}

// DiscoverTools is a no-op for the local source, tools are pre-registered
func (s *LocalToolSource) DiscoverTools(ctx context.Context) error {
	return nil
}

// ListTools returns all tools in this source
func (s *LocalToolSource) ListTools() []ToolInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tools []ToolInfo
	for _, tool := range s.tools {
		info := tool.GetInfo()
		info.Source = s.name
		tools = append(tools, info)
	}

	return tools
}

// GetTool retrieves a specific tool by name
func (s *LocalToolSource) GetTool(name string) (Tool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tool, exists := s.tools[name]
	return tool, exists
}

// RemoveTool removes a tool from the source
func (s *LocalToolSource) RemoveTool(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tools[name]; !exists {
		return fmt.Errorf("tool %s not found in source %s", name, s.name)
	}

	delete(s.tools, name)
	return nil
}

// ============================================================================
// FUNCTION-BACKED TOOLS
// ============================================================================

// FuncTool wraps a Go function as a tool. The parameter schema is
// reflected from the args struct type.
type FuncTool[T any] struct {
	name        string
	description string
	idempotent  bool
	timeout     time.Duration
	schema      map[string]interface{}
	handler     func(ctx context.Context, args T) (string, error)
}

// NewFuncTool creates a tool from a typed handler function. Struct tags on
// T (json, jsonschema) drive the generated parameter schema.
func NewFuncTool[T any](name, description string, idempotent bool, timeout time.Duration, handler func(ctx context.Context, args T) (string, error)) (*FuncTool[T], error) {
	if name == "" {
		return nil, fmt.Errorf("tool name cannot be empty")
	}
	if handler == nil {
		return nil, fmt.Errorf("tool handler cannot be nil")
	}

	var zero T
	schema, err := reflectSchema(zero)
	if err != nil {
		return nil, fmt.Errorf("failed to reflect schema for tool %s: %w", name, err)
	}

	return &FuncTool[T]{
		name:        name,
		description: description,
		idempotent:  idempotent,
		timeout:     timeout,
		schema:      schema,
		handler:     handler,
	}, nil
}

// reflectSchema builds an inline JSON schema for the args struct
func reflectSchema(v interface{}) (map[string]interface{}, error) {
	reflector := jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}

	schema := reflector.Reflect(v)

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}

	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}

	// Tool schemas carry no document metadata
	delete(out, "$schema")
	delete(out, "$id")

	return out, nil
}

// GetInfo returns metadata about the tool
func (t *FuncTool[T]) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        t.name,
		Description: t.description,
		Parameters:  t.schema,
		Idempotent:  t.idempotent,
		Timeout:     t.timeout,
	}
}

// GetName returns the tool name
func (t *FuncTool[T]) GetName() string {
	return t.name
}

// GetDescription returns the tool description
func (t *FuncTool[T]) GetDescription() string {
	return t.description
}

// Execute decodes the arguments into the typed struct and runs the handler
func (t *FuncTool[T]) Execute(ctx context.Context, args map[string]interface{}) (ToolResult, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return ToolResult{Success: false, Error: err.Error(), ToolName: t.name},
			fmt.Errorf("failed to encode arguments: %w", err)
	}

	var typed T
	if err := json.Unmarshal(data, &typed); err != nil {
		return ToolResult{Success: false, Error: err.Error(), ToolName: t.name},
			fmt.Errorf("invalid arguments for tool %s: %w", t.name, err)
	}

	content, err := t.handler(ctx, typed)
	if err != nil {
		return ToolResult{Success: false, Error: err.Error(), ToolName: t.name}, err
	}

	return ToolResult{
		Success:  true,
		Content:  content,
		ToolName: t.name,
	}, nil
}
