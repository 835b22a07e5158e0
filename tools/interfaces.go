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

// Package tools implements the tool system: sources expose tools, the
// registry aggregates them with TTL-based rediscovery, and the invoker
// executes calls with retries and per-source circuit breaking.
package tools

import (
	"context"
	"time"
)

// ToolInfo represents metadata about a tool
type ToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"` // JSON Schema
	Source      string                 `json:"source,omitempty"`     // Source identifier
	Idempotent  bool                   `json:"idempotent"`           // Safe to retry
	Timeout     time.Duration          `json:"timeout,omitempty"`    // Per-call bound
}

// InvocationState tracks the lifecycle of a single tool call
type InvocationState string

const (
	StatePending   InvocationState = "pending"
	StateExecuting InvocationState = "executing"
	StateSucceeded InvocationState = "succeeded"
	StateFailed    InvocationState = "failed"
	StateTimedOut  InvocationState = "timed_out"
)

// ToolCall represents a standardized tool call
type ToolCall struct {
	ID        string                 `json:"id,omitempty"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// ToolResult represents the result of a tool execution
type ToolResult struct {
	Success       bool                   `json:"success"`
	Content       string                 `json:"content,omitempty"`
	Error         string                 `json:"error,omitempty"`
	ToolName      string                 `json:"tool_name"`
	State         InvocationState        `json:"state"`
	Attempts      int                    `json:"attempts"`
	ExecutionTime time.Duration          `json:"execution_time,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// Tool represents a common interface for all tools (local and remote)
type Tool interface {
	// GetInfo returns metadata about the tool
	GetInfo() ToolInfo

	// Execute runs the tool with the given arguments
	Execute(ctx context.Context, args map[string]interface{}) (ToolResult, error)

	// GetName returns the tool name (convenience method)
	GetName() string

	// GetDescription returns the tool description (convenience method)
	GetDescription() string
}

// ToolSource represents a source of tools (local, MCP server, etc.)
type ToolSource interface {
	// GetName returns the source name
	GetName() string

	// GetType returns the source type (local, mcp, mcp-http)
	GetType() string

	// DiscoverTools discovers and registers tools from this source
	DiscoverTools(ctx context.Context) error

	// ListTools returns all tools available in this source
	ListTools() []ToolInfo

	// GetTool retrieves a specific tool by name
	GetTool(name string) (Tool, bool)
}
