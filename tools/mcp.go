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
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kadirpekel/sage/config"
	"github.com/kadirpekel/sage/httpclient"
)

const mcpProtocolVersion = "2024-11-05"

// ============================================================================
// STDIO MCP SOURCE
// ============================================================================

// MCPToolSource exposes tools from an MCP server spawned as a subprocess.
// The connection is established lazily on first discovery.
type MCPToolSource struct {
	name   string
	config *config.ToolSourceConfig

	mu        sync.Mutex
	client    *client.Client
	tools     map[string]Tool
	connected bool
}

// NewMCPToolSource creates a stdio MCP tool source
func NewMCPToolSource(name string, cfg *config.ToolSourceConfig) (*MCPToolSource, error) {
	if cfg == nil || cfg.Command == "" {
		return nil, fmt.Errorf("command is required for stdio MCP source")
	}

	return &MCPToolSource{
		name:   name,
		config: cfg,
		tools:  make(map[string]Tool),
	}, nil
}

// GetName returns the source name
func (s *MCPToolSource) GetName() string {
	return s.name
}

// GetType returns the source type
func (s *MCPToolSource) GetType() string {
	return "mcp"
}

// DiscoverTools connects to the MCP server and refreshes the tool list
func (s *MCPToolSource) DiscoverTools(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		if err := s.connect(ctx); err != nil {
			return fmt.Errorf("failed to connect to MCP server: %w", err)
		}
	}

	listReq := mcp.ListToolsRequest{}
	listResp, err := s.client.ListTools(ctx, listReq)
	if err != nil {
		// The subprocess may have died; force a reconnect next time
		s.client.Close()
		s.connected = false
		return fmt.Errorf("failed to list tools: %w", err)
	}

	tools := make(map[string]Tool, len(listResp.Tools))
	for _, mcpTool := range listResp.Tools {
		tools[mcpTool.Name] = &mcpStdioTool{
			source:      s,
			name:        mcpTool.Name,
			description: mcpTool.Description,
			schema:      convertMCPSchema(mcpTool.InputSchema),
			timeout:     time.Duration(s.config.Timeout) * time.Second,
		}
	}
	s.tools = tools

	slog.Info("Discovered MCP tools (stdio)",
		"source", s.name,
		"command", s.config.Command,
		"tools", len(tools))

	return nil
}

func (s *MCPToolSource) connect(ctx context.Context) error {
	env := make([]string, 0, len(s.config.Env))
	for key, value := range s.config.Env {
		env = append(env, key+"="+value)
	}

	mcpClient, err := client.NewStdioMCPClient(
		s.config.Command,
		env,
		s.config.Args...,
	)
	if err != nil {
		return fmt.Errorf("failed to create MCP client: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("failed to start MCP client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "sage",
		Version: "1.0.0",
	}
	initReq.Params.ProtocolVersion = mcpProtocolVersion

	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to initialize MCP: %w", err)
	}

	s.client = mcpClient
	s.connected = true
	return nil
}

// ListTools returns all tools available in this source
func (s *MCPToolSource) ListTools() []ToolInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	tools := make([]ToolInfo, 0, len(s.tools))
	for _, tool := range s.tools {
		info := tool.GetInfo()
		info.Source = s.name
		tools = append(tools, info)
	}
	return tools
}

// GetTool retrieves a specific tool by name
func (s *MCPToolSource) GetTool(name string) (Tool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tool, exists := s.tools[name]
	return tool, exists
}

// Close shuts down the MCP subprocess
func (s *MCPToolSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		err := s.client.Close()
		s.client = nil
		s.connected = false
		return err
	}
	return nil
}

// mcpStdioTool is a tool proxied through a stdio MCP connection
type mcpStdioTool struct {
	source      *MCPToolSource
	name        string
	description string
	schema      map[string]interface{}
	timeout     time.Duration
}

func (t *mcpStdioTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        t.name,
		Description: t.description,
		Parameters:  t.schema,
		Timeout:     t.timeout,
		// Remote tools are assumed non-idempotent unless declared otherwise
		Idempotent: false,
	}
}

func (t *mcpStdioTool) GetName() string {
	return t.name
}

func (t *mcpStdioTool) GetDescription() string {
	return t.description
}

func (t *mcpStdioTool) Execute(ctx context.Context, args map[string]interface{}) (ToolResult, error) {
	t.source.mu.Lock()
	mcpClient := t.source.client
	t.source.mu.Unlock()

	if mcpClient == nil {
		return ToolResult{Success: false, ToolName: t.name, Error: "MCP client not connected"},
			fmt.Errorf("MCP client not connected")
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = t.name
	req.Params.Arguments = args

	resp, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		return ToolResult{Success: false, ToolName: t.name, Error: err.Error()},
			fmt.Errorf("MCP call failed: %w", err)
	}

	content := collectMCPText(resp)
	if resp.IsError {
		if content == "" {
			content = "unknown error"
		}
		return ToolResult{Success: false, ToolName: t.name, Error: content}, nil
	}

	return ToolResult{Success: true, ToolName: t.name, Content: content}, nil
}

// collectMCPText joins the text blocks of an MCP tool result
func collectMCPText(resp *mcp.CallToolResult) string {
	var texts []string
	for _, content := range resp.Content {
		if textContent, ok := content.(mcp.TextContent); ok {
			texts = append(texts, textContent.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// convertMCPSchema converts an MCP tool schema to a plain map
func convertMCPSchema(schema mcp.ToolInputSchema) map[string]interface{} {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}

	return result
}

// ============================================================================
// HTTP MCP SOURCE
// ============================================================================

// MCPHTTPToolSource exposes tools from an MCP server reachable over HTTP
// using JSON-RPC.
type MCPHTTPToolSource struct {
	name       string
	config     *config.ToolSourceConfig
	httpClient *httpclient.Client

	mu          sync.Mutex
	tools       map[string]Tool
	sessionID   string
	initialized bool
}

// NewMCPHTTPToolSource creates an HTTP MCP tool source
func NewMCPHTTPToolSource(name string, cfg *config.ToolSourceConfig) (*MCPHTTPToolSource, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, fmt.Errorf("url is required for HTTP MCP source")
	}

	return &MCPHTTPToolSource{
		name:   name,
		config: cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second}),
			httpclient.WithBaseDelay(2*time.Second),
		),
		tools: make(map[string]Tool),
	}, nil
}

// GetName returns the source name
func (s *MCPHTTPToolSource) GetName() string {
	return s.name
}

// GetType returns the source type
func (s *MCPHTTPToolSource) GetType() string {
	return "mcp-http"
}

// DiscoverTools initializes the MCP session and refreshes the tool list
func (s *MCPHTTPToolSource) DiscoverTools(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		initResp, err := s.rpc(ctx, "initialize", map[string]interface{}{
			"protocolVersion": mcpProtocolVersion,
			"clientInfo": map[string]interface{}{
				"name":    "sage",
				"version": "1.0.0",
			},
			"capabilities": map[string]interface{}{},
		})
		if err != nil {
			return fmt.Errorf("failed to initialize MCP: %w", err)
		}
		if initResp.Error != nil {
			return fmt.Errorf("MCP init error: %s", initResp.Error.Message)
		}
		s.initialized = true
	}

	listResp, err := s.rpc(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("failed to list tools: %w", err)
	}
	if listResp.Error != nil {
		return fmt.Errorf("MCP list error: %s", listResp.Error.Message)
	}

	resultMap, ok := listResp.Result.(map[string]interface{})
	if !ok {
		return fmt.Errorf("unexpected result type from tools/list")
	}
	toolsList, ok := resultMap["tools"].([]interface{})
	if !ok {
		return fmt.Errorf("missing tools in tools/list response")
	}

	tools := make(map[string]Tool, len(toolsList))
	for _, toolRaw := range toolsList {
		toolMap, ok := toolRaw.(map[string]interface{})
		if !ok {
			continue
		}

		name, _ := toolMap["name"].(string)
		if name == "" {
			continue
		}
		desc, _ := toolMap["description"].(string)

		var schema map[string]interface{}
		if inputSchema, ok := toolMap["inputSchema"].(map[string]interface{}); ok {
			schema = inputSchema
		}

		tools[name] = &mcpHTTPTool{
			source:      s,
			name:        name,
			description: desc,
			schema:      schema,
			timeout:     time.Duration(s.config.Timeout) * time.Second,
		}
	}
	s.tools = tools

	slog.Info("Discovered MCP tools (HTTP)",
		"source", s.name,
		"url", s.config.URL,
		"tools", len(tools))

	return nil
}

// ListTools returns all tools available in this source
func (s *MCPHTTPToolSource) ListTools() []ToolInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	tools := make([]ToolInfo, 0, len(s.tools))
	for _, tool := range s.tools {
		info := tool.GetInfo()
		info.Source = s.name
		tools = append(tools, info)
	}
	return tools
}

// GetTool retrieves a specific tool by name
func (s *MCPHTTPToolSource) GetTool(name string) (Tool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tool, exists := s.tools[name]
	return tool, exists
}

// JSON-RPC types
type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Result  interface{}   `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpc sends a JSON-RPC request to the MCP server
func (s *MCPHTTPToolSource) rpc(ctx context.Context, method string, params interface{}) (*jsonRPCResponse, error) {
	req := jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.URL, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if s.sessionID != "" {
		httpReq.Header.Set("mcp-session-id", s.sessionID)
	}

	httpResp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if newSessionID := httpResp.Header.Get("mcp-session-id"); newSessionID != "" {
		s.sessionID = newSessionID
	}

	if httpResp.StatusCode != http.StatusOK {
		responseBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("HTTP error %d: %s", httpResp.StatusCode, string(responseBody))
	}

	responseBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var resp jsonRPCResponse
	if err := json.Unmarshal(responseBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return &resp, nil
}

// mcpHTTPTool is a tool proxied through an HTTP MCP connection
type mcpHTTPTool struct {
	source      *MCPHTTPToolSource
	name        string
	description string
	schema      map[string]interface{}
	timeout     time.Duration
}

func (t *mcpHTTPTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        t.name,
		Description: t.description,
		Parameters:  t.schema,
		Timeout:     t.timeout,
		Idempotent:  false,
	}
}

func (t *mcpHTTPTool) GetName() string {
	return t.name
}

func (t *mcpHTTPTool) GetDescription() string {
	return t.description
}

func (t *mcpHTTPTool) Execute(ctx context.Context, args map[string]interface{}) (ToolResult, error) {
	t.source.mu.Lock()
	defer t.source.mu.Unlock()

	resp, err := t.source.rpc(ctx, "tools/call", map[string]interface{}{
		"name":      t.name,
		"arguments": args,
	})
	if err != nil {
		return ToolResult{Success: false, ToolName: t.name, Error: err.Error()},
			fmt.Errorf("MCP call failed: %w", err)
	}

	if resp.Error != nil {
		return ToolResult{Success: false, ToolName: t.name, Error: resp.Error.Message}, nil
	}

	resultMap, ok := resp.Result.(map[string]interface{})
	if !ok {
		data, _ := json.Marshal(resp.Result)
		return ToolResult{Success: true, ToolName: t.name, Content: string(data)}, nil
	}

	var texts []string
	if content, ok := resultMap["content"].([]interface{}); ok {
		for _, c := range content {
			if cm, ok := c.(map[string]interface{}); ok {
				if cm["type"] == "text" {
					if text, ok := cm["text"].(string); ok {
						texts = append(texts, text)
					}
				}
			}
		}
	}
	joined := strings.Join(texts, "\n")

	if isError, _ := resultMap["isError"].(bool); isError {
		if joined == "" {
			joined = "unknown error"
		}
		return ToolResult{Success: false, ToolName: t.name, Error: joined}, nil
	}

	return ToolResult{Success: true, ToolName: t.name, Content: joined}, nil
}
