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

// Package config provides configuration types and utilities for the query
// orchestration pipeline. This file contains all configuration types in a
// unified structure.
package config

import (
	"fmt"
)

// ============================================================================
// GLOBAL SETTINGS
// ============================================================================

// GlobalSettings contains global configuration settings
type GlobalSettings struct {
	Logging LoggingConfig `yaml:"logging,omitempty"`
}

// Validate implements ConfigInterface.Validate for GlobalSettings
func (c *GlobalSettings) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging validation failed: %w", err)
	}
	return nil
}

// SetDefaults implements ConfigInterface.SetDefaults for GlobalSettings
func (c *GlobalSettings) SetDefaults() {
	c.Logging.SetDefaults()
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "simple", "verbose"
	Output string `yaml:"output"` // "stdout", "stderr", or file path
}

// Validate implements ConfigInterface.Validate for LoggingConfig
func (c *LoggingConfig) Validate() error {
	switch c.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Level)
	}
	switch c.Format {
	case "simple", "verbose":
	default:
		return fmt.Errorf("invalid log format: %s", c.Format)
	}
	return nil
}

// SetDefaults implements ConfigInterface.SetDefaults for LoggingConfig
func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
	if c.Output == "" {
		c.Output = "stderr"
	}
}

// ============================================================================
// PROVIDER CONFIGURATIONS
// ============================================================================

// LLMProviderConfig represents LLM provider configuration
type LLMProviderConfig struct {
	Type        string  `yaml:"type"`        // "openai", "anthropic"
	Model       string  `yaml:"model"`       // Model name
	APIKey      string  `yaml:"api_key"`     // API key
	Host        string  `yaml:"host"`        // Custom API endpoint
	Temperature float64 `yaml:"temperature"` // Temperature setting
	MaxTokens   int     `yaml:"max_tokens"`  // Max tokens
	Timeout     int     `yaml:"timeout"`     // Request timeout in seconds
	MaxRetries  int     `yaml:"max_retries"` // Max HTTP retry attempts
}

// Validate implements ConfigInterface.Validate for LLMProviderConfig
func (c *LLMProviderConfig) Validate() error {
	if c.Type == "" {
		return fmt.Errorf("type is required")
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must be non-negative")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be non-negative")
	}
	return nil
}

// SetDefaults implements ConfigInterface.SetDefaults for LLMProviderConfig
func (c *LLMProviderConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "openai"
	}
	if c.Model == "" {
		switch c.Type {
		case "anthropic":
			c.Model = "claude-3-5-haiku-latest"
		default:
			c.Model = "gpt-4o-mini"
		}
	}
	if c.Host == "" {
		switch c.Type {
		case "anthropic":
			c.Host = "https://api.anthropic.com"
		default:
			c.Host = "https://api.openai.com/v1"
		}
	}
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 2000
	}
	if c.Timeout == 0 {
		c.Timeout = 120
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
}

// DatabaseProviderConfig represents vector database provider configuration
type DatabaseProviderConfig struct {
	Type    string `yaml:"type"`    // "qdrant", "chromem"
	Host    string `yaml:"host"`    // Database host
	Port    int    `yaml:"port"`    // Database port
	APIKey  string `yaml:"api_key"` // API key (optional)
	Path    string `yaml:"path"`    // Storage path (chromem persistent mode)
	Timeout int    `yaml:"timeout"` // Connection timeout in seconds
	UseTLS  bool   `yaml:"use_tls"` // Use TLS connection
}

// Validate implements ConfigInterface.Validate for DatabaseProviderConfig
func (c *DatabaseProviderConfig) Validate() error {
	if c.Type == "" {
		return fmt.Errorf("type is required")
	}
	if c.Type == "qdrant" {
		if c.Host == "" {
			return fmt.Errorf("host is required")
		}
		if c.Port <= 0 {
			return fmt.Errorf("port must be positive")
		}
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be non-negative")
	}
	return nil
}

// SetDefaults implements ConfigInterface.SetDefaults for DatabaseProviderConfig
func (c *DatabaseProviderConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "qdrant"
	}
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Timeout == 0 {
		c.Timeout = 30
	}
}

// EmbedderProviderConfig represents embedder provider configuration
type EmbedderProviderConfig struct {
	Type       string `yaml:"type"`        // "openai"
	Model      string `yaml:"model"`       // Model name
	APIKey     string `yaml:"api_key"`     // API key
	Host       string `yaml:"host"`        // Custom API endpoint
	Dimension  int    `yaml:"dimension"`   // Embedding dimension
	Timeout    int    `yaml:"timeout"`     // Request timeout in seconds
	MaxRetries int    `yaml:"max_retries"` // Max retry attempts
}

// Validate implements ConfigInterface.Validate for EmbedderProviderConfig
func (c *EmbedderProviderConfig) Validate() error {
	if c.Type == "" {
		return fmt.Errorf("type is required")
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("dimension must be positive")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be non-negative")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative")
	}
	return nil
}

// SetDefaults implements ConfigInterface.SetDefaults for EmbedderProviderConfig
func (c *EmbedderProviderConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "openai"
	}
	if c.Model == "" {
		c.Model = "text-embedding-3-small"
	}
	if c.Host == "" {
		c.Host = "https://api.openai.com/v1"
	}
	if c.Dimension == 0 {
		c.Dimension = 1536
	}
	if c.Timeout == 0 {
		c.Timeout = 30
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
}

// ============================================================================
// RETRIEVAL CONFIGURATION
// ============================================================================

// RetrievalConfig represents hybrid retrieval configuration
type RetrievalConfig struct {
	Collection     string  `yaml:"collection"`      // Vector collection name
	TopK           int     `yaml:"top_k"`           // Final result count
	SemanticWeight float64 `yaml:"semantic_weight"` // Weight for the semantic branch
	LexicalWeight  float64 `yaml:"lexical_weight"`  // Weight for the lexical branch
	Normalization  string  `yaml:"normalization"`   // "minmax" or "rank"
	ScoreThreshold float64 `yaml:"score_threshold"` // Minimum semantic similarity
	Rerank         bool    `yaml:"rerank"`          // Enable LLM reranking
	RerankTopN     int     `yaml:"rerank_top_n"`    // Candidates passed to the reranker
	BranchTimeout  int     `yaml:"branch_timeout"`  // Per-branch timeout in seconds
}

// Validate implements ConfigInterface.Validate for RetrievalConfig
func (c *RetrievalConfig) Validate() error {
	if c.TopK <= 0 {
		return fmt.Errorf("top_k must be positive")
	}
	if c.SemanticWeight < 0 || c.LexicalWeight < 0 {
		return fmt.Errorf("branch weights must be non-negative")
	}
	if c.SemanticWeight+c.LexicalWeight == 0 {
		return fmt.Errorf("at least one branch weight must be positive")
	}
	switch c.Normalization {
	case "minmax", "rank":
	default:
		return fmt.Errorf("invalid normalization: %s", c.Normalization)
	}
	if c.RerankTopN < 0 {
		return fmt.Errorf("rerank_top_n must be non-negative")
	}
	return nil
}

// SetDefaults implements ConfigInterface.SetDefaults for RetrievalConfig
func (c *RetrievalConfig) SetDefaults() {
	if c.Collection == "" {
		c.Collection = "documents"
	}
	if c.TopK == 0 {
		c.TopK = 5
	}
	if c.SemanticWeight == 0 && c.LexicalWeight == 0 {
		// Deliberately uneven: embedding similarity is the stronger
		// signal for conversational queries, lexical catches exact terms
		c.SemanticWeight = 0.7
		c.LexicalWeight = 0.3
	}
	if c.Normalization == "" {
		c.Normalization = "minmax"
	}
	if c.RerankTopN == 0 {
		// Matches the per-branch fetch depth of the hybrid engine
		c.RerankTopN = 2 * c.TopK
	}
	if c.BranchTimeout == 0 {
		c.BranchTimeout = 10
	}
}

// ============================================================================
// SESSION CONFIGURATION
// ============================================================================

// SessionConfig represents session context configuration
type SessionConfig struct {
	Store       string `yaml:"store"`       // "memory" or "sqlite"
	Path        string `yaml:"path"`        // SQLite database path
	WindowSize  int    `yaml:"window_size"` // Max turns kept per session
	Reformulate bool   `yaml:"reformulate"` // Enable query reformulation
}

// Validate implements ConfigInterface.Validate for SessionConfig
func (c *SessionConfig) Validate() error {
	switch c.Store {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("invalid session store: %s", c.Store)
	}
	if c.Store == "sqlite" && c.Path == "" {
		return fmt.Errorf("path is required for sqlite store")
	}
	if c.WindowSize <= 0 {
		return fmt.Errorf("window_size must be positive")
	}
	return nil
}

// SetDefaults implements ConfigInterface.SetDefaults for SessionConfig
func (c *SessionConfig) SetDefaults() {
	if c.Store == "" {
		c.Store = "memory"
	}
	if c.WindowSize == 0 {
		c.WindowSize = 20
	}
}

// ============================================================================
// ROUTER CONFIGURATION
// ============================================================================

// ProfileConfig represents a single agent profile
type ProfileConfig struct {
	Instructions string   `yaml:"instructions"` // System prompt for this profile
	Keywords     []string `yaml:"keywords"`     // Routing vocabulary
	Tools        []string `yaml:"tools"`        // Allowed tool names (empty = all)
	Retrieval    bool     `yaml:"retrieval"`    // Enable retrieval for this profile
	Priority     int      `yaml:"priority"`     // Tie-break priority (higher wins)
}

// Validate implements ConfigInterface.Validate for ProfileConfig
func (c *ProfileConfig) Validate() error {
	if c.Instructions == "" {
		return fmt.Errorf("instructions are required")
	}
	return nil
}

// SetDefaults implements ConfigInterface.SetDefaults for ProfileConfig
func (c *ProfileConfig) SetDefaults() {
	// Profiles are fully explicit; built-in defaults live in the agent package.
}

// RouterConfig represents agent routing configuration
type RouterConfig struct {
	Profiles       map[string]ProfileConfig `yaml:"profiles,omitempty"`
	DefaultProfile string                   `yaml:"default_profile"` // Fallback profile id
	LLMClassifier  bool                     `yaml:"llm_classifier"`  // Use LLM when keywords tie at zero
}

// Validate implements ConfigInterface.Validate for RouterConfig
func (c *RouterConfig) Validate() error {
	for name, profile := range c.Profiles {
		if err := profile.Validate(); err != nil {
			return fmt.Errorf("profile '%s' validation failed: %w", name, err)
		}
	}
	if len(c.Profiles) > 0 {
		if _, ok := c.Profiles[c.DefaultProfile]; !ok {
			return fmt.Errorf("default_profile '%s' is not a configured profile", c.DefaultProfile)
		}
	}
	return nil
}

// SetDefaults implements ConfigInterface.SetDefaults for RouterConfig
func (c *RouterConfig) SetDefaults() {
	if c.DefaultProfile == "" {
		c.DefaultProfile = "general"
	}
	for name := range c.Profiles {
		profile := c.Profiles[name]
		profile.SetDefaults()
		c.Profiles[name] = profile
	}
}

// ============================================================================
// TOOL CONFIGURATIONS
// ============================================================================

// ToolSourceConfig represents a single tool source
type ToolSourceConfig struct {
	Type    string            `yaml:"type"`    // "local", "mcp", "mcp-http"
	Command string            `yaml:"command"` // Executable for stdio MCP servers
	Args    []string          `yaml:"args"`    // Arguments for stdio MCP servers
	URL     string            `yaml:"url"`     // Endpoint for HTTP MCP servers
	Env     map[string]string `yaml:"env"`     // Extra environment for stdio servers
	Timeout int               `yaml:"timeout"` // Per-call timeout in seconds
}

// Validate implements ConfigInterface.Validate for ToolSourceConfig
func (c *ToolSourceConfig) Validate() error {
	switch c.Type {
	case "local":
	case "mcp":
		if c.Command == "" {
			return fmt.Errorf("command is required for stdio MCP sources")
		}
	case "mcp-http":
		if c.URL == "" {
			return fmt.Errorf("url is required for HTTP MCP sources")
		}
	default:
		return fmt.Errorf("invalid tool source type: %s", c.Type)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be non-negative")
	}
	return nil
}

// SetDefaults implements ConfigInterface.SetDefaults for ToolSourceConfig
func (c *ToolSourceConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "local"
	}
	if c.Timeout == 0 {
		c.Timeout = 30
	}
}

// InvokerConfig represents tool invocation retry behavior
type InvokerConfig struct {
	MaxRetries int `yaml:"max_retries"` // Retries for idempotent tools
	RetryDelay int `yaml:"retry_delay"` // Base delay in seconds
	MaxDelay   int `yaml:"max_delay"`   // Backoff cap in seconds
}

// Validate implements ConfigInterface.Validate for InvokerConfig
func (c *InvokerConfig) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative")
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry_delay must be non-negative")
	}
	return nil
}

// SetDefaults implements ConfigInterface.SetDefaults for InvokerConfig
func (c *InvokerConfig) SetDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 1
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 30
	}
}

// BreakerConfig represents circuit breaker behavior per tool source
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"` // Consecutive failures before opening
	Cooldown         int `yaml:"cooldown"`          // Open duration in seconds
}

// Validate implements ConfigInterface.Validate for BreakerConfig
func (c *BreakerConfig) Validate() error {
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("failure_threshold must be positive")
	}
	if c.Cooldown <= 0 {
		return fmt.Errorf("cooldown must be positive")
	}
	return nil
}

// SetDefaults implements ConfigInterface.SetDefaults for BreakerConfig
func (c *BreakerConfig) SetDefaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown == 0 {
		c.Cooldown = 30
	}
}

// ToolConfigs contains all tool configuration
type ToolConfigs struct {
	Sources      map[string]ToolSourceConfig `yaml:"sources,omitempty"`
	Invoker      InvokerConfig               `yaml:"invoker,omitempty"`
	Breaker      BreakerConfig               `yaml:"breaker,omitempty"`
	DiscoveryTTL int                         `yaml:"discovery_ttl"` // Tool list refresh interval in seconds
}

// Validate implements ConfigInterface.Validate for ToolConfigs
func (c *ToolConfigs) Validate() error {
	for name, source := range c.Sources {
		if err := source.Validate(); err != nil {
			return fmt.Errorf("tool source '%s' validation failed: %w", name, err)
		}
	}
	if err := c.Invoker.Validate(); err != nil {
		return fmt.Errorf("invoker validation failed: %w", err)
	}
	if err := c.Breaker.Validate(); err != nil {
		return fmt.Errorf("breaker validation failed: %w", err)
	}
	if c.DiscoveryTTL < 0 {
		return fmt.Errorf("discovery_ttl must be non-negative")
	}
	return nil
}

// SetDefaults implements ConfigInterface.SetDefaults for ToolConfigs
func (c *ToolConfigs) SetDefaults() {
	if c.Sources == nil {
		c.Sources = make(map[string]ToolSourceConfig)
	}
	for name := range c.Sources {
		source := c.Sources[name]
		source.SetDefaults()
		c.Sources[name] = source
	}
	c.Invoker.SetDefaults()
	c.Breaker.SetDefaults()
	if c.DiscoveryTTL == 0 {
		c.DiscoveryTTL = 300
	}
}

// ============================================================================
// CACHE CONFIGURATION
// ============================================================================

// CacheConfig represents response cache configuration
type CacheConfig struct {
	Enabled bool   `yaml:"enabled"` // Enable the response cache
	Backend string `yaml:"backend"` // "memory" or "redis"
	TTL     int    `yaml:"ttl"`     // Entry lifetime in seconds
	Addr    string `yaml:"addr"`    // Redis address
	Pass    string `yaml:"pass"`    // Redis password
	DB      int    `yaml:"db"`      // Redis database index
}

// Validate implements ConfigInterface.Validate for CacheConfig
func (c *CacheConfig) Validate() error {
	switch c.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid cache backend: %s", c.Backend)
	}
	if c.Backend == "redis" && c.Addr == "" {
		return fmt.Errorf("addr is required for redis backend")
	}
	if c.TTL <= 0 {
		return fmt.Errorf("ttl must be positive")
	}
	return nil
}

// SetDefaults implements ConfigInterface.SetDefaults for CacheConfig
func (c *CacheConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "memory"
	}
	if c.TTL == 0 {
		c.TTL = 3600
	}
}

// ============================================================================
// ORCHESTRATOR CONFIGURATION
// ============================================================================

// OrchestratorConfig represents request lifecycle configuration
type OrchestratorConfig struct {
	MaxToolRounds  int  `yaml:"max_tool_rounds"` // Tool-use loop bound
	RequestTimeout int  `yaml:"request_timeout"` // End-to-end timeout in seconds
	Tracing        bool `yaml:"tracing"`         // Emit OpenTelemetry spans
}

// Validate implements ConfigInterface.Validate for OrchestratorConfig
func (c *OrchestratorConfig) Validate() error {
	if c.MaxToolRounds <= 0 {
		return fmt.Errorf("max_tool_rounds must be positive")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	return nil
}

// SetDefaults implements ConfigInterface.SetDefaults for OrchestratorConfig
func (c *OrchestratorConfig) SetDefaults() {
	if c.MaxToolRounds == 0 {
		c.MaxToolRounds = 10
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 120
	}
}
