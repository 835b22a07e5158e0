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
// orchestration pipeline. This file contains the main unified configuration
// entry point.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the complete pipeline configuration. It is the single
// entry point for all configuration.
type Config struct {
	Version     string `yaml:"version,omitempty"`
	Name        string `yaml:"name,omitempty"`
	Description string `yaml:"description,omitempty"`

	Global GlobalSettings `yaml:"global,omitempty"`

	// Provider configurations
	LLMs      map[string]LLMProviderConfig      `yaml:"llms,omitempty"`
	Databases map[string]DatabaseProviderConfig `yaml:"databases,omitempty"`
	Embedders map[string]EmbedderProviderConfig `yaml:"embedders,omitempty"`

	// Pipeline stage configurations
	Retrieval    RetrievalConfig    `yaml:"retrieval,omitempty"`
	Session      SessionConfig      `yaml:"session,omitempty"`
	Router       RouterConfig       `yaml:"router,omitempty"`
	Tools        ToolConfigs        `yaml:"tools,omitempty"`
	Cache        CacheConfig        `yaml:"cache,omitempty"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator,omitempty"`
}

// Validate implements ConfigInterface.Validate for Config
func (c *Config) Validate() error {
	if err := c.Global.Validate(); err != nil {
		return fmt.Errorf("global settings validation failed: %w", err)
	}
	for name, llm := range c.LLMs {
		if err := llm.Validate(); err != nil {
			return fmt.Errorf("LLM '%s' validation failed: %w", name, err)
		}
	}
	for name, db := range c.Databases {
		if err := db.Validate(); err != nil {
			return fmt.Errorf("database '%s' validation failed: %w", name, err)
		}
	}
	for name, embedder := range c.Embedders {
		if err := embedder.Validate(); err != nil {
			return fmt.Errorf("embedder '%s' validation failed: %w", name, err)
		}
	}
	if err := c.Retrieval.Validate(); err != nil {
		return fmt.Errorf("retrieval validation failed: %w", err)
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session validation failed: %w", err)
	}
	if err := c.Router.Validate(); err != nil {
		return fmt.Errorf("router validation failed: %w", err)
	}
	if err := c.Tools.Validate(); err != nil {
		return fmt.Errorf("tools validation failed: %w", err)
	}
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache validation failed: %w", err)
	}
	if err := c.Orchestrator.Validate(); err != nil {
		return fmt.Errorf("orchestrator validation failed: %w", err)
	}
	return nil
}

// SetDefaults implements ConfigInterface.SetDefaults for Config
func (c *Config) SetDefaults() {
	c.Global.SetDefaults()

	if c.LLMs == nil {
		c.LLMs = make(map[string]LLMProviderConfig)
	}
	if c.Databases == nil {
		c.Databases = make(map[string]DatabaseProviderConfig)
	}
	if c.Embedders == nil {
		c.Embedders = make(map[string]EmbedderProviderConfig)
	}

	// Zero-config: create a default LLM if none exist
	if len(c.LLMs) == 0 {
		c.LLMs["default-llm"] = LLMProviderConfig{}
	}

	for name := range c.LLMs {
		llm := c.LLMs[name]
		llm.SetDefaults()
		c.LLMs[name] = llm
	}
	for name := range c.Databases {
		db := c.Databases[name]
		db.SetDefaults()
		c.Databases[name] = db
	}
	for name := range c.Embedders {
		embedder := c.Embedders[name]
		embedder.SetDefaults()
		c.Embedders[name] = embedder
	}

	c.Retrieval.SetDefaults()
	c.Session.SetDefaults()
	c.Router.SetDefaults()
	c.Tools.SetDefaults()
	c.Cache.SetDefaults()
	c.Orchestrator.SetDefaults()
}

// ============================================================================
// CONFIGURATION LOADING
// ============================================================================

// LoadConfig loads the complete configuration from a YAML file.
// Environment variables in values are expanded before decoding.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return LoadConfigFromBytes(data)
}

// LoadConfigFromBytes loads configuration from raw YAML content.
func LoadConfigFromBytes(data []byte) (*Config, error) {
	var rawMap map[string]interface{}
	if err := yaml.Unmarshal(data, &rawMap); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	expanded := ExpandEnvVarsInData(rawMap)

	expandedYAML, err := yaml.Marshal(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode expanded config: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(expandedYAML, &config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	config.SetDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// GetLLM returns an LLM provider configuration by name
func (c *Config) GetLLM(name string) (*LLMProviderConfig, bool) {
	llm, exists := c.LLMs[name]
	return &llm, exists
}

// GetDatabase returns a database provider configuration by name
func (c *Config) GetDatabase(name string) (*DatabaseProviderConfig, bool) {
	db, exists := c.Databases[name]
	return &db, exists
}

// GetEmbedder returns an embedder provider configuration by name
func (c *Config) GetEmbedder(name string) (*EmbedderProviderConfig, bool) {
	embedder, exists := c.Embedders[name]
	return &embedder, exists
}
