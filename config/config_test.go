package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromBytes_ZeroConfig(t *testing.T) {
	cfg, err := LoadConfigFromBytes([]byte("name: minimal\n"))
	require.NoError(t, err)

	// A default LLM is synthesized when none are configured
	llm, ok := cfg.GetLLM("default-llm")
	require.True(t, ok)
	assert.Equal(t, "openai", llm.Type)
	assert.Equal(t, "gpt-4o-mini", llm.Model)
	assert.Equal(t, "https://api.openai.com/v1", llm.Host)

	assert.Equal(t, "info", cfg.Global.Logging.Level)
	assert.Equal(t, 5, cfg.Retrieval.TopK)
	assert.Equal(t, 0.7, cfg.Retrieval.SemanticWeight)
	assert.Equal(t, 0.3, cfg.Retrieval.LexicalWeight)
	assert.Equal(t, "minmax", cfg.Retrieval.Normalization)
	assert.Equal(t, 10, cfg.Retrieval.RerankTopN, "rerank depth defaults to twice top_k")
	assert.Equal(t, "memory", cfg.Session.Store)
	assert.Equal(t, 20, cfg.Session.WindowSize)
	assert.Equal(t, "general", cfg.Router.DefaultProfile)
	assert.Equal(t, 10, cfg.Orchestrator.MaxToolRounds)
	assert.Equal(t, 120, cfg.Orchestrator.RequestTimeout)
	assert.Equal(t, 5, cfg.Tools.Breaker.FailureThreshold)
	assert.Equal(t, 3, cfg.Tools.Invoker.MaxRetries)
}

func TestLoadConfigFromBytes_FullConfig(t *testing.T) {
	yaml := `
name: sage-pipeline
llms:
  main:
    type: anthropic
    api_key: sk-test
retrieval:
  top_k: 8
  semantic_weight: 0.6
  lexical_weight: 0.4
session:
  store: sqlite
  path: /tmp/sessions.db
  window_size: 10
  reformulate: true
cache:
  enabled: true
  backend: memory
  ttl: 600
orchestrator:
  max_tool_rounds: 4
  request_timeout: 30
`
	cfg, err := LoadConfigFromBytes([]byte(yaml))
	require.NoError(t, err)

	llm, ok := cfg.GetLLM("main")
	require.True(t, ok)
	assert.Equal(t, "anthropic", llm.Type)
	assert.Equal(t, "claude-3-5-haiku-latest", llm.Model)
	assert.Equal(t, "https://api.anthropic.com", llm.Host)

	assert.Equal(t, 8, cfg.Retrieval.TopK)
	assert.Equal(t, 16, cfg.Retrieval.RerankTopN)
	assert.Equal(t, 0.6, cfg.Retrieval.SemanticWeight)
	assert.Equal(t, "sqlite", cfg.Session.Store)
	assert.True(t, cfg.Session.Reformulate)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, 600, cfg.Cache.TTL)
	assert.Equal(t, 4, cfg.Orchestrator.MaxToolRounds)
}

func TestLoadConfigFromBytes_InvalidYAML(t *testing.T) {
	_, err := LoadConfigFromBytes([]byte("llms: [unclosed"))
	assert.Error(t, err)
}

func TestLoadConfigFromBytes_ValidationFailure(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "bad log level",
			yaml: "global:\n  logging:\n    level: loud\n",
		},
		{
			name: "redis cache without addr",
			yaml: "cache:\n  enabled: true\n  backend: redis\n",
		},
		{
			name: "unknown session store",
			yaml: "session:\n  store: cassandra\n",
		},
		{
			name: "default profile not configured",
			yaml: "router:\n  default_profile: missing\n  profiles:\n    coding:\n      instructions: You write code.\n",
		},
		{
			name: "profile without instructions",
			yaml: "router:\n  profiles:\n    general:\n      keywords: [hello]\n",
		},
		{
			name: "mcp source without command",
			yaml: "tools:\n  sources:\n    remote:\n      type: mcp\n",
		},
		{
			name: "negative retrieval weights",
			yaml: "retrieval:\n  semantic_weight: -0.5\n  lexical_weight: 1.5\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfigFromBytes([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sage.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: from-file\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Name)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestExpandEnvVars_Formats(t *testing.T) {
	t.Setenv("SAGE_TEST_KEY", "secret-value")
	os.Unsetenv("SAGE_TEST_UNSET")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"braced", "${SAGE_TEST_KEY}", "secret-value"},
		{"simple", "$SAGE_TEST_KEY", "secret-value"},
		{"with default, set", "${SAGE_TEST_KEY:-fallback}", "secret-value"},
		{"with default, unset", "${SAGE_TEST_UNSET:-fallback}", "fallback"},
		{"unset braced becomes empty", "${SAGE_TEST_UNSET}", ""},
		{"embedded", "Bearer ${SAGE_TEST_KEY}", "Bearer secret-value"},
		{"no variables", "plain text", "plain text"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, expandEnvVars(tt.input))
		})
	}
}

func TestExpandEnvVarsInData_TypePreservation(t *testing.T) {
	t.Setenv("SAGE_TEST_PORT", "6334")
	t.Setenv("SAGE_TEST_FLAG", "true")
	t.Setenv("SAGE_TEST_WEIGHT", "0.7")

	data := map[string]interface{}{
		"port":   "${SAGE_TEST_PORT}",
		"flag":   "${SAGE_TEST_FLAG}",
		"weight": "${SAGE_TEST_WEIGHT}",
		"nested": map[string]interface{}{
			"list": []interface{}{"${SAGE_TEST_PORT}", "static"},
		},
		"untouched": 42,
	}

	expanded, ok := ExpandEnvVarsInData(data).(map[string]interface{})
	require.True(t, ok)

	assert.Equal(t, 6334, expanded["port"], "numeric strings are re-typed")
	assert.Equal(t, true, expanded["flag"])
	assert.Equal(t, 0.7, expanded["weight"])
	assert.Equal(t, 42, expanded["untouched"])

	nested := expanded["nested"].(map[string]interface{})
	list := nested["list"].([]interface{})
	assert.Equal(t, 6334, list[0])
	assert.Equal(t, "static", list[1])
}

func TestLoadConfigFromBytes_EnvExpansion(t *testing.T) {
	t.Setenv("SAGE_TEST_API_KEY", "sk-from-env")

	yaml := `
llms:
  main:
    type: openai
    api_key: ${SAGE_TEST_API_KEY}
`
	cfg, err := LoadConfigFromBytes([]byte(yaml))
	require.NoError(t, err)

	llm, ok := cfg.GetLLM("main")
	require.True(t, ok)
	assert.Equal(t, "sk-from-env", llm.APIKey)
}
