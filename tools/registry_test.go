package tools

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/sage/config"
)

func newRegistryWithTools(t *testing.T, names ...string) *ToolRegistry {
	t.Helper()

	reg := NewToolRegistry(&config.ToolConfigs{
		Breaker: config.BreakerConfig{FailureThreshold: 1, Cooldown: 60},
	})
	source := NewLocalToolSource("local")
	for _, name := range names {
		require.NoError(t, source.RegisterTool(&stubTool{name: name}))
	}
	require.NoError(t, reg.RegisterSource(source))
	require.NoError(t, reg.DiscoverAllTools(context.Background()))
	return reg
}

func TestListTools_SortedByName(t *testing.T) {
	reg := newRegistryWithTools(t, "zeta", "alpha", "mid")

	infos := reg.ListTools(context.Background())
	require.Len(t, infos, 3)
	assert.Equal(t, "alpha", infos[0].Name)
	assert.Equal(t, "mid", infos[1].Name)
	assert.Equal(t, "zeta", infos[2].Name)
	for _, info := range infos {
		assert.Equal(t, "local", info.Source)
	}
}

func TestListTools_ExcludesOpenCircuitSources(t *testing.T) {
	reg := newRegistryWithTools(t, "echo")

	breaker, exists := reg.Breaker("local")
	require.True(t, exists)
	breaker.RecordFailure() // threshold 1, opens immediately

	assert.Empty(t, reg.ListTools(context.Background()),
		"tools behind an open circuit must not be advertised")
}

func TestGetTool(t *testing.T) {
	reg := newRegistryWithTools(t, "echo")

	tool, err := reg.GetTool("echo")
	require.NoError(t, err)
	assert.Equal(t, "echo", tool.GetName())

	_, err = reg.GetTool("ghost")
	assert.Error(t, err)
}

func TestRemoveSource(t *testing.T) {
	reg := newRegistryWithTools(t, "echo")

	require.NoError(t, reg.RemoveSource("local"))
	assert.Empty(t, reg.ListTools(context.Background()))

	_, exists := reg.Source("local")
	assert.False(t, exists)
}

func TestDiscoverAllTools_RefreshPicksUpNewTools(t *testing.T) {
	reg := NewToolRegistry(&config.ToolConfigs{DiscoveryTTL: 1})
	source := NewLocalToolSource("local")
	require.NoError(t, reg.RegisterSource(source))
	require.NoError(t, reg.DiscoverAllTools(context.Background()))
	assert.Empty(t, reg.ListTools(context.Background()))

	require.NoError(t, source.RegisterTool(&stubTool{name: "late"}))
	require.NoError(t, reg.DiscoverAllTools(context.Background()))

	infos := reg.ListTools(context.Background())
	require.Len(t, infos, 1)
	assert.Equal(t, "late", infos[0].Name)
}

func TestFuncTool_SchemaAndExecution(t *testing.T) {
	type addArgs struct {
		A int `json:"a" jsonschema:"required"`
		B int `json:"b" jsonschema:"required"`
	}

	tool, err := NewFuncTool("add", "adds two numbers", true, 5*time.Second,
		func(ctx context.Context, args addArgs) (string, error) {
			return "sum", nil
		})
	require.NoError(t, err)

	info := tool.GetInfo()
	assert.Equal(t, "add", info.Name)
	assert.True(t, info.Idempotent)
	require.NotNil(t, info.Parameters)
	assert.Equal(t, "object", info.Parameters["type"])

	result, err := tool.Execute(context.Background(), map[string]interface{}{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "sum", result.Content)
}
