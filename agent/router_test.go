package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/sage/config"
	"github.com/kadirpekel/sage/llms"
)

// mockClassifier returns a fixed profile id or an error
type mockClassifier struct {
	answer string
	err    error
	calls  int
}

func (m *mockClassifier) Generate(ctx context.Context, messages []llms.Message, tools []llms.ToolDefinition) (string, []llms.ToolCall, llms.Usage, error) {
	m.calls++
	if m.err != nil {
		return "", nil, llms.Usage{}, m.err
	}
	return m.answer, nil, llms.Usage{}, nil
}

func (m *mockClassifier) GenerateStreaming(ctx context.Context, messages []llms.Message, tools []llms.ToolDefinition) (<-chan llms.StreamChunk, error) {
	ch := make(chan llms.StreamChunk)
	close(ch)
	return ch, nil
}

func (m *mockClassifier) GetModelName() string    { return "mock" }
func (m *mockClassifier) GetMaxTokens() int       { return 1000 }
func (m *mockClassifier) GetTemperature() float64 { return 0 }
func (m *mockClassifier) Close() error            { return nil }

func defaultRouter(t *testing.T) *Router {
	t.Helper()
	cfg := &config.RouterConfig{DefaultProfile: "general"}
	store, err := NewProfileStore(cfg)
	require.NoError(t, err)
	router, err := NewRouter(cfg, store, nil)
	require.NoError(t, err)
	return router
}

func TestSelectAgent_KeywordMatch(t *testing.T) {
	router := defaultRouter(t)

	tests := []struct {
		query string
		want  string
	}{
		{"please debug this function for me", "coding"},
		{"research the history of kubernetes", "research"},
		{"analyze this data and plot a chart", "data_analysis"},
		{"hello there", "general"},
	}
	for _, tt := range tests {
		profile := router.SelectAgent(context.Background(), tt.query)
		assert.Equal(t, tt.want, profile.ID, "query %q", tt.query)
	}
}

func TestSelectAgent_CaseInsensitive(t *testing.T) {
	router := defaultRouter(t)

	profile := router.SelectAgent(context.Background(), "DEBUG my CODE")
	assert.Equal(t, "coding", profile.ID)
}

func TestSelectAgent_TieBreaksByPriorityThenID(t *testing.T) {
	profiles := map[string]config.ProfileConfig{
		"bravo":   {Instructions: "b", Keywords: []string{"widget"}, Priority: 5},
		"alpha":   {Instructions: "a", Keywords: []string{"widget"}, Priority: 5},
		"zulu":    {Instructions: "z", Keywords: []string{"widget"}, Priority: 9},
		"general": {Instructions: "fallback"},
	}
	cfg := &config.RouterConfig{Profiles: profiles, DefaultProfile: "general"}
	store, err := NewProfileStore(cfg)
	require.NoError(t, err)
	router, err := NewRouter(cfg, store, nil)
	require.NoError(t, err)

	// Higher priority wins the tie
	profile := router.SelectAgent(context.Background(), "widget")
	assert.Equal(t, "zulu", profile.ID)

	// Equal priority falls back to id lexical order
	delete(profiles, "zulu")
	require.NoError(t, store.Reload(profiles))
	profile = router.SelectAgent(context.Background(), "widget")
	assert.Equal(t, "alpha", profile.ID)
}

func TestSelectAgent_NoMatchUsesDefault(t *testing.T) {
	router := defaultRouter(t)

	profile := router.SelectAgent(context.Background(), "xyzzy")
	assert.Equal(t, "general", profile.ID)
}

func TestSelectAgent_LLMClassifierOnZeroScore(t *testing.T) {
	cfg := &config.RouterConfig{DefaultProfile: "general", LLMClassifier: true}
	store, err := NewProfileStore(cfg)
	require.NoError(t, err)

	classifier := &mockClassifier{answer: "coding"}
	router, err := NewRouter(cfg, store, classifier)
	require.NoError(t, err)

	profile := router.SelectAgent(context.Background(), "xyzzy")
	assert.Equal(t, "coding", profile.ID)
	assert.Equal(t, 1, classifier.calls)

	// Keyword hits skip the classifier entirely
	profile = router.SelectAgent(context.Background(), "debug this code")
	assert.Equal(t, "coding", profile.ID)
	assert.Equal(t, 1, classifier.calls)
}

func TestSelectAgent_ClassifierFailureFallsBack(t *testing.T) {
	cfg := &config.RouterConfig{DefaultProfile: "general", LLMClassifier: true}
	store, err := NewProfileStore(cfg)
	require.NoError(t, err)

	router, err := NewRouter(cfg, store, &mockClassifier{err: errors.New("provider down")})
	require.NoError(t, err)

	profile := router.SelectAgent(context.Background(), "xyzzy")
	assert.Equal(t, "general", profile.ID)
}

func TestSelectAgent_ClassifierUnknownAnswerFallsBack(t *testing.T) {
	cfg := &config.RouterConfig{DefaultProfile: "general", LLMClassifier: true}
	store, err := NewProfileStore(cfg)
	require.NoError(t, err)

	router, err := NewRouter(cfg, store, &mockClassifier{answer: "not-a-profile"})
	require.NoError(t, err)

	profile := router.SelectAgent(context.Background(), "xyzzy")
	assert.Equal(t, "general", profile.ID)
}

func TestNewRouter_MissingDefaultProfile(t *testing.T) {
	cfg := &config.RouterConfig{DefaultProfile: "ghost"}
	store, err := NewProfileStore(cfg)
	require.NoError(t, err)

	_, err = NewRouter(cfg, store, nil)
	assert.Error(t, err)
}

func TestProfile_AllowsTool(t *testing.T) {
	open := Profile{ID: "open"}
	assert.True(t, open.AllowsTool("anything"))

	restricted := Profile{ID: "restricted", Tools: []string{"search"}}
	assert.True(t, restricted.AllowsTool("search"))
	assert.False(t, restricted.AllowsTool("delete_everything"))
}
