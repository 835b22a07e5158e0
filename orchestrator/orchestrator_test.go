package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/sage/agent"
	"github.com/kadirpekel/sage/cache"
	"github.com/kadirpekel/sage/config"
	"github.com/kadirpekel/sage/llms"
	"github.com/kadirpekel/sage/session"
	"github.com/kadirpekel/sage/tools"
)

// scriptedStep is one provider response in a scripted conversation
type scriptedStep struct {
	text      string
	toolCalls []llms.ToolCall
	err       error
}

// scriptedLLM replays a fixed sequence of responses. The last step
// repeats once the script runs out.
type scriptedLLM struct {
	mu      sync.Mutex
	steps   []scriptedStep
	calls   int
	history [][]llms.Message
	block   chan struct{} // when set, Generate waits before answering
}

func (m *scriptedLLM) Generate(ctx context.Context, messages []llms.Message, defs []llms.ToolDefinition) (string, []llms.ToolCall, llms.Usage, error) {
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return "", nil, llms.Usage{}, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	step := m.steps[len(m.steps)-1]
	if m.calls < len(m.steps) {
		step = m.steps[m.calls]
	}
	m.calls++
	m.history = append(m.history, messages)

	if step.err != nil {
		return "", nil, llms.Usage{}, step.err
	}
	return step.text, step.toolCalls, llms.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}, nil
}

func (m *scriptedLLM) GenerateStreaming(ctx context.Context, messages []llms.Message, defs []llms.ToolDefinition) (<-chan llms.StreamChunk, error) {
	text, toolCalls, usage, err := m.Generate(ctx, messages, defs)
	if err != nil {
		return nil, err
	}

	ch := make(chan llms.StreamChunk, len(toolCalls)+4)
	// Split the text so streaming callers see multiple increments
	half := len(text) / 2
	if half > 0 {
		ch <- llms.StreamChunk{Type: llms.ChunkTypeText, Text: text[:half]}
		ch <- llms.StreamChunk{Type: llms.ChunkTypeText, Text: text[half:]}
	} else if text != "" {
		ch <- llms.StreamChunk{Type: llms.ChunkTypeText, Text: text}
	}
	for i := range toolCalls {
		ch <- llms.StreamChunk{Type: llms.ChunkTypeToolCall, ToolCall: &toolCalls[i]}
	}
	ch <- llms.StreamChunk{Type: llms.ChunkTypeDone, Usage: usage}
	close(ch)
	return ch, nil
}

func (m *scriptedLLM) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *scriptedLLM) GetModelName() string    { return "scripted" }
func (m *scriptedLLM) GetMaxTokens() int       { return 1000 }
func (m *scriptedLLM) GetTemperature() float64 { return 0 }
func (m *scriptedLLM) Close() error            { return nil }

type testTool struct {
	name    string
	fail    bool
	content string
	calls   int32
}

func (tt *testTool) GetInfo() tools.ToolInfo {
	return tools.ToolInfo{Name: tt.name, Description: "test tool"}
}
func (tt *testTool) GetName() string        { return tt.name }
func (tt *testTool) GetDescription() string { return "test tool" }

func (tt *testTool) Execute(ctx context.Context, args map[string]interface{}) (tools.ToolResult, error) {
	atomic.AddInt32(&tt.calls, 1)
	if tt.fail {
		return tools.ToolResult{}, errors.New("tool exploded")
	}
	return tools.ToolResult{Success: true, Content: tt.content}, nil
}

type fixture struct {
	llm      *scriptedLLM
	sessions *session.Service
	orch     *Orchestrator
}

type fixtureOpts struct {
	maxRounds int
	timeout   int
	cacheTTL  time.Duration
	tools     []*testTool
}

func newFixture(t *testing.T, llm *scriptedLLM, opts fixtureOpts) *fixture {
	t.Helper()

	sessions, err := session.NewServiceWithStore(session.NewInMemoryStore(), nil, 20)
	require.NoError(t, err)

	routerCfg := &config.RouterConfig{DefaultProfile: "general"}
	profiles, err := agent.NewProfileStore(routerCfg)
	require.NoError(t, err)
	router, err := agent.NewRouter(routerCfg, profiles, nil)
	require.NoError(t, err)

	deps := Dependencies{
		LLM:      llm,
		Sessions: sessions,
		Router:   router,
	}

	if len(opts.tools) > 0 {
		reg := tools.NewToolRegistry(&config.ToolConfigs{
			Breaker: config.BreakerConfig{FailureThreshold: 100, Cooldown: 1},
		})
		source := tools.NewLocalToolSource("local")
		for _, tool := range opts.tools {
			require.NoError(t, source.RegisterTool(tool))
		}
		require.NoError(t, reg.RegisterSource(source))
		require.NoError(t, reg.DiscoverAllTools(context.Background()))

		invoker, err := tools.NewInvoker(reg, nil)
		require.NoError(t, err)
		deps.Registry = reg
		deps.Invoker = invoker
	}

	if opts.cacheTTL > 0 {
		responseCache, err := cache.NewWithStore(cache.NewMemoryStore(), opts.cacheTTL)
		require.NoError(t, err)
		deps.Cache = responseCache
	}

	maxRounds := opts.maxRounds
	if maxRounds == 0 {
		maxRounds = 10
	}
	orch, err := NewOrchestrator(&config.OrchestratorConfig{
		MaxToolRounds:  maxRounds,
		RequestTimeout: opts.timeout,
	}, deps)
	require.NoError(t, err)

	return &fixture{llm: llm, sessions: sessions, orch: orch}
}

func TestExecute_SimpleAnswer(t *testing.T) {
	llm := &scriptedLLM{steps: []scriptedStep{{text: "the answer"}}}
	f := newFixture(t, llm, fixtureOpts{})

	answer, trace, err := f.orch.Execute(context.Background(), "s1", "a question")
	require.NoError(t, err)
	assert.Equal(t, "the answer", answer.Text)
	assert.Equal(t, "general", answer.AgentID)
	assert.False(t, answer.Truncated)
	assert.Equal(t, StateCompleted, trace.State)
	assert.Equal(t, 15, trace.Usage.TotalTokens)
}

func TestExecute_AppendsTurnsOnSuccess(t *testing.T) {
	llm := &scriptedLLM{steps: []scriptedStep{{text: "reply"}}}
	f := newFixture(t, llm, fixtureOpts{})

	_, _, err := f.orch.Execute(context.Background(), "s1", "hello")
	require.NoError(t, err)

	window, err := f.sessions.GetContext("s1")
	require.NoError(t, err)
	require.Len(t, window.Entries, 2)
	assert.Equal(t, session.RoleUser, window.Entries[0].Role)
	assert.Equal(t, "hello", window.Entries[0].Text)
	assert.Equal(t, session.RoleAssistant, window.Entries[1].Role)
	assert.Equal(t, "reply", window.Entries[1].Text)
}

func TestExecute_NoEvidenceWithoutRetriever(t *testing.T) {
	llm := &scriptedLLM{steps: []scriptedStep{{text: "reply"}}}
	f := newFixture(t, llm, fixtureOpts{})

	answer, trace, err := f.orch.Execute(context.Background(), "s1", "What is the refund window?")
	require.NoError(t, err)
	assert.Empty(t, answer.Provenance)
	assert.Zero(t, trace.EvidenceCount)

	// System prompt carries no context block
	require.NotEmpty(t, llm.history)
	assert.NotContains(t, llm.history[0][0].Content, "Context:")
}

func TestExecute_ToolUseLoop(t *testing.T) {
	llm := &scriptedLLM{steps: []scriptedStep{
		{toolCalls: []llms.ToolCall{{ID: "c1", Name: "search", Arguments: map[string]interface{}{"q": "x"}}}},
		{text: "found it"},
	}}
	tool := &testTool{name: "search", content: "3 results"}
	f := newFixture(t, llm, fixtureOpts{tools: []*testTool{tool}})

	answer, trace, err := f.orch.Execute(context.Background(), "s1", "look this up")
	require.NoError(t, err)
	assert.Equal(t, "found it", answer.Text)
	assert.Equal(t, []string{"search"}, answer.ToolsUsed)
	assert.Equal(t, 2, trace.ToolRounds)
	assert.Equal(t, int32(1), atomic.LoadInt32(&tool.calls))

	// Second provider call saw the tool result message
	require.Len(t, llm.history, 2)
	second := llm.history[1]
	last := second[len(second)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Equal(t, "3 results", last.Content)
	assert.Equal(t, "c1", last.ToolCallID)
}

func TestExecute_LoopTruncatesAtRoundBound(t *testing.T) {
	// Provider asks for a tool on every round, forever
	llm := &scriptedLLM{steps: []scriptedStep{
		{text: "working on it", toolCalls: []llms.ToolCall{{ID: "c", Name: "search"}}},
	}}
	tool := &testTool{name: "search", content: "ok"}
	f := newFixture(t, llm, fixtureOpts{maxRounds: 3, tools: []*testTool{tool}})

	answer, trace, err := f.orch.Execute(context.Background(), "s1", "loop")
	require.NoError(t, err)
	assert.True(t, answer.Truncated, "hitting the round bound must set the truncation marker")
	assert.Equal(t, "working on it", answer.Text, "best partial answer is returned")
	assert.Equal(t, 3, trace.ToolRounds)
	assert.Equal(t, 3, llm.callCount())
}

func TestExecute_ToolFailureContinuesLoop(t *testing.T) {
	llm := &scriptedLLM{steps: []scriptedStep{
		{toolCalls: []llms.ToolCall{{ID: "c1", Name: "boom"}}},
		{text: "worked around it"},
	}}
	tool := &testTool{name: "boom", fail: true}
	f := newFixture(t, llm, fixtureOpts{tools: []*testTool{tool}})

	answer, trace, err := f.orch.Execute(context.Background(), "s1", "try the tool")
	require.NoError(t, err, "a failed tool must not fail the request while rounds remain")
	assert.Equal(t, "worked around it", answer.Text)
	assert.Equal(t, 1, trace.ToolFailures)
	assert.Equal(t, int32(1), atomic.LoadInt32(&tool.calls), "non-idempotent tool gets no retries")

	// The provider was told about the failure
	second := llm.history[1]
	last := second[len(second)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Contains(t, last.Content, "Tool error")
}

func TestExecute_ProviderErrorFailsRequest(t *testing.T) {
	llm := &scriptedLLM{steps: []scriptedStep{{err: errors.New("provider down")}}}
	f := newFixture(t, llm, fixtureOpts{})

	_, trace, err := f.orch.Execute(context.Background(), "s1", "hello")
	require.Error(t, err)
	assert.Equal(t, StateFailed, trace.State)

	// Failed requests leave history untouched
	window, err := f.sessions.GetContext("s1")
	require.NoError(t, err)
	assert.True(t, window.IsEmpty())
}

func TestExecute_TimeoutAppendsNoTurns(t *testing.T) {
	llm := &scriptedLLM{
		steps: []scriptedStep{{text: "too late"}},
		block: make(chan struct{}), // never released, provider hangs
	}
	f := newFixture(t, llm, fixtureOpts{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, _, err := f.orch.Execute(ctx, "s1", "hello")
	require.Error(t, err)

	window, err := f.sessions.GetContext("s1")
	require.NoError(t, err)
	assert.True(t, window.IsEmpty(), "a timed-out request must not mutate session history")
}

func TestExecute_CacheSingleFlight(t *testing.T) {
	release := make(chan struct{})
	llm := &scriptedLLM{
		steps: []scriptedStep{{text: "computed once"}},
		block: release,
	}
	f := newFixture(t, llm, fixtureOpts{cacheTTL: time.Minute})

	var wg sync.WaitGroup
	answers := make([]*Answer, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			answer, _, err := f.orch.Execute(context.Background(), "s1", "same question")
			assert.NoError(t, err)
			answers[i] = answer
		}(i)
	}

	// Give both requests time to reach the provider gate, then release
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, llm.callCount(), "identical fingerprints share one provider call")
	require.NotNil(t, answers[0])
	require.NotNil(t, answers[1])
	assert.Equal(t, answers[0].Text, answers[1].Text)
}

func TestExecute_CacheHitSkipsProvider(t *testing.T) {
	llm := &scriptedLLM{steps: []scriptedStep{{text: "cached answer"}}}
	f := newFixture(t, llm, fixtureOpts{cacheTTL: time.Minute})

	// Use distinct sessions so the context digest stays identical
	first, trace1, err := f.orch.Execute(context.Background(), "a", "what is it?")
	require.NoError(t, err)
	assert.False(t, trace1.CacheHit)

	second, trace2, err := f.orch.Execute(context.Background(), "b", "what is it?")
	require.NoError(t, err)
	assert.True(t, trace2.CacheHit)
	assert.Equal(t, first.Text, second.Text)
	assert.Equal(t, 1, llm.callCount())
}

func TestExecuteStreaming_EmitsIncrements(t *testing.T) {
	llm := &scriptedLLM{steps: []scriptedStep{{text: "streamed answer"}}}
	f := newFixture(t, llm, fixtureOpts{})

	chunks, err := f.orch.ExecuteStreaming(context.Background(), "s1", "stream it")
	require.NoError(t, err)

	var text string
	var sawDone bool
	var textChunks int
	for chunk := range chunks {
		switch chunk.Type {
		case llms.ChunkTypeText:
			text += chunk.Text
			textChunks++
		case llms.ChunkTypeDone:
			sawDone = true
		case llms.ChunkTypeError:
			t.Fatalf("unexpected error chunk: %v", chunk.Error)
		}
	}

	assert.Equal(t, "streamed answer", text)
	assert.GreaterOrEqual(t, textChunks, 2, "streaming surfaces partial increments")
	assert.True(t, sawDone)
}

func TestExecuteStreaming_CachedAnswerReplayedWhole(t *testing.T) {
	llm := &scriptedLLM{steps: []scriptedStep{{text: "replayed"}}}
	f := newFixture(t, llm, fixtureOpts{cacheTTL: time.Minute})

	_, _, err := f.orch.Execute(context.Background(), "a", "question")
	require.NoError(t, err)

	chunks, err := f.orch.ExecuteStreaming(context.Background(), "b", "question")
	require.NoError(t, err)

	var text string
	for chunk := range chunks {
		if chunk.Type == llms.ChunkTypeText {
			text += chunk.Text
		}
	}
	assert.Equal(t, "replayed", text)
	assert.Equal(t, 1, llm.callCount())
}

func TestExecute_EmptyInputsRejected(t *testing.T) {
	llm := &scriptedLLM{steps: []scriptedStep{{text: "x"}}}
	f := newFixture(t, llm, fixtureOpts{})

	_, _, err := f.orch.Execute(context.Background(), "", "query")
	assert.Error(t, err)

	_, _, err = f.orch.Execute(context.Background(), "s1", "   ")
	assert.Error(t, err)
}

// stateCapturingStore records when the cache write happens relative to
// the request lifecycle
type stateCapturingStore struct {
	cache.Store
	onSet func()
}

func (s *stateCapturingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.onSet()
	return s.Store.Set(ctx, key, value, ttl)
}

func TestGenerateCached_StoresAnswerDuringCachingState(t *testing.T) {
	llm := &scriptedLLM{steps: []scriptedStep{{text: "the answer"}}}
	f := newFixture(t, llm, fixtureOpts{})

	trace := &RequestTrace{State: StateGenerating}
	var stateAtStore string
	store := &stateCapturingStore{
		Store: cache.NewMemoryStore(),
		onSet: func() { stateAtStore = trace.State },
	}
	responseCache, err := cache.NewWithStore(store, time.Minute)
	require.NoError(t, err)
	f.orch.cache = responseCache

	profile := agent.Profile{ID: "general", Instructions: "Answer briefly."}
	answer, err := f.orch.generateCached(context.Background(), trace, profile, session.ContextWindow{}, "question", "question", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "the answer", answer.Text)
	assert.Equal(t, StateCaching, stateAtStore, "the answer is persisted in the caching phase, not mid-generation")
}
