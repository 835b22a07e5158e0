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

// Package orchestrator composes the session manager, router, retrieval
// engine, tool invoker, and response cache into one request lifecycle:
// reformulate, route, retrieve, generate with a bounded tool-use loop,
// cache, and return.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/sage/agent"
	"github.com/kadirpekel/sage/cache"
	"github.com/kadirpekel/sage/config"
	"github.com/kadirpekel/sage/llms"
	"github.com/kadirpekel/sage/retrieval"
	"github.com/kadirpekel/sage/session"
	"github.com/kadirpekel/sage/tools"
	"github.com/kadirpekel/sage/utils"
)

// contextTokenBudget bounds how much session history rides along with
// each provider call. Oldest entries are dropped first.
const contextTokenBudget = 6000

const answerContextTemplate = `%s

Use the following retrieved context to answer the question. Base your answer on the context where it is relevant, and say so when the context does not cover the question.

Context:
%s`

// Dependencies are the collaborators injected into the controller.
// Retriever, Registry/Invoker, Cache, and Metrics are optional; a nil
// value disables that concern.
type Dependencies struct {
	LLM       llms.LLMProvider
	Sessions  *session.Service
	Router    *agent.Router
	Retriever *retrieval.Engine
	Registry  *tools.ToolRegistry
	Invoker   *tools.Invoker
	Cache     *cache.ResponseCache
	Metrics   *Metrics
}

// Orchestrator drives the request lifecycle. Each request runs on its
// own goroutine with a single end-to-end deadline; no global lock
// serializes unrelated requests.
type Orchestrator struct {
	config    *config.OrchestratorConfig
	llm       llms.LLMProvider
	sessions  *session.Service
	router    *agent.Router
	retriever *retrieval.Engine
	registry  *tools.ToolRegistry
	invoker   *tools.Invoker
	cache     *cache.ResponseCache
	metrics   *Metrics
	tokens    *utils.TokenCounter
	tracer    oteltrace.Tracer
}

// NewOrchestrator creates the orchestration controller
func NewOrchestrator(cfg *config.OrchestratorConfig, deps Dependencies) (*Orchestrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("orchestrator config is required")
	}
	if deps.LLM == nil {
		return nil, fmt.Errorf("LLM provider is required")
	}
	if deps.Sessions == nil {
		return nil, fmt.Errorf("session service is required")
	}
	if deps.Router == nil {
		return nil, fmt.Errorf("router is required")
	}
	if (deps.Registry == nil) != (deps.Invoker == nil) {
		return nil, fmt.Errorf("tool registry and invoker must be provided together")
	}

	o := &Orchestrator{
		config:    cfg,
		llm:       deps.LLM,
		sessions:  deps.Sessions,
		router:    deps.Router,
		retriever: deps.Retriever,
		registry:  deps.Registry,
		invoker:   deps.Invoker,
		cache:     deps.Cache,
		metrics:   deps.Metrics,
	}
	// Counter failures degrade to character-based estimation
	if counter, err := utils.NewTokenCounter(deps.LLM.GetModelName()); err == nil {
		o.tokens = counter
	}
	if cfg.Tracing {
		o.tracer = otel.Tracer("github.com/kadirpekel/sage/orchestrator")
	}
	return o, nil
}

// Execute runs one request to completion and returns the answer
func (o *Orchestrator) Execute(ctx context.Context, sessionID, rawQuery string) (*Answer, *RequestTrace, error) {
	return o.execute(ctx, sessionID, rawQuery, nil)
}

// ExecuteStreaming runs one request, streaming text increments as they
// arrive. Cached answers (and answers computed by a concurrent caller
// sharing the same fingerprint) arrive as a single text chunk. The
// channel is closed after a final done or error chunk.
func (o *Orchestrator) ExecuteStreaming(ctx context.Context, sessionID, rawQuery string) (<-chan llms.StreamChunk, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("sessionID cannot be empty")
	}

	out := make(chan llms.StreamChunk, 64)
	sink := &streamSink{ch: out}

	go func() {
		defer close(out)

		answer, _, err := o.execute(ctx, sessionID, rawQuery, sink)
		if err != nil {
			out <- llms.StreamChunk{Type: llms.ChunkTypeError, Error: err}
			return
		}
		if !sink.didEmit() && answer.Text != "" {
			out <- llms.StreamChunk{Type: llms.ChunkTypeText, Text: answer.Text}
		}
		out <- llms.StreamChunk{Type: llms.ChunkTypeDone, Usage: answer.Usage}
	}()

	return out, nil
}

func (o *Orchestrator) execute(ctx context.Context, sessionID, rawQuery string, sink *streamSink) (*Answer, *RequestTrace, error) {
	if sessionID == "" {
		return nil, nil, fmt.Errorf("sessionID cannot be empty")
	}
	if strings.TrimSpace(rawQuery) == "" {
		return nil, nil, fmt.Errorf("query cannot be empty")
	}

	trace := &RequestTrace{
		RequestID: uuid.New().String(),
		SessionID: sessionID,
		RawQuery:  rawQuery,
		State:     StateReceived,
		StartedAt: time.Now(),
	}

	if o.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(o.config.RequestTimeout)*time.Second)
		defer cancel()
	}

	ctx, span := o.startSpan(ctx, "request",
		attribute.String("request.id", trace.RequestID),
		attribute.String("session.id", sessionID))
	defer span.End()

	answer, err := o.run(ctx, trace, sessionID, rawQuery, sink)
	trace.CompletedAt = time.Now()

	if err != nil {
		trace.State = StateFailed
		trace.Error = err.Error()
		o.metrics.observe(trace)
		slog.Error("Request failed",
			"request", trace.RequestID,
			"session", sessionID,
			"state", trace.State,
			"error", err)
		return nil, trace, err
	}

	trace.State = StateCompleted
	o.metrics.observe(trace)
	slog.Info("Request completed",
		"request", trace.RequestID,
		"session", sessionID,
		"agent", trace.AgentID,
		"cache_hit", trace.CacheHit,
		"tool_rounds", trace.ToolRounds,
		"duration", trace.Duration())
	return answer, trace, nil
}

func (o *Orchestrator) run(ctx context.Context, trace *RequestTrace, sessionID, rawQuery string, sink *streamSink) (*Answer, error) {
	// Reformulating
	trace.State = StateReformulating
	window, err := o.sessions.GetContext(sessionID)
	if err != nil {
		slog.Warn("Failed to load session context, proceeding without history",
			"session", sessionID, "error", err)
		window = session.ContextWindow{SessionID: sessionID}
	}
	window = o.trimWindow(window)
	standalone := o.reformulate(ctx, sessionID, rawQuery)
	trace.StandaloneQuery = standalone

	// Routing
	trace.State = StateRouting
	profile := o.router.SelectAgent(ctx, standalone)
	trace.AgentID = profile.ID

	// Retrieving (skipped entirely when the profile disables it)
	var chunks []retrieval.RetrievedChunk
	if profile.Retrieval && o.retriever != nil {
		trace.State = StateRetrieving
		chunks = o.retrieve(ctx, trace, standalone)
	}
	trace.EvidenceCount = len(chunks)

	// Generating + Caching
	trace.State = StateGenerating
	answer, err := o.generateCached(ctx, trace, profile, window, rawQuery, standalone, chunks, sink)
	if err != nil {
		return nil, err
	}

	// A timed-out request must leave session history untouched
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("request deadline exceeded: %w", ctxErr)
	}

	trace.State = StateCaching
	o.appendTurns(sessionID, rawQuery, answer)
	return answer, nil
}

func (o *Orchestrator) reformulate(ctx context.Context, sessionID, rawQuery string) string {
	ctx, span := o.startSpan(ctx, "reformulate")
	defer span.End()
	return o.sessions.Reformulate(ctx, sessionID, rawQuery)
}

func (o *Orchestrator) retrieve(ctx context.Context, trace *RequestTrace, query string) []retrieval.RetrievedChunk {
	ctx, span := o.startSpan(ctx, "retrieve")
	defer span.End()

	chunks, degraded, err := o.retriever.Search(ctx, query)
	trace.RetrievalDegraded = degraded
	if err != nil {
		// Treated as "no context", never fatal
		trace.RetrievalEmpty = true
		slog.Warn("Retrieval unavailable, proceeding without evidence", "error", err)
		return nil
	}
	if len(chunks) == 0 && degraded {
		trace.RetrievalEmpty = true
	}
	return chunks
}

// generateCached wraps the tool-use loop in the response cache when one
// is configured. Identical fingerprints share a single computation.
func (o *Orchestrator) generateCached(ctx context.Context, trace *RequestTrace, profile agent.Profile, window session.ContextWindow, rawQuery, standalone string, chunks []retrieval.RetrievedChunk, sink *streamSink) (*Answer, error) {
	if o.cache == nil {
		return o.generate(ctx, trace, profile, window, rawQuery, chunks, sink)
	}

	fingerprint := Fingerprint(standalone, ContextDigest(window), profile.ID, RetrievalDigest(chunks))

	payload, hit, err := o.cache.GetOrCompute(ctx, fingerprint, func(cctx context.Context) ([]byte, error) {
		answer, genErr := o.generate(cctx, trace, profile, window, rawQuery, chunks, sink)
		if genErr != nil {
			return nil, genErr
		}
		// The store runs right after this returns
		trace.State = StateCaching
		return json.Marshal(answer)
	})
	if err != nil {
		return nil, err
	}

	var answer Answer
	if err := json.Unmarshal(payload, &answer); err != nil {
		return nil, fmt.Errorf("failed to decode cached answer: %w", err)
	}
	answer.Cached = hit
	trace.CacheHit = hit
	if hit {
		trace.AgentID = answer.AgentID
		trace.Usage = answer.Usage
	}
	return &answer, nil
}

// generate runs the tool-use loop until the provider produces a final
// message or the round bound is hit.
func (o *Orchestrator) generate(ctx context.Context, trace *RequestTrace, profile agent.Profile, window session.ContextWindow, rawQuery string, chunks []retrieval.RetrievedChunk, sink *streamSink) (*Answer, error) {
	ctx, span := o.startSpan(ctx, "generate", attribute.String("agent.id", profile.ID))
	defer span.End()

	messages := buildMessages(profile, window, rawQuery, chunks)
	toolDefs := o.toolDefinitions(ctx, profile)

	answer := &Answer{
		AgentID:    profile.ID,
		Provenance: provenanceOf(chunks),
	}
	var usage llms.Usage
	var lastText string

	for round := 0; round < o.config.MaxToolRounds; round++ {
		trace.ToolRounds = round + 1

		text, toolCalls, roundUsage, err := o.generateRound(ctx, messages, toolDefs, sink)
		if err != nil {
			return nil, fmt.Errorf("provider call failed: %w", err)
		}
		usage.Add(roundUsage)
		if text != "" {
			lastText = text
		}

		if len(toolCalls) == 0 {
			answer.Text = text
			answer.Usage = usage
			trace.Usage = usage
			return answer, nil
		}

		messages = append(messages, llms.Message{
			Role:      "assistant",
			Content:   text,
			ToolCalls: toolCalls,
		})
		for _, toolCall := range toolCalls {
			messages = append(messages, o.invokeTool(ctx, trace, answer, toolCall))
		}

		if ctx.Err() != nil {
			return nil, fmt.Errorf("request cancelled during tool round: %w", ctx.Err())
		}
	}

	// Round bound hit: return the best partial answer, marked truncated
	answer.Text = lastText
	answer.Truncated = true
	answer.Usage = usage
	trace.Truncated = true
	trace.Usage = usage
	slog.Warn("Tool-use loop truncated at round bound",
		"agent", profile.ID,
		"rounds", o.config.MaxToolRounds)
	return answer, nil
}

// generateRound makes one provider call, streaming when a sink is set
func (o *Orchestrator) generateRound(ctx context.Context, messages []llms.Message, toolDefs []llms.ToolDefinition, sink *streamSink) (string, []llms.ToolCall, llms.Usage, error) {
	if sink == nil {
		return o.llm.Generate(ctx, messages, toolDefs)
	}

	ch, err := o.llm.GenerateStreaming(ctx, messages, toolDefs)
	if err != nil {
		return "", nil, llms.Usage{}, err
	}

	var text strings.Builder
	var toolCalls []llms.ToolCall
	var usage llms.Usage
	for chunk := range ch {
		switch chunk.Type {
		case llms.ChunkTypeText:
			text.WriteString(chunk.Text)
			sink.emit(chunk)
		case llms.ChunkTypeToolCall:
			if chunk.ToolCall != nil {
				toolCalls = append(toolCalls, *chunk.ToolCall)
			}
		case llms.ChunkTypeDone:
			usage = chunk.Usage
		case llms.ChunkTypeError:
			return "", nil, usage, chunk.Error
		}
	}
	return text.String(), toolCalls, usage, nil
}

// invokeTool executes one requested tool call and renders its outcome
// as a tool message. Failures become tool-error messages so the model
// can choose an alternative action; they never fail the request here.
func (o *Orchestrator) invokeTool(ctx context.Context, trace *RequestTrace, answer *Answer, toolCall llms.ToolCall) llms.Message {
	ctx, span := o.startSpan(ctx, "tool", attribute.String("tool.name", toolCall.Name))
	defer span.End()

	answer.ToolsUsed = appendUnique(answer.ToolsUsed, toolCall.Name)
	trace.ToolsUsed = answer.ToolsUsed

	if o.invoker == nil {
		trace.ToolFailures++
		return toolErrorMessage(toolCall, "no tools are available")
	}

	result, err := o.invoker.Invoke(ctx, tools.ToolCall{
		ID:        toolCall.ID,
		Name:      toolCall.Name,
		Arguments: toolCall.Arguments,
	})
	o.metrics.observeTool(toolCall.Name, string(result.State), result.Attempts)

	if err != nil || !result.Success {
		trace.ToolFailures++
		reason := result.Error
		if reason == "" && err != nil {
			reason = err.Error()
		}
		slog.Warn("Tool invocation failed",
			"tool", toolCall.Name,
			"state", result.State,
			"attempts", result.Attempts,
			"error", reason)
		return toolErrorMessage(toolCall, reason)
	}

	return llms.Message{
		Role:       "tool",
		Content:    result.Content,
		ToolCallID: toolCall.ID,
		Name:       toolCall.Name,
	}
}

// toolDefinitions lists the reachable tools the profile permits
func (o *Orchestrator) toolDefinitions(ctx context.Context, profile agent.Profile) []llms.ToolDefinition {
	if o.registry == nil {
		return nil
	}

	var defs []llms.ToolDefinition
	for _, info := range o.registry.ListTools(ctx) {
		if !profile.AllowsTool(info.Name) {
			continue
		}
		defs = append(defs, llms.ToolDefinition{
			Name:        info.Name,
			Description: info.Description,
			Parameters:  info.Parameters,
		})
	}
	return defs
}

// appendTurns records the completed exchange in session history.
// Best-effort: a store failure is logged, not surfaced, since the
// answer has already been produced.
func (o *Orchestrator) appendTurns(sessionID, rawQuery string, answer *Answer) {
	if err := o.sessions.Append(sessionID, session.Turn{
		Role:    session.RoleUser,
		Content: rawQuery,
	}); err != nil {
		slog.Warn("Failed to append user turn", "session", sessionID, "error", err)
		return
	}
	if err := o.sessions.Append(sessionID, session.Turn{
		Role:    session.RoleAssistant,
		Content: answer.Text,
	}); err != nil {
		slog.Warn("Failed to append assistant turn", "session", sessionID, "error", err)
	}
}

func (o *Orchestrator) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	if o.tracer == nil {
		return ctx, oteltrace.SpanFromContext(ctx)
	}
	return o.tracer.Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// trimWindow drops the oldest context entries until the remainder fits
// the token budget. The newest entry is always kept.
func (o *Orchestrator) trimWindow(window session.ContextWindow) session.ContextWindow {
	entries := window.Entries
	total := 0
	keepFrom := len(entries)
	for i := len(entries) - 1; i >= 0; i-- {
		total += o.countTokens(entries[i].Text)
		if total > contextTokenBudget && keepFrom < len(entries) {
			break
		}
		keepFrom = i
	}
	if keepFrom > 0 {
		window.Entries = entries[keepFrom:]
	}
	return window
}

func (o *Orchestrator) countTokens(text string) int {
	if o.tokens != nil {
		return o.tokens.Count(text)
	}
	return utils.EstimateTokens(text)
}

// buildMessages assembles the provider conversation: system
// instructions (with evidence when present), the context window, and
// the user's query.
func buildMessages(profile agent.Profile, window session.ContextWindow, rawQuery string, chunks []retrieval.RetrievedChunk) []llms.Message {
	system := profile.Instructions
	if len(chunks) > 0 {
		system = fmt.Sprintf(answerContextTemplate, profile.Instructions, renderEvidence(chunks))
	}

	messages := []llms.Message{{Role: "system", Content: system}}
	for _, entry := range window.Entries {
		role := entry.Role
		// Historical tool turns read as assistant context
		if role == session.RoleTool {
			role = session.RoleAssistant
		}
		messages = append(messages, llms.Message{Role: role, Content: entry.Text})
	}
	return append(messages, llms.Message{Role: "user", Content: rawQuery})
}

func renderEvidence(chunks []retrieval.RetrievedChunk) string {
	var sb strings.Builder
	for i, chunk := range chunks {
		fmt.Fprintf(&sb, "[%d]", i+1)
		if chunk.Source != "" {
			fmt.Fprintf(&sb, " (%s)", chunk.Source)
		}
		sb.WriteString(" ")
		sb.WriteString(chunk.Content)
		sb.WriteString("\n\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func provenanceOf(chunks []retrieval.RetrievedChunk) []Provenance {
	if len(chunks) == 0 {
		return nil
	}
	provenance := make([]Provenance, 0, len(chunks))
	for _, chunk := range chunks {
		provenance = append(provenance, Provenance{
			ChunkID: chunk.ID,
			Source:  chunk.Source,
			Score:   chunk.CombinedScore,
		})
	}
	return provenance
}

func toolErrorMessage(toolCall llms.ToolCall, reason string) llms.Message {
	if reason == "" {
		reason = "unknown error"
	}
	return llms.Message{
		Role:       "tool",
		Content:    "Tool error: " + reason,
		ToolCallID: toolCall.ID,
		Name:       toolCall.Name,
	}
}

func appendUnique(list []string, value string) []string {
	for _, existing := range list {
		if existing == value {
			return list
		}
	}
	return append(list, value)
}

// streamSink forwards text chunks to a streaming caller and remembers
// whether anything was emitted, so cached answers can be replayed.
type streamSink struct {
	ch      chan llms.StreamChunk
	mu      sync.Mutex
	emitted bool
}

func (s *streamSink) emit(chunk llms.StreamChunk) {
	s.mu.Lock()
	s.emitted = true
	s.mu.Unlock()
	s.ch <- chunk
}

func (s *streamSink) didEmit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emitted
}
