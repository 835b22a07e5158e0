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

package sage

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/kadirpekel/sage/agent"
	"github.com/kadirpekel/sage/cache"
	"github.com/kadirpekel/sage/config"
	"github.com/kadirpekel/sage/databases"
	"github.com/kadirpekel/sage/embedders"
	"github.com/kadirpekel/sage/llms"
	"github.com/kadirpekel/sage/logger"
	"github.com/kadirpekel/sage/orchestrator"
	"github.com/kadirpekel/sage/retrieval"
	"github.com/kadirpekel/sage/session"
	"github.com/kadirpekel/sage/tools"
)

// Pipeline is the assembled query orchestration pipeline. Construct it
// once from configuration and share it across requests; all methods are
// safe for concurrent use.
type Pipeline struct {
	config       *config.Config
	llm          llms.LLMProvider
	sessions     *session.Service
	retriever    *retrieval.Engine
	registry     *tools.ToolRegistry
	cache        *cache.ResponseCache
	orchestrator *orchestrator.Orchestrator

	logCleanup func()
	closers    []func() error
}

// NewFromFile loads configuration from a YAML file and assembles the
// pipeline.
func NewFromFile(path string) (*Pipeline, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return New(cfg)
}

// New assembles the pipeline from an already validated configuration
func New(cfg *config.Config) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	p := &Pipeline{config: cfg}
	if err := p.build(); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) build() error {
	cfg := p.config

	if err := p.initLogging(); err != nil {
		return err
	}

	// LLM provider
	llmName, llmCfg, err := pickProvider(cfg.LLMs, "llm")
	if err != nil {
		return err
	}
	llmRegistry := llms.NewLLMRegistry()
	llm, err := llmRegistry.CreateLLMFromConfig(llmName, llmCfg)
	if err != nil {
		return fmt.Errorf("failed to create LLM provider: %w", err)
	}
	p.llm = llm
	p.closers = append(p.closers, llm.Close)

	// Session service
	var reformulateLLM llms.LLMProvider
	if cfg.Session.Reformulate {
		reformulateLLM = llm
	}
	sessions, err := session.NewService(&cfg.Session, reformulateLLM)
	if err != nil {
		return fmt.Errorf("failed to create session service: %w", err)
	}
	p.sessions = sessions
	p.closers = append(p.closers, sessions.Close)

	// Retrieval engine, enabled only when an embedder and a database
	// are both configured
	if len(cfg.Embedders) > 0 && len(cfg.Databases) > 0 {
		if err := p.buildRetrieval(); err != nil {
			return err
		}
	}

	// Tools
	var invoker *tools.Invoker
	if len(cfg.Tools.Sources) > 0 {
		registry, err := tools.NewToolRegistryWithConfig(&cfg.Tools)
		if err != nil {
			return fmt.Errorf("failed to create tool registry: %w", err)
		}
		p.registry = registry

		invoker, err = tools.NewInvoker(registry, &cfg.Tools.Invoker)
		if err != nil {
			return fmt.Errorf("failed to create tool invoker: %w", err)
		}
	}

	// Router
	profiles, err := agent.NewProfileStore(&cfg.Router)
	if err != nil {
		return fmt.Errorf("failed to create profile store: %w", err)
	}
	var classifier llms.LLMProvider
	if cfg.Router.LLMClassifier {
		classifier = llm
	}
	router, err := agent.NewRouter(&cfg.Router, profiles, classifier)
	if err != nil {
		return fmt.Errorf("failed to create router: %w", err)
	}

	// Response cache (nil when disabled)
	responseCache, err := cache.New(&cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to create response cache: %w", err)
	}
	p.cache = responseCache
	if responseCache != nil {
		p.closers = append(p.closers, responseCache.Close)
	}

	controller, err := orchestrator.NewOrchestrator(&cfg.Orchestrator, orchestrator.Dependencies{
		LLM:       llm,
		Sessions:  sessions,
		Router:    router,
		Retriever: p.retriever,
		Registry:  p.registry,
		Invoker:   invoker,
		Cache:     responseCache,
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	p.orchestrator = controller
	return nil
}

func (p *Pipeline) initLogging() error {
	logCfg := p.config.Global.Logging

	output := os.Stdout
	switch logCfg.Output {
	case "", "stdout":
	case "stderr":
		output = os.Stderr
	default:
		file, cleanup, err := logger.OpenLogFile(logCfg.Output)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
		p.logCleanup = cleanup
	}

	logger.Init(logger.ParseLevel(logCfg.Level), output, logCfg.Format)
	return nil
}

func (p *Pipeline) buildRetrieval() error {
	cfg := p.config

	embedderName, embedderCfg, err := pickProvider(cfg.Embedders, "embedder")
	if err != nil {
		return err
	}
	embedderRegistry := embedders.NewEmbedderRegistry()
	embedder, err := embedderRegistry.CreateEmbedderFromConfig(embedderName, embedderCfg)
	if err != nil {
		return fmt.Errorf("failed to create embedder: %w", err)
	}
	p.closers = append(p.closers, embedder.Close)

	dbName, dbCfg, err := pickProvider(cfg.Databases, "database")
	if err != nil {
		return err
	}
	dbRegistry := databases.NewDatabaseRegistry()
	database, err := dbRegistry.CreateDatabaseFromConfig(dbName, dbCfg)
	if err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}
	p.closers = append(p.closers, database.Close)

	lexical, err := retrieval.NewLexicalIndex()
	if err != nil {
		return fmt.Errorf("failed to create lexical index: %w", err)
	}
	p.closers = append(p.closers, lexical.Close)

	var reranker retrieval.Reranker
	if cfg.Retrieval.Rerank {
		reranker, err = retrieval.NewLLMReranker(p.llm)
		if err != nil {
			return fmt.Errorf("failed to create reranker: %w", err)
		}
	}

	engine, err := retrieval.NewEngine(&cfg.Retrieval, embedder, database, lexical, reranker)
	if err != nil {
		return fmt.Errorf("failed to create retrieval engine: %w", err)
	}
	p.retriever = engine
	return nil
}

// pickProvider resolves which named provider a single-provider pipeline
// uses: an explicit "default-<kind>" entry wins, a sole entry is used
// as-is, anything else is ambiguous.
func pickProvider[T any](providers map[string]T, kind string) (string, *T, error) {
	if len(providers) == 0 {
		return "", nil, fmt.Errorf("no %s configured", kind)
	}

	defaultName := "default-" + kind
	if cfg, ok := providers[defaultName]; ok {
		return defaultName, &cfg, nil
	}
	if len(providers) == 1 {
		for name, cfg := range providers {
			return name, &cfg, nil
		}
	}

	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return "", nil, fmt.Errorf("multiple %ss configured (%v); name one '%s'", kind, names, defaultName)
}

// Ask runs one query through the pipeline and returns the answer with
// its request trace.
func (p *Pipeline) Ask(ctx context.Context, sessionID, query string) (*orchestrator.Answer, *orchestrator.RequestTrace, error) {
	return p.orchestrator.Execute(ctx, sessionID, query)
}

// AskStreaming runs one query, streaming the answer as it is generated
func (p *Pipeline) AskStreaming(ctx context.Context, sessionID, query string) (<-chan llms.StreamChunk, error) {
	return p.orchestrator.ExecuteStreaming(ctx, sessionID, query)
}

// Index adds documents to both retrieval branches. Returns an error
// when retrieval is not configured.
func (p *Pipeline) Index(ctx context.Context, docs ...retrieval.Document) error {
	if p.retriever == nil {
		return fmt.Errorf("retrieval is not configured")
	}
	for _, doc := range docs {
		if err := p.retriever.Index(ctx, doc); err != nil {
			return fmt.Errorf("failed to index document %s: %w", doc.ID, err)
		}
	}
	return nil
}

// DeleteDocument removes a document from both retrieval branches
func (p *Pipeline) DeleteDocument(ctx context.Context, id string) error {
	if p.retriever == nil {
		return fmt.Errorf("retrieval is not configured")
	}
	return p.retriever.Delete(ctx, id)
}

// RegisterLocalTool adds a tool to the pipeline's local tool source
func (p *Pipeline) RegisterLocalTool(tool tools.Tool) error {
	if p.registry == nil {
		return fmt.Errorf("tools are not configured")
	}

	source, exists := p.registry.Source("local")
	if !exists {
		return fmt.Errorf("no local tool source configured")
	}
	local, ok := source.(*tools.LocalToolSource)
	if !ok {
		return fmt.Errorf("source 'local' is not a local tool source")
	}
	if err := local.RegisterTool(tool); err != nil {
		return err
	}
	return p.registry.DiscoverAllTools(context.Background())
}

// Sessions exposes the session service for history management
func (p *Pipeline) Sessions() *session.Service {
	return p.sessions
}

// Close releases every component the pipeline owns
func (p *Pipeline) Close() error {
	var firstErr error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.logCleanup != nil {
		p.logCleanup()
	}
	return firstErr
}
