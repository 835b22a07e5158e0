// Package sage is an embeddable query orchestration pipeline for
// retrieval-augmented chat.
//
// Sage composes five services into one request lifecycle: a session
// context manager that keeps bounded conversational history and
// reformulates follow-up questions into standalone queries, a hybrid
// retrieval engine that fuses semantic and lexical search with optional
// reranking, an agent router that maps each query to a profile of
// instructions and permitted tools, a tool registry and invoker with
// retries and per-source circuit breaking, and a single-flight response
// cache.
//
// # Quick Start
//
// Configure the pipeline in YAML:
//
//	llms:
//	  gpt-4o:
//	    type: "openai"
//	    model: "gpt-4o-mini"
//	    api_key: "${OPENAI_API_KEY}"
//
//	embedders:
//	  default:
//	    type: "openai"
//	    api_key: "${OPENAI_API_KEY}"
//
//	databases:
//	  default:
//	    type: "chromem"
//	    path: "./data/vectors"
//
//	session:
//	  reformulate: true
//
//	cache:
//	  enabled: true
//
// Assemble it and ask:
//
//	pipeline, err := sage.NewFromFile("sage.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer pipeline.Close()
//
//	answer, _, err := pipeline.Ask(ctx, "session-1", "What is the refund window?")
//
// Streaming uses the same lifecycle:
//
//	chunks, err := pipeline.AskStreaming(ctx, "session-1", "And for digital goods?")
//	for chunk := range chunks {
//		fmt.Print(chunk.Text)
//	}
//
// Each request flows through reformulation, routing, optional
// retrieval, a bounded tool-use loop against the language model, and
// caching. Degraded conditions (a failed retrieval branch, a tripped
// tool circuit) are absorbed and recorded in the request trace rather
// than failing the request.
//
// Individual packages (retrieval, session, tools, cache, orchestrator)
// can also be used directly when an application needs only part of the
// pipeline.
package sage
