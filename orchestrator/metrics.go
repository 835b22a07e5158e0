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

package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates Prometheus instruments for the request pipeline
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	RetrievalDegraded prometheus.Counter
	RetrievalEmpty    prometheus.Counter
	CacheHits         prometheus.Counter
	CacheMisses       prometheus.Counter
	ToolInvocations   *prometheus.CounterVec
	ToolRetries       prometheus.Counter
	LoopTruncations   prometheus.Counter
	TokensTotal       *prometheus.CounterVec
}

// NewMetrics registers the pipeline instruments against reg.
// Pass prometheus.DefaultRegisterer for the process-global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sage",
			Name:      "requests_total",
			Help:      "Orchestrated requests by terminal state.",
		}, []string{"state", "agent"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sage",
			Name:      "request_duration_seconds",
			Help:      "End-to-end request latency.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"agent"}),
		RetrievalDegraded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sage",
			Name:      "retrieval_degraded_total",
			Help:      "Retrievals where exactly one branch failed.",
		}),
		RetrievalEmpty: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sage",
			Name:      "retrieval_unavailable_total",
			Help:      "Retrievals where both branches failed.",
		}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sage",
			Name:      "cache_hits_total",
			Help:      "Answers served from the response cache.",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sage",
			Name:      "cache_misses_total",
			Help:      "Requests that computed a fresh answer.",
		}),
		ToolInvocations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sage",
			Name:      "tool_invocations_total",
			Help:      "Tool invocations by tool name and outcome.",
		}, []string{"tool", "state"}),
		ToolRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sage",
			Name:      "tool_retries_total",
			Help:      "Extra attempts beyond the first per tool call.",
		}),
		LoopTruncations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sage",
			Name:      "loop_truncations_total",
			Help:      "Tool-use loops terminated at the round bound.",
		}),
		TokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sage",
			Name:      "tokens_total",
			Help:      "Provider token usage by kind.",
		}, []string{"kind"}),
	}
}

// observeTool records one tool invocation's outcome and retry count
func (m *Metrics) observeTool(tool, state string, attempts int) {
	if m == nil {
		return
	}

	if state == "" {
		state = "failed"
	}
	m.ToolInvocations.WithLabelValues(tool, state).Inc()
	if attempts > 1 {
		m.ToolRetries.Add(float64(attempts - 1))
	}
}

// observe records a completed request's trace
func (m *Metrics) observe(trace *RequestTrace) {
	if m == nil {
		return
	}

	m.RequestsTotal.WithLabelValues(trace.State, trace.AgentID).Inc()
	m.RequestDuration.WithLabelValues(trace.AgentID).Observe(trace.Duration().Seconds())

	if trace.RetrievalDegraded {
		m.RetrievalDegraded.Inc()
	}
	if trace.RetrievalEmpty {
		m.RetrievalEmpty.Inc()
	}
	if trace.CacheHit {
		m.CacheHits.Inc()
	} else if trace.State == StateCompleted {
		m.CacheMisses.Inc()
	}
	if trace.Truncated {
		m.LoopTruncations.Inc()
	}
	if trace.Usage.PromptTokens > 0 {
		m.TokensTotal.WithLabelValues("prompt").Add(float64(trace.Usage.PromptTokens))
	}
	if trace.Usage.CompletionTokens > 0 {
		m.TokensTotal.WithLabelValues("completion").Add(float64(trace.Usage.CompletionTokens))
	}
}
