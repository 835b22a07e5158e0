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

package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/kadirpekel/sage/config"
)

// ErrCircuitOpen is returned when a source's circuit breaker rejects a call
var ErrCircuitOpen = errors.New("tool source circuit is open")

// Invoker executes tool calls against the registry. Idempotent tools are
// retried with exponential backoff; non-idempotent tools get exactly one
// attempt. Every attempt outcome feeds the source's circuit breaker.
type Invoker struct {
	registry   *ToolRegistry
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewInvoker creates a tool invoker
func NewInvoker(reg *ToolRegistry, cfg *config.InvokerConfig) (*Invoker, error) {
	if reg == nil {
		return nil, fmt.Errorf("tool registry cannot be nil")
	}
	c := config.InvokerConfig{}
	if cfg != nil {
		c = *cfg
	}
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid invoker config: %w", err)
	}

	return &Invoker{
		registry:   reg,
		maxRetries: c.MaxRetries,
		baseDelay:  time.Duration(c.RetryDelay) * time.Second,
		maxDelay:   time.Duration(c.MaxDelay) * time.Second,
	}, nil
}

// Invoke executes a tool call and tracks its lifecycle through the
// invocation states. The returned result always carries the terminal
// state and attempt count, including on error.
func (inv *Invoker) Invoke(ctx context.Context, call ToolCall) (ToolResult, error) {
	result := ToolResult{
		ToolName: call.Name,
		State:    StatePending,
	}

	entry, exists := inv.registry.Get(call.Name)
	if !exists {
		result.State = StateFailed
		result.Error = fmt.Sprintf("tool %s not found", call.Name)
		return result, NewToolRegistryError("Invoker", "Invoke", result.Error, nil)
	}

	sourceName := entry.Source.GetName()
	breaker, _ := inv.registry.Breaker(sourceName)

	info := entry.Tool.GetInfo()
	maxAttempts := 1
	if info.Idempotent {
		maxAttempts = inv.maxRetries + 1
	}

	started := time.Now()
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if breaker != nil && !breaker.Allow() {
			result.State = StateFailed
			result.Error = ErrCircuitOpen.Error()
			result.Attempts = attempt
			result.ExecutionTime = time.Since(started)
			return result, fmt.Errorf("source %s: %w", sourceName, ErrCircuitOpen)
		}

		if attempt > 0 {
			delay := inv.backoff(attempt - 1)
			slog.Debug("Retrying tool call",
				"tool", call.Name,
				"attempt", attempt+1,
				"delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				result.State = StateFailed
				result.Error = ctx.Err().Error()
				result.Attempts = attempt
				result.ExecutionTime = time.Since(started)
				return result, ctx.Err()
			}
		}

		result.State = StateExecuting
		result.Attempts = attempt + 1

		state, toolResult, err := inv.attempt(ctx, entry.Tool, info, call)
		if err == nil {
			if breaker != nil {
				breaker.RecordSuccess()
			}
			toolResult.ToolName = call.Name
			toolResult.State = StateSucceeded
			toolResult.Attempts = attempt + 1
			toolResult.ExecutionTime = time.Since(started)
			return toolResult, nil
		}

		if breaker != nil {
			breaker.RecordFailure()
		}
		result.State = state
		lastErr = err

		// The parent context is shared with the whole request; once it is
		// done further attempts cannot succeed.
		if ctx.Err() != nil {
			break
		}
	}

	result.Success = false
	result.Error = lastErr.Error()
	result.ExecutionTime = time.Since(started)
	return result, fmt.Errorf("tool %s failed after %d attempt(s): %w", call.Name, result.Attempts, lastErr)
}

// attempt runs one execution bounded by the tool's timeout
func (inv *Invoker) attempt(ctx context.Context, tool Tool, info ToolInfo, call ToolCall) (InvocationState, ToolResult, error) {
	attemptCtx := ctx
	var cancel context.CancelFunc
	if info.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, info.Timeout)
		defer cancel()
	}

	toolResult, err := tool.Execute(attemptCtx, call.Arguments)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return StateTimedOut, toolResult, fmt.Errorf("tool %s timed out: %w", call.Name, err)
		}
		return StateFailed, toolResult, err
	}

	if !toolResult.Success {
		errMsg := toolResult.Error
		if errMsg == "" {
			errMsg = "tool reported failure"
		}
		return StateFailed, toolResult, errors.New(errMsg)
	}

	return StateSucceeded, toolResult, nil
}

// backoff computes the delay before retry n with a uniform +/-10% jitter
func (inv *Invoker) backoff(n int) time.Duration {
	delay := time.Duration(math.Pow(2, float64(n))) * inv.baseDelay
	jitter := time.Duration((rand.Float64()*0.2 - 0.1) * float64(delay))
	delay += jitter
	if delay > inv.maxDelay {
		delay = inv.maxDelay
	}
	return delay
}
