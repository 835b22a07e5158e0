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
	"log/slog"
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state for one tool source
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreaker guards a single tool source. Consecutive failures past
// the threshold open the circuit; after the cooldown one probe call is
// admitted and its outcome decides between closing and reopening.
type CircuitBreaker struct {
	source    string
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewCircuitBreaker creates a closed breaker for a tool source
func NewCircuitBreaker(source string, threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		source:    source,
		threshold: threshold,
		cooldown:  cooldown,
		state:     BreakerClosed,
	}
}

// Allow reports whether a call may proceed. In the half-open state only
// one probe is admitted at a time.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return true

	case BreakerOpen:
		if time.Since(cb.openedAt) >= cb.cooldown {
			cb.state = BreakerHalfOpen
			cb.probing = true
			slog.Debug("Circuit breaker half-open, admitting probe", "source", cb.source)
			return true
		}
		return false

	case BreakerHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	}

	return false
}

// RecordSuccess closes the circuit and resets the failure count
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != BreakerClosed {
		slog.Info("Circuit breaker closed", "source", cb.source)
	}
	cb.state = BreakerClosed
	cb.failures = 0
	cb.probing = false
}

// RecordFailure counts a failure; at the threshold (or on a failed probe)
// the circuit opens for the cooldown period.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.probing = false

	if cb.state == BreakerHalfOpen || cb.failures >= cb.threshold {
		if cb.state != BreakerOpen {
			slog.Warn("Circuit breaker opened",
				"source", cb.source,
				"failures", cb.failures,
				"cooldown", cb.cooldown)
		}
		cb.state = BreakerOpen
		cb.openedAt = time.Now()
	}
}

// Available reports whether the source should be advertised to callers.
// An open circuit still inside its cooldown window is unavailable.
func (cb *CircuitBreaker) Available() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerOpen {
		return time.Since(cb.openedAt) >= cb.cooldown
	}
	return true
}

// State returns the current breaker state
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
