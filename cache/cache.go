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

// Package cache provides the single-flight response cache: for any
// fingerprint at most one computation runs at a time, concurrent
// callers share its result, and only successes are stored.
package cache

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kadirpekel/sage/config"
)

// Store is the storage backend behind the response cache
type Store interface {
	// Get returns the cached payload, or false when absent or expired
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a payload with the given lifetime
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes an entry
	Delete(ctx context.Context, key string) error

	// Close releases backend resources
	Close() error
}

// computeLocker is implemented by stores that can coordinate a
// computation across processes. Coordination is best-effort: a held
// lock delays the local computation, it never blocks it for good.
type computeLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

const (
	computeLockTTL   = 30 * time.Second
	lockPollInterval = 200 * time.Millisecond
	lockPollBudget   = 2 * time.Second
)

// ComputeFunc produces the payload for a cache miss
type ComputeFunc func(ctx context.Context) ([]byte, error)

// ResponseCache deduplicates concurrent computations per fingerprint
// and caches successful results with a TTL.
type ResponseCache struct {
	store Store
	ttl   time.Duration
	group singleflight.Group
}

// New creates a response cache from configuration. Returns nil when
// caching is disabled.
func New(cfg *config.CacheConfig) (*ResponseCache, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	var store Store
	var err error
	switch cfg.Backend {
	case "redis":
		store, err = NewRedisStore(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
	default:
		store = NewMemoryStore()
	}

	return NewWithStore(store, time.Duration(cfg.TTL)*time.Second)
}

// NewWithStore creates a response cache over an existing store
func NewWithStore(store Store, ttl time.Duration) (*ResponseCache, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("ttl must be positive")
	}
	return &ResponseCache{store: store, ttl: ttl}, nil
}

// GetOrCompute returns the cached payload for fingerprint, or runs
// compute exactly once across concurrent callers. The bool reports a
// cache hit. Errors from compute are shared by waiting callers and
// never cached.
func (c *ResponseCache) GetOrCompute(ctx context.Context, fingerprint string, compute ComputeFunc) ([]byte, bool, error) {
	if cached, found, err := c.store.Get(ctx, fingerprint); err == nil && found {
		return cached, true, nil
	}

	type flightResult struct {
		payload []byte
		hit     bool
	}

	value, err, _ := c.group.Do(fingerprint, func() (interface{}, error) {
		// A concurrent caller may have stored the entry between our
		// miss and acquiring the flight.
		if cached, found, err := c.store.Get(ctx, fingerprint); err == nil && found {
			return flightResult{payload: cached, hit: true}, nil
		}

		if locker, ok := c.store.(computeLocker); ok {
			acquired, lockErr := locker.TryLock(ctx, fingerprint, computeLockTTL)
			switch {
			case lockErr == nil && acquired:
				defer func() {
					_ = locker.Unlock(context.WithoutCancel(ctx), fingerprint)
				}()
			case lockErr == nil && !acquired:
				// Another process is computing; wait briefly for its
				// result, then compute locally anyway.
				if cached, found := c.awaitEntry(ctx, fingerprint); found {
					return flightResult{payload: cached, hit: true}, nil
				}
			}
		}

		payload, err := compute(ctx)
		if err != nil {
			return nil, err
		}

		// Store failures degrade to uncached, not to request failure
		_ = c.store.Set(ctx, fingerprint, payload, c.ttl)
		return flightResult{payload: payload}, nil
	})
	if err != nil {
		return nil, false, err
	}

	result := value.(flightResult)
	return result.payload, result.hit, nil
}

// awaitEntry polls the store while another process holds the compute
// lock. Gives up after the poll budget.
func (c *ResponseCache) awaitEntry(ctx context.Context, fingerprint string) ([]byte, bool) {
	deadline := time.Now().Add(lockPollBudget)
	for time.Now().Before(deadline) {
		select {
		case <-time.After(lockPollInterval):
		case <-ctx.Done():
			return nil, false
		}
		if cached, found, err := c.store.Get(ctx, fingerprint); err == nil && found {
			return cached, true
		}
	}
	return nil, false
}

// Invalidate removes a fingerprint's entry
func (c *ResponseCache) Invalidate(ctx context.Context, fingerprint string) error {
	return c.store.Delete(ctx, fingerprint)
}

// Close releases the backing store
func (c *ResponseCache) Close() error {
	return c.store.Close()
}
