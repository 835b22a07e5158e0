package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, ttl time.Duration) *ResponseCache {
	t.Helper()
	c, err := NewWithStore(NewMemoryStore(), ttl)
	require.NoError(t, err)
	return c
}

func TestGetOrCompute_MissThenHit(t *testing.T) {
	c := newTestCache(t, time.Minute)
	ctx := context.Background()

	calls := 0
	compute := func(context.Context) ([]byte, error) {
		calls++
		return []byte("answer"), nil
	}

	payload, hit, err := c.GetOrCompute(ctx, "fp", compute)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, []byte("answer"), payload)

	payload, hit, err = c.GetOrCompute(ctx, "fp", compute)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, []byte("answer"), payload)
	assert.Equal(t, 1, calls)
}

func TestGetOrCompute_SingleFlight(t *testing.T) {
	c := newTestCache(t, time.Minute)
	ctx := context.Background()

	var calls int64
	started := make(chan struct{})
	release := make(chan struct{})
	compute := func(context.Context) ([]byte, error) {
		atomic.AddInt64(&calls, 1)
		close(started)
		<-release
		return []byte("shared"), nil
	}

	const concurrency = 8
	results := make([][]byte, concurrency)
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(i int) {
			defer wg.Done()
			payload, _, err := c.GetOrCompute(ctx, "fp", compute)
			assert.NoError(t, err)
			results[i] = payload
		}(i)
	}

	<-started
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
	for _, payload := range results {
		assert.Equal(t, []byte("shared"), payload)
	}
}

func TestGetOrCompute_ErrorsNotCached(t *testing.T) {
	c := newTestCache(t, time.Minute)
	ctx := context.Background()

	boom := errors.New("provider down")
	calls := 0
	_, _, err := c.GetOrCompute(ctx, "fp", func(context.Context) ([]byte, error) {
		calls++
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	payload, hit, err := c.GetOrCompute(ctx, "fp", func(context.Context) ([]byte, error) {
		calls++
		return []byte("recovered"), nil
	})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, []byte("recovered"), payload)
	assert.Equal(t, 2, calls)
}

func TestGetOrCompute_TTLExpiry(t *testing.T) {
	c := newTestCache(t, 20*time.Millisecond)
	ctx := context.Background()

	calls := 0
	compute := func(context.Context) ([]byte, error) {
		calls++
		return []byte("v"), nil
	}

	_, _, err := c.GetOrCompute(ctx, "fp", compute)
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)

	_, hit, err := c.GetOrCompute(ctx, "fp", compute)
	require.NoError(t, err)
	assert.False(t, hit, "expired entry must be treated as absent")
	assert.Equal(t, 2, calls)
}

func TestGetOrCompute_DistinctFingerprints(t *testing.T) {
	c := newTestCache(t, time.Minute)
	ctx := context.Background()

	a, _, err := c.GetOrCompute(ctx, "fp-a", func(context.Context) ([]byte, error) {
		return []byte("a"), nil
	})
	require.NoError(t, err)
	b, _, err := c.GetOrCompute(ctx, "fp-b", func(context.Context) ([]byte, error) {
		return []byte("b"), nil
	})
	require.NoError(t, err)

	assert.Equal(t, []byte("a"), a)
	assert.Equal(t, []byte("b"), b)
}

func TestInvalidate(t *testing.T) {
	c := newTestCache(t, time.Minute)
	ctx := context.Background()

	calls := 0
	compute := func(context.Context) ([]byte, error) {
		calls++
		return []byte("v"), nil
	}

	_, _, err := c.GetOrCompute(ctx, "fp", compute)
	require.NoError(t, err)
	require.NoError(t, c.Invalidate(ctx, "fp"))

	_, hit, err := c.GetOrCompute(ctx, "fp", compute)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 2, calls)
}

func TestNew_DisabledReturnsNil(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)
	assert.Nil(t, c)
}

// lockingStore simulates a store with cross-process coordination
type lockingStore struct {
	*MemoryStore
	mu       sync.Mutex
	held     map[string]bool
	locks    int
	unlocks  int
	rejected bool // when set, TryLock always reports the lock as taken
}

func newLockingStore() *lockingStore {
	return &lockingStore{MemoryStore: NewMemoryStore(), held: make(map[string]bool)}
}

func (s *lockingStore) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rejected || s.held[key] {
		return false, nil
	}
	s.held[key] = true
	s.locks++
	return true, nil
}

func (s *lockingStore) Unlock(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.held, key)
	s.unlocks++
	return nil
}

func TestGetOrCompute_AcquiresAndReleasesComputeLock(t *testing.T) {
	store := newLockingStore()
	c, err := NewWithStore(store, time.Minute)
	require.NoError(t, err)

	_, _, err = c.GetOrCompute(context.Background(), "fp", func(context.Context) ([]byte, error) {
		return []byte("v"), nil
	})
	require.NoError(t, err)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, 1, store.locks)
	assert.Equal(t, 1, store.unlocks)
	assert.Empty(t, store.held)
}

func TestGetOrCompute_HeldLockWaitsForForeignResult(t *testing.T) {
	store := newLockingStore()
	store.rejected = true
	c, err := NewWithStore(store, time.Minute)
	require.NoError(t, err)

	// The "other process" publishes the entry while we poll
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = store.Set(context.Background(), "fp", []byte("foreign"), time.Minute)
	}()

	var computed atomic.Bool
	payload, hit, err := c.GetOrCompute(context.Background(), "fp", func(context.Context) ([]byte, error) {
		computed.Store(true)
		return []byte("local"), nil
	})
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, []byte("foreign"), payload)
	assert.False(t, computed.Load(), "foreign result makes local computation unnecessary")
}

func TestGetOrCompute_HeldLockFallsBackToLocalCompute(t *testing.T) {
	store := newLockingStore()
	store.rejected = true
	c, err := NewWithStore(store, time.Minute)
	require.NoError(t, err)

	payload, hit, err := c.GetOrCompute(context.Background(), "fp", func(context.Context) ([]byte, error) {
		return []byte("local"), nil
	})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, []byte("local"), payload, "a stuck foreign lock never blocks the request for good")
}
