package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/user/llm-gateway/internal/store"
	"go.uber.org/zap"
)

type counterStub struct {
	hits, misses atomic.Int64
}

func (c *counterStub) RecordCacheHit()  { c.hits.Add(1) }
func (c *counterStub) RecordCacheMiss() { c.misses.Add(1) }

func TestCache_PutGet(t *testing.T) {
	rec := &counterStub{}
	c := New(10, time.Hour, nil, rec, zap.NewNop())
	ctx := context.Background()

	_, ok := c.Get(ctx, "resp:a")
	assert.False(t, ok)
	assert.Equal(t, int64(1), rec.misses.Load())

	c.Put(ctx, "resp:a", Entry{Body: []byte(`{"ok":true}`), Upstream: "openai"})
	e, ok := c.Get(ctx, "resp:a")
	require.True(t, ok)
	assert.Equal(t, "openai", e.Upstream)
	assert.Equal(t, int64(1), rec.hits.Load())
}

func TestCache_SharedTierPromotion(t *testing.T) {
	kv := store.NewMemory()
	ctx := context.Background()

	writer := New(10, time.Hour, kv, nil, zap.NewNop())
	writer.Put(ctx, "resp:a", Entry{Body: []byte("body"), Upstream: "openai"})

	// A second instance with a cold local tier finds it in the shared one.
	reader := New(10, time.Hour, kv, nil, zap.NewNop())
	e, ok := reader.Get(ctx, "resp:a")
	require.True(t, ok)
	assert.Equal(t, []byte("body"), e.Body)

	// Promoted: present locally now.
	assert.Equal(t, 1, reader.Len())
}

func TestCache_SharedTierExpiry(t *testing.T) {
	kv := store.NewMemory()
	ctx := context.Background()

	writer := New(10, 10*time.Millisecond, kv, nil, zap.NewNop())
	writer.Put(ctx, "resp:a", Entry{Body: []byte("body"), CreatedAt: time.Now().Add(-time.Minute)})

	reader := New(10, 10*time.Millisecond, kv, nil, zap.NewNop())
	_, ok := reader.Get(ctx, "resp:a")
	assert.False(t, ok)

	// Stale shared entry was cleaned up.
	_, found, err := kv.Get(ctx, "resp:a")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCache_DoCollapsesConcurrentMisses(t *testing.T) {
	c := New(10, time.Hour, nil, nil, zap.NewNop())
	ctx := context.Background()

	var builds atomic.Int64
	release := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, _, err := c.Do(ctx, "resp:a", func() (Entry, error) {
				builds.Add(1)
				<-release
				return Entry{Body: []byte("built")}, nil
			})
			require.NoError(t, err)
			assert.Equal(t, []byte("built"), e.Body)
		}()
	}

	// Give the goroutines time to pile onto the flight, then release.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), builds.Load())
}

func TestCache_DoHitSkipsBuild(t *testing.T) {
	c := New(10, time.Hour, nil, nil, zap.NewNop())
	ctx := context.Background()
	c.Put(ctx, "resp:a", Entry{Body: []byte("cached")})

	e, hit, err := c.Do(ctx, "resp:a", func() (Entry, error) {
		t.Fatal("build must not run on a hit")
		return Entry{}, nil
	})
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, []byte("cached"), e.Body)
}

func TestCache_DoErrorNotCached(t *testing.T) {
	c := New(10, time.Hour, nil, nil, zap.NewNop())
	ctx := context.Background()

	_, _, err := c.Do(ctx, "resp:a", func() (Entry, error) {
		return Entry{}, assert.AnError
	})
	require.Error(t, err)
	assert.Equal(t, 0, c.Len())
}

func TestCache_BoundedByMaxEntries(t *testing.T) {
	c := New(2, time.Hour, nil, nil, zap.NewNop())
	ctx := context.Background()

	c.Put(ctx, "resp:a", Entry{Body: []byte("a")})
	c.Put(ctx, "resp:b", Entry{Body: []byte("b")})
	c.Put(ctx, "resp:c", Entry{Body: []byte("c")})
	assert.Equal(t, 2, c.Len())

	// Oldest evicted.
	_, ok := c.Get(ctx, "resp:a")
	assert.False(t, ok)
}
