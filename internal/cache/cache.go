package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/user/llm-gateway/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Entry is one cached response body with its provenance: which
// upstream produced it and on which attempt of the original request.
type Entry struct {
	Body      []byte    `json:"body"`
	Upstream  string    `json:"upstream"`
	Attempt   int       `json:"attempt"`
	CreatedAt time.Time `json:"created_at"`
}

// Recorder counts cache lookups.
type Recorder interface {
	RecordCacheHit()
	RecordCacheMiss()
}

// Cache is a two-tier response cache: a bounded in-process LRU in
// front of an optional shared K/V tier. Entries in both tiers expire
// after the configured TTL.
type Cache struct {
	local   *expirable.LRU[string, Entry]
	shared  store.KV // nil when running local-only
	ttl     time.Duration
	metrics Recorder
	logger  *zap.Logger
	group   singleflight.Group
}

// New creates the cache. shared and metrics may be nil.
func New(maxEntries int, ttl time.Duration, shared store.KV, metrics Recorder, logger *zap.Logger) *Cache {
	return &Cache{
		local:   expirable.NewLRU[string, Entry](maxEntries, nil, ttl),
		shared:  shared,
		ttl:     ttl,
		metrics: metrics,
		logger:  logger,
	}
}

// Get looks up a fingerprint in both tiers. A shared-tier hit is
// promoted into the local LRU.
func (c *Cache) Get(ctx context.Context, fp string) (Entry, bool) {
	if e, ok := c.local.Get(fp); ok {
		c.hit()
		return e, true
	}

	if c.shared != nil {
		raw, found, err := c.shared.Get(ctx, fp)
		if err != nil {
			c.logger.Warn("shared cache tier read failed", zap.Error(err))
		} else if found {
			var e Entry
			if json.Unmarshal(raw, &e) == nil {
				if time.Since(e.CreatedAt) < c.ttl {
					c.local.Add(fp, e)
					c.hit()
					return e, true
				}
				// Expired shared entry; best-effort cleanup.
				_ = c.shared.Delete(ctx, fp)
			}
		}
	}

	c.miss()
	return Entry{}, false
}

// Put stores a response in both tiers.
func (c *Cache) Put(ctx context.Context, fp string, e Entry) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	c.local.Add(fp, e)

	if c.shared != nil {
		raw, err := json.Marshal(e)
		if err == nil {
			err = c.shared.Set(ctx, fp, raw)
		}
		if err != nil {
			c.logger.Warn("shared cache tier write failed", zap.Error(err))
		}
	}
}

// Do collapses concurrent identical misses: for a given fingerprint
// only one caller runs build; the rest receive its result. Cache
// lookups happen inside the critical section so a populate by the
// first caller is seen by everyone queued behind it.
func (c *Cache) Do(ctx context.Context, fp string, build func() (Entry, error)) (Entry, bool, error) {
	type result struct {
		entry Entry
		hit   bool
	}
	v, err, _ := c.group.Do(fp, func() (any, error) {
		if e, ok := c.Get(ctx, fp); ok {
			return result{entry: e, hit: true}, nil
		}
		e, err := build()
		if err != nil {
			return nil, err
		}
		c.Put(ctx, fp, e)
		return result{entry: e}, nil
	})
	if err != nil {
		return Entry{}, false, err
	}
	r := v.(result)
	return r.entry, r.hit, nil
}

// Len reports the local tier's entry count.
func (c *Cache) Len() int {
	return c.local.Len()
}

// Purge drops every local entry.
func (c *Cache) Purge() {
	c.local.Purge()
}

func (c *Cache) hit() {
	if c.metrics != nil {
		c.metrics.RecordCacheHit()
	}
}

func (c *Cache) miss() {
	if c.metrics != nil {
		c.metrics.RecordCacheMiss()
	}
}
