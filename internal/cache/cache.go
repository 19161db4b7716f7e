// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache implements the multi-tier cache (spec.md §4.6 / C6): a
// sharded in-process L1 with LRU+TTL eviction, an optional remote L2, and
// a local JSONL-file-backed L3, coalesced through singleflight so a
// stampede on one key dispatches exactly one fill.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kraklabs/vpnagg/internal/domain"
)

// RemoteCache abstracts the L2 tier so Redis (or any equivalent) can be
// swapped in without touching the rest of the cache, mirroring the
// cache-manager-service RemoteCache interface from the retrieval pack.
type RemoteCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	InvalidatePrefix(ctx context.Context, prefix string) (int, error)
}

// LocalStore abstracts the L3 tier: a local persistent KV, single-writer.
type LocalStore interface {
	Get(key string) ([]byte, bool, time.Time, time.Duration)
	Set(key string, value []byte, ttl time.Duration) error
	InvalidatePrefix(prefix string) (int, error)
	Close() error
}

// Config bundles tier sizing and TTL defaults from spec.md §4.6.
type Config struct {
	L1Shards      int
	L1MaxEntries  int
	L1MaxBytes    int64
	L1TTL         time.Duration
	L2TTL         time.Duration
	L2BackoffTime time.Duration
	L3TTL         time.Duration
	L3MaxRows     int
}

func (c Config) withDefaults() Config {
	if c.L1Shards <= 0 {
		c.L1Shards = 32
	}
	if c.L1MaxEntries <= 0 {
		c.L1MaxEntries = 2000
	}
	if c.L1MaxBytes <= 0 {
		c.L1MaxBytes = 200 << 20
	}
	if c.L1TTL <= 0 {
		c.L1TTL = time.Hour
	}
	if c.L2TTL <= 0 {
		c.L2TTL = 24 * time.Hour
	}
	if c.L2BackoffTime <= 0 {
		c.L2BackoffTime = 5 * time.Second
	}
	if c.L3TTL <= 0 {
		c.L3TTL = 7 * 24 * time.Hour
	}
	if c.L3MaxRows <= 0 {
		c.L3MaxRows = 100_000
	}
	return c
}

// Cache is the public C6 implementation.
type Cache struct {
	cfg Config
	l1  *shardedLRU
	l2  RemoteCache
	l3  LocalStore

	coalescer singleflight.Group
	stats     StatsSink

	l2mu       sync.RWMutex
	l2Down     bool
	l2DownTime time.Time
}

// StatsSink lets the pipeline observe tier hits/misses without this
// package depending on internal/stats directly.
type StatsSink interface {
	RecordCacheResult(tier domain.CacheTier, hit bool)
}

type noopStats struct{}

func (noopStats) RecordCacheResult(domain.CacheTier, bool) {}

// New constructs a Cache. l2 and l3 may be nil to disable those tiers.
func New(cfg Config, l2 RemoteCache, l3 LocalStore, stats StatsSink) *Cache {
	cfg = cfg.withDefaults()
	if stats == nil {
		stats = noopStats{}
	}
	return &Cache{
		cfg:   cfg,
		l1:    newShardedLRU(cfg.L1Shards, cfg.L1MaxEntries, cfg.L1MaxBytes),
		l2:    l2,
		l3:    l3,
		stats: stats,
	}
}

// Get probes L1 -> L2 -> L3 in order, promoting a hit from a lower tier to
// every higher tier. A miss (including a stale TTL) returns ok=false.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if v, ok := c.l1.get(key); ok {
		c.stats.RecordCacheResult(domain.CacheTierL1, true)
		return v, true
	}
	c.stats.RecordCacheResult(domain.CacheTierL1, false)

	if c.l2 != nil && c.l2Usable() {
		v, ok, err := c.l2.Get(ctx, key)
		if err != nil {
			c.markL2Down()
			c.stats.RecordCacheResult(domain.CacheTierL2, false)
		} else if ok {
			c.stats.RecordCacheResult(domain.CacheTierL2, true)
			c.l1.set(key, v, c.cfg.L1TTL)
			return v, true
		} else {
			c.stats.RecordCacheResult(domain.CacheTierL2, false)
		}
	}

	if c.l3 != nil {
		if v, ok, createdAt, ttl := c.l3.Get(key); ok {
			if ttl <= 0 || time.Now().Before(createdAt.Add(ttl)) {
				c.stats.RecordCacheResult(domain.CacheTierL3, true)
				c.l1.set(key, v, c.cfg.L1TTL)
				if c.l2 != nil && c.l2Usable() {
					_ = c.l2.Set(ctx, key, v, c.cfg.L2TTL)
				}
				return v, true
			}
		}
		c.stats.RecordCacheResult(domain.CacheTierL3, false)
	}

	return nil, false
}

// Set writes value to every enabled tier. L2 failures are logged by the
// caller via the returned error but never fail the overall Set, per
// spec.md §4.6 ("L2 failures are logged but do not fail the call").
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.cfg.L1TTL
	}
	c.l1.set(key, value, ttl)

	var l2Err error
	if c.l2 != nil && c.l2Usable() {
		if err := c.l2.Set(ctx, key, value, c.cfg.L2TTL); err != nil {
			c.markL2Down()
			l2Err = err
		}
	}
	if c.l3 != nil {
		_ = c.l3.Set(key, value, c.cfg.L3TTL)
	}
	return l2Err
}

// GetOrFill performs a single-flight coalesced fill: concurrent callers
// for the same key block on one fill invocation, per spec.md §4.6's
// stampede-protection invariant.
func (c *Cache) GetOrFill(ctx context.Context, key string, fill func(ctx context.Context) ([]byte, error)) ([]byte, bool, error) {
	if v, ok := c.Get(ctx, key); ok {
		return v, true, nil
	}
	v, err, _ := c.coalescer.Do(key, func() (any, error) {
		if cached, ok := c.Get(ctx, key); ok {
			return cached, nil
		}
		data, ferr := fill(ctx)
		if ferr != nil {
			return nil, ferr
		}
		_ = c.Set(ctx, key, data, 0)
		return data, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.([]byte), false, nil
}

// InvalidatePrefix removes every key matching prefix from every tier and
// returns the total count removed.
func (c *Cache) InvalidatePrefix(ctx context.Context, prefix string) int {
	count := c.l1.invalidatePrefix(prefix)
	if c.l2 != nil {
		if n, err := c.l2.InvalidatePrefix(ctx, prefix); err == nil {
			count += n
		}
	}
	if c.l3 != nil {
		if n, err := c.l3.InvalidatePrefix(prefix); err == nil {
			count += n
		}
	}
	return count
}

func (c *Cache) l2Usable() bool {
	c.l2mu.RLock()
	defer c.l2mu.RUnlock()
	if !c.l2Down {
		return true
	}
	return time.Since(c.l2DownTime) > c.cfg.L2BackoffTime
}

func (c *Cache) markL2Down() {
	c.l2mu.Lock()
	defer c.l2mu.Unlock()
	c.l2Down = true
	c.l2DownTime = time.Now()
}

// Close releases resources held by the L3 tier, if any.
func (c *Cache) Close() error {
	if c.l3 != nil {
		return c.l3.Close()
	}
	return nil
}

// FetchKey builds the fetch:<sha256(url)> cache key from spec.md §4.1's
// CacheEntry key invariant.
func FetchKey(urlSHA256Hex string) string { return "fetch:" + urlSHA256Hex }

// NodeKey builds the node:<fingerprint> cache key.
func NodeKey(fingerprint string) string { return "node:" + fingerprint }
