// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// shardedLRU is the L1 tier: N independent LRU+TTL maps, bucketed by
// xxhash(key) to spread lock contention, the same sharding idiom the
// rate limiter's per-host maps use at a coarser grain.
type shardedLRU struct {
	shards []*lruShard
	mask   uint64
}

func newShardedLRU(n, maxEntriesPerShardTotal int, maxBytesTotal int64) *shardedLRU {
	n = nextPow2(n)
	shards := make([]*lruShard, n)
	perShardEntries := maxEntriesPerShardTotal / n
	if perShardEntries < 1 {
		perShardEntries = 1
	}
	perShardBytes := maxBytesTotal / int64(n)
	for i := range shards {
		shards[i] = newLRUShard(perShardEntries, perShardBytes)
	}
	return &shardedLRU{shards: shards, mask: uint64(n - 1)}
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	if p < 1 {
		p = 1
	}
	return p
}

func (s *shardedLRU) shardFor(key string) *lruShard {
	h := xxhash.Sum64String(key)
	return s.shards[h&s.mask]
}

func (s *shardedLRU) get(key string) ([]byte, bool) {
	return s.shardFor(key).get(key)
}

func (s *shardedLRU) set(key string, value []byte, ttl time.Duration) {
	s.shardFor(key).set(key, value, ttl)
}

func (s *shardedLRU) invalidatePrefix(prefix string) int {
	count := 0
	for _, sh := range s.shards {
		count += sh.invalidatePrefix(prefix)
	}
	return count
}

type lruEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// lruShard is one mutex-guarded LRU+TTL bucket, bounded by both entry
// count and byte size as spec.md §4.6 requires.
type lruShard struct {
	mu         sync.Mutex
	maxEntries int
	maxBytes   int64
	curBytes   int64
	ll         *list.List
	index      map[string]*list.Element
}

func newLRUShard(maxEntries int, maxBytes int64) *lruShard {
	return &lruShard{
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		ll:         list.New(),
		index:      make(map[string]*list.Element),
	}
}

func (s *lruShard) get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.index[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*lruEntry)
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		s.removeElement(el)
		return nil, false
	}
	s.ll.MoveToFront(el)
	return e.value, true
}

func (s *lruShard) set(key string, value []byte, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	if el, ok := s.index[key]; ok {
		e := el.Value.(*lruEntry)
		s.curBytes -= int64(len(e.value))
		e.value = value
		e.expiresAt = expiresAt
		s.curBytes += int64(len(value))
		s.ll.MoveToFront(el)
	} else {
		e := &lruEntry{key: key, value: value, expiresAt: expiresAt}
		el := s.ll.PushFront(e)
		s.index[key] = el
		s.curBytes += int64(len(value))
	}

	for (s.ll.Len() > s.maxEntries || s.curBytes > s.maxBytes) && s.ll.Len() > 0 {
		back := s.ll.Back()
		s.removeElement(back)
	}
}

func (s *lruShard) removeElement(el *list.Element) {
	e := el.Value.(*lruEntry)
	s.ll.Remove(el)
	delete(s.index, e.key)
	s.curBytes -= int64(len(e.value))
}

func (s *lruShard) invalidatePrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	var next *list.Element
	for el := s.ll.Front(); el != nil; el = next {
		next = el.Next()
		e := el.Value.(*lruEntry)
		if strings.HasPrefix(e.key, prefix) {
			s.removeElement(el)
			count++
		}
	}
	return count
}
