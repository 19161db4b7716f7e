// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

package dedup

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// BloomHint is the optional fast negative/positive hint from spec.md §4.4,
// seeded from a previous job's fingerprint set. No bloom-filter library
// exists anywhere in the retrieval pack (see DESIGN.md), so this reuses
// the xxhash dependency already wired for cache sharding (C6) and
// double-hashes per Kirsch-Mitzenmacher to derive k index positions.
type BloomHint struct {
	mu   sync.RWMutex
	bits []uint64
	m    uint64 // number of bits
	k    int
}

// NewBloomHint sizes a filter for n expected items at the given target
// false-positive rate.
func NewBloomHint(n int, falsePositiveRate float64) *BloomHint {
	if n <= 0 {
		n = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}
	m := optimalBits(n, falsePositiveRate)
	k := optimalK(m, n)
	words := (m + 63) / 64
	return &BloomHint{bits: make([]uint64, words), m: m, k: k}
}

func optimalBits(n int, p float64) uint64 {
	m := -float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)
	if m < 64 {
		m = 64
	}
	return uint64(m)
}

func optimalK(m uint64, n int) int {
	k := int(math.Round(float64(m) / float64(n) * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > 16 {
		k = 16
	}
	return k
}

func (b *BloomHint) indices(key string) (uint64, uint64) {
	h1 := xxhash.Sum64String(key)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], h1)
	h2 := xxhash.Sum64(buf[:])
	return h1, h2
}

// Add sets the bits for key.
func (b *BloomHint) Add(key string) {
	h1, h2 := b.indices(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < b.k; i++ {
		idx := (h1 + uint64(i)*h2) % b.m
		b.bits[idx/64] |= 1 << (idx % 64)
	}
}

// MightContain reports whether key was possibly added. A false return is
// authoritative; a true return may be a false positive, which is why the
// caller treats this only as a hint.
func (b *BloomHint) MightContain(key string) bool {
	h1, h2 := b.indices(key)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for i := 0; i < b.k; i++ {
		idx := (h1 + uint64(i)*h2) % b.m
		if b.bits[idx/64]&(1<<(idx%64)) == 0 {
			return false
		}
	}
	return true
}
