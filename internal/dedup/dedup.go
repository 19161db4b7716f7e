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

// Package dedup implements the fingerprint hash set that collapses
// duplicate nodes across sources (spec.md §4.4 / C4). It follows the
// teacher's core.Store idiom: a single mutex-guarded map with a
// load-before-allocate fast path, sized for one job's lifetime rather
// than a long-lived server cache.
package dedup

import (
	"sort"
	"sync"

	"github.com/kraklabs/vpnagg/internal/domain"
)

// SourceInfo is the subset of a Source the deduper needs for tie-breaking.
// Callers pass a lookup function rather than a domain.Source directly so
// the package stays decoupled from the source registry.
type SourceInfo struct {
	TierRank int
	Weight   float64
	URL      string
}

// SourceLookup resolves a node's SourceID to the tie-breaking fields.
// Unknown source IDs resolve to the zero value, which always loses ties.
type SourceLookup func(sourceID string) SourceInfo

// Store is the hash set on fingerprint. It is built fresh per job; it is
// not a long-lived cache.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	lookup  SourceLookup

	// Hint is an optional bloom-filter fast hint seeded from the previous
	// job's fingerprints (spec.md §4.4, "fast negative/positive hint").
	// It is consulted only to short-circuit the lookup; the map above
	// remains authoritative, so false positives from the hint are safe.
	Hint *BloomHint

	suppressed map[string]int64 // per-source duplicates_suppressed
}

type entry struct {
	node domain.Node
	info SourceInfo
}

// New constructs an empty Store. lookup may be nil, in which case every
// source resolves to the zero SourceInfo: ties break on seen_at alone, and
// when seen_at is also equal the incumbent is kept (all URLs are empty).
func New(lookup SourceLookup) *Store {
	if lookup == nil {
		lookup = func(string) SourceInfo { return SourceInfo{} }
	}
	return &Store{
		entries:    make(map[string]*entry),
		lookup:     lookup,
		suppressed: make(map[string]int64),
	}
}

// Offer inserts n if its fingerprint is new, or resolves a tie against the
// existing record if not, per spec.md §4.4's
// (tier_rank desc, weight desc, seen_at desc, url asc) order. It reports
// whether n became (or remains) the retained representative.
func (s *Store) Offer(n domain.Node) bool {
	info := s.lookup(n.SourceID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Hint != nil && !s.Hint.MightContain(n.Fingerprint) {
		s.entries[n.Fingerprint] = &entry{node: n, info: info}
		s.Hint.Add(n.Fingerprint)
		return true
	}

	existing, ok := s.entries[n.Fingerprint]
	if !ok {
		s.entries[n.Fingerprint] = &entry{node: n, info: info}
		if s.Hint != nil {
			s.Hint.Add(n.Fingerprint)
		}
		return true
	}

	if wins(info, n, existing.info, existing.node) {
		s.suppressed[existing.node.SourceID]++
		s.entries[n.Fingerprint] = &entry{node: n, info: info}
		return true
	}
	s.suppressed[n.SourceID]++
	return false
}

// wins reports whether candidate beats incumbent under spec.md §4.4's
// tie-break order: tier_rank desc, weight desc, seen_at desc, url asc.
func wins(candInfo SourceInfo, cand domain.Node, curInfo SourceInfo, cur domain.Node) bool {
	if candInfo.TierRank != curInfo.TierRank {
		return candInfo.TierRank > curInfo.TierRank
	}
	if candInfo.Weight != curInfo.Weight {
		return candInfo.Weight > curInfo.Weight
	}
	if !cand.SeenAt.Equal(cur.SeenAt) {
		return cand.SeenAt.After(cur.SeenAt)
	}
	return candInfo.URL < curInfo.URL
}

// Suppressed returns the per-source count of duplicates discarded so far.
func (s *Store) Suppressed() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.suppressed))
	for k, v := range s.suppressed {
		out[k] = v
	}
	return out
}

// Nodes returns all retained representatives, sorted by fingerprint for
// deterministic downstream iteration.
func (s *Store) Nodes() []domain.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Node, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	return out
}

// Len reports the number of unique fingerprints retained.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Fingerprints returns the retained fingerprint set, for seeding the next
// job's BloomHint.
func (s *Store) Fingerprints() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for fp := range s.entries {
		out = append(out, fp)
	}
	return out
}
