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

// Package stats is the concurrency-safe counters registry (spec.md §4.11
// / C11): atomic counters in the style of core's RecordAttempt/RecordAdmit
// pair, exported as a copy-on-read snapshot and, optionally, to
// Prometheus the way telemetry/churn registers its gauges.
package stats

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kraklabs/vpnagg/internal/domain"
)

// Snapshot is the copy-on-read view of every counter (spec.md §4.11).
type Snapshot struct {
	SourcesTotal         int64     `json:"sources_total"`
	SourcesOK            int64     `json:"sources_ok"`
	SourcesFailed        int64     `json:"sources_failed"`
	NodesSeen            int64     `json:"nodes_seen"`
	NodesUnique          int64     `json:"nodes_unique"`
	DuplicatesSuppressed int64     `json:"duplicates_suppressed"`
	CacheL1Hits          int64     `json:"cache_l1_hits"`
	CacheL1Misses        int64     `json:"cache_l1_misses"`
	CacheL2Hits          int64     `json:"cache_l2_hits"`
	CacheL2Misses        int64     `json:"cache_l2_misses"`
	CacheL3Hits          int64     `json:"cache_l3_hits"`
	CacheL3Misses        int64     `json:"cache_l3_misses"`
	FetchDurationP50Ms   float64   `json:"fetch_duration_ms_p50"`
	FetchDurationP90Ms   float64   `json:"fetch_duration_ms_p90"`
	FetchDurationP99Ms   float64   `json:"fetch_duration_ms_p99"`
	LastUpdate           time.Time `json:"last_update"`
}

// Registry holds every counter behind atomics plus a small mutex-guarded
// ring of recent fetch durations for percentile computation.
type Registry struct {
	sourcesTotal         atomic.Int64
	sourcesOK            atomic.Int64
	sourcesFailed        atomic.Int64
	nodesSeen            atomic.Int64
	nodesUnique          atomic.Int64
	duplicatesSuppressed atomic.Int64
	cacheHits            [3]atomic.Int64
	cacheMisses          [3]atomic.Int64
	lastUpdate           atomic.Int64 // unix nanos

	mu        sync.Mutex
	durations []int64 // milliseconds, capped ring buffer

	prom *promExporter
}

const maxDurationSamples = 4096

// New constructs an empty Registry. promEnabled wires counters into
// Prometheus gauges/counters the way telemetry/churn does, gated so the
// hot path is a no-op when disabled.
func New(promEnabled bool) *Registry {
	r := &Registry{}
	if promEnabled {
		r.prom = newPromExporter()
	}
	r.touch()
	return r
}

func (r *Registry) touch() {
	r.lastUpdate.Store(time.Now().UnixNano())
}

func tierIndex(tier domain.CacheTier) int {
	switch tier {
	case domain.CacheTierL1:
		return 0
	case domain.CacheTierL2:
		return 1
	case domain.CacheTierL3:
		return 2
	default:
		return 0
	}
}

// RecordCacheResult implements cache.StatsSink.
func (r *Registry) RecordCacheResult(tier domain.CacheTier, hit bool) {
	idx := tierIndex(tier)
	if hit {
		r.cacheHits[idx].Add(1)
	} else {
		r.cacheMisses[idx].Add(1)
	}
	r.touch()
	if r.prom != nil {
		r.prom.observeCache(tier, hit)
	}
}

// RecordFetchResult implements pipeline.StatsSink.
func (r *Registry) RecordFetchResult(res domain.FetchResult) {
	r.sourcesTotal.Add(1)
	if res.Status == domain.FetchOK {
		r.sourcesOK.Add(1)
	} else {
		r.sourcesFailed.Add(1)
	}
	r.mu.Lock()
	r.durations = append(r.durations, res.DurationMs)
	if len(r.durations) > maxDurationSamples {
		r.durations = r.durations[len(r.durations)-maxDurationSamples:]
	}
	r.mu.Unlock()
	r.touch()
	if r.prom != nil {
		r.prom.observeFetch(res)
	}
}

// IncNodesSeen implements pipeline.StatsSink.
func (r *Registry) IncNodesSeen(n int) {
	if n <= 0 {
		return
	}
	r.nodesSeen.Add(int64(n))
	r.touch()
}

// IncDuplicatesSuppressed implements pipeline.StatsSink.
func (r *Registry) IncDuplicatesSuppressed(source string, n int64) {
	if n <= 0 {
		return
	}
	r.duplicatesSuppressed.Add(n)
	r.touch()
	if r.prom != nil {
		r.prom.observeDuplicates(source, n)
	}
}

// SetNodesUnique records the final unique-node count for a completed job.
func (r *Registry) SetNodesUnique(n int) {
	r.nodesUnique.Store(int64(n))
	r.touch()
}

// Snapshot returns a consistent, copy-on-read view of every counter.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	durs := make([]int64, len(r.durations))
	copy(durs, r.durations)
	r.mu.Unlock()

	p50, p90, p99 := percentiles(durs)
	return Snapshot{
		SourcesTotal:         r.sourcesTotal.Load(),
		SourcesOK:            r.sourcesOK.Load(),
		SourcesFailed:        r.sourcesFailed.Load(),
		NodesSeen:            r.nodesSeen.Load(),
		NodesUnique:          r.nodesUnique.Load(),
		DuplicatesSuppressed: r.duplicatesSuppressed.Load(),
		CacheL1Hits:          r.cacheHits[0].Load(),
		CacheL1Misses:        r.cacheMisses[0].Load(),
		CacheL2Hits:          r.cacheHits[1].Load(),
		CacheL2Misses:        r.cacheMisses[1].Load(),
		CacheL3Hits:          r.cacheHits[2].Load(),
		CacheL3Misses:        r.cacheMisses[2].Load(),
		FetchDurationP50Ms:   p50,
		FetchDurationP90Ms:   p90,
		FetchDurationP99Ms:   p99,
		LastUpdate:           time.Unix(0, r.lastUpdate.Load()),
	}
}

func percentiles(samples []int64) (p50, p90, p99 float64) {
	if len(samples) == 0 {
		return 0, 0, 0
	}
	sorted := make([]int64, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	pick := func(p float64) float64 {
		idx := int(p * float64(len(sorted)-1))
		return float64(sorted[idx])
	}
	return pick(0.50), pick(0.90), pick(0.99)
}
