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

// Package pipeline drives one full fetch -> parse -> dedup -> score ->
// output pass (spec.md §4.8 / C8). Its fan-out/fan-in shape follows the
// teacher's core.Worker: a fixed set of worker goroutines alongside a
// single collector loop, coordinated with ticker+select rather than ad
// hoc sleeps.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/kraklabs/vpnagg/internal/cache"
	"github.com/kraklabs/vpnagg/internal/dedup"
	"github.com/kraklabs/vpnagg/internal/domain"
	"github.com/kraklabs/vpnagg/internal/fetch"
	"github.com/kraklabs/vpnagg/internal/output"
	"github.com/kraklabs/vpnagg/internal/parser"
	"github.com/kraklabs/vpnagg/internal/scorer"
	"github.com/kraklabs/vpnagg/internal/sources"
)

// Fetcher is the subset of *fetch.Fetcher the engine needs, so tests can
// substitute a stub.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

// Cache is the subset of *cache.Cache the engine needs.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// StatsSink receives per-source and per-node events as the job runs.
type StatsSink interface {
	RecordFetchResult(domain.FetchResult)
	IncNodesSeen(n int)
	IncDuplicatesSuppressed(source string, n int64)
	SetNodesUnique(n int)
}

type noopStats struct{}

func (noopStats) RecordFetchResult(domain.FetchResult)  {}
func (noopStats) IncNodesSeen(int)                      {}
func (noopStats) IncDuplicatesSuppressed(string, int64) {}
func (noopStats) SetNodesUnique(int)                    {}

// NodesSink receives the final deduped/scored node set of a completed,
// non-cancelled run — the backing store for the control plane's
// ListConfigurations operation (spec.md §6).
type NodesSink interface {
	RecordNodes(nodes []domain.Node)
}

type noopNodes struct{}

func (noopNodes) RecordNodes([]domain.Node) {}

// Config tunes the engine.
type Config struct {
	Workers        int
	FetchQueueSize int
	NodeQueueSize  int
	ProgressEvery  time.Duration
	StrictParse    bool
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		cores := runtime.NumCPU()
		w := 4 * cores
		if w > 128 {
			w = 128
		}
		c.Workers = w
	}
	if c.FetchQueueSize <= 0 {
		c.FetchQueueSize = c.Workers * 2
	}
	if c.NodeQueueSize <= 0 {
		c.NodeQueueSize = 4096
	}
	if c.ProgressEvery <= 0 {
		c.ProgressEvery = 2 * time.Second
	}
	return c
}

// Summary is the terminal result of one Run, independent of the Job
// envelope C9 wraps it in.
type Summary struct {
	SourcesTotal         int
	SourcesOK            int
	SourcesFailed        int
	NodesUnique          int
	DuplicatesSuppressed int
	ByProtocol           map[string]int
	Artifacts            []string
	Cancelled            bool
}

// ProgressFunc is invoked at least every Config.ProgressEvery and whenever
// a source completes, per spec.md §4.8 step 4.
type ProgressFunc func(completed, total int)

// Engine wires C2 (fetch) + C3 (parse) + C4 (dedup) + C5 (score) + C6
// (cache) + C10 (output) together for one job.
type Engine struct {
	cfg     Config
	fetcher Fetcher
	cache   Cache
	srcMgr  *sources.Manager
	stats   StatsSink
	nodes   NodesSink
}

// New constructs an Engine.
func New(cfg Config, fetcher Fetcher, c Cache, srcMgr *sources.Manager, stats StatsSink) *Engine {
	if stats == nil {
		stats = noopStats{}
	}
	return &Engine{cfg: cfg.withDefaults(), fetcher: fetcher, cache: c, srcMgr: srcMgr, stats: stats, nodes: noopNodes{}}
}

// WithNodesSink attaches a NodesSink that receives the final node set of
// every successful run; returns the engine for chaining.
func (e *Engine) WithNodesSink(sink NodesSink) *Engine {
	if sink != nil {
		e.nodes = sink
	}
	return e
}

// sourceOutcome is handed from a fetch worker to the collector.
type sourceOutcome struct {
	source domain.Source
	nodes  []domain.Node
	status domain.FetchStatus
}

// Run executes spec.md §4.8's algorithm end to end.
func (e *Engine) Run(ctx context.Context, job domain.JobConfig, progress ProgressFunc) (Summary, error) {
	all := e.srcMgr.All()
	filtered := filterByTiers(all, job.EnabledTiers)

	sum := Summary{SourcesTotal: len(filtered), ByProtocol: make(map[string]int)}
	if len(filtered) == 0 {
		return sum, nil
	}

	srcCh := make(chan domain.Source, e.cfg.FetchQueueSize)
	outCh := make(chan sourceOutcome, e.cfg.NodeQueueSize)

	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.fetchWorker(ctx, srcCh, outCh, job)
		}()
	}

	go func() {
		defer close(srcCh)
		for _, s := range filtered {
			select {
			case srcCh <- s:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(outCh)
	}()

	lookup := func(sourceID string) dedup.SourceInfo {
		for _, s := range filtered {
			if s.ID == sourceID {
				return dedup.SourceInfo{TierRank: s.Tier.Rank(), Weight: s.Weight, URL: s.URL}
			}
		}
		return dedup.SourceInfo{}
	}
	store := dedup.New(lookup)
	sourceByID := make(map[string]domain.Source, len(filtered))
	for _, s := range filtered {
		sourceByID[s.ID] = s
	}

	completed := 0
	ticker := time.NewTicker(e.cfg.ProgressEvery)
	defer ticker.Stop()

	cancelled := false
collect:
	for {
		select {
		case outcome, ok := <-outCh:
			if !ok {
				break collect
			}
			completed++
			switch outcome.status {
			case domain.FetchOK:
				sum.SourcesOK++
			default:
				sum.SourcesFailed++
			}
			for _, n := range outcome.nodes {
				src := sourceByID[n.SourceID]
				n.Quality = scorer.Score(&n, &src)
				store.Offer(n)
				sum.ByProtocol[string(n.Protocol)]++
			}
			e.stats.IncNodesSeen(len(outcome.nodes))
			if progress != nil {
				progress(completed, sum.SourcesTotal)
			}
		case <-ticker.C:
			if progress != nil {
				progress(completed, sum.SourcesTotal)
			}
		case <-ctx.Done():
			cancelled = true
			// Drain remaining outcomes so fetch workers are never blocked
			// writing to outCh after we stop reading, but do not score
			// them: a cancelled job emits no output.
			for range outCh {
			}
			break collect
		}
	}

	// The feeder and workers also stop on ctx.Done, so outCh can close
	// before the collector sees the cancellation; treat that as cancelled.
	if !cancelled && ctx.Err() != nil {
		cancelled = true
	}

	suppressed := store.Suppressed()
	for src, n := range suppressed {
		e.stats.IncDuplicatesSuppressed(src, n)
		sum.DuplicatesSuppressed += int(n)
	}

	if cancelled {
		sum.Cancelled = true
		return sum, nil
	}

	nodes := filterByMinQuality(store.Nodes(), job.MinQuality)
	sum.NodesUnique = len(nodes)
	e.stats.SetNodesUnique(len(nodes))
	e.nodes.RecordNodes(nodes)

	artifacts, err := output.Write(nodes, job.Formats, job.OutputDir)
	if err != nil {
		return sum, err
	}
	sum.Artifacts = artifacts
	return sum, nil
}

func (e *Engine) fetchWorker(ctx context.Context, srcCh <-chan domain.Source, outCh chan<- sourceOutcome, job domain.JobConfig) {
	for {
		select {
		case src, ok := <-srcCh:
			if !ok {
				return
			}
			outcome := e.processSource(ctx, src, job)
			select {
			case outCh <- outcome:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) processSource(ctx context.Context, src domain.Source, job domain.JobConfig) sourceOutcome {
	started := time.Now()
	key := cache.FetchKey(sha256Hex(src.URL))

	body, hit := e.cache.Get(ctx, key)
	if !hit {
		b, err := e.fetcher.Fetch(ctx, src.URL)
		if err != nil {
			status := fetchStatusFor(err)
			e.recordFetch(src, status, started, 0, 0)
			if e.srcMgr != nil {
				e.srcMgr.MarkResult(src.URL, false, float64(time.Since(started).Milliseconds()))
			}
			return sourceOutcome{source: src, status: status}
		}
		body = b
		_ = e.cache.Set(ctx, key, body, 0)
	}
	if e.srcMgr != nil {
		e.srcMgr.MarkResult(src.URL, true, float64(time.Since(started).Milliseconds()))
	}

	if len(body) == 0 {
		e.recordFetch(src, domain.FetchEmpty, started, len(body), 0)
		return sourceOutcome{source: src, status: domain.FetchEmpty}
	}

	nodes, parseErrs := parser.Parse(body, src.ID, parser.Options{StrictMode: job.StrictMode})
	now := time.Now()
	for i := range nodes {
		nodes[i].SeenAt = now
	}
	status := domain.FetchOK
	if len(nodes) == 0 && len(parseErrs) > 0 {
		status = domain.FetchParseError
	}
	e.recordFetch(src, status, started, len(body), len(nodes))
	return sourceOutcome{source: src, nodes: nodes, status: status}
}

// fetchStatusFor classifies a Fetch error into the FetchStatus taxonomy
// spec.md §3/§7 documents, per fetch.Error.Kind. Errors that aren't a
// *fetch.Error (or carry an unrecognized Kind) fall back to
// domain.FetchHTTPError, the generic bucket.
func fetchStatusFor(err error) domain.FetchStatus {
	var fe *fetch.Error
	if !errors.As(err, &fe) {
		return domain.FetchHTTPError
	}
	switch fe.Kind {
	case fetch.KindTimeout:
		return domain.FetchTimeout
	case fetch.KindBlocked:
		return domain.FetchBlocked
	case fetch.KindNetwork, fetch.KindHTTPStatus, fetch.KindTooLarge, fetch.KindUnsupportedCE:
		return domain.FetchHTTPError
	default:
		return domain.FetchHTTPError
	}
}

func (e *Engine) recordFetch(src domain.Source, status domain.FetchStatus, started time.Time, bytes, lines int) {
	e.stats.RecordFetchResult(domain.FetchResult{
		SourceID:    src.ID,
		Status:      status,
		StartedAt:   started,
		DurationMs:  time.Since(started).Milliseconds(),
		Bytes:       bytes,
		ConfigLines: lines,
	})
}

// filterByMinQuality drops nodes scoring below minQuality before the
// writer sees them, per domain.JobConfig.MinQuality. A
// minQuality of 0 (the default) is a no-op.
func filterByMinQuality(nodes []domain.Node, minQuality float64) []domain.Node {
	if minQuality <= 0 {
		return nodes
	}
	out := make([]domain.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.Quality >= minQuality {
			out = append(out, n)
		}
	}
	return out
}

func filterByTiers(all []domain.Source, tiers []domain.Tier) []domain.Source {
	out := make([]domain.Source, 0, len(all))
	allowed := make(map[domain.Tier]bool, len(tiers))
	for _, t := range tiers {
		allowed[t] = true
	}
	for _, s := range all {
		if !s.Enabled {
			continue
		}
		if len(tiers) > 0 && !allowed[s.Tier] {
			continue
		}
		out = append(out, s)
	}
	return out
}

func sha256Hex(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}
