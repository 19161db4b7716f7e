// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kraklabs/vpnagg/internal/domain"
	"github.com/kraklabs/vpnagg/internal/fetch"
	"github.com/kraklabs/vpnagg/internal/sources"
)

// fakeFetcher serves a canned body per URL and never hits the network.
type fakeFetcher struct {
	mu      sync.Mutex
	bodies  map[string]string
	fetched map[string]int
}

func newFakeFetcher(bodies map[string]string) *fakeFetcher {
	return &fakeFetcher{bodies: bodies, fetched: make(map[string]int)}
}

func (f *fakeFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	f.mu.Lock()
	f.fetched[rawURL]++
	f.mu.Unlock()
	return []byte(f.bodies[rawURL]), nil
}

// memCache is a trivial in-memory stand-in for *cache.Cache.
type memCache struct {
	mu    sync.Mutex
	items map[string][]byte
}

func newMemCache() *memCache { return &memCache{items: make(map[string][]byte)} }

func (c *memCache) Get(ctx context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[key]
	return v, ok
}

func (c *memCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = value
	return nil
}

// failingFetcher always returns err for every URL, so tests can drive
// the Fetch-error classification path.
type failingFetcher struct {
	err error
}

func (f *failingFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	return nil, f.err
}

// captureStats records every FetchResult handed to it, so tests can
// assert on the FetchStatus a given fetch.Error was classified into.
type captureStats struct {
	mu      sync.Mutex
	results []domain.FetchResult
}

func (s *captureStats) RecordFetchResult(r domain.FetchResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
}
func (s *captureStats) IncNodesSeen(int)                      {}
func (s *captureStats) IncDuplicatesSuppressed(string, int64) {}
func (s *captureStats) SetNodesUnique(int)                    {}

func newTestSourceMgr(t *testing.T, urls map[string]domain.Tier) *sources.Manager {
	t.Helper()
	mgr := sources.New(nil, false)
	var yamlDoc string
	byTier := make(map[domain.Tier][]string)
	for u, tier := range urls {
		byTier[tier] = append(byTier[tier], u)
	}
	for tier, us := range byTier {
		yamlDoc += string(tier) + ":\n"
		for _, u := range us {
			yamlDoc += "  - " + u + "\n"
		}
	}
	_, err := mgr.Load([]byte(yamlDoc))
	require.NoError(t, err)
	return mgr
}

const vlessLine = "vless://11111111-1111-4111-8111-111111111111@203.0.113.5:443?security=reality&type=grpc&sni=example.com#EU-1"

// TestRunMixedDecodeAndDedup mirrors spec.md's S1 end-to-end scenario:
// two sources share one vless line, one source also has a malformed line,
// and the duplicate must collapse into a single retained node.
func TestRunMixedDecodeAndDedup(t *testing.T) {
	bodyA := "vmess://eyJ2IjoiMiIsImFkZCI6ImEuZXhhbXBsZS5jb20iLCJwb3J0Ijo0NDMsImlkIjoiYWJjZC0xMjM0IiwibmV0IjoidGNwIiwidGxzIjoidGxzIn0=\n" + vlessLine
	bodyB := vlessLine + "\nvless://not-a-uuid"

	mgr := newTestSourceMgr(t, map[string]domain.Tier{
		"https://a.example/feed": domain.TierPremium,
		"https://b.example/feed": domain.TierBulk,
	})
	fetcher := newFakeFetcher(map[string]string{
		"https://a.example/feed": bodyA,
		"https://b.example/feed": bodyB,
	})

	outDir := t.TempDir()
	engine := New(Config{Workers: 4}, fetcher, newMemCache(), mgr, nil)

	sum, err := engine.Run(context.Background(), domain.JobConfig{
		Formats:   []string{"raw"},
		OutputDir: outDir,
	}, nil)
	require.NoError(t, err)
	require.False(t, sum.Cancelled)
	require.Equal(t, 2, sum.SourcesTotal)
	require.Equal(t, 2, sum.NodesUnique)
	require.Equal(t, int64(1), int64(sum.DuplicatesSuppressed))

	raw, err := os.ReadFile(filepath.Join(outDir, "vpn_subscription_raw.txt"))
	require.NoError(t, err)
	require.Contains(t, string(raw), "vmess://")
	require.Contains(t, string(raw), "vless://")
}

// TestRunDedupPrefersHigherTierSource mirrors spec.md's S4 scenario: the
// same fingerprint arriving from a premium and a bulk source must retain
// the premium source's attribution.
func TestRunDedupPrefersHigherTierSource(t *testing.T) {
	mgr := newTestSourceMgr(t, map[string]domain.Tier{
		"https://premium.example/feed": domain.TierPremium,
		"https://bulk.example/feed":    domain.TierBulk,
	})
	premiumSrc, ok := mgr.Get("https://premium.example/feed")
	require.True(t, ok)

	fetcher := newFakeFetcher(map[string]string{
		"https://premium.example/feed": vlessLine,
		"https://bulk.example/feed":    vlessLine,
	})

	outDir := t.TempDir()
	capture := &captureNodesSink{}
	engine := New(Config{Workers: 4}, fetcher, newMemCache(), mgr, nil).WithNodesSink(capture)

	sum, err := engine.Run(context.Background(), domain.JobConfig{
		Formats:   []string{"json"},
		OutputDir: outDir,
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, sum.NodesUnique)
	require.Equal(t, 1, sum.DuplicatesSuppressed)
	require.Len(t, capture.nodes, 1)
	require.Equal(t, premiumSrc.ID, capture.nodes[0].SourceID)
}

// captureNodesSink records the final node set a Run hands off, so tests
// can assert on attribution rather than only on aggregate counts.
type captureNodesSink struct {
	nodes []domain.Node
}

func (c *captureNodesSink) RecordNodes(nodes []domain.Node) { c.nodes = nodes }

// TestRunNoSourcesProducesEmptySummary covers the degenerate empty-source
// case without writing any artifact.
func TestRunNoSourcesProducesEmptySummary(t *testing.T) {
	mgr := sources.New(nil, false)
	outDir := t.TempDir()
	engine := New(Config{Workers: 2}, newFakeFetcher(nil), newMemCache(), mgr, nil)

	sum, err := engine.Run(context.Background(), domain.JobConfig{
		Formats:   []string{"raw"},
		OutputDir: outDir,
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 0, sum.SourcesTotal)
	require.Equal(t, 0, sum.NodesUnique)

	_, statErr := os.Stat(filepath.Join(outDir, "vpn_subscription_raw.txt"))
	require.True(t, os.IsNotExist(statErr))
}

// TestRunCancellationWritesNoOutput mirrors spec.md's S5 scenario: a
// cancelled run must leave no artifact behind and report Cancelled=true.
func TestRunCancellationWritesNoOutput(t *testing.T) {
	mgr := newTestSourceMgr(t, map[string]domain.Tier{
		"https://a.example/feed": domain.TierPremium,
	})
	fetcher := newFakeFetcher(map[string]string{"https://a.example/feed": vlessLine})

	outDir := t.TempDir()
	engine := New(Config{Workers: 1}, fetcher, newMemCache(), mgr, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := engine.Run(ctx, domain.JobConfig{
		Formats:   []string{"raw"},
		OutputDir: outDir,
	}, nil)
	require.NoError(t, err)
	require.True(t, sum.Cancelled)

	_, statErr := os.Stat(filepath.Join(outDir, "vpn_subscription_raw.txt"))
	require.True(t, os.IsNotExist(statErr))
}

// TestRunAppliesMinQualityFilter verifies the MinQuality job config knob
// drops low-scoring nodes before the writer sees them.
func TestRunAppliesMinQualityFilter(t *testing.T) {
	mgr := newTestSourceMgr(t, map[string]domain.Tier{
		"https://a.example/feed": domain.TierExperimental,
	})
	fetcher := newFakeFetcher(map[string]string{"https://a.example/feed": vlessLine})

	outDir := t.TempDir()
	engine := New(Config{Workers: 1}, fetcher, newMemCache(), mgr, nil)

	sum, err := engine.Run(context.Background(), domain.JobConfig{
		Formats:    []string{"raw"},
		OutputDir:  outDir,
		MinQuality: 0.999,
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 0, sum.NodesUnique)
}

// TestRunClassifiesTimeoutFetchErrors verifies a *fetch.Error with
// KindTimeout is recorded as domain.FetchTimeout, not lumped into the
// generic http_error bucket.
func TestRunClassifiesTimeoutFetchErrors(t *testing.T) {
	mgr := newTestSourceMgr(t, map[string]domain.Tier{
		"https://slow.example/feed": domain.TierBulk,
	})
	stats := &captureStats{}
	fetcher := &failingFetcher{err: &fetch.Error{Kind: fetch.KindTimeout, Err: context.DeadlineExceeded}}

	outDir := t.TempDir()
	engine := New(Config{Workers: 1}, fetcher, newMemCache(), mgr, stats)

	sum, err := engine.Run(context.Background(), domain.JobConfig{
		Formats:   []string{"raw"},
		OutputDir: outDir,
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, sum.SourcesFailed)

	stats.mu.Lock()
	defer stats.mu.Unlock()
	require.Len(t, stats.results, 1)
	require.Equal(t, domain.FetchTimeout, stats.results[0].Status)
}

// TestRunClassifiesBlockedFetchErrors verifies a *fetch.Error with
// KindBlocked (circuit open) is recorded as domain.FetchBlocked.
func TestRunClassifiesBlockedFetchErrors(t *testing.T) {
	mgr := newTestSourceMgr(t, map[string]domain.Tier{
		"https://tripped.example/feed": domain.TierBulk,
	})
	stats := &captureStats{}
	fetcher := &failingFetcher{err: &fetch.Error{Kind: fetch.KindBlocked, Err: errors.New("circuit open")}}

	outDir := t.TempDir()
	engine := New(Config{Workers: 1}, fetcher, newMemCache(), mgr, stats)

	sum, err := engine.Run(context.Background(), domain.JobConfig{
		Formats:   []string{"raw"},
		OutputDir: outDir,
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, sum.SourcesFailed)

	stats.mu.Lock()
	defer stats.mu.Unlock()
	require.Len(t, stats.results, 1)
	require.Equal(t, domain.FetchBlocked, stats.results[0].Status)
}
