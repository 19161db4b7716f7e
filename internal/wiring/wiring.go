// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

// Package wiring assembles the shared component graph (rate limiter,
// fetcher, cache, source manager, pipeline engine, statistics registry)
// from spec.md §6's environment variables, so both cmd/vpnagg-run and
// cmd/vpnagg-server build it identically instead of duplicating it.
package wiring

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kraklabs/vpnagg/internal/cache"
	"github.com/kraklabs/vpnagg/internal/fetch"
	"github.com/kraklabs/vpnagg/internal/pipeline"
	"github.com/kraklabs/vpnagg/internal/sources"
	"github.com/kraklabs/vpnagg/internal/stats"
	"github.com/kraklabs/vpnagg/pkg/ratelimit"
)

// Options captures the environment-derived knobs spec.md §6 documents:
// OUTPUT_DIR, DATA_DIR, CACHE_L2_URL, MAX_CONCURRENT, FETCH_TIMEOUT_MS,
// BODY_MAX_BYTES, JOB_WALL_CLOCK_MS.
type Options struct {
	OutputDir     string
	DataDir       string
	CacheL2URL    string // optional; empty disables Redis L2
	MaxConcurrent int
	FetchTimeout  time.Duration
	BodyMaxBytes  int64
	JobWallClock  time.Duration
	PromEnabled   bool
}

// OptionsFromEnv reads Options from the process environment, applying
// spec.md §6's defaults for anything unset.
func OptionsFromEnv() Options {
	o := Options{
		OutputDir:     getenvDefault("OUTPUT_DIR", "./output"),
		DataDir:       getenvDefault("DATA_DIR", "./data"),
		CacheL2URL:    os.Getenv("CACHE_L2_URL"),
		MaxConcurrent: getenvInt("MAX_CONCURRENT", 0),
		FetchTimeout:  time.Duration(getenvInt("FETCH_TIMEOUT_MS", 30000)) * time.Millisecond,
		BodyMaxBytes:  int64(getenvInt("BODY_MAX_BYTES", 20<<20)),
		JobWallClock:  time.Duration(getenvInt("JOB_WALL_CLOCK_MS", 15*60*1000)) * time.Millisecond,
	}
	return o
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Components is the fully wired component graph for one process.
type Components struct {
	SrcMgr  *sources.Manager
	Cache   *cache.Cache
	Fetcher *fetch.Fetcher
	Limiter *ratelimit.Limiter
	Stats   *stats.Registry
	Engine  *pipeline.Engine
}

// Build constructs every component and loads the source config from
// configPath. normalizeQuery mirrors the JobConfig flag of the same name
// (spec.md §4.7's URL-normalization option).
func Build(opts Options, configPath string, normalizeQuery bool) (*Components, error) {
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("wiring: create data dir: %w", err)
	}

	statsRg := stats.New(opts.PromEnabled)

	var l2 cache.RemoteCache
	if opts.CacheL2URL != "" {
		addrs := strings.Split(opts.CacheL2URL, ",")
		l2 = cache.NewRedisL2(addrs, "", 0)
	}
	l3, err := cache.NewFileStore(opts.DataDir+"/cache_l3.jsonl", 0)
	if err != nil {
		return nil, fmt.Errorf("wiring: open L3 cache: %w", err)
	}
	c := cache.New(cache.Config{}, l2, l3, statsRg)

	limiter := ratelimit.New(ratelimit.DefaultConfig())
	fetcher := fetch.New(fetch.Config{Timeout: opts.FetchTimeout, MaxBodyBytes: opts.BodyMaxBytes}, limiter)

	srcMgr := sources.New(func(msg string) { fmt.Fprintln(os.Stderr, "sources: warning:", msg) }, normalizeQuery)
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("wiring: read source config: %w", err)
		}
		if _, err := srcMgr.Load(data); err != nil {
			return nil, fmt.Errorf("wiring: load source config: %w", err)
		}
	}

	engineCfg := pipeline.Config{}
	if opts.MaxConcurrent > 0 {
		engineCfg.Workers = opts.MaxConcurrent
	}
	engine := pipeline.New(engineCfg, fetcher, c, srcMgr, statsRg)

	return &Components{SrcMgr: srcMgr, Cache: c, Fetcher: fetcher, Limiter: limiter, Stats: statsRg, Engine: engine}, nil
}

// Close releases resources owned by the component graph.
func (c *Components) Close() error {
	return c.Cache.Close()
}
