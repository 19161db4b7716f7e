// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

package stats

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kraklabs/vpnagg/internal/domain"
)

// promExporter mirrors telemetry/churn's collector set, but its collectors
// are instance fields rather than package globals. newPromExporter
// registers them with Prometheus' default registry, so a process can
// construct only one Registry with Prometheus enabled; a second one panics
// on duplicate registration.
type promExporter struct {
	sourcesTotal    prometheus.Counter
	sourcesOK       prometheus.Counter
	sourcesFailed   prometheus.Counter
	fetchDurationMs prometheus.Histogram
	cacheHits       *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec
	duplicatesTotal *prometheus.CounterVec
}

func newPromExporter() *promExporter {
	e := &promExporter{
		sourcesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vpnagg_sources_total",
			Help: "Total sources attempted across all jobs.",
		}),
		sourcesOK: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vpnagg_sources_ok_total",
			Help: "Sources that fetched successfully.",
		}),
		sourcesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vpnagg_sources_failed_total",
			Help: "Sources that failed to fetch or parse.",
		}),
		fetchDurationMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vpnagg_fetch_duration_milliseconds",
			Help:    "Distribution of per-source fetch durations.",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vpnagg_cache_hits_total",
			Help: "Cache hits by tier (L1, L2, L3).",
		}, []string{"tier"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vpnagg_cache_misses_total",
			Help: "Cache misses by tier (L1, L2, L3).",
		}, []string{"tier"}),
		duplicatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vpnagg_duplicates_suppressed_total",
			Help: "Duplicate nodes suppressed by source.",
		}, []string{"source"}),
	}
	prometheus.MustRegister(
		e.sourcesTotal, e.sourcesOK, e.sourcesFailed, e.fetchDurationMs,
		e.cacheHits, e.cacheMisses, e.duplicatesTotal,
	)
	return e
}

func (e *promExporter) observeFetch(res domain.FetchResult) {
	e.sourcesTotal.Inc()
	if res.Status == domain.FetchOK {
		e.sourcesOK.Inc()
	} else {
		e.sourcesFailed.Inc()
	}
	e.fetchDurationMs.Observe(float64(res.DurationMs))
}

func (e *promExporter) observeCache(tier domain.CacheTier, hit bool) {
	if hit {
		e.cacheHits.WithLabelValues(string(tier)).Inc()
	} else {
		e.cacheMisses.WithLabelValues(string(tier)).Inc()
	}
}

func (e *promExporter) observeDuplicates(source string, n int64) {
	e.duplicatesTotal.WithLabelValues(source).Add(float64(n))
}
