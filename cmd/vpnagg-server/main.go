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

// Package main is the long-running server: control plane + job runner +
// optional Prometheus /metrics, mirroring cmd/ratelimiter-api/main.go's
// lifecycle almost line-for-line (parse flags, build components, start
// background workers, serve, wait for signal, graceful shutdown with a
// final flush), adapted to pflag per the pack's CLI convention.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/kraklabs/vpnagg/internal/controlplane"
	"github.com/kraklabs/vpnagg/internal/domain"
	"github.com/kraklabs/vpnagg/internal/jobs"
	"github.com/kraklabs/vpnagg/internal/pipeline"
	"github.com/kraklabs/vpnagg/internal/summary"
	"github.com/kraklabs/vpnagg/internal/wiring"
)

func main() {
	httpAddr := flag.String("http_addr", ":8080", "HTTP listen address for the control plane")
	configPath := flag.String("sources", "", "Path to the tiered YAML source configuration")
	concurrency := flag.Int("job_concurrency", 1, "Number of pipeline jobs that may run concurrently")
	normalizeQuery := flag.Bool("normalize-query", false, "Sort query parameters during URL normalization")
	metricsEnabled := flag.Bool("metrics", false, "Enable the Prometheus /metrics endpoint and counters (opt-in)")
	metricsAddr := flag.String("metrics_addr", ":9090", "Address for the /metrics endpoint when --metrics is set")
	flag.Parse()

	opts := wiring.OptionsFromEnv()
	opts.PromEnabled = *metricsEnabled

	comps, err := wiring.Build(opts, *configPath, *normalizeQuery)
	if err != nil {
		log.Fatalf("failed to build components: %v", err)
	}
	defer comps.Close()

	nodeStore := controlplane.NewNodeStore()
	comps.Engine.WithNodesSink(nodeStore)

	jobMgr, err := jobs.New(jobs.Config{
		DataDir:     opts.DataDir,
		Concurrency: *concurrency,
		WallClock:   opts.JobWallClock,
	}, engineRunner{comps.Engine})
	if err != nil {
		log.Fatalf("failed to start job runner: %v", err)
	}

	cpServer := controlplane.NewServer(jobMgr, comps.SrcMgr, nodeStore, comps.Stats)
	mux := http.NewServeMux()
	cpServer.RegisterRoutes(mux)
	httpServer := &http.Server{
		Addr:         *httpAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		fmt.Printf("vpnagg control plane listening on %s\n", *httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("could not listen on %s: %v\n", *httpAddr, err)
		}
	}()

	var metricsServer *http.Server
	if *metricsEnabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: *metricsAddr, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			fmt.Printf("vpnagg metrics listening on %s\n", *metricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("metrics server error: %v", err)
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	fmt.Println("\nshutting down server...")

	jobMgr.Stop()
	printFinalSummary(jobMgr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Fatalf("server shutdown failed: %v", err)
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(ctx)
	}

	fmt.Println("server gracefully stopped.")
}

// engineRunner adapts *pipeline.Engine to jobs.Runner: the two packages
// each define their own Summary type so jobs never has to import
// pipeline, so this just copies the fields across.
type engineRunner struct {
	engine *pipeline.Engine
}

func (r engineRunner) Run(ctx context.Context, cfg domain.JobConfig, progress func(completed, total int)) (jobs.Summary, error) {
	sum, err := r.engine.Run(ctx, cfg, progress)
	return jobs.Summary{
		SourcesTotal:         sum.SourcesTotal,
		SourcesOK:            sum.SourcesOK,
		SourcesFailed:        sum.SourcesFailed,
		NodesUnique:          sum.NodesUnique,
		DuplicatesSuppressed: sum.DuplicatesSuppressed,
		ByProtocol:           sum.ByProtocol,
		Artifacts:            sum.Artifacts,
		Cancelled:            sum.Cancelled,
	}, err
}

func printFinalSummary(jobMgr *jobs.Manager) {
	all := jobMgr.List(200, "")
	succeeded, failed, cancelled := 0, 0, 0
	for _, j := range all {
		switch j.Status {
		case domain.JobSucceeded:
			succeeded++
		case domain.JobFailed:
			failed++
		case domain.JobCancelled:
			cancelled++
		}
	}
	rows := []summary.Row{
		{Label: "Jobs recorded", Value: strconv.Itoa(len(all))},
		{Label: "Succeeded", Value: strconv.Itoa(succeeded)},
		{Label: "Failed", Value: strconv.Itoa(failed)},
		{Label: "Cancelled", Value: strconv.Itoa(cancelled)},
	}
	summary.PrintReport(fmt.Sprintf("[%s] vpnagg-server final job summary", time.Now().Format(time.RFC3339)), rows)
}
