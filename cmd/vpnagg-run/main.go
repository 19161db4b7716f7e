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

// Package main is the one-shot pipeline runner: it drives a single
// RunPipeline call to completion and maps the result to the exit codes
// spec.md §6 documents, modeled on cmd/ratelimiter-api/main.go's
// flag-parse-then-run structure but adapted to pflag.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/vpnagg/internal/domain"
	"github.com/kraklabs/vpnagg/internal/pipeline"
	"github.com/kraklabs/vpnagg/internal/summary"
	"github.com/kraklabs/vpnagg/internal/wiring"
)

const (
	exitSuccess          = 0
	exitInvalidConfig    = 2
	exitOutputUnwritable = 3
	exitNoNodesProduced  = 4
	exitCancelled        = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("sources", "", "Path to the tiered YAML source configuration")
	formatsCSV := flag.String("formats", "raw,json", "Comma-separated output formats: raw,base64,json,clash,singbox")
	tiersCSV := flag.String("tiers", "", "Comma-separated tier filter (premium,reliable,bulk,experimental); empty means all")
	strictMode := flag.Bool("strict", false, "Reject nodes resolving to private/loopback hosts")
	normalizeQuery := flag.Bool("normalize-query", false, "Sort query parameters during URL normalization")
	minQuality := flag.Float64("min-quality", 0, "Drop nodes scoring below this quality before writing output")
	flag.Parse()

	opts := wiring.OptionsFromEnv()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "error: --sources is required")
		return exitInvalidConfig
	}
	formats := splitCSV(*formatsCSV)
	if len(formats) == 0 {
		fmt.Fprintln(os.Stderr, "error: --formats must name at least one output format")
		return exitInvalidConfig
	}

	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "error: output directory %q is not writable: %v\n", opts.OutputDir, err)
		return exitOutputUnwritable
	}
	if probe, err := os.CreateTemp(opts.OutputDir, ".write-probe-*"); err != nil {
		fmt.Fprintf(os.Stderr, "error: output directory %q is not writable: %v\n", opts.OutputDir, err)
		return exitOutputUnwritable
	} else {
		name := probe.Name()
		probe.Close()
		os.Remove(name)
	}

	comps, err := wiring.Build(opts, *configPath, *normalizeQuery)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitInvalidConfig
	}
	defer comps.Close()

	cfg := domain.JobConfig{
		Formats:        formats,
		OutputDir:      opts.OutputDir,
		EnabledTiers:   tiersFromCSV(*tiersCSV),
		StrictMode:     *strictMode,
		MinQuality:     *minQuality,
		NormalizeQuery: *normalizeQuery,
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.JobWallClock)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nreceived interrupt, cancelling run...")
		cancel()
	}()

	started := time.Now()
	sum, err := comps.Engine.Run(ctx, cfg, func(completed, total int) {
		fmt.Fprintf(os.Stderr, "progress: %d/%d sources\n", completed, total)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: pipeline run failed: %v\n", err)
		return exitInvalidConfig
	}
	if sum.Cancelled {
		fmt.Fprintln(os.Stderr, "run cancelled")
		return exitCancelled
	}
	if sum.SourcesTotal > 0 && sum.NodesUnique == 0 {
		fmt.Fprintln(os.Stderr, "error: no source produced any node")
		return exitNoNodesProduced
	}

	printSummary(sum, time.Since(started))
	return exitSuccess
}

func printSummary(sum pipeline.Summary, elapsed time.Duration) {
	rows := []summary.Row{
		{Label: "Sources total", Value: strconv.Itoa(sum.SourcesTotal)},
		{Label: "Sources ok", Value: strconv.Itoa(sum.SourcesOK)},
		{Label: "Sources failed", Value: strconv.Itoa(sum.SourcesFailed)},
		{Label: "Nodes unique", Value: strconv.Itoa(sum.NodesUnique)},
		{Label: "Duplicates suppressed", Value: strconv.Itoa(sum.DuplicatesSuppressed)},
		{Label: "Artifacts written", Value: strconv.Itoa(len(sum.Artifacts))},
		{Label: "Elapsed", Value: elapsed.Round(time.Millisecond).String()},
	}
	summary.PrintReport(fmt.Sprintf("[%s] vpnagg-run summary", time.Now().Format(time.RFC3339)), rows)
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func tiersFromCSV(s string) []domain.Tier {
	var out []domain.Tier
	for _, part := range splitCSV(s) {
		out = append(out, domain.Tier(strings.ToLower(part)))
	}
	return out
}
