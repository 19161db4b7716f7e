// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

// Package summary prints a single end-of-run columnar report, the same
// "one yellow summary at the end of the process" idiom as
// core.mockPersister.PrintFinalMetrics, but colored via fatih/color
// gated on a real TTY (mattn/go-isatty) instead of hardcoded ANSI codes.
package summary

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

var headerColor = color.New(color.FgYellow)

func init() {
	// Disable color entirely when stdout isn't a real terminal, e.g. when
	// piped to a file or another process.
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		color.NoColor = true
	}
}

// Row is one labeled metric line in the final report.
type Row struct {
	Label string
	Value string
}

// PrintReport renders title followed by rows in a fixed-width `%-22s %12s`
// columnar layout, modeled on core.persistence.go's columnar convention.
func PrintReport(title string, rows []Row) {
	sep := strings.Repeat("-", 60)
	headerColor.Printf("%s\n", title)
	fmt.Println(sep)
	fmt.Printf("%-22s %12s\n", "Metric", "Value")
	fmt.Println(sep)
	for _, r := range rows {
		fmt.Printf("%-22s %12s\n", r.Label, r.Value)
	}
}
