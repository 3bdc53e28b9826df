// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command statquery runs the StatQuery indicator resolution and provider
// routing engine.
//
// Usage:
//
//	statquery serve --snapshot-dir /var/lib/statquery/snapshot --fixtures
//	statquery ask "US unemployment rate since 2020"
//
// The serve subcommand starts the HTTP API; ask is a one-shot client that
// posts a question to a running server and prints the result.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "statquery",
		Short: "Indicator resolution and provider routing for statistical data",
		Long: `StatQuery routes free-text economic-data questions to the right
statistical provider, resolves indicator phrases to concrete series codes
through a tiered catalog/similarity/LLM pipeline, and fetches the series
with per-provider rate limiting and caching.`,
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newAskCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
