// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/statquery/services/query"
	"github.com/AleutianAI/statquery/services/query/intent"
	"github.com/AleutianAI/statquery/services/query/resolve"
)

// askOptions holds the ask subcommand's flag values.
type askOptions struct {
	server   string
	phrases  []string
	country  string
	provider string
	timeout  time.Duration
}

func newAskCmd() *cobra.Command {
	opts := &askOptions{}

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Post one question to a running StatQuery server",
		Long: `Builds a ParsedIntent from the question and flags, posts it to
POST /v1/query on a running server, and prints the per-indicator results.
Without --phrase flags the whole question is treated as one indicator
phrase.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runAsk(opts, strings.Join(args, " "))
		},
	}

	cmd.Flags().StringVar(&opts.server, "server", "http://localhost:8080", "StatQuery server base URL")
	cmd.Flags().StringArrayVar(&opts.phrases, "phrase", nil, "Indicator phrase (repeatable); defaults to the whole question")
	cmd.Flags().StringVar(&opts.country, "country", "", "ISO alpha-2 country code")
	cmd.Flags().StringVar(&opts.provider, "provider", "", "Force a provider, bypassing detection")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "Overall request timeout")

	return cmd
}

func runAsk(opts *askOptions, question string) error {
	phrases := opts.phrases
	if len(phrases) == 0 {
		phrases = []string{question}
	}

	pi := intent.ParsedIntent{
		RawQuery:         question,
		IndicatorPhrases: phrases,
		Country:          strings.ToUpper(opts.country),
	}
	if opts.provider != "" {
		p, err := intent.ParseProvider(opts.provider)
		if err != nil {
			return err
		}
		pi.ExplicitProvider = p
	}

	body, err := json.Marshal(&pi)
	if err != nil {
		return fmt.Errorf("encode intent: %w", err)
	}

	client := &http.Client{Timeout: opts.timeout}
	resp, err := client.Post(opts.server+"/v1/query", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post query: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		var apiErr query.ErrorResponse
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server rejected query (%s): %s", apiErr.Code, apiErr.Error)
		}
		return fmt.Errorf("server returned %s: %s", resp.Status, string(raw))
	}

	var qr query.Response
	if err := json.Unmarshal(raw, &qr); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	printResponse(&qr)
	return nil
}

func printResponse(qr *query.Response) {
	fmt.Printf("Query %s — %s (snapshot v%d)\n\n", qr.QueryID, qr.Status, qr.SnapshotVersion)

	for _, ind := range qr.Indicators {
		fmt.Printf("» %s\n", ind.Phrase)
		fmt.Printf("  routed to %s (%s", ind.Routing.Provider, ind.Routing.Reason)
		if ind.Routing.Rule != "" {
			fmt.Printf(": %q", ind.Routing.Rule)
		}
		fmt.Println(")")

		if ind.Failure != nil {
			fmt.Printf("  FAILED [%s] %s\n\n", ind.Failure.Kind, ind.Failure.Message)
			continue
		}

		r := ind.Resolution
		fmt.Printf("  resolved to %s (confidence %.2f, via %s)\n",
			r.Code, r.Confidence, tierPath(r.Path))

		if ind.Series != nil {
			n := len(ind.Series.Points)
			fmt.Printf("  %d observations", n)
			if n > 0 {
				first, last := ind.Series.Points[0], ind.Series.Points[n-1]
				fmt.Printf(" (%s %.2f … %s %.2f)",
					first.Date.Format("2006-01"), first.Value,
					last.Date.Format("2006-01"), last.Value,
				)
			}
			fmt.Println()
		}
		fmt.Println()
	}
}

func tierPath(path []resolve.Tier) string {
	parts := make([]string, len(path))
	for i, t := range path {
		parts[i] = string(t)
	}
	return strings.Join(parts, " → ")
}
