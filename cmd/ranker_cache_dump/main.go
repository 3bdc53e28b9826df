// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// ranker_cache_dump inspects the StatQuery ranker verdict cache.
//
// The ranker cache persists LLM re-ranking verdicts in BadgerDB so repeat
// queries are deterministic and never re-invoke the model within the TTL.
// This tool opens the cache read-only and prints a human-readable summary:
// keys, snapshot versions, TTL remaining, and each verdict.
//
// Usage:
//
//	ranker_cache_dump [--path /path/to/cache]
//
// If --path is not given, reads STATQUERY_CACHE_DIR from the environment,
// falling back to ~/.statquery/cache/.
//
// Exit codes:
//
//	0 — success (including "empty cache" which prints a message and exits 0)
//	1 — error opening or reading the database
package main

import (
	"bytes"
	"encoding/gob"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/statquery/services/query/resolve"
)

// rankerCacheKeyPrefix must match ranker_cache.go exactly.
const rankerCacheKeyPrefix = "rank/v1/"

func main() {
	pathFlag := flag.String("path", "", "Path to cache BadgerDB directory (overrides STATQUERY_CACHE_DIR env var)")
	flag.Parse()

	dbPath := *pathFlag
	if dbPath == "" {
		dbPath = os.Getenv("STATQUERY_CACHE_DIR")
	}
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			fatalf("cannot resolve home directory: %v", err)
		}
		dbPath = filepath.Join(home, ".statquery", "cache")
	}

	fmt.Printf("Ranker cache path: %s\n", dbPath)

	// Check existence before trying to open — gives a cleaner error message
	// than BadgerDB's "no such file or directory" buried in a long error.
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Println("Cache directory does not exist. The service has not yet cached any verdicts.")
		os.Exit(0)
	}

	opts := dgbadger.DefaultOptions(dbPath).
		WithLogger(nil). // suppress BadgerDB internal logs
		WithReadOnly(true)

	db, err := dgbadger.Open(opts)
	if err != nil {
		fatalf("open BadgerDB at %s: %v", dbPath, err)
	}
	defer func() { _ = db.Close() }()

	type entry struct {
		key       string
		expiresAt time.Time
		hasExpiry bool
		rawSize   int
		verdict   resolve.RankResult
		decodeErr error
	}

	var entries []entry

	err = db.View(func(txn *dgbadger.Txn) error {
		iterOpts := dgbadger.DefaultIteratorOptions
		iterOpts.PrefetchValues = true
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		prefix := []byte(rankerCacheKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()

			var e entry
			e.key = string(item.Key())

			// TTL: item.ExpiresAt() returns Unix seconds, 0 = no expiry.
			if expiresAt := item.ExpiresAt(); expiresAt > 0 {
				e.hasExpiry = true
				e.expiresAt = time.Unix(int64(expiresAt), 0)
			}

			raw, err := item.ValueCopy(nil)
			if err != nil {
				e.decodeErr = fmt.Errorf("copy value: %w", err)
				entries = append(entries, e)
				continue
			}
			e.rawSize = len(raw)

			if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&e.verdict); err != nil {
				e.decodeErr = fmt.Errorf("gob decode: %w", err)
			}

			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		fatalf("read BadgerDB: %v", err)
	}

	if len(entries) == 0 {
		fmt.Println("\nNo ranker cache entries found.")
		fmt.Println("The llm tier has not been reached yet, or every verdict has expired.")
		os.Exit(0)
	}

	fmt.Printf("\nFound %d ranker cache entr%s:\n", len(entries), plural(len(entries), "y", "ies"))
	fmt.Println(strings.Repeat("─", 80))

	for i, e := range entries {
		// Key shape: rank/v1/<snapshot>/<provider>/<normalized phrase>
		parts := strings.SplitN(strings.TrimPrefix(e.key, rankerCacheKeyPrefix), "/", 3)

		fmt.Printf("\n[%d] Key:      %s\n", i+1, e.key)
		if len(parts) == 3 {
			fmt.Printf("    Snapshot: v%s\n", parts[0])
			fmt.Printf("    Provider: %s\n", parts[1])
			fmt.Printf("    Phrase:   %q\n", parts[2])
		}

		if e.hasExpiry {
			remaining := time.Until(e.expiresAt)
			if remaining < 0 {
				fmt.Printf("    TTL:      EXPIRED (%s ago)\n", (-remaining).Round(time.Second))
			} else {
				fmt.Printf("    TTL:      %s remaining (expires %s)\n",
					remaining.Round(time.Second),
					e.expiresAt.Format("2006-01-02 15:04:05 MST"),
				)
			}
		} else {
			fmt.Printf("    TTL:      no expiry set\n")
		}

		fmt.Printf("    Raw size: %d bytes\n", e.rawSize)

		if e.decodeErr != nil {
			fmt.Printf("    DECODE ERROR: %v\n", e.decodeErr)
			continue
		}

		if e.verdict.NoMatch {
			fmt.Printf("    Verdict:  NO MATCH\n")
		} else {
			fmt.Printf("    Verdict:  %s (confidence %.2f, surfaced by %s tier)\n",
				e.verdict.Candidate.Code, e.verdict.Confidence, e.verdict.Candidate.Tier)
		}
	}

	fmt.Println()
}

func plural(n int, singular, plural string) string {
	if n == 1 {
		return singular
	}
	return plural
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "ranker_cache_dump: "+format+"\n", args...)
	os.Exit(1)
}
