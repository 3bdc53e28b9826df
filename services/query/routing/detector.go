// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routing selects exactly one data provider for every indicator
// phrase of a query. The decision walks a strict priority ladder (explicit
// mention, keyword route, indicator override, country default, catalog
// default); all match data lives in the config tables so routing changes
// are YAML edits.
package routing

import (
	"strings"

	"github.com/AleutianAI/statquery/services/query/config"
	"github.com/AleutianAI/statquery/services/query/intent"
)

// =============================================================================
// Explicit Provider Detection
// =============================================================================

// DetectExplicitProvider scans a raw query for a user-forced provider.
//
// # Description
//
// A provider alias counts as explicit only when the surrounding text marks
// it as a source request: a connector word before it ("from OECD"), a
// trailing marker after it ("OECD data"), or the alias opening the query
// ("OECD GDP growth for Italy"). A bare mention mid-sentence does not
// qualify, and any exclusion marker within the configured window after the
// alias disqualifies it outright, so "OECD countries" reads as a scope,
// never a source. When several providers qualify the leftmost mention wins.
//
// # Inputs
//
//   - t: The routing tables snapshot. Must not be nil.
//   - rawQuery: The original user question.
//
// # Outputs
//
//   - intent.Provider: The detected provider, valid only when ok.
//   - bool: True when an explicit provider was detected.
func DetectExplicitProvider(t *config.Tables, rawQuery string) (intent.Provider, bool) {
	tokens := tokenizeQuery(rawQuery)
	if len(tokens) == 0 {
		return "", false
	}

	det := t.ExplicitDetection
	bestPos := len(tokens)
	var best intent.Provider
	found := false

	for _, p := range intent.AllProviders {
		aliases, ok := det.ProviderAliases[p]
		if !ok {
			continue
		}
		for _, alias := range aliases {
			aliasTokens := strings.Fields(intent.NormalizePhrase(alias))
			if len(aliasTokens) == 0 {
				continue
			}
			for start := 0; start+len(aliasTokens) <= len(tokens); start++ {
				if !tokensMatchAt(tokens, start, aliasTokens) {
					continue
				}
				end := start + len(aliasTokens) // first token after the alias
				if excludedAt(tokens, end, det) {
					continue
				}
				if !qualifiesAt(tokens, start, end, det) {
					continue
				}
				if start < bestPos {
					bestPos = start
					best = p
					found = true
				}
				break // leftmost occurrence of this alias is enough
			}
		}
	}

	return best, found
}

// tokenizeQuery splits a raw query into normalized word tokens.
func tokenizeQuery(rawQuery string) []string {
	return strings.Fields(intent.NormalizePhrase(rawQuery))
}

// tokensMatchAt reports whether want occurs in tokens starting at i.
func tokensMatchAt(tokens []string, i int, want []string) bool {
	for j, w := range want {
		if tokens[i+j] != w {
			return false
		}
	}
	return true
}

// excludedAt reports whether an exclusion marker appears within the
// configured window starting at token position i.
func excludedAt(tokens []string, i int, det config.ExplicitDetection) bool {
	limit := i + det.ExclusionWindow
	if limit > len(tokens) {
		limit = len(tokens)
	}
	for ; i < limit; i++ {
		for _, marker := range det.ExclusionMarkers {
			if tokens[i] == marker {
				return true
			}
		}
	}
	return false
}

// qualifiesAt reports whether the alias spanning [start, end) is marked as
// a source request by its surroundings.
func qualifiesAt(tokens []string, start, end int, det config.ExplicitDetection) bool {
	// An alias opening the query is a source request on its own: "OECD GDP
	// growth" leads with the provider. Exclusion markers were already
	// checked, so "OECD countries" never reaches this rule.
	if start == 0 {
		return true
	}
	// An article between connector and alias is transparent: "from the
	// World Bank" binds the same as "from World Bank".
	before := start - 1
	if before >= 0 && tokens[before] == "the" {
		before--
	}
	if before >= 0 {
		for _, conn := range det.Connectors {
			if tokens[before] == conn {
				return true
			}
		}
		// Two-word connectors ("according to").
		if before > 0 {
			joined := tokens[before-1] + " " + tokens[before]
			for _, conn := range det.Connectors {
				if joined == conn {
					return true
				}
			}
		}
	}
	if end < len(tokens) {
		for _, marker := range det.TrailingMarkers {
			if tokens[end] == marker {
				return true
			}
		}
	}
	return false
}
