// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package catalog

import (
	"sort"
	"strings"

	"github.com/AleutianAI/statquery/services/query/intent"
)

// =============================================================================
// Scored Lookup Results
// =============================================================================

// ScoredEntry is one candidate indicator with the score a lookup tier
// assigned it. Scores are always in [0, 1] and only comparable within the
// tier that produced them.
type ScoredEntry struct {
	Provider intent.Provider
	Entry    Entry
	Score    float64
}

// containment scoring weights for the catalog tier. An exact normalized
// match scores 1.0; name containment outranks description containment.
const (
	catalogExactScore       = 1.0
	catalogNameContainment  = 0.90
	catalogAliasContainment = 0.85
	catalogDescContainment  = 0.60
)

// bm25Weight blends the BM25 score into containment-based catalog scores.
// Containment dominates: BM25 refines ordering among partial matches.
const bm25Weight = 0.4

// =============================================================================
// Hardcoded Tier — alias table
// =============================================================================

// LookupAlias resolves a phrase through the provider's hardcoded alias
// table.
//
// # Description
//
// The alias table maps common phrasings straight to codes; a hit is an
// exact normalized-string match and carries confidence 1.0 by definition.
// This is the first and cheapest resolution tier.
//
// # Inputs
//
//   - p: Target provider.
//   - phrase: Raw indicator phrase; normalized internally.
//
// # Outputs
//
//   - Entry: The matched entry. Zero value when ok is false.
//   - bool: True on a hit.
func (s *Snapshot) LookupAlias(p intent.Provider, phrase string) (Entry, bool) {
	table, ok := s.aliases[p]
	if !ok {
		return Entry{}, false
	}
	i, ok := table[intent.NormalizePhrase(phrase)]
	if !ok {
		return Entry{}, false
	}
	return s.providers[p].Entries[i], true
}

// =============================================================================
// Catalog Tier — flattened catalog match
// =============================================================================

// MatchCatalog scores a phrase against the provider's flattened catalog.
//
// # Description
//
// Combines two signals: case/punctuation-normalized containment between
// the phrase and the entry's name/aliases/description, and the provider's
// prebuilt BM25 index. Containment dominates; BM25 breaks ties among
// partial matches and rewards rare-term overlap. Results are sorted by
// score descending, then by code for a stable order.
//
// # Inputs
//
//   - p: Target provider.
//   - phrase: Raw indicator phrase.
//   - k: Maximum results. Non-positive k returns nil.
//
// # Outputs
//
//   - []ScoredEntry: Up to k candidates, best first. Nil when the provider
//     is unknown or nothing scored above zero.
func (s *Snapshot) MatchCatalog(p intent.Provider, phrase string, k int) []ScoredEntry {
	pc, ok := s.providers[p]
	if !ok || k <= 0 {
		return nil
	}

	norm := intent.NormalizePhrase(phrase)
	if norm == "" {
		return nil
	}

	bm25Scores := s.bm25[p].score(phrase)

	results := make([]ScoredEntry, 0, k)
	for i, e := range pc.Entries {
		base := containmentScore(norm, e)
		bm := bm25Scores[i]
		if base == 0 && bm == 0 {
			continue
		}

		// Blend, capped at 1.0. An exact containment hit stays 1.0
		// regardless of BM25.
		score := base + bm25Weight*bm*(1.0-base)
		if score > 1.0 {
			score = 1.0
		}

		results = append(results, ScoredEntry{Provider: p, Entry: e, Score: score})
	}

	sortScored(results)
	if len(results) > k {
		results = results[:k]
	}
	return results
}

// containmentScore computes the normalized-containment signal between a
// phrase and one entry.
func containmentScore(normPhrase string, e Entry) float64 {
	name := intent.NormalizePhrase(e.Name)
	if name == normPhrase {
		return catalogExactScore
	}
	for _, a := range e.Aliases {
		if intent.NormalizePhrase(a) == normPhrase {
			return catalogExactScore
		}
	}

	best := 0.0
	if name != "" && (strings.Contains(name, normPhrase) || strings.Contains(normPhrase, name)) {
		best = catalogNameContainment * lengthRatio(normPhrase, name)
	}
	for _, a := range e.Aliases {
		na := intent.NormalizePhrase(a)
		if na == "" {
			continue
		}
		if strings.Contains(na, normPhrase) || strings.Contains(normPhrase, na) {
			if s := catalogAliasContainment * lengthRatio(normPhrase, na); s > best {
				best = s
			}
		}
	}
	desc := intent.NormalizePhrase(e.Description)
	if desc != "" && strings.Contains(desc, normPhrase) {
		if s := catalogDescContainment; s > best {
			best = s
		}
	}
	return best
}

// lengthRatio scales containment by how much of the longer string the
// shorter one covers, so "gdp" inside "gdp deflator seasonally adjusted"
// scores below "gdp growth" inside "gdp growth annual".
func lengthRatio(a, b string) float64 {
	la, lb := len(a), len(b)
	if la == 0 || lb == 0 {
		return 0
	}
	if la > lb {
		la, lb = lb, la
	}
	return float64(la) / float64(lb)
}

// sortScored orders candidates best-first with a stable code tie-break.
func sortScored(results []ScoredEntry) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Entry.Code < results[j].Entry.Code
	})
}
