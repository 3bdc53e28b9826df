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
	"strings"

	"github.com/AleutianAI/statquery/services/query/intent"
)

// Structured-tier scoring. Exact dataflow-id matches outrank everything a
// fuzzy description match can produce, per the match-specificity contract.
const (
	structuredExactDataflow = 0.95
	structuredDataflowWord  = 0.80
	structuredFuzzyCeiling  = 0.70
)

// MatchStructured queries a provider's dataflow catalog for a phrase.
//
// # Description
//
// Only providers that publish structured dataflow metadata participate
// (ProviderCatalog.Structured); for the rest this tier is a no-op and the
// resolver falls through. Scoring by match specificity:
//
//  1. The normalized phrase equals a dataflow id → structuredExactDataflow.
//  2. Every word of the dataflow id appears in the phrase →
//     structuredDataflowWord, scaled by dimension coverage.
//  3. Fuzzy description match (BM25 against structured entries only),
//     capped at structuredFuzzyCeiling so a description hit can never
//     outrank a dataflow-id hit.
//
// # Inputs
//
//   - p: Target provider.
//   - phrase: Raw indicator phrase.
//   - k: Maximum results. Non-positive k returns nil.
//
// # Outputs
//
//   - []ScoredEntry: Up to k candidates, best first. Nil for providers
//     without structured catalogs.
func (s *Snapshot) MatchStructured(p intent.Provider, phrase string, k int) []ScoredEntry {
	pc, ok := s.providers[p]
	if !ok || !pc.Structured || k <= 0 {
		return nil
	}

	norm := intent.NormalizePhrase(phrase)
	if norm == "" {
		return nil
	}
	phraseWords := map[string]bool{}
	for _, w := range strings.Fields(norm) {
		phraseWords[w] = true
	}

	bm25Scores := s.bm25[p].score(phrase)

	results := make([]ScoredEntry, 0, k)
	for i, e := range pc.Entries {
		if e.Dataflow == "" {
			continue
		}

		score := structuredScore(norm, phraseWords, e)

		// Fuzzy fallback for entries whose dataflow id shares nothing
		// with the phrase but whose description does.
		if score == 0 {
			if bm := bm25Scores[i]; bm > 0 {
				score = structuredFuzzyCeiling * bm
			}
		}

		if score > 0 {
			results = append(results, ScoredEntry{Provider: p, Entry: e, Score: score})
		}
	}

	sortScored(results)
	if len(results) > k {
		results = results[:k]
	}
	return results
}

// structuredScore rates a phrase against one dataflow entry by id match
// specificity.
func structuredScore(normPhrase string, phraseWords map[string]bool, e Entry) float64 {
	df := intent.NormalizePhrase(e.Dataflow)
	if df == "" {
		return 0
	}
	if df == normPhrase {
		return structuredExactDataflow
	}

	dfWords := strings.Fields(df)
	matched := 0
	for _, w := range dfWords {
		if phraseWords[w] {
			matched++
		}
	}
	if matched == 0 || matched < len(dfWords) {
		return 0
	}

	// All dataflow-id words present. Dimension hits sharpen the score:
	// "annual cpi" should prefer the FREQ=A entry over FREQ=Q.
	score := structuredDataflowWord
	if len(e.Dimensions) > 0 {
		hits := 0
		for _, v := range e.Dimensions {
			if v != "" && phraseWords[intent.NormalizePhrase(v)] {
				hits++
			}
		}
		score += (structuredExactDataflow - structuredDataflowWord) *
			float64(hits) / float64(len(e.Dimensions))
	}
	return score
}
