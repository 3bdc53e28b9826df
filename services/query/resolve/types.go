// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resolve turns (provider, indicator phrase) into a concrete
// provider-specific indicator code by walking a fixed ladder of resolution
// tiers: hardcoded alias, flattened catalog, structured dataflow catalog,
// similarity index, and finally a language-model re-rank of the pooled
// candidates. Tier order never changes at runtime; a later tier runs only
// when the earlier tier's best candidate falls below the confidence
// threshold.
package resolve

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/statquery/services/query/intent"
)

// =============================================================================
// Tiers
// =============================================================================

// Tier identifies one resolution strategy. The declared order is the
// execution order.
type Tier string

const (
	TierHardcoded  Tier = "hardcoded"
	TierCatalog    Tier = "catalog"
	TierStructured Tier = "structured"
	TierSimilarity Tier = "similarity"
	TierLLM        Tier = "llm"
)

// allTiers lists the tiers in execution order, for diagnostics.
var allTiers = []Tier{TierHardcoded, TierCatalog, TierStructured, TierSimilarity, TierLLM}

// =============================================================================
// Candidates & Results
// =============================================================================

// Candidate is one possible (provider, code) answer for a phrase, scored
// by the tier that produced it. Candidates are transient: they exist only
// while one phrase resolves.
type Candidate struct {
	Provider    intent.Provider `json:"provider"`
	Code        string          `json:"code"`
	DisplayName string          `json:"display_name"`
	Score       float64         `json:"score"`
	Tier        Tier            `json:"tier"`
}

// ResolvedIndicator is the successful output of resolution for one phrase.
type ResolvedIndicator struct {
	// Provider and Code identify the series to fetch.
	Provider intent.Provider `json:"provider"`
	Code     string          `json:"code"`

	// Confidence is the score of the tier that produced the match.
	Confidence float64 `json:"confidence"`

	// Path lists every tier consulted, in order, ending with the tier
	// that matched. Kept for explainability.
	Path []Tier `json:"path"`
}

// =============================================================================
// No-Match Error
// =============================================================================

// NoMatchError reports that every tier was exhausted below threshold.
//
// Description:
//
//	Always carries the full resolution path and, when the failure was a
//	near-tie rather than a blank, the ambiguous candidates — so a caller
//	can explain WHY nothing matched, not just that it didn't.
type NoMatchError struct {
	// Provider and Phrase identify the failed resolution.
	Provider intent.Provider
	Phrase   string

	// Path lists every tier consulted, in order.
	Path []Tier

	// Ambiguous is true when the top candidates were too close in
	// confidence to prefer one (treated as no-match by policy).
	Ambiguous bool

	// Closest are the best candidates seen, for diagnostics. May be empty.
	Closest []Candidate
}

// Error implements the error interface.
func (e *NoMatchError) Error() string {
	tiers := make([]string, len(e.Path))
	for i, t := range e.Path {
		tiers[i] = string(t)
	}
	kind := "no confident match"
	if e.Ambiguous {
		kind = "ambiguous match"
	}
	return fmt.Sprintf("%s for %q on %s (tiers tried: %s)",
		kind, e.Phrase, e.Provider, strings.Join(tiers, " → "))
}
