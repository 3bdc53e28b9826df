// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package intent defines the parsed-query input contract for the StatQuery
// engine: the immutable ParsedIntent produced by the upstream language-model
// extraction step, the closed set of statistical-data providers, and the
// date-range and region types shared by routing, resolution, and dispatch.
package intent

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// Provider Enumeration
// =============================================================================

// Provider identifies one of the supported statistical-data providers.
//
// The set is closed: adding a provider means adding a member here plus
// entries in the routing tables and catalog snapshot. Routing behavior for
// existing providers is data, not code.
type Provider string

const (
	// ProviderFRED is the US Federal Reserve Economic Data service.
	// Home-country provider for the United States.
	ProviderFRED Provider = "fred"

	// ProviderWorldBank is the World Bank open data API. Broadest country
	// coverage; the catalog-default provider.
	ProviderWorldBank Provider = "worldbank"

	// ProviderIMF is the International Monetary Fund data service.
	// Preferred for cross-country financial statistics (inflation, debt,
	// fiscal balances) outside the home country.
	ProviderIMF Provider = "imf"

	// ProviderOECD is the OECD statistics service.
	ProviderOECD Provider = "oecd"

	// ProviderEurostat is the EU statistical office.
	ProviderEurostat Provider = "eurostat"

	// ProviderECB is the European Central Bank statistical data warehouse.
	ProviderECB Provider = "ecb"

	// ProviderBIS is the Bank for International Settlements (property
	// prices, credit aggregates, effective exchange rates).
	ProviderBIS Provider = "bis"

	// ProviderComtrade is the UN Comtrade bilateral trade-flow database.
	ProviderComtrade Provider = "comtrade"

	// ProviderCoinGecko is the CoinGecko crypto-asset market data API.
	ProviderCoinGecko Provider = "coingecko"

	// ProviderILOStat is the International Labour Organization statistics
	// service (labor-market indicators).
	ProviderILOStat Provider = "ilostat"
)

// AllProviders lists every supported provider in stable declaration order.
// The order is documented and relied upon by the keyword pre-router's
// tie-breaking rule; do not reorder without updating the routing tables.
var AllProviders = []Provider{
	ProviderFRED,
	ProviderWorldBank,
	ProviderIMF,
	ProviderOECD,
	ProviderEurostat,
	ProviderECB,
	ProviderBIS,
	ProviderComtrade,
	ProviderCoinGecko,
	ProviderILOStat,
}

// ParseProvider converts a string to a Provider.
//
// # Inputs
//
//   - s: Candidate provider identifier. Case-insensitive.
//
// # Outputs
//
//   - Provider: The matched provider.
//   - error: Non-nil if s names no known provider.
func ParseProvider(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllProviders {
		if p == known {
			return known, nil
		}
	}
	return "", fmt.Errorf("unknown provider %q", s)
}

// Valid reports whether p is a member of the closed provider set.
func (p Provider) Valid() bool {
	for _, known := range AllProviders {
		if p == known {
			return true
		}
	}
	return false
}

// String returns the wire identifier of the provider.
func (p Provider) String() string { return string(p) }

// =============================================================================
// Region
// =============================================================================

// Region is a coarse geographic aggregate extracted from the query.
// Distinct from Country: a region names a group of economies, which only
// some providers can serve as a single series.
type Region string

const (
	RegionNone      Region = ""
	RegionWorld     Region = "world"
	RegionEuroArea  Region = "euro_area"
	RegionEU        Region = "eu"
	RegionOECD      Region = "oecd_members"
	RegionEmerging  Region = "emerging_markets"
	RegionMiddleEas Region = "middle_east"
	RegionAfrica    Region = "africa"
	RegionAsia      Region = "asia"
	RegionLatAm     Region = "latin_america"
)

// =============================================================================
// Date Range
// =============================================================================

// DateRange bounds the requested observation window. Either side may be
// the zero time, meaning unbounded on that side.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// IsZero reports whether both bounds are unset.
func (r DateRange) IsZero() bool { return r.Start.IsZero() && r.End.IsZero() }

// CacheKey renders the range in a stable form for cache-key composition.
// Zero bounds render as "-" so distinct ranges never collide.
func (r DateRange) CacheKey() string {
	start, end := "-", "-"
	if !r.Start.IsZero() {
		start = r.Start.Format("2006-01-02")
	}
	if !r.End.IsZero() {
		end = r.End.Format("2006-01-02")
	}
	return start + ".." + end
}

// =============================================================================
// ParsedIntent
// =============================================================================

// ParsedIntent is the coarse parse of one free-text economic-data question,
// produced once per request by the upstream intent-extraction step.
//
// # Description
//
// The engine treats ParsedIntent as immutable: routing and resolution read
// it but never write it. IndicatorPhrases preserves the order the phrases
// appeared in the question; results are reported in the same order.
//
// # Thread Safety
//
// Immutable after construction; safe to share across goroutines.
type ParsedIntent struct {
	// RawQuery is the original user question, unmodified.
	RawQuery string `json:"raw_query"`

	// IndicatorPhrases are the human-readable indicator mentions, in
	// query order. Must be non-empty for a well-formed intent.
	IndicatorPhrases []string `json:"indicator_phrases"`

	// ExplicitProvider is set when the extractor already identified a
	// user-forced provider. The routing engine re-checks the raw query
	// text as well; the two signals are OR-ed.
	ExplicitProvider Provider `json:"explicit_provider,omitempty"`

	// Country is the normalized ISO 3166-1 alpha-2 code, or empty.
	Country string `json:"country,omitempty"`

	// Region is a coarse geographic aggregate, or RegionNone.
	Region Region `json:"region,omitempty"`

	// DateRange bounds the requested window, or nil for provider default.
	DateRange *DateRange `json:"date_range,omitempty"`

	// ClarificationNeeded is set when the extractor judged the question
	// too ambiguous to answer without a follow-up. The engine refuses
	// such intents rather than guessing.
	ClarificationNeeded bool `json:"clarification_needed,omitempty"`
}

// Validate checks structural well-formedness of the intent.
//
// # Outputs
//
//   - error: Non-nil when the intent cannot be routed at all (no phrases,
//     or an ExplicitProvider outside the closed set). Ambiguity is not an
//     error here; ClarificationNeeded is the caller's concern.
func (pi *ParsedIntent) Validate() error {
	if pi == nil {
		return fmt.Errorf("intent must not be nil")
	}
	if len(pi.IndicatorPhrases) == 0 {
		return fmt.Errorf("intent has no indicator phrases")
	}
	for i, phrase := range pi.IndicatorPhrases {
		if strings.TrimSpace(phrase) == "" {
			return fmt.Errorf("indicator phrase %d is empty", i)
		}
	}
	if pi.ExplicitProvider != "" && !pi.ExplicitProvider.Valid() {
		return fmt.Errorf("explicit provider %q is not a known provider", pi.ExplicitProvider)
	}
	return nil
}

// NormalizePhrase lowercases a phrase, collapses interior whitespace, and
// strips punctuation that never distinguishes indicators. Used everywhere
// a phrase becomes a lookup or cache key so that "CPI," and "cpi" agree.
func NormalizePhrase(phrase string) string {
	var b strings.Builder
	b.Grow(len(phrase))
	lastSpace := true
	for _, r := range strings.ToLower(strings.TrimSpace(phrase)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '%':
			b.WriteRune(r)
			lastSpace = false
		default:
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}
