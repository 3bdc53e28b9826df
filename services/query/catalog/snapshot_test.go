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
	"math"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/statquery/services/query/intent"
)

// =============================================================================
// Test Snapshot Construction
// =============================================================================

func testManifest() Manifest {
	return Manifest{
		Version:        7,
		BuiltAt:        time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC),
		EmbeddingModel: "nomic-embed-text-v2-moe",
	}
}

func testProviders() map[intent.Provider]ProviderCatalog {
	return map[intent.Provider]ProviderCatalog{
		intent.ProviderWorldBank: {
			Entries: []Entry{
				{
					Code:        "NY.GDP.MKTP.KD.ZG",
					Name:        "GDP growth (annual %)",
					Description: "Annual percentage growth rate of GDP at market prices",
					Aliases:     []string{"gdp growth", "economic growth rate"},
				},
				{
					Code:        "SL.UEM.TOTL.ZS",
					Name:        "Unemployment, total (% of total labor force)",
					Description: "Share of the labor force that is without work but available",
					Aliases:     []string{"unemployment rate"},
				},
				{
					Code:        "FP.CPI.TOTL.ZG",
					Name:        "Inflation, consumer prices (annual %)",
					Description: "Inflation as measured by the consumer price index",
					Aliases:     []string{"inflation rate", "cpi inflation"},
				},
			},
		},
		intent.ProviderIMF: {
			Structured: true,
			Entries: []Entry{
				{
					Code:       "PCPIPCH.A",
					Name:       "Inflation rate, average consumer prices, annual",
					Dataflow:   "CPI",
					Dimensions: map[string]string{"FREQ": "annual"},
				},
				{
					Code:       "PCPIPCH.Q",
					Name:       "Inflation rate, average consumer prices, quarterly",
					Dataflow:   "CPI",
					Dimensions: map[string]string{"FREQ": "quarterly"},
				},
				{
					Code:        "GGXWDG_NGDP",
					Name:        "General government gross debt",
					Description: "Gross debt of the general government as a percent of GDP",
					Dataflow:    "GOV DEBT",
				},
			},
		},
	}
}

func testVectors() map[string][]float32 {
	return map[string][]float32{
		"worldbank/NY.GDP.MKTP.KD.ZG": {2, 0, 0}, // non-unit on purpose
		"worldbank/SL.UEM.TOTL.ZS":    {0, 1, 0},
		"worldbank/FP.CPI.TOTL.ZG":    {0, 0, 1},
		"imf/PCPIPCH.A":               {0, 0.2, 0.8},
	}
}

func newTestSnapshot(t *testing.T) *Snapshot {
	t.Helper()
	snap, err := NewSnapshotForTest(testManifest(), testProviders(), testVectors())
	if err != nil {
		t.Fatalf("NewSnapshotForTest: %v", err)
	}
	return snap
}

// =============================================================================
// Build Validation
// =============================================================================

func TestBuild_DuplicateAliasRejected(t *testing.T) {
	providers := map[intent.Provider]ProviderCatalog{
		intent.ProviderFRED: {
			Entries: []Entry{
				{Code: "UNRATE", Name: "Unemployment Rate", Aliases: []string{"unemployment rate"}},
				{Code: "U6RATE", Name: "U-6 Rate", Aliases: []string{"Unemployment Rate"}},
			},
		},
	}
	_, err := NewSnapshotForTest(testManifest(), providers, nil)
	if err == nil {
		t.Fatal("expected duplicate alias error, got nil")
	}
	if !strings.Contains(err.Error(), "alias") {
		t.Errorf("error %q does not mention the alias conflict", err)
	}
}

func TestBuild_UnknownProviderRejected(t *testing.T) {
	providers := map[intent.Provider]ProviderCatalog{
		intent.Provider("quandl"): {Entries: []Entry{{Code: "X"}}},
	}
	if _, err := NewSnapshotForTest(testManifest(), providers, nil); err == nil {
		t.Fatal("expected unknown provider error, got nil")
	}
}

func TestBuild_EmptyCodeRejected(t *testing.T) {
	providers := map[intent.Provider]ProviderCatalog{
		intent.ProviderFRED: {Entries: []Entry{{Name: "nameless"}}},
	}
	if _, err := NewSnapshotForTest(testManifest(), providers, nil); err == nil {
		t.Fatal("expected empty code error, got nil")
	}
}

// =============================================================================
// Hardcoded Tier
// =============================================================================

func TestLookupAlias_NormalizedHit(t *testing.T) {
	snap := newTestSnapshot(t)

	// Punctuation and case differences must not matter.
	entry, ok := snap.LookupAlias(intent.ProviderWorldBank, "  GDP Growth! ")
	if !ok {
		t.Fatal("expected alias hit for 'GDP Growth!'")
	}
	if entry.Code != "NY.GDP.MKTP.KD.ZG" {
		t.Errorf("Code = %s, want NY.GDP.MKTP.KD.ZG", entry.Code)
	}
}

func TestLookupAlias_MissAndWrongProvider(t *testing.T) {
	snap := newTestSnapshot(t)

	if _, ok := snap.LookupAlias(intent.ProviderWorldBank, "money supply"); ok {
		t.Error("unexpected alias hit for unknown phrase")
	}
	// The alias exists under worldbank, not imf.
	if _, ok := snap.LookupAlias(intent.ProviderIMF, "gdp growth"); ok {
		t.Error("alias hit leaked across providers")
	}
}

// =============================================================================
// Catalog Tier
// =============================================================================

func TestMatchCatalog_ExactNameScoresFull(t *testing.T) {
	snap := newTestSnapshot(t)

	results := snap.MatchCatalog(intent.ProviderWorldBank, "GDP growth (annual %)", 5)
	if len(results) == 0 {
		t.Fatal("no results")
	}
	if results[0].Entry.Code != "NY.GDP.MKTP.KD.ZG" {
		t.Errorf("top code = %s, want NY.GDP.MKTP.KD.ZG", results[0].Entry.Code)
	}
	if results[0].Score != 1.0 {
		t.Errorf("exact match score = %v, want 1.0", results[0].Score)
	}
}

func TestMatchCatalog_ContainmentRanksRelevantFirst(t *testing.T) {
	snap := newTestSnapshot(t)

	results := snap.MatchCatalog(intent.ProviderWorldBank, "unemployment", 5)
	if len(results) == 0 {
		t.Fatal("no results")
	}
	if results[0].Entry.Code != "SL.UEM.TOTL.ZS" {
		t.Errorf("top code = %s, want SL.UEM.TOTL.ZS", results[0].Entry.Code)
	}
	if results[0].Score >= 1.0 {
		t.Errorf("partial match score = %v, want < 1.0", results[0].Score)
	}
}

func TestMatchCatalog_ScoresBounded(t *testing.T) {
	snap := newTestSnapshot(t)

	for _, phrase := range []string{"inflation", "consumer price index", "labor force"} {
		for _, r := range snap.MatchCatalog(intent.ProviderWorldBank, phrase, 10) {
			if r.Score <= 0 || r.Score > 1.0 {
				t.Errorf("phrase %q: score %v for %s out of (0, 1]", phrase, r.Score, r.Entry.Code)
			}
		}
	}
}

func TestMatchCatalog_UnknownProviderAndBadK(t *testing.T) {
	snap := newTestSnapshot(t)

	if r := snap.MatchCatalog(intent.ProviderCoinGecko, "bitcoin", 5); r != nil {
		t.Errorf("unknown provider: got %d results, want nil", len(r))
	}
	if r := snap.MatchCatalog(intent.ProviderWorldBank, "gdp", 0); r != nil {
		t.Errorf("k=0: got %d results, want nil", len(r))
	}
}

// =============================================================================
// Structured Tier
// =============================================================================

func TestMatchStructured_FlatProviderIsNoop(t *testing.T) {
	snap := newTestSnapshot(t)

	if r := snap.MatchStructured(intent.ProviderWorldBank, "cpi", 5); r != nil {
		t.Errorf("flat provider: got %d results, want nil", len(r))
	}
}

func TestMatchStructured_ExactDataflowOutranksFuzzy(t *testing.T) {
	snap := newTestSnapshot(t)

	results := snap.MatchStructured(intent.ProviderIMF, "cpi", 5)
	if len(results) == 0 {
		t.Fatal("no results")
	}
	if results[0].Entry.Dataflow != "CPI" {
		t.Errorf("top dataflow = %s, want CPI", results[0].Entry.Dataflow)
	}
	if results[0].Score != structuredExactDataflow {
		t.Errorf("exact dataflow score = %v, want %v", results[0].Score, structuredExactDataflow)
	}
	for _, r := range results {
		if r.Entry.Dataflow != "CPI" && r.Score >= structuredExactDataflow {
			t.Errorf("fuzzy entry %s score %v outranks exact dataflow", r.Entry.Code, r.Score)
		}
	}
}

func TestMatchStructured_DimensionHitBreaksTie(t *testing.T) {
	snap := newTestSnapshot(t)

	// Both CPI entries match all dataflow words; the FREQ=annual entry
	// must win for an "annual" phrase.
	results := snap.MatchStructured(intent.ProviderIMF, "annual cpi", 5)
	if len(results) < 2 {
		t.Fatalf("got %d results, want at least 2", len(results))
	}
	if results[0].Entry.Code != "PCPIPCH.A" {
		t.Errorf("top code = %s, want PCPIPCH.A", results[0].Entry.Code)
	}
	if results[0].Score <= results[1].Score {
		t.Errorf("dimension hit did not raise score: %v <= %v", results[0].Score, results[1].Score)
	}
}

// =============================================================================
// Similarity Tier
// =============================================================================

func TestSimilaritySearch_NormalizedAndRestricted(t *testing.T) {
	snap := newTestSnapshot(t)

	// Query along the "gdp" axis; the non-unit stored vector must have
	// been normalized at build, giving similarity 1.0.
	results := snap.SimilaritySearch([]float32{3, 0, 0}, intent.ProviderWorldBank, 5)
	if len(results) == 0 {
		t.Fatal("no results")
	}
	if results[0].Entry.Code != "NY.GDP.MKTP.KD.ZG" {
		t.Errorf("top code = %s, want NY.GDP.MKTP.KD.ZG", results[0].Entry.Code)
	}
	if math.Abs(results[0].Score-1.0) > 1e-6 {
		t.Errorf("unit-vector similarity = %v, want 1.0", results[0].Score)
	}
	for _, r := range results {
		if r.Provider != intent.ProviderWorldBank {
			t.Errorf("provider restriction leaked: got %s", r.Provider)
		}
	}
}

func TestSimilaritySearch_UnrestrictedSpansProviders(t *testing.T) {
	snap := newTestSnapshot(t)

	results := snap.SimilaritySearch([]float32{0, 0, 1}, "", 10)
	seen := map[intent.Provider]bool{}
	for _, r := range results {
		seen[r.Provider] = true
	}
	if !seen[intent.ProviderWorldBank] || !seen[intent.ProviderIMF] {
		t.Errorf("expected results from both providers, saw %v", seen)
	}
}

func TestSimilaritySearch_ZeroVector(t *testing.T) {
	snap := newTestSnapshot(t)

	if r := snap.SimilaritySearch([]float32{0, 0, 0}, "", 5); r != nil {
		t.Errorf("zero query vector: got %d results, want nil", len(r))
	}
}

// =============================================================================
// Store
// =============================================================================

func TestStore_CurrentIsStableAcrossSwaps(t *testing.T) {
	snap := newTestSnapshot(t)
	store := NewStore(snap)

	pinned := store.Current()
	if pinned.Version() != 7 {
		t.Fatalf("Version = %d, want 7", pinned.Version())
	}

	m := testManifest()
	m.Version = 8
	next, err := NewSnapshotForTest(m, testProviders(), nil)
	if err != nil {
		t.Fatalf("build next snapshot: %v", err)
	}
	store.current.Store(next)

	// The pinned pointer keeps serving the old generation.
	if pinned.Version() != 7 {
		t.Errorf("pinned snapshot version changed to %d", pinned.Version())
	}
	if store.Current().Version() != 8 {
		t.Errorf("live snapshot version = %d, want 8", store.Current().Version())
	}
}
