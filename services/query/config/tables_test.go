// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"strings"
	"testing"

	"github.com/AleutianAI/statquery/services/query/intent"
)

// minimalTablesYAML is the smallest table set that passes validation.
// Individual tests mutate one field at a time.
const minimalTablesYAML = `
version: 1
explicit_detection:
  connectors: ["From", "using"]
  trailing_markers: ["Data"]
  exclusion_markers: ["countries"]
  provider_aliases:
    fred: ["FRED", "St. Louis Fed"]
    oecd: ["OECD"]
keyword_routes:
  - provider: bis
    phrases: ["house prices"]
indicator_overrides:
  - provider: imf
    home_country_exempt: true
    terms: ["Government Debt"]
country_defaults:
  home_country: us
  home_provider: fred
  overrides:
    de: eurostat
default_provider: worldbank
`

// =============================================================================
// Loading Tests
// =============================================================================

func TestLoadTables_MinimalValid(t *testing.T) {
	tbl, err := LoadTables(context.Background(), []byte(minimalTablesYAML))
	if err != nil {
		t.Fatalf("LoadTables: %v", err)
	}
	if tbl.DefaultProvider != intent.ProviderWorldBank {
		t.Errorf("DefaultProvider = %s, want worldbank", tbl.DefaultProvider)
	}
	if tbl.ExplicitDetection.ExclusionWindow != DefaultExclusionWindow {
		t.Errorf("ExclusionWindow = %d, want default %d",
			tbl.ExplicitDetection.ExclusionWindow, DefaultExclusionWindow)
	}
}

func TestLoadTables_Normalization(t *testing.T) {
	tbl, err := LoadTables(context.Background(), []byte(minimalTablesYAML))
	if err != nil {
		t.Fatalf("LoadTables: %v", err)
	}

	if got := tbl.ExplicitDetection.Connectors[0]; got != "from" {
		t.Errorf("connector not lowercased: %q", got)
	}
	if got := tbl.ExplicitDetection.ProviderAliases[intent.ProviderFRED][1]; got != "st. louis fed" {
		t.Errorf("alias not lowercased: %q", got)
	}
	if got := tbl.IndicatorOverrides[0].Terms[0]; got != "government debt" {
		t.Errorf("override term not lowercased: %q", got)
	}
	if got := tbl.CountryDefaults.HomeCountry; got != "US" {
		t.Errorf("home country not uppercased: %q", got)
	}
	if _, ok := tbl.CountryDefaults.Overrides["DE"]; !ok {
		t.Errorf("country override key not uppercased: %v", tbl.CountryDefaults.Overrides)
	}
}

func TestLoadTables_EmptyAndOversized(t *testing.T) {
	if _, err := LoadTables(context.Background(), nil); err == nil {
		t.Error("empty data accepted")
	}
	huge := make([]byte, MaxYAMLFileSize+1)
	if _, err := LoadTables(context.Background(), huge); err == nil {
		t.Error("oversized data accepted")
	}
}

func TestLoadTables_MalformedYAML(t *testing.T) {
	if _, err := LoadTables(context.Background(), []byte("version: [oops")); err == nil {
		t.Error("malformed YAML accepted")
	}
}

// =============================================================================
// Validation Tests
// =============================================================================

func TestLoadTables_ValidationRejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{
			name:    "wrong version",
			mutate:  func(y string) string { return strings.Replace(y, "version: 1", "version: 2", 1) },
			wantErr: "unsupported table version",
		},
		{
			name:    "unknown default provider",
			mutate:  func(y string) string { return strings.Replace(y, "default_provider: worldbank", "default_provider: bloomberg", 1) },
			wantErr: "default_provider",
		},
		{
			name:    "unknown keyword route provider",
			mutate:  func(y string) string { return strings.Replace(y, "provider: bis", "provider: reuters", 1) },
			wantErr: "keyword_routes[0]",
		},
		{
			name:    "generic keyword phrase",
			mutate:  func(y string) string { return strings.Replace(y, `phrases: ["house prices"]`, `phrases: ["gdp"]`, 1) },
			wantErr: "too generic",
		},
		{
			name:    "override without terms",
			mutate:  func(y string) string { return strings.Replace(y, `terms: ["Government Debt"]`, "terms: []", 1) },
			wantErr: "terms must not be empty",
		},
		{
			name:    "missing home country",
			mutate:  func(y string) string { return strings.Replace(y, "home_country: us", `home_country: ""`, 1) },
			wantErr: "home_country",
		},
		{
			name:    "non-alpha-2 country override",
			mutate:  func(y string) string { return strings.Replace(y, "de: eurostat", "deu: eurostat", 1) },
			wantErr: "alpha-2",
		},
		{
			name:    "unknown alias provider",
			mutate:  func(y string) string { return strings.Replace(y, "oecd:", "quandl:", 1) },
			wantErr: "provider_aliases",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadTables(context.Background(), []byte(tc.mutate(minimalTablesYAML)))
			if err == nil {
				t.Fatal("invalid tables accepted")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error = %v, want it to mention %q", err, tc.wantErr)
			}
		})
	}
}

// =============================================================================
// Embedded Defaults & Store Tests
// =============================================================================

func TestLoadDefaultTables(t *testing.T) {
	tbl, err := LoadDefaultTables(context.Background())
	if err != nil {
		t.Fatalf("embedded tables invalid: %v", err)
	}
	if tbl.DefaultProvider != intent.ProviderWorldBank {
		t.Errorf("DefaultProvider = %s, want worldbank", tbl.DefaultProvider)
	}
	if tbl.CountryDefaults.HomeCountry != "US" {
		t.Errorf("HomeCountry = %s, want US", tbl.CountryDefaults.HomeCountry)
	}
	// Every provider users can name explicitly needs at least one alias.
	for _, p := range intent.AllProviders {
		if len(tbl.ExplicitDetection.ProviderAliases[p]) == 0 {
			t.Errorf("embedded tables: provider %s has no aliases", p)
		}
	}
}

func TestStore_SwapKeepsPinnedSnapshot(t *testing.T) {
	first, err := LoadTables(context.Background(), []byte(minimalTablesYAML))
	if err != nil {
		t.Fatalf("LoadTables: %v", err)
	}
	store := NewStore(first)

	pinned := store.Current()

	second := *first
	second.DefaultProvider = intent.ProviderIMF
	store.Swap(&second)

	if pinned.DefaultProvider != intent.ProviderWorldBank {
		t.Error("pinned snapshot mutated by swap")
	}
	if store.Current().DefaultProvider != intent.ProviderIMF {
		t.Error("swap did not publish the new snapshot")
	}
}

func TestStore_SwapNilIgnored(t *testing.T) {
	first, err := LoadTables(context.Background(), []byte(minimalTablesYAML))
	if err != nil {
		t.Fatalf("LoadTables: %v", err)
	}
	store := NewStore(first)
	store.Swap(nil)
	if store.Current() != first {
		t.Error("nil swap replaced the snapshot")
	}
}
