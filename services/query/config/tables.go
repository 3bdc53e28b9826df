// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the externalized routing tables: provider aliases and
// exclusion markers for explicit-provider detection, keyword routes,
// indicator-override terms, and country defaults. Routing behavior for a new
// phrase is a YAML edit, never a recompilation.
package config

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/statquery/services/query/intent"
)

// =============================================================================
// Embedded Default Routing Tables
// =============================================================================

//go:embed routing_tables.yaml
var defaultRoutingTablesYAML []byte

// MaxYAMLFileSize caps routing-table input to guard against a corrupted or
// hostile file taking down the loader.
const MaxYAMLFileSize = 1 << 20 // 1 MiB

var tablesTracer = otel.Tracer("statquery.query.config")

// =============================================================================
// Routing Table Types
// =============================================================================

// Tables holds every data-driven routing input in one immutable snapshot.
//
// Description:
//
//	The engine consults Tables for explicit-provider detection, keyword
//	pre-routing, indicator overrides, and country defaults. A Tables value
//	is never mutated after Load; reload replaces the whole snapshot via
//	Store.Swap.
//
// Thread Safety: Immutable after loading; safe for concurrent use.
type Tables struct {
	// Version identifies the table format. Only version 1 is understood.
	Version int `yaml:"version"`

	// ExplicitDetection configures the explicit-provider detector.
	ExplicitDetection ExplicitDetection `yaml:"explicit_detection"`

	// KeywordRoutes are evaluated in declaration order; the first provider
	// whose phrase list matches the query wins. Declaration order is the
	// documented tie-break and must stay stable across edits.
	KeywordRoutes []KeywordRoute `yaml:"keyword_routes"`

	// IndicatorOverrides route specific indicator vocabularies to a
	// specialist provider ahead of country defaults.
	IndicatorOverrides []IndicatorOverride `yaml:"indicator_overrides"`

	// CountryDefaults selects a provider from the query's country when no
	// earlier rule fired.
	CountryDefaults CountryDefaults `yaml:"country_defaults"`

	// DefaultProvider is the terminal fallback. Must be a valid provider.
	DefaultProvider intent.Provider `yaml:"default_provider"`
}

// ExplicitDetection configures how user-forced provider mentions are
// recognized and, critically, which surrounding patterns disqualify a
// mention ("OECD countries" is a scope, not a source).
type ExplicitDetection struct {
	// Connectors are words that bind a provider name to the query as a
	// source request ("from", "using", "via", ...).
	Connectors []string `yaml:"connectors"`

	// TrailingMarkers are tokens that, immediately after a provider name,
	// mark it as a source ("OECD data").
	TrailingMarkers []string `yaml:"trailing_markers"`

	// ExclusionWindow is the token distance after a provider mention
	// within which an exclusion marker disqualifies the match.
	ExclusionWindow int `yaml:"exclusion_window"`

	// ExclusionMarkers are aggregate/plural tokens that disqualify a
	// provider mention ("countries", "members", "average", ...).
	ExclusionMarkers []string `yaml:"exclusion_markers"`

	// ProviderAliases maps each provider to the name forms users write.
	ProviderAliases map[intent.Provider][]string `yaml:"provider_aliases"`
}

// KeywordRoute binds provider-distinctive vocabulary to one provider.
//
// Description:
//
//	Phrases must be specific enough that a match is unambiguous. Generic
//	indicator names ("gdp", "unemployment rate") are forbidden; the
//	validator rejects phrases shorter than MinKeywordPhraseLen as a
//	structural guard against single generic tokens creeping in.
type KeywordRoute struct {
	Provider intent.Provider `yaml:"provider"`
	Phrases  []string        `yaml:"phrases"`
}

// IndicatorOverride routes matching indicator vocabulary to a specialist
// provider. When HomeCountryExempt is set the override yields to the home
// country's default provider, so "US government debt" still lands on the
// domestic source.
type IndicatorOverride struct {
	Provider          intent.Provider `yaml:"provider"`
	HomeCountryExempt bool            `yaml:"home_country_exempt"`
	Terms             []string        `yaml:"terms"`
}

// CountryDefaults maps a query country to its default provider.
type CountryDefaults struct {
	// HomeCountry is the ISO alpha-2 code of the deployment's domestic
	// economy. Its queries route to HomeProvider.
	HomeCountry string `yaml:"home_country"`

	// HomeProvider is the domestic-specific provider.
	HomeProvider intent.Provider `yaml:"home_provider"`

	// Overrides maps additional countries to non-default providers
	// (e.g. euro-area members to Eurostat).
	Overrides map[string]intent.Provider `yaml:"overrides"`
}

// MinKeywordPhraseLen is the minimum length of a keyword-route phrase.
// Anything shorter is almost certainly a generic token that would swallow
// queries belonging to the default provider.
const MinKeywordPhraseLen = 4

// DefaultExclusionWindow is the token window used when the table omits one.
const DefaultExclusionWindow = 2

// =============================================================================
// Loading & Validation
// =============================================================================

// LoadTables parses and validates routing tables from YAML bytes.
//
// Description:
//
//	Parses the YAML, applies defaults for missing fields, lowercases all
//	matchable text once at load time, and validates every rule. A table
//	that fails validation is rejected whole; the caller keeps whatever
//	snapshot it had before.
//
// Inputs:
//
//	ctx - Context for tracing. Must not be nil.
//	data - Raw YAML bytes to parse.
//
// Outputs:
//
//	*Tables - The validated, normalized tables.
//	error - Non-nil if parsing or validation fails.
func LoadTables(ctx context.Context, data []byte) (*Tables, error) {
	_, span := tablesTracer.Start(ctx, "config.LoadTables")
	defer span.End()

	if len(data) == 0 {
		return nil, fmt.Errorf("LoadTables: empty YAML data")
	}
	if len(data) > MaxYAMLFileSize {
		return nil, fmt.Errorf("LoadTables: YAML data exceeds maximum size (%d > %d)", len(data), MaxYAMLFileSize)
	}

	var t Tables
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("LoadTables: parsing YAML: %w", err)
	}

	if t.ExplicitDetection.ExclusionWindow <= 0 {
		t.ExplicitDetection.ExclusionWindow = DefaultExclusionWindow
	}

	normalizeTables(&t)

	if err := validateTables(&t); err != nil {
		return nil, fmt.Errorf("LoadTables: validation: %w", err)
	}

	span.SetAttributes(
		attribute.Int("keyword_routes", len(t.KeywordRoutes)),
		attribute.Int("indicator_overrides", len(t.IndicatorOverrides)),
		attribute.Int("country_overrides", len(t.CountryDefaults.Overrides)),
		attribute.String("default_provider", t.DefaultProvider.String()),
	)

	slog.Info("routing tables loaded",
		slog.Int("keyword_routes", len(t.KeywordRoutes)),
		slog.Int("indicator_overrides", len(t.IndicatorOverrides)),
		slog.String("default_provider", t.DefaultProvider.String()),
	)

	return &t, nil
}

// normalizeTables lowercases every matchable string so detectors compare
// pre-normalized text at query time.
func normalizeTables(t *Tables) {
	lower := func(ss []string) {
		for i := range ss {
			ss[i] = strings.ToLower(strings.TrimSpace(ss[i]))
		}
	}
	lower(t.ExplicitDetection.Connectors)
	lower(t.ExplicitDetection.TrailingMarkers)
	lower(t.ExplicitDetection.ExclusionMarkers)
	for p := range t.ExplicitDetection.ProviderAliases {
		lower(t.ExplicitDetection.ProviderAliases[p])
	}
	for i := range t.KeywordRoutes {
		lower(t.KeywordRoutes[i].Phrases)
	}
	for i := range t.IndicatorOverrides {
		lower(t.IndicatorOverrides[i].Terms)
	}
	t.CountryDefaults.HomeCountry = strings.ToUpper(strings.TrimSpace(t.CountryDefaults.HomeCountry))
	upper := make(map[string]intent.Provider, len(t.CountryDefaults.Overrides))
	for c, p := range t.CountryDefaults.Overrides {
		upper[strings.ToUpper(strings.TrimSpace(c))] = p
	}
	t.CountryDefaults.Overrides = upper
}

// validateTables checks every rule for consistency.
func validateTables(t *Tables) error {
	if t.Version != 1 {
		return fmt.Errorf("unsupported table version %d", t.Version)
	}
	if !t.DefaultProvider.Valid() {
		return fmt.Errorf("default_provider %q is not a known provider", t.DefaultProvider)
	}

	for p, aliases := range t.ExplicitDetection.ProviderAliases {
		if !p.Valid() {
			return fmt.Errorf("provider_aliases: unknown provider %q", p)
		}
		if len(aliases) == 0 {
			return fmt.Errorf("provider_aliases[%s]: aliases must not be empty", p)
		}
	}

	for i, kr := range t.KeywordRoutes {
		if !kr.Provider.Valid() {
			return fmt.Errorf("keyword_routes[%d]: unknown provider %q", i, kr.Provider)
		}
		if len(kr.Phrases) == 0 {
			return fmt.Errorf("keyword_routes[%d] (%s): phrases must not be empty", i, kr.Provider)
		}
		for _, phrase := range kr.Phrases {
			if len(phrase) < MinKeywordPhraseLen {
				return fmt.Errorf("keyword_routes[%d] (%s): phrase %q shorter than %d chars, too generic",
					i, kr.Provider, phrase, MinKeywordPhraseLen)
			}
		}
	}

	for i, ov := range t.IndicatorOverrides {
		if !ov.Provider.Valid() {
			return fmt.Errorf("indicator_overrides[%d]: unknown provider %q", i, ov.Provider)
		}
		if len(ov.Terms) == 0 {
			return fmt.Errorf("indicator_overrides[%d] (%s): terms must not be empty", i, ov.Provider)
		}
	}

	cd := t.CountryDefaults
	if cd.HomeCountry == "" {
		return fmt.Errorf("country_defaults: home_country must not be empty")
	}
	if !cd.HomeProvider.Valid() {
		return fmt.Errorf("country_defaults: home_provider %q is not a known provider", cd.HomeProvider)
	}
	for c, p := range cd.Overrides {
		if len(c) != 2 {
			return fmt.Errorf("country_defaults.overrides: %q is not an ISO alpha-2 code", c)
		}
		if !p.Valid() {
			return fmt.Errorf("country_defaults.overrides[%s]: unknown provider %q", c, p)
		}
	}

	return nil
}

// =============================================================================
// Store — atomically swappable snapshot
// =============================================================================

// Store publishes the current routing tables to concurrent readers and
// lets a reloader swap in a new snapshot atomically.
//
// Description:
//
//	Readers call Current and keep the returned pointer for the duration
//	of one query; a reload never mutates a published snapshot. This is
//	the swap-on-rebuild pattern used for all process-wide routing state.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	current atomic.Pointer[Tables]
}

// NewStore creates a Store seeded with the given tables.
func NewStore(t *Tables) *Store {
	if t == nil {
		panic("config.NewStore: tables must not be nil")
	}
	s := &Store{}
	s.current.Store(t)
	return s
}

// Current returns the live snapshot. Never nil.
func (s *Store) Current() *Tables { return s.current.Load() }

// Swap publishes a new snapshot. In-flight queries keep the old one.
func (s *Store) Swap(t *Tables) {
	if t == nil {
		return
	}
	s.current.Store(t)
}

// LoadDefaultTables parses the embedded default routing tables.
//
// Outputs:
//
//	*Tables - The embedded defaults. Never nil on success.
//	error - Non-nil only if the embedded YAML is itself invalid, which is
//	a build defect, not a runtime condition.
func LoadDefaultTables(ctx context.Context) (*Tables, error) {
	return LoadTables(ctx, defaultRoutingTablesYAML)
}
