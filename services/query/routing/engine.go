// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routing

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/statquery/services/query/config"
	"github.com/AleutianAI/statquery/services/query/intent"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var routingDecisionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "statquery",
	Subsystem: "routing",
	Name:      "decision_total",
	Help:      "Routing decisions by provider and reason",
}, []string{"provider", "reason"})

var routingTracer = otel.Tracer("statquery.query.routing")

// =============================================================================
// Decision
// =============================================================================

// Reason names the priority rung that produced a routing decision.
type Reason string

const (
	// ReasonExplicit means the user forced the provider in the query text
	// or the extractor flagged one. Highest priority.
	ReasonExplicit Reason = "explicit"

	// ReasonKeyword means provider-distinctive vocabulary matched.
	ReasonKeyword Reason = "keyword"

	// ReasonIndicatorOverride means a specialist override term matched for
	// a non-domestic query.
	ReasonIndicatorOverride Reason = "indicator_override"

	// ReasonCountryDefault means the query's country selected its default
	// provider.
	ReasonCountryDefault Reason = "country_default"

	// ReasonCatalogDefault is the terminal fallback.
	ReasonCatalogDefault Reason = "catalog_default"
)

// priorityTiers assigns each reason its rung on the ladder, 1 highest.
var priorityTiers = map[Reason]int{
	ReasonExplicit:          1,
	ReasonKeyword:           2,
	ReasonIndicatorOverride: 3,
	ReasonCountryDefault:    4,
	ReasonCatalogDefault:    5,
}

// Decision is the routing outcome for one query. There is always exactly
// one; the ladder ends in a default, never in "no provider".
type Decision struct {
	// Provider is the selected provider.
	Provider intent.Provider `json:"provider"`

	// Reason is the rung that fired.
	Reason Reason `json:"reason"`

	// PriorityTier is the rung's rank, 1 highest. Redundant with Reason
	// but convenient for callers that compare decisions.
	PriorityTier int `json:"priority_tier"`

	// Rule is the specific alias, phrase, term, or country that matched.
	// Empty for the catalog default.
	Rule string `json:"rule,omitempty"`
}

// =============================================================================
// Engine
// =============================================================================

// Engine routes queries to providers using the live routing tables.
//
// Description:
//
//	Stateless apart from the logger; the tables snapshot is passed per
//	call so one query routes against one table generation even across a
//	hot reload.
//
// Thread Safety: Safe for concurrent use.
type Engine struct {
	logger *slog.Logger
}

// NewEngine creates a routing Engine.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger}
}

// Route selects the provider for one indicator phrase of a parsed intent.
//
// # Description
//
// Walks the priority ladder top down and stops at the first rung that
// fires, producing exactly one decision per phrase. The explicit rung
// scans the whole query (a forced source binds every phrase); the keyword
// and override rungs match the phrase itself so a multi-indicator query
// can split across providers. Two deliberate wrinkles: the extractor's
// ExplicitProvider and the text detector are OR-ed on the first rung, and
// a home-country-exempt indicator override yields to the home country's
// default provider, so a domestic query for an override term still lands
// on the domestic source.
//
// # Inputs
//
//   - ctx: Context for tracing.
//   - t: The routing tables snapshot. Must not be nil.
//   - pi: The parsed intent. Must have passed Validate.
//   - phrase: The indicator phrase being routed. Empty routes the whole
//     raw query, for callers that want one decision per query.
//
// # Outputs
//
//   - Decision: Exactly one decision. Never a zero value.
func (e *Engine) Route(ctx context.Context, t *config.Tables, pi *intent.ParsedIntent, phrase string) Decision {
	_, span := routingTracer.Start(ctx, "routing.Engine.Route",
		trace.WithAttributes(attribute.String("country", pi.Country)),
	)
	defer span.End()

	d := e.route(t, pi, phrase)

	routingDecisionTotal.WithLabelValues(d.Provider.String(), string(d.Reason)).Inc()
	span.SetAttributes(
		attribute.String("provider", d.Provider.String()),
		attribute.String("reason", string(d.Reason)),
		attribute.Int("priority_tier", d.PriorityTier),
	)
	e.logger.Debug("routing decision",
		slog.String("provider", d.Provider.String()),
		slog.String("reason", string(d.Reason)),
		slog.String("rule", d.Rule),
	)

	return d
}

func (e *Engine) route(t *config.Tables, pi *intent.ParsedIntent, phrase string) Decision {
	// Phrase-scoped rungs fall back to the raw query when no phrase was
	// given.
	matchText := phrase
	if matchText == "" {
		matchText = pi.RawQuery
	}

	// Rung 1: explicit provider, from the extractor or the query text.
	if pi.ExplicitProvider != "" && pi.ExplicitProvider.Valid() {
		return decide(pi.ExplicitProvider, ReasonExplicit, "intent.explicit_provider")
	}
	if p, ok := DetectExplicitProvider(t, pi.RawQuery); ok {
		return decide(p, ReasonExplicit, "query_text")
	}

	// Rung 2: provider-distinctive vocabulary.
	if p, matched, ok := MatchKeywordRoute(t, matchText); ok {
		return decide(p, ReasonKeyword, matched)
	}

	homeCountry := pi.Country != "" && pi.Country == t.CountryDefaults.HomeCountry

	// Rung 3: specialist indicator override. A home-country-exempt
	// override never applies to the domestic economy.
	if ov, term, ok := matchIndicatorOverride(t, matchText); ok {
		if !(ov.HomeCountryExempt && homeCountry) {
			return decide(ov.Provider, ReasonIndicatorOverride, term)
		}
	}

	// Rung 4: country default.
	if homeCountry {
		return decide(t.CountryDefaults.HomeProvider, ReasonCountryDefault, pi.Country)
	}
	if p, ok := t.CountryDefaults.Overrides[pi.Country]; ok {
		return decide(p, ReasonCountryDefault, pi.Country)
	}

	// Rung 5: catalog default.
	return decide(t.DefaultProvider, ReasonCatalogDefault, "")
}

func decide(p intent.Provider, r Reason, rule string) Decision {
	return Decision{Provider: p, Reason: r, PriorityTier: priorityTiers[r], Rule: rule}
}
