// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package query orchestrates one request end to end: route every indicator
// phrase to a provider, resolve each phrase to a concrete code, dispatch
// the fetches, and aggregate successes alongside typed per-indicator
// failures.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/statquery/services/query/catalog"
	"github.com/AleutianAI/statquery/services/query/config"
	"github.com/AleutianAI/statquery/services/query/dispatch"
	"github.com/AleutianAI/statquery/services/query/intent"
	"github.com/AleutianAI/statquery/services/query/resolve"
	"github.com/AleutianAI/statquery/services/query/routing"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	queryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "statquery",
		Subsystem: "query",
		Name:      "total",
		Help:      "Completed queries by status: ok, partial, failed, rejected",
	}, []string{"status"})

	queryLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "statquery",
		Subsystem: "query",
		Name:      "latency_seconds",
		Help:      "End-to-end query latency",
		Buckets:   []float64{0.01, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
	})
)

var queryTracer = otel.Tracer("statquery.query")

// =============================================================================
// Errors & Result Types
// =============================================================================

// ErrClarificationNeeded rejects an intent the extractor flagged as too
// ambiguous to answer. The engine never guesses.
var ErrClarificationNeeded = errors.New("query needs clarification before routing")

// MaxConcurrentResolves bounds the per-query resolution fan-out. Phrases
// beyond this resolve as slots free up.
const MaxConcurrentResolves = 4

// FailureKind classifies a per-indicator failure for the caller.
type FailureKind string

const (
	FailureNoMatch             FailureKind = "no_match_found"
	FailureAmbiguousMatch      FailureKind = "ambiguous_match"
	FailureProviderUnavailable FailureKind = "provider_unavailable"
	FailureUnsupportedRegion   FailureKind = "unsupported_region"
	FailureTimeout             FailureKind = "timeout"
)

// Failure is the typed per-indicator failure marker.
type Failure struct {
	// Kind is the failure classification.
	Kind FailureKind `json:"kind"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// ResolutionPath lists the tiers consulted, present only for
	// resolution failures.
	ResolutionPath []resolve.Tier `json:"resolution_path,omitempty"`

	// Closest lists near-miss candidates, present only for ambiguous
	// resolution failures.
	Closest []resolve.Candidate `json:"closest,omitempty"`
}

// Resolution summarizes a successful phrase resolution.
type Resolution struct {
	Provider   intent.Provider `json:"provider"`
	Code       string          `json:"code"`
	Confidence float64         `json:"confidence"`
	Path       []resolve.Tier  `json:"path"`
}

// IndicatorResult is the outcome for one indicator phrase. Exactly one of
// Series and Failure is set.
type IndicatorResult struct {
	Phrase     string               `json:"phrase"`
	Routing    routing.Decision     `json:"routing"`
	Resolution *Resolution          `json:"resolution,omitempty"`
	Series     *dispatch.TimeSeries `json:"series,omitempty"`
	Failure    *Failure             `json:"failure,omitempty"`
}

// Status summarizes a whole query.
type Status string

const (
	// StatusOK means every indicator succeeded.
	StatusOK Status = "ok"

	// StatusPartial means some indicators succeeded and some failed.
	StatusPartial Status = "partial"

	// StatusFailed means every indicator failed.
	StatusFailed Status = "failed"
)

// Response is the aggregated query result. Indicator order matches the
// intent's phrase order.
type Response struct {
	QueryID         string            `json:"query_id"`
	Status          Status            `json:"status"`
	SnapshotVersion int               `json:"snapshot_version"`
	Indicators      []IndicatorResult `json:"indicators"`
}

// =============================================================================
// Service
// =============================================================================

// Service wires routing, resolution, and dispatch into one query path.
//
// # Description
//
// Each query pins the config-tables and catalog snapshots it starts with;
// hot reloads land between queries, never inside one. All per-query state
// is request-scoped, so the Service itself carries no locks.
//
// # Thread Safety
//
// Safe for concurrent use.
type Service struct {
	tables      *config.Store
	catalog     *catalog.Store
	engine      *routing.Engine
	resolver    *resolve.Resolver
	coordinator *dispatch.Coordinator
	logger      *slog.Logger
}

// NewService creates a query Service. All dependencies are required
// except the logger.
func NewService(tables *config.Store, cat *catalog.Store, engine *routing.Engine, resolver *resolve.Resolver, coordinator *dispatch.Coordinator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		tables:      tables,
		catalog:     cat,
		engine:      engine,
		resolver:    resolver,
		coordinator: coordinator,
		logger:      logger,
	}
}

// Tables exposes the config store, for the reload handler.
func (s *Service) Tables() *config.Store { return s.tables }

// Catalog exposes the catalog store, for the reload handler.
func (s *Service) Catalog() *catalog.Store { return s.catalog }

// Execute answers one parsed intent.
//
// # Description
//
// Routes every phrase, resolves them concurrently (bounded fan-out),
// joins, dispatches the successfully resolved indicators as one batch,
// and merges everything back in phrase order. A failure in one phrase
// never disturbs another; the response status reports ok, partial, or
// failed.
//
// # Inputs
//
//   - ctx: Context carrying the overall query deadline.
//   - pi: The parsed intent.
//
// # Outputs
//
//   - *Response: Aggregated results. Nil only when err is non-nil.
//   - error: Non-nil only for unroutable input (validation failure or
//     ErrClarificationNeeded). Per-indicator failures live in the
//     response, not here.
func (s *Service) Execute(ctx context.Context, pi *intent.ParsedIntent) (*Response, error) {
	start := time.Now()
	defer func() { queryLatency.Observe(time.Since(start).Seconds()) }()

	if err := pi.Validate(); err != nil {
		queryTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("invalid intent: %w", err)
	}
	if pi.ClarificationNeeded {
		queryTotal.WithLabelValues("rejected").Inc()
		return nil, ErrClarificationNeeded
	}

	queryID := uuid.NewString()
	ctx, span := queryTracer.Start(ctx, "query.Service.Execute",
		trace.WithAttributes(
			attribute.String("query_id", queryID),
			attribute.Int("phrase_count", len(pi.IndicatorPhrases)),
		),
	)
	defer span.End()

	// Pin both snapshots for the whole query.
	tbl := s.tables.Current()
	snap := s.catalog.Current()

	results := make([]IndicatorResult, len(pi.IndicatorPhrases))

	// Route and resolve each phrase; resolution fans out bounded.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(MaxConcurrentResolves)
	for i, phrase := range pi.IndicatorPhrases {
		results[i].Phrase = phrase
		results[i].Routing = s.engine.Route(ctx, tbl, pi, phrase)

		g.Go(func() error {
			resolved, err := s.resolver.Resolve(gctx, snap, results[i].Routing.Provider, phrase)
			if err != nil {
				results[i].Failure = resolutionFailure(err)
				return nil // isolated
			}
			results[i].Resolution = &Resolution{
				Provider:   resolved.Provider,
				Code:       resolved.Code,
				Confidence: resolved.Confidence,
				Path:       resolved.Path,
			}
			return nil
		})
	}
	g.Wait()

	// Dispatch everything that resolved, as one batch.
	var reqs []dispatch.Request
	var reqIdx []int
	for i := range results {
		if results[i].Resolution == nil {
			continue
		}
		reqs = append(reqs, dispatch.Request{
			Provider:  results[i].Resolution.Provider,
			Code:      results[i].Resolution.Code,
			Country:   pi.Country,
			Region:    pi.Region,
			DateRange: derefRange(pi.DateRange),
		})
		reqIdx = append(reqIdx, i)
	}

	for j, r := range s.coordinator.Dispatch(ctx, reqs) {
		i := reqIdx[j]
		if r.Err != nil {
			results[i].Failure = dispatchFailure(r.Err)
			continue
		}
		results[i].Series = r.Series
	}

	resp := &Response{
		QueryID:         queryID,
		Status:          overallStatus(results),
		SnapshotVersion: snap.Version(),
		Indicators:      results,
	}

	queryTotal.WithLabelValues(string(resp.Status)).Inc()
	span.SetAttributes(attribute.String("status", string(resp.Status)))
	s.logger.Info("query completed",
		slog.String("query_id", queryID),
		slog.String("status", string(resp.Status)),
		slog.Int("indicators", len(results)),
		slog.Duration("elapsed", time.Since(start)),
	)

	return resp, nil
}

// resolutionFailure classifies a resolver error.
func resolutionFailure(err error) *Failure {
	var noMatch *resolve.NoMatchError
	if errors.As(err, &noMatch) {
		kind := FailureNoMatch
		if noMatch.Ambiguous {
			kind = FailureAmbiguousMatch
		}
		return &Failure{
			Kind:           kind,
			Message:        noMatch.Error(),
			ResolutionPath: noMatch.Path,
			Closest:        noMatch.Closest,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Failure{Kind: FailureTimeout, Message: "resolution abandoned at query deadline"}
	}
	return &Failure{Kind: FailureProviderUnavailable, Message: err.Error()}
}

// dispatchFailure classifies a fetch error.
func dispatchFailure(err error) *Failure {
	f := &Failure{Message: err.Error()}
	switch {
	case errors.Is(err, dispatch.ErrTimeout):
		f.Kind = FailureTimeout
	case errors.Is(err, dispatch.ErrUnsupportedRegion):
		f.Kind = FailureUnsupportedRegion
	case errors.Is(err, dispatch.ErrNotFound):
		// The provider rejects a code some tier produced; to the caller
		// this is a resolution miss, not a provider outage.
		f.Kind = FailureNoMatch
	default:
		f.Kind = FailureProviderUnavailable
	}
	return f
}

func overallStatus(results []IndicatorResult) Status {
	failed := 0
	for i := range results {
		if results[i].Failure != nil {
			failed++
		}
	}
	switch failed {
	case 0:
		return StatusOK
	case len(results):
		return StatusFailed
	default:
		return StatusPartial
	}
}

func derefRange(r *intent.DateRange) intent.DateRange {
	if r == nil {
		return intent.DateRange{}
	}
	return *r
}
