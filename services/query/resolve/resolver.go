// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resolve

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/statquery/services/llm"
	"github.com/AleutianAI/statquery/services/query/catalog"
	"github.com/AleutianAI/statquery/services/query/intent"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	resolverTierTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "statquery",
		Subsystem: "resolver",
		Name:      "tier_total",
		Help:      "Tier consultations by tier and outcome: hit, below_threshold, empty, skipped, error",
	}, []string{"tier", "outcome"})

	resolverLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "statquery",
		Subsystem: "resolver",
		Name:      "latency_seconds",
		Help:      "End-to-end latency of one phrase resolution",
		Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1.0, 3.0, 6.0},
	})

	resolverNoMatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "statquery",
		Subsystem: "resolver",
		Name:      "no_match_total",
		Help:      "Exhausted resolutions by kind: empty, ambiguous",
	}, []string{"kind"})
)

var resolverTracer = otel.Tracer("statquery.query.resolve")

// =============================================================================
// Tunables
// =============================================================================

// DefaultConfidenceThreshold is τ: the confidence a tier's best candidate
// must reach to stop the walk. One constant for every tier — per-call
// thresholds would make the priority order impossible to reason about.
const DefaultConfidenceThreshold = 0.70

// DefaultTopK is how many candidates each scoring tier contributes to the
// pool the ranker sees.
const DefaultTopK = 5

// DefaultAmbiguityMargin is the confidence gap under which the two best
// pooled candidates are considered indistinguishable.
const DefaultAmbiguityMargin = 0.05

// =============================================================================
// Resolver
// =============================================================================

// Resolver walks the resolution tiers for one (provider, phrase) pair.
//
// Description:
//
//	Tier order is fixed: hardcoded → catalog → structured → similarity →
//	llm. A tier runs only when every earlier tier's best candidate fell
//	below the threshold. Failures inside a tier (embedding service down,
//	ranker timeout) are absorbed: the tier declines and the walk
//	continues. Only full exhaustion surfaces NoMatchError, carrying the
//	tiers consulted.
//
// Inputs:
//
//	embedder - Query-time phrase embedder. Nil disables the similarity tier.
//	ranker - Candidate ranker. Nil disables the llm tier.
//	cache - Ranker verdict cache. Nil disables verdict persistence.
//	logger - Logger instance. May be nil.
//
// Thread Safety: Safe for concurrent use; all mutable state is per-call.
type Resolver struct {
	embedder  catalog.Embedder
	ranker    CandidateRanker
	cache     RankerCacheStore
	threshold float64
	topK      int
	margin    float64
	logger    *slog.Logger
}

// Option tunes a Resolver at construction.
type Option func(*Resolver)

// WithThreshold overrides τ. Values outside (0, 1] keep the default.
func WithThreshold(t float64) Option {
	return func(r *Resolver) {
		if t > 0 && t <= 1 {
			r.threshold = t
		}
	}
}

// WithTopK overrides the per-tier candidate contribution.
func WithTopK(k int) Option {
	return func(r *Resolver) {
		if k > 0 {
			r.topK = k
		}
	}
}

// WithAmbiguityMargin overrides the near-tie margin.
func WithAmbiguityMargin(m float64) Option {
	return func(r *Resolver) {
		if m >= 0 && m < 1 {
			r.margin = m
		}
	}
}

// NewResolver creates a Resolver.
func NewResolver(embedder catalog.Embedder, ranker CandidateRanker, cache RankerCacheStore, logger *slog.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		embedder:  embedder,
		ranker:    ranker,
		cache:     cache,
		threshold: DefaultConfidenceThreshold,
		topK:      DefaultTopK,
		margin:    DefaultAmbiguityMargin,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Threshold returns τ, for callers that report it.
func (r *Resolver) Threshold() float64 { return r.threshold }

// Resolve maps (provider, phrase) to a concrete indicator code.
//
// # Description
//
// Walks the tier ladder against the given snapshot. The snapshot is
// passed per call so every phrase of one query resolves against the same
// generation even if a rebuild lands mid-query.
//
// # Inputs
//
//   - ctx: Context for cancellation. Tier-internal calls carry their own
//     timeouts on top.
//   - snap: The catalog snapshot to resolve against. Must not be nil.
//   - p: The provider chosen by the routing engine.
//   - phrase: The indicator phrase.
//
// # Outputs
//
//   - *ResolvedIndicator: The match, with confidence and tier path.
//   - error: *NoMatchError when every tier was exhausted; ctx.Err() when
//     the caller's deadline expired mid-walk. Nothing else.
func (r *Resolver) Resolve(ctx context.Context, snap *catalog.Snapshot, p intent.Provider, phrase string) (*ResolvedIndicator, error) {
	ctx, span := resolverTracer.Start(ctx, "resolve.Resolver.Resolve",
		trace.WithAttributes(
			attribute.String("provider", p.String()),
			attribute.String("phrase_preview", truncateForLog(llm.SafeLogString(phrase), 80)),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() { resolverLatency.Observe(time.Since(start).Seconds()) }()

	path := make([]Tier, 0, len(allTiers))
	var pool []Candidate

	// Tier 1: hardcoded alias table. A hit is exact by construction.
	path = append(path, TierHardcoded)
	if entry, ok := snap.LookupAlias(p, phrase); ok {
		resolverTierTotal.WithLabelValues(string(TierHardcoded), "hit").Inc()
		span.SetAttributes(attribute.String("matched_tier", string(TierHardcoded)))
		return &ResolvedIndicator{Provider: p, Code: entry.Code, Confidence: 1.0, Path: path}, nil
	}
	resolverTierTotal.WithLabelValues(string(TierHardcoded), "empty").Inc()

	// Tier 2: flattened catalog.
	path = append(path, TierCatalog)
	if res, done := r.scoringTier(span, TierCatalog, snap.MatchCatalog(p, phrase, r.topK), &pool, p, path); done {
		return res, nil
	}

	// Tier 3: structured dataflow catalog (no-op for flat providers).
	path = append(path, TierStructured)
	if res, done := r.scoringTier(span, TierStructured, snap.MatchStructured(p, phrase, r.topK), &pool, p, path); done {
		return res, nil
	}

	// Tier 4: similarity index.
	path = append(path, TierSimilarity)
	if res, done := r.similarityTier(ctx, span, snap, p, phrase, &pool, path); done {
		return res, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Tier 5: LLM re-rank over the pooled candidates.
	path = append(path, TierLLM)
	if res, done := r.llmTier(ctx, span, snap, p, phrase, pool, path); done {
		return res, nil
	}

	// Exhausted. Classify the failure for diagnostics.
	closest := topN(pool, 3)
	ambiguous := len(pool) >= 2 && pool[0].Score-pool[1].Score < r.margin && pool[0].Score > 0

	kind := "empty"
	if ambiguous {
		kind = "ambiguous"
	}
	resolverNoMatchTotal.WithLabelValues(kind).Inc()
	span.SetAttributes(attribute.Bool("no_match", true), attribute.Bool("ambiguous", ambiguous))

	r.logger.Info("resolution exhausted",
		slog.String("provider", p.String()),
		slog.String("phrase", truncateForLog(llm.SafeLogString(phrase), 80)),
		slog.Bool("ambiguous", ambiguous),
		slog.Int("pool_size", len(pool)),
	)

	return nil, &NoMatchError{
		Provider:  p,
		Phrase:    phrase,
		Path:      path,
		Ambiguous: ambiguous,
		Closest:   closest,
	}
}

// scoringTier folds one deterministic scoring tier's results into the walk:
// record metrics, merge candidates into the pool, and stop when the best
// candidate clears the threshold.
func (r *Resolver) scoringTier(span trace.Span, tier Tier, scored []catalog.ScoredEntry, pool *[]Candidate, p intent.Provider, path []Tier) (*ResolvedIndicator, bool) {
	if len(scored) == 0 {
		resolverTierTotal.WithLabelValues(string(tier), "empty").Inc()
		return nil, false
	}

	for _, se := range scored {
		mergeCandidate(pool, Candidate{
			Provider:    se.Provider,
			Code:        se.Entry.Code,
			DisplayName: se.Entry.Name,
			Score:       se.Score,
			Tier:        tier,
		})
	}
	sortPool(*pool)

	best := scored[0]
	if best.Score >= r.threshold {
		resolverTierTotal.WithLabelValues(string(tier), "hit").Inc()
		span.SetAttributes(
			attribute.String("matched_tier", string(tier)),
			attribute.Float64("confidence", best.Score),
		)
		return &ResolvedIndicator{
			Provider:   p,
			Code:       best.Entry.Code,
			Confidence: best.Score,
			Path:       path,
		}, true
	}

	resolverTierTotal.WithLabelValues(string(tier), "below_threshold").Inc()
	return nil, false
}

// similarityTier embeds the phrase and folds the nearest indicators into
// the walk. An embedding failure is absorbed: the tier declines.
func (r *Resolver) similarityTier(ctx context.Context, span trace.Span, snap *catalog.Snapshot, p intent.Provider, phrase string, pool *[]Candidate, path []Tier) (*ResolvedIndicator, bool) {
	if r.embedder == nil {
		resolverTierTotal.WithLabelValues(string(TierSimilarity), "skipped").Inc()
		return nil, false
	}

	vec, err := r.embedder.Embed(ctx, phrase)
	if err != nil {
		r.logger.Warn("similarity tier: embedding failed, falling through",
			slog.String("error", err.Error()),
		)
		resolverTierTotal.WithLabelValues(string(TierSimilarity), "error").Inc()
		return nil, false
	}

	return r.scoringTier(span, TierSimilarity, snap.SimilaritySearch(vec, p, r.topK), pool, p, path)
}

// llmTier consults the verdict cache, then the ranker, over the pooled
// deduplicated candidates from tiers 2–4.
func (r *Resolver) llmTier(ctx context.Context, span trace.Span, snap *catalog.Snapshot, p intent.Provider, phrase string, pool []Candidate, path []Tier) (*ResolvedIndicator, bool) {
	if r.ranker == nil || len(pool) == 0 {
		resolverTierTotal.WithLabelValues(string(TierLLM), "skipped").Inc()
		return nil, false
	}

	shortlist := topN(pool, MaxRankerCandidates)

	// Cached verdicts make repeat queries deterministic within TTL.
	if r.cache != nil {
		cached, err := r.cache.LoadVerdict(ctx, snap.Version(), p, phrase)
		if err != nil {
			r.logger.Warn("ranker cache load failed, calling ranker",
				slog.String("error", err.Error()),
			)
		} else if cached != nil {
			return r.acceptVerdict(span, p, *cached, path, "cache")
		}
	}

	verdict := r.ranker.Rank(ctx, phrase, shortlist)

	if r.cache != nil {
		if err := r.cache.SaveVerdict(ctx, snap.Version(), p, phrase, verdict); err != nil {
			r.logger.Warn("ranker cache save failed",
				slog.String("error", err.Error()),
			)
		}
	}

	return r.acceptVerdict(span, p, verdict, path, "ranker")
}

// acceptVerdict applies the threshold to a ranker verdict.
func (r *Resolver) acceptVerdict(span trace.Span, p intent.Provider, verdict RankResult, path []Tier, source string) (*ResolvedIndicator, bool) {
	if verdict.NoMatch || verdict.Confidence < r.threshold {
		resolverTierTotal.WithLabelValues(string(TierLLM), "below_threshold").Inc()
		return nil, false
	}

	resolverTierTotal.WithLabelValues(string(TierLLM), "hit").Inc()
	span.SetAttributes(
		attribute.String("matched_tier", string(TierLLM)),
		attribute.String("verdict_source", source),
		attribute.Float64("confidence", verdict.Confidence),
	)
	return &ResolvedIndicator{
		Provider:   p,
		Code:       verdict.Candidate.Code,
		Confidence: verdict.Confidence,
		Path:       path,
	}, true
}

// =============================================================================
// Pool Helpers
// =============================================================================

// mergeCandidate inserts c into the pool, keeping the best score per
// (provider, code) so one indicator surfaced by two tiers appears once.
func mergeCandidate(pool *[]Candidate, c Candidate) {
	for i := range *pool {
		if (*pool)[i].Provider == c.Provider && (*pool)[i].Code == c.Code {
			if c.Score > (*pool)[i].Score {
				(*pool)[i] = c
			}
			return
		}
	}
	*pool = append(*pool, c)
}

// sortPool orders candidates best-first with a stable code tie-break.
func sortPool(pool []Candidate) {
	sort.Slice(pool, func(i, j int) bool {
		if pool[i].Score != pool[j].Score {
			return pool[i].Score > pool[j].Score
		}
		return pool[i].Code < pool[j].Code
	})
}

// topN copies the first n pool entries.
func topN(pool []Candidate, n int) []Candidate {
	if len(pool) < n {
		n = len(pool)
	}
	out := make([]Candidate, n)
	copy(out, pool[:n])
	return out
}

// truncateForLog limits a string for log and span attributes.
func truncateForLog(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
