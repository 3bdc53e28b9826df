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
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/statquery/services/llm"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	rankerCallTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "statquery",
		Subsystem: "ranker",
		Name:      "call_total",
		Help:      "Ranker outcomes: match, no_match, timeout, error, malformed, foreign_pick",
	}, []string{"outcome"})

	rankerLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "statquery",
		Subsystem: "ranker",
		Name:      "latency_seconds",
		Help:      "Latency of ranker model calls",
		Buckets:   []float64{0.1, 0.5, 1.0, 2.0, 3.0, 5.0},
	})
)

var rankerTracer = otel.Tracer("statquery.query.ranker")

// =============================================================================
// CandidateRanker
// =============================================================================

// MaxRankerCandidates caps the shortlist handed to the model. Beyond this
// the prompt stops discriminating and latency climbs for nothing.
const MaxRankerCandidates = 8

// defaultRankerTimeout bounds one ranker call, independent of the overall
// query deadline.
const defaultRankerTimeout = 5 * time.Second

// RankResult is the ranker's verdict on a shortlist.
//
// NoMatch true means the ranker declined — by its own judgment, by
// timeout, by transport error, or by returning something unusable. The
// zero value is a valid "no match".
type RankResult struct {
	Candidate  Candidate
	Confidence float64
	NoMatch    bool
}

// CandidateRanker picks the best candidate for a phrase from a shortlist,
// or declines.
//
// # Description
//
// This is the boundary around the one non-deterministic dependency in the
// engine. Implementations must never invent a candidate outside the given
// shortlist, must clamp confidence to [0,1], and must absorb every
// failure into a NoMatch result — callers never see an error and never
// block past the implementation's own timeout.
type CandidateRanker interface {
	Rank(ctx context.Context, phrase string, candidates []Candidate) RankResult
}

// =============================================================================
// LLMRanker
// =============================================================================

// LLMRanker implements CandidateRanker over a chat-completions client.
//
// Thread Safety: Safe for concurrent use.
type LLMRanker struct {
	client  llm.ChatClient
	timeout time.Duration
	logger  *slog.Logger
}

// NewLLMRanker creates an LLMRanker.
//
// Inputs:
//
//	client - Chat client. Must not be nil.
//	timeout - Per-call timeout. Zero uses the default (5s).
//	logger - Logger instance. May be nil.
func NewLLMRanker(client llm.ChatClient, timeout time.Duration, logger *slog.Logger) *LLMRanker {
	if client == nil {
		panic("resolve.NewLLMRanker: client must not be nil")
	}
	if timeout <= 0 {
		timeout = defaultRankerTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMRanker{client: client, timeout: timeout, logger: logger}
}

// rankerSystemPrompt instructs the model to choose from the shortlist only.
const rankerSystemPrompt = `You match economic-indicator phrases to catalog entries.
You are given a user phrase and a numbered list of candidate indicators.
Pick the single candidate that best matches the phrase, or decline.

Reply with ONLY a JSON object, no prose, in one of these two forms:
  {"pick": <candidate number>, "confidence": <0.0 to 1.0>}
  {"no_match": true}

Rules:
- "pick" must be one of the listed numbers. Never invent an indicator.
- "confidence" is how certain you are the candidate measures what the
  phrase asks for. Use low values when unsure.
- Decline when no candidate plausibly matches.`

// rankerReply is the expected model output shape.
type rankerReply struct {
	Pick       *int    `json:"pick"`
	Confidence float64 `json:"confidence"`
	NoMatch    bool    `json:"no_match"`
}

// Rank implements CandidateRanker.
//
// # Description
//
// Builds a numbered shortlist prompt, calls the model under this ranker's
// own timeout, and parses a strict JSON verdict. Anything that goes wrong
// — transport error, timeout, unparseable output, an out-of-range pick,
// zero confidence — degrades to NoMatch. The method never returns an
// error and never panics on model output.
func (r *LLMRanker) Rank(ctx context.Context, phrase string, candidates []Candidate) RankResult {
	ctx, span := rankerTracer.Start(ctx, "resolve.LLMRanker.Rank",
		trace.WithAttributes(
			attribute.String("phrase_preview", truncateForLog(llm.SafeLogString(phrase), 80)),
			attribute.Int("candidate_count", len(candidates)),
		),
	)
	defer span.End()

	if len(candidates) == 0 {
		rankerCallTotal.WithLabelValues("no_match").Inc()
		return RankResult{NoMatch: true}
	}
	if len(candidates) > MaxRankerCandidates {
		candidates = candidates[:MaxRankerCandidates]
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	raw, err := r.client.Complete(callCtx, rankerSystemPrompt, buildRankerPrompt(phrase, candidates))
	rankerLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		outcome := "error"
		if callCtx.Err() == context.DeadlineExceeded {
			outcome = "timeout"
		}
		r.logger.Warn("ranker call failed, treating as no match",
			slog.String("error", err.Error()),
			slog.String("outcome", outcome),
		)
		rankerCallTotal.WithLabelValues(outcome).Inc()
		return RankResult{NoMatch: true}
	}

	reply, err := parseRankerReply(raw)
	if err != nil {
		r.logger.Warn("ranker returned malformed output, treating as no match",
			slog.String("error", err.Error()),
		)
		rankerCallTotal.WithLabelValues("malformed").Inc()
		return RankResult{NoMatch: true}
	}

	if reply.NoMatch || reply.Pick == nil {
		rankerCallTotal.WithLabelValues("no_match").Inc()
		return RankResult{NoMatch: true}
	}

	idx := *reply.Pick - 1 // prompt numbers candidates from 1
	if idx < 0 || idx >= len(candidates) {
		// The model picked a number outside the shortlist. That is a
		// fabrication, not a match.
		r.logger.Warn("ranker picked outside the shortlist, treating as no match",
			slog.Int("pick", *reply.Pick),
			slog.Int("candidates", len(candidates)),
		)
		rankerCallTotal.WithLabelValues("foreign_pick").Inc()
		return RankResult{NoMatch: true}
	}

	confidence := clamp01(reply.Confidence)
	if confidence == 0 {
		// Zero confidence is indistinguishable from a decline.
		rankerCallTotal.WithLabelValues("no_match").Inc()
		return RankResult{NoMatch: true}
	}

	chosen := candidates[idx]
	chosen.Tier = TierLLM
	chosen.Score = confidence

	rankerCallTotal.WithLabelValues("match").Inc()
	span.SetAttributes(
		attribute.String("picked_code", chosen.Code),
		attribute.Float64("confidence", confidence),
	)

	return RankResult{Candidate: chosen, Confidence: confidence}
}

// buildRankerPrompt renders the numbered shortlist. The phrase is scrubbed
// of secret-shaped substrings before it leaves the process.
func buildRankerPrompt(phrase string, candidates []Candidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Phrase: %q\n\nCandidates:\n", llm.SafeLogString(phrase))
	for i, c := range candidates {
		fmt.Fprintf(&b, "%d. [%s] %s — %s (tier: %s, score: %.2f)\n",
			i+1, c.Provider, c.Code, c.DisplayName, c.Tier, c.Score)
	}
	return b.String()
}

// parseRankerReply extracts the JSON verdict, tolerating markdown fences
// some models wrap around JSON no matter what the prompt says.
func parseRankerReply(raw string) (*rankerReply, error) {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if i := strings.LastIndex(text, "```"); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
	}

	var reply rankerReply
	if err := json.Unmarshal([]byte(text), &reply); err != nil {
		return nil, fmt.Errorf("parse ranker reply: %w", err)
	}
	return &reply, nil
}

// clamp01 clamps v to [0, 1].
func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
