// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	dispatchFetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "statquery",
		Subsystem: "dispatch",
		Name:      "fetch_total",
		Help:      "Fetch outcomes by provider and result: ok, cached, failed, timeout",
	}, []string{"provider", "result"})

	dispatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "statquery",
		Subsystem: "dispatch",
		Name:      "fetch_latency_seconds",
		Help:      "Per-fetch latency by provider, cache hits excluded",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
	}, []string{"provider"})
)

var dispatchTracer = otel.Tracer("statquery.query.dispatch")

// ErrTimeout marks an indicator whose fetch never completed before the
// query deadline. Distinct from ErrUnavailable: the provider may be fine.
var ErrTimeout = errors.New("fetch abandoned at query deadline")

// =============================================================================
// Coordinator
// =============================================================================

// Result pairs one request with its outcome. Exactly one of Series and
// Err is set.
type Result struct {
	Request Request
	Series  *TimeSeries
	Err     error
}

// Coordinator executes a batch of resolved indicators.
//
// # Description
//
// Each request runs in its own goroutine under the provider limiter, so
// distinct providers fetch concurrently while one provider's requests
// serialize. A failed request records a typed error in its Result slot
// and never disturbs its siblings. When the context deadline expires,
// still-pending requests resolve to ErrTimeout and whatever finished is
// returned.
//
// # Thread Safety
//
// Safe for concurrent use.
type Coordinator struct {
	fetcher Fetcher
	cache   SeriesCache
	limiter *providerLimiter
	policy  RetryPolicy
	logger  *slog.Logger
}

// NewCoordinator creates a dispatch Coordinator.
//
// # Inputs
//
//   - fetcher: Provider fetch implementation. Must not be nil.
//   - cache: Series cache. May be nil to disable caching.
//   - limits: Per-provider overrides of the default token bucket.
//   - policy: Retry policy. Zero value selects DefaultRetryPolicy.
//   - logger: Logger instance. May be nil.
func NewCoordinator(fetcher Fetcher, cache SeriesCache, limits []ProviderLimit, policy RetryPolicy, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.MaxAttempts < 1 {
		policy = DefaultRetryPolicy()
	}
	return &Coordinator{
		fetcher: fetcher,
		cache:   cache,
		limiter: newProviderLimiter(limits),
		policy:  policy,
		logger:  logger,
	}
}

// Dispatch fetches every request, preserving input order in the results.
//
// # Outputs
//
//   - []Result: One slot per request, same order. Always full length;
//     a slot holds either a series or a typed error, never neither.
func (c *Coordinator) Dispatch(ctx context.Context, reqs []Request) []Result {
	ctx, span := dispatchTracer.Start(ctx, "dispatch.Coordinator.Dispatch",
		trace.WithAttributes(attribute.Int("request_count", len(reqs))),
	)
	defer span.End()

	results := make([]Result, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		g.Go(func() error {
			results[i] = c.fetchOne(gctx, req)
			return nil // failures are isolated per slot
		})
	}
	g.Wait()

	failed := 0
	for i := range results {
		if results[i].Err != nil {
			failed++
		}
	}
	span.SetAttributes(attribute.Int("failed_count", failed))

	return results
}

// fetchOne runs the cache check, limiter wait, and retried fetch for one
// request.
func (c *Coordinator) fetchOne(ctx context.Context, req Request) Result {
	provider := req.Provider.String()

	if c.cache != nil {
		cached, err := c.cache.Load(ctx, req)
		if err != nil {
			c.logger.Warn("series cache load failed",
				slog.String("provider", provider),
				slog.String("code", req.Code),
				slog.String("error", err.Error()),
			)
		} else if cached != nil {
			dispatchFetchTotal.WithLabelValues(provider, "cached").Inc()
			return Result{Request: req, Series: cached}
		}
	}

	release, err := c.limiter.acquire(ctx, req.Provider)
	if err != nil {
		dispatchFetchTotal.WithLabelValues(provider, "timeout").Inc()
		return Result{Request: req, Err: c.deadlineErr(req, err)}
	}
	defer release()

	start := time.Now()
	ts, err := fetchWithRetry(ctx, c.fetcher, req, c.policy)
	dispatchLatency.WithLabelValues(provider).Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			dispatchFetchTotal.WithLabelValues(provider, "timeout").Inc()
			return Result{Request: req, Err: c.deadlineErr(req, err)}
		}
		dispatchFetchTotal.WithLabelValues(provider, "failed").Inc()
		c.logger.Warn("fetch failed",
			slog.String("provider", provider),
			slog.String("code", req.Code),
			slog.String("error", err.Error()),
		)
		return Result{Request: req, Err: err}
	}

	dispatchFetchTotal.WithLabelValues(provider, "ok").Inc()

	if c.cache != nil {
		if err := c.cache.Save(ctx, req, ts); err != nil {
			c.logger.Warn("series cache save failed",
				slog.String("provider", provider),
				slog.String("code", req.Code),
				slog.String("error", err.Error()),
			)
		}
	}

	return Result{Request: req, Series: ts}
}

// deadlineErr wraps a context failure as the Timeout marker.
func (c *Coordinator) deadlineErr(req Request, cause error) error {
	return &FetchError{Request: req, Attempt: 0, Err: errors.Join(ErrTimeout, cause)}
}
