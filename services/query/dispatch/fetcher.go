// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dispatch executes resolved indicators against their providers:
// per-provider rate limiting and serialization, retry with backoff on
// transient failures, a TTL cache for fetched series, and per-indicator
// failure isolation so one bad provider never sinks a whole query.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/statquery/services/query/intent"
)

// =============================================================================
// TimeSeries
// =============================================================================

// Point is one dated observation.
type Point struct {
	Date  time.Time `json:"date"`
	Value float64   `json:"value"`
}

// Meta describes where a series came from and what it measures.
type Meta struct {
	Source        intent.Provider `json:"source"`
	IndicatorCode string          `json:"indicator_code"`
	Country       string          `json:"country,omitempty"`
	Region        intent.Region   `json:"region,omitempty"`
	Frequency     string          `json:"frequency,omitempty"`
	Unit          string          `json:"unit,omitempty"`
}

// TimeSeries is the provider-neutral fetch result. Callers never see a
// provider wire format; adapters translate into this shape.
type TimeSeries struct {
	Meta   Meta    `json:"meta"`
	Points []Point `json:"points"`
}

// =============================================================================
// Fetcher Contract
// =============================================================================

// Request identifies one series to fetch. Country and Region are
// mutually exclusive scopes; Region set means a regional aggregate.
type Request struct {
	Provider  intent.Provider
	Code      string
	Country   string
	Region    intent.Region
	DateRange intent.DateRange
}

// CacheKey renders the request in a stable form for the series cache.
func (r Request) CacheKey() string {
	return string(r.Provider) + "/" + r.Code + "/" + r.Country + "/" + string(r.Region) + "/" + r.DateRange.CacheKey()
}

// Fetcher retrieves one time series from one provider.
//
// # Description
//
// Implementations translate provider wire formats into TimeSeries and
// classify failures into the typed errors below; the coordinator's retry
// policy keys off those types. Implementations need not rate limit or
// retry themselves.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the coordinator
// serializes calls per provider but runs distinct providers concurrently.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*TimeSeries, error)
}

// =============================================================================
// Typed Fetch Errors
// =============================================================================

// Sentinel fetch failure classes. Adapters wrap these with %w; the retry
// policy and the HTTP layer branch on errors.Is.
var (
	// ErrNotFound means the provider does not know the code. Terminal.
	ErrNotFound = errors.New("indicator not found at provider")

	// ErrRateLimited means the provider refused for quota reasons.
	// Transient; retried with backoff.
	ErrRateLimited = errors.New("provider rate limited")

	// ErrUnavailable means the provider failed or timed out. Transient.
	ErrUnavailable = errors.New("provider unavailable")

	// ErrUnsupportedRegion means the provider cannot serve the requested
	// region as a single series. Terminal, never retried.
	ErrUnsupportedRegion = errors.New("region not supported by provider")
)

// retryable reports whether an error class is worth another attempt.
func retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable)
}

// FetchError carries the request context alongside the classified cause.
type FetchError struct {
	Request Request
	Attempt int
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s/%s (attempt %d): %v", e.Request.Provider, e.Request.Code, e.Attempt, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }
