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
	"math/rand"
	"time"
)

// =============================================================================
// Retry Policy
// =============================================================================

// RetryPolicy bounds retries of transient fetch failures.
type RetryPolicy struct {
	// MaxAttempts counts the first try. Must be >= 1.
	MaxAttempts int

	// BaseDelay is the first backoff interval.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
}

// DefaultRetryPolicy suits public statistical APIs: three tries with
// 500ms, 1s under jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// delay computes the backoff before attempt n (1-based; attempt 1 has no
// delay). Full jitter: a uniform draw from (0, capped exponential], so a
// burst of retries against one provider spreads out instead of thundering.
func (p RetryPolicy) delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	d := p.BaseDelay << uint(attempt-2)
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	// A zero-delay policy (immediate retries) must not reach Int63n(0).
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d))) + 1
}

// fetchWithRetry runs one fetch under the policy. Terminal error classes
// (NotFound, UnsupportedRegion) return immediately; transient classes
// retry until the attempts or the context run out. The returned error is
// the last attempt's, wrapped with request context.
func fetchWithRetry(ctx context.Context, f Fetcher, req Request, policy RetryPolicy) (*TimeSeries, error) {
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if wait := policy.delay(attempt); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
		}

		ts, err := f.Fetch(ctx, req)
		if err == nil {
			return ts, nil
		}
		lastErr = &FetchError{Request: req, Attempt: attempt, Err: err}

		if !retryable(err) {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}
