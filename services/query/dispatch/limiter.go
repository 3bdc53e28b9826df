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
	"sync"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/statquery/services/query/intent"
)

// =============================================================================
// Per-Provider Rate Limiting
// =============================================================================

// DefaultProviderRPS is the token-bucket refill rate applied to providers
// without a configured limit. Public statistical APIs are generous but not
// unlimited; one request per second with a small burst stays well inside
// every provider's published quota.
const DefaultProviderRPS = 1.0

// DefaultProviderBurst is the default token-bucket burst.
const DefaultProviderBurst = 3

// providerLimiter gates outbound fetches for the provider fleet.
//
// Description:
//
//	Two mechanisms compose here. The rate.Limiter enforces the provider's
//	request quota over time; the mutex serializes in-flight fetches so a
//	provider never sees two concurrent requests from this process.
//	Distinct providers do not contend with each other.
//
// Thread Safety: Safe for concurrent use.
type providerLimiter struct {
	mu       sync.Mutex
	limiters map[intent.Provider]*limiterEntry
	rps      map[intent.Provider]float64
	burst    map[intent.Provider]int
}

type limiterEntry struct {
	bucket *rate.Limiter
	// inflight serializes fetches to one provider.
	inflight sync.Mutex
}

// ProviderLimit tunes one provider's token bucket.
type ProviderLimit struct {
	Provider intent.Provider
	RPS      float64
	Burst    int
}

func newProviderLimiter(limits []ProviderLimit) *providerLimiter {
	pl := &providerLimiter{
		limiters: make(map[intent.Provider]*limiterEntry),
		rps:      make(map[intent.Provider]float64),
		burst:    make(map[intent.Provider]int),
	}
	for _, l := range limits {
		if l.RPS > 0 {
			pl.rps[l.Provider] = l.RPS
		}
		if l.Burst > 0 {
			pl.burst[l.Provider] = l.Burst
		}
	}
	return pl
}

// entry returns the limiter for a provider, creating it on first use.
func (pl *providerLimiter) entry(p intent.Provider) *limiterEntry {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	e, ok := pl.limiters[p]
	if !ok {
		rps := DefaultProviderRPS
		if r, has := pl.rps[p]; has {
			rps = r
		}
		burst := DefaultProviderBurst
		if b, has := pl.burst[p]; has {
			burst = b
		}
		e = &limiterEntry{bucket: rate.NewLimiter(rate.Limit(rps), burst)}
		pl.limiters[p] = e
	}
	return e
}

// acquire blocks until the provider's bucket grants a token and the
// provider has no other in-flight fetch. The returned release must be
// called when the fetch completes.
func (pl *providerLimiter) acquire(ctx context.Context, p intent.Provider) (release func(), err error) {
	e := pl.entry(p)
	if err := e.bucket.Wait(ctx); err != nil {
		return nil, err
	}
	// Serialize after the token wait so a queued fetch does not hold the
	// provider's slot while waiting for quota.
	locked := make(chan struct{})
	go func() {
		e.inflight.Lock()
		close(locked)
	}()
	select {
	case <-locked:
		return e.inflight.Unlock, nil
	case <-ctx.Done():
		// The goroutine will eventually take and must then drop the lock.
		go func() {
			<-locked
			e.inflight.Unlock()
		}()
		return nil, ctx.Err()
	}
}
