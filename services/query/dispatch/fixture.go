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
	"math"
	"sync"
	"time"

	"github.com/AleutianAI/statquery/services/query/intent"
)

// fixtureRegions lists the regional aggregates each fixture provider
// publishes as a single series. A request for any other region fails with
// ErrUnsupportedRegion, the way real statistical APIs reject aggregates
// they do not compute. Comtrade is deliberately absent: bilateral trade
// between regions is never a single series.
var fixtureRegions = map[intent.Provider]map[intent.Region]bool{
	intent.ProviderWorldBank: {
		intent.RegionWorld:    true,
		intent.RegionEU:       true,
		intent.RegionAfrica:   true,
		intent.RegionAsia:     true,
		intent.RegionLatAm:    true,
		intent.RegionEmerging: true,
	},
	intent.ProviderIMF: {
		intent.RegionWorld:    true,
		intent.RegionEmerging: true,
	},
	intent.ProviderOECD: {
		intent.RegionOECD: true,
	},
	intent.ProviderEurostat: {
		intent.RegionEU:       true,
		intent.RegionEuroArea: true,
	},
	intent.ProviderECB: {
		intent.RegionEuroArea: true,
	},
}

// FixtureFetcher is a deterministic in-process Fetcher for tests and the
// fixtures serve mode.
//
// # Description
//
// Canned series and injected errors are matched first by exact cache key;
// unmatched requests get a synthetic monthly series derived from a hash of
// the request, so the same request always yields the same data without any
// network. Regional requests are honored only for the provider/region
// pairs in fixtureRegions. No real provider is ever contacted.
//
// # Thread Safety
//
// Safe for concurrent use.
type FixtureFetcher struct {
	mu     sync.RWMutex
	series map[string]*TimeSeries
	errs   map[string]error
	calls  map[string]int
}

// NewFixtureFetcher creates an empty FixtureFetcher.
func NewFixtureFetcher() *FixtureFetcher {
	return &FixtureFetcher{
		series: make(map[string]*TimeSeries),
		errs:   make(map[string]error),
		calls:  make(map[string]int),
	}
}

// SetSeries cans a series for an exact request.
func (f *FixtureFetcher) SetSeries(req Request, ts *TimeSeries) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.series[req.CacheKey()] = ts
}

// SetError injects a failure for an exact request.
func (f *FixtureFetcher) SetError(req Request, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[req.CacheKey()] = err
}

// Calls reports how many times a request has been fetched.
func (f *FixtureFetcher) Calls(req Request) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.calls[req.CacheKey()]
}

// Fetch implements Fetcher.
func (f *FixtureFetcher) Fetch(ctx context.Context, req Request) (*TimeSeries, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := req.CacheKey()

	f.mu.Lock()
	f.calls[key]++
	ts, hasSeries := f.series[key]
	err, hasErr := f.errs[key]
	f.mu.Unlock()

	if hasErr {
		return nil, err
	}
	if hasSeries {
		return ts, nil
	}
	if req.Region != intent.RegionNone && !fixtureRegions[req.Provider][req.Region] {
		return nil, ErrUnsupportedRegion
	}
	return syntheticSeries(req), nil
}

// syntheticSeries builds a 24-point monthly series whose values depend
// only on the request, so fixture output is stable across runs.
func syntheticSeries(req Request) *TimeSeries {
	seed := fnv64(req.CacheKey())
	base := 50.0 + float64(seed%1000)
	amplitude := 1.0 + float64(seed%97)/10.0

	start := time.Date(2023, time.September, 1, 0, 0, 0, 0, time.UTC)
	points := make([]Point, 24)
	for i := range points {
		points[i] = Point{
			Date:  start.AddDate(0, i, 0),
			Value: round2(base + amplitude*math.Sin(float64(i)/3.0)),
		}
	}

	return &TimeSeries{
		Meta: Meta{
			Source:        req.Provider,
			IndicatorCode: req.Code,
			Country:       req.Country,
			Frequency:     "monthly",
			Unit:          "index",
		},
		Points: points,
	}
}

func fnv64(s string) uint64 {
	const offset, prime = 14695981039346656037, 1099511628211
	h := uint64(offset)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime
	}
	return h
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
