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
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/statquery/services/query/storage/badger"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var seriesCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "statquery",
	Subsystem: "dispatch",
	Name:      "series_cache_total",
	Help:      "Series cache lookups by outcome: hit, miss, error",
}, []string{"outcome"})

// =============================================================================
// Series Cache
// =============================================================================

// seriesKeyPrefix versions the cache namespace. Bump it when the cached
// TimeSeries encoding changes; stale entries then age out via TTL.
const seriesKeyPrefix = "series/v1/"

// DefaultSeriesTTL balances freshness against quota. Most statistical
// series revise monthly; six hours keeps intraday repeats free.
const DefaultSeriesTTL = 6 * time.Hour

// SeriesCache interface for fetched-series persistence. Nil-safe at the
// coordinator; a nil cache disables persistence.
type SeriesCache interface {
	// Load returns the cached series for a request, or nil on miss.
	Load(ctx context.Context, req Request) (*TimeSeries, error)

	// Save persists a fetched series with the cache's TTL.
	Save(ctx context.Context, req Request, ts *TimeSeries) error
}

// BadgerSeriesCache is the BadgerDB-backed SeriesCache.
//
// Description:
//
//	Entries are gob-encoded TimeSeries values keyed by the full request
//	identity (provider, code, country, date range), so the same code
//	fetched for two countries never collides. Badger's native TTL
//	expires entries; there is no manual invalidation path.
//
// Thread Safety: Safe for concurrent use.
type BadgerSeriesCache struct {
	db  *badger.DB
	ttl time.Duration
}

// NewBadgerSeriesCache creates a series cache on the shared DB.
//
// Inputs:
//
//	db - Open shared database. Must not be nil.
//	ttl - Entry lifetime; <= 0 selects DefaultSeriesTTL.
func NewBadgerSeriesCache(db *badger.DB, ttl time.Duration) *BadgerSeriesCache {
	if ttl <= 0 {
		ttl = DefaultSeriesTTL
	}
	return &BadgerSeriesCache{db: db, ttl: ttl}
}

func seriesKey(req Request) []byte {
	return []byte(seriesKeyPrefix + req.CacheKey())
}

// Load returns the cached series for a request, or nil on miss.
func (c *BadgerSeriesCache) Load(ctx context.Context, req Request) (*TimeSeries, error) {
	var ts *TimeSeries
	err := c.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(seriesKey(req))
		if err == dgbadger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var decoded TimeSeries
			if err := gob.NewDecoder(bytes.NewReader(val)).Decode(&decoded); err != nil {
				return fmt.Errorf("decode cached series: %w", err)
			}
			ts = &decoded
			return nil
		})
	})
	if err != nil {
		seriesCacheTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if ts == nil {
		seriesCacheTotal.WithLabelValues("miss").Inc()
		return nil, nil
	}
	seriesCacheTotal.WithLabelValues("hit").Inc()
	return ts, nil
}

// Save persists a fetched series with the cache's TTL.
func (c *BadgerSeriesCache) Save(ctx context.Context, req Request, ts *TimeSeries) error {
	if ts == nil {
		return nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(ts); err != nil {
		return fmt.Errorf("encode series for cache: %w", err)
	}
	return c.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		entry := dgbadger.NewEntry(seriesKey(req), buf.Bytes()).WithTTL(c.ttl)
		return txn.SetEntry(entry)
	})
}
