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

// =============================================================================
// RankerCacheStore — LLM Verdict Persistence
// =============================================================================
//
// The ranker is the one non-deterministic tier. Caching its verdict keyed
// by (provider, normalized phrase) makes repeat queries deterministic for
// the lifetime of the entry and saves a model call.
//
// Design choices:
//
//	1. BadgerDB: verdicts are service infrastructure, not user data. An
//	   embedded store means no network call and no availability dependency
//	   on the cache path.
//
//	2. Snapshot version in the key: routing/<v>/rank/<snapshotVersion>/...
//	   A catalog rebuild changes the candidate pool, so verdicts from the
//	   previous snapshot become unreachable without an explicit purge —
//	   the TTL retires them.
//
//	3. BadgerDB native TTL: expiry is enforced by Badger's GC, not by
//	   application code. Expired keys read as a cache miss.

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"

	badgerstore "github.com/AleutianAI/statquery/services/query/storage/badger"
	"github.com/AleutianAI/statquery/services/query/intent"
)

// rankerCacheDefaultTTL is the default lifetime of a cached verdict.
const rankerCacheDefaultTTL = 7 * 24 * time.Hour

// rankerCacheKeyPrefix is versioned to allow future format changes
// without collision.
const rankerCacheKeyPrefix = "rank/v1/"

// errRankerCacheMiss distinguishes "key not found" from a storage error.
var errRankerCacheMiss = errors.New("ranker cache miss")

// RankerCacheStore persists ranker verdicts across requests and restarts.
//
// # Description
//
// Nil-safe at the call site: the resolver checks for a nil store and
// skips persistence, operating in call-through mode. That is the correct
// behavior for tests and deployments without a cache directory.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type RankerCacheStore interface {
	// LoadVerdict retrieves a cached verdict for (provider, phrase) under
	// the given snapshot version.
	//
	// Returns (nil, nil) on cache miss (absent or TTL expired).
	// Returns (nil, error) on storage failure.
	LoadVerdict(ctx context.Context, snapshotVersion int, p intent.Provider, phrase string) (*RankResult, error)

	// SaveVerdict persists a verdict with the store's TTL. Persistence
	// failure is non-fatal; callers log and continue.
	SaveVerdict(ctx context.Context, snapshotVersion int, p intent.Provider, phrase string, result RankResult) error
}

// BadgerRankerCacheStore implements RankerCacheStore on BadgerDB.
//
// # Description
//
// Verdicts are gob-encoded RankResult values. The DB is a service-global
// singleton opened at startup; this store does not own its lifecycle.
//
// # Thread Safety
//
// Safe for concurrent use. BadgerDB transactions are per-goroutine.
type BadgerRankerCacheStore struct {
	db     *badgerstore.DB
	ttl    time.Duration
	logger *slog.Logger
}

// NewBadgerRankerCacheStore creates a store backed by the given DB.
//
// # Inputs
//
//   - db: Opened BadgerDB wrapper. Must not be nil.
//   - ttl: Lifetime for each verdict. Pass 0 for the default (7 days).
//   - logger: Logger for hit/miss diagnostics. May be nil.
func NewBadgerRankerCacheStore(db *badgerstore.DB, ttl time.Duration, logger *slog.Logger) *BadgerRankerCacheStore {
	if db == nil {
		panic("NewBadgerRankerCacheStore: db must not be nil")
	}
	if ttl <= 0 {
		ttl = rankerCacheDefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerRankerCacheStore{db: db, ttl: ttl, logger: logger}
}

// LoadVerdict retrieves a cached verdict.
func (s *BadgerRankerCacheStore) LoadVerdict(ctx context.Context, snapshotVersion int, p intent.Provider, phrase string) (*RankResult, error) {
	key := rankerCacheKey(snapshotVersion, p, phrase)

	var raw []byte
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return errRankerCacheMiss
		}
		if err != nil {
			return fmt.Errorf("get cache key: %w", err)
		}
		raw, err = item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("copy value: %w", err)
		}
		return nil
	})

	if errors.Is(err, errRankerCacheMiss) {
		s.logger.Debug("ranker cache: miss",
			slog.String("provider", p.String()),
		)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ranker cache load: %w", err)
	}

	var result RankResult
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&result); err != nil {
		return nil, fmt.Errorf("ranker cache decode: %w", err)
	}

	s.logger.Debug("ranker cache: hit",
		slog.String("provider", p.String()),
		slog.Bool("no_match", result.NoMatch),
	)
	return &result, nil
}

// SaveVerdict persists a verdict with the configured TTL.
//
// No-match verdicts are cached too: re-asking the model the same losing
// question every request would reintroduce the non-determinism the cache
// exists to remove.
func (s *BadgerRankerCacheStore) SaveVerdict(ctx context.Context, snapshotVersion int, p intent.Provider, phrase string, result RankResult) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(result); err != nil {
		return fmt.Errorf("ranker cache encode: %w", err)
	}

	key := rankerCacheKey(snapshotVersion, p, phrase)
	err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		entry := dgbadger.NewEntry(key, buf.Bytes()).WithTTL(s.ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("ranker cache save: %w", err)
	}

	s.logger.Debug("ranker cache: saved",
		slog.String("provider", p.String()),
		slog.Duration("ttl", s.ttl),
	)
	return nil
}

// rankerCacheKey builds the BadgerDB key for a verdict.
func rankerCacheKey(snapshotVersion int, p intent.Provider, phrase string) []byte {
	return []byte(fmt.Sprintf("%s%d/%s/%s",
		rankerCacheKeyPrefix, snapshotVersion, p, intent.NormalizePhrase(phrase)))
}
